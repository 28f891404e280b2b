package client

import (
	"math"
	"time"
)

// ReconnectConfig tunes the client's reconnection behavior.
type ReconnectConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	MaxAttempts  int // 0 means unlimited
	Jitter       float64
}

// DefaultReconnectConfig returns sensible defaults for reconnection.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		InitialDelay: 1 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		MaxAttempts:  0,   // Unlimited
		Jitter:       0.2, // 20% jitter makes timing patterns less distinguishable
	}
}

// backoff computes reconnect delays for consecutive failed attempts.
// Not safe for concurrent use; the connect loop owns it.
type backoff struct {
	cfg      ReconnectConfig
	attempts int
}

func newBackoff(cfg ReconnectConfig) *backoff {
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = time.Second
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		cfg.MaxDelay = cfg.InitialDelay
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 2.0
	}
	return &backoff{cfg: cfg}
}

// Next records a failed attempt and returns the delay before the next
// one. The second return is false once MaxAttempts is exhausted.
func (b *backoff) Next() (time.Duration, bool) {
	b.attempts++
	if b.cfg.MaxAttempts > 0 && b.attempts >= b.cfg.MaxAttempts {
		return 0, false
	}
	delay := float64(b.cfg.InitialDelay) * math.Pow(b.cfg.Multiplier, float64(b.attempts-1))
	if delay > float64(b.cfg.MaxDelay) {
		delay = float64(b.cfg.MaxDelay)
	}
	return b.addJitter(time.Duration(delay)), true
}

// Reset clears the attempt count after a successful connection.
func (b *backoff) Reset() {
	b.attempts = 0
}

// Attempts returns the number of consecutive failed attempts.
func (b *backoff) Attempts() int {
	return b.attempts
}

// addJitter adds random jitter to a duration.
func (b *backoff) addJitter(d time.Duration) time.Duration {
	if b.cfg.Jitter <= 0 {
		return d
	}

	// Use time-based pseudo-random for simplicity
	jitterRange := float64(d) * b.cfg.Jitter
	jitter := (float64(time.Now().UnixNano()%1000)/1000.0 - 0.5) * 2 * jitterRange

	result := time.Duration(float64(d) + jitter)
	if result < 0 {
		result = d
	}
	return result
}
