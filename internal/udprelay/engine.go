package udprelay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/quicrelay/quicrelay/internal/logging"
	"github.com/quicrelay/quicrelay/internal/metrics"
	"github.com/quicrelay/quicrelay/internal/protocol"
	"github.com/quicrelay/quicrelay/internal/session"
)

// Sink consumes reassembled datagrams and association teardown events.
// Deliver may perform I/O; it is never called under an engine lock.
type Sink interface {
	// Deliver hands over one reassembled datagram for an association.
	Deliver(assocID uint16, addr protocol.Address, payload []byte)

	// AssociationClosed reports that the engine dropped an association
	// (dissociate, idle timeout, or connection teardown).
	AssociationClosed(assocID uint16)
}

// Config tunes the engine.
type Config struct {
	// ReassemblyTimeout bounds how long a partial datagram is kept.
	ReassemblyTimeout time.Duration

	// IdleTimeout drops associations with no traffic. Zero disables.
	IdleTimeout time.Duration

	// SweepInterval is how often expired state is collected.
	SweepInterval time.Duration

	// MaxAssociations bounds live associations per connection. Zero
	// means unlimited.
	MaxAssociations int
}

// DefaultConfig returns sensible engine defaults.
func DefaultConfig() Config {
	return Config{
		ReassemblyTimeout: DefaultReassemblyTimeout,
		IdleTimeout:       2 * time.Minute,
		SweepInterval:     5 * time.Second,
	}
}

// Association is the receive-path state of one UDP association.
type Association struct {
	ID uint16

	mu           sync.Mutex
	asm          *Assembler
	lastActivity time.Time
}

func (a *Association) touch(now time.Time) {
	a.mu.Lock()
	a.lastActivity = now
	a.mu.Unlock()
}

func (a *Association) idleSince(now time.Time) time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return now.Sub(a.lastActivity)
}

// Engine tracks associations and reassembly for one transport
// connection. Incoming Packet commands are fed through HandlePacket;
// completed datagrams surface through the Sink.
type Engine struct {
	cfg    Config
	table  *session.Table[uint16, *Association]
	sink   Sink
	logger *slog.Logger
	m      *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine creates an engine and starts its sweeper.
func NewEngine(cfg Config, sink Sink, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if cfg.ReassemblyTimeout <= 0 {
		cfg.ReassemblyTimeout = DefaultReassemblyTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:    cfg,
		table:  session.NewTable[uint16, *Association](),
		sink:   sink,
		logger: logger.With(slog.String(logging.KeyComponent, "udprelay")),
		m:      metrics.Default(),
		ctx:    ctx,
		cancel: cancel,
	}

	e.wg.Add(1)
	go e.sweepLoop()
	return e
}

// HandlePacket records one incoming fragment, creating the association
// on first sight of its id. The first Packet after a Dissociate starts
// a fresh association rather than being an error, so id reuse after the
// remote garbage-collects the old one is harmless.
func (e *Engine) HandlePacket(p *protocol.Packet) {
	now := time.Now()

	assoc, ok := e.table.Lookup(p.AssocID)
	if !ok {
		if e.cfg.MaxAssociations > 0 && e.table.Len() >= e.cfg.MaxAssociations {
			e.logger.Warn("association limit reached, dropping packet",
				slog.Int("limit", e.cfg.MaxAssociations),
				slog.Int("assoc_id", int(p.AssocID)))
			e.m.ReassemblyDrops.WithLabelValues(metrics.DropMalformed).Inc()
			return
		}
		assoc = &Association{
			ID:           p.AssocID,
			asm:          NewAssembler(e.cfg.ReassemblyTimeout),
			lastActivity: now,
		}
		if !e.table.Insert(p.AssocID, assoc) {
			// Lost a race with a concurrent creator; use theirs.
			assoc, _ = e.table.Lookup(p.AssocID)
			if assoc == nil {
				return
			}
		} else {
			e.logger.Debug("association created",
				slog.Int(logging.KeyAssocID, int(p.AssocID)))
		}
	}
	assoc.touch(now)

	assoc.mu.Lock()
	dgram, ok := assoc.asm.Feed(p, now)
	assoc.mu.Unlock()

	if !ok {
		e.m.ReassemblyDrops.WithLabelValues(metrics.DropMalformed).Inc()
		return
	}
	if dgram == nil {
		return // waiting for more fragments
	}

	e.m.DatagramsReassembled.Inc()
	e.sink.Deliver(p.AssocID, dgram.Addr, dgram.Payload)
}

// Dissociate removes an association and discards its in-flight
// reassembly state.
func (e *Engine) Dissociate(assocID uint16) {
	assoc, ok := e.table.Remove(assocID)
	if !ok {
		return
	}

	assoc.mu.Lock()
	pending := assoc.asm.Pending()
	assoc.mu.Unlock()

	if pending > 0 {
		e.m.ReassemblyDrops.WithLabelValues(metrics.DropDissociate).Add(float64(pending))
	}
	e.logger.Debug("association dissociated",
		slog.Int(logging.KeyAssocID, int(assocID)))
	e.sink.AssociationClosed(assocID)
}

// Len returns the number of live associations.
func (e *Engine) Len() int {
	return e.table.Len()
}

// Reset drops every association and its in-flight reassembly state
// while keeping the engine running. Used when the underlying connection
// is lost: receive-path state cannot be migrated to the replacement.
func (e *Engine) Reset() {
	for _, assoc := range e.table.Drain() {
		e.sink.AssociationClosed(assoc.ID)
	}
}

// Close stops the sweeper and drops every association.
func (e *Engine) Close() {
	e.cancel()
	e.wg.Wait()
	e.Reset()
}

func (e *Engine) sweepLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case now := <-ticker.C:
			e.sweep(now)
		}
	}
}

func (e *Engine) sweep(now time.Time) {
	e.table.ForEach(func(id uint16, assoc *Association) {
		assoc.mu.Lock()
		dropped := assoc.asm.Sweep(now)
		assoc.mu.Unlock()

		if dropped > 0 {
			e.m.ReassemblyDrops.WithLabelValues(metrics.DropTimeout).Add(float64(dropped))
		}

		if e.cfg.IdleTimeout > 0 && assoc.idleSince(now) > e.cfg.IdleTimeout {
			if _, ok := e.table.Remove(id); ok {
				e.logger.Debug("association expired",
					slog.Int(logging.KeyAssocID, int(id)))
				e.sink.AssociationClosed(id)
			}
		}
	})
}
