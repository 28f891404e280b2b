// Package relay pairs one multiplexed transport stream with one TCP
// endpoint and pumps bytes between them, propagating half-closes.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/quicrelay/quicrelay/internal/logging"
	"github.com/quicrelay/quicrelay/internal/metrics"
	"github.com/quicrelay/quicrelay/internal/protocol"
	"github.com/quicrelay/quicrelay/internal/session"
	"github.com/quicrelay/quicrelay/internal/transport"
)

// State is the lifecycle of one relay session.
type State int32

const (
	StateOpening State = iota
	StateEstablished
	StateHalfClosedLocal
	StateHalfClosedRemote
	StateClosed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateOpening:
		return "OPENING"
	case StateEstablished:
		return "ESTABLISHED"
	case StateHalfClosedLocal:
		return "HALF_CLOSED_LOCAL"
	case StateHalfClosedRemote:
		return "HALF_CLOSED_REMOTE"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

var (
	// ErrSessionCollision is returned when a stream id is already
	// tracked; the one request is rejected, the connection survives.
	ErrSessionCollision = errors.New("session id collision")

	// ErrUnexpectedCommand is returned when a relay stream does not
	// begin with Connect.
	ErrUnexpectedCommand = errors.New("unexpected command on relay stream")
)

// Dialer opens the local TCP-like endpoint on the accepting side.
// *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Config tunes a Handler.
type Config struct {
	// Dialer opens target connections. Defaults to a plain net.Dialer.
	Dialer Dialer

	// ConnectTimeout bounds target dialing.
	ConnectTimeout time.Duration

	// BufferSize is the per-direction copy buffer size.
	BufferSize int

	// RateLimitBytes caps per-session throughput in each direction.
	// Zero means unlimited.
	RateLimitBytes int64

	// Logger for session events.
	Logger *slog.Logger
}

// DefaultConfig returns sensible handler defaults.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout: 30 * time.Second,
		BufferSize:     DefaultBufferSize,
	}
}

// Session is the control handle for one accepting-side relay session.
// The table holds it for lookup and cancellation; the pumping task owns
// the endpoints themselves.
type Session struct {
	StreamID  uint64
	Target    protocol.Address
	StartedAt time.Time

	state  atomic.Int32
	stream transport.Stream
	conn   net.Conn
	once   sync.Once
}

// State returns the session's current state.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// Cancel aborts the session at its current suspension point. Safe to
// call from any task.
func (s *Session) Cancel() {
	s.once.Do(func() {
		s.setState(StateClosed)
		s.stream.Cancel()
		if s.conn != nil {
			s.conn.Close()
		}
	})
}

// Handler serves accepting-side relay sessions for one transport
// connection. An I/O failure in one session never affects its siblings.
type Handler struct {
	cfg    Config
	table  *session.Table[uint64, *Session]
	logger *slog.Logger
	m      *metrics.Metrics
	wg     sync.WaitGroup
}

// NewHandler creates a Handler.
func NewHandler(cfg Config) *Handler {
	if cfg.Dialer == nil {
		cfg.Dialer = &net.Dialer{}
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Handler{
		cfg:    cfg,
		table:  session.NewTable[uint64, *Session](),
		logger: logger.With(slog.String(logging.KeyComponent, "relay")),
		m:      metrics.Default(),
	}
}

// Handle runs one accepting-side session to completion: it attaches the
// target named by the Connect command and pumps until both directions
// drain. The stream is always closed before Handle returns.
func (h *Handler) Handle(ctx context.Context, stream transport.Stream, target protocol.Address) error {
	sess := &Session{
		StreamID:  stream.StreamID(),
		Target:    target,
		StartedAt: time.Now(),
		stream:    stream,
	}
	sess.setState(StateOpening)

	if !h.table.Insert(sess.StreamID, sess) {
		stream.Cancel()
		return fmt.Errorf("%w: stream %d", ErrSessionCollision, sess.StreamID)
	}
	h.wg.Add(1)
	defer func() {
		// Remove eagerly: no lookup may ever find a dead session.
		h.table.Remove(sess.StreamID)
		h.wg.Done()
	}()

	h.m.SessionsTotal.Inc()
	h.m.SessionsActive.Inc()
	defer h.m.SessionsActive.Dec()

	dialCtx, cancel := context.WithTimeout(ctx, h.cfg.ConnectTimeout)
	conn, err := h.cfg.Dialer.DialContext(dialCtx, "tcp", target.String())
	cancel()
	if err != nil {
		stream.Cancel()
		sess.setState(StateClosed)
		h.m.SessionErrors.Inc()
		h.logger.Debug("target dial failed",
			slog.String(logging.KeyAddress, target.String()),
			slog.String(logging.KeyError, err.Error()))
		return fmt.Errorf("dial %s: %w", target, err)
	}
	sess.conn = conn
	sess.setState(StateEstablished)

	h.logger.Debug("session established",
		slog.Uint64(logging.KeyStreamID, sess.StreamID),
		slog.String(logging.KeyAddress, target.String()))

	local := endpointFor(conn)
	remote := Endpoint(stream)
	if h.cfg.RateLimitBytes > 0 {
		remote = limitEndpoint(ctx, remote, h.cfg.RateLimitBytes)
	}

	toClient, toTarget, pumpErr := Pump(local, remote, h.cfg.BufferSize)
	sess.Cancel()

	h.m.BytesRelayed.WithLabelValues("to_target").Add(float64(toTarget))
	h.m.BytesRelayed.WithLabelValues("to_client").Add(float64(toClient))

	if pumpErr != nil {
		h.m.SessionErrors.Inc()
		h.logger.Debug("session ended with error",
			slog.Uint64(logging.KeyStreamID, sess.StreamID),
			slog.String(logging.KeyError, pumpErr.Error()))
		return pumpErr
	}

	h.logger.Debug("session closed",
		slog.Uint64(logging.KeyStreamID, sess.StreamID),
		slog.String(logging.KeyAddress, target.String()),
		slog.String(logging.KeyBytes, humanize.Bytes(uint64(toTarget+toClient))),
		slog.Duration(logging.KeyDuration, time.Since(sess.StartedAt)))
	return nil
}

// Len returns the number of live sessions.
func (h *Handler) Len() int {
	return h.table.Len()
}

// Close cancels every live session and waits for their tasks to exit.
func (h *Handler) Close() {
	for _, sess := range h.table.Drain() {
		sess.Cancel()
	}
	h.wg.Wait()
}

// Open issues a Connect on a fresh stream, the initiating side of a
// relay session. The session is established once the command is
// written; no response frame is expected. The caller pumps the
// returned stream against its local endpoint.
func Open(ctx context.Context, conn transport.Conn, target protocol.Address) (transport.Stream, error) {
	stream, err := conn.OpenStream(ctx)
	if err != nil {
		return nil, err
	}
	if err := protocol.NewCommandWriter(stream).Write(&protocol.Connect{Addr: target}); err != nil {
		stream.Cancel()
		return nil, fmt.Errorf("write connect: %w", err)
	}
	return stream, nil
}

// WrapConn adapts a net.Conn to Endpoint, using TCP half-close when
// the connection supports it.
func WrapConn(conn net.Conn) Endpoint {
	return tcpEndpoint{Conn: conn}
}

type tcpEndpoint struct {
	net.Conn
}

func (e tcpEndpoint) CloseWrite() error {
	if cw, ok := e.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return e.Conn.Close()
}

func endpointFor(conn net.Conn) Endpoint {
	return tcpEndpoint{Conn: conn}
}
