// Package server implements the server half of the connection manager:
// it accepts transport connections, enforces the authentication gate,
// serves relay streams, and runs the UDP exit path.
package server

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/quicrelay/quicrelay/internal/auth"
	"github.com/quicrelay/quicrelay/internal/logging"
	"github.com/quicrelay/quicrelay/internal/metrics"
	"github.com/quicrelay/quicrelay/internal/relay"
	"github.com/quicrelay/quicrelay/internal/session"
	"github.com/quicrelay/quicrelay/internal/transport"
	"github.com/quicrelay/quicrelay/internal/udprelay"
)

// ErrServerClosed is returned by Serve after Close.
var ErrServerClosed = errors.New("server closed")

// Acceptor yields incoming transport connections. *transport.Listener
// satisfies it.
type Acceptor interface {
	Accept(ctx context.Context) (transport.Conn, error)
}

// Options configures a Server.
type Options struct {
	// Secrets are the credentials accepted at authentication.
	Secrets []auth.Secret

	// AuthTimeout bounds how long a connection may exist without a
	// valid Authenticate. Default 10s.
	AuthTimeout time.Duration

	// IdleTimeout tears down connections with no traffic, heartbeats
	// included. Zero disables the watchdog.
	IdleTimeout time.Duration

	// UDP tunes per-connection reassembly.
	UDP udprelay.Config

	// Relay tunes per-connection relay sessions. Its Logger field is
	// ignored; the server's logger is used.
	Relay relay.Config

	// MaxDatagramSize bounds encoded reply fragments. Default 1200.
	MaxDatagramSize int

	// Logger for server events.
	Logger *slog.Logger
}

// Server accepts and serves relay connections.
type Server struct {
	opts   Options
	logger *slog.Logger
	m      *metrics.Metrics

	conns  *session.Table[uint64, *serverConn]
	nextID atomic.Uint64

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a Server.
func New(opts Options) (*Server, error) {
	if len(opts.Secrets) == 0 {
		return nil, errors.New("at least one secret required")
	}
	for _, s := range opts.Secrets {
		if err := s.Validate(); err != nil {
			return nil, err
		}
	}
	if opts.AuthTimeout <= 0 {
		opts.AuthTimeout = 10 * time.Second
	}
	if opts.MaxDatagramSize <= 0 {
		opts.MaxDatagramSize = 1200
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Server{
		opts:   opts,
		logger: logger.With(slog.String(logging.KeyComponent, "server")),
		m:      metrics.Default(),
		conns:  session.NewTable[uint64, *serverConn](),
		closed: make(chan struct{}),
	}, nil
}

// Serve accepts connections until ctx ends or the server is closed.
// Accept errors are logged at a bounded rate so a flapping listener
// cannot flood the log.
func (s *Server) Serve(ctx context.Context, acceptor Acceptor) error {
	logLimit := rate.NewLimiter(rate.Every(time.Second), 3)
	for {
		conn, err := acceptor.Accept(ctx)
		if err != nil {
			select {
			case <-s.closed:
				return ErrServerClosed
			default:
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if logLimit.Allow() {
				s.logger.Warn("accept failed",
					slog.String(logging.KeyError, err.Error()))
			}
			time.Sleep(10 * time.Millisecond)
			continue
		}

		id := s.nextID.Add(1)
		sc := newServerConn(s, conn)
		s.conns.Insert(id, sc)
		s.m.ConnectionsTotal.Inc()
		s.m.ConnectionsActive.Inc()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() {
				s.conns.Remove(id)
				s.m.ConnectionsActive.Dec()
			}()
			sc.run(ctx)
		}()
	}
}

// Len returns the number of live connections.
func (s *Server) Len() int {
	return s.conns.Len()
}

// Close tears down every live connection and waits for their tasks.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		for _, sc := range s.conns.Drain() {
			sc.fatal(transport.CloseCodeNormal, "server shutting down")
		}
		s.wg.Wait()
	})
	return nil
}
