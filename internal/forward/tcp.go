// Package forward provides the client's local ingress: plain TCP and
// UDP listeners whose traffic leaves through the relay connection
// toward one fixed target.
package forward

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/quicrelay/quicrelay/internal/logging"
	"github.com/quicrelay/quicrelay/internal/protocol"
	"github.com/quicrelay/quicrelay/internal/relay"
	"github.com/quicrelay/quicrelay/internal/transport"
)

// TunnelDialer opens relay tunnels. *client.Client satisfies it.
type TunnelDialer interface {
	OpenTunnel(ctx context.Context, target protocol.Address) (transport.Stream, error)
}

// TCPConfig holds TCP ingress configuration.
type TCPConfig struct {
	// Listen is the local address to listen on.
	Listen string

	// Target is the address every connection is relayed to.
	Target protocol.Address

	// MaxConnections limits concurrent connections (0 = unlimited).
	MaxConnections int

	// BufferSize is the per-direction copy buffer size.
	BufferSize int

	// Logger for logging.
	Logger *slog.Logger
}

// TCPForwarder accepts local TCP connections and relays each one to the
// configured target through a tunnel.
type TCPForwarder struct {
	cfg      TCPConfig
	dialer   TunnelDialer
	listener net.Listener
	logger   *slog.Logger

	mu          sync.Mutex
	connections map[net.Conn]struct{}
	connCount   atomic.Int64

	running  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewTCP creates a TCP forwarder.
func NewTCP(cfg TCPConfig, dialer TunnelDialer) *TCPForwarder {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &TCPForwarder{
		cfg:         cfg,
		dialer:      dialer,
		logger:      logger.With(slog.String(logging.KeyComponent, "forward.tcp")),
		connections: make(map[net.Conn]struct{}),
		stopCh:      make(chan struct{}),
	}
}

// Start begins accepting connections.
func (f *TCPForwarder) Start() error {
	if f.running.Load() {
		return fmt.Errorf("forwarder already running")
	}

	listener, err := net.Listen("tcp", f.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", f.cfg.Listen, err)
	}
	f.listener = listener
	f.running.Store(true)

	f.wg.Add(1)
	go f.acceptLoop()

	f.logger.Info("tcp ingress started",
		slog.String(logging.KeyLocalAddr, listener.Addr().String()),
		slog.String(logging.KeyAddress, f.cfg.Target.String()))
	return nil
}

// Stop closes the listener and every active connection.
func (f *TCPForwarder) Stop() error {
	var err error
	f.stopOnce.Do(func() {
		f.running.Store(false)
		close(f.stopCh)

		if f.listener != nil {
			err = f.listener.Close()
		}

		f.mu.Lock()
		for conn := range f.connections {
			conn.Close()
		}
		f.mu.Unlock()

		f.logger.Info("tcp ingress stopped")
	})
	f.wg.Wait()
	return err
}

// Addr returns the listening address.
func (f *TCPForwarder) Addr() net.Addr {
	if f.listener == nil {
		return nil
	}
	return f.listener.Addr()
}

// ConnectionCount returns the number of active connections.
func (f *TCPForwarder) ConnectionCount() int64 {
	return f.connCount.Load()
}

func (f *TCPForwarder) acceptLoop() {
	defer f.wg.Done()

	for {
		conn, err := f.listener.Accept()
		if err != nil {
			select {
			case <-f.stopCh:
				return
			default:
				f.logger.Debug("accept error",
					slog.String(logging.KeyError, err.Error()))
				continue
			}
		}

		if f.cfg.MaxConnections > 0 && f.connCount.Load() >= int64(f.cfg.MaxConnections) {
			f.logger.Debug("connection limit reached",
				slog.Int("limit", f.cfg.MaxConnections))
			conn.Close()
			continue
		}

		f.mu.Lock()
		f.connections[conn] = struct{}{}
		f.mu.Unlock()
		f.connCount.Add(1)

		f.wg.Add(1)
		go f.handleConnection(conn)
	}
}

func (f *TCPForwarder) handleConnection(conn net.Conn) {
	defer f.wg.Done()
	defer func() {
		conn.Close()
		f.mu.Lock()
		delete(f.connections, conn)
		f.mu.Unlock()
		f.connCount.Add(-1)
	}()

	remoteAddr := conn.RemoteAddr().String()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-f.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	tunnel, err := f.dialer.OpenTunnel(ctx, f.cfg.Target)
	if err != nil {
		f.logger.Debug("open tunnel failed",
			slog.String(logging.KeyRemoteAddr, remoteAddr),
			slog.String(logging.KeyError, err.Error()))
		return
	}

	f.logger.Debug("tunnel opened",
		slog.String(logging.KeyRemoteAddr, remoteAddr),
		slog.String(logging.KeyAddress, f.cfg.Target.String()))

	relay.Pump(relay.WrapConn(conn), tunnel, f.cfg.BufferSize)

	f.logger.Debug("tunnel closed",
		slog.String(logging.KeyRemoteAddr, remoteAddr))
}
