// Package client maintains the client half of a relay connection: it
// dials the server, authenticates, keeps the connection alive with
// heartbeats, reconnects with backoff when it drops, and hands out
// relay tunnels and UDP associations on top of it.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quicrelay/quicrelay/internal/auth"
	"github.com/quicrelay/quicrelay/internal/logging"
	"github.com/quicrelay/quicrelay/internal/metrics"
	"github.com/quicrelay/quicrelay/internal/protocol"
	"github.com/quicrelay/quicrelay/internal/relay"
	"github.com/quicrelay/quicrelay/internal/session"
	"github.com/quicrelay/quicrelay/internal/transport"
	"github.com/quicrelay/quicrelay/internal/udprelay"
)

// State is the client connection lifecycle.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateActive
	StateDraining
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateActive:
		return "ACTIVE"
	case StateDraining:
		return "DRAINING"
	default:
		return "UNKNOWN"
	}
}

var (
	// ErrClientClosed is returned by operations on a closed client.
	ErrClientClosed = errors.New("client closed")

	// ErrAssociationClosed is returned when sending on a closed
	// association.
	ErrAssociationClosed = errors.New("association closed")

	// ErrNoAssociationIDs is returned when every association id is in
	// use.
	ErrNoAssociationIDs = errors.New("association id space exhausted")
)

// DialFunc opens a transport connection. Overridable in tests.
type DialFunc func(ctx context.Context, addr string, tlsConfig *tls.Config, opts transport.Options) (transport.Conn, error)

// Options configures a Client.
type Options struct {
	// ServerAddr is the server's host:port.
	ServerAddr string

	// TLSConfig for the transport handshake.
	TLSConfig *tls.Config

	// Secret is the credential presented at authentication.
	Secret auth.Secret

	// Transport tunes the underlying connection.
	Transport transport.Options

	// Reconnect tunes the backoff between connection attempts.
	Reconnect ReconnectConfig

	// UDP tunes the reassembly engine for return traffic.
	UDP udprelay.Config

	// ConnectTimeout bounds one dial plus handshake. Default 10s.
	ConnectTimeout time.Duration

	// HeartbeatInterval is how often a Heartbeat is sent when the
	// connection is otherwise idle. Default 15s.
	HeartbeatInterval time.Duration

	// MaxDatagramSize bounds encoded Packet fragments. Default 1200.
	MaxDatagramSize int

	// Dial opens the transport connection. Defaults to transport.Dial.
	Dial DialFunc

	// Logger for connection events.
	Logger *slog.Logger
}

// Client is the client half of the connection manager. One Client owns
// at most one live transport connection at a time; tunnels and
// associations opened through it ride that connection and die with it.
type Client struct {
	opts   Options
	logger *slog.Logger
	m      *metrics.Metrics

	state atomic.Int32

	mu        sync.Mutex
	conn      transport.Conn
	ready     chan struct{}
	pktStream transport.Stream
	pktW      *protocol.CommandWriter

	pktMu sync.Mutex // serializes writes on the packet stream

	assocs    *session.Table[uint16, *Association]
	engine    *udprelay.Engine
	nextAssoc atomic.Uint32

	lastSend atomic.Int64 // unix nanos of the last outbound command

	closed    chan struct{}
	closeOnce sync.Once
}

// New creates a Client. Run must be called to establish connectivity.
func New(opts Options) (*Client, error) {
	if opts.ServerAddr == "" {
		return nil, errors.New("server address required")
	}
	if err := opts.Secret.Validate(); err != nil {
		return nil, err
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 15 * time.Second
	}
	if opts.MaxDatagramSize <= 0 {
		opts.MaxDatagramSize = 1200
	}
	if opts.Dial == nil {
		opts.Dial = transport.Dial
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}

	c := &Client{
		opts:   opts,
		logger: logger.With(slog.String(logging.KeyComponent, "client")),
		m:      metrics.Default(),
		ready:  make(chan struct{}),
		assocs: session.NewTable[uint16, *Association](),
		closed: make(chan struct{}),
	}
	c.engine = udprelay.NewEngine(opts.UDP, &clientSink{c: c}, logger)
	return c, nil
}

// State returns the current connection state.
func (c *Client) State() State {
	return State(c.state.Load())
}

func (c *Client) setState(s State) {
	c.state.Store(int32(s))
}

// Run dials the server and keeps the connection alive, reconnecting
// with backoff whenever it drops. It blocks until ctx is cancelled, the
// client is closed, or the attempt budget is exhausted.
func (c *Client) Run(ctx context.Context) error {
	bo := newBackoff(c.opts.Reconnect)
	for {
		select {
		case <-c.closed:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		c.setState(StateConnecting)
		conn, err := c.connect(ctx)
		if err != nil {
			c.setState(StateDisconnected)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			delay, more := bo.Next()
			if !more {
				return fmt.Errorf("giving up after %d attempts: %w", bo.Attempts(), err)
			}
			c.logger.Warn("connect failed",
				slog.String(logging.KeyError, err.Error()),
				slog.Int("attempt", bo.Attempts()),
				slog.Duration("retry_in", delay))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			case <-c.closed:
				return nil
			}
			continue
		}

		bo.Reset()
		c.setActive(conn)
		c.m.ConnectionsTotal.Inc()
		c.m.ConnectionsActive.Inc()
		c.logger.Info("connected",
			slog.String(logging.KeyRemoteAddr, conn.RemoteAddr().String()))

		c.runConn(ctx, conn)

		c.clearActive(conn)
		c.m.ConnectionsActive.Dec()

		select {
		case <-c.closed:
			return nil
		default:
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.setState(StateDisconnected)
		c.m.Reconnects.Inc()
		c.logger.Warn("connection lost, reconnecting")
	}
}

// connect dials and authenticates one connection. The Authenticate
// command goes out on a short-lived stream before anything else so the
// server's gate is confirmed ahead of relay traffic.
func (c *Client) connect(ctx context.Context) (transport.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	conn, err := c.opts.Dial(dialCtx, c.opts.ServerAddr, c.opts.TLSConfig, c.opts.Transport)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.opts.ServerAddr, err)
	}

	if err := c.authenticate(dialCtx, conn); err != nil {
		conn.CloseWithError(transport.CloseCodeProtocolError, "authentication aborted")
		return nil, err
	}
	return conn, nil
}

func (c *Client) authenticate(ctx context.Context, conn transport.Conn) error {
	nonce, err := conn.TokenNonce()
	if err != nil {
		return err
	}
	token, err := auth.Token(c.opts.Secret, nonce)
	if err != nil {
		return err
	}

	stream, err := conn.OpenStream(ctx)
	if err != nil {
		return fmt.Errorf("open auth stream: %w", err)
	}
	if err := protocol.NewCommandWriter(stream).Write(&protocol.Authenticate{Token: token}); err != nil {
		stream.Cancel()
		return fmt.Errorf("write authenticate: %w", err)
	}
	return stream.Close()
}

// runConn serves one live connection until it dies or the client shuts
// down.
func (c *Client) runConn(ctx context.Context, conn transport.Conn) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	if conn.SupportsDatagrams() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.datagramLoop(connCtx, conn)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.heartbeatLoop(connCtx, conn)
	}()

	select {
	case <-conn.Context().Done():
	case <-connCtx.Done():
	case <-c.closed:
	}
	cancel()
	conn.Close()
	wg.Wait()
}

func (c *Client) datagramLoop(ctx context.Context, conn transport.Conn) {
	for {
		data, err := conn.ReceiveDatagram(ctx)
		if err != nil {
			return
		}
		c.handleInbound(conn, data)
	}
}

// handleInbound decodes one server-to-client datagram. A malformed
// frame is connection-fatal; the sender cannot be trusted past it.
func (c *Client) handleInbound(conn transport.Conn, data []byte) {
	cmd, _, err := protocol.Decode(data)
	if err != nil {
		conn.CloseWithError(transport.CloseCodeProtocolError, err.Error())
		return
	}
	c.dispatchInbound(cmd)
}

// dispatchInbound routes one decoded server-to-client command.
func (c *Client) dispatchInbound(cmd protocol.Command) {
	switch cmd := cmd.(type) {
	case *protocol.Packet:
		c.engine.HandlePacket(cmd)
	case *protocol.Heartbeat:
		c.m.HeartbeatsReceived.Inc()
	default:
		c.logger.Debug("dropping unexpected command",
			slog.String("command", protocol.CommandName(cmd.Tag())))
	}
}

func (c *Client) heartbeatLoop(ctx context.Context, conn transport.Conn) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		// Only heartbeat a quiet connection; real traffic already
		// proves liveness.
		idle := time.Since(time.Unix(0, c.lastSend.Load()))
		if idle < c.opts.HeartbeatInterval {
			continue
		}
		if err := c.sendCommand(ctx, conn, &protocol.Heartbeat{}); err != nil {
			return
		}
		c.m.HeartbeatsSent.Inc()
	}
}

func (c *Client) touch() {
	c.lastSend.Store(time.Now().UnixNano())
}

// setActive publishes conn to waiting callers.
func (c *Client) setActive(conn transport.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
	c.setState(StateActive)
	close(c.ready)
}

// clearActive withdraws conn; callers block until the next connection.
// Associations belong to the connection that carried them and cannot be
// migrated, so losing it fails every open one. Callers re-associate on
// the replacement connection.
func (c *Client) clearActive(conn transport.Conn) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.pktStream = nil
	c.pktW = nil
	c.ready = make(chan struct{})
	c.mu.Unlock()

	for _, a := range c.assocs.Drain() {
		a.markClosed()
	}
	c.engine.Reset()
}

// activeConn returns the live connection, blocking through reconnects
// until one is available or ctx ends.
func (c *Client) activeConn(ctx context.Context) (transport.Conn, error) {
	for {
		c.mu.Lock()
		conn, ready := c.conn, c.ready
		c.mu.Unlock()
		if conn != nil {
			return conn, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.closed:
			return nil, ErrClientClosed
		case <-ready:
		}
	}
}

// OpenTunnel opens a relay tunnel toward target over the live
// connection. The returned stream carries the relayed bytes; the caller
// owns it.
func (c *Client) OpenTunnel(ctx context.Context, target protocol.Address) (transport.Stream, error) {
	conn, err := c.activeConn(ctx)
	if err != nil {
		return nil, err
	}
	stream, err := relay.Open(ctx, conn, target)
	if err != nil {
		return nil, err
	}
	c.touch()
	return stream, nil
}

// sendCommand ships one command to the server, as a datagram when the
// connection supports them and on the shared packet stream otherwise.
func (c *Client) sendCommand(ctx context.Context, conn transport.Conn, cmd protocol.Command) error {
	if conn.SupportsDatagrams() {
		data, err := protocol.Encode(cmd)
		if err != nil {
			return err
		}
		if err := conn.SendDatagram(data); err != nil {
			return err
		}
		c.touch()
		return nil
	}

	w, err := c.packetWriter(ctx, conn)
	if err != nil {
		return err
	}
	c.pktMu.Lock()
	err = w.Write(cmd)
	c.pktMu.Unlock()
	if err != nil {
		return err
	}
	c.touch()
	return nil
}

// packetWriter returns the connection's shared packet stream writer,
// opening the stream on first use. Replies arrive on the same stream
// and are dispatched like datagrams.
func (c *Client) packetWriter(ctx context.Context, conn transport.Conn) (*protocol.CommandWriter, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn && c.pktW != nil {
		return c.pktW, nil
	}
	stream, err := conn.OpenStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("open packet stream: %w", err)
	}
	c.pktStream = stream
	c.pktW = protocol.NewCommandWriter(stream)

	go func() {
		r := protocol.NewCommandReader(stream)
		for {
			cmd, err := r.Read()
			if err != nil {
				if protocol.IsDecodeError(err) {
					conn.CloseWithError(transport.CloseCodeProtocolError, err.Error())
				}
				return
			}
			c.dispatchInbound(cmd)
		}
	}()
	return c.pktW, nil
}

// Close shuts the client down: pending and future operations fail with
// ErrClientClosed and the live connection, if any, is closed.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.setState(StateDraining)
		close(c.closed)

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}

		for _, a := range c.assocs.Drain() {
			a.markClosed()
		}
		c.engine.Close()
		c.setState(StateDisconnected)
	})
	return nil
}

// clientSink routes reassembled return traffic to the owning
// association's handler.
type clientSink struct {
	c *Client
}

func (s *clientSink) Deliver(assocID uint16, addr protocol.Address, payload []byte) {
	a, ok := s.c.assocs.Lookup(assocID)
	if !ok {
		s.c.logger.Debug("dropping datagram for unknown association",
			slog.Uint64(logging.KeyAssocID, uint64(assocID)))
		return
	}
	a.handler(addr, payload)
}

func (s *clientSink) AssociationClosed(assocID uint16) {
	// Receive-path state only. The association itself stays usable for
	// sending; fresh return traffic recreates the reassembly state.
}
