package server

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quicrelay/quicrelay/internal/auth"
	"github.com/quicrelay/quicrelay/internal/logging"
	"github.com/quicrelay/quicrelay/internal/protocol"
	"github.com/quicrelay/quicrelay/internal/relay"
	"github.com/quicrelay/quicrelay/internal/transport"
	"github.com/quicrelay/quicrelay/internal/udprelay"
)

// errNoReturnPath is returned when a reply has neither a datagram path
// nor a bound packet stream to travel on.
var errNoReturnPath = errors.New("no return path for packet")

// serverConn serves one authenticated client connection.
type serverConn struct {
	s      *Server
	conn   transport.Conn
	logger *slog.Logger

	gate     *auth.Gate
	authDone chan struct{}
	user     atomic.Value // string, set on successful auth

	relay  *relay.Handler
	engine *udprelay.Engine
	exits  *exitSink

	// Reply path when the client runs packets over a stream instead of
	// datagrams.
	pktMu sync.Mutex
	pktW  *protocol.CommandWriter

	lastActivity atomic.Int64
	fatalOnce    sync.Once
}

func newServerConn(s *Server, conn transport.Conn) *serverConn {
	logger := s.logger.With(slog.String(logging.KeyRemoteAddr, conn.RemoteAddr().String()))

	c := &serverConn{
		s:        s,
		conn:     conn,
		logger:   logger,
		gate:     auth.NewGate(),
		authDone: make(chan struct{}),
	}
	relayCfg := s.opts.Relay
	relayCfg.Logger = logger
	c.relay = relay.NewHandler(relayCfg)
	c.exits = newExitSink(c)
	c.engine = udprelay.NewEngine(s.opts.UDP, c.exits, logger)
	c.touch()
	return c
}

func (c *serverConn) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// fatal closes the connection with a protocol-level close code. Only
// the first call wins.
func (c *serverConn) fatal(code uint64, reason string) {
	c.fatalOnce.Do(func() {
		c.logger.Debug("closing connection",
			slog.Uint64("code", code),
			slog.String("reason", reason))
		c.conn.CloseWithError(code, reason)
	})
}

// run serves the connection until it dies.
func (c *serverConn) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.authWatchdog(ctx)
	}()

	if c.s.opts.IdleTimeout > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.idleWatchdog(ctx)
		}()
	}

	if c.conn.SupportsDatagrams() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.datagramLoop(ctx)
		}()
	}

	for {
		stream, err := c.conn.AcceptStream(ctx)
		if err != nil {
			break
		}
		c.touch()
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.handleStream(ctx, stream)
		}()
	}

	cancel()
	c.relay.Close()
	c.engine.Close()
	c.exits.Close()
	c.conn.Close()
	wg.Wait()
}

// authWatchdog kills connections that never authenticate.
func (c *serverConn) authWatchdog(ctx context.Context) {
	timer := time.NewTimer(c.s.opts.AuthTimeout)
	defer timer.Stop()
	select {
	case <-timer.C:
		if !c.gate.Confirmed() {
			c.s.m.AuthFailures.Inc()
			c.fatal(transport.CloseCodeAuthFailed, "authentication timeout")
		}
	case <-c.authDone:
	case <-ctx.Done():
	}
}

// idleWatchdog kills connections with no traffic for IdleTimeout.
func (c *serverConn) idleWatchdog(ctx context.Context) {
	interval := c.s.opts.IdleTimeout / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		// Live relay sessions count as activity even when the command
		// planes are quiet.
		if c.relay.Len() > 0 {
			c.touch()
			continue
		}
		idle := time.Since(time.Unix(0, c.lastActivity.Load()))
		if idle > c.s.opts.IdleTimeout {
			c.fatal(transport.CloseCodeIdle, "idle timeout")
			return
		}
	}
}

// handleStream dispatches on a stream's first command. A Connect stream
// becomes a relay session; a Packet/Dissociate/Heartbeat stream becomes
// the connection's packet stream and keeps carrying framed commands.
func (c *serverConn) handleStream(ctx context.Context, stream transport.Stream) {
	r := protocol.NewCommandReader(stream)
	cmd, err := r.Read()
	if err != nil {
		if protocol.IsDecodeError(err) {
			c.fatal(transport.CloseCodeProtocolError, err.Error())
		}
		stream.Cancel()
		return
	}

	switch cmd := cmd.(type) {
	case *protocol.Authenticate:
		c.handleAuthenticate(cmd)
		stream.Close()

	case *protocol.Connect:
		if !c.requireAuth() {
			stream.Cancel()
			return
		}
		// Early relay bytes may sit behind the Connect frame already.
		if err := c.relay.Handle(ctx, prefixed(stream, r.Buffered()), cmd.Addr); err != nil {
			c.logger.Debug("relay session failed",
				slog.String(logging.KeyAddress, cmd.Addr.String()),
				slog.String(logging.KeyError, err.Error()))
		}
		c.touch()

	case *protocol.Packet, *protocol.Dissociate, *protocol.Heartbeat:
		if !c.requireAuth() {
			stream.Cancel()
			return
		}
		c.bindPacketStream(stream)
		c.handlePacketCommand(cmd)
		for {
			next, err := r.Read()
			if err != nil {
				if protocol.IsDecodeError(err) {
					c.fatal(transport.CloseCodeProtocolError, err.Error())
				}
				return
			}
			c.touch()
			c.handlePacketCommand(next)
		}

	default:
		c.fatal(transport.CloseCodeProtocolError, "unexpected command on stream")
		stream.Cancel()
	}
}

func (c *serverConn) handleAuthenticate(cmd *protocol.Authenticate) {
	if c.gate.Confirmed() {
		c.fatal(transport.CloseCodeProtocolError, auth.ErrReauthentication.Error())
		return
	}
	nonce, err := c.conn.TokenNonce()
	if err != nil {
		c.fatal(transport.CloseCodeProtocolError, "token nonce unavailable")
		return
	}
	user, ok := auth.VerifyAny(cmd.Token, c.s.opts.Secrets, nonce)
	if !ok {
		c.s.m.AuthFailures.Inc()
		c.fatal(transport.CloseCodeAuthFailed, auth.ErrAuthenticationFailed.Error())
		return
	}
	if !c.gate.Confirm() {
		c.fatal(transport.CloseCodeProtocolError, auth.ErrReauthentication.Error())
		return
	}
	c.user.Store(user)
	close(c.authDone)
	c.logger.Info("authenticated", slog.String(logging.KeyUser, user))
}

// requireAuth enforces the gate: any substantive command before
// confirmation is connection-fatal.
func (c *serverConn) requireAuth() bool {
	if c.gate.Confirmed() {
		return true
	}
	c.s.m.AuthFailures.Inc()
	c.fatal(transport.CloseCodeAuthFailed, auth.ErrNotAuthenticated.Error())
	return false
}

func (c *serverConn) datagramLoop(ctx context.Context) {
	for {
		data, err := c.conn.ReceiveDatagram(ctx)
		if err != nil {
			return
		}
		c.touch()

		cmd, _, err := protocol.Decode(data)
		if err != nil {
			c.fatal(transport.CloseCodeProtocolError, err.Error())
			return
		}
		if !c.requireAuth() {
			return
		}
		c.handlePacketCommand(cmd)
	}
}

// handlePacketCommand executes one datagram-plane command, regardless
// of whether it arrived as a datagram or on the packet stream.
func (c *serverConn) handlePacketCommand(cmd protocol.Command) {
	switch cmd := cmd.(type) {
	case *protocol.Packet:
		c.engine.HandlePacket(cmd)
	case *protocol.Dissociate:
		c.engine.Dissociate(cmd.AssocID)
	case *protocol.Heartbeat:
		c.s.m.HeartbeatsReceived.Inc()
	default:
		c.fatal(transport.CloseCodeProtocolError, "unexpected command on datagram plane")
	}
}

// bindPacketStream records the client's packet stream so replies take
// the same path back.
func (c *serverConn) bindPacketStream(stream transport.Stream) {
	c.pktMu.Lock()
	defer c.pktMu.Unlock()
	if c.pktW == nil {
		c.pktW = protocol.NewCommandWriter(stream)
	}
}

// sendPacket ships one reply fragment to the client, preferring the
// path the client itself uses.
func (c *serverConn) sendPacket(p *protocol.Packet) error {
	c.pktMu.Lock()
	w := c.pktW
	c.pktMu.Unlock()

	if w == nil && c.conn.SupportsDatagrams() {
		data, err := protocol.Encode(p)
		if err != nil {
			return err
		}
		return c.conn.SendDatagram(data)
	}
	if w == nil {
		return errNoReturnPath
	}
	c.pktMu.Lock()
	defer c.pktMu.Unlock()
	return w.Write(p)
}

// prefixedStream replays bytes buffered past a decoded frame before
// reading the stream itself.
type prefixedStream struct {
	transport.Stream
	rest []byte
}

func prefixed(stream transport.Stream, rest []byte) transport.Stream {
	if len(rest) == 0 {
		return stream
	}
	return &prefixedStream{Stream: stream, rest: rest}
}

func (p *prefixedStream) Read(b []byte) (int, error) {
	if len(p.rest) > 0 {
		n := copy(b, p.rest)
		p.rest = p.rest[n:]
		return n, nil
	}
	return p.Stream.Read(b)
}
