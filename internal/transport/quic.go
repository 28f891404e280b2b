package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/quicrelay/quicrelay/internal/auth"
)

// Default QUIC tuning values.
const (
	DefaultIdleTimeout        = 60 * time.Second
	DefaultHandshakeTimeout   = 10 * time.Second
	DefaultMaxIncomingStreams = 4096
)

// Options tunes a dialed or accepted connection.
type Options struct {
	// IdleTimeout tears the connection down when no traffic (heartbeats
	// included) is observed for this long.
	IdleTimeout time.Duration

	// MaxIncomingStreams bounds concurrent relay sessions per connection.
	MaxIncomingStreams int64
}

func (o Options) quicConfig() *quic.Config {
	idle := o.IdleTimeout
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	maxStreams := o.MaxIncomingStreams
	if maxStreams <= 0 {
		maxStreams = DefaultMaxIncomingStreams
	}
	return &quic.Config{
		MaxIdleTimeout:        idle,
		HandshakeIdleTimeout:  DefaultHandshakeTimeout,
		MaxIncomingStreams:    maxStreams,
		MaxIncomingUniStreams: 0,
		EnableDatagrams:       true,
	}
}

// Dial connects to a relay server over QUIC.
func Dial(ctx context.Context, addr string, tlsConfig *tls.Config, opts Options) (Conn, error) {
	if tlsConfig == nil {
		return nil, fmt.Errorf("TLS config required")
	}
	if len(tlsConfig.NextProtos) == 0 {
		tlsConfig = tlsConfig.Clone()
		tlsConfig.NextProtos = []string{ALPNProtocol}
	}

	conn, err := quic.DialAddr(ctx, addr, tlsConfig, opts.quicConfig())
	if err != nil {
		return nil, fmt.Errorf("QUIC dial failed: %w", err)
	}
	return &quicConn{conn: conn}, nil
}

// Listener accepts incoming relay connections.
type Listener struct {
	listener *quic.Listener
}

// Listen creates a QUIC listener.
func Listen(addr string, tlsConfig *tls.Config, opts Options) (*Listener, error) {
	if tlsConfig == nil {
		return nil, fmt.Errorf("TLS config required for listener")
	}
	if len(tlsConfig.NextProtos) == 0 {
		tlsConfig = tlsConfig.Clone()
		tlsConfig.NextProtos = []string{ALPNProtocol}
	}

	listener, err := quic.ListenAddr(addr, tlsConfig, opts.quicConfig())
	if err != nil {
		return nil, fmt.Errorf("QUIC listen failed: %w", err)
	}
	return &Listener{listener: listener}, nil
}

// Accept waits for and returns the next connection.
func (l *Listener) Accept(ctx context.Context) (Conn, error) {
	conn, err := l.listener.Accept(ctx)
	if err != nil {
		return nil, err
	}
	return &quicConn{conn: conn}, nil
}

// Addr returns the listener's address.
func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}

// Close stops the listener.
func (l *Listener) Close() error {
	return l.listener.Close()
}

// quicConn implements Conn over a quic-go connection.
type quicConn struct {
	conn quic.Connection
}

func (c *quicConn) OpenStream(ctx context.Context) (Stream, error) {
	stream, err := c.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	return &quicStream{stream: stream}, nil
}

func (c *quicConn) AcceptStream(ctx context.Context) (Stream, error) {
	stream, err := c.conn.AcceptStream(ctx)
	if err != nil {
		return nil, err
	}
	return &quicStream{stream: stream}, nil
}

func (c *quicConn) SendDatagram(payload []byte) error {
	return c.conn.SendDatagram(payload)
}

func (c *quicConn) ReceiveDatagram(ctx context.Context) ([]byte, error) {
	return c.conn.ReceiveDatagram(ctx)
}

func (c *quicConn) SupportsDatagrams() bool {
	return c.conn.ConnectionState().SupportsDatagrams
}

// TokenNonce exports keying material from the TLS handshake. Both sides
// derive the same bytes, so the token binds to this connection alone.
func (c *quicConn) TokenNonce() ([]byte, error) {
	state := c.conn.ConnectionState().TLS
	nonce, err := state.ExportKeyingMaterial(auth.ExportLabel, nil, auth.NonceSize)
	if err != nil {
		return nil, fmt.Errorf("export token nonce: %w", err)
	}
	return nonce, nil
}

func (c *quicConn) Context() context.Context {
	return c.conn.Context()
}

func (c *quicConn) Close() error {
	return c.conn.CloseWithError(quic.ApplicationErrorCode(CloseCodeNormal), "closed")
}

func (c *quicConn) CloseWithError(code uint64, reason string) error {
	return c.conn.CloseWithError(quic.ApplicationErrorCode(code), reason)
}

func (c *quicConn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

func (c *quicConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// quicStream implements Stream over a quic-go stream.
type quicStream struct {
	stream quic.Stream
}

func (s *quicStream) StreamID() uint64 {
	return uint64(s.stream.StreamID())
}

func (s *quicStream) Read(p []byte) (int, error) {
	return s.stream.Read(p)
}

func (s *quicStream) Write(p []byte) (int, error) {
	return s.stream.Write(p)
}

// CloseWrite sends a FIN on the write side; reads continue.
func (s *quicStream) CloseWrite() error {
	return s.stream.Close()
}

func (s *quicStream) Close() error {
	s.stream.CancelRead(quic.StreamErrorCode(CloseCodeNormal))
	return s.stream.Close()
}

// Cancel aborts both directions without draining.
func (s *quicStream) Cancel() {
	s.stream.CancelRead(quic.StreamErrorCode(CloseCodeProtocolError))
	s.stream.CancelWrite(quic.StreamErrorCode(CloseCodeProtocolError))
}

func (s *quicStream) SetDeadline(t time.Time) error {
	return s.stream.SetDeadline(t)
}

func (s *quicStream) SetReadDeadline(t time.Time) error {
	return s.stream.SetReadDeadline(t)
}

func (s *quicStream) SetWriteDeadline(t time.Time) error {
	return s.stream.SetWriteDeadline(t)
}
