// Package transport wraps the QUIC collaborator behind the narrow
// surface the relay engine consumes: one encrypted multiplexed
// connection carrying bidirectional streams and unreliable datagrams.
package transport

import (
	"context"
	"io"
	"net"
	"time"
)

// Stream is an ordered, reliable byte channel multiplexed over a
// connection, with independent half-close of the write direction.
type Stream interface {
	io.Reader
	io.Writer

	// StreamID returns the connection-scoped stream identifier.
	StreamID() uint64

	// CloseWrite sends a FIN: done sending, still reading.
	CloseWrite() error

	// Close tears the stream down in both directions.
	Close() error

	// Cancel aborts both directions immediately without draining.
	Cancel()

	SetDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// Conn is one transport connection between client and server.
type Conn interface {
	// OpenStream opens an outgoing bidirectional stream.
	OpenStream(ctx context.Context) (Stream, error)

	// AcceptStream waits for an incoming bidirectional stream.
	AcceptStream(ctx context.Context) (Stream, error)

	// SendDatagram sends one unreliable datagram.
	SendDatagram(payload []byte) error

	// ReceiveDatagram waits for one unreliable datagram.
	ReceiveDatagram(ctx context.Context) ([]byte, error)

	// SupportsDatagrams reports whether the peer negotiated the
	// unreliable datagram extension on this connection.
	SupportsDatagrams() bool

	// TokenNonce exports the connection-unique keying material used to
	// derive the authentication token.
	TokenNonce() ([]byte, error)

	// Context is cancelled when the connection dies for any reason.
	Context() context.Context

	// Close tears down the connection and every stream on it.
	Close() error

	// CloseWithError tears down the connection, telling the peer why.
	CloseWithError(code uint64, reason string) error

	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

// Application-level close codes carried in the QUIC CONNECTION_CLOSE.
const (
	CloseCodeNormal        uint64 = 0x00
	CloseCodeProtocolError uint64 = 0x01
	CloseCodeAuthFailed    uint64 = 0x02
	CloseCodeIdle          uint64 = 0x03
)
