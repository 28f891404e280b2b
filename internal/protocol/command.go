package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrNeedMoreData is returned by Decode when the buffer holds only a
	// prefix of one frame. It is not a failure; callers accumulate more
	// bytes and retry.
	ErrNeedMoreData = errors.New("need more data")

	// ErrInvalidCommand is returned for malformed frames. It is fatal to
	// the connection: a framed stream cannot resynchronize past garbage.
	ErrInvalidCommand = errors.New("invalid command")

	// ErrUnsupportedVersion is returned when the version byte does not
	// match the supported protocol revision. Connection-fatal.
	ErrUnsupportedVersion = errors.New("unsupported protocol version")

	// ErrInvalidAddress is returned for addresses that cannot be
	// represented on the wire.
	ErrInvalidAddress = errors.New("invalid address")

	// ErrPayloadTooLarge is returned when a Packet payload exceeds the
	// 2-byte length prefix.
	ErrPayloadTooLarge = errors.New("payload exceeds maximum size")
)

// Command is the closed set of protocol commands. Implementations are
// Authenticate, Connect, Packet, Dissociate and Heartbeat.
type Command interface {
	// Tag returns the wire tag byte for the command.
	Tag() uint8

	serializedLen() int
	encodeBody(buf []byte) int
}

// Authenticate carries the per-connection token. It must be the first
// command on a fresh connection and is accepted exactly once.
type Authenticate struct {
	Token [TokenSize]byte
}

// Connect opens a TCP relay session toward Addr. It is the first and
// only command on its bidirectional stream; relayed bytes follow.
type Connect struct {
	Addr Address
}

// Packet carries one fragment of a UDP datagram.
type Packet struct {
	AssocID   uint16
	PacketID  uint16
	FragIndex uint8
	FragTotal uint8
	Addr      Address
	Payload   []byte
}

// Dissociate tears down the UDP association identified by AssocID.
type Dissociate struct {
	AssocID uint16
}

// Heartbeat keeps the connection and any NAT mapping alive. No fields.
type Heartbeat struct{}

func (c *Authenticate) Tag() uint8 { return CmdAuthenticate }
func (c *Connect) Tag() uint8      { return CmdConnect }
func (c *Packet) Tag() uint8       { return CmdPacket }
func (c *Dissociate) Tag() uint8   { return CmdDissociate }
func (c *Heartbeat) Tag() uint8    { return CmdHeartbeat }

func (c *Authenticate) serializedLen() int { return TokenSize }
func (c *Connect) serializedLen() int      { return c.Addr.serializedLen() }
func (c *Packet) serializedLen() int {
	return 2 + 2 + 1 + 1 + c.Addr.serializedLen() + 2 + len(c.Payload)
}
func (c *Dissociate) serializedLen() int { return 2 }
func (c *Heartbeat) serializedLen() int  { return 0 }

func (c *Authenticate) encodeBody(buf []byte) int {
	return copy(buf, c.Token[:])
}

func (c *Connect) encodeBody(buf []byte) int {
	return c.Addr.encode(buf)
}

func (c *Packet) encodeBody(buf []byte) int {
	binary.BigEndian.PutUint16(buf[0:2], c.AssocID)
	binary.BigEndian.PutUint16(buf[2:4], c.PacketID)
	buf[4] = c.FragIndex
	buf[5] = c.FragTotal
	offset := 6
	offset += c.Addr.encode(buf[offset:])
	binary.BigEndian.PutUint16(buf[offset:], uint16(len(c.Payload)))
	offset += 2
	offset += copy(buf[offset:], c.Payload)
	return offset
}

func (c *Dissociate) encodeBody(buf []byte) int {
	binary.BigEndian.PutUint16(buf, c.AssocID)
	return 2
}

func (c *Heartbeat) encodeBody(buf []byte) int { return 0 }

// Encode serializes a command to its full wire representation.
func Encode(c Command) ([]byte, error) {
	if p, ok := c.(*Packet); ok && len(p.Payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(p.Payload))
	}

	buf := make([]byte, headerSize+c.serializedLen())
	buf[0] = Version
	buf[1] = c.Tag()
	c.encodeBody(buf[headerSize:])
	return buf, nil
}

// Decode reads one command from the front of buf, returning the command
// and the number of bytes consumed. A buffer holding only a frame prefix
// yields ErrNeedMoreData so callers reading a byte stream can accumulate.
// An unknown command tag, an unknown address type, or a version byte
// other than the supported revision yields an error that is fatal to the
// connection.
func Decode(buf []byte) (Command, int, error) {
	if len(buf) < headerSize {
		return nil, 0, ErrNeedMoreData
	}

	if buf[0] != Version {
		return nil, 0, fmt.Errorf("%w: 0x%02x", ErrUnsupportedVersion, buf[0])
	}

	body := buf[headerSize:]

	switch buf[1] {
	case CmdAuthenticate:
		if len(body) < TokenSize {
			return nil, 0, ErrNeedMoreData
		}
		c := &Authenticate{}
		copy(c.Token[:], body[:TokenSize])
		return c, headerSize + TokenSize, nil

	case CmdConnect:
		addr, n, err := decodeAddress(body)
		if err != nil {
			return nil, 0, err
		}
		return &Connect{Addr: addr}, headerSize + n, nil

	case CmdPacket:
		if len(body) < 6 {
			return nil, 0, ErrNeedMoreData
		}
		c := &Packet{
			AssocID:   binary.BigEndian.Uint16(body[0:2]),
			PacketID:  binary.BigEndian.Uint16(body[2:4]),
			FragIndex: body[4],
			FragTotal: body[5],
		}
		offset := 6

		addr, n, err := decodeAddress(body[offset:])
		if err != nil {
			return nil, 0, err
		}
		c.Addr = addr
		offset += n

		if len(body) < offset+2 {
			return nil, 0, ErrNeedMoreData
		}
		payloadLen := int(binary.BigEndian.Uint16(body[offset:]))
		offset += 2

		if len(body) < offset+payloadLen {
			return nil, 0, ErrNeedMoreData
		}
		c.Payload = make([]byte, payloadLen)
		copy(c.Payload, body[offset:offset+payloadLen])
		offset += payloadLen

		return c, headerSize + offset, nil

	case CmdDissociate:
		if len(body) < 2 {
			return nil, 0, ErrNeedMoreData
		}
		return &Dissociate{AssocID: binary.BigEndian.Uint16(body)}, headerSize + 2, nil

	case CmdHeartbeat:
		return &Heartbeat{}, headerSize, nil

	default:
		return nil, 0, fmt.Errorf("%w: unknown tag 0x%02x", ErrInvalidCommand, buf[1])
	}
}

// IsDecodeError reports whether err marks a malformed frame or an
// unsupported version byte, as opposed to plain stream I/O ending.
// Decode failures are fatal to the connection that produced them.
func IsDecodeError(err error) bool {
	return errors.Is(err, ErrInvalidCommand) || errors.Is(err, ErrUnsupportedVersion)
}

// ============================================================================
// Command Reader/Writer
// ============================================================================

// CommandReader reads commands from a byte stream, accumulating bytes
// until a full frame is available.
type CommandReader struct {
	r   io.Reader
	buf []byte
}

// NewCommandReader creates a CommandReader over r.
func NewCommandReader(r io.Reader) *CommandReader {
	return &CommandReader{r: r}
}

// Read returns the next command on the stream. It blocks until a full
// frame has arrived, the stream ends, or the frame proves malformed.
func (cr *CommandReader) Read() (Command, error) {
	chunk := make([]byte, 4096)
	for {
		if len(cr.buf) > 0 {
			c, n, err := Decode(cr.buf)
			if err == nil {
				cr.buf = cr.buf[n:]
				return c, nil
			}
			if !errors.Is(err, ErrNeedMoreData) {
				return nil, err
			}
		}

		n, err := cr.r.Read(chunk)
		if n > 0 {
			cr.buf = append(cr.buf, chunk[:n]...)
			continue
		}
		if err != nil {
			if err == io.EOF && len(cr.buf) > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}
}

// Buffered returns bytes read past the last decoded frame. Callers
// switching from framed commands to raw relaying must drain these
// before reading the stream directly.
func (cr *CommandReader) Buffered() []byte {
	return cr.buf
}

// CommandWriter writes commands to a byte stream.
type CommandWriter struct {
	w io.Writer
}

// NewCommandWriter creates a CommandWriter over w.
func NewCommandWriter(w io.Writer) *CommandWriter {
	return &CommandWriter{w: w}
}

// Write encodes and writes one command.
func (cw *CommandWriter) Write(c Command) error {
	data, err := Encode(c)
	if err != nil {
		return err
	}
	_, err = cw.w.Write(data)
	return err
}
