// Package protocol defines the wire protocol spoken between the relay
// client and server over a QUIC connection.
package protocol

// Version is the protocol revision this implementation speaks. A frame
// carrying any other version byte is rejected as unsupported.
const Version uint8 = 0x01

// Command tag constants
const (
	CmdAuthenticate uint8 = 0x00 // Token handshake, first command per connection
	CmdConnect      uint8 = 0x01 // Open a TCP relay session
	CmdPacket       uint8 = 0x02 // UDP datagram fragment
	CmdDissociate   uint8 = 0x03 // Tear down a UDP association
	CmdHeartbeat    uint8 = 0x04 // Keepalive, no fields
)

// Address type constants
const (
	AddrTypeDomain uint8 = 0x00 // 1-byte length + name
	AddrTypeIPv4   uint8 = 0x01 // 4 bytes
	AddrTypeIPv6   uint8 = 0x02 // 16 bytes
)

// Protocol constants
const (
	// TokenSize is the size of the authentication token in bytes.
	TokenSize = 32

	// MaxPayloadSize is the maximum payload carried by one Packet command.
	MaxPayloadSize = 65535

	// MaxFragments is the upper bound on fragments per logical datagram,
	// fixed by the 1-byte fragment counters on the wire.
	MaxFragments = 255

	// headerSize is the fixed [version][tag] prologue every command starts with.
	headerSize = 2
)

// CommandName returns a human-readable name for a command tag.
func CommandName(tag uint8) string {
	switch tag {
	case CmdAuthenticate:
		return "AUTHENTICATE"
	case CmdConnect:
		return "CONNECT"
	case CmdPacket:
		return "PACKET"
	case CmdDissociate:
		return "DISSOCIATE"
	case CmdHeartbeat:
		return "HEARTBEAT"
	default:
		return "UNKNOWN"
	}
}

// AddrTypeName returns a human-readable name for an address type byte.
func AddrTypeName(t uint8) string {
	switch t {
	case AddrTypeDomain:
		return "DOMAIN"
	case AddrTypeIPv4:
		return "IPV4"
	case AddrTypeIPv6:
		return "IPV6"
	default:
		return "UNKNOWN"
	}
}
