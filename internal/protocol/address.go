package protocol

import (
	"fmt"
	"net"
	"strconv"
)

// Address is the relay target carried inside Connect and Packet commands.
// Exactly one of Domain or IP is set, selected by Type.
type Address struct {
	Type   uint8
	Domain string
	IP     net.IP
	Port   uint16
}

// DomainAddress builds a domain-name address.
func DomainAddress(name string, port uint16) Address {
	return Address{Type: AddrTypeDomain, Domain: name, Port: port}
}

// IPAddress builds an IPv4 or IPv6 address depending on the IP form.
func IPAddress(ip net.IP, port uint16) Address {
	if v4 := ip.To4(); v4 != nil {
		return Address{Type: AddrTypeIPv4, IP: v4, Port: port}
	}
	return Address{Type: AddrTypeIPv6, IP: ip.To16(), Port: port}
}

// ParseAddress converts a "host:port" string into an Address,
// classifying the host as IPv4, IPv6 or domain.
func ParseAddress(hostport string) (Address, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Address{}, fmt.Errorf("%w: port %q", ErrInvalidAddress, portStr)
	}
	if ip := net.ParseIP(host); ip != nil {
		return IPAddress(ip, uint16(port)), nil
	}
	if len(host) == 0 || len(host) > 255 {
		return Address{}, fmt.Errorf("%w: domain length %d", ErrInvalidAddress, len(host))
	}
	return DomainAddress(host, uint16(port)), nil
}

// String returns the address in "host:port" form.
func (a Address) String() string {
	switch a.Type {
	case AddrTypeDomain:
		return net.JoinHostPort(a.Domain, strconv.Itoa(int(a.Port)))
	default:
		return net.JoinHostPort(a.IP.String(), strconv.Itoa(int(a.Port)))
	}
}

// Equal reports whether two addresses are the same target.
func (a Address) Equal(b Address) bool {
	if a.Type != b.Type || a.Port != b.Port {
		return false
	}
	if a.Type == AddrTypeDomain {
		return a.Domain == b.Domain
	}
	return a.IP.Equal(b.IP)
}

// serializedLen returns the wire size of the address, including the
// address-type byte and the trailing port.
func (a Address) serializedLen() int {
	switch a.Type {
	case AddrTypeDomain:
		return 1 + 1 + len(a.Domain) + 2
	case AddrTypeIPv4:
		return 1 + 4 + 2
	default:
		return 1 + 16 + 2
	}
}

// encode writes the address into buf and returns the bytes written.
// buf must be at least serializedLen() bytes.
func (a Address) encode(buf []byte) int {
	offset := 0
	buf[offset] = a.Type
	offset++

	switch a.Type {
	case AddrTypeDomain:
		buf[offset] = uint8(len(a.Domain))
		offset++
		copy(buf[offset:], a.Domain)
		offset += len(a.Domain)
	case AddrTypeIPv4:
		copy(buf[offset:], a.IP.To4())
		offset += 4
	default:
		copy(buf[offset:], a.IP.To16())
		offset += 16
	}

	buf[offset] = uint8(a.Port >> 8)
	buf[offset+1] = uint8(a.Port)
	return offset + 2
}

// decodeAddress reads an address from the front of buf. It returns
// ErrNeedMoreData when buf holds only a prefix of the encoding, and
// ErrInvalidCommand for an address-type byte outside the known set.
func decodeAddress(buf []byte) (Address, int, error) {
	if len(buf) < 1 {
		return Address{}, 0, ErrNeedMoreData
	}

	a := Address{Type: buf[0]}
	offset := 1

	var addrLen int
	switch a.Type {
	case AddrTypeDomain:
		if len(buf) < offset+1 {
			return Address{}, 0, ErrNeedMoreData
		}
		addrLen = int(buf[offset])
		offset++
		if addrLen == 0 {
			return Address{}, 0, fmt.Errorf("%w: empty domain name", ErrInvalidCommand)
		}
	case AddrTypeIPv4:
		addrLen = 4
	case AddrTypeIPv6:
		addrLen = 16
	default:
		return Address{}, 0, fmt.Errorf("%w: unknown address type 0x%02x", ErrInvalidCommand, a.Type)
	}

	if len(buf) < offset+addrLen+2 {
		return Address{}, 0, ErrNeedMoreData
	}

	switch a.Type {
	case AddrTypeDomain:
		a.Domain = string(buf[offset : offset+addrLen])
	default:
		a.IP = make(net.IP, addrLen)
		copy(a.IP, buf[offset:offset+addrLen])
	}
	offset += addrLen

	a.Port = uint16(buf[offset])<<8 | uint16(buf[offset+1])
	return a, offset + 2, nil
}
