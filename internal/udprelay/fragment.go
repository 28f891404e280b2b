// Package udprelay makes unreliable, size-bounded transport datagrams
// look like UDP send/receive pairs: outbound datagrams are split into
// Packet fragments, inbound fragments are reassembled per association.
package udprelay

import (
	"errors"
	"fmt"
	"sync"

	"github.com/quicrelay/quicrelay/internal/protocol"
)

var (
	// ErrDatagramTooLarge is returned when a datagram cannot be carried
	// in 255 fragments at the current maximum fragment size.
	ErrDatagramTooLarge = errors.New("datagram too large to fragment")

	// ErrFragmentSizeTooSmall is returned when the transport's maximum
	// datagram size cannot even fit one payload byte after headers.
	ErrFragmentSizeTooSmall = errors.New("max datagram size below fragment overhead")
)

// packetOverhead returns the wire size of a Packet command carrying
// addr and an empty payload.
func packetOverhead(addr protocol.Address) int {
	encoded, err := protocol.Encode(&protocol.Packet{Addr: addr, FragTotal: 1})
	if err != nil {
		return 0
	}
	return len(encoded)
}

// Fragmenter splits outbound datagrams for one association. PacketId is
// a wrapping per-association counter; it only needs to be unique within
// the association's in-flight reassembly window.
type Fragmenter struct {
	assocID      uint16
	maxDatagram  int
	mu           sync.Mutex
	nextPacketID uint16
}

// NewFragmenter creates a Fragmenter for one association. maxDatagram
// is the transport's maximum datagram payload in bytes.
func NewFragmenter(assocID uint16, maxDatagram int) *Fragmenter {
	return &Fragmenter{assocID: assocID, maxDatagram: maxDatagram}
}

// AssocID returns the association this Fragmenter sends for.
func (f *Fragmenter) AssocID() uint16 {
	return f.assocID
}

// Split wraps payload into one or more Packet commands addressed to
// addr, all sharing a fresh PacketId. Every fragment fits within the
// transport's maximum datagram size once encoded.
func (f *Fragmenter) Split(addr protocol.Address, payload []byte) ([]*protocol.Packet, error) {
	maxChunk := f.maxDatagram - packetOverhead(addr)
	if maxChunk <= 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrFragmentSizeTooSmall, f.maxDatagram)
	}
	if maxChunk > protocol.MaxPayloadSize {
		maxChunk = protocol.MaxPayloadSize
	}

	total := (len(payload) + maxChunk - 1) / maxChunk
	if total == 0 {
		total = 1 // empty datagrams still travel as one fragment
	}
	if total > protocol.MaxFragments {
		return nil, fmt.Errorf("%w: %d bytes need %d fragments", ErrDatagramTooLarge, len(payload), total)
	}

	f.mu.Lock()
	packetID := f.nextPacketID
	f.nextPacketID++ // wraps; reassembly keys on (association, packet id)
	f.mu.Unlock()

	packets := make([]*protocol.Packet, 0, total)
	for i := 0; i < total; i++ {
		start := i * maxChunk
		end := start + maxChunk
		if end > len(payload) {
			end = len(payload)
		}
		packets = append(packets, &protocol.Packet{
			AssocID:   f.assocID,
			PacketID:  packetID,
			FragIndex: uint8(i),
			FragTotal: uint8(total),
			Addr:      addr,
			Payload:   payload[start:end],
		})
	}
	return packets, nil
}
