package udprelay

import (
	"time"

	"github.com/quicrelay/quicrelay/internal/protocol"
)

// Datagram is one reassembled logical datagram.
type Datagram struct {
	Addr    protocol.Address
	Payload []byte
}

// entry collects the fragments of one PacketId.
type entry struct {
	frags    [][]byte
	received int
	total    int
	addr     protocol.Address
	haveAddr bool
	deadline time.Time
}

// Assembler reassembles the fragments arriving for one association.
// It is not safe for concurrent use; the owning association serializes
// access.
type Assembler struct {
	timeout time.Duration
	entries map[uint16]*entry
}

// DefaultReassemblyTimeout bounds how long a partial datagram is kept.
// It is independent of round-trip time: fragments either arrive soon or,
// like any lost UDP packet, never.
const DefaultReassemblyTimeout = 10 * time.Second

// NewAssembler creates an Assembler with the given per-entry timeout.
func NewAssembler(timeout time.Duration) *Assembler {
	if timeout <= 0 {
		timeout = DefaultReassemblyTimeout
	}
	return &Assembler{
		timeout: timeout,
		entries: make(map[uint16]*entry),
	}
}

// Feed records one fragment. It returns the completed datagram when the
// last fragment for its PacketId arrives, exactly once per PacketId.
// Fragments that cannot belong to a well-formed datagram (zero total,
// index out of range, total disagreeing with earlier fragments) are
// dropped and reported with ok=false; they are never connection-fatal.
func (a *Assembler) Feed(p *protocol.Packet, now time.Time) (*Datagram, bool) {
	if p.FragTotal == 0 || p.FragIndex >= p.FragTotal {
		return nil, false
	}

	e, exists := a.entries[p.PacketID]
	if exists && e.total != int(p.FragTotal) {
		// The sender reused the id with a different shape; the old entry
		// can never complete.
		delete(a.entries, p.PacketID)
		exists = false
	}
	if !exists {
		e = &entry{
			frags:    make([][]byte, p.FragTotal),
			total:    int(p.FragTotal),
			deadline: now.Add(a.timeout),
		}
		a.entries[p.PacketID] = e
	}

	if e.frags[p.FragIndex] != nil {
		return nil, true // duplicate fragment, ignored
	}
	e.frags[p.FragIndex] = p.Payload
	e.received++

	// The datagram is tagged with the address carried by its first
	// fragment; later fragments repeat it on the wire.
	if p.FragIndex == 0 {
		e.addr = p.Addr
		e.haveAddr = true
	} else if !e.haveAddr {
		e.addr = p.Addr
	}

	if e.received < e.total {
		return nil, true
	}

	delete(a.entries, p.PacketID)

	size := 0
	for _, f := range e.frags {
		size += len(f)
	}
	payload := make([]byte, 0, size)
	for _, f := range e.frags {
		payload = append(payload, f...)
	}
	return &Datagram{Addr: e.addr, Payload: payload}, true
}

// Sweep drops entries whose deadline has passed without completing and
// returns how many were dropped. Partial data is never delivered.
func (a *Assembler) Sweep(now time.Time) int {
	dropped := 0
	for id, e := range a.entries {
		if now.After(e.deadline) {
			delete(a.entries, id)
			dropped++
		}
	}
	return dropped
}

// Pending returns the number of in-flight reassembly entries.
func (a *Assembler) Pending() int {
	return len(a.entries)
}
