package auth

import "sync/atomic"

// Gate states
const (
	gatePending int32 = iota
	gateConfirmed
)

// Gate is the one-shot authentication flag each connection carries.
// Exactly one Authenticate command may confirm it; everything else the
// peer sends beforehand is a protocol violation.
type Gate struct {
	state atomic.Int32
}

// NewGate returns a gate in the pending state.
func NewGate() *Gate {
	return &Gate{}
}

// Confirm transitions the gate from pending to confirmed. It returns
// false if the gate was already confirmed, which callers must treat as
// a duplicate Authenticate.
func (g *Gate) Confirm() bool {
	return g.state.CompareAndSwap(gatePending, gateConfirmed)
}

// Confirmed reports whether authentication has completed.
func (g *Gate) Confirmed() bool {
	return g.state.Load() == gateConfirmed
}
