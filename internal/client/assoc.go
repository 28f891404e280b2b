package client

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/quicrelay/quicrelay/internal/protocol"
	"github.com/quicrelay/quicrelay/internal/udprelay"
)

// DatagramHandler receives one reassembled return datagram: the remote
// source address and its payload. Called from the engine's delivery
// path; implementations must not block for long.
type DatagramHandler func(addr protocol.Address, payload []byte)

// Association is a client-held UDP relay binding. Datagrams sent
// through it share one association id on the wire; return traffic for
// that id is handed to the handler.
type Association struct {
	id      uint16
	c       *Client
	frag    *udprelay.Fragmenter
	handler DatagramHandler
	closed  atomic.Bool
}

// Associate allocates a fresh association. The handler receives return
// traffic until Close.
func (c *Client) Associate(handler DatagramHandler) (*Association, error) {
	select {
	case <-c.closed:
		return nil, ErrClientClosed
	default:
	}
	if handler == nil {
		handler = func(protocol.Address, []byte) {}
	}

	for range 1 << 16 {
		id := uint16(c.nextAssoc.Add(1))
		a := &Association{
			id:      id,
			c:       c,
			frag:    udprelay.NewFragmenter(id, c.opts.MaxDatagramSize),
			handler: handler,
		}
		if c.assocs.Insert(id, a) {
			c.m.AssociationsTotal.Inc()
			c.m.AssociationsActive.Inc()
			return a, nil
		}
	}
	return nil, ErrNoAssociationIDs
}

// ID returns the association's wire identifier.
func (a *Association) ID() uint16 {
	return a.id
}

// Send relays one datagram to addr through the association,
// fragmenting as needed. It blocks until a connection is available.
func (a *Association) Send(ctx context.Context, addr protocol.Address, payload []byte) error {
	if a.closed.Load() {
		return ErrAssociationClosed
	}
	frags, err := a.frag.Split(addr, payload)
	if err != nil {
		return err
	}
	if len(frags) > 1 {
		a.c.m.PacketsFragmented.Inc()
	}

	conn, err := a.c.activeConn(ctx)
	if err != nil {
		return err
	}
	for _, p := range frags {
		if err := a.c.sendCommand(ctx, conn, p); err != nil {
			return fmt.Errorf("send packet: %w", err)
		}
	}
	return nil
}

// Close releases the association and tells the server to drop its
// state. Idempotent.
func (a *Association) Close(ctx context.Context) error {
	if !a.markClosed() {
		return nil
	}
	a.c.assocs.Remove(a.id)
	a.c.engine.Dissociate(a.id)

	// Best effort: the server also times associations out on its own.
	if conn, err := a.c.activeConn(ctx); err == nil {
		a.c.sendCommand(ctx, conn, &protocol.Dissociate{AssocID: a.id})
	}
	return nil
}

func (a *Association) markClosed() bool {
	if !a.closed.CompareAndSwap(false, true) {
		return false
	}
	a.c.m.AssociationsActive.Dec()
	return true
}
