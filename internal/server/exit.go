package server

import (
	"log/slog"
	"net"
	"sync"

	"github.com/quicrelay/quicrelay/internal/logging"
	"github.com/quicrelay/quicrelay/internal/metrics"
	"github.com/quicrelay/quicrelay/internal/protocol"
	"github.com/quicrelay/quicrelay/internal/udprelay"
)

// exitSink is the engine sink on the server: reassembled client
// datagrams leave through a per-association UDP socket, and replies on
// that socket travel back as Packet fragments.
type exitSink struct {
	c *serverConn

	mu     sync.Mutex
	socks  map[uint16]*exitSocket
	closed bool
}

func newExitSink(c *serverConn) *exitSink {
	return &exitSink{
		c:     c,
		socks: make(map[uint16]*exitSocket),
	}
}

// Deliver implements udprelay.Sink: one reassembled datagram is handed
// to the association's own writer. The hand-off never blocks; name
// resolution and UDP writes for one association must not stall packets
// belonging to the others.
func (s *exitSink) Deliver(assocID uint16, addr protocol.Address, payload []byte) {
	sock, err := s.socket(assocID)
	if err != nil {
		s.c.logger.Warn("exit socket unavailable",
			slog.Uint64(logging.KeyAssocID, uint64(assocID)),
			slog.String(logging.KeyError, err.Error()))
		return
	}
	select {
	case sock.out <- exitDatagram{addr: addr, payload: payload}:
	default:
		s.c.s.m.ReassemblyDrops.WithLabelValues(metrics.DropBackpressure).Inc()
		s.c.logger.Debug("exit queue full, dropping datagram",
			slog.Uint64(logging.KeyAssocID, uint64(assocID)))
	}
}

// AssociationClosed implements udprelay.Sink.
func (s *exitSink) AssociationClosed(assocID uint16) {
	s.mu.Lock()
	sock := s.socks[assocID]
	delete(s.socks, assocID)
	s.mu.Unlock()
	if sock != nil {
		sock.close()
	}
}

// socket returns the association's exit socket, opening it on first use.
func (s *exitSink) socket(assocID uint16) (*exitSocket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, net.ErrClosed
	}
	if sock, ok := s.socks[assocID]; ok {
		return sock, nil
	}

	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, err
	}
	sock := &exitSocket{
		sink:    s,
		assocID: assocID,
		conn:    conn,
		frag:    udprelay.NewFragmenter(assocID, s.c.s.opts.MaxDatagramSize),
		out:     make(chan exitDatagram, exitQueueLen),
		done:    make(chan struct{}),
	}
	s.socks[assocID] = sock
	s.c.s.m.AssociationsTotal.Inc()
	s.c.s.m.AssociationsActive.Inc()
	go sock.readLoop()
	go sock.writeLoop()
	return sock, nil
}

// Close tears down every exit socket.
func (s *exitSink) Close() {
	s.mu.Lock()
	socks := s.socks
	s.socks = make(map[uint16]*exitSocket)
	s.closed = true
	s.mu.Unlock()
	for _, sock := range socks {
		sock.close()
	}
}

// exitQueueLen bounds datagrams queued toward one association's target.
const exitQueueLen = 64

// exitDatagram is one outbound datagram awaiting the writer.
type exitDatagram struct {
	addr    protocol.Address
	payload []byte
}

// exitSocket is one association's unconnected UDP socket plus the
// writer draining its outbound queue and the reader shipping replies
// back to the client.
type exitSocket struct {
	sink    *exitSink
	assocID uint16
	conn    *net.UDPConn
	frag    *udprelay.Fragmenter
	out     chan exitDatagram
	done    chan struct{}

	closeOnce sync.Once
}

func (e *exitSocket) close() {
	e.closeOnce.Do(func() {
		close(e.done)
		e.conn.Close()
		e.sink.c.s.m.AssociationsActive.Dec()
	})
}

// writeLoop drains the outbound queue toward the association's targets.
// Resolution happens here so a slow DNS lookup for one association
// never stalls the connection's receive task.
func (e *exitSocket) writeLoop() {
	c := e.sink.c
	for {
		select {
		case <-e.done:
			return
		case d := <-e.out:
			target, err := net.ResolveUDPAddr("udp", d.addr.String())
			if err != nil {
				c.logger.Debug("dropping datagram for unresolvable target",
					slog.String(logging.KeyAddress, d.addr.String()),
					slog.String(logging.KeyError, err.Error()))
				continue
			}
			if _, err := e.conn.WriteToUDP(d.payload, target); err != nil {
				c.logger.Debug("exit write failed",
					slog.Uint64(logging.KeyAssocID, uint64(e.assocID)),
					slog.String(logging.KeyError, err.Error()))
			}
		}
	}
}

// readLoop relays replies from the exit socket back to the client as
// Packet fragments, keyed by the association they belong to.
func (e *exitSocket) readLoop() {
	c := e.sink.c
	buf := make([]byte, protocol.MaxPayloadSize)
	for {
		n, raddr, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		c.touch()

		source := protocol.IPAddress(raddr.IP, uint16(raddr.Port))
		frags, err := e.frag.Split(source, buf[:n])
		if err != nil {
			c.logger.Debug("reply exceeds fragmentation limits",
				slog.Uint64(logging.KeyAssocID, uint64(e.assocID)),
				slog.String(logging.KeyError, err.Error()))
			continue
		}
		if len(frags) > 1 {
			c.s.m.PacketsFragmented.Inc()
		}
		for _, p := range frags {
			if err := c.sendPacket(p); err != nil {
				c.logger.Debug("reply send failed",
					slog.Uint64(logging.KeyAssocID, uint64(e.assocID)),
					slog.String(logging.KeyError, err.Error()))
				break
			}
		}
	}
}
