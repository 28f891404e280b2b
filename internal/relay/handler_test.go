package relay

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/quicrelay/quicrelay/internal/protocol"
)

// fakeStream adapts a pipeEndpoint to transport.Stream for driving the
// handler without a QUIC connection.
type fakeStream struct {
	*pipeEndpoint
	id        uint64
	cancelled atomic.Bool
}

func (s *fakeStream) StreamID() uint64 { return s.id }

func (s *fakeStream) Cancel() {
	s.cancelled.Store(true)
	s.pipeEndpoint.Close()
}

func (s *fakeStream) SetDeadline(time.Time) error      { return nil }
func (s *fakeStream) SetReadDeadline(time.Time) error  { return nil }
func (s *fakeStream) SetWriteDeadline(time.Time) error { return nil }

// streamPair returns a fake stream and the peer endpoint driving it.
func streamPair(id uint64) (*fakeStream, *pipeEndpoint) {
	local, peer := endpointPair()
	return &fakeStream{pipeEndpoint: local, id: id}, peer
}

// startEchoServer runs a TCP server that echoes every connection until
// EOF, then half-closes.
func startEchoServer(t *testing.T) protocol.Address {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { l.Close() })

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				io.Copy(conn, conn)
				conn.(*net.TCPConn).CloseWrite()
			}()
		}
	}()
	return listenerAddress(t, l)
}

func listenerAddress(t *testing.T, l net.Listener) protocol.Address {
	t.Helper()
	host, portStr, err := net.SplitHostPort(l.Addr().String())
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	port, _ := strconv.Atoi(portStr)
	return protocol.IPAddress(net.ParseIP(host), uint16(port))
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestHandleEchoSession(t *testing.T) {
	target := startEchoServer(t)
	h := NewHandler(DefaultConfig())

	stream, peer := streamPair(4)
	done := make(chan error, 1)
	go func() { done <- h.Handle(context.Background(), stream, target) }()

	go func() {
		peer.Write([]byte("ping"))
		peer.CloseWrite()
	}()
	got, err := io.ReadAll(peer)
	if err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(got) != "ping" {
		t.Errorf("echoed %q, want %q", got, "ping")
	}

	if err := <-done; err != nil {
		t.Errorf("Handle: %v", err)
	}
	if h.Len() != 0 {
		t.Errorf("Len() = %d after session end", h.Len())
	}
}

func TestHandleDialFailure(t *testing.T) {
	// A freshly closed listener's port refuses connections.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	target := listenerAddress(t, l)
	l.Close()

	h := NewHandler(Config{ConnectTimeout: 2 * time.Second})
	stream, _ := streamPair(9)

	if err := h.Handle(context.Background(), stream, target); err == nil {
		t.Fatal("Handle succeeded against a dead target")
	}
	if !stream.cancelled.Load() {
		t.Error("stream not cancelled after dial failure")
	}
	if h.Len() != 0 {
		t.Errorf("Len() = %d after failed session", h.Len())
	}
}

func TestHandleSessionCollision(t *testing.T) {
	target := startEchoServer(t)
	h := NewHandler(DefaultConfig())

	first, firstPeer := streamPair(7)
	done := make(chan error, 1)
	go func() { done <- h.Handle(context.Background(), first, target) }()
	waitFor(t, func() bool { return h.Len() == 1 }, "first session to register")

	dup, _ := streamPair(7)
	err := h.Handle(context.Background(), dup, target)
	if !errors.Is(err, ErrSessionCollision) {
		t.Fatalf("Handle(dup) = %v, want ErrSessionCollision", err)
	}
	if !dup.cancelled.Load() {
		t.Error("colliding stream not cancelled")
	}
	if h.Len() != 1 {
		t.Errorf("Len() = %d, collision must not evict the live session", h.Len())
	}

	firstPeer.CloseWrite()
	io.ReadAll(firstPeer)
	if err := <-done; err != nil {
		t.Errorf("first Handle: %v", err)
	}
}

func TestSessionErrorIsolated(t *testing.T) {
	target := startEchoServer(t)
	h := NewHandler(DefaultConfig())

	good, goodPeer := streamPair(1)
	bad, badPeer := streamPair(2)

	goodDone := make(chan error, 1)
	badDone := make(chan error, 1)
	go func() { goodDone <- h.Handle(context.Background(), good, target) }()
	go func() { badDone <- h.Handle(context.Background(), bad, target) }()
	waitFor(t, func() bool { return h.Len() == 2 }, "both sessions to register")

	// Blow up the bad session mid-flight.
	badPeer.w.CloseWithError(errors.New("injected failure"))
	if err := <-badDone; err == nil {
		t.Error("bad session ended without error")
	}

	// The good session is untouched and still relays.
	go func() {
		goodPeer.Write([]byte("still here"))
		goodPeer.CloseWrite()
	}()
	got, err := io.ReadAll(goodPeer)
	if err != nil || string(got) != "still here" {
		t.Fatalf("good session read = (%q, %v)", got, err)
	}
	if err := <-goodDone; err != nil {
		t.Errorf("good Handle: %v", err)
	}
}

func TestHandlerCloseCancelsSessions(t *testing.T) {
	target := startEchoServer(t)
	h := NewHandler(DefaultConfig())

	stream, _ := streamPair(3)
	done := make(chan error, 1)
	go func() { done <- h.Handle(context.Background(), stream, target) }()
	waitFor(t, func() bool { return h.Len() == 1 }, "session to register")

	h.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Handle still running after Close")
	}
	if h.Len() != 0 {
		t.Errorf("Len() = %d after Close", h.Len())
	}
	if !stream.cancelled.Load() {
		t.Error("stream not cancelled by Close")
	}
}
