package forward

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quicrelay/quicrelay/internal/logging"
	"github.com/quicrelay/quicrelay/internal/protocol"
)

// PacketSender ships datagrams through one relay association.
// *client.Association satisfies it.
type PacketSender interface {
	Send(ctx context.Context, addr protocol.Address, payload []byte) error
	Close(ctx context.Context) error
}

// AssociateFunc opens a fresh association whose return traffic is fed
// to handler.
type AssociateFunc func(handler func(addr protocol.Address, payload []byte)) (PacketSender, error)

// UDPConfig holds UDP ingress configuration.
type UDPConfig struct {
	// Listen is the local address to bind.
	Listen string

	// Target is the address every datagram is relayed to.
	Target protocol.Address

	// IdleTimeout drops per-source bindings with no traffic.
	// Default 2 minutes.
	IdleTimeout time.Duration

	// Logger for logging.
	Logger *slog.Logger
}

// UDPForwarder relays local datagrams to the target, one association
// per local source address, and routes replies back to their source.
type UDPForwarder struct {
	cfg       UDPConfig
	associate AssociateFunc
	logger    *slog.Logger

	pc *net.UDPConn

	mu       sync.Mutex
	bindings map[string]*udpBinding

	running  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// udpBinding ties one local source address to one association.
type udpBinding struct {
	source     *net.UDPAddr
	sender     PacketSender
	lastActive atomic.Int64
}

func (b *udpBinding) touch() {
	b.lastActive.Store(time.Now().UnixNano())
}

func (b *udpBinding) idle() time.Duration {
	return time.Since(time.Unix(0, b.lastActive.Load()))
}

// NewUDP creates a UDP forwarder.
func NewUDP(cfg UDPConfig, associate AssociateFunc) *UDPForwarder {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 2 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &UDPForwarder{
		cfg:       cfg,
		associate: associate,
		logger:    logger.With(slog.String(logging.KeyComponent, "forward.udp")),
		bindings:  make(map[string]*udpBinding),
		stopCh:    make(chan struct{}),
	}
}

// Start binds the local socket and begins relaying.
func (f *UDPForwarder) Start() error {
	if f.running.Load() {
		return fmt.Errorf("forwarder already running")
	}

	addr, err := net.ResolveUDPAddr("udp", f.cfg.Listen)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", f.cfg.Listen, err)
	}
	pc, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", f.cfg.Listen, err)
	}
	f.pc = pc
	f.running.Store(true)

	f.wg.Add(2)
	go f.readLoop()
	go f.sweepLoop()

	f.logger.Info("udp ingress started",
		slog.String(logging.KeyLocalAddr, pc.LocalAddr().String()),
		slog.String(logging.KeyAddress, f.cfg.Target.String()))
	return nil
}

// Stop closes the socket and every binding.
func (f *UDPForwarder) Stop() error {
	var err error
	f.stopOnce.Do(func() {
		f.running.Store(false)
		close(f.stopCh)

		if f.pc != nil {
			err = f.pc.Close()
		}

		f.mu.Lock()
		bindings := f.bindings
		f.bindings = make(map[string]*udpBinding)
		f.mu.Unlock()
		for _, b := range bindings {
			b.sender.Close(context.Background())
		}

		f.logger.Info("udp ingress stopped")
	})
	f.wg.Wait()
	return err
}

// Addr returns the bound local address.
func (f *UDPForwarder) Addr() net.Addr {
	if f.pc == nil {
		return nil
	}
	return f.pc.LocalAddr()
}

// BindingCount returns the number of live source bindings.
func (f *UDPForwarder) BindingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.bindings)
}

func (f *UDPForwarder) readLoop() {
	defer f.wg.Done()

	buf := make([]byte, protocol.MaxPayloadSize)
	for {
		n, raddr, err := f.pc.ReadFromUDP(buf)
		if err != nil {
			return
		}

		binding, err := f.binding(raddr)
		if err != nil {
			f.logger.Warn("association unavailable",
				slog.String(logging.KeyRemoteAddr, raddr.String()),
				slog.String(logging.KeyError, err.Error()))
			continue
		}
		binding.touch()

		if err := binding.sender.Send(context.Background(), f.cfg.Target, buf[:n]); err != nil {
			f.logger.Debug("relay send failed",
				slog.String(logging.KeyRemoteAddr, raddr.String()),
				slog.String(logging.KeyError, err.Error()))
		}
	}
}

// binding returns the source's binding, opening an association on first
// sight. Replies on the association go back to that source only.
func (f *UDPForwarder) binding(raddr *net.UDPAddr) (*udpBinding, error) {
	key := raddr.String()

	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.bindings[key]; ok {
		return b, nil
	}

	source := &net.UDPAddr{IP: append(net.IP(nil), raddr.IP...), Port: raddr.Port, Zone: raddr.Zone}
	sender, err := f.associate(func(addr protocol.Address, payload []byte) {
		f.pc.WriteToUDP(payload, source)
	})
	if err != nil {
		return nil, err
	}

	b := &udpBinding{source: source, sender: sender}
	b.touch()
	f.bindings[key] = b

	f.logger.Debug("binding opened",
		slog.String(logging.KeyRemoteAddr, key))
	return b, nil
}

func (f *UDPForwarder) sweepLoop() {
	defer f.wg.Done()

	interval := f.cfg.IdleTimeout / 2
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-f.stopCh:
			return
		case <-ticker.C:
		}

		var expired []*udpBinding
		f.mu.Lock()
		for key, b := range f.bindings {
			if b.idle() > f.cfg.IdleTimeout {
				delete(f.bindings, key)
				expired = append(expired, b)
			}
		}
		f.mu.Unlock()

		for _, b := range expired {
			b.sender.Close(context.Background())
			f.logger.Debug("binding expired",
				slog.String(logging.KeyRemoteAddr, b.source.String()))
		}
	}
}
