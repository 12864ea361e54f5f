// Package transport defines the capability set shared by the BLE-GATT and
// TCP-JSON links to the debugger device.
package transport

import (
	"context"
	"errors"
	"sync"
)

// Channel names a logical endpoint on the link.
type Channel string

const (
	// ChannelCANTx carries 11-byte encoded frames towards the device.
	ChannelCANTx Channel = "can_tx"
	// ChannelCANRx delivers 11-byte encoded frames received from the device.
	ChannelCANRx Channel = "can_rx"
	// ChannelBusLoad delivers opaque bus-load diagnostics.
	ChannelBusLoad Channel = "bus_load"
)

// Sentinel errors used for wrapping so callers can classify via errors.Is.
var (
	ErrAlreadyConnected = errors.New("already connected")
	ErrNotConnected     = errors.New("not connected")
	ErrLink             = errors.New("link error")
	ErrUnknownChannel   = errors.New("unknown channel")
)

// Handler receives one notification or line payload on a channel.
type Handler func([]byte)

// Transport is a link to the debugger device.
//
// Handlers registered with Subscribe are invoked from the transport's own
// receive loop, in arrival order per channel. Done returns a channel that is
// closed when the current link ends for any reason (read failure, end of
// stream, Disconnect); it is nil before the first successful Connect.
type Transport interface {
	Name() string
	Connect(ctx context.Context, target string) error
	Disconnect() error
	SendRaw(ch Channel, b []byte) error
	Subscribe(ch Channel, h Handler)
	Done() <-chan struct{}
}

// Subscriptions is a per-channel handler registry embedded by transports.
type Subscriptions struct {
	mu sync.RWMutex
	m  map[Channel][]Handler
}

// Subscribe appends h to the handlers for ch.
func (s *Subscriptions) Subscribe(ch Channel, h Handler) {
	if h == nil {
		return
	}
	s.mu.Lock()
	if s.m == nil {
		s.m = make(map[Channel][]Handler)
	}
	s.m[ch] = append(s.m[ch], h)
	s.mu.Unlock()
}

// Has reports whether anything subscribed to ch.
func (s *Subscriptions) Has(ch Channel) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.m[ch]) > 0
}

// Deliver calls every handler for ch with b, in subscription order.
func (s *Subscriptions) Deliver(ch Channel, b []byte) {
	s.mu.RLock()
	hs := s.m[ch]
	s.mu.RUnlock()
	for _, h := range hs {
		h(b)
	}
}

// Statistics is a point-in-time copy of per-link counters.
type Statistics struct {
	Connected    bool
	Connects     uint64 // connection attempts
	ReadFailures uint64
	RxTotal      uint64 // lines or notifications received
	RxProcessed  uint64
	RxIgnored    uint64
	TxTotal      uint64
}

// StatsReporter is implemented by transports that keep Statistics.
type StatsReporter interface {
	Stats() Statistics
}
