// Package ble implements the debugger link over Bluetooth LE GATT.
//
// The device exposes three characteristics: CAN-tx (write), CAN-rx (notify)
// and bus-load (notify). Both notify channels are armed before Connect
// returns so no frame sent right after the link is up is lost.
package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/kstaniek/go-can-debugger/internal/logging"
	"github.com/kstaniek/go-can-debugger/internal/metrics"
	"github.com/kstaniek/go-can-debugger/internal/transport"
)

// Characteristic UUIDs of the debugger GATT service.
const (
	CANTxUUID   = "18077ff8-d61a-4c04-81da-6217d5739d4e"
	CANRxUUID   = "3eff87b2-613a-4efb-a204-745389e129e8"
	BusLoadUUID = "59ef1d41-cb7e-467b-bc7e-5bb7795e1f4c"
)

var (
	ErrAddressRequired       = errors.New("ble: device address is required")
	ErrCharacteristicMissing = errors.New("ble: characteristic not found")
	ErrUnsupported           = errors.New("ble: not supported on this platform")
)

// Characteristic is one GATT characteristic of a connected peripheral.
type Characteristic interface {
	Write(p []byte) (int, error)
	EnableNotifications(fn func(buf []byte)) error
}

// Link is a connected peripheral.
type Link interface {
	// Characteristics discovers the named characteristics (lowercase UUIDs).
	// Missing ones are simply absent from the result.
	Characteristics(uuids ...string) (map[string]Characteristic, error)
	Disconnect() error
	// Lost is closed when the peripheral drops the connection.
	Lost() <-chan struct{}
}

// Dialer connects to a peripheral by address.
type Dialer interface {
	Dial(ctx context.Context, address string) (Link, error)
}

// Transport is a BLE-GATT link.
type Transport struct {
	transport.Subscriptions

	dialer Dialer
	logger *slog.Logger

	mu         sync.Mutex
	link       Link
	tx         Characteristic
	done       chan struct{}
	connecting bool
}

type Option func(*Transport)

func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) {
		if l != nil {
			t.logger = l
		}
	}
}

// New creates a transport over d; a nil d selects the platform adapter.
func New(d Dialer, opts ...Option) *Transport {
	if d == nil {
		d = DefaultDialer()
	}
	t := &Transport{dialer: d, logger: logging.L()}
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *Transport) Name() string { return "ble" }

// Connect dials address, discovers the three characteristics and arms
// notifications on bus-load and CAN-rx.
func (t *Transport) Connect(ctx context.Context, address string) error {
	address = strings.TrimSpace(address)
	if address == "" {
		return ErrAddressRequired
	}
	t.mu.Lock()
	if t.link != nil || t.connecting {
		t.mu.Unlock()
		return transport.ErrAlreadyConnected
	}
	t.connecting = true
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		t.connecting = false
		t.mu.Unlock()
	}()

	t.logger.Info("ble_connecting", "address", address)
	link, err := t.dialer.Dial(ctx, address)
	if err != nil {
		return fmt.Errorf("%w: connect %s: %w", transport.ErrLink, address, err)
	}
	tx, err := t.arm(link)
	if err != nil {
		_ = link.Disconnect()
		return fmt.Errorf("%w: %s: %w", transport.ErrLink, address, err)
	}
	done := make(chan struct{})
	t.mu.Lock()
	t.link = link
	t.tx = tx
	t.done = done
	t.mu.Unlock()
	go t.watch(link, done)
	t.logger.Info("ble_connected", "address", address)
	return nil
}

func (t *Transport) arm(link Link) (Characteristic, error) {
	chars, err := link.Characteristics(CANTxUUID, CANRxUUID, BusLoadUUID)
	if err != nil {
		return nil, err
	}
	for _, u := range []string{CANTxUUID, CANRxUUID, BusLoadUUID} {
		if chars[u] == nil {
			return nil, fmt.Errorf("%w: %s", ErrCharacteristicMissing, u)
		}
	}
	for _, n := range []struct {
		uuid string
		ch   transport.Channel
	}{
		{BusLoadUUID, transport.ChannelBusLoad},
		{CANRxUUID, transport.ChannelCANRx},
	} {
		ch := n.ch
		if err := chars[n.uuid].EnableNotifications(func(buf []byte) {
			b := make([]byte, len(buf))
			copy(b, buf)
			t.Deliver(ch, b)
		}); err != nil {
			return nil, fmt.Errorf("enable notifications on %s: %w", n.uuid, err)
		}
	}
	return chars[CANTxUUID], nil
}

func (t *Transport) watch(link Link, done chan struct{}) {
	select {
	case <-link.Lost():
		t.logger.Warn("ble_link_lost")
		t.end(link)
	case <-done:
	}
}

// end releases link if it is still current; done closes exactly once.
func (t *Transport) end(link Link) {
	t.mu.Lock()
	if t.link != link {
		t.mu.Unlock()
		return
	}
	t.link = nil
	t.tx = nil
	done := t.done
	t.mu.Unlock()
	close(done)
	if err := link.Disconnect(); err != nil {
		t.logger.Debug("ble_disconnect_error", "error", err)
	}
}

// Disconnect drops the current link, if any.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	link := t.link
	t.mu.Unlock()
	if link != nil {
		t.end(link)
	}
	return nil
}

func (t *Transport) Done() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}

// SendRaw writes b to the CAN-tx characteristic.
func (t *Transport) SendRaw(ch transport.Channel, b []byte) error {
	if ch != transport.ChannelCANTx {
		return fmt.Errorf("%w: %s", transport.ErrUnknownChannel, ch)
	}
	t.mu.Lock()
	tx := t.tx
	t.mu.Unlock()
	if tx == nil {
		return transport.ErrNotConnected
	}
	if _, err := tx.Write(b); err != nil {
		metrics.IncError(metrics.ErrBLEWrite)
		return fmt.Errorf("%w: write: %v", transport.ErrLink, err)
	}
	return nil
}
