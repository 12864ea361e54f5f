package ble

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/go-can-debugger/internal/transport"
)

type fakeChar struct {
	mu      sync.Mutex
	notify  func([]byte)
	written [][]byte
	failW   error
	failN   error
}

func (c *fakeChar) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failW != nil {
		return 0, c.failW
	}
	c.written = append(c.written, append([]byte(nil), p...))
	return len(p), nil
}

func (c *fakeChar) EnableNotifications(fn func([]byte)) error {
	if c.failN != nil {
		return c.failN
	}
	c.mu.Lock()
	c.notify = fn
	c.mu.Unlock()
	return nil
}

func (c *fakeChar) push(b []byte) {
	c.mu.Lock()
	fn := c.notify
	c.mu.Unlock()
	if fn != nil {
		fn(b)
	}
}

type fakeLink struct {
	chars       map[string]*fakeChar
	lost        chan struct{}
	once        sync.Once
	disconnects int
	mu          sync.Mutex
}

func newFakeLink() *fakeLink {
	return &fakeLink{
		chars: map[string]*fakeChar{
			CANTxUUID:   {},
			CANRxUUID:   {},
			BusLoadUUID: {},
		},
		lost: make(chan struct{}),
	}
}

func (l *fakeLink) Characteristics(uuids ...string) (map[string]Characteristic, error) {
	out := make(map[string]Characteristic)
	for _, u := range uuids {
		if c, ok := l.chars[u]; ok {
			out[u] = c
		}
	}
	return out, nil
}

func (l *fakeLink) Disconnect() error {
	l.mu.Lock()
	l.disconnects++
	l.mu.Unlock()
	l.drop()
	return nil
}

func (l *fakeLink) Lost() <-chan struct{} { return l.lost }

func (l *fakeLink) drop() { l.once.Do(func() { close(l.lost) }) }

type fakeDialer struct {
	link  *fakeLink
	err   error
	calls int
}

func (d *fakeDialer) Dial(ctx context.Context, address string) (Link, error) {
	d.calls++
	if d.err != nil {
		return nil, d.err
	}
	return d.link, nil
}

func TestConnect_ArmsNotificationsBeforeReturn(t *testing.T) {
	link := newFakeLink()
	tr := New(&fakeDialer{link: link})
	var got [][]byte
	tr.Subscribe(transport.ChannelCANRx, func(b []byte) { got = append(got, b) })
	if err := tr.Connect(context.Background(), "AA:BB:CC:DD:EE:FF"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer tr.Disconnect()
	if link.chars[CANRxUUID].notify == nil || link.chars[BusLoadUUID].notify == nil {
		t.Fatalf("notifications not armed after Connect")
	}
	raw := []byte{0x02, 0x05, 0x02, 0xAA, 0xBB, 0, 0, 0, 0, 0, 0}
	link.chars[CANRxUUID].push(raw)
	raw[3] = 0 // the transport must hand out its own copy
	if len(got) != 1 || got[0][3] != 0xAA {
		t.Fatalf("unexpected delivery %v", got)
	}
}

func TestSendRaw_WritesCANTx(t *testing.T) {
	link := newFakeLink()
	tr := New(&fakeDialer{link: link})
	if err := tr.SendRaw(transport.ChannelCANTx, []byte{1}); !errors.Is(err, transport.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected before connect, got %v", err)
	}
	if err := tr.Connect(context.Background(), "AA:BB:CC:DD:EE:FF"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer tr.Disconnect()
	frame := []byte{0x42, 0x05, 0x01, 0x55, 0, 0, 0, 0, 0, 0, 0}
	if err := tr.SendRaw(transport.ChannelCANTx, frame); err != nil {
		t.Fatalf("send: %v", err)
	}
	tx := link.chars[CANTxUUID]
	if len(tx.written) != 1 || !bytes.Equal(tx.written[0], frame) {
		t.Fatalf("unexpected writes %v", tx.written)
	}
	if err := tr.SendRaw(transport.ChannelBusLoad, frame); !errors.Is(err, transport.ErrUnknownChannel) {
		t.Fatalf("expected ErrUnknownChannel, got %v", err)
	}
	tx.failW = errors.New("gatt busy")
	if err := tr.SendRaw(transport.ChannelCANTx, frame); !errors.Is(err, transport.ErrLink) {
		t.Fatalf("expected ErrLink, got %v", err)
	}
}

func TestConnect_Errors(t *testing.T) {
	d := &fakeDialer{link: newFakeLink()}
	tr := New(d)
	if err := tr.Connect(context.Background(), "  "); !errors.Is(err, ErrAddressRequired) {
		t.Fatalf("expected ErrAddressRequired, got %v", err)
	}
	if d.calls != 0 {
		t.Fatalf("dialer called for empty address")
	}

	d.err = errors.New("no such device")
	if err := tr.Connect(context.Background(), "AA:BB:CC:DD:EE:FF"); !errors.Is(err, transport.ErrLink) {
		t.Fatalf("expected ErrLink, got %v", err)
	}

	link := newFakeLink()
	delete(link.chars, BusLoadUUID)
	tr = New(&fakeDialer{link: link})
	err := tr.Connect(context.Background(), "AA:BB:CC:DD:EE:FF")
	if !errors.Is(err, ErrCharacteristicMissing) || !errors.Is(err, transport.ErrLink) {
		t.Fatalf("expected missing characteristic link error, got %v", err)
	}
	if link.disconnects != 1 {
		t.Fatalf("half-open link not released")
	}

	link = newFakeLink()
	link.chars[CANRxUUID].failN = errors.New("cccd write failed")
	tr = New(&fakeDialer{link: link})
	if err := tr.Connect(context.Background(), "AA:BB:CC:DD:EE:FF"); !errors.Is(err, transport.ErrLink) {
		t.Fatalf("expected ErrLink, got %v", err)
	}
	if err := tr.Connect(context.Background(), "AA:BB:CC:DD:EE:FF"); errors.Is(err, transport.ErrAlreadyConnected) {
		t.Fatalf("failed connect left transport busy")
	}
}

func TestLinkLostClosesDone(t *testing.T) {
	link := newFakeLink()
	tr := New(&fakeDialer{link: link})
	if err := tr.Connect(context.Background(), "AA:BB:CC:DD:EE:FF"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := tr.Connect(context.Background(), "AA:BB:CC:DD:EE:FF"); !errors.Is(err, transport.ErrAlreadyConnected) {
		t.Fatalf("expected ErrAlreadyConnected, got %v", err)
	}
	done := tr.Done()
	link.drop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("done not closed after link loss")
	}
	if err := tr.SendRaw(transport.ChannelCANTx, []byte{1}); !errors.Is(err, transport.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected after loss, got %v", err)
	}
	if err := tr.Disconnect(); err != nil {
		t.Fatalf("disconnect after loss: %v", err)
	}
}
