package socketcan

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/go-can-debugger/internal/can"
)

type fakeDev struct {
	mu      sync.Mutex
	written []can.Frame
	reads   []can.Frame
	readErr []error
	block   chan struct{}
}

func (d *fakeDev) ReadFrame(fr *can.Frame) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.readErr) > 0 {
		err := d.readErr[0]
		d.readErr = d.readErr[1:]
		if err != nil {
			return err
		}
	}
	if len(d.reads) == 0 {
		return io.EOF
	}
	*fr = d.reads[0]
	d.reads = d.reads[1:]
	return nil
}

func (d *fakeDev) WriteFrame(fr can.Frame) error {
	if d.block != nil {
		<-d.block
	}
	d.mu.Lock()
	d.written = append(d.written, fr)
	d.mu.Unlock()
	return nil
}

func (d *fakeDev) Close() error { return nil }

func (d *fakeDev) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.written)
}

func waitWritten(t *testing.T, dev *fakeDev, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for dev.count() < n {
		if time.Now().After(deadline) {
			t.Fatalf("written=%d want %d", dev.count(), n)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestMirror_WritesFrames(t *testing.T) {
	dev := &fakeDev{}
	m := NewMirror(context.Background(), dev, 8)
	if err := m.Observe(0x502, []byte{0xAA, 0xBB}); err != nil {
		t.Fatalf("observe: %v", err)
	}
	if err := m.Observe(0x800, nil); !errors.Is(err, ErrUnsupportedFrame) {
		t.Fatalf("expected ErrUnsupportedFrame, got %v", err)
	}
	if err := m.Observe(-5, nil); !errors.Is(err, ErrUnsupportedFrame) {
		t.Fatalf("expected ErrUnsupportedFrame for signed id, got %v", err)
	}
	waitWritten(t, dev, 1)
	m.Close()
	fr := dev.written[0]
	if fr.ID != 0x502 || fr.Len != 2 || fr.Data[0] != 0xAA || fr.Data[1] != 0xBB {
		t.Fatalf("unexpected frame %+v", fr)
	}
	if st := m.Stats(); st.Written != 1 || st.Dropped != 0 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestMirror_OverflowCountedAsDrop(t *testing.T) {
	dev := &fakeDev{block: make(chan struct{})}
	m := NewMirror(context.Background(), dev, 1)
	// first frame is taken by the writer and blocks in WriteFrame
	if err := m.Observe(0x100, nil); err != nil {
		t.Fatalf("observe: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for len(m.q) != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("writer did not pick up the first frame")
		}
		time.Sleep(2 * time.Millisecond)
	}
	for i := 1; i <= 5; i++ {
		if err := m.Observe(0x100+i, nil); err != nil {
			t.Fatalf("observe %d: %v", i, err)
		}
	}
	if st := m.Stats(); st.Dropped != 4 {
		t.Fatalf("dropped=%d want 4", st.Dropped)
	}
	close(dev.block)
	m.Close()
	if dev.count() != 2 || dev.written[1].ID != 0x101 {
		t.Fatalf("written %+v", dev.written)
	}
}

func TestMirror_CloseDrainsQueue(t *testing.T) {
	dev := &fakeDev{block: make(chan struct{})}
	m := NewMirror(context.Background(), dev, 8)
	for i := 0; i < 4; i++ {
		_ = m.Observe(i, []byte{byte(i)})
	}
	closed := make(chan struct{})
	go func() {
		m.Close()
		close(closed)
	}()
	select {
	case <-closed:
		t.Fatalf("Close returned before the queue was written")
	case <-time.After(20 * time.Millisecond):
	}
	close(dev.block)
	<-closed
	if dev.count() != 4 {
		t.Fatalf("written=%d want 4", dev.count())
	}
	if err := m.Observe(1, nil); err != nil {
		t.Fatalf("observe after close: %v", err)
	}
	if st := m.Stats(); st.Written != 4 || st.Dropped != 1 {
		t.Fatalf("unexpected stats %+v", st)
	}
	m.Close()
}

type failingDev struct{ fakeDev }

func (d *failingDev) WriteFrame(can.Frame) error { return errors.New("ENOBUFS") }

func TestMirror_WriteErrorsCounted(t *testing.T) {
	m := NewMirror(context.Background(), &failingDev{}, 4)
	_ = m.Observe(1, nil)
	_ = m.Observe(2, nil)
	m.Close()
	if st := m.Stats(); st.Failed != 2 || st.Written != 0 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestForward_SkipsUnsupportedAndStopsOnReadError(t *testing.T) {
	dev := &fakeDev{
		reads:   []can.Frame{can.NewFrame(0x100, []byte{1}), can.NewFrame(0x200, nil)},
		readErr: []error{nil, ErrUnsupportedFrame, nil},
	}
	var ids []int
	err := Forward(context.Background(), dev, func(id int, data []byte) error {
		ids = append(ids, id)
		return errors.New("not connected")
	})
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected wrapped EOF, got %v", err)
	}
	if len(ids) != 2 || ids[0] != 0x100 || ids[1] != 0x200 {
		t.Fatalf("forwarded ids=%v", ids)
	}
}

func TestForward_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	dev := &fakeDev{reads: []can.Frame{can.NewFrame(1, nil)}}
	if err := Forward(ctx, dev, func(int, []byte) error { return nil }); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
