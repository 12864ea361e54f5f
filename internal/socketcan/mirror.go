// Package socketcan bridges debugger traffic to a local SocketCAN interface
// so standard tools (candump, cansniffer) can watch it.
package socketcan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-can-debugger/internal/can"
	"github.com/kstaniek/go-can-debugger/internal/logging"
	"github.com/kstaniek/go-can-debugger/internal/metrics"
)

var (
	ErrUnsupportedFrame = errors.New("socketcan: unsupported frame")
	ErrReadTimeout      = errors.New("socketcan: read timeout")
)

// Dev is the subset of *Device used by Mirror and Forward.
type Dev interface {
	ReadFrame(*can.Frame) error
	WriteFrame(can.Frame) error
	Close() error
}

// Mirror copies received debugger frames onto a local interface. Observe
// runs on the transport receive goroutine, so it only queues; one writer
// goroutine owns dev. A full queue drops the frame.
type Mirror struct {
	dev Dev
	q   chan can.Frame

	mu     sync.RWMutex // guards q against send after close
	closed bool
	done   chan struct{}

	written atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
}

// NewMirror starts the writer. It stops early, leaving queued frames unsent,
// when ctx ends.
func NewMirror(ctx context.Context, dev Dev, buf int) *Mirror {
	if buf < 1 {
		buf = 1
	}
	m := &Mirror{dev: dev, q: make(chan can.Frame, buf), done: make(chan struct{})}
	go m.run(ctx)
	return m
}

func (m *Mirror) run(ctx context.Context) {
	defer close(m.done)
	for {
		select {
		case fr, ok := <-m.q:
			if !ok {
				return
			}
			if err := m.dev.WriteFrame(fr); err != nil {
				m.failed.Add(1)
				metrics.IncError(metrics.ErrMirrorWrite)
				logging.L().Debug("socketcan_mirror_write_error", "can_id", fmt.Sprintf("0x%03X", fr.ID), "error", err)
				continue
			}
			m.written.Add(1)
			metrics.IncMirrorTx()
		case <-ctx.Done():
			return
		}
	}
}

// Observe has the shape of a CAN-rx observer. Ids outside the 11-bit range
// are not mirrored; a full queue or a closed mirror drops the frame and
// counts it.
func (m *Mirror) Observe(id int, payload []byte) error {
	if id < 0 || id > can.SFFMask || len(payload) > can.MaxDataLen {
		return fmt.Errorf("%w: id 0x%X len %d", ErrUnsupportedFrame, id, len(payload))
	}
	fr := can.NewFrame(uint16(id), payload)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		m.dropped.Add(1)
		return nil
	}
	select {
	case m.q <- fr:
	default:
		m.dropped.Add(1)
		metrics.IncError(metrics.ErrMirrorOver)
	}
	return nil
}

// MirrorStats counts mirror outcomes.
type MirrorStats struct {
	Written, Dropped, Failed uint64
}

func (m *Mirror) Stats() MirrorStats {
	return MirrorStats{Written: m.written.Load(), Dropped: m.dropped.Load(), Failed: m.failed.Load()}
}

// Close stops accepting frames, writes what is queued and waits for the
// writer. Safe to call more than once.
func (m *Mirror) Close() {
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		close(m.q)
	}
	m.mu.Unlock()
	<-m.done
}

// Forward reads frames from dev and hands each to send until ctx ends or a
// read fails. Unsupported frames are skipped; send errors are logged.
func Forward(ctx context.Context, dev Dev, send func(id int, data []byte) error) error {
	log := logging.L()
	for {
		var fr can.Frame
		err := dev.ReadFrame(&fr)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			if errors.Is(err, ErrReadTimeout) {
				continue
			}
			if errors.Is(err, ErrUnsupportedFrame) {
				log.Debug("socketcan_forward_skip", "error", err)
				continue
			}
			return fmt.Errorf("socketcan read: %w", err)
		}
		if err := send(int(fr.ID), fr.Payload()); err != nil {
			log.Warn("socketcan_forward_failed", "can_id", fmt.Sprintf("0x%03X", fr.ID), "error", err)
		}
	}
}
