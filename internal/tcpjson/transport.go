// Package tcpjson implements the debugger link over a TCP stream of
// newline-delimited JSON messages.
package tcpjson

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-can-debugger/internal/frame"
	"github.com/kstaniek/go-can-debugger/internal/logging"
	"github.com/kstaniek/go-can-debugger/internal/metrics"
	"github.com/kstaniek/go-can-debugger/internal/transport"
)

const defaultWriteTimeout = 5 * time.Second

// DialFunc opens the stream; net.Dialer.DialContext satisfies it.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Transport is a TCP-JSON link. CAN events arrive on transport.ChannelCANRx
// as 11-byte frames so consumers see the same shape as over BLE.
type Transport struct {
	transport.Subscriptions

	codec        frame.Codec
	dial         DialFunc
	maxLine      int
	writeTimeout time.Duration
	logger       *slog.Logger

	mu         sync.Mutex
	conn       net.Conn
	done       chan struct{}
	connecting bool
	wmu        sync.Mutex
	wg         sync.WaitGroup

	connected   atomic.Bool
	connects    atomic.Uint64
	readFail    atomic.Uint64
	rxTotal     atomic.Uint64
	rxProcessed atomic.Uint64
	rxIgnored   atomic.Uint64
	txTotal     atomic.Uint64
}

type Option func(*Transport)

// WithDialer replaces the TCP dialer (tests use net.Pipe).
func WithDialer(d DialFunc) Option {
	return func(t *Transport) {
		if d != nil {
			t.dial = d
		}
	}
}

// WithMaxLineLength sets the longest accepted line in bytes.
func WithMaxLineLength(n int) Option {
	return func(t *Transport) {
		if n > 0 {
			t.maxLine = n
		}
	}
}

func WithWriteTimeout(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.writeTimeout = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) {
		if l != nil {
			t.logger = l
		}
	}
}

func New(opts ...Option) *Transport {
	var d net.Dialer
	t := &Transport{
		dial:         d.DialContext,
		maxLine:      DefaultMaxLineLength,
		writeTimeout: defaultWriteTimeout,
		logger:       logging.L(),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *Transport) Name() string { return "tcpjson" }

// Connect resolves target ("host", "host:port", default port 8900) and
// starts the read loop. Target errors are returned before any I/O.
func (t *Transport) Connect(ctx context.Context, target string) error {
	addr, err := ParseTarget(target)
	if err != nil {
		return err
	}
	t.mu.Lock()
	if t.conn != nil || t.connecting {
		t.mu.Unlock()
		return transport.ErrAlreadyConnected
	}
	t.connecting = true
	t.mu.Unlock()

	t.connects.Add(1)
	t.logger.Info("tcpjson_connecting", "addr", addr)
	conn, err := t.dial(ctx, "tcp", addr)
	if err != nil {
		t.mu.Lock()
		t.connecting = false
		t.mu.Unlock()
		return fmt.Errorf("%w: dial %s: %w", transport.ErrLink, addr, err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetKeepAlivePeriod(30 * time.Second)
	}
	done := make(chan struct{})
	t.mu.Lock()
	t.conn = conn
	t.done = done
	t.connecting = false
	t.mu.Unlock()
	t.connected.Store(true)

	t.wg.Add(1)
	go t.readLoop(conn, done)
	t.logger.Info("tcpjson_connected", "addr", addr, "remote", conn.RemoteAddr().String())
	return nil
}

// Disconnect closes the stream and waits for the read loop. It must not be
// called from a subscription handler.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	t.wg.Wait()
	return nil
}

// Done is closed when the current stream ends.
func (t *Transport) Done() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}

// SendRaw accepts an 11-byte frame on transport.ChannelCANTx and writes it
// as a can_tx line.
func (t *Transport) SendRaw(ch transport.Channel, b []byte) error {
	if ch != transport.ChannelCANTx {
		return fmt.Errorf("%w: %s", transport.ErrUnknownChannel, ch)
	}
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return transport.ErrNotConnected
	}
	id, payload, err := t.codec.Decode(b)
	if err != nil {
		return err
	}
	line, err := encodeCANTx(id, payload)
	if err != nil {
		return err
	}
	t.wmu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	_, err = conn.Write(line)
	t.wmu.Unlock()
	if err != nil {
		metrics.IncError(metrics.ErrTCPWrite)
		return fmt.Errorf("%w: write: %v", transport.ErrLink, err)
	}
	t.txTotal.Add(1)
	return nil
}

// Stats returns a snapshot of the link counters.
func (t *Transport) Stats() transport.Statistics {
	return transport.Statistics{
		Connected:    t.connected.Load(),
		Connects:     t.connects.Load(),
		ReadFailures: t.readFail.Load(),
		RxTotal:      t.rxTotal.Load(),
		RxProcessed:  t.rxProcessed.Load(),
		RxIgnored:    t.rxIgnored.Load(),
		TxTotal:      t.txTotal.Load(),
	}
}

func (t *Transport) readLoop(conn net.Conn, done chan struct{}) {
	defer t.wg.Done()
	defer t.closeLink(conn, done)
	lr := newLineReader(conn, t.maxLine)
	for {
		line, err := lr.ReadLine()
		if err != nil {
			if errors.Is(err, ErrLineTooLong) {
				t.readFail.Add(1)
				metrics.IncLine(metrics.LineDropped)
				t.logger.Warn("tcpjson_line_too_long", "limit", t.maxLine)
				continue
			}
			switch {
			case errors.Is(err, net.ErrClosed):
				t.logger.Debug("tcpjson_closed")
			case errors.Is(err, io.EOF):
				t.readFail.Add(1)
				t.logger.Warn("tcpjson_eof")
			default:
				t.readFail.Add(1)
				metrics.IncError(metrics.ErrTCPRead)
				t.logger.Warn("tcpjson_read_error", "error", err)
			}
			return
		}
		t.rxTotal.Add(1)
		t.handleLine(line)
	}
}

func (t *Transport) closeLink(conn net.Conn, done chan struct{}) {
	t.mu.Lock()
	if t.conn == conn {
		t.conn = nil
	}
	t.mu.Unlock()
	_ = conn.Close()
	t.connected.Store(false)
	close(done)
}

// handleLine routes one line. Lines for another service or an unknown method
// count as ignored; malformed lines are dropped.
func (t *Transport) handleLine(line []byte) {
	msg, err := ParseMessage(line)
	if err != nil {
		metrics.IncLine(metrics.LineDropped)
		t.logger.Warn("tcpjson_line_dropped", "error", err)
		return
	}
	if msg.Service != ServiceName {
		t.ignore(msg)
		return
	}
	switch msg.Method {
	case MethodCANRx:
		id, payload, err := decodeCAN(msg.Data)
		if err != nil {
			metrics.IncLine(metrics.LineDropped)
			t.logger.Warn("tcpjson_line_dropped", "error", err)
			return
		}
		raw, err := t.codec.Pack(id, payload)
		if err != nil {
			metrics.IncMalformed()
			metrics.IncLine(metrics.LineDropped)
			t.logger.Warn("tcpjson_can_rx_invalid", "id", id, "len", len(payload), "error", err)
			return
		}
		t.processed()
		t.Deliver(transport.ChannelCANRx, raw)
	case MethodBusLoad:
		t.processed()
		data := make([]byte, len(msg.Data))
		copy(data, msg.Data)
		t.Deliver(transport.ChannelBusLoad, data)
	default:
		t.ignore(msg)
	}
}

func (t *Transport) processed() {
	t.rxProcessed.Add(1)
	metrics.IncLine(metrics.LineProcessed)
}

func (t *Transport) ignore(msg Message) {
	t.rxIgnored.Add(1)
	metrics.IncLine(metrics.LineIgnored)
	t.logger.Debug("tcpjson_line_ignored", "service", msg.Service, "method", msg.Method)
}
