// Package debugger is the transport-agnostic CAN debugger client: it owns the
// connection state machine, the keep-alive and observer dispatch.
package debugger

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
	"unicode"

	"golang.org/x/sync/errgroup"

	"github.com/kstaniek/go-can-debugger/internal/frame"
	"github.com/kstaniek/go-can-debugger/internal/hub"
	"github.com/kstaniek/go-can-debugger/internal/logging"
	"github.com/kstaniek/go-can-debugger/internal/metrics"
	"github.com/kstaniek/go-can-debugger/internal/transport"
)

// State of the client connection.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Keep-alive frame sent while connected.
const (
	HeartbeatID              = 0x542
	DefaultHeartbeatInterval = time.Second
	DefaultConnectTimeout    = 10 * time.Second
	NoBusLoad                = "---"
)

var heartbeatPayload = []byte{0x55}

// Client drives one transport. Observers run on the transport's receive
// goroutine; state observers run on whichever goroutine changed the state
// and must not call Connect or Disconnect synchronously.
type Client struct {
	tr             transport.Transport
	codec          frame.Codec
	logger         *slog.Logger
	heartbeat      time.Duration
	connectTimeout time.Duration

	mu     sync.Mutex // serializes Connect and the teardown in Disconnect
	cancel context.CancelFunc
	group  *errgroup.Group

	// stMu guards state changes and gen. gen identifies the current connect
	// attempt; Disconnect bumps it so a stale attempt cannot complete.
	stMu    sync.Mutex
	gen     uint64
	state   atomic.Int32
	busLoad atomic.Value // string

	dialMu     sync.Mutex
	dialGen    uint64
	dialCancel context.CancelFunc

	rx      *hub.Hub
	obsMu   sync.RWMutex
	loadObs []func([]byte)
	stObs   []func(State)
}

type Option func(*Client)

func WithHeartbeatInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.heartbeat = d
		}
	}
}

// WithConnectTimeout bounds transport.Connect; zero disables the bound.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d >= 0 {
			c.connectTimeout = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// New binds a client to tr and subscribes to its receive channels.
func New(tr transport.Transport, opts ...Option) *Client {
	c := &Client{
		tr:             tr,
		logger:         logging.L(),
		heartbeat:      DefaultHeartbeatInterval,
		connectTimeout: DefaultConnectTimeout,
		rx:             hub.New(),
	}
	for _, o := range opts {
		o(c)
	}
	c.busLoad.Store(NoBusLoad)
	tr.Subscribe(transport.ChannelCANRx, c.handleFrame)
	tr.Subscribe(transport.ChannelBusLoad, c.handleBusLoad)
	return c
}

// Transport returns the underlying link.
func (c *Client) Transport() transport.Transport { return c.tr }

func (c *Client) State() State { return State(c.state.Load()) }

// BusLoad returns the last bus-load diagnostic in display form.
func (c *Client) BusLoad() string { return c.busLoad.Load().(string) }

// Stats returns link counters when the transport keeps them.
func (c *Client) Stats() (transport.Statistics, bool) {
	if r, ok := c.tr.(transport.StatsReporter); ok {
		return r.Stats(), true
	}
	return transport.Statistics{}, false
}

// OnCANRx registers an observer for received CAN messages.
func (c *Client) OnCANRx(h hub.Handler) { c.rx.Add(h) }

// Observers returns the number of CAN-rx observers.
func (c *Client) Observers() int { return c.rx.Count() }

func (c *Client) OnBusLoad(fn func([]byte)) {
	if fn == nil {
		return
	}
	c.obsMu.Lock()
	c.loadObs = append(c.loadObs, fn)
	c.obsMu.Unlock()
}

func (c *Client) OnStateChange(fn func(State)) {
	if fn == nil {
		return
	}
	c.obsMu.Lock()
	c.stObs = append(c.stObs, fn)
	c.obsMu.Unlock()
}

// Connect opens the link to target and starts the keep-alive and link
// watcher. It fails with transport.ErrAlreadyConnected unless the client is
// Disconnected. On failure the state returns to Disconnected.
func (c *Client) Connect(ctx context.Context, target string) error {
	if c.State() != Disconnected {
		return transport.ErrAlreadyConnected
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	gen, ok := c.begin()
	if !ok {
		return transport.ErrAlreadyConnected
	}
	// A Disconnect that lost the race for mu may have left the old link up.
	c.stopTasks()
	if err := c.tr.Disconnect(); err != nil {
		c.logger.Debug("transport_disconnect_error", "transport", c.tr.Name(), "error", err)
	}

	var (
		dctx   context.Context
		cancel context.CancelFunc
	)
	if c.connectTimeout > 0 {
		dctx, cancel = context.WithTimeout(ctx, c.connectTimeout)
	} else {
		dctx, cancel = context.WithCancel(ctx)
	}
	c.setDial(gen, cancel)
	err := c.tr.Connect(dctx, target)
	c.setDial(0, nil)
	cancel()
	if err != nil {
		metrics.IncError(metrics.ErrConnect)
		c.logger.Error("connect_failed", "transport", c.tr.Name(), "target", target, "error", err)
		c.transition(gen, Connecting, Disconnected)
		return err
	}

	if !c.transition(gen, Connecting, Connected) {
		// Disconnect ran while dialing.
		_ = c.tr.Disconnect()
		return fmt.Errorf("connect aborted: %w", context.Canceled)
	}
	runCtx, stop := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(runCtx)
	c.cancel, c.group = stop, g
	done := c.tr.Done()
	g.Go(func() error {
		c.keepAlive(gctx)
		return nil
	})
	g.Go(func() error {
		c.watchLink(gctx, gen, done, stop)
		return nil
	})
	c.logger.Info("connected", "transport", c.tr.Name(), "target", target)
	return nil
}

func (c *Client) setDial(gen uint64, fn context.CancelFunc) {
	c.dialMu.Lock()
	c.dialGen, c.dialCancel = gen, fn
	c.dialMu.Unlock()
}

// Disconnect tears the link down. It always succeeds and is a no-op when
// already Disconnected. An in-flight Connect is aborted.
func (c *Client) Disconnect() error {
	c.stMu.Lock()
	prev := c.State()
	c.gen++
	gen := c.gen
	c.state.Store(int32(Disconnected))
	c.stMu.Unlock()

	c.dialMu.Lock()
	if c.dialCancel != nil && c.dialGen < gen {
		c.dialCancel()
	}
	c.dialMu.Unlock()
	if prev != Disconnected {
		c.changed(prev, Disconnected)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation() != gen {
		// A later Connect already replaced the link.
		return nil
	}
	c.stopTasks()
	if err := c.tr.Disconnect(); err != nil {
		c.logger.Debug("transport_disconnect_error", "transport", c.tr.Name(), "error", err)
	}
	return nil
}

// stopTasks cancels and joins the background tasks of the previous link.
func (c *Client) stopTasks() {
	if c.cancel != nil {
		c.cancel()
	}
	if c.group != nil {
		_ = c.group.Wait()
	}
	c.cancel, c.group = nil, nil
}

// SendCANPacket validates and encodes the message, then writes it on the
// CAN-tx channel. Validation errors take precedence over the connection check.
func (c *Client) SendCANPacket(id int, data []byte) error {
	raw, err := c.codec.Encode(id, data)
	if err != nil {
		return err
	}
	if c.State() != Connected {
		return transport.ErrNotConnected
	}
	if err := c.tr.SendRaw(transport.ChannelCANTx, raw); err != nil {
		metrics.IncError(metrics.ErrSend)
		return err
	}
	metrics.IncCANTx(c.tr.Name())
	c.logger.Debug("can_tx", "can_id", fmt.Sprintf("0x%03X", id), "len", len(data), "data", hex.EncodeToString(data))
	return nil
}

func (c *Client) keepAlive(ctx context.Context) {
	t := time.NewTicker(c.heartbeat)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.heartbeatTick()
		}
	}
}

// heartbeatTick sends one keep-alive; failures are counted and swallowed.
func (c *Client) heartbeatTick() {
	if c.State() != Connected {
		return
	}
	if err := c.SendCANPacket(HeartbeatID, heartbeatPayload); err != nil {
		metrics.IncHeartbeatFailed()
		c.logger.Debug("heartbeat_failed", "error", err)
		return
	}
	metrics.IncHeartbeat()
}

func (c *Client) watchLink(ctx context.Context, gen uint64, done <-chan struct{}, cancel context.CancelFunc) {
	select {
	case <-ctx.Done():
	case <-done:
		if c.transition(gen, Connected, Disconnected) {
			metrics.IncError(metrics.ErrLinkLost)
			c.logger.Warn("link_lost", "transport", c.tr.Name())
			if err := c.tr.Disconnect(); err != nil {
				c.logger.Debug("transport_disconnect_error", "transport", c.tr.Name(), "error", err)
			}
		}
		cancel()
	}
}

func (c *Client) handleFrame(raw []byte) {
	id, payload, err := c.codec.Decode(raw)
	if err != nil {
		c.logger.Warn("can_rx_malformed", "transport", c.tr.Name(), "error", err)
		return
	}
	metrics.IncCANRx(c.tr.Name())
	c.rx.Broadcast(id, payload)
}

func (c *Client) handleBusLoad(b []byte) {
	c.busLoad.Store(formatBusLoad(b))
	c.obsMu.RLock()
	obs := append([]func([]byte){}, c.loadObs...)
	c.obsMu.RUnlock()
	for _, fn := range obs {
		fn(b)
	}
}

// begin starts a connect attempt: Disconnected -> Connecting under a new
// generation.
func (c *Client) begin() (uint64, bool) {
	c.stMu.Lock()
	if c.State() != Disconnected {
		c.stMu.Unlock()
		return 0, false
	}
	c.gen++
	gen := c.gen
	c.state.Store(int32(Connecting))
	c.stMu.Unlock()
	c.changed(Disconnected, Connecting)
	return gen, true
}

// transition moves from -> to if attempt gen is still current, and notifies
// on success.
func (c *Client) transition(gen uint64, from, to State) bool {
	c.stMu.Lock()
	if c.gen != gen || c.State() != from {
		c.stMu.Unlock()
		return false
	}
	c.state.Store(int32(to))
	c.stMu.Unlock()
	c.changed(from, to)
	return true
}

func (c *Client) generation() uint64 {
	c.stMu.Lock()
	defer c.stMu.Unlock()
	return c.gen
}

func (c *Client) changed(from, to State) {
	metrics.SetConnectionState(int(to))
	c.logger.Info("state_changed", "transport", c.tr.Name(), "from", from.String(), "to", to.String())
	c.obsMu.RLock()
	obs := append([]func(State){}, c.stObs...)
	c.obsMu.RUnlock()
	for _, fn := range obs {
		fn(to)
	}
}

// formatBusLoad renders printable payloads as text and anything else as hex.
func formatBusLoad(b []byte) string {
	if len(b) == 0 {
		return NoBusLoad
	}
	for _, r := range string(b) {
		if r == unicode.ReplacementChar || !unicode.IsPrint(r) {
			return hex.EncodeToString(b)
		}
	}
	return string(b)
}
