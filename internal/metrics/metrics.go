package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-can-debugger/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus counters
var (
	CANRxFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "can_rx_frames_total",
		Help: "Total CAN frames received from the device and dispatched to observers.",
	}, []string{"transport"})
	CANTxFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "can_tx_frames_total",
		Help: "Total CAN frames handed to the transport for transmission.",
	}, []string{"transport"})
	HeartbeatsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "heartbeat_sent_total",
		Help: "Keep-alive frames sent successfully.",
	})
	HeartbeatsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "heartbeat_failed_total",
		Help: "Keep-alive ticks whose send failed (swallowed).",
	})
	JSONLines = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tcpjson_lines_total",
		Help: "TCP-JSON lines by outcome (processed, ignored, dropped).",
	}, []string{"result"})
	ObserverFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "observer_failures_total",
		Help: "Observer callbacks that returned an error or panicked.",
	})
	MirrorTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "socketcan_mirror_tx_frames_total",
		Help: "Total CAN frames written to the local SocketCAN mirror interface.",
	})
	ConnectionState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "connection_state",
		Help: "Client connection state (0=disconnected, 1=connecting, 2=connected).",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "malformed_frames_total",
		Help: "Total rejected malformed frames (wrong size, invalid length).",
	})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrConnect       = "connect"
	ErrLinkLost      = "link_lost"
	ErrSend          = "send"
	ErrTCPRead       = "tcp_read"
	ErrTCPWrite      = "tcp_write"
	ErrBLEWrite      = "ble_write"
	ErrMirrorWrite   = "socketcan_mirror_write"
	ErrMirrorOver    = "socketcan_mirror_overflow"
	ErrSerialCommand = "serial_command"
)

// JSON line outcome labels.
const (
	LineProcessed = "processed"
	LineIgnored   = "ignored"
	LineDropped   = "dropped"
)

// StartHTTP serves Prometheus metrics at /metrics and readiness at /ready.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for easy logging (avoid Prometheus scraping in-process)
var (
	localRx         uint64
	localTx         uint64
	localHBSent     uint64
	localHBFailed   uint64
	localProcessed  uint64
	localIgnored    uint64
	localDropped    uint64
	localObsFail    uint64
	localMirrorTx   uint64
	localErrors     uint64
	localMalformed  uint64
	localConnection uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	CANRx            uint64
	CANTx            uint64
	HeartbeatsSent   uint64
	HeartbeatsFailed uint64
	LinesProcessed   uint64
	LinesIgnored     uint64
	LinesDropped     uint64
	ObserverFailures uint64
	MirrorTx         uint64
	Errors           uint64 // sum across error labels
	Malformed        uint64
	Connection       uint64
}

func Snap() Snapshot {
	return Snapshot{
		CANRx:            atomic.LoadUint64(&localRx),
		CANTx:            atomic.LoadUint64(&localTx),
		HeartbeatsSent:   atomic.LoadUint64(&localHBSent),
		HeartbeatsFailed: atomic.LoadUint64(&localHBFailed),
		LinesProcessed:   atomic.LoadUint64(&localProcessed),
		LinesIgnored:     atomic.LoadUint64(&localIgnored),
		LinesDropped:     atomic.LoadUint64(&localDropped),
		ObserverFailures: atomic.LoadUint64(&localObsFail),
		MirrorTx:         atomic.LoadUint64(&localMirrorTx),
		Errors:           atomic.LoadUint64(&localErrors),
		Malformed:        atomic.LoadUint64(&localMalformed),
		Connection:       atomic.LoadUint64(&localConnection),
	}
}

// Wrapper helpers to keep call sites simple.
func IncCANRx(transport string) {
	CANRxFrames.WithLabelValues(transport).Inc()
	atomic.AddUint64(&localRx, 1)
}

func IncCANTx(transport string) {
	CANTxFrames.WithLabelValues(transport).Inc()
	atomic.AddUint64(&localTx, 1)
}

func IncHeartbeat() {
	HeartbeatsSent.Inc()
	atomic.AddUint64(&localHBSent, 1)
}

func IncHeartbeatFailed() {
	HeartbeatsFailed.Inc()
	atomic.AddUint64(&localHBFailed, 1)
}

// IncLine records the outcome of one TCP-JSON line.
func IncLine(result string) {
	JSONLines.WithLabelValues(result).Inc()
	switch result {
	case LineProcessed:
		atomic.AddUint64(&localProcessed, 1)
	case LineIgnored:
		atomic.AddUint64(&localIgnored, 1)
	default:
		atomic.AddUint64(&localDropped, 1)
	}
}

func IncObserverFailure() {
	ObserverFailures.Inc()
	atomic.AddUint64(&localObsFail, 1)
}

func IncMirrorTx() {
	MirrorTxFrames.Inc()
	atomic.AddUint64(&localMirrorTx, 1)
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

func IncMalformed() {
	MalformedFrames.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

// SetConnectionState records the numeric client state.
func SetConnectionState(v int) {
	ConnectionState.Set(float64(v))
	atomic.StoreUint64(&localConnection, uint64(v))
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	for _, lbl := range []string{
		ErrConnect, ErrLinkLost, ErrSend, ErrTCPRead, ErrTCPWrite,
		ErrBLEWrite, ErrMirrorWrite, ErrMirrorOver, ErrSerialCommand,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil {
		return false
	}
	return fn()
}
