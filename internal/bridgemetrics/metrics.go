// Package bridgemetrics exposes Prometheus counters/gauges for the bridge's
// UART/AT/TCP pipeline, plus a cheap local mirror for the periodic text
// summary logged by metrics_logger.go. Adapted from the teacher's
// internal/metrics, renamed for this domain's edges instead of CAN frames.
package bridgemetrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/emile-cronje/at-bridge/internal/bridgelog"
)

var (
	UartRxBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "uart_rx_bytes_total",
		Help: "Total bytes read from the UART.",
	})
	UartTxBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "uart_tx_bytes_total",
		Help: "Total bytes written to the UART.",
	})
	IpdFramesDecoded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ipd_frames_decoded_total",
		Help: "Total +IPD frames successfully extracted from the UART stream.",
	})
	IpdFramesCorrupt = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ipd_frames_corrupt_total",
		Help: "Total +IPD frames discarded due to the corruption guard.",
	})
	TokensResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "at_tokens_resolved_total",
		Help: "Total AT tokens resolved by name (OK, ERROR, FAIL, SEND OK, ...).",
	}, []string{"token"})
	AtCommandsIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "at_commands_issued_total",
		Help: "Total AT commands written to the modem.",
	})
	AtCommandTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "at_command_timeouts_total",
		Help: "Total AT commands that timed out waiting for an expected token.",
	})
	SendsAttempted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sends_attempted_total",
		Help: "Total AT+CIPSEND transactions attempted.",
	})
	SendsSucceeded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sends_succeeded_total",
		Help: "Total AT+CIPSEND transactions that completed with SEND OK.",
	})
	SendsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sends_failed_total",
		Help: "Total AT+CIPSEND transactions that failed (no prompt or no SEND OK).",
	})
	AcksReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "acks_received_total",
		Help: "Total inbound replies matched to a pending message Id.",
	})
	Retries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "retries_total",
		Help: "Total message retries issued after an ack timeout.",
	})
	Abandoned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "abandoned_total",
		Help: "Total messages abandoned after exhausting retries.",
	})
	WatchdogEscalations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "watchdog_escalations_total",
		Help: "Total watchdog escalation steps, by stage.",
	}, []string{"stage"})
	HardResets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hard_resets_total",
		Help: "Total times the modem enable pin was toggled to recover the link.",
	})
	PendingWindow = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pending_window",
		Help: "Current number of in-flight (unacknowledged) message Ids.",
	})
	ConsecFails = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "watchdog_consec_fails",
		Help: "Current consecutive watchdog soft-recovery failure count.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})

	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality).
const (
	ErrUartRead      = "uart_read"
	ErrUartWrite     = "uart_write"
	ErrUartAutodect  = "uart_autodetect"
	ErrAtTimeout     = "at_timeout"
	ErrAtProtocol    = "at_protocol"
	ErrSendOverflow  = "send_overflow"
	ErrDecode        = "decode"
	ErrModemReset    = "modem_reset"
)

// StartHTTP serves Prometheus metrics and a readiness probe on addr.
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
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		bridgelog.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			bridgelog.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for the periodic text log (avoids scraping
// Prometheus in-process just to print a summary).
var (
	localUartRx     uint64
	localUartTx     uint64
	localFrames     uint64
	localCorrupt    uint64
	localSends      uint64
	localSendOK     uint64
	localSendFail   uint64
	localAcks       uint64
	localRetries    uint64
	localAbandoned  uint64
	localHardResets uint64
	localErrors     uint64
	localPending    uint64
)

// Snapshot is a cheap copy of the local counters.
type Snapshot struct {
	UartRx     uint64
	UartTx     uint64
	Frames     uint64
	Corrupt    uint64
	Sends      uint64
	SendOK     uint64
	SendFail   uint64
	Acks       uint64
	Retries    uint64
	Abandoned  uint64
	HardResets uint64
	Errors     uint64
	Pending    uint64
}

func Snap() Snapshot {
	return Snapshot{
		UartRx:     atomic.LoadUint64(&localUartRx),
		UartTx:     atomic.LoadUint64(&localUartTx),
		Frames:     atomic.LoadUint64(&localFrames),
		Corrupt:    atomic.LoadUint64(&localCorrupt),
		Sends:      atomic.LoadUint64(&localSends),
		SendOK:     atomic.LoadUint64(&localSendOK),
		SendFail:   atomic.LoadUint64(&localSendFail),
		Acks:       atomic.LoadUint64(&localAcks),
		Retries:    atomic.LoadUint64(&localRetries),
		Abandoned:  atomic.LoadUint64(&localAbandoned),
		HardResets: atomic.LoadUint64(&localHardResets),
		Errors:     atomic.LoadUint64(&localErrors),
		Pending:    atomic.LoadUint64(&localPending),
	}
}

func AddUartRx(n int) {
	UartRxBytes.Add(float64(n))
	atomic.AddUint64(&localUartRx, uint64(n))
}

func AddUartTx(n int) {
	UartTxBytes.Add(float64(n))
	atomic.AddUint64(&localUartTx, uint64(n))
}

func IncFrameDecoded() {
	IpdFramesDecoded.Inc()
	atomic.AddUint64(&localFrames, 1)
}

func IncFrameCorrupt() {
	IpdFramesCorrupt.Inc()
	atomic.AddUint64(&localCorrupt, 1)
}

func IncToken(token string) { TokensResolved.WithLabelValues(token).Inc() }

func IncCommandIssued() { AtCommandsIssued.Inc() }

func IncCommandTimeout() { AtCommandTimeouts.Inc() }

func IncSendAttempted() {
	SendsAttempted.Inc()
	atomic.AddUint64(&localSends, 1)
}

func IncSendSucceeded() {
	SendsSucceeded.Inc()
	atomic.AddUint64(&localSendOK, 1)
}

func IncSendFailed() {
	SendsFailed.Inc()
	atomic.AddUint64(&localSendFail, 1)
}

func IncAckReceived() {
	AcksReceived.Inc()
	atomic.AddUint64(&localAcks, 1)
}

func IncRetry() {
	Retries.Inc()
	atomic.AddUint64(&localRetries, 1)
}

func IncAbandoned() {
	Abandoned.Inc()
	atomic.AddUint64(&localAbandoned, 1)
}

func IncWatchdogStage(stage string) { WatchdogEscalations.WithLabelValues(stage).Inc() }

// SetConsecFails updates the consecutive-soft-failure gauge.
func SetConsecFails(n int) { ConsecFails.Set(float64(n)) }

func IncHardReset() {
	HardResets.Inc()
	atomic.AddUint64(&localHardResets, 1)
}

func SetPendingWindow(n int) {
	PendingWindow.Set(float64(n))
	atomic.StoreUint64(&localPending, uint64(n))
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// InitBuildInfo sets the build info gauge and pre-registers error/watchdog
// label series so the first occurrence does not pay registration latency.
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	for _, lbl := range []string{
		ErrUartRead, ErrUartWrite, ErrUartAutodect, ErrAtTimeout,
		ErrAtProtocol, ErrSendOverflow, ErrDecode, ErrModemReset,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
	for _, stage := range []string{"escape", "probe", "hard_reset"} {
		WatchdogEscalations.WithLabelValues(stage).Add(0)
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
		return true
	}
	return fn()
}
