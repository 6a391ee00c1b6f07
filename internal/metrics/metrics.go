// Package metrics exposes Prometheus counters/gauges for the TLV
// link, the bridge engine, the RFB front-end and the HID translator,
// following internal/metrics/metrics.go from the teacher near
// verbatim with CAN-specific series swapped for bridge ones.
package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/uartbridge/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TLVFramesRx = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tlv_frames_rx_total",
		Help: "Total TLV frames dispatched from the UART deframer.",
	})
	TLVFramesTx = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tlv_frames_tx_total",
		Help: "Total TLV frames successfully sent over the UART.",
	})
	TLVWouldBlock = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tlv_would_block_total",
		Help: "Total TLV sends rejected because the link is flow-control paused.",
	})
	TLVMalformed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tlv_malformed_total",
		Help: "Total malformed TLV length fields rejected by the deframer.",
	})
	BridgeClients = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bridge_active_clients",
		Help: "Current number of connected clients per bridge.",
	}, []string{"bridge"})
	BridgeRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_rejected_clients_total",
		Help: "Total client connections rejected due to a full slot pool.",
	}, []string{"bridge"})
	BridgeOverflow = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_tx_overflow_total",
		Help: "Total TX overflow events per bridge.",
	}, []string{"bridge"})
	BridgeStuckKill = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_stuck_send_kill_total",
		Help: "Total connections force-disconnected after a stuck send.",
	}, []string{"bridge"})
	BridgeRxOverrun = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_rx_overrun_total",
		Help: "Total connections disconnected for exceeding the RX buffer.",
	}, []string{"bridge"})
	RFBAuthFail = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rfb_auth_failures_total",
		Help: "Total failed RFB authentication attempts.",
	})
	RFBUnknownMsg = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rfb_unknown_message_total",
		Help: "Total RFB sessions terminated for an unrecognised message type.",
	})
	HIDReportsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hid_reports_sent_total",
		Help: "Total HID key/pointer reports sent over the TLV HID channel.",
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

const (
	ErrUARTRead    = "uart_read"
	ErrUARTWrite   = "uart_write"
	ErrTCPRead     = "tcp_read"
	ErrTCPWrite    = "tcp_write"
	ErrHandshake   = "handshake"
	ErrAllocFailed = "alloc_failed"
)

// StartHTTP serves Prometheus metrics at /metrics and a readiness
// probe at /ready, identical in shape to the teacher's StartHTTP.
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
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters, cheap to snapshot for periodic logging
// without scraping Prometheus in-process.
var (
	localTLVRx        uint64
	localTLVTx        uint64
	localTLVWouldBlk  uint64
	localTLVMalformed uint64
	localHIDSent      uint64
	localErrors       uint64
)

type Snapshot struct {
	TLVRx, TLVTx, TLVWouldBlock, TLVMalformed, HIDSent, Errors uint64
}

func Snap() Snapshot {
	return Snapshot{
		TLVRx:         atomic.LoadUint64(&localTLVRx),
		TLVTx:         atomic.LoadUint64(&localTLVTx),
		TLVWouldBlock: atomic.LoadUint64(&localTLVWouldBlk),
		TLVMalformed:  atomic.LoadUint64(&localTLVMalformed),
		HIDSent:       atomic.LoadUint64(&localHIDSent),
		Errors:        atomic.LoadUint64(&localErrors),
	}
}

func IncTLVRx() { TLVFramesRx.Inc(); atomic.AddUint64(&localTLVRx, 1) }
func IncTLVTx() { TLVFramesTx.Inc(); atomic.AddUint64(&localTLVTx, 1) }
func IncTLVWouldBlock() {
	TLVWouldBlock.Inc()
	atomic.AddUint64(&localTLVWouldBlk, 1)
}
func IncTLVMalformed() {
	TLVMalformed.Inc()
	atomic.AddUint64(&localTLVMalformed, 1)
}
func IncHIDSent() { HIDReportsSent.Inc(); atomic.AddUint64(&localHIDSent, 1) }

func SetBridgeClients(bridge string, n int) { BridgeClients.WithLabelValues(bridge).Set(float64(n)) }
func IncBridgeRejected(bridge string)       { BridgeRejected.WithLabelValues(bridge).Inc() }
func IncBridgeOverflow(bridge string)       { BridgeOverflow.WithLabelValues(bridge).Inc() }
func IncBridgeStuckKill(bridge string)      { BridgeStuckKill.WithLabelValues(bridge).Inc() }
func IncBridgeRxOverrun(bridge string)      { BridgeRxOverrun.WithLabelValues(bridge).Inc() }
func IncRFBAuthFail()                       { RFBAuthFail.Inc() }
func IncRFBUnknownMsg()                     { RFBUnknownMsg.Inc() }

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	for _, lbl := range []string{ErrUARTRead, ErrUARTWrite, ErrTCPRead, ErrTCPWrite, ErrHandshake, ErrAllocFailed} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil {
		return true
	}
	return fn()
}
