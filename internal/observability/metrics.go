package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dsplink",
			Subsystem: "admin",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dsplink",
			Subsystem: "admin",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	channelTransfers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dsplink",
			Subsystem: "channel",
			Name:      "transfers_total",
			Help:      "Channel buffer transfers by direction and outcome.",
		},
		[]string{"role", "direction", "outcome"},
	)
	channelBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dsplink",
			Subsystem: "channel",
			Name:      "bytes_total",
			Help:      "Bytes moved through the shared control block.",
		},
		[]string{"role", "direction"},
	)
	dpcRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dsplink",
			Subsystem: "irq",
			Name:      "dpc_runs_total",
			Help:      "Deferred processing runs and coalesced interrupts.",
		},
		[]string{"role", "kind"},
	)
	msgqOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dsplink",
			Subsystem: "msgq",
			Name:      "operations_total",
			Help:      "Message queue operations by outcome.",
		},
		[]string{"proc", "op", "outcome"},
	)
	locateOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dsplink",
			Subsystem: "mqt",
			Name:      "locates_total",
			Help:      "Queue locate attempts by transport kind, mode and outcome.",
		},
		[]string{"transport", "mode", "outcome"},
	)
	transportFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dsplink",
			Subsystem: "mqt",
			Name:      "frames_total",
			Help:      "Frames moved by the remote transport by kind and direction.",
		},
		[]string{"kind", "direction"},
	)
	handshakeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dsplink",
			Subsystem: "scb",
			Name:      "handshake_duration_seconds",
			Help:      "Time spent waiting for the peer handshake token.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		},
		[]string{"role", "success"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			channelTransfers,
			channelBytes,
			dpcRuns,
			msgqOps,
			locateOutcomes,
			transportFrames,
			handshakeDuration,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

// RecordTransfer counts one completed, cancelled or failed channel request.
func RecordTransfer(role, direction, outcome string, bytes int) {
	RegisterMetrics()
	channelTransfers.WithLabelValues(role, direction, outcome).Inc()
	if bytes > 0 {
		channelBytes.WithLabelValues(role, direction).Add(float64(bytes))
	}
}

func RecordDPC(role string, coalesced bool) {
	RegisterMetrics()
	kind := "run"
	if coalesced {
		kind = "coalesced"
	}
	dpcRuns.WithLabelValues(role, kind).Inc()
}

func RecordMsgqOp(proc uint16, op string, err error) {
	RegisterMetrics()
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	msgqOps.WithLabelValues(strconv.Itoa(int(proc)), op, outcome).Inc()
}

// RecordLocate counts one locate; outcome is found, not_found, timeout or error.
func RecordLocate(transport, mode, outcome string) {
	RegisterMetrics()
	locateOutcomes.WithLabelValues(transport, mode, outcome).Inc()
}

func RecordFrame(kind, direction string) {
	RegisterMetrics()
	transportFrames.WithLabelValues(kind, direction).Inc()
}

func ObserveHandshake(role string, duration time.Duration, success bool) {
	RegisterMetrics()
	handshakeDuration.WithLabelValues(role, strconv.FormatBool(success)).Observe(duration.Seconds())
}
