// Package metrics exposes the server fleet's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/crusader-net/crusader/internal/logging"
)

var (
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "crusader_sessions_active",
		Help: "Number of test sessions currently registered in the server fleet map.",
	})
	SessionsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crusader_sessions_accepted_total",
		Help: "Total sessions accepted since server start.",
	})
	SessionsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crusader_sessions_rejected_total",
		Help: "Total sessions rejected due to the fleet cap.",
	})
	SessionBytesRx = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crusader_session_bytes_received_total",
		Help: "Bytes received on load streams, labeled by session id.",
	}, []string{"session"})
	SessionBytesTx = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crusader_session_bytes_sent_total",
		Help: "Bytes sent on load streams, labeled by session id.",
	}, []string{"session"})
	TestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "crusader_test_duration_seconds",
		Help:    "Observed wall-clock duration of completed tests.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crusader_errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
)

// Error label constants, kept stable to bound cardinality.
const (
	ErrControlRead  = "control_read"
	ErrControlWrite = "control_write"
	ErrLoadStream   = "load_stream"
	ErrLatencySync  = "latency_sync"
	ErrTimeSync     = "time_sync"
)

// StartHTTP serves /metrics on addr and returns the http.Server so the
// caller can Shutdown it.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logging.L().Info("metrics listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics http server error", "error", err)
		}
	}()
	return srv
}

// IncError increments the error counter for a subsystem label.
func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
}
