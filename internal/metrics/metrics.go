// Package metrics is the Health/Metrics Aggregator (spec §4.8, C9):
// per-service counters, a bounded error ring, and the Prometheus/HTTP
// surface every service exposes at GET /metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "alicia"

// Bus counters. BusMessagesProcessedTotal and BusErrorsTotal are
// incremented by Aggregator.RecordMessage/RecordError, and
// EnvelopesDroppedTotal by the Service Wrapper's inbound decode path.
// BusUnroutedTotal and BusPublishesDroppedTotal are registered but not
// incremented by any component; the Topic Router and Bus Client keep
// those counts themselves (UnroutedCount, PublishesDropped).
var (
	BusMessagesProcessedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bus_messages_processed_total",
		Help:      "Total bus messages successfully dispatched to a handler.",
	}, []string{"service", "topic"})

	BusErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bus_errors_total",
		Help:      "Total handler/dispatch errors observed.",
	}, []string{"service"})

	BusUnroutedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bus_unrouted_messages_total",
		Help:      "Total inbound messages with no matching route.",
	}, []string{"service"})

	BusPublishesDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bus_publishes_dropped_total",
		Help:      "Total buffered publishes evicted by ring overflow while disconnected.",
	}, []string{"service"})

	EnvelopesDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "envelopes_dropped_total",
		Help:      "Total envelopes dropped at decode time, by reason.",
	}, []string{"service", "reason"})
)

// HTTP metrics (counter/histogram — incremented by InstrumentHandler).
var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total HTTP requests processed.",
	}, []string{"method", "path_pattern", "status_code"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path_pattern"})

	HTTPResponseSize = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_response_size_bytes",
		Help:      "HTTP response size in bytes.",
		Buckets:   prometheus.ExponentialBuckets(100, 10, 7), // 100B → 100MB
	}, []string{"method", "path_pattern"})
)

func init() {
	prometheus.MustRegister(
		BusMessagesProcessedTotal,
		BusErrorsTotal,
		BusUnroutedTotal,
		BusPublishesDroppedTotal,
		EnvelopesDroppedTotal,
		HTTPRequestsTotal,
		HTTPRequestDuration,
		HTTPResponseSize,
	)
}

// InstrumentHandler returns middleware that records HTTP request metrics.
// It uses chi's route pattern as the path label to avoid cardinality explosion.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(sw, r)

		pattern := chi.RouteContext(r.Context()).RoutePattern()
		if pattern == "" {
			pattern = "unknown"
		}
		method := r.Method
		status := strconv.Itoa(sw.status)
		duration := time.Since(start).Seconds()

		HTTPRequestsTotal.WithLabelValues(method, pattern, status).Inc()
		HTTPRequestDuration.WithLabelValues(method, pattern).Observe(duration)
		HTTPResponseSize.WithLabelValues(method, pattern).Observe(float64(sw.written))
	})
}

// statusWriter wraps http.ResponseWriter to capture status code and bytes written.
type statusWriter struct {
	http.ResponseWriter
	status  int
	written int64
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.written += int64(n)
	return n, err
}

// Unwrap supports http.ResponseController and middleware that check for
// wrapped writers (e.g. http.Flusher for SSE streaming).
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
