package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// ErrorEntry is one recent error retained for /health and operator
// inspection.
type ErrorEntry struct {
	Time    time.Time `json:"time"`
	Message string    `json:"message"`
}

// HealthSnapshot is the payload published to alicia/health/<service>
// every heartbeat_interval and returned by GET /health (spec §3, §4.8).
type HealthSnapshot struct {
	ServiceName       string             `json:"service_name"`
	UptimeSeconds     float64            `json:"uptime_seconds"`
	MessagesProcessed int64              `json:"messages_processed"`
	Errors            int64              `json:"errors"`
	MQTTConnected     bool               `json:"mqtt_connected"`
	LastError         *ErrorEntry        `json:"last_error,omitempty"`
	CustomMetrics     map[string]float64 `json:"custom_metrics,omitempty"`
}

const defaultErrorRingSize = 20

// degradedWindow is the trailing window over which the Service
// Wrapper counts errors for the >10-errors-in-60s degraded threshold
// (spec §4.4).
const degradedWindow = 60 * time.Second

// Aggregator accumulates the per-service counters and bounded error
// ring the Health/Metrics Aggregator (C9) publishes. One Aggregator
// per service process.
type Aggregator struct {
	serviceName string
	startedAt   time.Time

	messagesProcessed atomic.Int64
	errorsTotal       atomic.Int64
	mqttConnected     atomic.Bool

	mu            sync.Mutex
	topicHits     map[string]int64
	errorRing     []ErrorEntry
	ringHead      int
	ringLen       int
	ringCap       int
	customMetrics map[string]float64
}

// NewAggregator returns an Aggregator for serviceName. ringSize <= 0
// defaults to 20.
func NewAggregator(serviceName string, ringSize int) *Aggregator {
	if ringSize <= 0 {
		ringSize = defaultErrorRingSize
	}
	return &Aggregator{
		serviceName:   serviceName,
		startedAt:     time.Now(),
		topicHits:     make(map[string]int64),
		errorRing:     make([]ErrorEntry, ringSize),
		ringCap:       ringSize,
		customMetrics: make(map[string]float64),
	}
}

// RecordMessage counts a successfully dispatched message for topic.
func (a *Aggregator) RecordMessage(topic string) {
	a.messagesProcessed.Add(1)
	a.mu.Lock()
	a.topicHits[topic]++
	a.mu.Unlock()
	BusMessagesProcessedTotal.WithLabelValues(a.serviceName, topic).Inc()
}

// RecordError counts err and retains it in the bounded ring, used both
// for GET /health's last_error and the degraded-threshold check
// (>10 errors in the last 60s, spec §4.4).
func (a *Aggregator) RecordError(err error) {
	a.errorsTotal.Add(1)
	a.mu.Lock()
	idx := (a.ringHead + a.ringLen) % a.ringCap
	a.errorRing[idx] = ErrorEntry{Time: time.Now(), Message: err.Error()}
	if a.ringLen == a.ringCap {
		a.ringHead = (a.ringHead + 1) % a.ringCap
	} else {
		a.ringLen++
	}
	a.mu.Unlock()
	BusErrorsTotal.WithLabelValues(a.serviceName).Inc()
}

// ErrorsInWindow counts ring-retained errors newer than window. Used
// by the Service Wrapper to evaluate the degraded threshold.
func (a *Aggregator) ErrorsInWindow(window time.Duration) int {
	cutoff := time.Now().Add(-window)
	a.mu.Lock()
	defer a.mu.Unlock()
	count := 0
	for i := 0; i < a.ringLen; i++ {
		e := a.errorRing[(a.ringHead+i)%a.ringCap]
		if e.Time.After(cutoff) {
			count++
		}
	}
	return count
}

// SetMQTTConnected records the transport's current connection state.
func (a *Aggregator) SetMQTTConnected(connected bool) {
	a.mqttConnected.Store(connected)
}

// ReportMetric records an arbitrary named gauge, the Service Wrapper's
// report_metric(name, value) operation.
func (a *Aggregator) ReportMetric(name string, value float64) {
	a.mu.Lock()
	a.customMetrics[name] = value
	a.mu.Unlock()
}

// Uptime is the duration since the Aggregator was created.
func (a *Aggregator) Uptime() time.Duration {
	return time.Since(a.startedAt)
}

// MessagesProcessed returns the all-time count of dispatched messages.
func (a *Aggregator) MessagesProcessed() int64 {
	return a.messagesProcessed.Load()
}

// ErrorCount returns the all-time count of recorded errors.
func (a *Aggregator) ErrorCount() int64 {
	return a.errorsTotal.Load()
}

// MQTTConnected reports the last-recorded transport state.
func (a *Aggregator) MQTTConnected() bool {
	return a.mqttConnected.Load()
}

// TopicHits returns a snapshot of per-topic message counts.
func (a *Aggregator) TopicHits() map[string]int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]int64, len(a.topicHits))
	for k, v := range a.topicHits {
		out[k] = v
	}
	return out
}

// Snapshot builds the HealthSnapshot published on every heartbeat and
// served at GET /health.
func (a *Aggregator) Snapshot() HealthSnapshot {
	a.mu.Lock()
	var lastErr *ErrorEntry
	if a.ringLen > 0 {
		e := a.errorRing[(a.ringHead+a.ringLen-1)%a.ringCap]
		lastErr = &e
	}
	custom := make(map[string]float64, len(a.customMetrics))
	for k, v := range a.customMetrics {
		custom[k] = v
	}
	a.mu.Unlock()

	return HealthSnapshot{
		ServiceName:       a.serviceName,
		UptimeSeconds:     a.Uptime().Seconds(),
		MessagesProcessed: a.MessagesProcessed(),
		Errors:            a.ErrorCount(),
		MQTTConnected:     a.MQTTConnected(),
		LastError:         lastErr,
		CustomMetrics:     custom,
	}
}
