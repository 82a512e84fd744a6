package api

import (
	"encoding/json"
	"net/http"

	"github.com/alicia-project/alicia-core/internal/metrics"
	"github.com/alicia-project/alicia-core/internal/wrapper"
)

// HealthSource is the Service Wrapper's health-facing surface: current
// lifecycle state plus the Health/Metrics Aggregator snapshot (spec
// §4.4/§4.8).
type HealthSource interface {
	State() wrapper.State
	Snapshot() metrics.HealthSnapshot
}

// HealthResponse is GET /health's body: the same shape published to
// alicia/health/<service_name> on every heartbeat, plus the service's
// current lifecycle state.
type HealthResponse struct {
	State             wrapper.State       `json:"state"`
	ServiceName       string              `json:"service_name"`
	UptimeSeconds     float64             `json:"uptime_seconds"`
	MessagesProcessed int64               `json:"messages_processed"`
	Errors            int64               `json:"errors"`
	MQTTConnected     bool                `json:"mqtt_connected"`
	LastError         *metrics.ErrorEntry `json:"last_error,omitempty"`
	CustomMetrics     map[string]float64  `json:"custom_metrics,omitempty"`
}

// HealthHandler serves GET /health, every service process's
// unauthenticated liveness/readiness probe.
type HealthHandler struct {
	source HealthSource
}

func NewHealthHandler(source HealthSource) *HealthHandler {
	return &HealthHandler{source: source}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	state := h.source.State()
	snap := h.source.Snapshot()

	httpStatus := http.StatusOK
	switch state {
	case wrapper.StateDegraded:
		httpStatus = http.StatusOK // degraded is still serving traffic
	case wrapper.StateFailed, wrapper.StateStopping, wrapper.StateStopped:
		httpStatus = http.StatusServiceUnavailable
	case wrapper.StateInitializing, wrapper.StateCreated:
		httpStatus = http.StatusServiceUnavailable
	}

	resp := HealthResponse{
		State:             state,
		ServiceName:       snap.ServiceName,
		UptimeSeconds:     snap.UptimeSeconds,
		MessagesProcessed: snap.MessagesProcessed,
		Errors:            snap.Errors,
		MQTTConnected:     snap.MQTTConnected,
		LastError:         snap.LastError,
		CustomMetrics:     snap.CustomMetrics,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(resp)
}
