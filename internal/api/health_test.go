package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicia-project/alicia-core/internal/metrics"
	"github.com/alicia-project/alicia-core/internal/wrapper"
)

type fakeHealthSource struct {
	state wrapper.State
	snap  metrics.HealthSnapshot
}

func (f fakeHealthSource) State() wrapper.State             { return f.state }
func (f fakeHealthSource) Snapshot() metrics.HealthSnapshot { return f.snap }

func TestHealthHandlerServeHTTP(t *testing.T) {
	tests := []struct {
		name       string
		state      wrapper.State
		wantStatus int
	}{
		{"ready_is_200", wrapper.StateReady, http.StatusOK},
		{"degraded_is_still_200", wrapper.StateDegraded, http.StatusOK},
		{"stopped_is_503", wrapper.StateStopped, http.StatusServiceUnavailable},
		{"failed_is_503", wrapper.StateFailed, http.StatusServiceUnavailable},
		{"initializing_is_503", wrapper.StateInitializing, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthHandler(fakeHealthSource{
				state: tt.state,
				snap: metrics.HealthSnapshot{
					ServiceName:       "voice-router",
					UptimeSeconds:     120.5,
					MessagesProcessed: 42,
					Errors:            1,
					MQTTConnected:     true,
				},
			})

			rec := httptest.NewRecorder()
			req := httptest.NewRequest("GET", "/health", nil)
			h.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}

			var body HealthResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("response not valid JSON: %v", err)
			}
			if body.ServiceName != "voice-router" {
				t.Errorf("ServiceName = %q, want voice-router", body.ServiceName)
			}
			if body.State != tt.state {
				t.Errorf("State = %q, want %q", body.State, tt.state)
			}
		})
	}
}

func TestHealthHandlerIncludesLastError(t *testing.T) {
	h := NewHealthHandler(fakeHealthSource{
		state: wrapper.StateDegraded,
		snap: metrics.HealthSnapshot{
			ServiceName: "device-manager",
			LastError:   &metrics.ErrorEntry{Message: "mqtt publish timeout"},
		},
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health", nil)
	h.ServeHTTP(rec, req)

	var body HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("response not valid JSON: %v", err)
	}
	if body.LastError == nil || body.LastError.Message != "mqtt publish timeout" {
		t.Errorf("LastError = %v, want message mqtt publish timeout", body.LastError)
	}
}
