// Package fleet is the standalone Health Monitor service's domain
// logic (spec.md §4.8): it ingests every service's heartbeat
// snapshot off alicia/health/<service>, tracks which ones have gone
// quiet, and republishes a fleet-wide view on alicia/health/fleet.
package fleet

import (
	"sync"
	"time"

	"github.com/alicia-project/alicia-core/internal/metrics"
)

// missedHeartbeatsOffline is how many consecutive missed heartbeats
// mark a service offline (spec.md §4.4: "missing 3 consecutive
// heartbeats marks the service as offline").
const missedHeartbeatsOffline = 3

// ServiceStatus is one service's last-known health, as tracked by
// the fleet Aggregator.
type ServiceStatus struct {
	ServiceName  string                 `json:"service_name"`
	Online       bool                   `json:"online"`
	LastSeen     time.Time              `json:"last_seen"`
	MissedBeats  int                    `json:"missed_beats"`
	LastSnapshot metrics.HealthSnapshot `json:"last_snapshot"`
}

// View is the fleet-wide snapshot published on alicia/health/fleet
// and served at GET /health/fleet/stream.
type View struct {
	GeneratedAt time.Time       `json:"generated_at"`
	Services    []ServiceStatus `json:"services"`
}

// Aggregator holds the most recent heartbeat per service and decides
// who has gone offline, given a heartbeat_interval shared fleet-wide
// (the Health Monitor's own config, not each service's own interval —
// spec.md doesn't have services declare their interval to the fleet).
type Aggregator struct {
	mu              sync.Mutex
	heartbeatPeriod time.Duration
	services        map[string]*ServiceStatus
}

// NewAggregator returns an Aggregator that expects a heartbeat from
// every known service at least every heartbeatPeriod.
func NewAggregator(heartbeatPeriod time.Duration) *Aggregator {
	if heartbeatPeriod <= 0 {
		heartbeatPeriod = 30 * time.Second
	}
	return &Aggregator{
		heartbeatPeriod: heartbeatPeriod,
		services:        make(map[string]*ServiceStatus),
	}
}

// Ingest records a fresh heartbeat snapshot from serviceName, marking
// it online and resetting its missed-beat counter.
func (a *Aggregator) Ingest(serviceName string, snap metrics.HealthSnapshot) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.services[serviceName] = &ServiceStatus{
		ServiceName:  serviceName,
		Online:       true,
		LastSeen:     time.Now(),
		MissedBeats:  0,
		LastSnapshot: snap,
	}
}

// Sweep marks any service not heard from in missedHeartbeatsOffline
// periods as offline. Call this roughly once per heartbeat period.
func (a *Aggregator) Sweep(now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range a.services {
		if now.Sub(s.LastSeen) <= a.heartbeatPeriod {
			continue
		}
		missed := int(now.Sub(s.LastSeen)/a.heartbeatPeriod)
		s.MissedBeats = missed
		if missed >= missedHeartbeatsOffline {
			s.Online = false
		}
	}
}

// View returns the current fleet-wide snapshot.
func (a *Aggregator) View() View {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]ServiceStatus, 0, len(a.services))
	for _, s := range a.services {
		out = append(out, *s)
	}
	return View{GeneratedAt: time.Now(), Services: out}
}
