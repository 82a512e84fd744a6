package devices

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Publisher is the narrow bus capability the registry and dispatcher
// need, matching the Service Wrapper's exported interface so this
// package never imports internal/wrapper directly (spec §9's
// no-cyclic-reference rule).
type Publisher interface {
	PublishEvent(topic string, payload any) error
	PublishRetained(topic string, payload any) error
}

// CapabilityResolver overlays a device's wire-declared capabilities
// onto a device-type template, so a registering device may omit its
// schema entirely for a recognized device_type (spec §9.1's capability
// catalog). Kept narrow for the same reason as Publisher: this package
// never imports internal/capabilities, which imports this one.
type CapabilityResolver interface {
	Merge(deviceType string, declared map[string]Capability) map[string]Capability
}

// defaultOfflineThreshold is how long a device may go unheard-from
// before SweepOffline marks it offline (spec §3, default 120s).
const defaultOfflineThreshold = 120 * time.Second

// Registry is the Device Registry (C5): the authoritative in-memory
// map of devices, their capability index, and last-seen tracking.
// Rebuilt at startup from retained alicia/devices/+/state messages,
// never from a database (spec §4.5).
type Registry struct {
	mu               sync.RWMutex
	devices          map[string]Device
	byCapability     map[string]map[string]struct{}
	offlineThreshold time.Duration
	pub              Publisher
	log              zerolog.Logger
	resolver         CapabilityResolver
	onlineHook       func(deviceID string)
}

// NewRegistry returns an empty Registry. offlineThreshold <= 0
// defaults to 120s.
func NewRegistry(offlineThreshold time.Duration, pub Publisher, log zerolog.Logger) *Registry {
	if offlineThreshold <= 0 {
		offlineThreshold = defaultOfflineThreshold
	}
	return &Registry{
		devices:          make(map[string]Device),
		byCapability:     make(map[string]map[string]struct{}),
		offlineThreshold: offlineThreshold,
		pub:              pub,
		log:              log,
	}
}

// SetCapabilityResolver wires the device-type capability catalog.
// Optional: nil (the default) means devices must declare their own
// full capability schema on the wire.
func (r *Registry) SetCapabilityResolver(resolver CapabilityResolver) {
	r.mu.Lock()
	r.resolver = resolver
	r.mu.Unlock()
}

// SetOnlineHook registers fn to be called, outside the registry's
// lock, whenever a device transitions from offline (or from
// registered, not yet seen) to online — the
// Command Dispatcher uses this to retry legs left parked at queued
// when the device went offline mid-dispatch (spec §4.6).
func (r *Registry) SetOnlineHook(fn func(deviceID string)) {
	r.mu.Lock()
	r.onlineHook = fn
	r.mu.Unlock()
}

// Register adds or refreshes a device. Registering an existing
// device_id with a different device_type is a Conflict; same-type
// re-registration replaces metadata and capabilities but never
// touches anything Command Queue-owned (spec §4.5, §3). If a
// capability resolver is wired, d's declared capabilities are merged
// over its device_type's catalog template (spec §9.1).
func (r *Registry) Register(d Device) error {
	r.mu.Lock()
	existing, ok := r.devices[d.DeviceID]
	if ok && existing.DeviceType != d.DeviceType {
		r.mu.Unlock()
		return &ConflictError{DeviceID: d.DeviceID, ExistingType: existing.DeviceType, AttemptedType: d.DeviceType}
	}
	if r.resolver != nil {
		d.Capabilities = r.resolver.Merge(d.DeviceType, d.Capabilities)
	}
	if d.Status == "" {
		d.Status = StatusRegistered
	}
	if d.LastSeen.IsZero() {
		d.LastSeen = time.Now()
	}
	if ok {
		r.unindexCapabilities(existing)
	}
	r.devices[d.DeviceID] = d
	r.indexCapabilities(d)
	r.mu.Unlock()

	r.publish("alicia/devices/registered", d)
	r.publishState(d)
	return nil
}

// Unregister removes a device entirely.
func (r *Registry) Unregister(deviceID string) {
	r.mu.Lock()
	if d, ok := r.devices[deviceID]; ok {
		r.unindexCapabilities(d)
		delete(r.devices, deviceID)
	}
	r.mu.Unlock()
}

// Get returns the device by id.
func (r *Registry) Get(deviceID string) (Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[deviceID]
	if !ok {
		return Device{}, &NotFoundError{DeviceID: deviceID}
	}
	return d, nil
}

// IsOnline reports whether deviceID exists and is currently online.
func (r *Registry) IsOnline(deviceID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[deviceID]
	return ok && d.Status == StatusOnline
}

// List returns every device matching filter.
func (r *Registry) List(filter ListFilter) []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Device, 0, len(r.devices))
	for _, d := range r.devices {
		if filter.matches(d) {
			out = append(out, d)
		}
	}
	return out
}

// DevicesWithCapability returns the ids of devices offering name, the
// capability index the Voice Pipeline Orchestrator consults to route
// intents like "turn on the lights" (spec §4.5).
func (r *Registry) DevicesWithCapability(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids, ok := r.byCapability[name]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(ids))
	for id := range ids {
		out = append(out, id)
	}
	return out
}

// Touch updates last_seen and, if the device was offline or only
// registered, marks it online and publishes status_changed.
func (r *Registry) Touch(deviceID string) {
	r.mu.Lock()
	d, ok := r.devices[deviceID]
	if !ok {
		r.mu.Unlock()
		return
	}
	wasOffline := d.Status == StatusOffline || d.Status == StatusRegistered
	d.LastSeen = time.Now()
	if wasOffline {
		d.Status = StatusOnline
	}
	r.devices[deviceID] = d
	hook := r.onlineHook
	r.mu.Unlock()

	r.publishState(d)
	if wasOffline {
		r.publish("alicia/devices/status_changed", statusChange{DeviceID: deviceID, Status: StatusOnline})
		if hook != nil {
			hook(deviceID)
		}
	}
}

// SetStatus explicitly sets a device's status (e.g. faulted from a
// device-reported fault), publishing status_changed on any change.
func (r *Registry) SetStatus(deviceID string, status Status) error {
	r.mu.Lock()
	d, ok := r.devices[deviceID]
	if !ok {
		r.mu.Unlock()
		return &NotFoundError{DeviceID: deviceID}
	}
	wasOffline := d.Status == StatusOffline || d.Status == StatusRegistered
	changed := d.Status != status
	d.Status = status
	r.devices[deviceID] = d
	hook := r.onlineHook
	r.mu.Unlock()

	r.publishState(d)
	if changed {
		r.publish("alicia/devices/status_changed", statusChange{DeviceID: deviceID, Status: status})
		if wasOffline && status == StatusOnline && hook != nil {
			hook(deviceID)
		}
	}
	return nil
}

// SweepOffline marks every device not heard from within the offline
// threshold as offline, publishing status_changed per transition.
// Intended to be called periodically by the owning process.
func (r *Registry) SweepOffline(now time.Time) {
	var changed []Device
	r.mu.Lock()
	for id, d := range r.devices {
		if d.Status == StatusOffline {
			continue
		}
		if now.Sub(d.LastSeen) > r.offlineThreshold {
			d.Status = StatusOffline
			r.devices[id] = d
			changed = append(changed, d)
		}
	}
	r.mu.Unlock()

	for _, d := range changed {
		r.publishState(d)
		r.publish("alicia/devices/status_changed", statusChange{DeviceID: d.DeviceID, Status: StatusOffline})
	}
}

type statusChange struct {
	DeviceID string `json:"device_id"`
	Status   Status `json:"status"`
}

func (r *Registry) publish(topic string, payload any) {
	if r.pub == nil {
		return
	}
	if err := r.pub.PublishEvent(topic, payload); err != nil {
		r.log.Warn().Err(err).Str("topic", topic).Msg("publishing registry event failed")
	}
}

// publishState republishes d's full snapshot retained on
// alicia/devices/<id>/state, the topic a restarted registry rebuilds
// itself from (spec §4.5) — the bus, not a database, is the source of
// truth for what devices exist and their current status.
func (r *Registry) publishState(d Device) {
	if r.pub == nil {
		return
	}
	topic := fmt.Sprintf("alicia/devices/%s/state", d.DeviceID)
	if err := r.pub.PublishRetained(topic, d); err != nil {
		r.log.Warn().Err(err).Str("topic", topic).Msg("publishing retained device state failed")
	}
}

func (r *Registry) indexCapabilities(d Device) {
	for name := range d.Capabilities {
		set, ok := r.byCapability[name]
		if !ok {
			set = make(map[string]struct{})
			r.byCapability[name] = set
		}
		set[d.DeviceID] = struct{}{}
	}
}

func (r *Registry) unindexCapabilities(d Device) {
	for name := range d.Capabilities {
		if set, ok := r.byCapability[name]; ok {
			delete(set, d.DeviceID)
			if len(set) == 0 {
				delete(r.byCapability, name)
			}
		}
	}
}
