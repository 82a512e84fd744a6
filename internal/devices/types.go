// Package devices is the Device Command Plane (spec §4.5/§4.6, C5/C6):
// the Device Registry's authoritative in-memory map and capability
// index, and the per-device FIFO Command Queue & Dispatcher.
package devices

import (
	"fmt"
	"time"
)

// Status is a device's connectivity/health state.
type Status string

const (
	StatusRegistered Status = "registered"
	StatusOnline     Status = "online"
	StatusOffline    Status = "offline"
	StatusFaulted    Status = "faulted"
)

// ParamType is the type a capability parameter's schema constrains
// values to.
type ParamType string

const (
	ParamBool   ParamType = "bool"
	ParamInt    ParamType = "int"
	ParamFloat  ParamType = "float"
	ParamString ParamType = "string"
	ParamEnum   ParamType = "enum"
)

// ParamSchema describes one capability parameter's validation rule.
type ParamSchema struct {
	Name     string    `json:"name" yaml:"name"`
	Type     ParamType `json:"type" yaml:"type"`
	Required bool      `json:"required" yaml:"required"`
	Min      *float64  `json:"min,omitempty" yaml:"min,omitempty"`
	Max      *float64  `json:"max,omitempty" yaml:"max,omitempty"`
	Enum     []string  `json:"enum,omitempty" yaml:"enum,omitempty"`
}

// Capability is a named action a device supports, e.g. turn_on or
// set_brightness, with its parameter schema.
type Capability struct {
	Name       string        `json:"name" yaml:"name"`
	Parameters []ParamSchema `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// Device is the registry's unit of record (spec §3).
type Device struct {
	DeviceID     string                `json:"device_id"`
	DeviceType   string                `json:"device_type"`
	Room         string                `json:"room,omitempty"`
	Capabilities map[string]Capability `json:"capabilities"`
	Status       Status                `json:"status"`
	LastSeen     time.Time             `json:"last_seen"`
	Metadata     map[string]any        `json:"metadata,omitempty"`
}

// HasCapability reports whether name is among d's capabilities.
func (d Device) HasCapability(name string) bool {
	_, ok := d.Capabilities[name]
	return ok
}

// ConflictError is returned by Register when device_id is already
// claimed by a different device_type (spec §4.5).
type ConflictError struct {
	DeviceID      string
	ExistingType  string
	AttemptedType string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("device %q already registered as type %q, cannot re-register as %q",
		e.DeviceID, e.ExistingType, e.AttemptedType)
}

// NotFoundError is returned by operations addressing an unknown
// device_id.
type NotFoundError struct {
	DeviceID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("device %q not found", e.DeviceID)
}

// ListFilter selects devices by type, room, and/or capability; zero
// values are wildcards.
type ListFilter struct {
	DeviceType string
	Room       string
	Capability string
}

func (f ListFilter) matches(d Device) bool {
	if f.DeviceType != "" && d.DeviceType != f.DeviceType {
		return false
	}
	if f.Room != "" && d.Room != f.Room {
		return false
	}
	if f.Capability != "" && !d.HasCapability(f.Capability) {
		return false
	}
	return true
}

// CommandState is one node of a Command's DAG (spec §3): queued ->
// dispatched -> acknowledged -> {completed, failed}, with
// dispatched -> queued the sole permitted back-edge (retry), and
// queued/dispatched -> {timed_out, cancelled} as exits.
type CommandState string

const (
	CommandQueued       CommandState = "queued"
	CommandDispatched   CommandState = "dispatched"
	CommandAcknowledged CommandState = "acknowledged"
	CommandCompleted    CommandState = "completed"
	CommandFailed       CommandState = "failed"
	CommandTimedOut     CommandState = "timed_out"
	CommandCancelled    CommandState = "cancelled"
)

// terminal reports whether s has no further legal transitions.
func (s CommandState) terminal() bool {
	switch s {
	case CommandCompleted, CommandFailed, CommandTimedOut, CommandCancelled:
		return true
	default:
		return false
	}
}

// DeviceOutcome is one target device's progress through dispatch,
// tracked independently per spec §4.6's "commands targeting multiple
// devices are independent per device" rule.
type DeviceOutcome struct {
	DeviceID      string       `json:"device_id"`
	State         CommandState `json:"state"`
	Attempts      int          `json:"attempts"`
	FailureReason string       `json:"failure_reason,omitempty"`
	DispatchedAt  time.Time    `json:"dispatched_at,omitempty"`
	ResolvedAt    time.Time    `json:"resolved_at,omitempty"`
}
