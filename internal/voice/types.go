// Package voice is the Voice Pipeline Orchestrator (spec §4.7, C7/C8):
// the Session Store and the STT -> AI -> TTS state machine driving
// each voice interaction to completion, failure, or cancellation.
package voice

import (
	"sync"
	"time"
)

// State is one node of a voice session's state machine (spec §3,
// §4.7).
type State string

const (
	StateIdle            State = "idle"
	StateSTTPending      State = "stt_pending"
	StateAIPending       State = "ai_pending"
	StateDispatchPending State = "dispatch_pending"
	StateTTSPending      State = "tts_pending"
	StateComplete        State = "complete"
	StateFailed          State = "failed"
	StateCancelled       State = "cancelled"
)

func (s State) terminal() bool {
	switch s {
	case StateComplete, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// Intent is the device-facing half of an AI response (spec §4.7):
// zero or more may accompany response_text, each routed through the
// Device Command Plane.
type Intent struct {
	DeviceIDs      []string       `json:"device_ids"`
	CapabilityName string         `json:"capability_name"`
	Parameters     map[string]any `json:"parameters"`
	Synchronous    bool           `json:"synchronous"`
}

// Session is one voice interaction, from inbound audio to the final
// alicia/voice/response publish (spec §3).
type Session struct {
	SessionID string

	mu            sync.Mutex
	state         State
	transcript    string
	responseText  string
	responseAudio []byte
	deviceCmdIDs  []string
	failureReason string
	createdAt     time.Time
	updatedAt     time.Time
	deadline      time.Time
}

// Snapshot is the read-only view of a Session returned to callers
// (GET /api/v1/sessions/{id}, internal housekeeping).
type Snapshot struct {
	SessionID      string    `json:"session_id"`
	State          State     `json:"state"`
	Transcript     string    `json:"transcript,omitempty"`
	ResponseText   string    `json:"response_text,omitempty"`
	DeviceCommands []string  `json:"device_commands,omitempty"`
	FailureReason  string    `json:"failure_reason,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	Deadline       time.Time `json:"deadline"`
}

func (s *Session) snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		SessionID:      s.SessionID,
		State:          s.state,
		Transcript:     s.transcript,
		ResponseText:   s.responseText,
		DeviceCommands: append([]string(nil), s.deviceCmdIDs...),
		FailureReason:  s.failureReason,
		CreatedAt:      s.createdAt,
		UpdatedAt:      s.updatedAt,
		Deadline:       s.deadline,
	}
}

// Snapshot returns the read-only view of this session, for the
// operator API (GET /api/v1/sessions/{id}).
func (s *Session) Snapshot() Snapshot {
	return s.snapshot()
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Deadline() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deadline
}

// setState changes a session's state field under s.mu, as fail and
// cancel also do, so two transitions for the same session never race
// (spec §4.7's per-session serialization requirement).
func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.updatedAt = time.Now()
	s.mu.Unlock()
}

func (s *Session) setTranscript(t string) {
	s.mu.Lock()
	s.transcript = t
	s.updatedAt = time.Now()
	s.mu.Unlock()
}

func (s *Session) setResponseText(t string) {
	s.mu.Lock()
	s.responseText = t
	s.updatedAt = time.Now()
	s.mu.Unlock()
}

func (s *Session) setResponseAudio(a []byte) {
	s.mu.Lock()
	s.responseAudio = a
	s.updatedAt = time.Now()
	s.mu.Unlock()
}

func (s *Session) addDeviceCommand(id string) {
	s.mu.Lock()
	s.deviceCmdIDs = append(s.deviceCmdIDs, id)
	s.updatedAt = time.Now()
	s.mu.Unlock()
}

func (s *Session) fail(reason string) {
	s.mu.Lock()
	s.state = StateFailed
	s.failureReason = reason
	s.updatedAt = time.Now()
	s.mu.Unlock()
}

func (s *Session) cancel() {
	s.mu.Lock()
	if !s.state.terminal() {
		s.state = StateCancelled
		s.updatedAt = time.Now()
	}
	s.mu.Unlock()
}
