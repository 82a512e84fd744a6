// Package busproto defines the message envelope every bus payload
// conforms to (spec §3, §6.3) and its JSON wire encoding.
package busproto

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MaxEnvelopeBytes is the largest encoded envelope a receiver accepts.
// Larger payloads must use the reference form (a URL, not inline bytes).
const MaxEnvelopeBytes = 256 * 1024

// MessageType is the envelope's message_type field.
type MessageType string

const (
	TypeRequest   MessageType = "request"
	TypeResponse  MessageType = "response"
	TypeEvent     MessageType = "event"
	TypeHeartbeat MessageType = "heartbeat"
	TypeCommand   MessageType = "command"
	TypeError     MessageType = "error"
)

func (t MessageType) valid() bool {
	switch t {
	case TypeRequest, TypeResponse, TypeEvent, TypeHeartbeat, TypeCommand, TypeError:
		return true
	default:
		return false
	}
}

// Envelope is the outer structure of every message on the bus.
type Envelope struct {
	MessageID     string          `json:"message_id"`
	Timestamp     time.Time       `json:"timestamp"`
	Source        string          `json:"source"`
	Destination   string          `json:"destination"`
	MessageType   MessageType     `json:"message_type"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	TTLMS         *int            `json:"ttl_ms,omitempty"`
}

// ValidationError reports the envelope fields that failed validation.
type ValidationError struct {
	Reason string
	Field  string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// NewRequest builds a request envelope with a fresh message_id and
// correlation_id, per the invariant that every request carries a
// fresh correlation_id.
func NewRequest(source, destination string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal request payload: %w", err)
	}
	return Envelope{
		MessageID:     uuid.NewString(),
		Timestamp:     time.Now(),
		Source:        source,
		Destination:   destination,
		MessageType:   TypeRequest,
		CorrelationID: uuid.NewString(),
		Payload:       raw,
	}, nil
}

// Reply builds a response or error envelope echoing req's
// correlation_id, per the invariant that every response/error carries
// the originating correlation_id.
func (e Envelope) Reply(source string, typ MessageType, payload any) (Envelope, error) {
	if typ != TypeResponse && typ != TypeError {
		return Envelope{}, fmt.Errorf("Reply: message_type must be response or error, got %q", typ)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal reply payload: %w", err)
	}
	return Envelope{
		MessageID:     uuid.NewString(),
		Timestamp:     time.Now(),
		Source:        source,
		Destination:   e.Source,
		MessageType:   typ,
		CorrelationID: e.CorrelationID,
		Payload:       raw,
	}, nil
}

// Encode marshals the envelope to its wire form, rejecting anything
// over MaxEnvelopeBytes rather than silently truncating it.
func (e Envelope) Encode() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	if len(b) > MaxEnvelopeBytes {
		return nil, &ValidationError{Field: "payload", Reason: fmt.Sprintf("encoded envelope is %d bytes, exceeds max %d", len(b), MaxEnvelopeBytes)}
	}
	return b, nil
}

// Decode parses and validates a wire-form envelope. Invalid envelopes
// are never handed to a handler; the caller is expected to count and
// drop them (envelopes_dropped_total{reason}).
func Decode(data []byte) (Envelope, error) {
	if len(data) > MaxEnvelopeBytes {
		return Envelope{}, &ValidationError{Reason: fmt.Sprintf("message is %d bytes, exceeds max %d", len(data), MaxEnvelopeBytes)}
	}
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, &ValidationError{Reason: fmt.Sprintf("invalid JSON: %v", err)}
	}
	if err := e.validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

func (e Envelope) validate() error {
	if e.MessageID == "" {
		return &ValidationError{Field: "message_id", Reason: "required"}
	}
	if e.Source == "" {
		return &ValidationError{Field: "source", Reason: "required"}
	}
	if e.Destination == "" {
		return &ValidationError{Field: "destination", Reason: "required"}
	}
	if !e.MessageType.valid() {
		return &ValidationError{Field: "message_type", Reason: fmt.Sprintf("unknown message_type %q", e.MessageType)}
	}
	if (e.MessageType == TypeResponse || e.MessageType == TypeError) && e.CorrelationID == "" {
		return &ValidationError{Field: "correlation_id", Reason: "required on response/error"}
	}
	return nil
}

// Expired reports whether the envelope's age exceeds its TTL, per the
// boundary behavior that TTL 0 drops immediately on receipt.
func (e Envelope) Expired(now time.Time) bool {
	if e.TTLMS == nil {
		return false
	}
	if *e.TTLMS <= 0 {
		return true
	}
	age := now.Sub(e.Timestamp)
	return age > time.Duration(*e.TTLMS)*time.Millisecond
}
