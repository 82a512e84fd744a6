package busproto

import (
	"encoding/json"
	"testing"
	"time"
)

func TestDecodeValidation(t *testing.T) {
	valid := Envelope{
		MessageID:   "m1",
		Timestamp:   time.Now(),
		Source:      "voice_router",
		Destination: "device_manager",
		MessageType: TypeEvent,
	}
	validBytes, err := json.Marshal(valid)
	if err != nil {
		t.Fatalf("marshal valid envelope: %v", err)
	}

	tests := []struct {
		name    string
		data    []byte
		wantErr bool
	}{
		{"well_formed_event", validBytes, false},
		{
			"missing_message_id",
			mustJSON(t, Envelope{Source: "s", Destination: "d", MessageType: TypeEvent}),
			true,
		},
		{
			"missing_source",
			mustJSON(t, Envelope{MessageID: "m1", Destination: "d", MessageType: TypeEvent}),
			true,
		},
		{
			"unknown_message_type",
			mustJSON(t, Envelope{MessageID: "m1", Source: "s", Destination: "d", MessageType: "bogus"}),
			true,
		},
		{
			"response_without_correlation_id",
			mustJSON(t, Envelope{MessageID: "m1", Source: "s", Destination: "d", MessageType: TypeResponse}),
			true,
		},
		{"not_json", []byte("not json"), true},
		{"empty", []byte(""), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.data)
			if (err != nil) != tt.wantErr {
				t.Errorf("Decode() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDecodeOversized(t *testing.T) {
	payload := make([]byte, MaxEnvelopeBytes+1)
	_, err := Decode(payload)
	if err == nil {
		t.Fatal("expected error for oversized message")
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	orig, err := NewRequest("voice_router", "stt_adapter", map[string]string{"audio_ref": "mem://u1"})
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}

	encoded, err := orig.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if decoded.MessageID != orig.MessageID {
		t.Errorf("MessageID = %q, want %q", decoded.MessageID, orig.MessageID)
	}
	if decoded.CorrelationID != orig.CorrelationID {
		t.Errorf("CorrelationID = %q, want %q", decoded.CorrelationID, orig.CorrelationID)
	}
	if decoded.MessageType != orig.MessageType {
		t.Errorf("MessageType = %q, want %q", decoded.MessageType, orig.MessageType)
	}
	if string(decoded.Payload) != string(orig.Payload) {
		t.Errorf("Payload = %s, want %s", decoded.Payload, orig.Payload)
	}
}

func TestReplyEchoesCorrelationID(t *testing.T) {
	req, err := NewRequest("voice_router", "stt_adapter", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}

	resp, err := req.Reply("stt_adapter", TypeResponse, map[string]string{"transcript": "hello"})
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if resp.CorrelationID != req.CorrelationID {
		t.Errorf("CorrelationID = %q, want %q", resp.CorrelationID, req.CorrelationID)
	}
	if resp.Destination != req.Source {
		t.Errorf("Destination = %q, want %q", resp.Destination, req.Source)
	}

	if _, err := req.Reply("stt_adapter", TypeEvent, nil); err == nil {
		t.Error("Reply with TypeEvent should be rejected")
	}
}

func TestExpired(t *testing.T) {
	now := time.Now()
	zero := 0
	ten := 10000

	tests := []struct {
		name string
		env  Envelope
		want bool
	}{
		{"no_ttl_never_expires", Envelope{Timestamp: now.Add(-time.Hour)}, false},
		{"ttl_zero_drops_immediately", Envelope{Timestamp: now, TTLMS: &zero}, true},
		{"within_ttl", Envelope{Timestamp: now, TTLMS: &ten}, false},
		{"past_ttl", Envelope{Timestamp: now.Add(-20 * time.Second), TTLMS: &ten}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.env.Expired(now); got != tt.want {
				t.Errorf("Expired() = %v, want %v", got, tt.want)
			}
		})
	}
}

func mustJSON(t *testing.T, e Envelope) []byte {
	t.Helper()
	b, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}
