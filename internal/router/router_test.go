package router

import (
	"strings"
	"testing"

	"github.com/alicia-project/alicia-core/internal/busproto"
)

func TestMatchSegments(t *testing.T) {
	tests := []struct {
		name   string
		filter string
		topic  string
		want   bool
	}{
		{"exact_match", "alicia/devices/register", "alicia/devices/register", true},
		{"single_level_wildcard", "alicia/devices/+/state", "alicia/devices/light1/state", true},
		{"single_level_wildcard_no_extra_segment", "alicia/devices/+/state", "alicia/devices/light1/sub/state", false},
		{"multi_level_wildcard", "alicia/health/#", "alicia/health/voice_router", true},
		{"multi_level_wildcard_matches_parent_level", "alicia/health/#", "alicia/health", true},
		{"multi_level_wildcard_deep", "alicia/health/#", "alicia/health/a/b/c", true},
		{"no_match_different_literal", "alicia/devices/register", "alicia/devices/unregister", false},
		{"no_match_shorter_topic", "alicia/devices/+/state", "alicia/devices", false},
		{"no_match_longer_topic_no_wildcard", "alicia/devices/register", "alicia/devices/register/extra", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			filterSegs := strings.Split(tt.filter, "/")
			topicSegs := strings.Split(tt.topic, "/")
			got := matchSegments(filterSegs, topicSegs)
			if got != tt.want {
				t.Errorf("matchSegments(%q, %q) = %v, want %v", tt.filter, tt.topic, got, tt.want)
			}
		})
	}
}

func TestDispatchSpecificityOrder(t *testing.T) {
	r := New()
	var fired []string

	r.Register("alicia/devices/#", func(topic string, env busproto.Envelope) {
		fired = append(fired, "hash")
	})
	r.Register("alicia/devices/+/state", func(topic string, env busproto.Envelope) {
		fired = append(fired, "plus")
	})
	r.Register("alicia/devices/light1/state", func(topic string, env busproto.Envelope) {
		fired = append(fired, "literal")
	})

	r.Dispatch("alicia/devices/light1/state", busproto.Envelope{})

	want := []string{"literal", "plus", "hash"}
	if len(fired) != len(want) {
		t.Fatalf("fired = %v, want %v", fired, want)
	}
	for i := range want {
		if fired[i] != want[i] {
			t.Errorf("fired[%d] = %q, want %q", i, fired[i], want[i])
		}
	}
}

func TestDispatchRegistrationOrderTiebreak(t *testing.T) {
	r := New()
	var fired []string

	r.Register("alicia/devices/light1/state", func(topic string, env busproto.Envelope) {
		fired = append(fired, "first")
	})
	r.Register("alicia/devices/light1/state", func(topic string, env busproto.Envelope) {
		fired = append(fired, "second")
	})

	r.Dispatch("alicia/devices/light1/state", busproto.Envelope{})

	if len(fired) != 2 || fired[0] != "first" || fired[1] != "second" {
		t.Errorf("fired = %v, want [first second]", fired)
	}
}

func TestDispatchUnrouted(t *testing.T) {
	r := New()
	r.Register("alicia/devices/register", func(topic string, env busproto.Envelope) {})

	r.Dispatch("alicia/unknown/topic", busproto.Envelope{})

	if got := r.UnroutedCount(); got != 1 {
		t.Errorf("UnroutedCount() = %d, want 1", got)
	}
}
