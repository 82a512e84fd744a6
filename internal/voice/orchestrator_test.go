package voice

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/alicia-project/alicia-core/internal/busproto"
	"github.com/alicia-project/alicia-core/internal/wrapper"
)

type requesterFunc func(ctx context.Context, destination string, payload any, timeout time.Duration) (busproto.Envelope, error)

func (f requesterFunc) Request(ctx context.Context, destination string, payload any, timeout time.Duration) (busproto.Envelope, error) {
	return f(ctx, destination, payload, timeout)
}

type recordingVoicePublisher struct {
	mu       sync.Mutex
	payloads []map[string]any
}

func (p *recordingVoicePublisher) PublishEvent(topic string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, _ := payload.(map[string]any)
	p.payloads = append(p.payloads, m)
	return nil
}

func (p *recordingVoicePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.payloads)
}

type fakeCommander struct {
	commandID string
	err       error
}

func (f *fakeCommander) PublishCommand(ctx context.Context, deviceIDs []string, capability string, params map[string]any, timeout time.Duration) (string, error) {
	return f.commandID, f.err
}

func envelopeWithPayload(t *testing.T, v any) busproto.Envelope {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal test payload: %v", err)
	}
	return busproto.Envelope{Payload: raw}
}

func waitForVoice(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestHandleVoiceCommandHappyPathNoIntents(t *testing.T) {
	req := requesterFunc(func(ctx context.Context, destination string, payload any, timeout time.Duration) (busproto.Envelope, error) {
		switch destination {
		case "stt_service":
			return envelopeWithPayload(t, sttResponsePayload{Transcript: "turn on the lights", Confidence: 0.9}), nil
		case "ai_service":
			return envelopeWithPayload(t, aiResponsePayload{ResponseText: "Okay."}), nil
		case "tts_service":
			return envelopeWithPayload(t, ttsResponsePayload{Audio: []byte("audio-bytes")}), nil
		}
		return busproto.Envelope{}, errors.New("unexpected destination")
	})
	pub := &recordingVoicePublisher{}
	o := NewOrchestrator(req, &fakeCommander{}, pub, Config{}, zerolog.Nop())

	sessionID, err := o.HandleVoiceCommand(context.Background(), "ref://audio")
	if err != nil {
		t.Fatalf("HandleVoiceCommand() error = %v", err)
	}

	waitForVoice(t, time.Second, func() bool {
		sess, err := o.Store().Get(sessionID)
		return err == nil && sess.State() == StateComplete
	})

	sess, _ := o.Store().Get(sessionID)
	snap := sess.snapshot()
	if snap.ResponseText != "Okay." {
		t.Errorf("ResponseText = %q, want 'Okay.'", snap.ResponseText)
	}
	if pub.count() != 1 {
		t.Errorf("publish count = %d, want 1", pub.count())
	}
}

func TestHandleVoiceCommandSTTEmptyFails(t *testing.T) {
	req := requesterFunc(func(ctx context.Context, destination string, payload any, timeout time.Duration) (busproto.Envelope, error) {
		return envelopeWithPayload(t, sttResponsePayload{Transcript: "", Confidence: 0.9}), nil
	})
	o := NewOrchestrator(req, &fakeCommander{}, &recordingVoicePublisher{}, Config{}, zerolog.Nop())

	sessionID, err := o.HandleVoiceCommand(context.Background(), "ref://audio")
	if err != nil {
		t.Fatalf("HandleVoiceCommand() error = %v", err)
	}

	waitForVoice(t, time.Second, func() bool {
		sess, _ := o.Store().Get(sessionID)
		return sess.State().terminal()
	})

	sess, _ := o.Store().Get(sessionID)
	if sess.State() != StateFailed {
		t.Errorf("State() = %q, want failed", sess.State())
	}
	if sess.snapshot().FailureReason != "stt_empty" {
		t.Errorf("FailureReason = %q, want stt_empty", sess.snapshot().FailureReason)
	}
}

func TestHandleVoiceCommandLowConfidenceFails(t *testing.T) {
	req := requesterFunc(func(ctx context.Context, destination string, payload any, timeout time.Duration) (busproto.Envelope, error) {
		return envelopeWithPayload(t, sttResponsePayload{Transcript: "hello", Confidence: 0.1}), nil
	})
	o := NewOrchestrator(req, &fakeCommander{}, &recordingVoicePublisher{}, Config{STTConfidenceMin: 0.5}, zerolog.Nop())

	sessionID, _ := o.HandleVoiceCommand(context.Background(), "ref://audio")
	waitForVoice(t, time.Second, func() bool {
		sess, _ := o.Store().Get(sessionID)
		return sess.State().terminal()
	})

	sess, _ := o.Store().Get(sessionID)
	if sess.snapshot().FailureReason != "stt_empty" {
		t.Errorf("FailureReason = %q, want stt_empty for below-threshold confidence", sess.snapshot().FailureReason)
	}
}

func TestHandleVoiceCommandRequestErrorFails(t *testing.T) {
	req := requesterFunc(func(ctx context.Context, destination string, payload any, timeout time.Duration) (busproto.Envelope, error) {
		return busproto.Envelope{}, errors.New("transport down")
	})
	o := NewOrchestrator(req, &fakeCommander{}, &recordingVoicePublisher{}, Config{}, zerolog.Nop())

	sessionID, _ := o.HandleVoiceCommand(context.Background(), "ref://audio")
	waitForVoice(t, time.Second, func() bool {
		sess, _ := o.Store().Get(sessionID)
		return sess.State().terminal()
	})

	sess, _ := o.Store().Get(sessionID)
	if sess.State() != StateFailed {
		t.Errorf("State() = %q, want failed", sess.State())
	}
	if sess.snapshot().FailureReason != "stt_request_failed" {
		t.Errorf("FailureReason = %q, want stt_request_failed", sess.snapshot().FailureReason)
	}
}

func TestHandleVoiceCommandSTTTimeoutReportsTimeoutReasonAndEmitsApology(t *testing.T) {
	req := requesterFunc(func(ctx context.Context, destination string, payload any, timeout time.Duration) (busproto.Envelope, error) {
		switch destination {
		case "stt_service":
			return busproto.Envelope{}, wrapper.ErrTimeout
		case "tts_service":
			return envelopeWithPayload(t, ttsResponsePayload{Audio: []byte("sorry-audio")}), nil
		}
		return busproto.Envelope{}, errors.New("unexpected destination")
	})
	pub := &recordingVoicePublisher{}
	o := NewOrchestrator(req, &fakeCommander{}, pub, Config{}, zerolog.Nop())

	sessionID, _ := o.HandleVoiceCommand(context.Background(), "ref://audio")
	waitForVoice(t, time.Second, func() bool {
		sess, _ := o.Store().Get(sessionID)
		return sess.State().terminal()
	})

	sess, _ := o.Store().Get(sessionID)
	if sess.State() != StateFailed {
		t.Fatalf("State() = %q, want failed", sess.State())
	}
	if sess.snapshot().FailureReason != "stt_timeout" {
		t.Errorf("FailureReason = %q, want stt_timeout", sess.snapshot().FailureReason)
	}
	if sess.snapshot().ResponseText != fallbackResponseText {
		t.Errorf("ResponseText = %q, want apology fallback %q", sess.snapshot().ResponseText, fallbackResponseText)
	}
	if pub.count() != 1 {
		t.Errorf("publish count = %d, want 1 (the TTS apology)", pub.count())
	}
}

func TestHandleVoiceCommandApologyNotEmittedWhenTTSAlsoDown(t *testing.T) {
	req := requesterFunc(func(ctx context.Context, destination string, payload any, timeout time.Duration) (busproto.Envelope, error) {
		return busproto.Envelope{}, errors.New("transport down")
	})
	pub := &recordingVoicePublisher{}
	o := NewOrchestrator(req, &fakeCommander{}, pub, Config{}, zerolog.Nop())

	sessionID, _ := o.HandleVoiceCommand(context.Background(), "ref://audio")
	waitForVoice(t, time.Second, func() bool {
		sess, _ := o.Store().Get(sessionID)
		return sess.State().terminal()
	})

	if pub.count() != 0 {
		t.Errorf("publish count = %d, want 0 when TTS is also unreachable", pub.count())
	}
}

func TestHandleVoiceCommandSynchronousIntentSuccess(t *testing.T) {
	req := requesterFunc(func(ctx context.Context, destination string, payload any, timeout time.Duration) (busproto.Envelope, error) {
		switch destination {
		case "stt_service":
			return envelopeWithPayload(t, sttResponsePayload{Transcript: "turn on the lights", Confidence: 0.9}), nil
		case "ai_service":
			return envelopeWithPayload(t, aiResponsePayload{
				ResponseText: "Turning on the lights.",
				Intents: []Intent{{
					DeviceIDs:      []string{"light1"},
					CapabilityName: "turn_on",
					Synchronous:    true,
				}},
			}), nil
		case "device_manager":
			return envelopeWithPayload(t, struct {
				State string `json:"state"`
			}{State: "completed"}), nil
		case "tts_service":
			return envelopeWithPayload(t, ttsResponsePayload{Audio: []byte("ok")}), nil
		}
		return busproto.Envelope{}, errors.New("unexpected destination")
	})
	cmd := &fakeCommander{commandID: "cmd-1"}
	o := NewOrchestrator(req, cmd, &recordingVoicePublisher{}, Config{CommandAckTimeout: time.Second}, zerolog.Nop())

	sessionID, _ := o.HandleVoiceCommand(context.Background(), "ref://audio")
	waitForVoice(t, 2*time.Second, func() bool {
		sess, _ := o.Store().Get(sessionID)
		return sess.State().terminal()
	})

	sess, _ := o.Store().Get(sessionID)
	snap := sess.snapshot()
	if snap.State != StateComplete {
		t.Fatalf("State() = %q, want complete", snap.State)
	}
	if snap.ResponseText != "Turning on the lights." {
		t.Errorf("ResponseText = %q, want original text preserved on success", snap.ResponseText)
	}
	if len(snap.DeviceCommands) != 1 || snap.DeviceCommands[0] != "cmd-1" {
		t.Errorf("DeviceCommands = %v, want [cmd-1]", snap.DeviceCommands)
	}
}

func TestHandleVoiceCommandSynchronousIntentFailureUsesFallback(t *testing.T) {
	req := requesterFunc(func(ctx context.Context, destination string, payload any, timeout time.Duration) (busproto.Envelope, error) {
		switch destination {
		case "stt_service":
			return envelopeWithPayload(t, sttResponsePayload{Transcript: "turn on the lights", Confidence: 0.9}), nil
		case "ai_service":
			return envelopeWithPayload(t, aiResponsePayload{
				ResponseText: "Turning on the lights.",
				Intents: []Intent{{
					DeviceIDs:      []string{"light1"},
					CapabilityName: "turn_on",
					Synchronous:    true,
				}},
			}), nil
		case "device_manager":
			return envelopeWithPayload(t, struct {
				State string `json:"state"`
			}{State: "failed"}), nil
		case "tts_service":
			return envelopeWithPayload(t, ttsResponsePayload{Audio: []byte("ok")}), nil
		}
		return busproto.Envelope{}, errors.New("unexpected destination")
	})
	cmd := &fakeCommander{commandID: "cmd-1"}
	o := NewOrchestrator(req, cmd, &recordingVoicePublisher{}, Config{CommandAckTimeout: time.Second}, zerolog.Nop())

	sessionID, _ := o.HandleVoiceCommand(context.Background(), "ref://audio")
	waitForVoice(t, 2*time.Second, func() bool {
		sess, _ := o.Store().Get(sessionID)
		return sess.State().terminal()
	})

	sess, _ := o.Store().Get(sessionID)
	if sess.snapshot().ResponseText != fallbackResponseText {
		t.Errorf("ResponseText = %q, want fallback %q", sess.snapshot().ResponseText, fallbackResponseText)
	}
}

func TestCancelMarksSessionCancelled(t *testing.T) {
	block := make(chan struct{})
	req := requesterFunc(func(ctx context.Context, destination string, payload any, timeout time.Duration) (busproto.Envelope, error) {
		<-block
		return busproto.Envelope{}, ctx.Err()
	})
	o := NewOrchestrator(req, &fakeCommander{}, &recordingVoicePublisher{}, Config{}, zerolog.Nop())

	sessionID, _ := o.HandleVoiceCommand(context.Background(), "ref://audio")
	waitForVoice(t, time.Second, func() bool {
		sess, _ := o.Store().Get(sessionID)
		return sess.State() == StateSTTPending
	})

	if err := o.Cancel(sessionID); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	close(block)

	sess, _ := o.Store().Get(sessionID)
	if sess.State() != StateCancelled {
		t.Errorf("State() = %q, want cancelled", sess.State())
	}
}

func TestBackpressureRejectsOverCapacity(t *testing.T) {
	block := make(chan struct{})
	req := requesterFunc(func(ctx context.Context, destination string, payload any, timeout time.Duration) (busproto.Envelope, error) {
		<-block
		return busproto.Envelope{}, ctx.Err()
	})
	o := NewOrchestrator(req, &fakeCommander{}, &recordingVoicePublisher{}, Config{MaxConcurrentSessions: 1}, zerolog.Nop())
	defer close(block)

	if _, err := o.HandleVoiceCommand(context.Background(), "ref1"); err != nil {
		t.Fatalf("first HandleVoiceCommand() error = %v", err)
	}
	waitForVoice(t, time.Second, func() bool { return o.Store().ActiveCount() == 1 })

	if _, err := o.HandleVoiceCommand(context.Background(), "ref2"); err == nil {
		t.Fatal("expected ErrServiceBusy for second concurrent session")
	}
}
