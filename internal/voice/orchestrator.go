package voice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/alicia-project/alicia-core/internal/busproto"
	"github.com/alicia-project/alicia-core/internal/wrapper"
)

// Requester is the one-shot request/response capability the
// orchestrator needs from the Service Wrapper (spec §4.4's
// `request()` operation), kept narrow so this package never imports
// internal/wrapper's bus-owning Client directly.
type Requester interface {
	Request(ctx context.Context, destination string, payload any, timeout time.Duration) (busproto.Envelope, error)
}

// Publisher is the best-effort event publish capability.
type Publisher interface {
	PublishEvent(topic string, payload any) error
}

// DeviceCommander is the Device Command Plane's publish_command
// contract, as exposed by the Service Wrapper (spec §4.4).
type DeviceCommander interface {
	PublishCommand(ctx context.Context, deviceIDs []string, capability string, params map[string]any, timeout time.Duration) (string, error)
}

// Config configures the Pipeline Orchestrator's timeouts, matching
// spec §4.7's named knobs.
type Config struct {
	SessionTimeout        time.Duration
	SessionTTL            time.Duration
	MaxConcurrentSessions int
	STTConfidenceMin      float64
	STTTimeout            time.Duration // per-call budget, spec §5 (default 10s)
	AITimeout             time.Duration // per-call budget, spec §5 (default 10s)
	TTSTimeout            time.Duration // per-call budget, spec §5 (default 8s)
	CommandAckTimeout     time.Duration
}

type sttResponsePayload struct {
	Transcript string  `json:"transcript"`
	Confidence float64 `json:"confidence"`
}

type aiResponsePayload struct {
	ResponseText string   `json:"response_text"`
	Intents      []Intent `json:"intents,omitempty"`
}

type ttsResponsePayload struct {
	Audio []byte `json:"audio"`
}

// Orchestrator is the Pipeline Orchestrator (C8): drives each session
// through idle -> stt_pending -> ai_pending -> [dispatch_pending ->]
// tts_pending -> complete, or to failed/cancelled (spec §4.7).
type Orchestrator struct {
	store     *Store
	requester Requester
	commander DeviceCommander
	publisher Publisher
	cfg       Config
	log       zerolog.Logger
}

// NewOrchestrator wires an Orchestrator over its own Session Store.
func NewOrchestrator(requester Requester, commander DeviceCommander, publisher Publisher, cfg Config, log zerolog.Logger) *Orchestrator {
	if cfg.STTConfidenceMin <= 0 {
		cfg.STTConfidenceMin = 0.4
	}
	if cfg.CommandAckTimeout <= 0 {
		cfg.CommandAckTimeout = 5 * time.Second
	}
	if cfg.STTTimeout <= 0 {
		cfg.STTTimeout = 10 * time.Second
	}
	if cfg.AITimeout <= 0 {
		cfg.AITimeout = 10 * time.Second
	}
	if cfg.TTSTimeout <= 0 {
		cfg.TTSTimeout = 8 * time.Second
	}
	return &Orchestrator{
		store:     NewStore(cfg.SessionTimeout, cfg.SessionTTL, cfg.MaxConcurrentSessions),
		requester: requester,
		commander: commander,
		publisher: publisher,
		cfg:       cfg,
		log:       log,
	}
}

// Store exposes the underlying Session Store (e.g. for GET
// /api/v1/sessions and the TTL sweep).
func (o *Orchestrator) Store() *Store { return o.store }

// HandleVoiceCommand opens a session for an inbound alicia/voice/command
// event and drives it to completion in its own goroutine, returning
// immediately with the session_id (spec §4.7).
func (o *Orchestrator) HandleVoiceCommand(parent context.Context, audioRef string) (string, error) {
	sess, err := o.store.Create()
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithDeadline(parent, sess.Deadline())
	go func() {
		defer cancel()
		o.run(ctx, sess, audioRef)
	}()

	return sess.SessionID, nil
}

// Cancel implements voice.cancel(session_id): any in-flight request is
// abandoned and the session is marked cancelled. In-flight device
// commands are not touched (spec §4.7: "commands are not owned by the
// session once enqueued").
func (o *Orchestrator) Cancel(sessionID string) error {
	sess, err := o.store.Get(sessionID)
	if err != nil {
		return err
	}
	sess.cancel()
	return nil
}

// callTimeout bounds a per-call budget (STT/AI/TTS, spec §5) by
// whatever remains of the session's own deadline, whichever is
// smaller — a healthy session still enforces the tighter of the two.
func callTimeout(budget time.Duration, deadline time.Time) time.Duration {
	if remaining := time.Until(deadline); remaining < budget {
		return remaining
	}
	return budget
}

func (o *Orchestrator) run(ctx context.Context, sess *Session, audioRef string) {
	sess.setState(StateSTTPending)

	sttResp, err := o.requester.Request(ctx, "stt_service", map[string]string{"audio_ref": audioRef}, callTimeout(o.cfg.STTTimeout, sess.Deadline()))
	if err != nil {
		o.terminate(ctx, sess, err, "stt_timeout", "stt_request_failed")
		return
	}
	if o.cancelledOrExpired(sess, ctx) {
		return
	}
	var stt sttResponsePayload
	if err := json.Unmarshal(sttResp.Payload, &stt); err != nil {
		sess.fail("stt_response_malformed")
		return
	}
	if stt.Transcript == "" || stt.Confidence < o.cfg.STTConfidenceMin {
		sess.fail("stt_empty")
		return
	}
	sess.setTranscript(stt.Transcript)

	if o.cancelledOrExpired(sess, ctx) {
		return
	}
	sess.setState(StateAIPending)

	aiResp, err := o.requester.Request(ctx, "ai_service", map[string]string{"transcript": stt.Transcript}, callTimeout(o.cfg.AITimeout, sess.Deadline()))
	if err != nil {
		o.terminate(ctx, sess, err, "ai_timeout", "ai_request_failed")
		return
	}
	if o.cancelledOrExpired(sess, ctx) {
		return
	}
	var ai aiResponsePayload
	if err := json.Unmarshal(aiResp.Payload, &ai); err != nil {
		sess.fail("ai_response_malformed")
		return
	}
	sess.setResponseText(ai.ResponseText)

	if o.cancelledOrExpired(sess, ctx) {
		return
	}

	if len(ai.Intents) > 0 {
		sess.setState(StateDispatchPending)
		o.dispatchIntents(ctx, sess, ai.Intents)
	}

	if o.cancelledOrExpired(sess, ctx) {
		return
	}
	sess.setState(StateTTSPending)

	ttsResp, err := o.requester.Request(ctx, "tts_service", map[string]string{"text": sess.snapshot().ResponseText}, callTimeout(o.cfg.TTSTimeout, sess.Deadline()))
	if err != nil {
		o.terminate(ctx, sess, err, "tts_timeout", "tts_request_failed")
		return
	}
	if o.cancelledOrExpired(sess, ctx) {
		return
	}
	var tts ttsResponsePayload
	if err := json.Unmarshal(ttsResp.Payload, &tts); err != nil {
		sess.fail("tts_response_malformed")
		return
	}
	sess.setResponseAudio(tts.Audio)

	if o.publisher != nil {
		_ = o.publisher.PublishEvent("alicia/voice/response", map[string]any{
			"session_id": sess.SessionID,
			"audio":      tts.Audio,
		})
	}
	sess.setState(StateComplete)
}

// dispatchIntents emits one device command per intent without
// waiting for acks, except an intent marked synchronous: true, which
// blocks until the command's terminal state or command_ack_timeout
// (spec §4.7).
func (o *Orchestrator) dispatchIntents(ctx context.Context, sess *Session, intents []Intent) {
	for _, intent := range intents {
		commandID, err := o.commander.PublishCommand(ctx, intent.DeviceIDs, intent.CapabilityName, intent.Parameters, o.cfg.CommandAckTimeout)
		if err != nil {
			o.log.Warn().Err(err).Str("session_id", sess.SessionID).Msg("device command dispatch failed")
			continue
		}
		sess.addDeviceCommand(commandID)

		if intent.Synchronous {
			state, err := o.awaitCommandTerminal(ctx, commandID)
			if err != nil || !commandSucceeded(state) {
				sess.setResponseText(fallbackResponseText)
			}
		}
	}
}

const fallbackResponseText = "Sorry, I couldn't complete that action."

// awaitCommandTerminal polls the Device Command Plane for commandID's
// state until it reaches a terminal value or command_ack_timeout
// elapses. Polling (rather than a push notification) keeps the
// orchestrator decoupled from the Device Manager process, which owns
// the Command Queue exclusively (spec §3's no-shared-memory rule).
func (o *Orchestrator) awaitCommandTerminal(ctx context.Context, commandID string) (string, error) {
	deadline := time.Now().Add(o.cfg.CommandAckTimeout)
	ticker := time.NewTicker(150 * time.Millisecond)
	defer ticker.Stop()

	for {
		resp, err := o.requester.Request(ctx, "device_manager", map[string]string{"op": "get_command", "command_id": commandID}, time.Until(deadline))
		if err == nil {
			var body struct {
				State string `json:"state"`
			}
			if json.Unmarshal(resp.Payload, &body) == nil && isTerminalCommandState(body.State) {
				return body.State, nil
			}
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("command %s did not reach a terminal state before command_ack_timeout", commandID)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

func isTerminalCommandState(state string) bool {
	switch state {
	case "completed", "failed", "timed_out", "cancelled":
		return true
	default:
		return false
	}
}

func commandSucceeded(state string) bool {
	return state == "completed"
}

// ttsApologyTimeout bounds the best-effort TTS apology call terminate
// makes after a pipeline failure, deliberately independent of the
// session's own (already elapsed) deadline.
const ttsApologyTimeout = 3 * time.Second

// terminate decides between failed and cancelled based on why err
// surfaced: a context cancellation/deadline means the session is
// cancelled, any other transport error is a genuine failure, reported
// as timeoutReason when err is a correlation timeout and failedReason
// otherwise. Before failing the session it makes one best-effort TTS
// call for the fallback apology text, publishing alicia/voice/response
// if TTS answers — the user hears a spoken apology whenever TTS is
// still healthy, and the session just ends silently otherwise
// (spec §7).
func (o *Orchestrator) terminate(ctx context.Context, sess *Session, err error, timeoutReason, failedReason string) {
	if o.cancelledOrExpired(sess, ctx) {
		return
	}
	reason := failedReason
	if errors.Is(err, wrapper.ErrTimeout) {
		reason = timeoutReason
	}
	o.attemptTTSApology(sess)
	sess.fail(reason)
}

// attemptTTSApology makes one best-effort TTS request for
// fallbackResponseText and publishes the result to
// alicia/voice/response. Runs on its own short timeout, independent of
// the failed session's context, since by the time terminate is called
// that deadline has typically already passed.
func (o *Orchestrator) attemptTTSApology(sess *Session) {
	apologyCtx, cancel := context.WithTimeout(context.Background(), ttsApologyTimeout)
	defer cancel()

	resp, err := o.requester.Request(apologyCtx, "tts_service", map[string]string{"text": fallbackResponseText}, ttsApologyTimeout)
	if err != nil {
		return
	}
	var tts ttsResponsePayload
	if err := json.Unmarshal(resp.Payload, &tts); err != nil {
		return
	}
	sess.setResponseText(fallbackResponseText)
	sess.setResponseAudio(tts.Audio)
	if o.publisher != nil {
		_ = o.publisher.PublishEvent("alicia/voice/response", map[string]any{
			"session_id": sess.SessionID,
			"audio":      tts.Audio,
		})
	}
}

// cancelledOrExpired marks sess cancelled (if not already terminal)
// when ctx has been cancelled or its deadline passed, reporting
// whether it did so.
func (o *Orchestrator) cancelledOrExpired(sess *Session, ctx context.Context) bool {
	if sess.State() == StateCancelled {
		return true
	}
	if err := ctx.Err(); errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		sess.cancel()
		return true
	}
	return false
}
