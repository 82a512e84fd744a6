// Package wrapper is the Service Wrapper every Alicia process embeds
// (spec §4.4, C4): the lifecycle state machine around the Bus Client,
// Topic Router, Correlation Tracker, and Health/Metrics Aggregator.
package wrapper

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/alicia-project/alicia-core/internal/bus"
	"github.com/alicia-project/alicia-core/internal/busproto"
	"github.com/alicia-project/alicia-core/internal/correlation"
	"github.com/alicia-project/alicia-core/internal/metrics"
	"github.com/alicia-project/alicia-core/internal/router"
)

// State is one node of the C4 lifecycle state machine.
type State string

const (
	StateCreated      State = "created"
	StateInitializing State = "initializing"
	StateReady        State = "ready"
	StateDegraded     State = "degraded"
	StateStopping     State = "stopping"
	StateStopped      State = "stopped"
	StateFailed       State = "failed"
)

// ErrServiceBusy is a backpressure rejection error for callers of the
// wrapper. The Voice Pipeline's Session Store does not use it; it
// returns its own voice.ErrServiceBusy.
type ErrServiceBusy struct{ Reason string }

func (e *ErrServiceBusy) Error() string { return "service busy: " + e.Reason }

// ErrTimeout is returned by Request when no response arrives before
// the deadline.
var ErrTimeout = fmt.Errorf("request timed out")

// Config configures one Wrapper.
type Config struct {
	ServiceName       string
	BusConfig         bus.Config
	HeartbeatInterval time.Duration
	StartupTimeout    time.Duration
	ShutdownGrace     time.Duration
	DegradedErrorRate int // errors in the last 60s that trip ready -> degraded
	CorrelationSweep  time.Duration
}

// Publisher is the narrow capability collaborators get instead of the
// bus client itself, breaking the service <-> wrapper <-> bus client
// cycle (spec §9).
type Publisher interface {
	PublishEvent(topic string, payload any) error
}

// Requester is the narrow one-shot request/response capability.
type Requester interface {
	Request(ctx context.Context, destination string, payload any, timeout time.Duration) (busproto.Envelope, error)
}

// Wrapper is the lifecycle state machine and bus-facing API every
// service author builds against.
type Wrapper struct {
	cfg Config
	log zerolog.Logger

	bus     *bus.Client
	router  *router.Router
	tracker *correlation.Tracker
	agg     *metrics.Aggregator

	mu        sync.RWMutex
	state     State
	onReadyFn []func() error
	onStopFn  []func()

	respSubsMu sync.Mutex
	respSubs   map[string]struct{}

	instanceID string
	stopCh     chan struct{}
	wg         sync.WaitGroup
}

// New builds a Wrapper in state StateCreated. Call Start to bring it up.
func New(cfg Config, log zerolog.Logger) *Wrapper {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = 30 * time.Second
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 10 * time.Second
	}
	if cfg.DegradedErrorRate <= 0 {
		cfg.DegradedErrorRate = 10
	}

	agg := metrics.NewAggregator(cfg.ServiceName, 0)
	w := &Wrapper{
		cfg:        cfg,
		log:        log.With().Str("service", cfg.ServiceName).Logger(),
		bus:        bus.New(cfg.BusConfig, log),
		router:     router.New(),
		tracker:    correlation.New(),
		agg:        agg,
		state:      StateCreated,
		instanceID: uuid.NewString(),
		stopCh:     make(chan struct{}),
	}

	w.bus.SetMessageHandler(w.onMessage)
	w.bus.SetConnectionStateHandler(w.onConnectionState)
	return w
}

// State returns the wrapper's current lifecycle state.
func (w *Wrapper) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

func (w *Wrapper) setState(s State) {
	w.mu.Lock()
	prev := w.state
	w.state = s
	w.mu.Unlock()
	if prev != s {
		w.log.Info().Str("from", string(prev)).Str("to", string(s)).Msg("lifecycle transition")
	}
}

// RegisterHandler registers a handler under a topic filter. Must be
// called before Start; subscriptions are established during
// initializing -> ready.
func (w *Wrapper) RegisterHandler(filter string, handler router.Handler) {
	w.router.Register(filter, w.recoveringHandler(handler))
}

// recoveringHandler wraps a handler so a panic is recovered, logged,
// and counted rather than crashing the process, mirroring the HTTP
// layer's Recoverer middleware (spec §4.4, §7).
func (w *Wrapper) recoveringHandler(h router.Handler) router.Handler {
	return func(topic string, env busproto.Envelope) {
		defer func() {
			if r := recover(); r != nil {
				w.log.Error().Str("topic", topic).Interface("panic", r).Msg("handler panic recovered")
				w.agg.RecordError(fmt.Errorf("handler panic on %s: %v", topic, r))
			}
		}()
		h(topic, env)
		w.agg.RecordMessage(topic)
	}
}

// OnReady registers a hook invoked once MQTT is connected, all
// declared subscriptions are acknowledged, and prior on_ready hooks
// have returned ok. A returning error fails startup.
func (w *Wrapper) OnReady(fn func() error) {
	w.onReadyFn = append(w.onReadyFn, fn)
}

// OnStop registers a hook invoked when the wrapper begins stopping.
func (w *Wrapper) OnStop(fn func()) {
	w.onStopFn = append(w.onStopFn, fn)
}

// Start transitions created -> initializing -> ready (or failed),
// connects the bus, and starts the correlation sweeper and heartbeat.
func (w *Wrapper) Start(ctx context.Context) error {
	w.setState(StateInitializing)

	connectCtx, cancel := context.WithTimeout(ctx, w.cfg.StartupTimeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- w.bus.Connect() }()

	select {
	case err := <-errCh:
		if err != nil {
			w.setState(StateFailed)
			return fmt.Errorf("starting %s: %w", w.cfg.ServiceName, err)
		}
	case <-connectCtx.Done():
		w.setState(StateFailed)
		return fmt.Errorf("starting %s: %w", w.cfg.ServiceName, connectCtx.Err())
	}

	w.agg.SetMQTTConnected(true)

	for _, filter := range w.router.Filters() {
		if err := w.bus.Subscribe(filter, bus.QoS1); err != nil {
			w.setState(StateFailed)
			return fmt.Errorf("subscribing to %s: %w", filter, err)
		}
	}

	for _, fn := range w.onReadyFn {
		if err := fn(); err != nil {
			w.setState(StateFailed)
			return fmt.Errorf("on_ready hook failed: %w", err)
		}
	}

	w.tracker.Start(ctx, w.cfg.CorrelationSweep)
	w.startHeartbeat()
	w.startDegradedMonitor()

	w.setState(StateReady)
	return nil
}

// Stop transitions to stopping, runs on_stop hooks, and waits up to
// shutdown_grace before forcing stopped.
func (w *Wrapper) Stop(ctx context.Context) error {
	w.setState(StateStopping)
	close(w.stopCh)

	for _, fn := range w.onStopFn {
		fn()
	}

	done := make(chan struct{})
	go func() {
		w.tracker.Stop()
		w.wg.Wait()
		w.bus.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(w.cfg.ShutdownGrace):
		w.log.Warn().Msg("shutdown grace period exceeded, forcing stop")
	}

	w.setState(StateStopped)
	return nil
}

// PublishEvent publishes a best-effort event envelope, QoS0 per
// spec §4.1's discipline.
func (w *Wrapper) PublishEvent(topic string, payload any) error {
	env, err := busproto.NewRequest(w.cfg.ServiceName, "*", payload)
	if err != nil {
		return err
	}
	env.MessageType = busproto.TypeEvent
	env.CorrelationID = ""
	return w.publishEnvelope(topic, env, bus.QoS0, false)
}

// PublishRetained publishes an event envelope retained at QoS0, so the
// broker replays it immediately to the next subscriber. Device state
// and registration topics use this so the Device Registry can rebuild
// itself from the bus alone after a restart (spec §4.5).
func (w *Wrapper) PublishRetained(topic string, payload any) error {
	env, err := busproto.NewRequest(w.cfg.ServiceName, "*", payload)
	if err != nil {
		return err
	}
	env.MessageType = busproto.TypeEvent
	env.CorrelationID = ""
	return w.publishEnvelope(topic, env, bus.QoS0, true)
}

// PublishCommand asks the Device Command Plane to enqueue a command
// and returns the assigned command_id, per spec §4.4's
// publish_command contract.
func (w *Wrapper) PublishCommand(ctx context.Context, deviceIDs []string, capability string, params map[string]any, timeout time.Duration) (string, error) {
	req := map[string]any{
		"device_ids":      deviceIDs,
		"capability_name": capability,
		"parameters":      params,
	}
	resp, err := w.Request(ctx, "device_manager", req, timeout)
	if err != nil {
		return "", err
	}
	var body struct {
		CommandID string `json:"command_id"`
	}
	if err := json.Unmarshal(resp.Payload, &body); err != nil {
		return "", fmt.Errorf("decoding publish_command response: %w", err)
	}
	return body.CommandID, nil
}

// Request performs a one-shot request/response: it synthesizes a
// correlation_id, publishes a request envelope to
// alicia/<destination>/request, and awaits a matching response on
// alicia/<destination>/response within timeout.
func (w *Wrapper) Request(ctx context.Context, destination string, payload any, timeout time.Duration) (busproto.Envelope, error) {
	if err := w.ensureResponseSubscription(destination); err != nil {
		return busproto.Envelope{}, fmt.Errorf("subscribing to %s response topic: %w", destination, err)
	}

	env, err := busproto.NewRequest(w.cfg.ServiceName, destination, payload)
	if err != nil {
		return busproto.Envelope{}, err
	}

	respCh := make(chan correlationResult, 1)
	w.tracker.Register(env.CorrelationID, time.Now().Add(timeout), func(outcome correlation.Outcome, respEnv *busproto.Envelope) {
		respCh <- correlationResult{outcome: outcome, env: respEnv}
	})

	topic := fmt.Sprintf("alicia/%s/request", destination)
	if err := w.publishEnvelope(topic, env, bus.QoS1, false); err != nil {
		w.tracker.Cancel(env.CorrelationID)
		return busproto.Envelope{}, err
	}

	select {
	case res := <-respCh:
		switch res.outcome {
		case correlation.Resolved:
			if res.env.MessageType == busproto.TypeError {
				return *res.env, fmt.Errorf("request to %s returned an error envelope", destination)
			}
			return *res.env, nil
		case correlation.Timeout:
			return busproto.Envelope{}, ErrTimeout
		default:
			return busproto.Envelope{}, fmt.Errorf("request cancelled")
		}
	case <-ctx.Done():
		w.tracker.Cancel(env.CorrelationID)
		return busproto.Envelope{}, ctx.Err()
	}
}

type correlationResult struct {
	outcome correlation.Outcome
	env     *busproto.Envelope
}

// ensureResponseSubscription subscribes to alicia/<destination>/response
// the first time this wrapper requests something of destination; every
// waiter's correlation_id is resolved off the same topic regardless of
// who else is also waiting on it.
func (w *Wrapper) ensureResponseSubscription(destination string) error {
	w.respSubsMu.Lock()
	defer w.respSubsMu.Unlock()
	if w.respSubs == nil {
		w.respSubs = make(map[string]struct{})
	}
	if _, ok := w.respSubs[destination]; ok {
		return nil
	}
	topic := fmt.Sprintf("alicia/%s/response", destination)
	if err := w.bus.Subscribe(topic, bus.QoS1); err != nil {
		return err
	}
	w.respSubs[destination] = struct{}{}
	return nil
}

// Respond publishes a response envelope replying to req, on
// alicia/<service_name>/response — the topic every caller of this
// service subscribes to via Request (spec §4.4). Handlers registered
// against alicia/<service_name>/request call this once they've
// produced a result.
func (w *Wrapper) Respond(req busproto.Envelope, payload any) error {
	env, err := req.Reply(w.cfg.ServiceName, busproto.TypeResponse, payload)
	if err != nil {
		return err
	}
	topic := fmt.Sprintf("alicia/%s/response", w.cfg.ServiceName)
	return w.publishEnvelope(topic, env, bus.QoS1, false)
}

// RespondError publishes an error envelope replying to req.
func (w *Wrapper) RespondError(req busproto.Envelope, reason string) error {
	env, err := req.Reply(w.cfg.ServiceName, busproto.TypeError, map[string]string{"error": reason})
	if err != nil {
		return err
	}
	topic := fmt.Sprintf("alicia/%s/response", w.cfg.ServiceName)
	return w.publishEnvelope(topic, env, bus.QoS1, false)
}

// ReportMetric records a custom service metric, surfaced in the
// health snapshot.
func (w *Wrapper) ReportMetric(name string, value float64) {
	w.agg.ReportMetric(name, value)
}

// Snapshot returns the current health snapshot for GET /health.
func (w *Wrapper) Snapshot() metrics.HealthSnapshot {
	return w.agg.Snapshot()
}

// Aggregator exposes the underlying metrics aggregator, e.g. for a
// prometheus.Collector registration at process startup.
func (w *Wrapper) Aggregator() *metrics.Aggregator {
	return w.agg
}

func (w *Wrapper) publishEnvelope(topic string, env busproto.Envelope, qos bus.QoS, retain bool) error {
	encoded, err := env.Encode()
	if err != nil {
		return err
	}
	return w.bus.Publish(topic, encoded, qos, retain)
}

func (w *Wrapper) onMessage(topic string, payload []byte) {
	env, err := busproto.Decode(payload)
	if err != nil {
		w.agg.RecordError(fmt.Errorf("decoding envelope on %s: %w", topic, err))
		metrics.EnvelopesDroppedTotal.WithLabelValues(w.cfg.ServiceName, "invalid").Inc()
		return
	}
	if env.Expired(time.Now()) {
		metrics.EnvelopesDroppedTotal.WithLabelValues(w.cfg.ServiceName, "ttl_expired").Inc()
		return
	}

	if env.MessageType == busproto.TypeResponse || env.MessageType == busproto.TypeError {
		if env.CorrelationID != "" && w.tracker.Resolve(env.CorrelationID, env) {
			return
		}
	}

	w.router.Dispatch(topic, env)
}

func (w *Wrapper) onConnectionState(connected bool) {
	w.agg.SetMQTTConnected(connected)
	if connected {
		if w.State() == StateDegraded {
			w.setState(StateReady)
		}
		return
	}
	if w.State() == StateReady {
		w.setState(StateDegraded)
	}
}

func (w *Wrapper) startHeartbeat() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-w.stopCh:
				return
			case <-ticker.C:
				snap := w.Snapshot()
				topic := fmt.Sprintf("alicia/health/%s", w.cfg.ServiceName)
				if err := w.publishEnvelope(topic, mustHeartbeatEnvelope(w.cfg.ServiceName, snap), bus.QoS0, true); err != nil {
					w.log.Warn().Err(err).Msg("publishing heartbeat failed")
				}
			}
		}
	}()
}

func mustHeartbeatEnvelope(service string, snap metrics.HealthSnapshot) busproto.Envelope {
	env, err := busproto.NewRequest(service, "*", snap)
	if err != nil {
		// snap always marshals; this is a programmer error, not a
		// runtime condition.
		panic(err)
	}
	env.MessageType = busproto.TypeHeartbeat
	env.CorrelationID = ""
	return env
}

// startDegradedMonitor watches the error-rate threshold independent
// of the MQTT connection state (spec §4.4: "ready -> degraded when
// ... an inbound error-rate threshold is crossed").
func (w *Wrapper) startDegradedMonitor() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-w.stopCh:
				return
			case <-ticker.C:
				errs := w.agg.ErrorsInWindow(60 * time.Second)
				switch {
				case errs > w.cfg.DegradedErrorRate && w.State() == StateReady:
					w.setState(StateDegraded)
				case errs <= w.cfg.DegradedErrorRate && w.State() == StateDegraded && w.agg.MQTTConnected():
					w.setState(StateReady)
				}
			}
		}
	}()
}
