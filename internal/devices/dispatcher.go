package devices

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// EnqueueRequest is the Command Queue's enqueue operation input
// (spec §4.6).
type EnqueueRequest struct {
	DeviceIDs      []string
	CapabilityName string
	Parameters     map[string]any
	AllowOffline   bool
}

// AckTimeoutDefault is command_ack_timeout's default (spec §4.6).
const AckTimeoutDefault = 5 * time.Second

// MaxAttemptsDefault is max_attempts' default (spec §3).
const MaxAttemptsDefault = 3

// retryBackoff is the fixed exponential schedule spec §4.6 names:
// 1s, 2s, 4s for the 2nd, 3rd, 4th attempt respectively.
var retryBackoff = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}

func (d *Dispatcher) backoffFor(attempt int) time.Duration {
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(d.backoff) {
		idx = len(d.backoff) - 1
	}
	return d.backoff[idx]
}

// SetBackoff overrides the retry backoff schedule. Tests use this to
// shrink 1s/2s/4s down to something that doesn't make the suite slow.
func (d *Dispatcher) SetBackoff(schedule []time.Duration) {
	d.backoff = schedule
}

// ack is what the ack topic handler feeds back to a waiting
// dispatch attempt.
type ack struct {
	success bool
	reason  string
}

// item is one device's leg of an enqueued command, queued FIFO on its
// device's worker.
type item struct {
	cmd        *trackedCommand
	attempts   int
	maxRetries int
}

// trackedCommand is a Command plus the mutable, concurrency-safe
// per-device outcome map the dispatcher updates as each device's leg
// resolves.
type trackedCommand struct {
	id             string
	deviceIDs      []string
	capabilityName string
	parameters     map[string]any
	createdAt      time.Time

	mu         sync.Mutex
	outcomes   map[string]DeviceOutcome
	resolvedAt time.Time
}

func (c *trackedCommand) setOutcome(o DeviceOutcome) {
	c.mu.Lock()
	c.outcomes[o.DeviceID] = o
	c.mu.Unlock()
}

// Snapshot returns the command's public view: per-device outcomes and
// an aggregate state, completed only if every device completed,
// failed if any device's leg ended failed, timed_out if no leg failed
// but at least one exhausted its attempts without an ack (spec §4.6).
func (c *trackedCommand) Snapshot() Command {
	c.mu.Lock()
	defer c.mu.Unlock()

	outcomes := make([]DeviceOutcome, 0, len(c.outcomes))
	allTerminal := true
	anyFailed := false
	anyTimedOut := false
	for _, id := range c.deviceIDs {
		o := c.outcomes[id]
		outcomes = append(outcomes, o)
		if !o.State.terminal() {
			allTerminal = false
		}
		if o.State == CommandFailed {
			anyFailed = true
		}
		if o.State == CommandTimedOut {
			anyTimedOut = true
		}
	}

	state := CommandQueued
	switch {
	case allTerminal && anyFailed:
		state = CommandFailed
	case allTerminal && anyTimedOut:
		state = CommandTimedOut
	case allTerminal:
		state = CommandCompleted
	default:
		// at least one leg is non-terminal; report the state of the
		// first non-terminal leg, in device_ids order, as the aggregate.
		for _, o := range outcomes {
			if !o.State.terminal() {
				state = o.State
				break
			}
		}
	}

	return Command{
		CommandID:      c.id,
		DeviceIDs:      c.deviceIDs,
		CapabilityName: c.capabilityName,
		Parameters:     c.parameters,
		State:          state,
		CreatedAt:      c.createdAt,
		ResolvedAt:     c.resolvedAt,
		Outcomes:       outcomes,
	}
}

// Command is the Command Queue's public, read-only view of a tracked
// command (spec §3).
type Command struct {
	CommandID      string          `json:"command_id"`
	DeviceIDs      []string        `json:"device_ids"`
	CapabilityName string          `json:"capability_name"`
	Parameters     map[string]any  `json:"parameters"`
	State          CommandState    `json:"state"`
	CreatedAt      time.Time       `json:"created_at"`
	ResolvedAt     time.Time       `json:"resolved_at,omitempty"`
	Outcomes       []DeviceOutcome `json:"outcomes"`
}

// Dispatcher is the Command Queue & Dispatcher (C6): one FIFO queue
// and one logical worker per device, unbounded fan-out across
// devices (spec §4.6).
type Dispatcher struct {
	registry   *Registry
	pub        Publisher
	ackTimeout time.Duration
	backoff    []time.Duration
	log        zerolog.Logger
	auditFn    func(Command)

	mu       sync.Mutex
	commands map[string]*trackedCommand
	queues   map[string]chan *item
	pending  map[string]chan ack // key: deviceID + "|" + commandID

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
}

// NewDispatcher returns a Dispatcher publishing commands through pub
// and consulting registry for device status. ackTimeout <= 0 defaults
// to 5s.
func NewDispatcher(registry *Registry, pub Publisher, ackTimeout time.Duration, log zerolog.Logger) *Dispatcher {
	if ackTimeout <= 0 {
		ackTimeout = AckTimeoutDefault
	}
	return &Dispatcher{
		registry:   registry,
		pub:        pub,
		ackTimeout: ackTimeout,
		backoff:    retryBackoff,
		log:        log,
		commands:   make(map[string]*trackedCommand),
		queues:     make(map[string]chan *item),
		pending:    make(map[string]chan ack),
		limiters:   make(map[string]*rate.Limiter),
	}
}

// SetAuditHook registers a callback invoked once per command reaching
// a terminal aggregate state, the optional write-behind audit trail
// hook (SPEC_FULL §9.2).
func (d *Dispatcher) SetAuditHook(fn func(Command)) {
	d.auditFn = fn
}

// Enqueue validates and queues a command per spec §4.6's three-step
// enqueue operation, returning the assigned command_id.
func (d *Dispatcher) Enqueue(req EnqueueRequest) (string, error) {
	if len(req.DeviceIDs) == 0 {
		return "", fmt.Errorf("enqueue: device_ids must be non-empty")
	}

	for _, id := range req.DeviceIDs {
		dev, err := d.registry.Get(id)
		if err != nil {
			return "", err
		}
		if dev.Status == StatusOffline && !req.AllowOffline {
			return "", fmt.Errorf("device %q is offline", id)
		}
		capability, ok := dev.Capabilities[req.CapabilityName]
		if !ok {
			return "", fmt.Errorf("device %q does not support capability %q", id, req.CapabilityName)
		}
		if verr := validateParameters(capability, req.Parameters); verr != nil {
			return "", verr
		}
	}

	cmd := &trackedCommand{
		id:             uuid.NewString(),
		deviceIDs:      req.DeviceIDs,
		capabilityName: req.CapabilityName,
		parameters:     req.Parameters,
		createdAt:      time.Now(),
		outcomes:       make(map[string]DeviceOutcome),
	}
	for _, id := range req.DeviceIDs {
		cmd.setOutcome(DeviceOutcome{DeviceID: id, State: CommandQueued})
	}

	d.mu.Lock()
	d.commands[cmd.id] = cmd
	d.mu.Unlock()

	for _, id := range req.DeviceIDs {
		d.push(id, &item{cmd: cmd, maxRetries: MaxAttemptsDefault})
	}

	return cmd.id, nil
}

// Get returns a command's current snapshot.
func (d *Dispatcher) Get(commandID string) (Command, error) {
	d.mu.Lock()
	cmd, ok := d.commands[commandID]
	d.mu.Unlock()
	if !ok {
		return Command{}, fmt.Errorf("command %q not found", commandID)
	}
	return cmd.Snapshot(), nil
}

// Ack resolves the in-flight attempt for deviceID+commandID with the
// outcome carried on alicia/devices/<device_id>/ack.
func (d *Dispatcher) Ack(deviceID, commandID string, success bool, reason string) {
	d.mu.Lock()
	ch, ok := d.pending[deviceID+"|"+commandID]
	d.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- ack{success: success, reason: reason}:
	default:
	}
}

// Requeue re-enqueues every tracked command whose leg for deviceID is
// still parked at queued — left there by process when it found the
// device offline mid-dispatch — now that the device is back online,
// so it is retried on reconnect rather than stalling forever
// (spec §4.6).
func (d *Dispatcher) Requeue(deviceID string) {
	d.mu.Lock()
	commands := make([]*trackedCommand, 0, len(d.commands))
	for _, cmd := range d.commands {
		commands = append(commands, cmd)
	}
	d.mu.Unlock()

	for _, cmd := range commands {
		cmd.mu.Lock()
		o, ok := cmd.outcomes[deviceID]
		resolved := !cmd.resolvedAt.IsZero()
		cmd.mu.Unlock()
		if !ok || o.State != CommandQueued || resolved {
			continue
		}
		d.push(deviceID, &item{cmd: cmd, attempts: o.Attempts, maxRetries: MaxAttemptsDefault})
	}
}

func (d *Dispatcher) push(deviceID string, it *item) {
	d.mu.Lock()
	ch, ok := d.queues[deviceID]
	if !ok {
		ch = make(chan *item, 256)
		d.queues[deviceID] = ch
		d.mu.Unlock()
		go d.runQueue(deviceID, ch)
	} else {
		d.mu.Unlock()
	}
	ch <- it
}

func (d *Dispatcher) limiterFor(deviceID string) *rate.Limiter {
	d.limiterMu.Lock()
	defer d.limiterMu.Unlock()
	l, ok := d.limiters[deviceID]
	if !ok {
		// 5 commands/sec sustained, burst 10 — guards a single
		// misbehaving retry loop from flooding one device's topic.
		l = rate.NewLimiter(rate.Limit(5), 10)
		d.limiters[deviceID] = l
	}
	return l
}

func (d *Dispatcher) runQueue(deviceID string, ch chan *item) {
	for it := range ch {
		d.process(deviceID, it)
	}
}

// process drives a single device leg through dispatch, ack-wait, and
// retry/backoff until it reaches a terminal state or the device goes
// offline mid-dispatch, per spec §4.6.
func (d *Dispatcher) process(deviceID string, it *item) {
	for {
		if !d.registry.IsOnline(deviceID) {
			it.cmd.setOutcome(DeviceOutcome{DeviceID: deviceID, State: CommandQueued, Attempts: it.attempts})
			d.finalizeIfTerminal(it.cmd)
			return
		}

		it.attempts++
		// Throttle this device's outbound command rate so a runaway
		// retry loop cannot flood its command topic.
		if r := d.limiterFor(deviceID).Reserve(); r.OK() {
			if delay := r.Delay(); delay > 0 {
				time.Sleep(delay)
			}
		}

		now := time.Now()
		it.cmd.setOutcome(DeviceOutcome{DeviceID: deviceID, State: CommandDispatched, Attempts: it.attempts, DispatchedAt: now})

		key := deviceID + "|" + it.cmd.id
		respCh := make(chan ack, 1)
		d.mu.Lock()
		d.pending[key] = respCh
		d.mu.Unlock()

		err := d.publish(deviceID, it.cmd)
		if err != nil {
			d.log.Warn().Err(err).Str("device_id", deviceID).Str("command_id", it.cmd.id).Msg("publishing device command failed")
		}

		var result ack
		var timedOut bool
		select {
		case result = <-respCh:
		case <-time.After(d.ackTimeout):
			timedOut = true
		}

		d.mu.Lock()
		delete(d.pending, key)
		d.mu.Unlock()

		if !timedOut {
			if result.success {
				it.cmd.setOutcome(DeviceOutcome{DeviceID: deviceID, State: CommandCompleted, Attempts: it.attempts, ResolvedAt: time.Now()})
				d.finalizeIfTerminal(it.cmd)
				return
			}
			it.cmd.setOutcome(DeviceOutcome{DeviceID: deviceID, State: CommandFailed, Attempts: it.attempts, FailureReason: result.reason, ResolvedAt: time.Now()})
			d.finalizeIfTerminal(it.cmd)
			return
		}

		if it.attempts >= it.maxRetries {
			it.cmd.setOutcome(DeviceOutcome{DeviceID: deviceID, State: CommandTimedOut, Attempts: it.attempts, ResolvedAt: time.Now()})
			d.finalizeIfTerminal(it.cmd)
			return
		}

		time.Sleep(d.backoffFor(it.attempts))
	}
}

func (d *Dispatcher) finalizeIfTerminal(cmd *trackedCommand) {
	cmd.mu.Lock()
	allTerminal := true
	for _, id := range cmd.deviceIDs {
		if !cmd.outcomes[id].State.terminal() {
			allTerminal = false
			break
		}
	}
	if allTerminal && cmd.resolvedAt.IsZero() {
		cmd.resolvedAt = time.Now()
	}
	cmd.mu.Unlock()

	if allTerminal && d.auditFn != nil {
		d.auditFn(cmd.Snapshot())
	}
}

func (d *Dispatcher) publish(deviceID string, cmd *trackedCommand) error {
	if d.pub == nil {
		return nil
	}
	topic := fmt.Sprintf("alicia/devices/%s/command", deviceID)
	payload := map[string]any{
		"command_id": cmd.id,
		"capability": cmd.capabilityName,
		"parameters": cmd.parameters,
	}
	return d.pub.PublishEvent(topic, payload)
}
