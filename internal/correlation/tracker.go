// Package correlation matches response/error envelopes back to the
// requests that are waiting on them, with deadline-based expiry
// (spec §4.3, C3).
package correlation

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alicia-project/alicia-core/internal/busproto"
)

// Outcome is the reason a Continuation is invoked.
type Outcome int

const (
	// Resolved means a matching response/error envelope arrived.
	Resolved Outcome = iota
	// Timeout means the deadline passed before a response arrived.
	Timeout
	// Cancelled means Cancel was called before resolution.
	Cancelled
)

// Continuation is invoked exactly once per registered correlation_id,
// with env set only when outcome is Resolved.
type Continuation func(outcome Outcome, env *busproto.Envelope)

type entry struct {
	deadline     time.Time
	continuation Continuation
}

// Tracker tracks outstanding request correlation_ids and their
// deadlines. All methods are safe for concurrent use.
type Tracker struct {
	mu          sync.Mutex
	entries     map[string]entry
	lateDropped atomic.Int64

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New returns an empty Tracker.
func New() *Tracker {
	return &Tracker{
		entries: make(map[string]entry),
		stopCh:  make(chan struct{}),
	}
}

// Register records a new outstanding correlation_id with its deadline
// and continuation, returning a token (the correlation_id itself) for
// symmetry with the spec's register() contract.
func (t *Tracker) Register(correlationID string, deadline time.Time, continuation Continuation) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[correlationID] = entry{deadline: deadline, continuation: continuation}
	return correlationID
}

// Resolve matches an inbound response/error envelope to its
// registered request and invokes the continuation with Resolved. It
// returns false if no entry exists — a late or duplicate response,
// which the caller should count and drop.
func (t *Tracker) Resolve(correlationID string, env busproto.Envelope) bool {
	t.mu.Lock()
	e, ok := t.entries[correlationID]
	if ok {
		delete(t.entries, correlationID)
	}
	t.mu.Unlock()

	if !ok {
		t.lateDropped.Add(1)
		return false
	}
	e.continuation(Resolved, &env)
	return true
}

// Cancel removes an outstanding entry without invoking its
// continuation's Resolved path; it invokes Cancelled instead so the
// waiter is released.
func (t *Tracker) Cancel(correlationID string) bool {
	t.mu.Lock()
	e, ok := t.entries[correlationID]
	if ok {
		delete(t.entries, correlationID)
	}
	t.mu.Unlock()

	if !ok {
		return false
	}
	e.continuation(Cancelled, nil)
	return true
}

// LateDropped returns the count of Resolve calls that found no
// matching entry.
func (t *Tracker) LateDropped() int64 {
	return t.lateDropped.Load()
}

// Pending returns the number of outstanding (not yet resolved,
// cancelled, or swept) correlation entries.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// sweep expires every entry whose deadline has passed as of now,
// invoking each continuation with Timeout.
func (t *Tracker) sweep(now time.Time) {
	t.mu.Lock()
	var expired []entry
	for id, e := range t.entries {
		if now.After(e.deadline) {
			expired = append(expired, e)
			delete(t.entries, id)
		}
	}
	t.mu.Unlock()

	for _, e := range expired {
		e.continuation(Timeout, nil)
	}
}

// Start launches the single sweeper goroutine, ticking at interval
// (default 500ms per spec §4.3) until ctx is cancelled or Stop is
// called. Timeouts are never observed later than deadline + interval.
func (t *Tracker) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.stopCh:
				return
			case now := <-ticker.C:
				t.sweep(now)
			}
		}
	}()
}

// Stop halts the sweeper goroutine and waits for it to exit.
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })
	t.wg.Wait()
}
