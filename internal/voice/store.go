package voice

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultSessionTimeout is session_timeout's default (spec §4.7).
	DefaultSessionTimeout = 15 * time.Second
	// DefaultSessionTTL is session_ttl's default (spec §3): how long a
	// terminal session is retained before removal.
	DefaultSessionTTL = 300 * time.Second
	// DefaultMaxConcurrentSessions is max_concurrent_sessions' default
	// (spec §4.7).
	DefaultMaxConcurrentSessions = 64
)

// ErrServiceBusy is returned by Create when the active session count
// is at capacity (spec §4.7's backpressure requirement).
type ErrServiceBusy struct{}

func (ErrServiceBusy) Error() string { return "service busy: max_concurrent_sessions reached" }

// Store is the Session Store (C7): voice sessions keyed by
// session_id, with TTL-based removal of terminal sessions. Per-session
// locking lives on Session itself; Store only guards its index.
type Store struct {
	mu             sync.RWMutex
	sessions       map[string]*Session
	sessionTimeout time.Duration
	sessionTTL     time.Duration
	maxConcurrent  int
}

// NewStore returns an empty Store. Zero durations/limits fall back to
// spec defaults.
func NewStore(sessionTimeout, sessionTTL time.Duration, maxConcurrent int) *Store {
	if sessionTimeout <= 0 {
		sessionTimeout = DefaultSessionTimeout
	}
	if sessionTTL <= 0 {
		sessionTTL = DefaultSessionTTL
	}
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrentSessions
	}
	return &Store{
		sessions:       make(map[string]*Session),
		sessionTimeout: sessionTimeout,
		sessionTTL:     sessionTTL,
		maxConcurrent:  maxConcurrent,
	}
}

// activeCountLocked counts non-terminal sessions; must be called with mu held.
func (st *Store) activeCountLocked() int {
	n := 0
	for _, s := range st.sessions {
		if !s.State().terminal() {
			n++
		}
	}
	return n
}

// Create opens a new idle session with deadline = now + session_timeout,
// rejecting with ErrServiceBusy if active sessions are already at
// max_concurrent_sessions.
func (st *Store) Create() (*Session, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.activeCountLocked() >= st.maxConcurrent {
		return nil, ErrServiceBusy{}
	}

	now := time.Now()
	s := &Session{
		SessionID: uuid.NewString(),
		state:     StateIdle,
		createdAt: now,
		updatedAt: now,
		deadline:  now.Add(st.sessionTimeout),
	}
	st.sessions[s.SessionID] = s
	return s, nil
}

// Get returns the session by id.
func (st *Store) Get(sessionID string) (*Session, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %q not found", sessionID)
	}
	return s, nil
}

// List returns a snapshot of every tracked session, for the operator
// surface (GET /api/v1/sessions).
func (st *Store) List() []Snapshot {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]Snapshot, 0, len(st.sessions))
	for _, s := range st.sessions {
		out = append(out, s.snapshot())
	}
	return out
}

// ActiveCount reports the current non-terminal session count.
func (st *Store) ActiveCount() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.activeCountLocked()
}

// SweepExpired cancels sessions that are past deadline and still
// non-terminal, and removes sessions that have been terminal for
// longer than session_ttl. A session cancelled by this sweep stays in
// the store until its own session_ttl has elapsed.
func (st *Store) SweepExpired(now time.Time) {
	st.mu.Lock()
	defer st.mu.Unlock()

	for id, s := range st.sessions {
		state := s.State()
		if !state.terminal() {
			if now.After(s.Deadline()) {
				s.cancel()
			}
			continue
		}
		if now.Sub(s.updatedAtSafe()) > st.sessionTTL {
			delete(st.sessions, id)
		}
	}
}

func (s *Session) updatedAtSafe() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updatedAt
}
