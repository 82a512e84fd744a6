// Package router dispatches inbound bus messages to handlers
// registered against MQTT topic filters, per spec §4.2 (C2).
package router

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/alicia-project/alicia-core/internal/busproto"
)

// Handler processes one matched message. Handlers must not block: the
// router invokes them synchronously on the caller's goroutine, and the
// Service Wrapper calls Dispatch inline without offloading, so a
// handler that needs to do real work hands it to its own goroutine.
type Handler func(topic string, env busproto.Envelope)

type entry struct {
	filter      string
	segments    []string
	specificity int
	seq         int
	handler     Handler
}

// Router matches inbound topics against registered filters, supporting
// the `+` (single-level) and `#` (multi-level) MQTT wildcards.
type Router struct {
	mu       sync.RWMutex
	entries  []entry
	seq      int
	unrouted atomic.Int64
}

// New returns an empty Router.
func New() *Router {
	return &Router{}
}

// Register adds handler for filter. Multiple handlers may share a
// filter; they fire in registration order. Dispatch order across
// distinct filters favors more specific filters: literal segments beat
// `+`, which beats `#`.
func (r *Router) Register(filter string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	e := entry{
		filter:      filter,
		segments:    strings.Split(filter, "/"),
		specificity: specificity(filter),
		seq:         r.seq,
		handler:     handler,
	}
	r.entries = append(r.entries, e)
	sort.SliceStable(r.entries, func(i, j int) bool {
		if r.entries[i].specificity != r.entries[j].specificity {
			return r.entries[i].specificity > r.entries[j].specificity
		}
		return r.entries[i].seq < r.entries[j].seq
	})
}

// Dispatch finds every handler whose filter matches topic and invokes
// them in specificity order. If nothing matches, unrouted_messages is
// incremented and the message is dropped.
func (r *Router) Dispatch(topic string, env busproto.Envelope) {
	topicSegs := strings.Split(topic, "/")

	r.mu.RLock()
	matched := make([]Handler, 0, 2)
	for _, e := range r.entries {
		if matchSegments(e.segments, topicSegs) {
			matched = append(matched, e.handler)
		}
	}
	r.mu.RUnlock()

	if len(matched) == 0 {
		r.unrouted.Add(1)
		return
	}
	for _, h := range matched {
		h(topic, env)
	}
}

// UnroutedCount returns the number of messages dropped for lack of a
// matching handler.
func (r *Router) UnroutedCount() int64 {
	return r.unrouted.Load()
}

// Filters returns every distinct filter registered so far, so the bus
// client can subscribe to each one at startup.
func (r *Router) Filters() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{}, len(r.entries))
	out := make([]string, 0, len(r.entries))
	for _, e := range r.entries {
		if _, ok := seen[e.filter]; ok {
			continue
		}
		seen[e.filter] = struct{}{}
		out = append(out, e.filter)
	}
	return out
}

// specificity scores a filter so more specific filters sort first:
// literal segments outweigh `+`, which outweighs `#`. Ties (same
// score) fall back to registration order.
func specificity(filter string) int {
	score := 0
	for _, seg := range strings.Split(filter, "/") {
		switch seg {
		case "#":
			score += 1
		case "+":
			score += 3
		default:
			score += 5
		}
	}
	return score
}

func matchSegments(filterSegs, topicSegs []string) bool {
	for i, fs := range filterSegs {
		if fs == "#" {
			return true
		}
		if i >= len(topicSegs) {
			return false
		}
		if fs == "+" {
			continue
		}
		if fs != topicSegs[i] {
			return false
		}
	}
	return len(filterSegs) == len(topicSegs)
}
