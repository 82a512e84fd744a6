package fleet

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Hub fans fleet View updates out to SSE subscribers, the same
// non-blocking broadcast shape as the operator console's event hub,
// simplified further: there's one logical event (the latest View),
// so a slow subscriber just misses intermediate updates rather than
// needing a replay ring.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[uint64]chan View
	nextID      uint64
}

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{subscribers: make(map[uint64]chan View)}
}

// Subscribe returns a channel receiving every future Publish, and a
// cancel func the caller must invoke when done.
func (h *Hub) Subscribe() (<-chan View, func()) {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	ch := make(chan View, 4)
	h.subscribers[id] = ch
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		delete(h.subscribers, id)
		h.mu.Unlock()
	}
}

// Publish fans v out to every subscriber, dropping it for any whose
// buffer is full rather than blocking.
func (h *Hub) Publish(v View) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subscribers {
		select {
		case ch <- v:
		default:
		}
	}
}

// StreamHandler serves GET /health/fleet/stream: an SSE connection
// that emits the current fleet view immediately, then every update
// thereafter, grounded on the teacher's StreamEvents handler.
type StreamHandler struct {
	hub *Hub
	agg *Aggregator
	log zerolog.Logger
}

// NewStreamHandler returns a StreamHandler backed by hub and agg.
func NewStreamHandler(hub *Hub, agg *Aggregator, log zerolog.Logger) *StreamHandler {
	return &StreamHandler{hub: hub, agg: agg, log: log}
}

func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	writeView(w, h.agg.View())
	flusher.Flush()

	ch, cancel := h.hub.Subscribe()
	defer cancel()

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case v, ok := <-ch:
			if !ok {
				return
			}
			writeView(w, v)
			flusher.Flush()
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

func writeView(w http.ResponseWriter, v View) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: fleet\ndata: %s\n\n", data)
}
