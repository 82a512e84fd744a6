package wsadmin

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/alicia-project/alicia-core/internal/devices"
)

type fakeCanceller struct {
	lastSessionID string
	err           error
}

func (f *fakeCanceller) Cancel(sessionID string) error {
	f.lastSessionID = sessionID
	return f.err
}

type fakeEnqueuer struct {
	lastReq   devices.EnqueueRequest
	commandID string
	err       error
}

func (f *fakeEnqueuer) Enqueue(req devices.EnqueueRequest) (string, error) {
	f.lastReq = req
	return f.commandID, f.err
}

func dialTestServer(t *testing.T, h *Handler) (*websocket.Conn, func()) {
	t.Helper()
	srv := httptest.NewServer(h)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		srv.Close()
		t.Fatalf("dial failed: %v", err)
	}
	return conn, func() {
		conn.Close()
		srv.Close()
	}
}

func TestHandlerCancelRoundTrip(t *testing.T) {
	canceller := &fakeCanceller{}
	h := NewHandler(NewHub(), canceller, nil, zerolog.Nop())
	conn, cleanup := dialTestServer(t, h)
	defer cleanup()

	if err := conn.WriteJSON(clientMessage{Type: "cancel", SessionID: "sess-1"}); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var resp map[string]string
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if resp["type"] != "ack" || resp["id"] != "sess-1" {
		t.Errorf("resp = %v, want ack for sess-1", resp)
	}
	if canceller.lastSessionID != "sess-1" {
		t.Errorf("Cancel called with %q, want sess-1", canceller.lastSessionID)
	}
}

func TestHandlerCancelMissingSessionIDErrors(t *testing.T) {
	h := NewHandler(NewHub(), &fakeCanceller{}, nil, zerolog.Nop())
	conn, cleanup := dialTestServer(t, h)
	defer cleanup()

	conn.WriteJSON(clientMessage{Type: "cancel"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var resp map[string]string
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if resp["type"] != "error" || resp["code"] != "invalid_request" {
		t.Errorf("resp = %v, want invalid_request error", resp)
	}
}

func TestHandlerPublishCommandRoundTrip(t *testing.T) {
	enqueuer := &fakeEnqueuer{commandID: "cmd-42"}
	h := NewHandler(NewHub(), nil, enqueuer, zerolog.Nop())
	conn, cleanup := dialTestServer(t, h)
	defer cleanup()

	msg := clientMessage{
		Type:           "publish_command",
		DeviceIDs:      []string{"light-1"},
		CapabilityName: "turn_on",
	}
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var resp map[string]string
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if resp["type"] != "ack" || resp["id"] != "cmd-42" {
		t.Errorf("resp = %v, want ack for cmd-42", resp)
	}
	if enqueuer.lastReq.CapabilityName != "turn_on" {
		t.Errorf("Enqueue CapabilityName = %q, want turn_on", enqueuer.lastReq.CapabilityName)
	}
}

func TestHandlerUnknownMessageTypeErrors(t *testing.T) {
	h := NewHandler(NewHub(), nil, nil, zerolog.Nop())
	conn, cleanup := dialTestServer(t, h)
	defer cleanup()

	conn.WriteJSON(clientMessage{Type: "bogus"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var resp map[string]string
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if resp["type"] != "error" || resp["code"] != "unknown_type" {
		t.Errorf("resp = %v, want unknown_type error", resp)
	}
}

func TestHandlerBroadcastsHubEvents(t *testing.T) {
	hub := NewHub()
	h := NewHandler(hub, nil, nil, zerolog.Nop())
	conn, cleanup := dialTestServer(t, h)
	defer cleanup()

	// Give the server goroutine time to subscribe before publishing.
	time.Sleep(20 * time.Millisecond)
	hub.Publish(Event{Kind: "session.transition", Data: "listening"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var resp Event
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if resp.Kind != "session.transition" {
		t.Errorf("Kind = %q, want session.transition", resp.Kind)
	}
}
