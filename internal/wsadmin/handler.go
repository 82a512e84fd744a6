package wsadmin

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/alicia-project/alicia-core/internal/devices"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessage     = 64 << 10
	outboundBuffer = 64
)

// SessionCanceller is the Pipeline Orchestrator's cancel surface
// (voice.Orchestrator.Cancel).
type SessionCanceller interface {
	Cancel(sessionID string) error
}

// CommandEnqueuer is the Command Queue's dispatch surface
// (devices.Dispatcher.Enqueue).
type CommandEnqueuer interface {
	Enqueue(req devices.EnqueueRequest) (string, error)
}

// clientMessage is what an operator console sends over the socket.
type clientMessage struct {
	Type           string         `json:"type"`
	SessionID      string         `json:"session_id,omitempty"`
	DeviceIDs      []string       `json:"device_ids,omitempty"`
	CapabilityName string         `json:"capability_name,omitempty"`
	Parameters     map[string]any `json:"parameters,omitempty"`
	AllowOffline   bool           `json:"allow_offline,omitempty"`
}

// Handler upgrades GET /ws/console and runs one operator connection:
// the live Hub feed out, voice.cancel/publish_command calls in.
type Handler struct {
	hub      *Hub
	sessions SessionCanceller
	commands CommandEnqueuer
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

func NewHandler(hub *Hub, sessions SessionCanceller, commands CommandEnqueuer, log zerolog.Logger) *Handler {
	return &Handler{
		hub:      hub,
		sessions: sessions,
		commands: commands,
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The console is reached over the same bearer-authenticated
			// HTTP surface as the rest of /api/v1; origin checking is
			// handled by CORSWithOrigins upstream of this handler.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// connection holds the single per-socket outbound channel. Every
// write — hub events, acks, errors — goes through it so only
// writeLoop ever calls conn.WriteJSON, since gorilla/websocket
// forbids concurrent writers on one connection.
type connection struct {
	outbound chan any
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("console websocket upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	feed, unsubscribe := h.hub.Subscribe()
	defer unsubscribe()

	c := &connection{outbound: make(chan any, outboundBuffer)}

	writerDone := make(chan struct{})
	go h.writeLoop(ctx, conn, feed, c, writerDone)

	h.readLoop(ctx, conn, c)

	cancel()
	<-writerDone
}

func (h *Handler) writeLoop(ctx context.Context, conn *websocket.Conn, feed <-chan Event, c *connection, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case e, ok := <-feed:
			if !ok {
				return
			}
			if !h.writeJSON(conn, e) {
				return
			}
		case v, ok := <-c.outbound:
			if !ok {
				return
			}
			if !h.writeJSON(conn, v) {
				return
			}
		}
	}
}

func (h *Handler) writeJSON(conn *websocket.Conn, v any) bool {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(v); err != nil {
		h.log.Warn().Err(err).Msg("console websocket write failed")
		return false
	}
	return true
}

func (h *Handler) readLoop(ctx context.Context, conn *websocket.Conn, c *connection) {
	conn.SetReadLimit(maxMessage)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.queueError(c, "invalid_message", err.Error())
			continue
		}

		switch msg.Type {
		case "cancel":
			h.handleCancel(c, msg)
		case "publish_command":
			h.handlePublishCommand(c, msg)
		default:
			h.queueError(c, "unknown_type", "unrecognized message type: "+msg.Type)
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (h *Handler) handleCancel(c *connection, msg clientMessage) {
	if msg.SessionID == "" {
		h.queueError(c, "invalid_request", "session_id is required")
		return
	}
	if h.sessions == nil {
		h.queueError(c, "unavailable", "session cancellation is not configured on this service")
		return
	}
	if err := h.sessions.Cancel(msg.SessionID); err != nil {
		h.queueError(c, "cancel_failed", err.Error())
		return
	}
	h.queueAck(c, "cancel", msg.SessionID)
}

func (h *Handler) handlePublishCommand(c *connection, msg clientMessage) {
	if len(msg.DeviceIDs) == 0 || msg.CapabilityName == "" {
		h.queueError(c, "invalid_request", "device_ids and capability_name are required")
		return
	}
	if h.commands == nil {
		h.queueError(c, "unavailable", "command dispatch is not configured on this service")
		return
	}
	commandID, err := h.commands.Enqueue(devices.EnqueueRequest{
		DeviceIDs:      msg.DeviceIDs,
		CapabilityName: msg.CapabilityName,
		Parameters:     msg.Parameters,
		AllowOffline:   msg.AllowOffline,
	})
	if err != nil {
		h.queueError(c, "enqueue_failed", err.Error())
		return
	}
	h.queueAck(c, "publish_command", commandID)
}

func (h *Handler) queueAck(c *connection, action, id string) {
	select {
	case c.outbound <- map[string]string{"type": "ack", "action": action, "id": id}:
	default:
	}
}

func (h *Handler) queueError(c *connection, code, detail string) {
	select {
	case c.outbound <- map[string]string{"type": "error", "code": code, "detail": detail}:
	default:
	}
}
