package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/weft-io/weft/internal/delivery"
	"github.com/weft-io/weft/internal/router"
	"github.com/weft-io/weft/pkg/acl"
)

// Core is the router surface the websocket layer needs: submitting inbound
// frames and binding attached agents as delivery endpoints.
type Core interface {
	Submit(msg acl.Message) (string, error)
	Bind(agentID string, ep delivery.Endpoint)
	Unbind(agentID string)
}

// Event is one frame on the live event stream.
type Event struct {
	Direction string      `json:"direction"` // "inbound" or "outbound"
	Message   acl.Message `json:"message"`
	At        time.Time   `json:"at"`
}

// watcherQueue is the per-watcher event backlog before the frame hits the
// socket. A lagging watcher loses events past this depth.
const watcherQueue = 64

// Hub serves the websocket surface: the observer event stream and per-agent
// attachment sockets. It implements the router's EventSink.
type Hub struct {
	core     Core
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	watchers map[*websocket.Conn]chan Event
}

// NewHub creates a websocket hub routing attached agents through core.
func NewHub(core Core, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		core:   core,
		logger: logger,
		upgrader: websocket.Upgrader{
			// auth happens before the upgrade, origin is not re-checked
			CheckOrigin: func(*http.Request) bool { return true },
		},
		watchers: make(map[*websocket.Conn]chan Event),
	}
}

// Publish fans a routed message out to every event-stream watcher. It never
// blocks: each watcher drains its own queue on a writer goroutine, and a
// full queue drops the event for that watcher only.
func (h *Hub) Publish(direction string, msg acl.Message) {
	ev := Event{Direction: direction, Message: msg, At: time.Now()}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.watchers {
		select {
		case ch <- ev:
		default:
			h.logger.Debug("event watcher lagging, event dropped", "message", msg.ID)
		}
	}
}

// removeWatcher unregisters a watcher; safe to call from both the reader
// and the writer goroutine.
func (h *Hub) removeWatcher(conn *websocket.Conn) {
	h.mu.Lock()
	if ch, ok := h.watchers[conn]; ok {
		delete(h.watchers, conn)
		close(ch)
	}
	h.mu.Unlock()
	conn.Close()
}

func (h *Hub) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("event stream upgrade failed", "error", err)
		return
	}

	ch := make(chan Event, watcherQueue)
	h.mu.Lock()
	h.watchers[conn] = ch
	h.mu.Unlock()

	go func() {
		defer h.removeWatcher(conn)
		for ev := range ch {
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(ev); err != nil {
				h.logger.Debug("dropping event watcher", "error", err)
				return
			}
		}
	}()

	// the read loop only exists to notice the peer going away
	go func() {
		defer h.removeWatcher(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (h *Hub) handleAttach(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	if agentID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "agent id is required"})
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("attach upgrade failed", "agent", agentID, "error", err)
		return
	}

	ep := &wsEndpoint{conn: conn}
	h.core.Bind(agentID, ep)
	h.logger.Info("agent attached", "agent", agentID)

	go func() {
		defer func() {
			h.core.Unbind(agentID)
			conn.Close()
			h.logger.Info("agent detached", "agent", agentID)
		}()
		for {
			var msg acl.Message
			if err := conn.ReadJSON(&msg); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					h.logger.Warn("attach read failed", "agent", agentID, "error", err)
				}
				return
			}
			if msg.Sender == "" {
				msg.Sender = agentID
			}
			if _, err := h.core.Submit(msg); err != nil {
				h.answerSubmitError(ep, agentID, msg, err)
			}
		}
	}()
}

// answerSubmitError decides what an attached sender hears about a rejected
// frame. Routing failures and unknown performatives were already answered
// in-band by the router (failure / not_understood), so a second reply here
// would double up; everything else gets a single failure frame.
func (h *Hub) answerSubmitError(ep *wsEndpoint, agentID string, msg acl.Message, err error) {
	var rerr *router.RoutingError
	switch {
	case errors.As(err, &rerr):
		h.logger.Debug("routing failure answered in-band", "agent", agentID, "error", err)
	case msg.Performative != "" && !msg.Performative.Known():
		h.logger.Debug("unknown performative answered in-band", "agent", agentID, "error", err)
	default:
		ep.Deliver(context.Background(), acl.FailureReply(msg, err.Error()))
	}
}

// wsEndpoint delivers messages over an attachment socket. gorilla allows a
// single concurrent writer, hence the mutex.
type wsEndpoint struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (e *wsEndpoint) Deliver(_ context.Context, msg acl.Message) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return e.conn.WriteJSON(msg)
}
