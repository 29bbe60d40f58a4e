package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/crewclaw/internal/runner"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Control plane binds loopback; the browser origin check adds nothing.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// EventHub broadcasts runtime events to websocket subscribers. Slow clients
// get dropped rather than stalling the hub.
type EventHub struct {
	mu      sync.Mutex
	clients map[*wsClient]struct{}
	closed  bool
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

func NewEventHub() *EventHub {
	return &EventHub{clients: make(map[*wsClient]struct{})}
}

// Broadcast fans one event out to every subscriber.
func (h *EventHub) Broadcast(evType string, payload any) {
	msg, err := json.Marshal(map[string]any{
		"ts_ms":   time.Now().UnixMilli(),
		"type":    evType,
		"payload": payload,
	})
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			delete(h.clients, c)
			close(c.send)
		}
	}
}

// Close disconnects every subscriber.
func (h *EventHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for c := range h.clients {
		close(c.send)
	}
	h.clients = make(map[*wsClient]struct{})
}

func (h *EventHub) add(c *wsClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *EventHub) remove(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// handleEventsWS upgrades and streams broadcast events until the peer goes
// away.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("httpapi.ws_upgrade_failed", "error", err)
		return
	}
	c := &wsClient{conn: conn, send: make(chan []byte, 32)}
	if !s.hub.add(c) {
		conn.Close()
		return
	}

	go func() {
		defer conn.Close()
		for msg := range c.send {
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}()

	// Reader drains pings and detects disconnect.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			s.hub.remove(c)
			return
		}
	}
}

// StepHooks returns runner hooks that feed the event hub.
func (h *EventHub) StepHooks() runner.Hooks { return hubHooks{hub: h} }

type hubHooks struct{ hub *EventHub }

func (h hubHooks) OnStepStart(ev runner.StepStart)     { h.hub.Broadcast("step.start", ev) }
func (h hubHooks) OnBackendLine(ev runner.BackendLine) { h.hub.Broadcast("backend.line", ev) }
func (h hubHooks) OnStepEnd(ev runner.StepEnd)         { h.hub.Broadcast("step.end", ev) }
