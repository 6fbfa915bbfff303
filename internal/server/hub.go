package server

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/replyloop/replyloop/internal/automation"
)

const writeTimeout = 10 * time.Second

// Activity is one execution pushed to connected activity-feed clients.
type Activity struct {
	TenantID       uuid.UUID                  `json:"tenant_id"`
	Platform       automation.Platform        `json:"platform"`
	Kind           automation.EventKind       `json:"kind,omitempty"`
	Source         string                     `json:"source"` // webhook, chat, cron, manual
	OK             bool                       `json:"ok"`
	RuleMatched    bool                       `json:"rule_matched"`
	ActionExecuted bool                       `json:"action_executed"`
	Outcomes       []automation.ActionOutcome `json:"outcomes,omitempty"`
	Error          string                     `json:"error,omitempty"`
	At             time.Time                  `json:"at"`
}

// activityFor wraps a scheduler-path result that has no inbound event.
func activityFor(source string, tenantID uuid.UUID, res automation.ExecutionResult) Activity {
	return Activity{
		TenantID:       tenantID,
		Source:         source,
		OK:             res.OK,
		RuleMatched:    res.RuleMatched,
		ActionExecuted: res.ActionExecuted,
		Outcomes:       res.Outcomes,
		Error:          res.Error,
		At:             time.Now(),
	}
}

// Hub broadcasts execution activity to WebSocket clients. Slow clients are
// dropped rather than allowed to block the send path.
type Hub struct {
	mu      sync.RWMutex
	clients map[*hubClient]struct{}
}

type hubClient struct {
	conn *websocket.Conn
	send chan []byte
}

func NewHub() *Hub {
	return &Hub{clients: make(map[*hubClient]struct{})}
}

// Broadcast fans the activity out to every connected client. Never blocks.
func (h *Hub) Broadcast(a Activity) {
	data, err := json.Marshal(a)
	if err != nil {
		slog.Error("activity marshal failed", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			// Client buffer full; it will be unregistered by its writer.
		}
	}
}

// ClientCount returns the number of connected activity clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) register(c *hubClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
	slog.Info("activity client connected", "clients", len(h.clients))
}

func (h *Hub) unregister(c *hubClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	slog.Info("activity client disconnected", "clients", len(h.clients))
}

// run services one client connection until it closes.
func (h *Hub) run(c *hubClient) {
	go func() {
		// Reader drains control frames and detects close.
		for {
			if _, _, err := c.conn.ReadMessage(); err != nil {
				h.unregister(c)
				c.conn.Close()
				return
			}
		}
	}()

	for data := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.unregister(c)
			c.conn.Close()
			return
		}
	}
	c.conn.Close()
}
