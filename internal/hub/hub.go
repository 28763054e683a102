// Package hub relays live chat messages between connected users.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/alsin/internal/domain"
	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// Conn is the subset of *websocket.Conn the hub writes to.
type Conn interface {
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Hub tracks live connections per user. A user may hold several connections
// (one per device or tab); every one of them receives the user's messages.
type Hub struct {
	mu           sync.RWMutex
	active       map[int64]map[string]Conn
	writeTimeout time.Duration
	metrics      *Metrics
}

// New creates an empty hub. metrics may be nil.
func New(writeTimeout time.Duration, metrics *Metrics) *Hub {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &Hub{
		active:       make(map[int64]map[string]Conn),
		writeTimeout: writeTimeout,
		metrics:      metrics,
	}
}

// Register adds a connection for a user and returns its connection ID.
func (h *Hub) Register(userID int64, conn Conn) string {
	connID := uuid.NewString()

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.active[userID]; !exists {
		h.active[userID] = make(map[string]Conn)
	}
	h.active[userID][connID] = conn
	h.metrics.connected()
	slog.Info("Chat connection registered", "user_id", userID, "conn_id", connID)
	return connID
}

// Unregister removes a connection. Unknown IDs are ignored.
func (h *Hub) Unregister(userID int64, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conns, ok := h.active[userID]
	if !ok {
		return
	}
	if _, exists := conns[connID]; !exists {
		return
	}
	delete(conns, connID)
	if len(conns) == 0 {
		delete(h.active, userID)
	}
	h.metrics.disconnected()
	slog.Info("Chat connection unregistered", "user_id", userID, "conn_id", connID)
}

// Online reports whether the user has at least one live connection.
func (h *Hub) Online(userID int64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.active[userID]) > 0
}

// Connections returns the number of live connections.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, conns := range h.active {
		n += len(conns)
	}
	return n
}

// Deliver sends the persisted message to every connection of the receiver and
// echoes it to every connection of the sender. It returns the number of
// connections written to. Write failures are logged and skipped.
func (h *Hub) Deliver(ctx context.Context, msg *domain.Message) (int, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("encode message: %w", err)
	}

	targets := h.snapshot(msg.ReceiverID)
	if msg.SenderID != msg.ReceiverID {
		targets = append(targets, h.snapshot(msg.SenderID)...)
	}

	delivered := 0
	for _, conn := range targets {
		writeCtx, cancel := context.WithTimeout(ctx, h.writeTimeout)
		err := conn.Write(writeCtx, websocket.MessageText, data)
		cancel()
		if err != nil {
			slog.Debug("Chat delivery failed", "message_id", msg.ID, "error", err)
			continue
		}
		delivered++
	}
	h.metrics.relayed()
	return delivered, nil
}

// CloseUser forcefully terminates all connections of a user.
func (h *Hub) CloseUser(userID int64) {
	h.mu.Lock()
	conns := h.active[userID]
	delete(h.active, userID)
	h.mu.Unlock()

	h.closeAll(userID, conns, websocket.StatusNormalClosure, "session closed")
}

// Shutdown closes every live connection with a going-away status.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	active := h.active
	h.active = make(map[int64]map[string]Conn)
	h.mu.Unlock()

	for userID, conns := range active {
		h.closeAll(userID, conns, websocket.StatusGoingAway, "server shutting down")
	}
}

func (h *Hub) closeAll(userID int64, conns map[string]Conn, code websocket.StatusCode, reason string) {
	for connID, conn := range conns {
		_ = conn.Close(code, reason)
		h.metrics.disconnected()
		slog.Info("Chat connection closed", "user_id", userID, "conn_id", connID)
	}
}

func (h *Hub) snapshot(userID int64) []Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conns := make([]Conn, 0, len(h.active[userID]))
	for _, c := range h.active[userID] {
		conns = append(conns, c)
	}
	return conns
}
