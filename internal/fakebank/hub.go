package fakebank

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const hubWriteWait = 5 * time.Second

// pushEvent is the wire shape of one realtime notification.
type pushEvent struct {
	Type      string `json:"type"`
	ID        int64  `json:"id"`
	Message   string `json:"message"`
	CreatedAt string `json:"created_at"`
}

// Hub fans push events out to every open channel of a user. A user may hold
// several connections (multiple tabs); each gets its own copy.
type Hub struct {
	logger *zap.Logger

	mu          sync.Mutex
	connections map[int64]map[*websocket.Conn]struct{}
}

// NewHub returns an empty Hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		logger:      logger,
		connections: make(map[int64]map[*websocket.Conn]struct{}),
	}
}

// Register tracks a user's open connection.
func (hub *Hub) Register(userID int64, connection *websocket.Conn) {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	if hub.connections[userID] == nil {
		hub.connections[userID] = make(map[*websocket.Conn]struct{})
	}
	hub.connections[userID][connection] = struct{}{}
}

// Unregister forgets a connection.
func (hub *Hub) Unregister(userID int64, connection *websocket.Conn) {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	delete(hub.connections[userID], connection)
	if len(hub.connections[userID]) == 0 {
		delete(hub.connections, userID)
	}
}

// Publish sends a notification to every open channel of the user. Write
// failures drop only the failing connection.
func (hub *Hub) Publish(userID int64, notification Notification) {
	payload, err := json.Marshal(pushEvent{
		Type:      "notification",
		ID:        notification.ID,
		Message:   notification.Message,
		CreatedAt: notification.CreatedAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		hub.logger.Warn("push event marshal failed", zap.Error(err))
		return
	}

	hub.mu.Lock()
	targets := make([]*websocket.Conn, 0, len(hub.connections[userID]))
	for connection := range hub.connections[userID] {
		targets = append(targets, connection)
	}
	hub.mu.Unlock()

	for _, connection := range targets {
		_ = connection.SetWriteDeadline(time.Now().Add(hubWriteWait))
		if err := connection.WriteMessage(websocket.TextMessage, payload); err != nil {
			hub.logger.Debug("push write failed", zap.Error(err))
			hub.Unregister(userID, connection)
			_ = connection.Close()
		}
	}
}
