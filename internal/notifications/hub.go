// Package notifications handles per-user WebSocket push: best-effort delivery
// of cross-session signals such as run lifecycle changes and stop requests
// issued from another device.
package notifications

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentflow/agentflow/internal/common/logger"
)

// Client represents one WebSocket connection belonging to a user.
type Client struct {
	ID     string
	UserID string
	conn   *websocket.Conn
	send   chan []byte
	hub    *Hub
	logger *logger.Logger
}

// NewClient creates a client for a user's connection.
func NewClient(id, userID string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:     id,
		UserID: userID,
		conn:   conn,
		send:   make(chan []byte, 256),
		hub:    hub,
		logger: log.WithFields(zap.String("client_id", id), zap.String("user_id", userID)),
	}
}

// Hub manages all notification clients, indexed by user id.
type Hub struct {
	clients     map[*Client]bool
	userClients map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	publish    chan *userMessage

	mu     sync.RWMutex
	logger *logger.Logger
}

type userMessage struct {
	userID  string
	payload map[string]interface{}
}

// NewHub creates a notification hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:     make(map[*Client]bool),
		userClients: make(map[string]map[*Client]bool),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		publish:     make(chan *userMessage, 256),
		logger:      log.WithFields(zap.String("component", "notification-hub")),
	}
}

// Run starts the hub processing loop.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("notification hub started")
	defer h.logger.Info("notification hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.userClients = make(map[string]map[*Client]bool)
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			if _, ok := h.userClients[client.UserID]; !ok {
				h.userClients[client.UserID] = make(map[*Client]bool)
			}
			h.userClients[client.UserID][client] = true
			h.mu.Unlock()
			h.logger.Debug("client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.mu.Lock()
			h.removeLocked(client)
			h.mu.Unlock()
			h.logger.Debug("client unregistered", zap.String("client_id", client.ID))

		case msg := <-h.publish:
			h.mu.RLock()
			clients := h.userClients[msg.userID]
			h.mu.RUnlock()

			if len(clients) == 0 {
				continue
			}

			data, err := json.Marshal(msg.payload)
			if err != nil {
				h.logger.Error("failed to marshal notification", zap.Error(err))
				continue
			}

			for client := range clients {
				select {
				case client.send <- data:
				default:
					// send buffer full, drop the connection
					h.mu.Lock()
					h.removeLocked(client)
					h.mu.Unlock()
				}
			}
		}
	}
}

func (h *Hub) removeLocked(client *Client) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)
	if clients, ok := h.userClients[client.UserID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.userClients, client.UserID)
		}
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Publish delivers a payload to all of a user's connected sessions.
// Best-effort: nothing is queued for offline users.
func (h *Hub) Publish(userID string, payload map[string]interface{}) {
	select {
	case h.publish <- &userMessage{userID: userID, payload: payload}:
	default:
		h.logger.Warn("notification dropped, hub backlog full", zap.String("user_id", userID))
	}
}

// UserConnectionCount returns the number of open connections for a user.
func (h *Hub) UserConnectionCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.userClients[userID])
}
