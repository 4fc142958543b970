package notifications

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentflow/agentflow/internal/common/appctx"
	"github.com/agentflow/agentflow/internal/common/logger"
	"github.com/agentflow/agentflow/internal/events/bus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// origin validation happens at the edge
		return true
	},
}

// WSHandler upgrades notification connections.
type WSHandler struct {
	hub    *Hub
	logger *logger.Logger
}

// NewWSHandler creates the notifications WebSocket handler.
func NewWSHandler(hub *Hub, log *logger.Logger) *WSHandler {
	return &WSHandler{
		hub:    hub,
		logger: log.WithFields(zap.String("component", "notification-handler")),
	}
}

// RegisterRoutes mounts the notification stream endpoint.
func (h *WSHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/notifications/stream", h.stream)
}

// stream handles WS /notifications/stream for the authenticated user.
func (h *WSHandler) stream(c *gin.Context) {
	userID := appctx.UserID(c.Request.Context())

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}

	client := NewClient(uuid.New().String(), userID, conn, h.hub, h.logger)
	h.hub.Register(client)

	h.logger.Info("notification stream opened", zap.String("user_id", userID))

	go client.WritePump()
	go client.ReadPump()
}

// Bridge forwards per-user bus events to the hub so signals published by any
// process reach this process's connected clients.
type Bridge struct {
	sub bus.Subscription
}

// NewBridge subscribes the hub to the per-user notification subjects.
func NewBridge(eventBus bus.EventBus, hub *Hub, log *logger.Logger) (*Bridge, error) {
	sub, err := eventBus.Subscribe("notify.user.>", func(ctx context.Context, ev *bus.Event) error {
		userID := userFromEvent(ev)
		if userID == "" {
			return nil
		}
		hub.Publish(userID, map[string]interface{}{
			"type": ev.Type,
			"data": ev.Data,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Bridge{sub: sub}, nil
}

// Close tears down the bus subscription.
func (b *Bridge) Close() {
	if b.sub != nil {
		b.sub.Unsubscribe()
	}
}

func userFromEvent(ev *bus.Event) string {
	if id, ok := ev.Data["user_id"].(string); ok && id != "" {
		return id
	}
	return ""
}
