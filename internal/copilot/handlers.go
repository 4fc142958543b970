package copilot

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentflow/agentflow/internal/common/appctx"
	apperrors "github.com/agentflow/agentflow/internal/common/errors"
	"github.com/agentflow/agentflow/internal/common/logger"
	"github.com/agentflow/agentflow/internal/events"
	"github.com/agentflow/agentflow/internal/events/bus"
	"github.com/agentflow/agentflow/internal/httpapi"
)

// pollInterval paces the KV fallback reads while waiting for bus events.
const pollInterval = 2 * time.Second

// Handlers exposes the copilot session endpoints.
type Handlers struct {
	service *Service
	bus     bus.EventBus
	logger  *logger.Logger
}

// NewHandlers creates the copilot HTTP handlers.
func NewHandlers(svc *Service, eventBus bus.EventBus, log *logger.Logger) *Handlers {
	return &Handlers{
		service: svc,
		bus:     eventBus,
		logger:  log.WithFields(zap.String("component", "copilot-handlers")),
	}
}

// RegisterRoutes mounts the copilot endpoints on the router group.
func (h *Handlers) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/copilot/sessions", h.submit)
	rg.GET("/copilot/sessions/:session_id", h.get)
	rg.GET("/copilot/sessions/:session_id/events", h.streamEvents)
}

type submitRequest struct {
	Message string `json:"message" binding:"required"`
}

func (h *Handlers) submit(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpapi.Error(c, apperrors.BadRequest("invalid request body: "+err.Error()))
		return
	}

	sessionID, err := h.service.Submit(c.Request.Context(), appctx.UserID(c.Request.Context()), req.Message)
	if err != nil {
		httpapi.Error(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"success": true, "session_id": sessionID})
}

func (h *Handlers) get(c *gin.Context) {
	status, content, err := h.service.Get(c.Request.Context(), c.Param("session_id"))
	if err != nil {
		httpapi.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "status": status, "content": content})
}

// streamEvents delivers session progress over SSE. Bus events drive the
// stream; the KV is polled as a fallback so a missed event cannot wedge the
// client. The stream ends when the session reaches a terminal status.
func (h *Handlers) streamEvents(c *gin.Context) {
	sessionID := c.Param("session_id")

	// fail fast when the KV is gone
	if _, _, err := h.service.Get(c.Request.Context(), sessionID); err != nil {
		httpapi.Error(c, err)
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		httpapi.Error(c, apperrors.InternalError("streaming not supported", nil))
		return
	}
	header := c.Writer.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	updates := make(chan *bus.Event, 16)
	sub, err := h.bus.Subscribe(events.SubjectCopilotSession(sessionID), func(ctx context.Context, ev *bus.Event) error {
		select {
		case updates <- ev:
		default:
		}
		return nil
	})
	if err != nil {
		h.logger.Warn("failed to subscribe to session events, falling back to polling",
			zap.String("session_id", sessionID), zap.Error(err))
	} else {
		defer sub.Unsubscribe()
	}

	send := func(payload map[string]interface{}) bool {
		raw, err := json.Marshal(payload)
		if err != nil {
			return false
		}
		if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", raw); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case ev := <-updates:
			if !send(map[string]interface{}{"type": ev.Type, "data": ev.Data}) {
				return
			}
			if ev.Type == events.CopilotSessionCompleted || ev.Type == events.CopilotSessionFailed {
				return
			}
		case <-ticker.C:
			status, content, err := h.service.Get(c.Request.Context(), sessionID)
			if err != nil {
				send(map[string]interface{}{"type": "error", "data": gin.H{"message": "session store unavailable"}})
				return
			}
			if !send(map[string]interface{}{"type": "status", "data": gin.H{"status": status, "content": content}}) {
				return
			}
			if status == StatusCompleted || status == StatusFailed {
				return
			}
		}
	}
}
