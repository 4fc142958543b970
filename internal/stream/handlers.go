package stream

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentflow/agentflow/internal/common/appctx"
	apperrors "github.com/agentflow/agentflow/internal/common/errors"
	"github.com/agentflow/agentflow/internal/common/logger"
	"github.com/agentflow/agentflow/internal/httpapi"
	"github.com/agentflow/agentflow/internal/runtime"
)

// Handlers exposes the chat streaming endpoints.
type Handlers struct {
	engine *Engine
	logger *logger.Logger
}

// NewHandlers creates the HTTP handlers for the stream engine.
func NewHandlers(engine *Engine, log *logger.Logger) *Handlers {
	return &Handlers{
		engine: engine,
		logger: log.WithFields(zap.String("component", "stream-handlers")),
	}
}

// RegisterRoutes mounts the chat endpoints on the router group.
func (h *Handlers) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/chat/stream", h.streamTurn)
	rg.POST("/chat/resume", h.resumeTurn)
	rg.POST("/chat/stop", h.stopTurn)
	rg.GET("/conversations/:thread_id/messages", h.listMessages)
}

type streamRequest struct {
	Message  string                 `json:"message" binding:"required"`
	ThreadID string                 `json:"thread_id"`
	GraphID  *string                `json:"graph_id"`
	Metadata map[string]interface{} `json:"metadata"`
}

type resumeRequest struct {
	ThreadID string          `json:"thread_id" binding:"required"`
	Command  runtime.Command `json:"command"`
}

type stopRequest struct {
	ThreadID string `json:"thread_id" binding:"required"`
}

func (h *Handlers) streamTurn(c *gin.Context) {
	var req streamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpapi.Error(c, apperrors.BadRequest("invalid request body: "+err.Error()))
		return
	}

	turn, err := h.engine.PrepareTurn(c.Request.Context(), TurnRequest{
		UserID:   appctx.UserID(c.Request.Context()),
		Message:  req.Message,
		ThreadID: req.ThreadID,
		GraphID:  req.GraphID,
		Metadata: req.Metadata,
	})
	if err != nil {
		httpapi.Error(c, err)
		return
	}

	h.runOverSSE(c, turn)
}

func (h *Handlers) resumeTurn(c *gin.Context) {
	var req resumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpapi.Error(c, apperrors.BadRequest("invalid request body: "+err.Error()))
		return
	}

	turn, err := h.engine.PrepareResume(c.Request.Context(), ResumeRequest{
		UserID:   appctx.UserID(c.Request.Context()),
		ThreadID: req.ThreadID,
		Command:  req.Command,
	})
	if err != nil {
		httpapi.Error(c, err)
		return
	}

	h.runOverSSE(c, turn)
}

func (h *Handlers) runOverSSE(c *gin.Context, turn *Turn) {
	writer, err := NewSSEWriter(c)
	if err != nil {
		httpapi.Error(c, apperrors.InternalError("streaming not supported", err))
		return
	}
	turn.Run(c.Request.Context(), writer)
}

func (h *Handlers) stopTurn(c *gin.Context) {
	var req stopRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpapi.Error(c, apperrors.BadRequest("invalid request body: "+err.Error()))
		return
	}

	status, cancelled := h.engine.Stop(c.Request.Context(), req.ThreadID, appctx.UserID(c.Request.Context()))
	c.JSON(http.StatusOK, gin.H{"status": status, "cancelled": cancelled})
}

func (h *Handlers) listMessages(c *gin.Context) {
	threadID := c.Param("thread_id")
	msgs, err := h.engine.Messages(c.Request.Context(), threadID, appctx.UserID(c.Request.Context()))
	if err != nil {
		httpapi.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "messages": msgs})
}
