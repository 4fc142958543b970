// Package handlers exposes the graph authoring endpoints.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentflow/agentflow/internal/common/appctx"
	apperrors "github.com/agentflow/agentflow/internal/common/errors"
	"github.com/agentflow/agentflow/internal/common/logger"
	"github.com/agentflow/agentflow/internal/graph/models"
	"github.com/agentflow/agentflow/internal/graph/service"
	"github.com/agentflow/agentflow/internal/httpapi"
)

// Handlers exposes graph CRUD endpoints.
type Handlers struct {
	service *service.Service
	logger  *logger.Logger
}

// NewHandlers creates the graph HTTP handlers.
func NewHandlers(svc *service.Service, log *logger.Logger) *Handlers {
	return &Handlers{
		service: svc,
		logger:  log.WithFields(zap.String("component", "graph-handlers")),
	}
}

// RegisterRoutes mounts the graph endpoints on the router group.
func (h *Handlers) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/graphs", h.createGraph)
	rg.GET("/graphs", h.listGraphs)
	rg.GET("/graphs/:graph_id", h.getGraph)
	rg.PATCH("/graphs/:graph_id", h.updateGraph)
	rg.GET("/graphs/:graph_id/state", h.liveState)
	rg.POST("/graphs/:graph_id/nodes", h.createNode)
	rg.PATCH("/graphs/:graph_id/nodes/:node_id", h.updateNode)
	rg.POST("/graphs/:graph_id/edges", h.createEdge)
}

type graphRequest struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Color       string                 `json:"color"`
	WorkspaceID *string                `json:"workspace_id"`
	Variables   map[string]interface{} `json:"variables"`
}

type nodeRequest struct {
	Type   string                 `json:"type" binding:"required"`
	PosX   float64                `json:"pos_x"`
	PosY   float64                `json:"pos_y"`
	Width  float64                `json:"width"`
	Height float64                `json:"height"`
	Prompt string                 `json:"prompt"`
	Tools  []string               `json:"tools"`
	Memory string                 `json:"memory"`
	Data   map[string]interface{} `json:"data"`
}

type edgeRequest struct {
	SourceNodeID string                 `json:"source_node_id" binding:"required"`
	TargetNodeID string                 `json:"target_node_id" binding:"required"`
	Data         map[string]interface{} `json:"data"`
}

func (h *Handlers) createGraph(c *gin.Context) {
	var req graphRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpapi.Error(c, apperrors.BadRequest("invalid request body: "+err.Error()))
		return
	}

	graph := &models.Graph{
		Name:        req.Name,
		Description: req.Description,
		Color:       req.Color,
		WorkspaceID: req.WorkspaceID,
		Variables:   models.JSONMap(req.Variables),
	}
	created, err := h.service.CreateGraph(c.Request.Context(), appctx.UserID(c.Request.Context()), graph)
	if err != nil {
		httpapi.Error(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "graph": created})
}

func (h *Handlers) listGraphs(c *gin.Context) {
	graphs, err := h.service.ListGraphs(c.Request.Context(), appctx.UserID(c.Request.Context()))
	if err != nil {
		httpapi.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "graphs": graphs})
}

func (h *Handlers) getGraph(c *gin.Context) {
	graph, err := h.service.GetGraph(c.Request.Context(), appctx.UserID(c.Request.Context()), c.Param("graph_id"))
	if err != nil {
		httpapi.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "graph": graph})
}

func (h *Handlers) updateGraph(c *gin.Context) {
	var req graphRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpapi.Error(c, apperrors.BadRequest("invalid request body: "+err.Error()))
		return
	}

	graph := &models.Graph{
		ID:          c.Param("graph_id"),
		Name:        req.Name,
		Description: req.Description,
		Color:       req.Color,
		Variables:   models.JSONMap(req.Variables),
	}
	if err := h.service.UpdateGraph(c.Request.Context(), appctx.UserID(c.Request.Context()), graph); err != nil {
		httpapi.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *Handlers) liveState(c *gin.Context) {
	state, err := h.service.LiveState(c.Request.Context(), appctx.UserID(c.Request.Context()), c.Param("graph_id"))
	if err != nil {
		httpapi.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "state": state})
}

func (h *Handlers) createNode(c *gin.Context) {
	var req nodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpapi.Error(c, apperrors.BadRequest("invalid request body: "+err.Error()))
		return
	}

	node := &models.Node{
		GraphID: c.Param("graph_id"),
		Type:    req.Type,
		PosX:    req.PosX,
		PosY:    req.PosY,
		Width:   req.Width,
		Height:  req.Height,
		Prompt:  req.Prompt,
		Tools:   models.StringList(req.Tools),
		Memory:  req.Memory,
		Data:    models.JSONMap(req.Data),
	}
	created, err := h.service.CreateNode(c.Request.Context(), appctx.UserID(c.Request.Context()), node)
	if err != nil {
		httpapi.Error(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "node": created})
}

func (h *Handlers) updateNode(c *gin.Context) {
	var req nodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpapi.Error(c, apperrors.BadRequest("invalid request body: "+err.Error()))
		return
	}

	node := &models.Node{
		ID:      c.Param("node_id"),
		GraphID: c.Param("graph_id"),
		Type:    req.Type,
		PosX:    req.PosX,
		PosY:    req.PosY,
		Width:   req.Width,
		Height:  req.Height,
		Prompt:  req.Prompt,
		Tools:   models.StringList(req.Tools),
		Memory:  req.Memory,
		Data:    models.JSONMap(req.Data),
	}
	if err := h.service.UpdateNode(c.Request.Context(), appctx.UserID(c.Request.Context()), node); err != nil {
		httpapi.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "node": node})
}

func (h *Handlers) createEdge(c *gin.Context) {
	var req edgeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpapi.Error(c, apperrors.BadRequest("invalid request body: "+err.Error()))
		return
	}

	edge := &models.Edge{
		GraphID:      c.Param("graph_id"),
		SourceNodeID: req.SourceNodeID,
		TargetNodeID: req.TargetNodeID,
		Data:         models.JSONMap(req.Data),
	}
	created, err := h.service.CreateEdge(c.Request.Context(), appctx.UserID(c.Request.Context()), edge)
	if err != nil {
		httpapi.Error(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "edge": created})
}
