// Package handlers exposes the deployment version endpoints under
// /graphs/:graph_id/deployments.
package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentflow/agentflow/internal/common/appctx"
	apperrors "github.com/agentflow/agentflow/internal/common/errors"
	"github.com/agentflow/agentflow/internal/common/logger"
	"github.com/agentflow/agentflow/internal/deployment/service"
	"github.com/agentflow/agentflow/internal/httpapi"
)

// Handlers exposes deployment endpoints.
type Handlers struct {
	service *service.Service
	logger  *logger.Logger
}

// NewHandlers creates the deployment HTTP handlers.
func NewHandlers(svc *service.Service, log *logger.Logger) *Handlers {
	return &Handlers{
		service: svc,
		logger:  log.WithFields(zap.String("component", "deployment-handlers")),
	}
}

// RegisterRoutes mounts the deployment endpoints on the router group.
func (h *Handlers) RegisterRoutes(rg *gin.RouterGroup) {
	graphs := rg.Group("/graphs/:graph_id")
	graphs.POST("/deployments", h.deploy)
	graphs.GET("/deployments", h.listVersions)
	graphs.GET("/deploy", h.status)
	graphs.DELETE("/deploy", h.undeploy)
	graphs.GET("/deployments/:version", h.getVersion)
	graphs.GET("/deployments/:version/state", h.getVersionState)
	graphs.PATCH("/deployments/:version", h.renameVersion)
	graphs.POST("/deployments/:version/activate", h.activateVersion)
	graphs.POST("/deployments/:version/revert", h.revertToVersion)
	graphs.DELETE("/deployments/:version", h.deleteVersion)
}

type deployRequest struct {
	Name string `json:"name"`
}

type renameRequest struct {
	Name string `json:"name" binding:"required"`
}

func (h *Handlers) deploy(c *gin.Context) {
	var req deployRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			httpapi.Error(c, apperrors.BadRequest("invalid request body: "+err.Error()))
			return
		}
	}

	result, err := h.service.Deploy(c.Request.Context(), appctx.UserID(c.Request.Context()), c.Param("graph_id"), req.Name)
	if err != nil {
		httpapi.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":            true,
		"version":            result.Version.Version,
		"is_active":          result.Version.IsActive,
		"created":            result.Created,
		"needs_redeployment": result.NeedsRedeployment,
	})
}

func (h *Handlers) undeploy(c *gin.Context) {
	if err := h.service.Undeploy(c.Request.Context(), appctx.UserID(c.Request.Context()), c.Param("graph_id")); err != nil {
		httpapi.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *Handlers) status(c *gin.Context) {
	status, err := h.service.Status(c.Request.Context(), appctx.UserID(c.Request.Context()), c.Param("graph_id"))
	if err != nil {
		httpapi.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *Handlers) listVersions(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	size, _ := strconv.Atoi(c.DefaultQuery("size", "20"))

	versions, total, err := h.service.ListVersions(c.Request.Context(), appctx.UserID(c.Request.Context()), c.Param("graph_id"), page, size)
	if err != nil {
		httpapi.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"versions": versions,
		"total":    total,
		"page":     page,
		"size":     size,
	})
}

func (h *Handlers) getVersion(c *gin.Context) {
	version, ok := h.versionParam(c)
	if !ok {
		return
	}
	v, err := h.service.GetVersion(c.Request.Context(), appctx.UserID(c.Request.Context()), c.Param("graph_id"), version)
	if err != nil {
		httpapi.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "version": v})
}

func (h *Handlers) getVersionState(c *gin.Context) {
	version, ok := h.versionParam(c)
	if !ok {
		return
	}
	state, err := h.service.GetVersionState(c.Request.Context(), appctx.UserID(c.Request.Context()), c.Param("graph_id"), version)
	if err != nil {
		httpapi.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "state": state})
}

func (h *Handlers) renameVersion(c *gin.Context) {
	version, ok := h.versionParam(c)
	if !ok {
		return
	}
	var req renameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpapi.Error(c, apperrors.BadRequest("invalid request body: "+err.Error()))
		return
	}
	if err := h.service.RenameVersion(c.Request.Context(), appctx.UserID(c.Request.Context()), c.Param("graph_id"), version, req.Name); err != nil {
		httpapi.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *Handlers) activateVersion(c *gin.Context) {
	version, ok := h.versionParam(c)
	if !ok {
		return
	}
	if err := h.service.ActivateVersion(c.Request.Context(), appctx.UserID(c.Request.Context()), c.Param("graph_id"), version); err != nil {
		httpapi.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "version": version})
}

func (h *Handlers) revertToVersion(c *gin.Context) {
	version, ok := h.versionParam(c)
	if !ok {
		return
	}
	if err := h.service.RevertToVersion(c.Request.Context(), appctx.UserID(c.Request.Context()), c.Param("graph_id"), version); err != nil {
		httpapi.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "version": version})
}

func (h *Handlers) deleteVersion(c *gin.Context) {
	version, ok := h.versionParam(c)
	if !ok {
		return
	}
	if err := h.service.DeleteVersion(c.Request.Context(), appctx.UserID(c.Request.Context()), c.Param("graph_id"), version); err != nil {
		httpapi.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *Handlers) versionParam(c *gin.Context) (int, bool) {
	version, err := strconv.Atoi(c.Param("version"))
	if err != nil || version < 1 {
		httpapi.Error(c, apperrors.ValidationError("version", "must be a positive integer"))
		return 0, false
	}
	return version, true
}
