// Package httpapi provides shared response helpers for HTTP handlers.
package httpapi

import (
	"errors"

	"github.com/gin-gonic/gin"

	apperrors "github.com/agentflow/agentflow/internal/common/errors"
)

// Error writes the standard error payload {success: false, error: {kind,
// message}} with the HTTP status matching the error kind.
func Error(c *gin.Context, err error) {
	status := apperrors.GetHTTPStatus(err)
	kind := apperrors.ErrCodeInternalError
	message := err.Error()

	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		kind = appErr.Code
		message = appErr.Message
	}

	c.JSON(status, gin.H{
		"success": false,
		"error":   gin.H{"kind": kind, "message": message},
	})
}
