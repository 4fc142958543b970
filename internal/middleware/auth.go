// Package middleware provides shared gin middleware.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/agentflow/agentflow/internal/common/appctx"
)

// Identity attaches the authenticated caller's user id to the request
// context. Token verification happens at the edge; this trusts the identity
// headers it is handed. Requests without an identity are rejected.
func Identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetHeader("X-User-ID")
		if userID == "" {
			if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
				userID = strings.TrimPrefix(auth, "Bearer ")
			}
		}
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"error":   gin.H{"kind": "UNAUTHORIZED", "message": "missing caller identity"},
			})
			return
		}
		c.Request = c.Request.WithContext(appctx.WithUserID(c.Request.Context(), userID))
		c.Next()
	}
}
