package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"skillsync-chat/internal/telemetry"
)

// RelayStats reports live relay state for the debug endpoint.
type RelayStats interface {
	Online() []string
}

// RegisterDebugRoutes wires debug-only endpoints.
func RegisterDebugRoutes(router gin.IRouter, emitter *telemetry.AuditEmitter, relay RelayStats, enabled bool) {
	if !enabled {
		return
	}

	router.GET("/debug/audit-test", func(c *gin.Context) {
		if emitter == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit emitter not configured"})
			return
		}
		emitter.Emit(c.Request.Context(), "INFO", "audit test", requestIDFromContext(c), userIDFromContext(c))
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/debug/relay", func(c *gin.Context) {
		if relay == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "relay not configured"})
			return
		}
		online := relay.Online()
		c.JSON(http.StatusOK, gin.H{"connections": len(online), "users": online})
	})
}
