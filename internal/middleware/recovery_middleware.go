// internal/middleware/recovery_middleware.go
package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"link-service/internal/utils"
)

// RecoveryMiddleware turns a handler panic into a 500 response. A stream
// that already wrote its response (a hijacked WebSocket) is only aborted.
func RecoveryMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logger.Error("Handler panicked",
			zap.Any("panic", recovered),
			zap.String("request_id", c.GetString("request_id")),
			zap.String("route", c.FullPath()),
			zap.String("method", c.Request.Method),
			zap.Stack("stacktrace"),
		)

		if c.Writer.Written() {
			c.Abort()
			return
		}
		utils.ErrorResponse(c, http.StatusInternalServerError, "Internal server error", nil)
		c.Abort()
	})
}
