package middleware

import (
	"fmt"
	"io"
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"

	"hallucheck-backend/internal/shared/server/respond"
	"hallucheck-backend/internal/shared/telemetry"
)

// Recovery turns a handler panic into a 500 error envelope. Background job
// panics are recovered by the job service, not here.
func Recovery() gin.HandlerFunc {
	return gin.CustomRecoveryWithWriter(io.Discard, func(c *gin.Context, rec any) {
		telemetry.Error("http.panic", map[string]any{
			"request_id": RequestIDFromContext(c),
			"user_id":    UserIDFromContext(c),
			"job_id":     c.GetString(respond.JobIDKey),
			"error":      fmt.Sprint(rec),
			"stack":      string(debug.Stack()),
			"path":       c.Request.URL.Path,
			"method":     c.Request.Method,
		})
		respond.Error(c, http.StatusInternalServerError, "internal_error", "Unexpected server error", nil)
	})
}
