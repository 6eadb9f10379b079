package middleware

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"hallucheck-backend/internal/shared/server/respond"
	"hallucheck-backend/internal/shared/telemetry"
)

// Logging writes one "request.complete" line per request. Job handlers enrich
// it by setting respond.JobIDKey and respond.TransitionKey.
func Logging() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodOptions {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()

		fields := map[string]any{
			"request_id":        RequestIDFromContext(c),
			"method":            c.Request.Method,
			"path":              c.FullPath(),
			"status":            c.Writer.Status(),
			"bytes":             c.Writer.Size(),
			"duration_ms":       float64(time.Since(start).Microseconds()) / 1000.0,
			"user_id":           UserIDFromContext(c),
			"job_id":            c.GetString(respond.JobIDKey),
			"status_transition": c.GetString(respond.TransitionKey),
			"client_ip":         c.ClientIP(),
		}
		if fields["path"] == "" {
			fields["path"] = c.Request.URL.Path
		}
		if id, ok := IdentityFromContext(c); ok {
			fields["is_guest"] = id.Guest
		}
		if len(c.Errors) > 0 {
			fields["errors"] = c.Errors.String()
		}
		telemetry.Info("request.complete", fields)
	}
}
