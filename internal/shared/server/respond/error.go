package respond

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"hallucheck-backend/internal/shared/telemetry"
)

// Problem is the body of every non-2xx response.
type Problem struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type envelope struct {
	Error Problem `json:"error"`
}

// Error aborts the request with a {"error": {...}} envelope. 5xx is logged at
// error level, everything else at warn.
func Error(c *gin.Context, status int, code, message string, details any) {
	fields := map[string]any{
		"status":     status,
		"code":       code,
		"message":    message,
		"path":       c.Request.URL.Path,
		"method":     c.Request.Method,
		"request_id": c.GetString(RequestIDKey),
	}
	if owner := c.GetString(UserIDKey); owner != "" {
		fields["user_id"] = owner
	}
	if jobID := c.GetString(JobIDKey); jobID != "" {
		fields["job_id"] = jobID
	}

	log := telemetry.Warn
	if status >= http.StatusInternalServerError {
		log = telemetry.Error
	}
	log("http.error", fields)

	c.AbortWithStatusJSON(status, envelope{Error: Problem{Code: code, Message: message, Details: details}})
}
