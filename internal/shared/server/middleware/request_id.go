package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"hallucheck-backend/internal/shared/server/respond"
)

const (
	requestIDHeader = "X-Request-Id"
	maxTokenLen     = 128
)

// RequestID reuses a caller's X-Request-Id when it is a plain token and
// otherwise generates one. The id is echoed in the response header.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if !plainToken(id) {
			id = uuid.NewString()
		}
		c.Set(respond.RequestIDKey, id)
		c.Writer.Header().Set(requestIDHeader, id)
		c.Next()
	}
}

// RequestIDFromContext fetches the request ID stored by RequestID middleware.
func RequestIDFromContext(c *gin.Context) string {
	if c == nil {
		return ""
	}
	return c.GetString(respond.RequestIDKey)
}

// plainToken reports whether a caller-supplied id is 1..128 chars of
// [A-Za-z0-9._:-]. Such ids end up in log lines, queue messages and owner keys.
func plainToken(id string) bool {
	if id == "" || len(id) > maxTokenLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		ch := id[i]
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9':
		case ch == '-', ch == '_', ch == '.', ch == ':':
		default:
			return false
		}
	}
	return true
}
