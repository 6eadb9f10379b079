package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"hallucheck-backend/internal/shared/auth"
	"hallucheck-backend/internal/shared/server/respond"
)

const (
	identityKey   = "identity"
	guestIDHeader = "X-Guest-Id"
	guestPrefix   = "guest:"
)

// Identity is the caller a request acts for. Owner scopes every job lookup.
type Identity struct {
	Owner string
	Name  string
	Guest bool
}

// Auth resolves the caller from a bearer JWT or, failing that, an X-Guest-Id
// header. Requests with neither get 401. Paths listed in public pass through
// without an identity.
func Auth(public ...string) gin.HandlerFunc {
	open := make(map[string]bool, len(public))
	for _, p := range public {
		open[p] = true
	}
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodOptions || open[c.Request.URL.Path] {
			c.Next()
			return
		}

		id, ok := resolveIdentity(c)
		if !ok {
			return
		}
		c.Set(identityKey, id)
		c.Set(respond.UserIDKey, id.Owner)
		c.Next()
	}
}

func resolveIdentity(c *gin.Context) (Identity, bool) {
	if header := strings.TrimSpace(c.GetHeader("Authorization")); header != "" {
		scheme, token, _ := strings.Cut(header, " ")
		token = strings.TrimSpace(token)
		if !strings.EqualFold(scheme, "Bearer") || token == "" {
			respond.Error(c, http.StatusUnauthorized, "unauthorized", "missing or invalid token", nil)
			return Identity{}, false
		}
		claims, err := auth.VerifyJWT(token)
		if err != nil {
			respond.Error(c, http.StatusUnauthorized, "unauthorized", "missing or invalid token", nil)
			return Identity{}, false
		}
		return Identity{Owner: claims.Subject, Name: claims.Name}, true
	}

	guest := strings.TrimSpace(c.GetHeader(guestIDHeader))
	switch {
	case guest == "":
		respond.Error(c, http.StatusUnauthorized, "unauthorized", "missing identity", nil)
		return Identity{}, false
	case !plainToken(guest):
		respond.Error(c, http.StatusUnauthorized, "unauthorized", "invalid guest id", nil)
		return Identity{}, false
	}
	return Identity{Owner: guestPrefix + guest, Guest: true}, true
}

// IdentityFromContext returns the identity stored by Auth.
func IdentityFromContext(c *gin.Context) (Identity, bool) {
	if c == nil {
		return Identity{}, false
	}
	v, ok := c.Get(identityKey)
	if !ok {
		return Identity{}, false
	}
	id, ok := v.(Identity)
	return id, ok
}

// UserIDFromContext is the owner key of the caller, or "" on public paths.
func UserIDFromContext(c *gin.Context) string {
	id, _ := IdentityFromContext(c)
	return id.Owner
}
