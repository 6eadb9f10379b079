package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"hallucheck-backend/internal/shared/config"
	"hallucheck-backend/internal/shared/metrics"
	"hallucheck-backend/internal/shared/server/middleware"
	"hallucheck-backend/internal/shared/server/respond"
)

const (
	healthPath  = "/healthz"
	metricsPath = "/metrics"

	rateClassSubmit = "SUBMIT"
	rateClassPoll   = "POLL"
)

// RouteRegistrar mounts routes under /api/v1.
type RouteRegistrar interface {
	RegisterRoutes(rg *gin.RouterGroup)
}

// RouterDeps carries the handlers and limits wired into the engine.
type RouterDeps struct {
	Config   config.Config
	Handlers []RouteRegistrar
	Limiter  *middleware.RateLimiter
}

// NewRouter constructs the Gin engine with middleware and routes registered.
func NewRouter(deps RouterDeps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	r.Use(
		middleware.RequestID(),
		middleware.Logging(),
		middleware.Recovery(),
		middleware.CORS(deps.Config.CORSAllowOrigin),
		middleware.Auth(healthPath, metricsPath),
		middleware.RateLimit(rateLimitConfig(deps)),
	)

	r.GET(healthPath, func(c *gin.Context) {
		respond.OK(c, gin.H{"ok": true})
	})
	r.GET(metricsPath, metrics.Handler())

	api := r.Group("/api/v1")
	for _, h := range deps.Handlers {
		if h != nil {
			h.RegisterRoutes(api)
		}
	}

	return r
}

// Submissions get the configured quota; polls get four times that since
// clients poll every couple of seconds. Health and metrics are not limited.
func rateLimitConfig(deps RouterDeps) middleware.RateLimitConfig {
	rps := deps.Config.RateLimitRPS
	burst := deps.Config.RateLimitBurst
	return middleware.RateLimitConfig{
		Quotas: map[string]middleware.Quota{
			rateClassSubmit: {Rate: rps, Burst: burst},
			rateClassPoll:   {Rate: rps * 4, Burst: burst * 4},
		},
		Classify: func(c *gin.Context) string {
			switch c.Request.URL.Path {
			case healthPath, metricsPath:
				return ""
			}
			if c.Request.Method == http.MethodPost {
				return rateClassSubmit
			}
			return rateClassPoll
		},
		Limiter: deps.Limiter,
	}
}

// Addr normalizes the listen address.
func Addr(port string) string {
	if port == "" {
		return ":8080"
	}
	if port[0] == ':' {
		return port
	}
	return ":" + port
}
