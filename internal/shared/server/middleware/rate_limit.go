package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// idle buckets older than this are dropped once they have refilled
const bucketIdleTTL = 10 * time.Minute

// Quota is a token bucket: Rate tokens per second, at most Burst banked.
type Quota struct {
	Rate  float64
	Burst int
}

func (q Quota) unlimited() bool { return q.Rate <= 0 || q.Burst <= 0 }

// RateLimitConfig maps each request to a named class with its own quota.
// A class with no quota, or an empty class, is not limited.
type RateLimitConfig struct {
	Quotas   map[string]Quota
	Classify func(*gin.Context) string
	Limiter  *RateLimiter
}

// RateLimiter holds one bucket per caller and class.
type RateLimiter struct {
	mu        sync.Mutex
	buckets   map[string]*bucket
	now       func() time.Time
	lastSweep time.Time
}

type bucket struct {
	lim   *rate.Limiter
	burst int
	seen  time.Time
}

func NewRateLimiter(now func() time.Time) *RateLimiter {
	if now == nil {
		now = time.Now
	}
	return &RateLimiter{buckets: make(map[string]*bucket), now: now}
}

// RateLimit rejects over-quota requests with 429, a Retry-After header and
// retryAfterMs in the body. Callers are keyed by owner, falling back to IP.
func RateLimit(cfg RateLimitConfig) gin.HandlerFunc {
	if cfg.Limiter == nil {
		cfg.Limiter = NewRateLimiter(nil)
	}
	return func(c *gin.Context) {
		class := ""
		if cfg.Classify != nil {
			class = cfg.Classify(c)
		}
		quota, ok := cfg.Quotas[class]
		if class == "" || !ok {
			c.Next()
			return
		}

		caller := UserIDFromContext(c)
		if caller == "" {
			caller = "ip:" + c.ClientIP()
		}
		allowed, wait := cfg.Limiter.Allow(caller+"|"+class, quota)
		if allowed {
			c.Next()
			return
		}

		waitMs := wait.Milliseconds()
		if waitMs <= 0 {
			waitMs = 1000
		}
		c.Header("Retry-After", strconv.FormatInt((waitMs+999)/1000, 10))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":        gin.H{"code": "rate_limited", "message": "too many requests"},
			"retryAfterMs": waitMs,
		})
	}
}

// Allow takes one token from key's bucket. When the bucket is empty it
// reports how long until a token is available and takes nothing.
func (l *RateLimiter) Allow(key string, q Quota) (bool, time.Duration) {
	if l == nil || q.unlimited() {
		return true, 0
	}
	now := l.now()

	l.mu.Lock()
	l.sweep(now)
	b, ok := l.buckets[key]
	if !ok || b.burst != q.Burst {
		b = &bucket{lim: rate.NewLimiter(rate.Limit(q.Rate), q.Burst), burst: q.Burst}
		l.buckets[key] = b
	}
	b.seen = now
	l.mu.Unlock()

	res := b.lim.ReserveN(now, 1)
	if !res.OK() {
		return false, time.Second
	}
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// sweep runs at most once per TTL. Caller holds l.mu.
func (l *RateLimiter) sweep(now time.Time) {
	if now.Sub(l.lastSweep) < bucketIdleTTL {
		return
	}
	l.lastSweep = now
	for key, b := range l.buckets {
		if now.Sub(b.seen) >= bucketIdleTTL && b.lim.TokensAt(now) >= float64(b.burst) {
			delete(l.buckets, key)
		}
	}
}
