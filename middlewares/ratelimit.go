package middlewares

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateLimiterConfig holds the per-client limits.
type RateLimiterConfig struct {
	RequestsPerSecond float64
	Burst             int
	IdleTTL           time.Duration
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimiters keeps one token bucket per client IP.
type rateLimiters struct {
	mu      sync.Mutex
	clients map[string]*clientLimiter
	config  RateLimiterConfig
}

func (r *rateLimiters) allow(ip string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, cl := range r.clients {
		if now.Sub(cl.lastSeen) > r.config.IdleTTL {
			delete(r.clients, key)
		}
	}

	cl, ok := r.clients[ip]
	if !ok {
		cl = &clientLimiter{limiter: rate.NewLimiter(rate.Limit(r.config.RequestsPerSecond), r.config.Burst)}
		r.clients[ip] = cl
	}
	cl.lastSeen = now
	return cl.limiter.AllowN(now, 1)
}

// NewRateLimiterMiddleware rejects clients that exceed their request budget.
func NewRateLimiterMiddleware(config RateLimiterConfig) gin.HandlerFunc {
	if config.IdleTTL <= 0 {
		config.IdleTTL = 10 * time.Minute
	}
	limiters := &rateLimiters{clients: make(map[string]*clientLimiter), config: config}

	return func(c *gin.Context) {
		if !limiters.allow(c.ClientIP(), time.Now()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}
