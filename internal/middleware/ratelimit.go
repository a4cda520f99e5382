package middleware

import (
	"net/http"
	"sync"

	"github.com/edgeswarm/edgegate/internal/config"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateLimitMiddleware applies a per-client token bucket keyed by API key
// (falling back to client IP for unauthenticated development traffic).
func RateLimitMiddleware(cfg *config.Config) gin.HandlerFunc {
	var (
		mu       sync.Mutex
		limiters = make(map[string]*rate.Limiter)
	)

	qps := cfg.Auth.RateQPS
	burst := cfg.Auth.RateBurst
	if qps <= 0 {
		qps = 50
	}
	if burst <= 0 {
		burst = 100
	}

	limiterFor := func(key string) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()
		if l, ok := limiters[key]; ok {
			return l
		}
		l := rate.NewLimiter(rate.Limit(qps), burst)
		limiters[key] = l
		return l
	}

	return func(c *gin.Context) {
		key := c.GetHeader(HeaderGatewayKey)
		if key == "" {
			key = c.ClientIP()
		}

		if !limiterFor(key).Allow() {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate limit exceeded",
				"retry_after": "1s",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}
