package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// rateLimit applies a single global token-bucket limiter ahead of the
// dispatch endpoints, grounded on the teacher's pkg/client/rate_limiter.go
// but shared process-wide rather than per-key, matching the gateway's
// single shared fleet.
func rateLimit(limiter *rate.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limiter == nil || limiter.Allow() {
			c.Next()
			return
		}
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
	}
}
