// Package httpapi is the gateway's HTTP surface: gin router, handlers
// for every endpoint in spec §6, and the middleware chain (request
// logging, panic recovery, shared-secret auth) adapted from the
// teacher's pkg/server/middleware package.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// requestLogger logs one structured line per request, grounded on the
// teacher's pkg/server/middleware/logging.go.
func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info("http_request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}

// recovery converts a panic in any handler into a 500 instead of
// crashing the process, logging the panic value.
func recovery(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("http handler panic recovered", zap.Any("panic", r))
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			}
		}()
		c.Next()
	}
}

// auth gates mutating/dispatch endpoints behind a shared secret header
// when apiKey is non-empty (spec §6). Empty apiKey disables the gate
// entirely, matching the original gateway's opt-in auth.
func auth(apiKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if apiKey == "" {
			c.Next()
			return
		}
		if c.GetHeader("X-API-Key") != apiKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing api key"})
			return
		}
		c.Next()
	}
}
