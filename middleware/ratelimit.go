package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Counter increments a windowed counter and returns the new value.
type Counter interface {
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
}

// RateLimit allows limit requests per client ip per window within scope.
// If the counter is unavailable requests are let through.
func RateLimit(counter Counter, scope string, limit int, window time.Duration, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := fmt.Sprintf("%s:%s", scope, c.ClientIP())
		n, err := counter.Incr(c.Request.Context(), key, window)
		if err != nil {
			logger.Warn("Rate limit counter unavailable",
				zap.String("trace_id", GetTraceID(c.Request.Context())),
				zap.String("scope", scope),
				zap.Error(err),
			)
			c.Next()
			return
		}

		if n > int64(limit) {
			c.Header("Retry-After", strconv.Itoa(int(window.Seconds())))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"success": false,
				"message": "Too many requests, please try again later",
			})
			return
		}
		c.Next()
	}
}
