package middlewares

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/vat_reconciliation/utils"
	"github.com/redis/go-redis/v9"
)

// RateLimiter is a fixed-window counter per caller kept in redis.
type RateLimiter struct {
	client func() *redis.Client
	limit  int64
	window time.Duration
}

// NewRateLimiter takes a client getter because redis connects after the listener is up.
func NewRateLimiter(client func() *redis.Client, limit int64, window time.Duration) *RateLimiter {
	return &RateLimiter{client: client, limit: limit, window: window}
}

func (rl *RateLimiter) key(c *gin.Context) string {
	if businessId, ok := utils.GetBusinessIdFromContext(c.Request.Context()); ok && businessId != "" {
		return "RateLimit:biz:" + businessId
	}
	return "RateLimit:ip:" + c.ClientIP()
}

func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		client := rl.client()
		if client == nil {
			c.Next()
			return
		}
		key := rl.key(c)
		count, err := client.Incr(c.Request.Context(), key).Result()
		if err != nil {
			// redis errors let the request through
			c.Next()
			return
		}
		if count == 1 {
			client.Expire(c.Request.Context(), key, rl.window)
		}
		if count > rl.limit {
			c.Header("Retry-After", fmt.Sprintf("%d", int(rl.window.Seconds())))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": fmt.Sprintf("rate limit exceeded, try again in %d seconds", int(rl.window.Seconds())),
			})
			return
		}
		c.Next()
	}
}
