package middleware

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"roadside-backend/pkg/ratelimit"

	"github.com/gin-gonic/gin"
)

// RateLimitMiddleware limits requests per client and route category. It must
// run after AuthMiddleware to key authenticated callers by user id. Limiter
// failures let the request through.
func RateLimitMiddleware(limiter ratelimit.RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		category := ratelimit.CategoryFor(c.Request.Method, c.FullPath())
		clientID := getClientID(c)

		allowed, resetTime, err := limiter.Allow(c.Request.Context(), clientID, category)
		if err != nil {
			RequestLogger(c).Warn().Err(err).Str("category", category).Msg("rate limiter unavailable")
			c.Header("X-RateLimit-Error", "Rate limiter unavailable")
			c.Next()
			return
		}

		setRateLimitHeaders(c, limiter.LimitFor(category), allowed, resetTime)

		if !allowed {
			retryAfter := int(math.Ceil(resetTime.Seconds()))
			c.JSON(http.StatusTooManyRequests, gin.H{
				"success":    false,
				"message":    fmt.Sprintf("Too many requests. Try again in %ds", retryAfter),
				"error":      "RATE_LIMIT_EXCEEDED",
				"retryAfter": retryAfter,
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

// getClientID prefers the authenticated user, then the client IP.
func getClientID(c *gin.Context) string {
	if uid := c.GetString(ContextUserID); uid != "" {
		return "user:" + uid
	}
	return "ip:" + c.ClientIP()
}

func setRateLimitHeaders(c *gin.Context, limit ratelimit.RateLimit, allowed bool, resetTime time.Duration) {
	c.Header("X-RateLimit-Limit", strconv.Itoa(limit.BurstSize))
	c.Header("X-RateLimit-Window", strconv.Itoa(int(limit.WindowSize.Seconds())))

	if !allowed {
		c.Header("Retry-After", strconv.Itoa(int(math.Ceil(resetTime.Seconds()))))
	}
}
