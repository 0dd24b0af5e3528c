package middleware

import (
	"context"
	"net/http"
	"strconv"

	"sentinal-e2ee/internal/redis"
	"sentinal-e2ee/internal/transport/httpdto"

	"github.com/gin-gonic/gin"
)

type limitFunc func(ctx context.Context, subject string) (*redis.RateLimitResult, error)

// LoginRateLimit limits login attempts per client IP.
func LoginRateLimit(limiter *redis.RateLimiter) gin.HandlerFunc {
	return rateLimit(limiter.AllowLogin, func(c *gin.Context) string { return c.ClientIP() })
}

// ClaimRateLimit limits one-time key claims per authenticated user.
func ClaimRateLimit(limiter *redis.RateLimiter) gin.HandlerFunc {
	return rateLimit(limiter.AllowClaim, func(c *gin.Context) string {
		d, _ := DeviceFromContext(c.Request.Context())
		return d.UserID
	})
}

func rateLimit(allow limitFunc, subject func(*gin.Context) string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := subject(c)
		if key == "" {
			c.Next()
			return
		}
		result, err := allow(c.Request.Context(), key)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, httpdto.NewMatrixError("M_UNKNOWN", "rate limit error"))
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(result.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(int64(result.ResetIn.Seconds()), 10))

		if !result.Allowed {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, httpdto.NewLimitExceeded(result.ResetIn.Milliseconds()))
			return
		}
		c.Next()
	}
}
