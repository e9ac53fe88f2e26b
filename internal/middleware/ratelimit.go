package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"corpmsg-backend/pkg/logger"
	"corpmsg-backend/pkg/response"
)

// RateLimiter implements Redis-based fixed window rate limiting
type RateLimiter struct {
	redisClient *redis.Client
	scope       string
	requests    int
	window      time.Duration
	now         func() time.Time
}

// NewRateLimiter creates a new rate limiter.
// scope namespaces the counters, e.g. "call_create" or "invite_join".
func NewRateLimiter(redisClient *redis.Client, scope string, requests int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		redisClient: redisClient,
		scope:       scope,
		requests:    requests,
		window:      window,
		now:         time.Now,
	}
}

// Middleware returns a Gin middleware for rate limiting. Authenticated
// requests are counted per user, others per client IP.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		identifier := "ip:" + c.ClientIP()
		if userID, ok := UserID(c); ok {
			identifier = "user:" + userID.String()
		}

		allowed, remaining, resetAt, err := rl.checkRateLimit(c.Request.Context(), identifier)
		if err != nil {
			// Fail-open when Redis is unavailable
			logger.FromContext(c.Request.Context()).Warn("Rate limit check failed",
				zap.String("scope", rl.scope),
				zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(rl.requests))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(resetAt, 10))

		if !allowed {
			response.Error(c, http.StatusTooManyRequests, "RATE_LIMITED", "Rate limit exceeded")
			c.Abort()
			return
		}

		c.Next()
	}
}

// checkRateLimit counts the request in the current window
func (rl *RateLimiter) checkRateLimit(ctx context.Context, identifier string) (bool, int, int64, error) {
	windowSecs := int64(rl.window / time.Second)
	if windowSecs < 1 {
		windowSecs = 1
	}
	now := rl.now().Unix()
	windowStart := now - now%windowSecs
	key := fmt.Sprintf("ratelimit:%s:%s:%d", rl.scope, identifier, windowStart)

	pipe := rl.redisClient.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, time.Duration(windowSecs)*time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, 0, fmt.Errorf("failed to increment rate limit: %w", err)
	}

	count := int(incr.Val())
	remaining := rl.requests - count
	if remaining < 0 {
		remaining = 0
	}

	return count <= rl.requests, remaining, windowStart + windowSecs, nil
}
