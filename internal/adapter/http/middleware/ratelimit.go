package middleware

import (
	"fmt"
	"strconv"
	"time"

	redisStore "boltcard-withdraw-authority/internal/adapter/storage/redis"
	"boltcard-withdraw-authority/pkg/apperror"
	"boltcard-withdraw-authority/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// RateLimitRule defines a rate limit for an endpoint group.
type RateLimitRule struct {
	Limit  int64
	Window time.Duration
}

// DefaultRateLimitRules returns the default rate limits per endpoint group.
// The tap and callback endpoints sit on the hot path for a physical NFC
// device, which can legitimately retry a few times per second on a flaky
// reader; the admin endpoint is far stricter since it is operator-only.
func DefaultRateLimitRules() map[string]RateLimitRule {
	return map[string]RateLimitRule{
		"ln":          {Limit: 30, Window: time.Minute},
		"ln_callback": {Limit: 30, Window: time.Minute},
		"new":         {Limit: 10, Window: time.Minute},
		"admin":       {Limit: 20, Window: time.Minute},
	}
}

// RateLimiter creates a rate-limiting middleware for a given endpoint group.
func RateLimiter(store *redisStore.RateLimitStore, group string, rule RateLimitRule, log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		identifier := c.ClientIP()
		key := fmt.Sprintf("%s:%s", identifier, group)

		result, err := store.Allow(c.Request.Context(), key, rule.Limit, rule.Window)
		if err != nil {
			log.Warn().Err(err).Str("group", group).Msg("rate limit check failed, allowing request (degraded mode)")
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(result.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(result.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt, 10))

		if !result.Allowed {
			retryAfter := result.ResetAt - time.Now().Unix()
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.FormatInt(retryAfter, 10))
			if isLnurlGroup(group) {
				response.LnurlError(c, apperror.ErrRateLimited())
			} else {
				response.Error(c, apperror.ErrRateLimited())
			}
			c.Abort()
			return
		}

		c.Next()
	}
}

func isLnurlGroup(group string) bool {
	return group == "ln" || group == "ln_callback" || group == "new"
}
