package middleware

import (
	"fmt"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"estate_chat/internal/domain"
	"estate_chat/internal/service"
	"estate_chat/pkg/errors"
	"estate_chat/pkg/logger"
)

type RateLimitMiddleware struct {
	rateLimitService service.RateLimitService
	log              logger.Logger
}

func NewRateLimitMiddleware(rateLimitService service.RateLimitService, log logger.Logger) *RateLimitMiddleware {
	return &RateLimitMiddleware{
		rateLimitService: rateLimitService,
		log:              log,
	}
}

// Limit ограничивает запросы по IP клиента
func (m *RateLimitMiddleware) Limit(rule domain.RateLimitRule) gin.HandlerFunc {
	return m.limit(rule, func(c *gin.Context) string { return c.ClientIP() })
}

// LimitUser ограничивает запросы по аутентифицированному пользователю; ставится после RequireAuth
func (m *RateLimitMiddleware) LimitUser(rule domain.RateLimitRule) gin.HandlerFunc {
	return m.limit(rule, func(c *gin.Context) string {
		if userID := c.GetInt64(ContextUserID); userID != 0 {
			return strconv.FormatInt(userID, 10)
		}
		return c.ClientIP()
	})
}

func (m *RateLimitMiddleware) limit(rule domain.RateLimitRule, keyFn func(c *gin.Context) string) gin.HandlerFunc {
	return func(c *gin.Context) {
		result, err := m.rateLimitService.Allow(c.Request.Context(), rule, keyFn(c))
		if err != nil {
			m.log.Error("Rate limit check failed", "error", err, "scope", rule.Scope)
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(rule.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
		if !result.Allowed {
			c.Header("Retry-After", strconv.Itoa(int(result.ResetIn.Seconds())+1))
			_ = c.Error(errors.Wrap(errors.ErrRateLimited, fmt.Sprintf("rate limit exceeded, retry in %s", result.ResetIn.Round(time.Second))))
			c.Abort()
			return
		}
		c.Next()
	}
}
