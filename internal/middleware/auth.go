package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"estate_chat/internal/service"
	"estate_chat/pkg/errors"
	"estate_chat/pkg/logger"
)

// Ключи контекста gin, которые выставляет RequireAuth
const (
	ContextUserID   = "user_id"
	ContextIdentity = "identity"
)

type AuthMiddleware struct {
	identityService service.IdentityService
	log             logger.Logger
}

func NewAuthMiddleware(identityService service.IdentityService, log logger.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		identityService: identityService,
		log:             log,
	}
}

func (m *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			m.abort(c, errors.Wrap(errors.ErrUnauthenticated, "authorization header required"))
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
			m.abort(c, errors.Wrap(errors.ErrUnauthenticated, "invalid authorization header format"))
			return
		}

		identity, err := m.identityService.Authenticate(c.Request.Context(), strings.TrimSpace(parts[1]))
		if err != nil {
			if !errors.Is(err, errors.ErrUnauthenticated) {
				m.log.Error("Failed to authenticate request", "error", err, "path", c.Request.URL.Path)
			}
			m.abort(c, err)
			return
		}

		c.Set(ContextUserID, identity.UserID)
		c.Set(ContextIdentity, identity)
		c.Next()
	}
}

func (m *AuthMiddleware) abort(c *gin.Context, err error) {
	_ = c.Error(err)
	c.Abort()
}
