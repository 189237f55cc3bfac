package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"estate_chat/internal/domain"
	"estate_chat/pkg/errors"
	"estate_chat/pkg/logger"
)

type fakeIdentity struct {
	tokens map[string]int64
	err    error
}

func (f *fakeIdentity) Authenticate(_ context.Context, token string) (*domain.Identity, error) {
	if f.err != nil {
		return nil, f.err
	}
	id, ok := f.tokens[token]
	if !ok {
		return nil, errors.ErrInvalidToken
	}
	return &domain.Identity{UserID: id}, nil
}

func newAuthRouter(identity *fakeIdentity) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(ErrorHandler(logger.Nop()))
	auth := NewAuthMiddleware(identity, logger.Nop())
	r.GET("/me", auth.RequireAuth(), func(c *gin.Context) {
		identity, _ := c.Get(ContextIdentity)
		c.JSON(http.StatusOK, gin.H{
			"user_id":  c.GetInt64(ContextUserID),
			"identity": identity != nil,
		})
	})
	return r
}

func TestRequireAuth(t *testing.T) {
	identity := &fakeIdentity{tokens: map[string]int64{"good": 42}}

	tests := []struct {
		name       string
		header     string
		wantStatus int
		wantError  string
	}{
		{"missing header", "", http.StatusUnauthorized, "authorization header required"},
		{"wrong scheme", "Basic Zm9vOmJhcg==", http.StatusUnauthorized, "invalid authorization header format"},
		{"empty token", "Bearer ", http.StatusUnauthorized, "invalid authorization header format"},
		{"rejected token", "Bearer bad", http.StatusUnauthorized, "invalid or expired token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			newAuthRouter(identity).ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			var resp map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantError, resp["error"])
		})
	}
}

func TestRequireAuthSetsUser(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "bearer good")
	rec := httptest.NewRecorder()
	newAuthRouter(&fakeIdentity{tokens: map[string]int64{"good": 42}}).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"user_id": 42, "identity": true}`, rec.Body.String())
}

func TestRequireAuthIdentityUnavailable(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer good")
	rec := httptest.NewRecorder()
	newAuthRouter(&fakeIdentity{err: errors.Unavailable("identity service unavailable")}).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"error": "identity service unavailable"}`, rec.Body.String())
}
