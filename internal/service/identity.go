package service

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/blake2b"

	"estate_chat/internal/config"
	"estate_chat/internal/domain"
	"estate_chat/internal/repository"
	"estate_chat/pkg/errors"
	"estate_chat/pkg/logger"
)

// IdentityService определяет пользователя по bearer-токену
type IdentityService interface {
	Authenticate(ctx context.Context, token string) (*domain.Identity, error)
}

type identityService struct {
	baseURL    string
	jwtSecret  []byte
	cacheTTL   time.Duration
	cache      repository.TokenCacheRepository
	httpClient *http.Client
	timeout    time.Duration
	log        logger.Logger
}

func NewIdentityService(cfg config.IdentityConfig, cache repository.TokenCacheRepository, log logger.Logger) IdentityService {
	s := &identityService{
		baseURL:  strings.TrimRight(cfg.URL, "/"),
		cacheTTL: cfg.CacheTTL,
		cache:    cache,
		timeout:  cfg.Timeout,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		log: log,
	}
	if cfg.JWTSecret != "" {
		s.jwtSecret = []byte(cfg.JWTSecret)
	}
	return s
}

func (s *identityService) Authenticate(ctx context.Context, token string) (*domain.Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errors.Wrap(errors.ErrUnauthenticated, "authorization token required")
	}

	if s.jwtSecret != nil {
		return s.parseLocal(token)
	}

	key := tokenHash(token)
	if s.cache != nil && s.cacheTTL > 0 {
		if identity, ok := s.cache.Get(ctx, key); ok {
			return identity, nil
		}
	}

	identity, err := s.fetchCurrentUser(ctx, token)
	if err != nil {
		return nil, err
	}

	if s.cache != nil && s.cacheTTL > 0 {
		s.cache.Set(ctx, key, identity, s.cacheTTL)
	}
	return identity, nil
}

// tokenClaims - claims токенов основного API: ID пользователя в user_id или sub
type tokenClaims struct {
	UserID      json.Number `json:"user_id,omitempty"`
	Email       string      `json:"email,omitempty"`
	DisplayName string      `json:"display_name,omitempty"`
	jwt.RegisteredClaims
}

func (s *identityService) parseLocal(tokenString string) (*domain.Identity, error) {
	claims := &tokenClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		s.log.Debug("Token validation failed", "error", err)
		return nil, errors.ErrInvalidToken
	}

	raw := claims.UserID.String()
	if raw == "" {
		raw = claims.Subject
	}
	userID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || userID <= 0 {
		s.log.Debug("Token has no numeric user id", "user_id", raw)
		return nil, errors.ErrInvalidToken
	}

	return &domain.Identity{
		UserID:      userID,
		Email:       claims.Email,
		DisplayName: claims.DisplayName,
	}, nil
}

type currentUserResponse struct {
	ID        int64  `json:"id"`
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

func (s *identityService) fetchCurrentUser(ctx context.Context, token string) (*domain.Identity, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/users/me", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		s.log.Error("Identity gateway request failed", "error", err)
		return nil, errors.Unavailable("identity service is unavailable")
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, errors.ErrInvalidToken
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		s.log.Error("Identity gateway returned unexpected status", "status", resp.StatusCode, "body", string(body))
		return nil, errors.Unavailable(fmt.Sprintf("identity service returned status %d", resp.StatusCode))
	}

	var user currentUserResponse
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		s.log.Error("Failed to decode identity response", "error", err)
		return nil, errors.Unavailable("identity service returned malformed response")
	}
	if user.ID <= 0 {
		s.log.Error("Identity response has no user id")
		return nil, errors.ErrInvalidToken
	}

	profile := domain.UserProfile{ID: user.ID, FirstName: user.FirstName, LastName: user.LastName}
	return &domain.Identity{
		UserID:      user.ID,
		Email:       user.Email,
		DisplayName: profile.DisplayName(),
	}, nil
}

func tokenHash(token string) string {
	sum := blake2b.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
