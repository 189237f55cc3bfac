package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"estate_chat/internal/domain"
	"estate_chat/pkg/logger"
)

// TokenCacheRepository кэширует результат проверки токена в Identity Gateway
type TokenCacheRepository interface {
	Get(ctx context.Context, tokenHash string) (*domain.Identity, bool)
	Set(ctx context.Context, tokenHash string, identity *domain.Identity, ttl time.Duration)
}

type tokenCacheRepository struct {
	redis *redis.Client
	log   logger.Logger
}

func NewTokenCacheRepository(redis *redis.Client, log logger.Logger) TokenCacheRepository {
	return &tokenCacheRepository{redis: redis, log: log}
}

func (r *tokenCacheRepository) Get(ctx context.Context, tokenHash string) (*domain.Identity, bool) {
	raw, err := r.redis.Get(ctx, tokenCacheKey(tokenHash)).Bytes()
	if err != nil {
		if err != redis.Nil {
			r.log.Warn("Failed to read token cache", "error", err)
		}
		return nil, false
	}

	var identity domain.Identity
	if err := json.Unmarshal(raw, &identity); err != nil {
		r.log.Warn("Failed to decode cached identity", "error", err)
		return nil, false
	}
	return &identity, true
}

func (r *tokenCacheRepository) Set(ctx context.Context, tokenHash string, identity *domain.Identity, ttl time.Duration) {
	raw, err := json.Marshal(identity)
	if err != nil {
		return
	}
	if err := r.redis.Set(ctx, tokenCacheKey(tokenHash), raw, ttl).Err(); err != nil {
		r.log.Warn("Failed to write token cache", "error", err)
	}
}
