package repository

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"estate_chat/internal/domain"
	"estate_chat/pkg/logger"
)

type RateLimitRepository interface {
	// Hit учитывает одно обращение в окне и сообщает, укладывается ли оно в лимит
	Hit(ctx context.Context, scope, key string, limit int, window time.Duration) (*domain.RateLimitResult, error)
}

type rateLimitRepository struct {
	redis *redis.Client
	log   logger.Logger
}

func NewRateLimitRepository(redis *redis.Client, log logger.Logger) RateLimitRepository {
	return &rateLimitRepository{redis: redis, log: log}
}

func (r *rateLimitRepository) Hit(ctx context.Context, scope, key string, limit int, window time.Duration) (*domain.RateLimitResult, error) {
	redisKey := rateLimitKey(scope, key)

	var incr *redis.IntCmd
	var ttl *redis.DurationCmd
	_, err := r.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, redisKey)
		ttl = pipe.PTTL(ctx, redisKey)
		return nil
	})
	if err != nil {
		r.log.Error("Failed to increment rate limit", "error", err, "scope", scope)
		return nil, err
	}

	count := incr.Val()
	resetIn := ttl.Val()
	// окно начинается с первого обращения
	if count == 1 || resetIn < 0 {
		if err := r.redis.PExpire(ctx, redisKey, window).Err(); err != nil {
			r.log.Warn("Failed to set rate limit window", "error", err, "scope", scope)
		}
		resetIn = window
	}

	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}

	return &domain.RateLimitResult{
		Allowed:   count <= int64(limit),
		Count:     count,
		Remaining: remaining,
		ResetIn:   resetIn,
	}, nil
}
