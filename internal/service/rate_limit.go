package service

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"estate_chat/internal/domain"
	"estate_chat/internal/repository"
	"estate_chat/pkg/errors"
	"estate_chat/pkg/logger"
)

type RateLimitService interface {
	// Allow учитывает обращение по правилу и ключу. При недоступном Redis запрос пропускается.
	Allow(ctx context.Context, rule domain.RateLimitRule, key string) (*domain.RateLimitResult, error)
	// CheckSend применяет лимит отправки сообщений пользователя, возвращает ErrRateLimited при превышении
	CheckSend(ctx context.Context, userID int64) error
}

type rateLimitService struct {
	rateLimitRepo repository.RateLimitRepository
	sendRule      domain.RateLimitRule
	log           logger.Logger
}

func NewRateLimitService(rateLimitRepo repository.RateLimitRepository, sendRule domain.RateLimitRule, log logger.Logger) RateLimitService {
	return &rateLimitService{
		rateLimitRepo: rateLimitRepo,
		sendRule:      sendRule,
		log:           log,
	}
}

func (s *rateLimitService) Allow(ctx context.Context, rule domain.RateLimitRule, key string) (*domain.RateLimitResult, error) {
	if rule.Limit <= 0 {
		return &domain.RateLimitResult{Allowed: true}, nil
	}

	result, err := s.rateLimitRepo.Hit(ctx, rule.Scope, key, rule.Limit, rule.Window)
	if err != nil {
		s.log.Warn("Rate limiter unavailable, allowing request", "error", err, "scope", rule.Scope)
		return &domain.RateLimitResult{Allowed: true, Remaining: rule.Limit}, nil
	}
	return result, nil
}

func (s *rateLimitService) CheckSend(ctx context.Context, userID int64) error {
	result, err := s.Allow(ctx, s.sendRule, strconv.FormatInt(userID, 10))
	if err != nil {
		return err
	}
	if !result.Allowed {
		s.log.Warn("Send rate limit exceeded", "user_id", userID, "count", result.Count)
		return errors.Wrap(errors.ErrRateLimited, fmt.Sprintf("too many messages, retry in %s", result.ResetIn.Round(time.Second)))
	}
	return nil
}
