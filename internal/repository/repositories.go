package repository

import (
	"github.com/redis/go-redis/v9"

	"estate_chat/internal/queue"
	"estate_chat/pkg/logger"
)

type Repositories struct {
	Chat       ChatRepository
	ChatCache  ChatCacheRepository
	Messages   *SyncingMessageStore
	Audit      AuditRepository
	RateLimit  RateLimitRepository
	TokenCache TokenCacheRepository
}

func NewRepositories(db DB, redis *redis.Client, mirror queue.Client, syncOpts SyncOptions, log logger.Logger) *Repositories {
	chat := NewChatRepository(db, log)
	cache := NewChatCacheRepository(redis, log)

	repos := &Repositories{
		Chat:       chat,
		ChatCache:  cache,
		Messages:   NewSyncingMessageStore(cache, chat, mirror, syncOpts, log),
		Audit:      NewAuditRepository(db, log),
		RateLimit:  NewRateLimitRepository(redis, log),
		TokenCache: NewTokenCacheRepository(redis, log),
	}

	log.Info("Repositories initialized", "mirror_queue", syncOpts.Queue)

	return repos
}
