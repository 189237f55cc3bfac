package service

import (
	"context"
	"time"

	"estate_chat/internal/domain"
	"estate_chat/internal/repository"
	"estate_chat/pkg/errors"
	"estate_chat/pkg/logger"
)

// ReconcileService дозаписывает в Durable Store сообщения, которые не дошли через очередь
type ReconcileService interface {
	ReconcileOnce(ctx context.Context) (int, error)
	Run(ctx context.Context, interval time.Duration)
}

type reconcileService struct {
	cache    repository.ChatCacheRepository
	chatRepo repository.ChatRepository
	audit    AuditService
	window   time.Duration
	now      func() time.Time
	log      logger.Logger
}

func NewReconcileService(cache repository.ChatCacheRepository, chatRepo repository.ChatRepository, audit AuditService, window time.Duration, log logger.Logger) ReconcileService {
	return &reconcileService{
		cache:    cache,
		chatRepo: chatRepo,
		audit:    audit,
		window:   window,
		now:      time.Now,
		log:      log,
	}
}

func (s *reconcileService) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.Info("Reconciler started", "interval", interval, "window", s.window)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("Reconciler stopped")
			return
		case <-ticker.C:
			if repaired, err := s.ReconcileOnce(ctx); err != nil {
				s.log.Error("Reconcile pass failed", "error", err)
			} else if repaired > 0 {
				s.log.Info("Reconcile pass repaired messages", "count", repaired)
			}
		}
	}
}

// ReconcileOnce проверяет чаты, обновленные за последнее окно, и возвращает число восстановленных сообщений
func (s *reconcileService) ReconcileOnce(ctx context.Context) (int, error) {
	since := s.now().UTC().Add(-s.window)
	total := 0

	err := s.cache.ScanChatIDs(ctx, func(chatID string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		repaired, err := s.reconcileChat(ctx, chatID, since)
		if err != nil {
			s.log.Warn("Failed to reconcile chat", "error", err, "chat_id", chatID)
			return nil
		}
		total += repaired
		return nil
	})
	return total, err
}

func (s *reconcileService) reconcileChat(ctx context.Context, chatID string, since time.Time) (int, error) {
	metas, err := s.cache.ChatMetas(ctx, []string{chatID})
	if err != nil {
		return 0, err
	}
	meta, ok := metas[chatID]
	if !ok || meta.UpdatedAt.Before(since) {
		return 0, nil
	}

	fastIDs, err := s.cache.MessageIDsSince(ctx, chatID, since)
	if err != nil || len(fastIDs) == 0 {
		return 0, err
	}
	durableIDs, err := s.chatRepo.MessageIDsSince(ctx, chatID, since)
	if err != nil {
		return 0, err
	}

	stored := make(map[string]bool, len(durableIDs))
	for _, id := range durableIDs {
		stored[id] = true
	}

	repaired := 0
	for _, id := range fastIDs {
		if stored[id] {
			continue
		}
		msg, err := s.cache.GetMessage(ctx, id)
		if err != nil {
			s.log.Warn("Message indexed but missing in fast store", "error", err, "chat_id", chatID, "message_id", id)
			continue
		}
		preview := ""
		if content, err := domain.DecodeContent(msg.MessageType, msg.Content); err == nil {
			preview = content.Preview()
		}

		if err := s.chatRepo.AppendMessage(ctx, msg, preview); err != nil {
			if errors.Is(err, errors.ErrNotFound) {
				s.log.Warn("Chat is missing in durable store, skipping", "chat_id", chatID)
				return repaired, nil
			}
			return repaired, err
		}
		repaired++
	}

	if repaired > 0 {
		if err := s.audit.LogEvent(ctx, nil, domain.ActorRoleSystem, &chatID, domain.EventTypeChatRepaired, map[string]interface{}{
			"repaired_messages": repaired,
		}); err != nil {
			s.log.Warn("Failed to write audit event", "error", err, "chat_id", chatID)
		}
		s.log.Info("Re-mirrored missing messages", "chat_id", chatID, "count", repaired)
	}
	return repaired, nil
}
