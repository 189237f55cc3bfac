package service

import (
	"context"

	"estate_chat/internal/domain"
	"estate_chat/internal/repository"
	"estate_chat/pkg/logger"
)

type ReadService interface {
	// MarkAllRead - отметка через HTTP, рассылает messages_read
	MarkAllRead(ctx context.Context, chatID string, userID int64) (*domain.ReadReceipt, error)
	// AcknowledgeRead - отметка из сокета, рассылает message_status_update
	AcknowledgeRead(ctx context.Context, chatID string, userID int64) (*domain.ReadReceipt, error)
}

type readService struct {
	cache       repository.ChatCacheRepository
	store       repository.MessageStore
	broadcaster Broadcaster
	clock       Clock
	log         logger.Logger
}

func NewReadService(cache repository.ChatCacheRepository, store repository.MessageStore, broadcaster Broadcaster, clock Clock, log logger.Logger) ReadService {
	return &readService{
		cache:       cache,
		store:       store,
		broadcaster: broadcaster,
		clock:       clock,
		log:         log,
	}
}

func (s *readService) MarkAllRead(ctx context.Context, chatID string, userID int64) (*domain.ReadReceipt, error) {
	return s.markRead(ctx, chatID, userID, domain.EventMessagesRead)
}

func (s *readService) AcknowledgeRead(ctx context.Context, chatID string, userID int64) (*domain.ReadReceipt, error) {
	return s.markRead(ctx, chatID, userID, domain.EventMessageStatusUpdate)
}

func (s *readService) markRead(ctx context.Context, chatID string, userID int64, event string) (*domain.ReadReceipt, error) {
	if err := requireParticipant(ctx, s.cache, chatID, userID); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	ids, err := s.store.MarkRead(ctx, chatID, userID, now)
	if err != nil {
		return nil, err
	}

	receipt := &domain.ReadReceipt{
		ChatID:     chatID,
		ReaderID:   userID,
		MessageIDs: ids,
		ReadAt:     now,
	}
	if receipt.MessageIDs == nil {
		receipt.MessageIDs = []string{}
	}

	// повторная отметка ничего не меняет и не рассылается
	if len(ids) > 0 {
		s.broadcaster.BroadcastToChat(chatID, event, domain.MessagesReadEvent{
			ChatID:     chatID,
			ReaderID:   userID,
			MessageIDs: ids,
		}, 0)
		s.log.Debug("Messages marked as read", "chat_id", chatID, "user_id", userID, "count", len(ids))
	}

	return receipt, nil
}
