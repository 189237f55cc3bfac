package service

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"estate_chat/internal/domain"
	"estate_chat/internal/repository"
	"estate_chat/pkg/errors"
	"estate_chat/pkg/logger"
)

type CreateChatInput struct {
	PropertyID     int64
	ParticipantIDs []int64
	RequesterID    int64
}

type ChatService interface {
	// CreateChat возвращает существующий активный чат для той же тройки (объявление, участники) или создает новый.
	// created=false, если чат уже был.
	CreateChat(ctx context.Context, in CreateChatInput) (chat *domain.Chat, created bool, err error)
	ListChats(ctx context.Context, userID int64) ([]*domain.ChatSummary, error)
	GetChat(ctx context.Context, chatID string, userID int64) (*domain.Chat, error)
	ListParticipants(ctx context.Context, chatID string, userID int64) ([]*domain.Participant, error)
	DeleteChat(ctx context.Context, chatID string, userID int64) (*domain.DeleteOutcome, error)
	RestoreChat(ctx context.Context, chatID string, userID int64) (*domain.Chat, error)
}

type chatService struct {
	chatRepo    repository.ChatRepository
	cache       repository.ChatCacheRepository
	directory   DirectoryService
	audit       AuditService
	broadcaster Broadcaster
	clock       Clock
	log         logger.Logger
}

func NewChatService(
	chatRepo repository.ChatRepository,
	cache repository.ChatCacheRepository,
	directory DirectoryService,
	audit AuditService,
	broadcaster Broadcaster,
	clock Clock,
	log logger.Logger,
) ChatService {
	return &chatService{
		chatRepo:    chatRepo,
		cache:       cache,
		directory:   directory,
		audit:       audit,
		broadcaster: broadcaster,
		clock:       clock,
		log:         log,
	}
}

func (s *chatService) CreateChat(ctx context.Context, in CreateChatInput) (*domain.Chat, bool, error) {
	if in.PropertyID <= 0 {
		return nil, false, errors.InvalidArgument("property_id must be positive")
	}
	if len(in.ParticipantIDs) != 2 {
		return nil, false, errors.InvalidArgument("chat must have exactly two participants")
	}
	pair := domain.SortedPair(in.ParticipantIDs)
	if pair[0] <= 0 || pair[0] == pair[1] {
		return nil, false, errors.InvalidArgument("participants must be two distinct users")
	}
	if !slices.Contains(pair, in.RequesterID) {
		return nil, false, errors.Forbidden("requester must be one of the participants")
	}

	if chat, ok := s.findExisting(ctx, in.PropertyID, pair); ok {
		return chat, false, nil
	}

	chat, err := s.buildChat(ctx, in.PropertyID, pair, in.RequesterID)
	if err != nil {
		return nil, false, err
	}

	if err := s.chatRepo.CreateChat(ctx, chat); err != nil {
		if !errors.Is(err, errors.ErrConflict) {
			return nil, false, err
		}
		// параллельный запрос успел создать такой же чат
		winner, findErr := s.chatRepo.FindActiveChat(ctx, in.PropertyID, pair[0], pair[1])
		if findErr != nil {
			s.log.Error("Failed to load concurrently created chat", "error", findErr, "property_id", in.PropertyID)
			return nil, false, err
		}
		if err := s.cache.SaveChat(ctx, winner); err != nil {
			return nil, false, err
		}
		return winner, false, nil
	}

	if err := s.cache.SaveChat(ctx, chat); err != nil {
		return nil, false, err
	}

	logUserEvent(ctx, s.audit, s.log, in.RequesterID, chat.ID, domain.EventTypeChatCreated, map[string]interface{}{
		"property_id":  chat.PropertyID,
		"participants": pair,
	})
	s.broadcaster.NotifyUser(in.RequesterID, domain.EventNewChat, chat)

	s.log.Info("Chat created", "chat_id", chat.ID, "property_id", chat.PropertyID, "requester_id", in.RequesterID)
	return chat, true, nil
}

// findExisting ищет активный чат сначала по индексу Fast Store, затем в Durable Store
func (s *chatService) findExisting(ctx context.Context, propertyID int64, pair []int64) (*domain.Chat, bool) {
	chatID, err := s.cache.FindChatID(ctx, propertyID, pair[0], pair[1])
	if err == nil && chatID != "" {
		chat, err := s.cache.GetChat(ctx, chatID)
		if err == nil && !chat.IsArchived {
			return chat, true
		}
	}

	chat, err := s.chatRepo.FindActiveChat(ctx, propertyID, pair[0], pair[1])
	if err != nil {
		if !errors.Is(err, errors.ErrNotFound) {
			s.log.Warn("Durable chat lookup failed", "error", err, "property_id", propertyID)
		}
		return nil, false
	}

	if err := s.cache.SaveChat(ctx, chat); err != nil {
		s.log.Warn("Failed to re-mirror chat into fast store", "error", err, "chat_id", chat.ID)
	}
	return chat, true
}

func (s *chatService) buildChat(ctx context.Context, propertyID int64, pair []int64, requesterID int64) (*domain.Chat, error) {
	property, err := s.directory.GetProperty(ctx, propertyID)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(pair, property.OwnerID) {
		return nil, errors.InvalidArgument("property owner must be one of the participants")
	}

	now := s.clock.Now()
	chat := &domain.Chat{
		ID:            uuid.NewString(),
		PropertyID:    propertyID,
		PropertyTitle: property.Title,
		PropertyImage: property.ImageURL,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	for _, uid := range pair {
		profile, err := s.directory.GetUser(ctx, uid)
		if err != nil {
			return nil, err
		}
		chat.Participants = append(chat.Participants, &domain.Participant{
			ChatID:      chat.ID,
			UserID:      uid,
			DisplayName: profile.DisplayName(),
			AvatarURL:   profile.AvatarURL,
			JoinedAt:    now,
			// собеседник увидит чат после первого сообщения
			IsVisible: uid == requesterID,
			State:     domain.ParticipantActive,
		})
	}

	return chat, nil
}

func (s *chatService) ListChats(ctx context.Context, userID int64) ([]*domain.ChatSummary, error) {
	chats, err := s.chatRepo.ListVisibleChats(ctx, userID)
	if err != nil {
		s.log.Warn("Falling back to fast store for chat list", "error", err, "user_id", userID)
		chats = nil
	}

	// сообщения зеркалируются асинхронно: чат может быть уже виден в Fast Store
	seen := make(map[string]bool, len(chats))
	for _, chat := range chats {
		seen[chat.ID] = true
	}
	fastIDs, fastErr := s.cache.UserChatIDs(ctx, userID)
	if fastErr != nil && err != nil {
		return nil, fastErr
	}
	for _, id := range fastIDs {
		if seen[id] {
			continue
		}
		chat, err := s.cache.GetChat(ctx, id)
		if err != nil {
			s.log.Warn("Chat listed in fast store is missing", "error", err, "chat_id", id, "user_id", userID)
			continue
		}
		chats = append(chats, chat)
	}

	ids := make([]string, 0, len(chats))
	for _, chat := range chats {
		ids = append(ids, chat.ID)
	}
	metas, err := s.cache.ChatMetas(ctx, ids)
	if err != nil {
		s.log.Warn("Chat list without fast store metadata", "error", err, "user_id", userID)
		metas = map[string]*domain.ChatMeta{}
	}

	summaries := make([]*domain.ChatSummary, 0, len(chats))
	for _, chat := range chats {
		if p := chat.Participant(userID); p == nil || p.IsDeleted() {
			continue
		}
		summaries = append(summaries, buildSummary(chat, metas[chat.ID], userID))
	}

	slices.SortStableFunc(summaries, func(a, b *domain.ChatSummary) int {
		return b.UpdatedAt.Compare(a.UpdatedAt)
	})

	return summaries, nil
}

func buildSummary(chat *domain.Chat, meta *domain.ChatMeta, userID int64) *domain.ChatSummary {
	summary := &domain.ChatSummary{
		ID:            chat.ID,
		PropertyID:    chat.PropertyID,
		PropertyTitle: chat.PropertyTitle,
		PropertyImage: chat.PropertyImage,
		CreatedAt:     chat.CreatedAt,
		UpdatedAt:     chat.UpdatedAt,
	}
	if other := chat.Counterpart(userID); other != nil {
		summary.CounterpartID = other.UserID
		summary.CounterpartName = other.DisplayName
		summary.CounterpartAvatar = other.AvatarURL
	}
	if meta != nil {
		summary.LastMessage = meta.LastMessage
		summary.LastMessageTime = meta.LastMessageTime
		summary.LastSenderID = meta.LastSenderID
		summary.UnreadCount = meta.Unread[userID]
		if meta.UpdatedAt.After(summary.UpdatedAt) {
			summary.UpdatedAt = meta.UpdatedAt
		}
	}
	return summary
}

func (s *chatService) GetChat(ctx context.Context, chatID string, userID int64) (*domain.Chat, error) {
	chat, err := s.loadChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if chat.Participant(userID) == nil {
		return nil, errors.ErrNotParticipant
	}
	return chat, nil
}

func (s *chatService) ListParticipants(ctx context.Context, chatID string, userID int64) ([]*domain.Participant, error) {
	chat, err := s.GetChat(ctx, chatID, userID)
	if err != nil {
		return nil, err
	}
	return chat.Participants, nil
}

// loadChat читает чат из Fast Store, при промахе берет его из Durable Store и зеркалирует обратно
func (s *chatService) loadChat(ctx context.Context, chatID string) (*domain.Chat, error) {
	chat, err := s.cache.GetChat(ctx, chatID)
	if err == nil {
		return chat, nil
	}
	if !errors.Is(err, errors.ErrNotFound) {
		s.log.Warn("Fast store read failed, using durable store", "error", err, "chat_id", chatID)
	}

	chat, err = s.chatRepo.GetChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if err := s.cache.SaveChat(ctx, chat); err != nil {
		s.log.Warn("Failed to re-mirror chat into fast store", "error", err, "chat_id", chatID)
	}
	return chat, nil
}

func (s *chatService) DeleteChat(ctx context.Context, chatID string, userID int64) (*domain.DeleteOutcome, error) {
	outcome, err := s.chatRepo.DeleteForParticipant(ctx, chatID, userID, s.clock.Now())
	if errors.Is(err, errors.ErrNotFound) {
		s.dropStaleChat(ctx, chatID, userID)
		return &domain.DeleteOutcome{ChatID: chatID}, nil
	}
	if err != nil {
		return nil, err
	}

	if outcome.Purged {
		if err := s.cache.Purge(ctx, chatID); err != nil {
			return nil, fmt.Errorf("failed to purge chat from fast store: %w", err)
		}
		logUserEvent(ctx, s.audit, s.log, userID, chatID, domain.EventTypeChatPurged, nil)
		s.broadcaster.BroadcastToChat(chatID, domain.EventChatDeleted, domain.ChatDeletedEvent{ChatID: chatID, Purged: true}, userID)
	} else {
		if err := s.cache.SoftDelete(ctx, chatID, userID); err != nil {
			return nil, fmt.Errorf("failed to hide chat in fast store: %w", err)
		}
		logUserEvent(ctx, s.audit, s.log, userID, chatID, domain.EventTypeChatDeleted, nil)
	}
	s.broadcaster.NotifyUser(userID, domain.EventChatDeleted, domain.ChatDeletedEvent{ChatID: chatID, Purged: outcome.Purged})

	s.log.Info("Chat deleted", "chat_id", chatID, "user_id", userID, "purged", outcome.Purged)
	return outcome, nil
}

// dropStaleChat убирает из Fast Store чат, которого уже нет в Durable Store
func (s *chatService) dropStaleChat(ctx context.Context, chatID string, userID int64) {
	ok, err := s.cache.IsParticipant(ctx, chatID, userID)
	if err != nil || !ok {
		return
	}
	s.log.Warn("Purging chat missing from durable store", "chat_id", chatID)
	if err := s.cache.Purge(ctx, chatID); err != nil {
		s.log.Error("Failed to purge stale chat", "error", err, "chat_id", chatID)
	}
}

func (s *chatService) RestoreChat(ctx context.Context, chatID string, userID int64) (*domain.Chat, error) {
	chat, err := s.chatRepo.GetChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	p := chat.Participant(userID)
	if p == nil {
		return nil, errors.ErrNotParticipant
	}
	if !p.Transition(domain.ParticipantEventRestore, time.Time{}) {
		return chat, nil
	}

	if err := s.chatRepo.RestoreParticipant(ctx, chatID, userID); err != nil {
		return nil, err
	}
	if err := s.cache.SaveChat(ctx, chat); err != nil {
		return nil, err
	}
	if err := s.cache.Restore(ctx, chatID, userID); err != nil {
		return nil, err
	}

	logUserEvent(ctx, s.audit, s.log, userID, chatID, domain.EventTypeChatRestored, nil)
	s.broadcaster.NotifyUser(userID, domain.EventNewChat, chat)

	s.log.Info("Chat restored", "chat_id", chatID, "user_id", userID)
	return chat, nil
}
