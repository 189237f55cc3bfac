package service

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"estate_chat/internal/domain"
	"estate_chat/internal/repository"
	"estate_chat/internal/storage"
	"estate_chat/pkg/errors"
	"estate_chat/pkg/logger"
)

type SubmitMessageInput struct {
	ChatID   string
	SenderID int64
	Content  domain.MessageContent
	TempID   string
}

type GetMessagesInput struct {
	ChatID string
	UserID int64
	Before string
	Limit  int
}

type MessageService interface {
	SubmitMessage(ctx context.Context, in SubmitMessageInput) (*domain.Message, error)
	GetMessages(ctx context.Context, in GetMessagesInput) (*domain.MessagePage, error)
}

type messageService struct {
	cache        repository.ChatCacheRepository
	store        repository.MessageStore
	files        storage.FileStorage
	rateLimit    RateLimitService
	broadcaster  Broadcaster
	clock        Clock
	defaultLimit int
	maxLimit     int
	log          logger.Logger
}

type MessageServiceOptions struct {
	DefaultHistoryLimit int
	MaxHistoryLimit     int
}

func NewMessageService(
	cache repository.ChatCacheRepository,
	store repository.MessageStore,
	files storage.FileStorage,
	rateLimit RateLimitService,
	broadcaster Broadcaster,
	clock Clock,
	opts MessageServiceOptions,
	log logger.Logger,
) MessageService {
	if opts.DefaultHistoryLimit <= 0 {
		opts.DefaultHistoryLimit = 50
	}
	if opts.MaxHistoryLimit < opts.DefaultHistoryLimit {
		opts.MaxHistoryLimit = opts.DefaultHistoryLimit
	}
	return &messageService{
		cache:        cache,
		store:        store,
		files:        files,
		rateLimit:    rateLimit,
		broadcaster:  broadcaster,
		clock:        clock,
		defaultLimit: opts.DefaultHistoryLimit,
		maxLimit:     opts.MaxHistoryLimit,
		log:          log,
	}
}

func (s *messageService) SubmitMessage(ctx context.Context, in SubmitMessageInput) (*domain.Message, error) {
	if err := requireParticipant(ctx, s.cache, in.ChatID, in.SenderID); err != nil {
		return nil, err
	}

	if in.Content == nil {
		return nil, errors.InvalidArgument("message content must not be empty")
	}
	if err := in.Content.Validate(); err != nil {
		return nil, err
	}
	if err := s.checkAttachments(in.ChatID, in.Content.Attachments()); err != nil {
		return nil, err
	}

	// квоту тратят только сообщения, которые будут записаны
	if err := s.rateLimit.CheckSend(ctx, in.SenderID); err != nil {
		return nil, err
	}

	messageType, body, err := domain.EncodeContent(in.Content)
	if err != nil {
		s.log.Error("Failed to encode message content", "error", err, "chat_id", in.ChatID)
		return nil, errors.InvalidArgument("unsupported message content")
	}

	msg := &domain.Message{
		ID:          uuid.NewString(),
		ChatID:      in.ChatID,
		SenderID:    in.SenderID,
		MessageType: messageType,
		Content:     body,
		Attachments: in.Content.Attachments(),
		CreatedAt:   s.clock.Now(),
		IsRead:      false,
	}

	if err := s.store.AppendMessage(ctx, msg, in.Content.Preview()); err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return nil, err
		}
		s.log.Error("Failed to store message", "error", err, "chat_id", in.ChatID, "sender_id", in.SenderID)
		return nil, errors.Wrap(errors.ErrInternal, "failed to store message")
	}

	msg.TempID = in.TempID
	s.broadcaster.BroadcastToChat(msg.ChatID, domain.EventNewMessage, msg, 0)

	s.log.Debug("Message submitted", "chat_id", msg.ChatID, "message_id", msg.ID, "type", msg.MessageType)
	return msg, nil
}

func (s *messageService) GetMessages(ctx context.Context, in GetMessagesInput) (*domain.MessagePage, error) {
	if err := requireParticipant(ctx, s.cache, in.ChatID, in.UserID); err != nil {
		return nil, err
	}

	before, err := parseBefore(in.Before)
	if err != nil {
		return nil, err
	}

	limit := in.Limit
	switch {
	case limit <= 0:
		limit = s.defaultLimit
	case limit > s.maxLimit:
		limit = s.maxLimit
	}

	return s.cache.GetMessages(ctx, in.ChatID, before, limit)
}

// checkAttachments пропускает только ссылки на файлы, загруженные в хранилище этого чата
func (s *messageService) checkAttachments(chatID string, files []domain.Attachment) error {
	if len(files) == 0 {
		return nil
	}
	prefix := s.files.URLPrefix(chatID)
	for _, f := range files {
		name, ok := strings.CutPrefix(f.URL, prefix)
		if !ok || name == "" || name == "." || name == ".." || strings.ContainsAny(name, "/\\?#") {
			return errors.InvalidArgument("file is not stored in this chat: " + f.Name)
		}
	}
	return nil
}

// parseBefore принимает RFC3339 с дробной частью или без; пустая строка - без курсора
func parseBefore(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil, errors.InvalidArgument("before must be an RFC3339 timestamp")
	}
	t = t.UTC()
	return &t, nil
}

// requireParticipant проверяет, что чат есть в Fast Store и userID его участник
func requireParticipant(ctx context.Context, cache repository.ChatCacheRepository, chatID string, userID int64) error {
	if chatID == "" {
		return errors.InvalidArgument("chat_id is required")
	}

	participants, err := cache.Participants(ctx, chatID)
	if err != nil {
		return err
	}
	if len(participants) == 0 {
		return errors.ErrChatNotFound
	}
	for _, id := range participants {
		if id == userID {
			return nil
		}
	}
	return errors.ErrNotParticipant
}
