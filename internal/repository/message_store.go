package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"estate_chat/internal/domain"
	"estate_chat/internal/queue"
	"estate_chat/pkg/errors"
	"estate_chat/pkg/logger"
)

// MessageStore - общий контракт записи сообщений для Fast Store и Durable Store
type MessageStore interface {
	AppendMessage(ctx context.Context, msg *domain.Message, preview string) error
	MarkRead(ctx context.Context, chatID string, readerID int64, at time.Time) ([]string, error)
}

// DurableMessageStore принимает зеркальные записи. Прочтение адресное: только ID, отмеченные в Fast Store.
type DurableMessageStore interface {
	AppendMessage(ctx context.Context, msg *domain.Message, preview string) error
	MarkMessagesRead(ctx context.Context, chatID string, readerID int64, ids []string, at time.Time) error
}

const (
	TaskMirrorMessage = "chat:mirror_message"
	TaskMirrorRead    = "chat:mirror_read"

	enqueueTimeout = 2 * time.Second
)

type SyncOptions struct {
	Queue       string
	MaxRetry    int
	TaskTimeout time.Duration
}

// SyncingMessageStore пишет в Fast Store синхронно, а в Durable Store - через очередь с повторами.
// Ошибки зеркалирования не возвращаются вызывающему: Fast Store уже принял запись.
type SyncingMessageStore struct {
	fast    MessageStore
	durable DurableMessageStore
	queue   queue.Client
	opts    SyncOptions
	log     logger.Logger
}

func NewSyncingMessageStore(fast MessageStore, durable DurableMessageStore, q queue.Client, opts SyncOptions, log logger.Logger) *SyncingMessageStore {
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = 30 * time.Second
	}
	return &SyncingMessageStore{
		fast:    fast,
		durable: durable,
		queue:   q,
		opts:    opts,
		log:     log,
	}
}

type mirrorMessagePayload struct {
	Message *domain.Message `json:"message"`
	Preview string          `json:"preview"`
}

type mirrorReadPayload struct {
	ChatID     string    `json:"chat_id"`
	ReaderID   int64     `json:"reader_id"`
	MessageIDs []string  `json:"message_ids"`
	ReadAt     time.Time `json:"read_at"`
}

func (s *SyncingMessageStore) AppendMessage(ctx context.Context, msg *domain.Message, preview string) error {
	if err := s.fast.AppendMessage(ctx, msg, preview); err != nil {
		return err
	}

	s.enqueue(ctx, TaskMirrorMessage, "mirror_message:"+msg.ID, mirrorMessagePayload{Message: msg, Preview: preview})
	return nil
}

func (s *SyncingMessageStore) MarkRead(ctx context.Context, chatID string, readerID int64, at time.Time) ([]string, error) {
	ids, err := s.fast.MarkRead(ctx, chatID, readerID, at)
	if err != nil {
		return nil, err
	}

	if len(ids) > 0 {
		s.enqueue(ctx, TaskMirrorRead, "", mirrorReadPayload{ChatID: chatID, ReaderID: readerID, MessageIDs: ids, ReadAt: at})
	}
	return ids, nil
}

// Register подключает обработчики зеркалирования к фоновому воркеру
func (s *SyncingMessageStore) Register(srv queue.Server) {
	srv.Register(TaskMirrorMessage, s.handleMirrorMessage)
	srv.Register(TaskMirrorRead, s.handleMirrorRead)
}

func (s *SyncingMessageStore) enqueue(ctx context.Context, taskType, taskID string, payload interface{}) {
	raw, err := json.Marshal(payload)
	if err != nil {
		s.log.Error("Failed to encode mirror task", "error", err, "type", taskType)
		return
	}

	// запрос мог уже завершиться, постановка в очередь от него не зависит
	enqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), enqueueTimeout)
	defer cancel()

	_, err = s.queue.Enqueue(enqCtx, queue.Task{Type: taskType, Payload: raw}, queue.EnqueueOption{
		Queue:    s.opts.Queue,
		TaskID:   taskID,
		MaxRetry: s.opts.MaxRetry,
		Timeout:  s.opts.TaskTimeout,
	})
	if err != nil && !errors.Is(err, queue.ErrDuplicateTask) {
		s.log.Error("Failed to enqueue durable mirror", "error", err, "type", taskType, "task_id", taskID)
	}
}

func (s *SyncingMessageStore) handleMirrorMessage(ctx context.Context, task queue.Task) error {
	var p mirrorMessagePayload
	if err := json.Unmarshal(task.Payload, &p); err != nil {
		return fmt.Errorf("decode mirror message: %v: %w", err, queue.ErrSkipRetry)
	}
	if p.Message == nil {
		return fmt.Errorf("mirror message without body: %w", queue.ErrSkipRetry)
	}

	err := s.durable.AppendMessage(ctx, p.Message, p.Preview)
	if errors.Is(err, errors.ErrNotFound) {
		s.log.Warn("Dropping mirror for deleted chat", "chat_id", p.Message.ChatID, "message_id", p.Message.ID)
		return fmt.Errorf("chat %s is gone: %w", p.Message.ChatID, queue.ErrSkipRetry)
	}
	return err
}

func (s *SyncingMessageStore) handleMirrorRead(ctx context.Context, task queue.Task) error {
	var p mirrorReadPayload
	if err := json.Unmarshal(task.Payload, &p); err != nil {
		return fmt.Errorf("decode mirror read: %v: %w", err, queue.ErrSkipRetry)
	}
	if len(p.MessageIDs) == 0 {
		return fmt.Errorf("mirror read without message ids: %w", queue.ErrSkipRetry)
	}

	// сообщения могли еще не доехать до Durable Store: ошибка вернет задачу в очередь
	err := s.durable.MarkMessagesRead(ctx, p.ChatID, p.ReaderID, p.MessageIDs, p.ReadAt)
	if errors.Is(err, errors.ErrNotFound) {
		s.log.Warn("Dropping read mirror for deleted chat", "chat_id", p.ChatID, "user_id", p.ReaderID)
		return fmt.Errorf("chat %s is gone: %w", p.ChatID, queue.ErrSkipRetry)
	}
	return err
}
