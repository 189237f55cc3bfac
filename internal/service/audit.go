package service

import (
	"context"
	"time"

	"estate_chat/internal/domain"
	"estate_chat/internal/repository"
	"estate_chat/pkg/logger"
)

type AuditService interface {
	LogEvent(ctx context.Context, actorUserID *int64, actorRole string, chatID *string, eventType string, payload map[string]interface{}) error
}

type auditService struct {
	auditRepo repository.AuditRepository
	log       logger.Logger
}

func NewAuditService(auditRepo repository.AuditRepository, log logger.Logger) AuditService {
	return &auditService{
		auditRepo: auditRepo,
		log:       log,
	}
}

func (s *auditService) LogEvent(ctx context.Context, actorUserID *int64, actorRole string, chatID *string, eventType string, payload map[string]interface{}) error {
	if payload == nil {
		payload = make(map[string]interface{})
	}

	auditLog := &domain.AuditLog{
		EventTime:   time.Now().UTC(),
		ActorUserID: actorUserID,
		ActorRole:   actorRole,
		ChatID:      chatID,
		EventType:   eventType,
		Payload:     payload,
	}

	return s.auditRepo.CreateLog(ctx, auditLog)
}

// logUserEvent пишет событие от имени пользователя; ошибка аудита не прерывает операцию
func logUserEvent(ctx context.Context, audit AuditService, log logger.Logger, userID int64, chatID, eventType string, payload map[string]interface{}) {
	if err := audit.LogEvent(ctx, &userID, domain.ActorRoleUser, &chatID, eventType, payload); err != nil {
		log.Warn("Failed to write audit event", "error", err, "event_type", eventType, "chat_id", chatID)
	}
}
