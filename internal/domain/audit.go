package domain

import (
	"time"
)

type AuditLog struct {
	ID          int64                  `json:"id"`
	EventTime   time.Time              `json:"event_time"`
	ActorUserID *int64                 `json:"actor_user_id,omitempty"`
	ActorRole   string                 `json:"actor_role"`
	ChatID      *string                `json:"chat_id,omitempty"`
	EventType   string                 `json:"event_type"`
	Payload     map[string]interface{} `json:"payload"`
}

const (
	ActorRoleUser   = "user"
	ActorRoleSystem = "system"
)

const (
	EventTypeChatCreated  = "CHAT_CREATED"
	EventTypeChatDeleted  = "CHAT_DELETED"
	EventTypeChatPurged   = "CHAT_PURGED"
	EventTypeChatRestored = "CHAT_RESTORED"
	EventTypeChatRepaired = "CHAT_REPAIRED"
)
