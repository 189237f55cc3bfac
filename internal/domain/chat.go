package domain

import (
	"slices"
	"time"
)

type Chat struct {
	ID            string         `json:"id"`
	PropertyID    int64          `json:"property_id"`
	PropertyTitle string         `json:"property_title"`
	PropertyImage string         `json:"property_image,omitempty"`
	Participants  []*Participant `json:"participants"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	IsArchived    bool           `json:"is_archived"`
}

// ParticipantIDs возвращает ID участников в порядке возрастания
func (c *Chat) ParticipantIDs() []int64 {
	ids := make([]int64, 0, len(c.Participants))
	for _, p := range c.Participants {
		ids = append(ids, p.UserID)
	}
	return SortedPair(ids)
}

func (c *Chat) Participant(userID int64) *Participant {
	for _, p := range c.Participants {
		if p.UserID == userID {
			return p
		}
	}
	return nil
}

// Counterpart возвращает второго участника чата относительно userID
func (c *Chat) Counterpart(userID int64) *Participant {
	for _, p := range c.Participants {
		if p.UserID != userID {
			return p
		}
	}
	return nil
}

type Participant struct {
	ChatID      string           `json:"chat_id"`
	UserID      int64            `json:"user_id"`
	DisplayName string           `json:"display_name"`
	AvatarURL   string           `json:"avatar_url,omitempty"`
	JoinedAt    time.Time        `json:"joined_at"`
	LastReadAt  *time.Time       `json:"last_read_at,omitempty"`
	IsVisible   bool             `json:"is_visible"`
	State       ParticipantState `json:"state"`
	DeletedAt   *time.Time       `json:"deleted_at,omitempty"`
}

type Message struct {
	ID          string       `json:"id"`
	ChatID      string       `json:"chat_id"`
	SenderID    int64        `json:"sender_id"`
	MessageType MessageType  `json:"message_type"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	IsRead      bool         `json:"is_read"`
	TempID      string       `json:"temp_id,omitempty"`
}

// ChatSummary - элемент списка чатов пользователя
type ChatSummary struct {
	ID                string     `json:"id"`
	PropertyID        int64      `json:"property_id"`
	PropertyTitle     string     `json:"property_title"`
	PropertyImage     string     `json:"property_image,omitempty"`
	CounterpartID     int64      `json:"counterpart_id"`
	CounterpartName   string     `json:"counterpart_name"`
	CounterpartAvatar string     `json:"counterpart_avatar,omitempty"`
	LastMessage       string     `json:"last_message,omitempty"`
	LastMessageTime   *time.Time `json:"last_message_time,omitempty"`
	LastSenderID      int64      `json:"last_sender_id,omitempty"`
	UnreadCount       int64      `json:"unread_count"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// ChatMeta - денормализованные поля чата, которые хранятся только в Fast Store
type ChatMeta struct {
	LastMessage     string
	LastMessageTime *time.Time
	LastSenderID    int64
	UpdatedAt       time.Time
	Unread          map[int64]int64
}

type MessagePage struct {
	Messages []*Message `json:"messages"`
	HasMore  bool       `json:"has_more"`
	Total    int64      `json:"total"`
}

// ReadReceipt описывает результат отметки сообщений прочитанными
type ReadReceipt struct {
	ChatID     string    `json:"chat_id"`
	ReaderID   int64     `json:"reader_id"`
	MessageIDs []string  `json:"message_ids"`
	ReadAt     time.Time `json:"read_at"`
}

// DeleteOutcome - результат удаления чата одним из участников
type DeleteOutcome struct {
	ChatID string `json:"chat_id"`
	Purged bool   `json:"purged"`
}

// SortedPair возвращает копию ids, отсортированную по возрастанию
func SortedPair(ids []int64) []int64 {
	out := slices.Clone(ids)
	slices.Sort(out)
	return out
}
