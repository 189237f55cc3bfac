package domain

// Имена событий Realtime Gateway
const (
	EventConnected           = "connected"
	EventUserJoined          = "user_joined"
	EventUserLeft            = "user_left"
	EventNewMessage          = "new_message"
	EventUserTyping          = "user_typing"
	EventUserStopTyping      = "user_stop_typing"
	EventMessagesRead        = "messages_read"
	EventMessageStatusUpdate = "message_status_update"
	EventNewChat             = "new_chat"
	EventChatDeleted         = "chat_deleted"
	EventError               = "error"

	EventJoinChat     = "join_chat"
	EventLeaveChat    = "leave_chat"
	EventSendMessage  = "send_message"
	EventTyping       = "typing"
	EventStopTyping   = "stop_typing"
	EventReadMessages = "read_messages"
)

// MessagesReadEvent рассылается, когда участник прочитал сообщения собеседника
type MessagesReadEvent struct {
	ChatID     string   `json:"chat_id"`
	ReaderID   int64    `json:"reader_id"`
	MessageIDs []string `json:"message_ids"`
}

type ChatDeletedEvent struct {
	ChatID string `json:"chat_id"`
	Purged bool   `json:"purged"`
}

// PresenceEvent - вход/выход из комнаты и индикатор набора текста
type PresenceEvent struct {
	ChatID string `json:"chat_id"`
	UserID int64  `json:"user_id"`
}

type ErrorEvent struct {
	Event   string `json:"event,omitempty"`
	Message string `json:"message"`
	TempID  string `json:"temp_id,omitempty"`
}
