package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"estate_chat/internal/domain"
	"estate_chat/internal/service"
	"estate_chat/pkg/errors"
	"estate_chat/pkg/logger"
)

const handlerTimeout = 10 * time.Second

type JoinChatPayload struct {
	ChatID string `json:"chat_id" validate:"required,max=64"`
}

type LeaveChatPayload struct {
	ChatID string `json:"chat_id" validate:"required,max=64"`
}

type SendMessagePayload struct {
	ChatID      string              `json:"chat_id" validate:"required,max=64"`
	Content     string              `json:"content" validate:"max=10000"`
	MessageType string              `json:"message_type,omitempty" validate:"omitempty,max=32"`
	Caption     string              `json:"caption,omitempty" validate:"max=1000"`
	Files       []domain.Attachment `json:"files,omitempty" validate:"max=10,dive"`
	TempID      string              `json:"temp_id,omitempty" validate:"max=64"`
}

type TypingPayload struct {
	ChatID string `json:"chat_id" validate:"required,max=64"`
}

type ReadMessagesPayload struct {
	ChatID string `json:"chat_id" validate:"required,max=64"`
}

type handlerFunc func(ctx context.Context, s *Session, raw json.RawMessage) error

type route struct {
	handle handlerFunc
	// requiresUser - событие недоступно анонимной сессии
	requiresUser bool
	// replyErrors - ошибка отправляется клиенту кадром error, иначе только логируется
	replyErrors bool
}

// Dispatcher разбирает входящие кадры и вызывает обработчик по имени события
type Dispatcher struct {
	hub      *Hub
	chats    service.ChatService
	messages service.MessageService
	reads    service.ReadService
	validate *validator.Validate
	routes   map[string]route
	log      logger.Logger
}

func NewDispatcher(hub *Hub, chats service.ChatService, messages service.MessageService, reads service.ReadService, log logger.Logger) *Dispatcher {
	d := &Dispatcher{
		hub:      hub,
		chats:    chats,
		messages: messages,
		reads:    reads,
		validate: validator.New(),
		log:      log,
	}

	d.routes = map[string]route{
		domain.EventJoinChat:     {handle: typed(d.validate, d.joinChat), requiresUser: true, replyErrors: true},
		domain.EventLeaveChat:    {handle: typed(d.validate, d.leaveChat), requiresUser: true},
		domain.EventSendMessage:  {handle: typed(d.validate, d.sendMessage), requiresUser: true, replyErrors: true},
		domain.EventTyping:       {handle: typed(d.validate, d.typing(domain.EventUserTyping)), requiresUser: true},
		domain.EventStopTyping:   {handle: typed(d.validate, d.typing(domain.EventUserStopTyping)), requiresUser: true},
		domain.EventReadMessages: {handle: typed(d.validate, d.readMessages), requiresUser: true},
	}
	return d
}

// typed декодирует и валидирует payload до вызова обработчика
func typed[T any](v *validator.Validate, fn func(ctx context.Context, s *Session, p *T) error) handlerFunc {
	return func(ctx context.Context, s *Session, raw json.RawMessage) error {
		var p T
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &p); err != nil {
				return errors.InvalidArgument("malformed payload")
			}
		}
		if err := v.Struct(&p); err != nil {
			return errors.InvalidArgument(validationMessage(err))
		}
		return fn(ctx, s, &p)
	}
}

func validationMessage(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok || len(verrs) == 0 {
		return "invalid payload"
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s: failed %s", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}

// Welcome отправляет приветственный кадр после подключения
func (d *Dispatcher) Welcome(s *Session) {
	_ = s.Emit(domain.EventConnected, map[string]interface{}{
		"session_id": s.ID,
		"user_id":    s.UserID,
		"anonymous":  s.Anonymous,
	})
}

// Dispatch обрабатывает один входящий кадр сессии
func (d *Dispatcher) Dispatch(ctx context.Context, s *Session, data []byte) {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		d.replyError(s, "", errors.InvalidArgument("invalid frame format"), nil)
		return
	}

	r, ok := d.routes[frame.Event]
	if !ok {
		d.replyError(s, frame.Event, errors.InvalidArgument("unknown event"), nil)
		return
	}

	if !s.Allow() {
		d.log.Warn("Socket event throttled", "session_id", s.ID, "user_id", s.UserID, "event", frame.Event)
		if r.replyErrors {
			d.replyError(s, frame.Event, errors.ErrRateLimited, frame.Data)
		}
		return
	}

	if r.requiresUser && s.Anonymous {
		if r.replyErrors {
			d.replyError(s, frame.Event, errors.Wrap(errors.ErrUnauthenticated, "authentication required"), frame.Data)
		}
		return
	}

	ctx, cancel := context.WithTimeout(ctx, handlerTimeout)
	defer cancel()

	if err := r.handle(ctx, s, frame.Data); err != nil {
		if r.replyErrors {
			d.replyError(s, frame.Event, err, frame.Data)
			return
		}
		d.log.Warn("Socket event failed", "error", err, "event", frame.Event, "user_id", s.UserID)
	}
}

// Disconnect убирает сессию из Hub и сообщает комнатам об уходе пользователя
func (d *Dispatcher) Disconnect(s *Session) {
	for _, chatID := range d.hub.Detach(s) {
		d.hub.BroadcastToChat(chatID, domain.EventUserLeft, domain.PresenceEvent{ChatID: chatID, UserID: s.UserID}, s.UserID)
	}
}

func (d *Dispatcher) joinChat(ctx context.Context, s *Session, p *JoinChatPayload) error {
	if _, err := d.chats.GetChat(ctx, p.ChatID, s.UserID); err != nil {
		return err
	}

	d.hub.Join(p.ChatID, s)
	d.hub.BroadcastToChat(p.ChatID, domain.EventUserJoined, domain.PresenceEvent{ChatID: p.ChatID, UserID: s.UserID}, s.UserID)
	d.log.Debug("Session joined chat", "session_id", s.ID, "user_id", s.UserID, "chat_id", p.ChatID)
	return nil
}

func (d *Dispatcher) leaveChat(_ context.Context, s *Session, p *LeaveChatPayload) error {
	if d.hub.Leave(p.ChatID, s) {
		d.hub.BroadcastToChat(p.ChatID, domain.EventUserLeft, domain.PresenceEvent{ChatID: p.ChatID, UserID: s.UserID}, s.UserID)
	}
	return nil
}

func (d *Dispatcher) sendMessage(ctx context.Context, s *Session, p *SendMessagePayload) error {
	content := domain.NewMessageContent(domain.MessageType(p.MessageType), p.Content, p.Caption, p.Files)

	_, err := d.messages.SubmitMessage(ctx, service.SubmitMessageInput{
		ChatID:   p.ChatID,
		SenderID: s.UserID,
		Content:  content,
		TempID:   p.TempID,
	})
	return err
}

func (d *Dispatcher) typing(event string) func(ctx context.Context, s *Session, p *TypingPayload) error {
	return func(_ context.Context, s *Session, p *TypingPayload) error {
		if !d.hub.InRoom(p.ChatID, s) {
			return errors.Forbidden("join the chat before typing")
		}
		d.hub.BroadcastToChat(p.ChatID, event, domain.PresenceEvent{ChatID: p.ChatID, UserID: s.UserID}, s.UserID)
		return nil
	}
}

func (d *Dispatcher) readMessages(ctx context.Context, s *Session, p *ReadMessagesPayload) error {
	_, err := d.reads.AcknowledgeRead(ctx, p.ChatID, s.UserID)
	return err
}

func (d *Dispatcher) replyError(s *Session, event string, err error, raw json.RawMessage) {
	reply := domain.ErrorEvent{
		Event:   event,
		Message: errors.PublicMessage(err),
	}
	if len(raw) > 0 {
		var ref struct {
			TempID string `json:"temp_id"`
		}
		if json.Unmarshal(raw, &ref) == nil {
			reply.TempID = ref.TempID
		}
	}
	if errors.HTTPStatusFromError(err) >= 500 {
		d.log.Error("Socket event failed", "error", err, "event", event, "user_id", s.UserID)
	}
	_ = s.Emit(domain.EventError, reply)
}
