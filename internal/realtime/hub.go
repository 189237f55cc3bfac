package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"estate_chat/pkg/logger"
)

const publishTimeout = 2 * time.Second

// Hub хранит сессии этого процесса и комнаты (комната = ID чата).
// Рассылки уходят через Fanout, чтобы их получили сессии на всех процессах.
type Hub struct {
	mu           sync.RWMutex
	sessions     map[string]*Session
	userSessions map[int64]map[string]*Session
	rooms        map[string]map[string]*Session
	sessionRooms map[string]map[string]struct{}

	fanout Fanout
	log    logger.Logger
}

func NewHub(log logger.Logger) *Hub {
	h := &Hub{
		sessions:     make(map[string]*Session),
		userSessions: make(map[int64]map[string]*Session),
		rooms:        make(map[string]map[string]*Session),
		sessionRooms: make(map[string]map[string]struct{}),
		log:          log,
	}
	h.fanout = NewLocalFanout(h.Deliver)
	return h
}

// SetFanout подключает межпроцессную рассылку; вызывается до начала приема соединений
func (h *Hub) SetFanout(f Fanout) {
	h.fanout = f
}

// Attach регистрирует сессию и запускает ее цикл записи
func (h *Hub) Attach(s *Session) {
	h.register(s)
	s.Start()
}

func (h *Hub) register(s *Session) {
	h.mu.Lock()
	h.sessions[s.ID] = s
	if !s.Anonymous {
		byUser := h.userSessions[s.UserID]
		if byUser == nil {
			byUser = make(map[string]*Session)
			h.userSessions[s.UserID] = byUser
		}
		byUser[s.ID] = s
	}
	h.sessionRooms[s.ID] = make(map[string]struct{})
	h.mu.Unlock()
}

// Detach убирает сессию и возвращает комнаты, в которых она состояла
func (h *Hub) Detach(s *Session) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.sessions[s.ID]; !ok {
		return nil
	}
	delete(h.sessions, s.ID)

	if byUser := h.userSessions[s.UserID]; byUser != nil {
		delete(byUser, s.ID)
		if len(byUser) == 0 {
			delete(h.userSessions, s.UserID)
		}
	}

	rooms := make([]string, 0, len(h.sessionRooms[s.ID]))
	for roomID := range h.sessionRooms[s.ID] {
		rooms = append(rooms, roomID)
		h.leaveLocked(roomID, s.ID)
	}
	delete(h.sessionRooms, s.ID)
	return rooms
}

func (h *Hub) Join(chatID string, s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.sessions[s.ID]; !ok {
		return
	}
	room := h.rooms[chatID]
	if room == nil {
		room = make(map[string]*Session)
		h.rooms[chatID] = room
	}
	room[s.ID] = s

	memberships := h.sessionRooms[s.ID]
	if memberships == nil {
		memberships = make(map[string]struct{})
		h.sessionRooms[s.ID] = memberships
	}
	memberships[chatID] = struct{}{}
}

// Leave выводит сессию из комнаты. false, если сессия в ней не состояла.
func (h *Hub) Leave(chatID string, s *Session) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.rooms[chatID][s.ID]; !ok {
		return false
	}
	h.leaveLocked(chatID, s.ID)
	return true
}

func (h *Hub) InRoom(chatID string, s *Session) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[chatID][s.ID]
	return ok
}

// BroadcastToChat реализует service.Broadcaster
func (h *Hub) BroadcastToChat(chatID, event string, payload interface{}, excludeUserID int64) {
	h.publish(Envelope{Target: TargetChat, ChatID: chatID, ExcludeUserID: excludeUserID}, event, payload)
}

// NotifyUser реализует service.Broadcaster
func (h *Hub) NotifyUser(userID int64, event string, payload interface{}) {
	h.publish(Envelope{Target: TargetUser, UserID: userID}, event, payload)
}

func (h *Hub) publish(env Envelope, event string, payload interface{}) {
	frame, err := encodeFrame(event, payload)
	if err != nil {
		h.log.Error("Failed to encode realtime event", "error", err, "event", event)
		return
	}
	env.Frame = frame

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := h.fanout.Publish(ctx, env); err != nil {
		// другие процессы событие не получат, но локальные сессии - да
		h.log.Warn("Fanout publish failed, delivering locally", "error", err, "event", event)
		h.Deliver(env)
	}
}

// Deliver отправляет готовый кадр локальным сессиям адресата и возвращает число доставок
func (h *Hub) Deliver(env Envelope) int {
	h.mu.RLock()
	var targets []*Session
	switch env.Target {
	case TargetChat:
		for _, s := range h.rooms[env.ChatID] {
			if env.ExcludeUserID != 0 && s.UserID == env.ExcludeUserID {
				continue
			}
			targets = append(targets, s)
		}
	case TargetUser:
		for _, s := range h.userSessions[env.UserID] {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()

	delivered := 0
	for _, s := range targets {
		if err := s.Send(env.Frame); err == nil {
			delivered++
		}
	}
	return delivered
}

// Stats - число сессий и комнат (для health)
func (h *Hub) Stats() (sessions, rooms int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions), len(h.rooms)
}

// Close закрывает все сессии процесса
func (h *Hub) Close() {
	h.mu.Lock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.sessions = make(map[string]*Session)
	h.userSessions = make(map[int64]map[string]*Session)
	h.rooms = make(map[string]map[string]*Session)
	h.sessionRooms = make(map[string]map[string]struct{})
	h.mu.Unlock()

	for _, s := range sessions {
		s.Close(websocket.CloseGoingAway, "server shutdown")
	}
}

func (h *Hub) leaveLocked(chatID, sessionID string) {
	room := h.rooms[chatID]
	if room == nil {
		return
	}
	delete(room, sessionID)
	if len(room) == 0 {
		delete(h.rooms, chatID)
	}
	if memberships, ok := h.sessionRooms[sessionID]; ok {
		delete(memberships, chatID)
	}
}
