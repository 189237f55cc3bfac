package service

import (
	"sync"
	"time"
)

// Broadcaster доставляет события в комнаты и личные сессии Realtime Gateway
type Broadcaster interface {
	// BroadcastToChat отправляет событие всем сессиям комнаты chatID, кроме сессий excludeUserID (0 - никого не исключать)
	BroadcastToChat(chatID, event string, payload interface{}, excludeUserID int64)
	NotifyUser(userID int64, event string, payload interface{})
}

type nopBroadcaster struct{}

// NopBroadcaster используется, когда Realtime Gateway не подключен
func NopBroadcaster() Broadcaster { return nopBroadcaster{} }

func (nopBroadcaster) BroadcastToChat(string, string, interface{}, int64) {}
func (nopBroadcaster) NotifyUser(int64, string, interface{})              {}

// Clock выдает метки времени сообщений
type Clock interface {
	Now() time.Time
}

// monotonicClock гарантирует строго возрастающие метки в пределах процесса с точностью до микросекунды
type monotonicClock struct {
	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

func NewMonotonicClock() Clock {
	return &monotonicClock{now: time.Now}
}

func (c *monotonicClock) Now() time.Time {
	now := c.now().UTC().Truncate(time.Microsecond)

	c.mu.Lock()
	defer c.mu.Unlock()
	if !now.After(c.last) {
		now = c.last.Add(time.Microsecond)
	}
	c.last = now
	return now
}
