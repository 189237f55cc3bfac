package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"estate_chat/pkg/logger"
)

// Pinger - зависимость, доступность которой проверяет health
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc адаптирует функцию к Pinger
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// SessionCounter - источник статистики realtime-подключений
type SessionCounter interface {
	Stats() (sessions, rooms int)
}

type HealthHandler struct {
	checks   map[string]Pinger
	sessions SessionCounter
	log      logger.Logger
}

func NewHealthHandler(checks map[string]Pinger, sessions SessionCounter, log logger.Logger) *HealthHandler {
	return &HealthHandler{
		checks:   checks,
		sessions: sessions,
		log:      log,
	}
}

func (h *HealthHandler) Check(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := "ok"
	code := http.StatusOK
	deps := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check.Ping(ctx); err != nil {
			h.log.Warn("Health check failed", "dependency", name, "error", err)
			deps[name] = "unavailable"
			status = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		deps[name] = "ok"
	}

	body := gin.H{
		"status":       status,
		"service":      "estate-chat",
		"dependencies": deps,
	}
	if h.sessions != nil {
		sessions, rooms := h.sessions.Stats()
		body["realtime"] = gin.H{"sessions": sessions, "rooms": rooms}
	}
	c.JSON(code, body)
}
