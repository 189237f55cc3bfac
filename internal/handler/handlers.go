package handler

import (
	"estate_chat/internal/config"
	"estate_chat/internal/realtime"
	"estate_chat/internal/service"
	"estate_chat/pkg/logger"
)

type Handlers struct {
	Health    *HealthHandler
	Chat      *ChatHandler
	Upload    *UploadHandler
	WebSocket *WebSocketHandler
}

func NewHandlers(services *service.Services, hub *realtime.Hub, dispatcher *realtime.Dispatcher, checks map[string]Pinger, cfg *config.Config, log logger.Logger) *Handlers {
	return &Handlers{
		Health:    NewHealthHandler(checks, hub, log),
		Chat:      NewChatHandler(services.Chat, services.Message, services.Read, log),
		Upload:    NewUploadHandler(services.Upload, log),
		WebSocket: NewWebSocketHandler(services.Identity, hub, dispatcher, cfg.Realtime, log),
	}
}
