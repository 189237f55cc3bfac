package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"estate_chat/internal/config"
	"estate_chat/internal/realtime"
	"estate_chat/internal/service"
	"estate_chat/pkg/errors"
	"estate_chat/pkg/logger"
)

type WebSocketHandler struct {
	identity   service.IdentityService
	hub        *realtime.Hub
	dispatcher *realtime.Dispatcher
	cfg        config.RealtimeConfig
	upgrader   websocket.Upgrader
	log        logger.Logger
}

func NewWebSocketHandler(identity service.IdentityService, hub *realtime.Hub, dispatcher *realtime.Dispatcher, cfg config.RealtimeConfig, log logger.Logger) *WebSocketHandler {
	h := &WebSocketHandler{
		identity:   identity,
		hub:        hub,
		dispatcher: dispatcher,
		cfg:        cfg,
		log:        log,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// checkOrigin пропускает все источники, если список не задан
func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func (h *WebSocketHandler) Handle(c *gin.Context) {
	userID, anonymous, err := h.authenticate(c)
	if err != nil {
		_ = c.Error(err)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error("Failed to upgrade connection", "error", err)
		return
	}

	session := realtime.NewSession(userID, anonymous, conn, h.cfg.EventsPerSec, h.cfg.EventBurst)
	h.hub.Attach(session)
	h.dispatcher.Welcome(session)

	h.log.Info("Socket connected", "session_id", session.ID, "user_id", userID, "anonymous", anonymous)

	ctx := c.Request.Context()

	if err := session.ReadLoop(func(data []byte) {
		h.dispatcher.Dispatch(ctx, session, data)
	}); err != nil {
		h.log.Warn("Socket read failed", "error", err, "session_id", session.ID)
	}

	h.dispatcher.Disconnect(session)
	session.Close(websocket.CloseNormalClosure, "")
	h.log.Info("Socket disconnected", "session_id", session.ID, "user_id", userID)
}

// authenticate определяет пользователя по token из query или заголовку Authorization.
// Без токена сессия становится анонимной, если это разрешено.
func (h *WebSocketHandler) authenticate(c *gin.Context) (int64, bool, error) {
	token := c.Query("token")
	if token == "" {
		token = bearerToken(c.GetHeader("Authorization"))
	}

	if token != "" {
		identity, err := h.identity.Authenticate(c.Request.Context(), token)
		if err == nil {
			return identity.UserID, false, nil
		}
		if !h.cfg.AllowAnonymous || !errors.Is(err, errors.ErrUnauthenticated) {
			return 0, false, err
		}
		h.log.Debug("Socket token rejected, continuing anonymously", "error", err)
	}

	if !h.cfg.AllowAnonymous {
		return 0, false, errors.Wrap(errors.ErrUnauthenticated, "authentication token required")
	}
	return 0, true, nil
}

func bearerToken(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
