package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"estate_chat/internal/config"
	"estate_chat/internal/domain"
	"estate_chat/internal/middleware"
	"estate_chat/internal/realtime"
	"estate_chat/internal/service"
	"estate_chat/pkg/errors"
	"estate_chat/pkg/logger"
)

type tokenIdentity map[string]int64

func (t tokenIdentity) Authenticate(_ context.Context, token string) (*domain.Identity, error) {
	id, ok := t[token]
	if !ok {
		return nil, errors.ErrInvalidToken
	}
	return &domain.Identity{UserID: id}, nil
}

type roomChats struct {
	service.ChatService
}

func (roomChats) GetChat(_ context.Context, chatID string, userID int64) (*domain.Chat, error) {
	if userID != 7 && userID != 42 {
		return nil, errors.ErrNotParticipant
	}
	return &domain.Chat{ID: chatID}, nil
}

func newSocketServer(t *testing.T, cfg config.RealtimeConfig) string {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log := logger.Nop()
	hub := realtime.NewHub(log)
	dispatcher := realtime.NewDispatcher(hub, roomChats{}, &fakeMessageService{}, fakeReadService{}, log)
	h := NewWebSocketHandler(tokenIdentity{"owner": 7, "inquirer": 42, "stranger": 5}, hub, dispatcher, cfg, log)

	r := gin.New()
	r.Use(middleware.ErrorHandler(log))
	r.GET("/ws", h.Handle)

	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

type socketFrame struct {
	Event string                 `json:"event"`
	Data  map[string]interface{} `json:"data"`
}

func readFrame(t *testing.T, conn *websocket.Conn) socketFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f socketFrame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func TestSocketPresenceBetweenParticipants(t *testing.T) {
	url := newSocketServer(t, config.RealtimeConfig{})

	owner := dial(t, url+"?token=owner")
	welcome := readFrame(t, owner)
	assert.Equal(t, domain.EventConnected, welcome.Event)
	assert.Equal(t, float64(7), welcome.Data["user_id"])
	assert.Equal(t, false, welcome.Data["anonymous"])

	require.NoError(t, owner.WriteJSON(map[string]interface{}{"event": "join_chat", "data": map[string]string{"chat_id": "c-1"}}))
	// кадры одной сессии обрабатываются по порядку: ответ на неизвестное событие значит, что join уже выполнен
	require.NoError(t, owner.WriteJSON(map[string]interface{}{"event": "ping"}))
	assert.Equal(t, domain.EventError, readFrame(t, owner).Event)

	inquirer := dial(t, url+"?token=inquirer")
	readFrame(t, inquirer)
	require.NoError(t, inquirer.WriteJSON(map[string]interface{}{"event": "join_chat", "data": map[string]string{"chat_id": "c-1"}}))

	joined := readFrame(t, owner)
	assert.Equal(t, domain.EventUserJoined, joined.Event)
	assert.Equal(t, float64(42), joined.Data["user_id"])
	assert.Equal(t, "c-1", joined.Data["chat_id"])
}

func TestSocketJoinRejectedForStranger(t *testing.T) {
	url := newSocketServer(t, config.RealtimeConfig{})

	conn := dial(t, url+"?token=stranger")
	readFrame(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"event": "join_chat", "data": map[string]string{"chat_id": "c-1"}}))
	f := readFrame(t, conn)
	assert.Equal(t, domain.EventError, f.Event)
	assert.Equal(t, "user is not a participant of this chat", f.Data["message"])
}

func TestSocketAuthentication(t *testing.T) {
	t.Run("anonymous disabled", func(t *testing.T) {
		url := newSocketServer(t, config.RealtimeConfig{AllowAnonymous: false})

		_, resp, err := websocket.DefaultDialer.Dial(url, nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("bearer header", func(t *testing.T) {
		url := newSocketServer(t, config.RealtimeConfig{})

		header := http.Header{"Authorization": []string{"Bearer inquirer"}}
		conn, resp, err := websocket.DefaultDialer.Dial(url, header)
		require.NoError(t, err)
		_ = resp.Body.Close()
		defer conn.Close()
		assert.Equal(t, float64(42), readFrame(t, conn).Data["user_id"])
	})

	t.Run("rejected token becomes anonymous", func(t *testing.T) {
		url := newSocketServer(t, config.RealtimeConfig{AllowAnonymous: true})

		conn := dial(t, url+"?token=forged")
		welcome := readFrame(t, conn)
		assert.Equal(t, true, welcome.Data["anonymous"])

		require.NoError(t, conn.WriteJSON(map[string]interface{}{"event": "send_message", "data": map[string]string{"chat_id": "c-1", "content": "hi"}}))
		f := readFrame(t, conn)
		assert.Equal(t, domain.EventError, f.Event)
		assert.Equal(t, "authentication required", f.Data["message"])
	})
}

func TestCheckOrigin(t *testing.T) {
	h := &WebSocketHandler{cfg: config.RealtimeConfig{AllowedOrigins: []string{"https://estate.example"}}}

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.True(t, h.checkOrigin(req), "no origin header")

	req.Header.Set("Origin", "https://ESTATE.example")
	assert.True(t, h.checkOrigin(req))

	req.Header.Set("Origin", "https://evil.example")
	assert.False(t, h.checkOrigin(req))
}
