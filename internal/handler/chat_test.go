package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"estate_chat/internal/domain"
	"estate_chat/internal/middleware"
	"estate_chat/internal/service"
	"estate_chat/pkg/errors"
	"estate_chat/pkg/logger"
)

type fakeChatService struct {
	service.ChatService
	existing bool
	created  service.CreateChatInput
}

func (f *fakeChatService) CreateChat(_ context.Context, in service.CreateChatInput) (*domain.Chat, bool, error) {
	f.created = in
	return &domain.Chat{ID: "c-1", PropertyID: in.PropertyID}, !f.existing, nil
}

func (f *fakeChatService) ListChats(context.Context, int64) ([]*domain.ChatSummary, error) {
	return nil, nil
}

func (f *fakeChatService) DeleteChat(_ context.Context, chatID string, _ int64) (*domain.DeleteOutcome, error) {
	return &domain.DeleteOutcome{ChatID: chatID, Purged: true}, nil
}

type fakeMessageService struct {
	service.MessageService
	got service.GetMessagesInput
	in  service.SubmitMessageInput
}

func (f *fakeMessageService) GetMessages(_ context.Context, in service.GetMessagesInput) (*domain.MessagePage, error) {
	f.got = in
	return &domain.MessagePage{Messages: []*domain.Message{}}, nil
}

func (f *fakeMessageService) SubmitMessage(_ context.Context, in service.SubmitMessageInput) (*domain.Message, error) {
	f.in = in
	return &domain.Message{ID: "m-1", ChatID: in.ChatID, SenderID: in.SenderID, TempID: in.TempID}, nil
}

type fakeReadService struct {
	service.ReadService
}

func (fakeReadService) MarkAllRead(_ context.Context, chatID string, userID int64) (*domain.ReadReceipt, error) {
	if chatID != "c-1" {
		return nil, errors.ErrChatNotFound
	}
	return &domain.ReadReceipt{ChatID: chatID, ReaderID: userID, MessageIDs: []string{}}, nil
}

func newChatRouter(chats *fakeChatService, messages *fakeMessageService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(middleware.ErrorHandler(logger.Nop()))
	r.Use(func(c *gin.Context) {
		c.Set(middleware.ContextUserID, int64(42))
		c.Next()
	})
	h := NewChatHandler(chats, messages, fakeReadService{}, logger.Nop())
	r.POST("/chats", h.CreateChat)
	r.GET("/chats/me", h.ListMyChats)
	r.DELETE("/chats/:id", h.DeleteChat)
	r.GET("/chats/:id/messages", h.GetMessages)
	r.POST("/chats/:id/messages", h.SendMessage)
	r.PUT("/chats/:id/messages/readall", h.MarkAllRead)
	return r
}

func serve(r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestCreateChatStatus(t *testing.T) {
	chats := &fakeChatService{}
	r := newChatRouter(chats, &fakeMessageService{})

	rec := serve(r, http.MethodPost, "/chats", `{"property_id": 100, "participants": [42, 7]}`)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, service.CreateChatInput{PropertyID: 100, ParticipantIDs: []int64{42, 7}, RequesterID: 42}, chats.created)

	chats.existing = true
	rec = serve(r, http.MethodPost, "/chats", `{"property_id": 100, "participants": [42, 7]}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(r, http.MethodPost, "/chats", `{"participants": [42, 7]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListMyChatsReturnsEmptyArray(t *testing.T) {
	rec := serve(newChatRouter(&fakeChatService{}, &fakeMessageService{}), http.MethodGet, "/chats/me", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestGetMessagesQuery(t *testing.T) {
	messages := &fakeMessageService{}
	r := newChatRouter(&fakeChatService{}, messages)

	rec := serve(r, http.MethodGet, "/chats/c-1/messages?limit=20&before=2024-05-01T12:00:00Z", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, service.GetMessagesInput{ChatID: "c-1", UserID: 42, Limit: 20, Before: "2024-05-01T12:00:00Z"}, messages.got)

	rec = serve(r, http.MethodGet, "/chats/c-1/messages?limit=many", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error": "limit must be a number"}`, rec.Body.String())
}

func TestSendMessage(t *testing.T) {
	messages := &fakeMessageService{}
	r := newChatRouter(&fakeChatService{}, messages)

	rec := serve(r, http.MethodPost, "/chats/c-1/messages", `{"content": "Hello", "temp_id": "tmp-1"}`)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, domain.TextContent{Text: "Hello"}, messages.in.Content)
	assert.Contains(t, rec.Body.String(), `"temp_id":"tmp-1"`)

	rec = serve(r, http.MethodPost, "/chats/c-1/messages", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMarkAllReadAndDelete(t *testing.T) {
	r := newChatRouter(&fakeChatService{}, &fakeMessageService{})

	rec := serve(r, http.MethodPut, "/chats/c-1/messages/readall", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"message_ids":[]`)

	rec = serve(r, http.MethodPut, "/chats/missing/messages/readall", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(r, http.MethodDelete, "/chats/c-1", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"purged":true`)
}
