package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"estate_chat/internal/domain"
	"estate_chat/internal/service"
	"estate_chat/pkg/errors"
	"estate_chat/pkg/logger"
)

type ChatHandler struct {
	chatService    service.ChatService
	messageService service.MessageService
	readService    service.ReadService
	log            logger.Logger
}

func NewChatHandler(chatService service.ChatService, messageService service.MessageService, readService service.ReadService, log logger.Logger) *ChatHandler {
	return &ChatHandler{
		chatService:    chatService,
		messageService: messageService,
		readService:    readService,
		log:            log,
	}
}

type CreateChatRequest struct {
	PropertyID   int64   `json:"property_id" binding:"required"`
	Participants []int64 `json:"participants" binding:"required"`
}

func (h *ChatHandler) CreateChat(c *gin.Context) {
	var req CreateChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errors.InvalidArgument(err.Error()))
		return
	}

	chat, created, err := h.chatService.CreateChat(c.Request.Context(), service.CreateChatInput{
		PropertyID:     req.PropertyID,
		ParticipantIDs: req.Participants,
		RequesterID:    c.GetInt64("user_id"),
	})
	if err != nil {
		_ = c.Error(err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, chat)
}

func (h *ChatHandler) ListMyChats(c *gin.Context) {
	chats, err := h.chatService.ListChats(c.Request.Context(), c.GetInt64("user_id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	if chats == nil {
		chats = []*domain.ChatSummary{}
	}
	c.JSON(http.StatusOK, chats)
}

func (h *ChatHandler) GetChat(c *gin.Context) {
	chat, err := h.chatService.GetChat(c.Request.Context(), c.Param("id"), c.GetInt64("user_id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, chat)
}

func (h *ChatHandler) ListParticipants(c *gin.Context) {
	participants, err := h.chatService.ListParticipants(c.Request.Context(), c.Param("id"), c.GetInt64("user_id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, participants)
}

func (h *ChatHandler) GetMessages(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			_ = c.Error(errors.InvalidArgument("limit must be a number"))
			return
		}
		limit = n
	}

	page, err := h.messageService.GetMessages(c.Request.Context(), service.GetMessagesInput{
		ChatID: c.Param("id"),
		UserID: c.GetInt64("user_id"),
		Before: c.Query("before"),
		Limit:  limit,
	})
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, page)
}

type SendMessageRequest struct {
	Content string `json:"content" binding:"required"`
	TempID  string `json:"temp_id"`
}

func (h *ChatHandler) SendMessage(c *gin.Context) {
	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errors.InvalidArgument(err.Error()))
		return
	}

	message, err := h.messageService.SubmitMessage(c.Request.Context(), service.SubmitMessageInput{
		ChatID:   c.Param("id"),
		SenderID: c.GetInt64("user_id"),
		Content:  domain.TextContent{Text: req.Content},
		TempID:   req.TempID,
	})
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, message)
}

func (h *ChatHandler) MarkAllRead(c *gin.Context) {
	receipt, err := h.readService.MarkAllRead(c.Request.Context(), c.Param("id"), c.GetInt64("user_id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, receipt)
}

func (h *ChatHandler) DeleteChat(c *gin.Context) {
	outcome, err := h.chatService.DeleteChat(c.Request.Context(), c.Param("id"), c.GetInt64("user_id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, outcome)
}

func (h *ChatHandler) RestoreChat(c *gin.Context) {
	chat, err := h.chatService.RestoreChat(c.Request.Context(), c.Param("id"), c.GetInt64("user_id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, chat)
}
