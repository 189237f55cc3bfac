package handler

import (
	"io"
	"mime/multipart"
	"net/http"

	"github.com/gin-gonic/gin"

	"estate_chat/internal/service"
	"estate_chat/pkg/errors"
	"estate_chat/pkg/logger"
)

// multipartMemory - сколько держать в памяти при разборе формы, остальное уходит во временные файлы
const multipartMemory = 32 << 20

type UploadHandler struct {
	uploadService service.UploadService
	log           logger.Logger
}

func NewUploadHandler(uploadService service.UploadService, log logger.Logger) *UploadHandler {
	return &UploadHandler{
		uploadService: uploadService,
		log:           log,
	}
}

func (h *UploadHandler) Upload(c *gin.Context) {
	if err := c.Request.ParseMultipartForm(multipartMemory); err != nil {
		_ = c.Error(errors.InvalidArgument("invalid multipart form"))
		return
	}
	form := c.Request.MultipartForm
	defer func() { _ = form.RemoveAll() }()

	headers := form.File["files"]
	parts := make([]service.UploadPart, 0, len(headers))
	for _, fh := range headers {
		parts = append(parts, uploadPart(fh))
	}

	caption := c.PostForm("caption")
	if caption == "" {
		caption = c.PostForm("message")
	}

	result, err := h.uploadService.Upload(c.Request.Context(), service.UploadInput{
		ChatID:   c.Param("chat_id"),
		SenderID: c.GetInt64("user_id"),
		Caption:  caption,
		Files:    parts,
	})
	if err != nil {
		_ = c.Error(err)
		return
	}

	if result.Partial() {
		c.JSON(http.StatusMultiStatus, result)
		return
	}
	c.JSON(http.StatusCreated, result.Message)
}

func uploadPart(fh *multipart.FileHeader) service.UploadPart {
	return service.UploadPart{
		Filename: fh.Filename,
		Size:     fh.Size,
		Open: func() (io.ReadCloser, error) {
			return fh.Open()
		},
	}
}

// ServeFile отдает вложение участнику чата
func (h *UploadHandler) ServeFile(c *gin.Context) {
	chatID := c.Param("chat_id")
	name := c.Param("filename")

	rc, info, err := h.uploadService.OpenFile(c.Request.Context(), chatID, name, c.GetInt64("user_id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	defer rc.Close()

	extra := map[string]string{
		"Cache-Control": "private, max-age=86400",
	}
	if !info.ModTime.IsZero() {
		extra["Last-Modified"] = info.ModTime.UTC().Format(http.TimeFormat)
	}
	contentType := info.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	c.Header("X-Content-Type-Options", "nosniff")
	c.DataFromReader(http.StatusOK, info.Size, contentType, rc, extra)
	h.log.Debug("File served", "chat_id", chatID, "name", name, "size", info.Size)
}
