package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"estate_chat/internal/domain"
	"estate_chat/internal/repository"
	"estate_chat/internal/storage"
	"estate_chat/pkg/errors"
	"estate_chat/pkg/logger"
)

const (
	// sniffLen - сколько байт читать для определения типа содержимого
	sniffLen = 3072

	cleanupTimeout = 10 * time.Second
)

// UploadPart - один файл из multipart-запроса
type UploadPart struct {
	Filename string
	Size     int64
	Open     func() (io.ReadCloser, error)
}

type UploadInput struct {
	ChatID   string
	SenderID int64
	Caption  string
	Files    []UploadPart
}

// UploadResult - итог загрузки: сообщение с сохраненными файлами и ошибки по отклоненным
type UploadResult struct {
	Message          *domain.Message     `json:"message"`
	UploadedFiles    []domain.Attachment `json:"uploaded_files"`
	ProcessingErrors []string            `json:"processing_errors,omitempty"`
}

// Partial сообщает, что часть файлов отклонена
func (r *UploadResult) Partial() bool {
	return len(r.ProcessingErrors) > 0
}

type UploadOptions struct {
	MaxFileSize  int64
	MaxFiles     int
	AllowedTypes []string
}

type UploadService interface {
	Upload(ctx context.Context, in UploadInput) (*UploadResult, error)
	OpenFile(ctx context.Context, chatID, name string, userID int64) (io.ReadCloser, *storage.ObjectInfo, error)
}

type uploadService struct {
	cache    repository.ChatCacheRepository
	files    storage.FileStorage
	messages MessageService
	opts     UploadOptions
	log      logger.Logger
}

func NewUploadService(cache repository.ChatCacheRepository, files storage.FileStorage, messages MessageService, opts UploadOptions, log logger.Logger) UploadService {
	return &uploadService{
		cache:    cache,
		files:    files,
		messages: messages,
		opts:     opts,
		log:      log,
	}
}

func (s *uploadService) Upload(ctx context.Context, in UploadInput) (*UploadResult, error) {
	if err := requireParticipant(ctx, s.cache, in.ChatID, in.SenderID); err != nil {
		return nil, err
	}
	if len(in.Files) == 0 {
		return nil, errors.InvalidArgument("no files provided")
	}
	if s.opts.MaxFiles > 0 && len(in.Files) > s.opts.MaxFiles {
		return nil, errors.InvalidArgument(fmt.Sprintf("too many files, maximum %d allowed", s.opts.MaxFiles))
	}

	result := &UploadResult{UploadedFiles: []domain.Attachment{}}
	var stored []string
	for _, part := range in.Files {
		attachment, name, err := s.storeOne(ctx, in.ChatID, part)
		if err != nil {
			s.log.Warn("File rejected", "error", err, "chat_id", in.ChatID, "filename", part.Filename)
			result.ProcessingErrors = append(result.ProcessingErrors, err.Error())
			continue
		}
		result.UploadedFiles = append(result.UploadedFiles, *attachment)
		stored = append(stored, name)
	}

	if len(result.UploadedFiles) == 0 {
		return nil, errors.InvalidArgument("failed to process any files: " + strings.Join(result.ProcessingErrors, "; "))
	}

	msg, err := s.messages.SubmitMessage(ctx, SubmitMessageInput{
		ChatID:   in.ChatID,
		SenderID: in.SenderID,
		Content: domain.FilesContent{
			Caption: strings.TrimSpace(in.Caption),
			Files:   result.UploadedFiles,
		},
	})
	if err != nil {
		s.removeStored(ctx, in.ChatID, stored)
		return nil, err
	}
	result.Message = msg

	s.log.Info("Files uploaded", "chat_id", in.ChatID, "user_id", in.SenderID,
		"stored", len(result.UploadedFiles), "rejected", len(result.ProcessingErrors))
	return result, nil
}

// storeOne проверяет и сохраняет файл; возвращает вложение и имя объекта в хранилище
func (s *uploadService) storeOne(ctx context.Context, chatID string, part UploadPart) (*domain.Attachment, string, error) {
	if s.opts.MaxFileSize > 0 && part.Size > s.opts.MaxFileSize {
		return nil, "", fmt.Errorf("file too large: %s (max %d MB)", part.Filename, s.opts.MaxFileSize/1024/1024)
	}

	src, err := part.Open()
	if err != nil {
		return nil, "", fmt.Errorf("error reading file: %s", part.Filename)
	}
	defer src.Close()

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(src, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, "", fmt.Errorf("error reading file: %s", part.Filename)
	}
	head = head[:n]

	mtype := mimetype.Detect(head)
	if !s.allowed(mtype) {
		return nil, "", fmt.Errorf("invalid file type: %s (%s)", part.Filename, mtype.String())
	}

	contentType := strings.TrimSpace(strings.SplitN(mtype.String(), ";", 2)[0])
	stored, err := s.files.Save(ctx, chatID, part.Filename, contentType, io.MultiReader(bytes.NewReader(head), src))
	if err != nil {
		return nil, "", fmt.Errorf("error saving file: %s", part.Filename)
	}

	return &domain.Attachment{
		URL:         stored.URL,
		Name:        part.Filename,
		ContentType: contentType,
		Size:        stored.Size,
	}, stored.Name, nil
}

// removeStored удаляет файлы, для которых не удалось создать сообщение
func (s *uploadService) removeStored(ctx context.Context, chatID string, names []string) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	for _, name := range names {
		if err := s.files.Delete(cleanupCtx, chatID, name); err != nil {
			s.log.Warn("Failed to remove orphaned file", "error", err, "chat_id", chatID, "name", name)
		}
	}
}

func (s *uploadService) allowed(mtype *mimetype.MIME) bool {
	for _, t := range s.opts.AllowedTypes {
		if mtype.Is(t) {
			return true
		}
	}
	return false
}

func (s *uploadService) OpenFile(ctx context.Context, chatID, name string, userID int64) (io.ReadCloser, *storage.ObjectInfo, error) {
	if err := requireParticipant(ctx, s.cache, chatID, userID); err != nil {
		return nil, nil, err
	}
	return s.files.Open(ctx, chatID, name)
}
