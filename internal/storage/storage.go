package storage

import (
	"context"
	"io"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"estate_chat/pkg/errors"
)

// FileStorage хранит вложения чатов. Файлы группируются по ID чата.
type FileStorage interface {
	Save(ctx context.Context, chatID, originalName, contentType string, r io.Reader) (*StoredFile, error)
	Open(ctx context.Context, chatID, name string) (io.ReadCloser, *ObjectInfo, error)
	// Delete удаляет файл; отсутствующий файл не считается ошибкой
	Delete(ctx context.Context, chatID, name string) error
	// URLPrefix - общее начало URL всех файлов чата, со слешем в конце
	URLPrefix(chatID string) string
}

type StoredFile struct {
	Name string
	URL  string
	Size int64
}

type ObjectInfo struct {
	ContentType string
	Size        int64
	ModTime     time.Time
}

// objectName генерирует имя файла: {uuid}{расширение исходного имени}
func objectName(originalName string) string {
	ext := strings.ToLower(path.Ext(strings.ReplaceAll(originalName, "\\", "/")))
	if len(ext) > 10 || strings.ContainsAny(ext, " /") {
		ext = ""
	}
	return uuid.NewString() + ext
}

// validatePathPart отсекает обход каталогов в ID чата и имени файла
func validatePathPart(part string) error {
	if part == "" || part == "." || part == ".." || strings.ContainsAny(part, "/\\\x00") {
		return errors.InvalidArgument("invalid file path")
	}
	return nil
}
