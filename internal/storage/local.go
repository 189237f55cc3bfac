package storage

import (
	"context"
	"fmt"
	"io"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"

	"estate_chat/pkg/errors"
	"estate_chat/pkg/logger"
)

// LocalStorage сохраняет файлы на диск в {dir}/{chat_id}/ и отдает их по {publicPath}/{chat_id}/{name}
type LocalStorage struct {
	dir        string
	publicPath string
	log        logger.Logger
}

var _ FileStorage = (*LocalStorage)(nil)

func NewLocalStorage(dir, publicPath string, log logger.Logger) (*LocalStorage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create upload dir: %w", err)
	}
	return &LocalStorage{
		dir:        dir,
		publicPath: strings.TrimRight(publicPath, "/"),
		log:        log,
	}, nil
}

func (s *LocalStorage) Save(ctx context.Context, chatID, originalName, contentType string, r io.Reader) (*StoredFile, error) {
	if err := validatePathPart(chatID); err != nil {
		return nil, err
	}

	chatDir := filepath.Join(s.dir, chatID)
	if err := os.MkdirAll(chatDir, 0o755); err != nil {
		s.log.Error("Failed to create chat upload dir", "error", err, "chat_id", chatID)
		return nil, fmt.Errorf("failed to create chat dir: %w", err)
	}

	name := objectName(originalName)
	fullPath := filepath.Join(chatDir, name)

	f, err := os.OpenFile(fullPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		s.log.Error("Failed to create file", "error", err, "path", fullPath)
		return nil, fmt.Errorf("failed to create file: %w", err)
	}

	size, err := io.Copy(f, r)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(fullPath)
		s.log.Error("Failed to write file", "error", err, "path", fullPath)
		return nil, fmt.Errorf("failed to write file: %w", err)
	}

	return &StoredFile{
		Name: name,
		URL:  s.URLPrefix(chatID) + name,
		Size: size,
	}, nil
}

func (s *LocalStorage) Open(ctx context.Context, chatID, name string) (io.ReadCloser, *ObjectInfo, error) {
	if err := validatePathPart(chatID); err != nil {
		return nil, nil, err
	}
	if err := validatePathPart(name); err != nil {
		return nil, nil, err
	}

	f, err := os.Open(filepath.Join(s.dir, chatID, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, errors.NotFound("file not found")
		}
		return nil, nil, fmt.Errorf("failed to open file: %w", err)
	}

	stat, err := f.Stat()
	if err != nil || stat.IsDir() {
		f.Close()
		return nil, nil, errors.NotFound("file not found")
	}

	return f, &ObjectInfo{
		ContentType: mime.TypeByExtension(filepath.Ext(name)),
		Size:        stat.Size(),
		ModTime:     stat.ModTime(),
	}, nil
}

func (s *LocalStorage) Delete(ctx context.Context, chatID, name string) error {
	if err := validatePathPart(chatID); err != nil {
		return err
	}
	if err := validatePathPart(name); err != nil {
		return err
	}

	err := os.Remove(filepath.Join(s.dir, chatID, name))
	if err != nil && !os.IsNotExist(err) {
		s.log.Error("Failed to delete file", "error", err, "chat_id", chatID, "name", name)
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

func (s *LocalStorage) URLPrefix(chatID string) string {
	return path.Join(s.publicPath, chatID) + "/"
}
