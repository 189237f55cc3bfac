package storage

import (
	"context"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"estate_chat/pkg/errors"
	"estate_chat/pkg/logger"
)

const gcsPrefix = "chat_files"

// GCSStorage хранит вложения в бакете Google Cloud Storage под chat_files/{chat_id}/
type GCSStorage struct {
	client     *storage.Client
	bucketName string
	log        logger.Logger
}

var _ FileStorage = (*GCSStorage)(nil)

func NewGCSStorage(ctx context.Context, bucketName, credentialsPath string, log logger.Logger) (*GCSStorage, error) {
	var opts []option.ClientOption
	if credentialsPath != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsPath))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}

	return &GCSStorage{
		client:     client,
		bucketName: bucketName,
		log:        log,
	}, nil
}

func (s *GCSStorage) Save(ctx context.Context, chatID, originalName, contentType string, r io.Reader) (*StoredFile, error) {
	if err := validatePathPart(chatID); err != nil {
		return nil, err
	}

	name := objectName(originalName)
	object := gcsPrefix + "/" + chatID + "/" + name

	wc := s.client.Bucket(s.bucketName).Object(object).NewWriter(ctx)
	wc.ContentType = contentType
	wc.CacheControl = "private, max-age=86400"

	size, err := io.Copy(wc, r)
	if err != nil {
		_ = wc.Close()
		s.log.Error("Failed to copy file to GCS", "error", err, "object", object)
		return nil, fmt.Errorf("failed to copy file to GCS: %w", err)
	}
	if err := wc.Close(); err != nil {
		s.log.Error("Failed to finalize GCS object", "error", err, "object", object)
		return nil, fmt.Errorf("failed to close writer: %w", err)
	}

	return &StoredFile{
		Name: name,
		URL:  s.URLPrefix(chatID) + name,
		Size: size,
	}, nil
}

func (s *GCSStorage) Open(ctx context.Context, chatID, name string) (io.ReadCloser, *ObjectInfo, error) {
	if err := validatePathPart(chatID); err != nil {
		return nil, nil, err
	}
	if err := validatePathPart(name); err != nil {
		return nil, nil, err
	}

	reader, err := s.client.Bucket(s.bucketName).Object(gcsPrefix + "/" + chatID + "/" + name).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, nil, errors.NotFound("file not found")
		}
		s.log.Error("Failed to open GCS object", "error", err, "chat_id", chatID, "name", name)
		return nil, nil, fmt.Errorf("failed to open object: %w", err)
	}

	return reader, &ObjectInfo{
		ContentType: reader.Attrs.ContentType,
		Size:        reader.Attrs.Size,
		ModTime:     reader.Attrs.LastModified,
	}, nil
}

func (s *GCSStorage) Delete(ctx context.Context, chatID, name string) error {
	if err := validatePathPart(chatID); err != nil {
		return err
	}
	if err := validatePathPart(name); err != nil {
		return err
	}

	err := s.client.Bucket(s.bucketName).Object(gcsPrefix + "/" + chatID + "/" + name).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		s.log.Error("Failed to delete GCS object", "error", err, "chat_id", chatID, "name", name)
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}

func (s *GCSStorage) URLPrefix(chatID string) string {
	return fmt.Sprintf("https://storage.googleapis.com/%s/%s/%s/", s.bucketName, gcsPrefix, chatID)
}

func (s *GCSStorage) Close() error {
	return s.client.Close()
}
