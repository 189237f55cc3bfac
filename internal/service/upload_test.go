package service

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"estate_chat/internal/domain"
	"estate_chat/pkg/errors"
)

var pngHeader = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0x0d, 'I', 'H', 'D', 'R', 0, 0, 0, 1, 0, 0, 0, 1, 8, 6, 0, 0, 0}

func part(name string, data []byte) UploadPart {
	return UploadPart{
		Filename: name,
		Size:     int64(len(data)),
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		},
	}
}

func TestUploadPartialFailure(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, envOptions{maxFileSize: 1024})
	chat := env.createChat(t)

	result, err := env.uploads.Upload(ctx, UploadInput{
		ChatID:   chat.ID,
		SenderID: inquirerID,
		Caption:  "  Документы по квартире ",
		Files: []UploadPart{
			part("plan.png", pngHeader),
			part("huge.pdf", append([]byte("%PDF-1.4\n"), make([]byte, 2048)...)),
			part("notes.txt", []byte("Площадь 54 м2, третий этаж")),
		},
	})
	require.NoError(t, err)
	assert.True(t, result.Partial())

	require.Len(t, result.UploadedFiles, 2)
	assert.Equal(t, "plan.png", result.UploadedFiles[0].Name)
	assert.Equal(t, "image/png", result.UploadedFiles[0].ContentType)
	assert.Equal(t, "notes.txt", result.UploadedFiles[1].Name)
	assert.Equal(t, "text/plain", result.UploadedFiles[1].ContentType)

	require.Len(t, result.ProcessingErrors, 1)
	assert.Contains(t, result.ProcessingErrors[0], "file too large: huge.pdf")

	require.NotNil(t, result.Message)
	assert.Equal(t, domain.MessageTypeFiles, result.Message.MessageType)
	assert.Len(t, result.Message.Attachments, 2)

	page, err := env.messages.GetMessages(ctx, GetMessagesInput{ChatID: chat.ID, UserID: ownerID})
	require.NoError(t, err)
	require.Len(t, page.Messages, 1, "one message for all stored files")

	content, err := domain.DecodeContent(page.Messages[0].MessageType, page.Messages[0].Content)
	require.NoError(t, err)
	files, ok := content.(domain.FilesContent)
	require.True(t, ok)
	assert.Equal(t, "Документы по квартире", files.Caption)
	assert.Len(t, files.Files, 2)

	assert.Len(t, env.files.files, 2)
	assert.Len(t, env.broadcaster.named(domain.EventNewMessage), 1)
}

func TestUploadAllStored(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	chat := env.createChat(t)

	result, err := env.uploads.Upload(context.Background(), UploadInput{
		ChatID:   chat.ID,
		SenderID: ownerID,
		Files:    []UploadPart{part("plan.png", pngHeader)},
	})
	require.NoError(t, err)
	assert.False(t, result.Partial())
	assert.Len(t, result.UploadedFiles, 1)
}

func TestUploadNothingStored(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	chat := env.createChat(t)

	_, err := env.uploads.Upload(context.Background(), UploadInput{
		ChatID:   chat.ID,
		SenderID: inquirerID,
		Files:    []UploadPart{part("run.exe", []byte("MZ\x90\x00\x03\x00\x00\x00\x04\x00\x00\x00\xff\xff"))},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidArgument))
	assert.True(t, strings.Contains(err.Error(), "invalid file type: run.exe"))

	assert.Empty(t, env.files.files)
	assert.Empty(t, env.broadcaster.named(domain.EventNewMessage))
}

func TestUploadRemovesFilesWhenMessageFails(t *testing.T) {
	env := newTestEnv(t, envOptions{sendLimit: 1})
	chat := env.createChat(t)
	env.send(t, chat.ID, inquirerID, "Добрый день")

	_, err := env.uploads.Upload(context.Background(), UploadInput{
		ChatID:   chat.ID,
		SenderID: inquirerID,
		Files: []UploadPart{
			part("plan.png", pngHeader),
			part("notes.txt", []byte("Площадь 54 м2")),
		},
	})
	assert.True(t, errors.Is(err, errors.ErrRateLimited))
	assert.Empty(t, env.files.files, "stored files are removed")
	assert.Len(t, env.broadcaster.named(domain.EventNewMessage), 1)
}

func TestUploadLimits(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	chat := env.createChat(t)

	_, err := env.uploads.Upload(context.Background(), UploadInput{ChatID: chat.ID, SenderID: inquirerID})
	assert.True(t, errors.Is(err, errors.ErrInvalidArgument))

	many := make([]UploadPart, 11)
	for i := range many {
		many[i] = part("plan.png", pngHeader)
	}
	_, err = env.uploads.Upload(context.Background(), UploadInput{ChatID: chat.ID, SenderID: inquirerID, Files: many})
	assert.True(t, errors.Is(err, errors.ErrInvalidArgument))

	_, err = env.uploads.Upload(context.Background(), UploadInput{ChatID: chat.ID, SenderID: 5, Files: many[:1]})
	assert.True(t, errors.Is(err, errors.ErrForbidden))
}

func TestOpenFileRequiresParticipant(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, envOptions{})
	chat := env.createChat(t)

	result, err := env.uploads.Upload(ctx, UploadInput{
		ChatID:   chat.ID,
		SenderID: inquirerID,
		Files:    []UploadPart{part("plan.png", pngHeader)},
	})
	require.NoError(t, err)
	name := result.UploadedFiles[0].URL[strings.LastIndex(result.UploadedFiles[0].URL, "/")+1:]

	rc, info, err := env.uploads.OpenFile(ctx, chat.ID, name, ownerID)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, pngHeader, data)
	assert.Equal(t, "image/png", info.ContentType)

	_, _, err = env.uploads.OpenFile(ctx, chat.ID, name, 5)
	assert.True(t, errors.Is(err, errors.ErrForbidden))
}
