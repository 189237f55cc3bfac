package domain

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"estate_chat/pkg/errors"
)

func TestTextPreviewTruncation(t *testing.T) {
	assert.Equal(t, "Hello", TextContent{Text: "  Hello "}.Preview())

	long := strings.Repeat("я", 150)
	preview := TextContent{Text: long}.Preview()
	assert.Equal(t, PreviewMaxLength, len([]rune(preview)))
	assert.True(t, strings.HasSuffix(preview, "..."))

	exact := strings.Repeat("a", PreviewMaxLength)
	assert.Equal(t, exact, TextContent{Text: exact}.Preview())
}

func TestFilesPreview(t *testing.T) {
	one := []Attachment{{URL: "/f/1.pdf", Name: "plan.pdf"}}
	three := []Attachment{
		{URL: "/f/1.pdf", Name: "plan.pdf"},
		{URL: "/f/2.png", Name: "photo.png"},
		{URL: "/f/3.png", Name: "photo2.png"},
	}

	tests := []struct {
		name    string
		content FilesContent
		want    string
	}{
		{"single file", FilesContent{Files: one}, "[Files] plan.pdf"},
		{"single file with caption", FilesContent{Caption: "Floor plan", Files: one}, "Floor plan (plan.pdf)"},
		{"several files", FilesContent{Files: three}, "[Files (3)]"},
		{"several files with caption", FilesContent{Caption: "Photos", Files: three}, "Photos (+3 files)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.content.Preview())
		})
	}
}

func TestContentValidation(t *testing.T) {
	err := TextContent{Text: "   "}.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidArgument))

	assert.Error(t, FilesContent{Caption: "x"}.Validate())
	assert.NoError(t, FilesContent{Files: []Attachment{{URL: "u", Name: "n"}}}.Validate())
	assert.Error(t, RawContent{Kind: "location"}.Validate())
}

func TestEncodeDecodeFilesContent(t *testing.T) {
	original := FilesContent{
		Caption: "Документы",
		Files:   []Attachment{{URL: "/f/a.pdf", Name: "a.pdf", ContentType: "application/pdf", Size: 42}},
	}

	msgType, raw, err := EncodeContent(original)
	require.NoError(t, err)
	assert.Equal(t, MessageTypeFiles, msgType)

	decoded, err := DecodeContent(msgType, raw)
	require.NoError(t, err)
	assert.Equal(t, original, decoded)
	assert.Equal(t, original.Files, decoded.Attachments())
}

func TestDecodeUnknownTypeKeepsBody(t *testing.T) {
	decoded, err := DecodeContent("location", `{"lat":1}`)
	require.NoError(t, err)
	assert.Equal(t, RawContent{Kind: "location", Body: `{"lat":1}`}, decoded)
	assert.Equal(t, "[location]", decoded.Preview())

	_, err = DecodeContent(MessageTypeFiles, "not json")
	assert.Error(t, err)
}

func TestNewMessageContentUsesTextAsCaption(t *testing.T) {
	files := []Attachment{{URL: "u", Name: "n"}}
	c := NewMessageContent(MessageTypeFiles, "see attached", "", files)
	assert.Equal(t, FilesContent{Caption: "see attached", Files: files}, c)
}
