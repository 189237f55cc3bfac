package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"estate_chat/pkg/errors"
)

type MessageType string

const (
	MessageTypeText  MessageType = "text"
	MessageTypeFiles MessageType = "files"
)

// PreviewMaxLength - максимальная длина превью в списке чатов (в символах)
const PreviewMaxLength = 100

type Attachment struct {
	URL         string `json:"url" validate:"required,max=2048"`
	Name        string `json:"name" validate:"required,max=255"`
	ContentType string `json:"content_type" validate:"max=128"`
	Size        int64  `json:"size" validate:"gte=0"`
}

// MessageContent - содержимое сообщения: TextContent, FilesContent или RawContent
type MessageContent interface {
	Type() MessageType
	Validate() error
	Preview() string
	Attachments() []Attachment
}

type TextContent struct {
	Text string
}

func (c TextContent) Type() MessageType { return MessageTypeText }

func (c TextContent) Validate() error {
	if strings.TrimSpace(c.Text) == "" {
		return errors.InvalidArgument("message content must not be empty")
	}
	return nil
}

func (c TextContent) Preview() string { return truncatePreview(c.Text) }

func (c TextContent) Attachments() []Attachment { return nil }

type FilesContent struct {
	Caption string       `json:"caption,omitempty"`
	Files   []Attachment `json:"files"`
}

func (c FilesContent) Type() MessageType { return MessageTypeFiles }

func (c FilesContent) Validate() error {
	if len(c.Files) == 0 {
		return errors.InvalidArgument("files message must reference at least one file")
	}
	for _, f := range c.Files {
		if f.URL == "" || f.Name == "" {
			return errors.InvalidArgument("file entry must have url and name")
		}
	}
	return nil
}

func (c FilesContent) Preview() string {
	caption := strings.TrimSpace(c.Caption)
	switch n := len(c.Files); {
	case n == 1 && caption != "":
		return truncatePreview(fmt.Sprintf("%s (%s)", caption, c.Files[0].Name))
	case n == 1:
		return truncatePreview("[Files] " + c.Files[0].Name)
	case caption != "":
		return truncatePreview(fmt.Sprintf("%s (+%d files)", caption, n))
	default:
		return fmt.Sprintf("[Files (%d)]", n)
	}
}

func (c FilesContent) Attachments() []Attachment { return c.Files }

// RawContent хранит сообщения неизвестных типов без интерпретации
type RawContent struct {
	Kind MessageType
	Body string
}

func (c RawContent) Type() MessageType { return c.Kind }

func (c RawContent) Validate() error {
	if c.Kind == "" {
		return errors.InvalidArgument("message type must not be empty")
	}
	if strings.TrimSpace(c.Body) == "" {
		return errors.InvalidArgument("message content must not be empty")
	}
	return nil
}

func (c RawContent) Preview() string { return "[" + string(c.Kind) + "]" }

func (c RawContent) Attachments() []Attachment { return nil }

// EncodeContent сериализует содержимое в пару (тип, строка), в которой оно хранится в Redis и PostgreSQL
func EncodeContent(c MessageContent) (MessageType, string, error) {
	switch v := c.(type) {
	case TextContent:
		return MessageTypeText, v.Text, nil
	case FilesContent:
		body, err := json.Marshal(v)
		if err != nil {
			return "", "", fmt.Errorf("encode files content: %w", err)
		}
		return MessageTypeFiles, string(body), nil
	case RawContent:
		return v.Kind, v.Body, nil
	default:
		return "", "", fmt.Errorf("unsupported content %T", c)
	}
}

func DecodeContent(t MessageType, raw string) (MessageContent, error) {
	switch t {
	case MessageTypeText, "":
		return TextContent{Text: raw}, nil
	case MessageTypeFiles:
		var fc FilesContent
		if err := json.Unmarshal([]byte(raw), &fc); err != nil {
			return nil, errors.InvalidArgument("files content is not valid JSON")
		}
		return fc, nil
	default:
		return RawContent{Kind: t, Body: raw}, nil
	}
}

// NewMessageContent собирает содержимое из полей клиентского запроса
func NewMessageContent(t MessageType, text, caption string, files []Attachment) MessageContent {
	switch t {
	case MessageTypeText, "":
		return TextContent{Text: text}
	case MessageTypeFiles:
		if caption == "" {
			caption = text
		}
		return FilesContent{Caption: caption, Files: files}
	default:
		return RawContent{Kind: t, Body: text}
	}
}

func truncatePreview(s string) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= PreviewMaxLength {
		return s
	}
	runes := []rune(s)
	return string(runes[:PreviewMaxLength-3]) + "..."
}
