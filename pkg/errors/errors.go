package errors

import (
	"errors"
	"net/http"
)

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrForbidden       = errors.New("forbidden")
	ErrNotFound        = errors.New("not found")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrConflict        = errors.New("conflict")
	ErrRateLimited     = errors.New("rate limit exceeded")
	ErrUnavailable     = errors.New("service unavailable")
	ErrInternal        = errors.New("internal server error")

	ErrChatNotFound    = Wrap(ErrNotFound, "chat not found")
	ErrMessageNotFound = Wrap(ErrNotFound, "message not found")
	ErrNotParticipant  = Wrap(ErrForbidden, "user is not a participant of this chat")
	ErrInvalidToken    = Wrap(ErrUnauthenticated, "invalid or expired token")
)

// Error связывает категорию ошибки с текстом, который увидит клиент
type Error struct {
	Kind   error
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return e.Kind.Error()
	}
	return e.Detail
}

func (e *Error) Unwrap() error {
	return e.Kind
}

func Wrap(kind error, detail string) error {
	return &Error{Kind: kind, Detail: detail}
}

func NotFound(detail string) error        { return Wrap(ErrNotFound, detail) }
func Forbidden(detail string) error       { return Wrap(ErrForbidden, detail) }
func InvalidArgument(detail string) error { return Wrap(ErrInvalidArgument, detail) }
func Conflict(detail string) error        { return Wrap(ErrConflict, detail) }
func Unavailable(detail string) error     { return Wrap(ErrUnavailable, detail) }

type APIError struct {
	Message string `json:"error"`
	Code    int    `json:"code"`
}

func (e *APIError) Error() string {
	return e.Message
}

func NewAPIError(message string, code int) *APIError {
	return &APIError{
		Message: message,
		Code:    code,
	}
}

func HTTPStatusFromError(err error) int {
	var apiErr *APIError
	switch {
	case errors.As(err, &apiErr):
		return apiErr.Code
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage возвращает текст ошибки, безопасный для отдачи клиенту
func PublicMessage(err error) string {
	if HTTPStatusFromError(err) == http.StatusInternalServerError {
		return ErrInternal.Error()
	}
	return err.Error()
}

// Is и As реэкспортированы, чтобы пакет можно было импортировать вместо стандартного
func Is(err, target error) bool { return errors.Is(err, target) }

func As(err error, target interface{}) bool { return errors.As(err, target) }

func New(text string) error { return errors.New(text) }
