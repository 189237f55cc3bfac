package queue

import (
	"context"
	"errors"
	"time"
)

// Task - фоновая задача: стабильный тип и непрозрачный payload
type Task struct {
	Type    string
	Payload []byte
}

// Handler обрабатывает задачу. Ненулевая ошибка означает повтор по политике адаптера,
// поэтому обработчики должны быть идемпотентными.
type Handler func(ctx context.Context, task Task) error

type EnqueueOption struct {
	Queue    string
	TaskID   string
	MaxRetry int
	Timeout  time.Duration
}

// ErrSkipRetry оборачивается обработчиком, когда повтор задачи бессмысленен
var ErrSkipRetry = errors.New("skip retry")

// ErrDuplicateTask - задача с таким TaskID уже стоит в очереди
var ErrDuplicateTask = errors.New("task already enqueued")

type Client interface {
	Enqueue(ctx context.Context, t Task, opts ...EnqueueOption) (id string, err error)
	Close() error
}

type Server interface {
	Register(taskType string, h Handler)
	Run(ctx context.Context) error
}
