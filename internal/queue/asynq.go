package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"estate_chat/pkg/logger"
)

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

func (o RedisOptions) connOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: o.Addr, Password: o.Password, DB: o.DB}
}

// AsynqClient реализует Client поверх github.com/hibiken/asynq
type AsynqClient struct {
	client *asynq.Client
}

var _ Client = (*AsynqClient)(nil)

func NewAsynqClient(opts RedisOptions) *AsynqClient {
	return &AsynqClient{client: asynq.NewClient(opts.connOpt())}
}

func (a *AsynqClient) Enqueue(ctx context.Context, t Task, opts ...EnqueueOption) (string, error) {
	if t.Type == "" {
		return "", errors.New("asynq: task type is required")
	}

	var asynqOpts []asynq.Option
	for _, op := range opts {
		if op.Queue != "" {
			asynqOpts = append(asynqOpts, asynq.Queue(op.Queue))
		}
		if op.TaskID != "" {
			asynqOpts = append(asynqOpts, asynq.TaskID(op.TaskID))
		}
		if op.MaxRetry > 0 {
			asynqOpts = append(asynqOpts, asynq.MaxRetry(op.MaxRetry))
		}
		if op.Timeout > 0 {
			asynqOpts = append(asynqOpts, asynq.Timeout(op.Timeout))
		}
	}

	info, err := a.client.EnqueueContext(ctx, asynq.NewTask(t.Type, t.Payload), asynqOpts...)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return "", ErrDuplicateTask
		}
		return "", err
	}
	return info.ID, nil
}

func (a *AsynqClient) Close() error {
	return a.client.Close()
}

type ServerOptions struct {
	Concurrency int
	Queues      []string
}

// AsynqServer реализует Server: пул воркеров с повторами и экспоненциальной задержкой
type AsynqServer struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	log    logger.Logger
}

var _ Server = (*AsynqServer)(nil)

func NewAsynqServer(redisOpts RedisOptions, opts ServerOptions, log logger.Logger) *AsynqServer {
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 10
	}
	queues := map[string]int{"default": 1}
	for _, q := range opts.Queues {
		queues[q] = 3
	}

	srv := asynq.NewServer(redisOpts.connOpt(), asynq.Config{
		Concurrency:    concurrency,
		Queues:         queues,
		RetryDelayFunc: asynq.DefaultRetryDelayFunc,
		Logger:         &asynqLogger{log: log},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			retried, _ := asynq.GetRetryCount(ctx)
			maxRetry, _ := asynq.GetMaxRetry(ctx)
			log.Warn("Background task failed", "type", task.Type(), "error", err, "retry", retried, "max_retry", maxRetry)
		}),
		ShutdownTimeout: 10 * time.Second,
	})

	return &AsynqServer{server: srv, mux: asynq.NewServeMux(), log: log}
}

func (s *AsynqServer) Register(taskType string, h Handler) {
	s.mux.HandleFunc(taskType, func(ctx context.Context, t *asynq.Task) error {
		err := h(ctx, Task{Type: t.Type(), Payload: t.Payload()})
		if err != nil && errors.Is(err, ErrSkipRetry) {
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		return err
	})
}

// Run запускает воркеры и блокируется до отмены контекста
func (s *AsynqServer) Run(ctx context.Context) error {
	if err := s.server.Start(s.mux); err != nil {
		return err
	}
	s.log.Info("Background worker started")
	<-ctx.Done()
	s.server.Shutdown()
	s.log.Info("Background worker stopped")
	return nil
}

type asynqLogger struct {
	log logger.Logger
}

func (l *asynqLogger) Debug(args ...interface{}) { l.log.Debug(fmt.Sprint(args...)) }
func (l *asynqLogger) Info(args ...interface{})  { l.log.Info(fmt.Sprint(args...)) }
func (l *asynqLogger) Warn(args ...interface{})  { l.log.Warn(fmt.Sprint(args...)) }
func (l *asynqLogger) Error(args ...interface{}) { l.log.Error(fmt.Sprint(args...)) }
func (l *asynqLogger) Fatal(args ...interface{}) { l.log.Fatal(fmt.Sprint(args...)) }
