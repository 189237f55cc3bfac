package realtime

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"estate_chat/pkg/errors"
	"estate_chat/pkg/logger"
)

// Канал Pub/Sub для рассылки событий между процессами
const EventsChannel = "realtime:events"

const (
	TargetChat = "chat"
	TargetUser = "user"
)

const (
	subscribeMinBackoff = 500 * time.Millisecond
	subscribeMaxBackoff = 30 * time.Second
)

// errNotSubscribed - публикация без подписки не дошла бы до своих же сессий
var errNotSubscribed = errors.Unavailable("realtime fanout is not subscribed")

// Envelope - адресованный кадр: в комнату чата или во все сессии пользователя
type Envelope struct {
	Target        string          `json:"target"`
	ChatID        string          `json:"chat_id,omitempty"`
	UserID        int64           `json:"user_id,omitempty"`
	ExcludeUserID int64           `json:"exclude_user_id,omitempty"`
	Frame         json.RawMessage `json:"frame"`
}

type Fanout interface {
	Publish(ctx context.Context, env Envelope) error
	// Run доставляет чужие и свои публикации локальным сессиям до отмены контекста
	Run(ctx context.Context) error
}

type localFanout struct {
	deliver func(Envelope) int
}

// NewLocalFanout доставляет события только в пределах процесса
func NewLocalFanout(deliver func(Envelope) int) Fanout {
	return &localFanout{deliver: deliver}
}

func (f *localFanout) Publish(_ context.Context, env Envelope) error {
	f.deliver(env)
	return nil
}

func (f *localFanout) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

// RedisFanout публикует события в Redis Pub/Sub; каждый процесс доставляет их своим сессиям.
// Пока подписка не установлена, Publish возвращает ошибку и Hub доставляет событие локально.
type RedisFanout struct {
	rdb        *redis.Client
	channel    string
	deliver    func(Envelope) int
	subscribed atomic.Bool
	minBackoff time.Duration
	maxBackoff time.Duration
	log        logger.Logger
}

func NewRedisFanout(rdb *redis.Client, deliver func(Envelope) int, log logger.Logger) *RedisFanout {
	return &RedisFanout{
		rdb:        rdb,
		channel:    EventsChannel,
		deliver:    deliver,
		minBackoff: subscribeMinBackoff,
		maxBackoff: subscribeMaxBackoff,
		log:        log,
	}
}

func (f *RedisFanout) Publish(ctx context.Context, env Envelope) error {
	if !f.subscribed.Load() {
		return errNotSubscribed
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return f.rdb.Publish(ctx, f.channel, raw).Err()
}

// Run держит подписку до отмены контекста, переподписываясь с растущей паузой
func (f *RedisFanout) Run(ctx context.Context) error {
	backoff := f.minBackoff
	for {
		err := f.consume(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			backoff = f.minBackoff
		}
		f.log.Warn("Realtime fanout lost subscription, retrying", "error", err, "channel", f.channel, "backoff", backoff)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		backoff = min(backoff*2, f.maxBackoff)
	}
}

func (f *RedisFanout) consume(ctx context.Context) error {
	sub := f.rdb.Subscribe(ctx, f.channel)
	defer sub.Close()
	defer f.subscribed.Store(false)

	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	f.subscribed.Store(true)
	f.log.Info("Realtime fanout subscribed", "channel", f.channel)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				f.log.Warn("Dropping malformed realtime envelope", "error", err)
				continue
			}
			f.deliver(env)
		}
	}
}
