package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"estate_chat/internal/domain"
	"estate_chat/internal/repository"
	"estate_chat/internal/storage"
	"estate_chat/pkg/errors"
	"estate_chat/pkg/logger"
)

const (
	ownerID    int64 = 7
	inquirerID int64 = 42
	propertyID int64 = 100
)

type sentEvent struct {
	ChatID  string
	UserID  int64
	Exclude int64
	Event   string
	Payload interface{}
}

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []sentEvent
}

func (b *recordingBroadcaster) BroadcastToChat(chatID, event string, payload interface{}, excludeUserID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, sentEvent{ChatID: chatID, Exclude: excludeUserID, Event: event, Payload: payload})
}

func (b *recordingBroadcaster) NotifyUser(userID int64, event string, payload interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, sentEvent{UserID: userID, Event: event, Payload: payload})
}

func (b *recordingBroadcaster) named(event string) []sentEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []sentEvent
	for _, e := range b.events {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

type fakeDirectory struct {
	properties map[int64]*domain.PropertyInfo
	users      map[int64]*domain.UserProfile
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		properties: map[int64]*domain.PropertyInfo{
			propertyID: {ID: propertyID, Title: "Квартира у моря", ImageURL: "http://media/uploads/properties/1.jpg", OwnerID: ownerID},
		},
		users: map[int64]*domain.UserProfile{
			ownerID:    {ID: ownerID, FirstName: "Олег", LastName: "Петров"},
			inquirerID: {ID: inquirerID, FirstName: "Анна"},
		},
	}
}

func (d *fakeDirectory) GetProperty(_ context.Context, id int64) (*domain.PropertyInfo, error) {
	if p, ok := d.properties[id]; ok {
		return p, nil
	}
	return nil, errors.NotFound("property not found")
}

func (d *fakeDirectory) GetUser(_ context.Context, id int64) (*domain.UserProfile, error) {
	if u, ok := d.users[id]; ok {
		return u, nil
	}
	return &domain.UserProfile{ID: id}, nil
}

type fakeAudit struct {
	mu     sync.Mutex
	events []string
}

func (a *fakeAudit) LogEvent(_ context.Context, _ *int64, _ string, _ *string, eventType string, _ map[string]interface{}) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, eventType)
	return nil
}

// memChatRepo - Durable Store в памяти с той же семантикой видимости и каскада
type memChatRepo struct {
	mu       sync.Mutex
	chats    map[string]*domain.Chat
	messages map[string][]*domain.Message
}

func newMemChatRepo() *memChatRepo {
	return &memChatRepo{chats: make(map[string]*domain.Chat), messages: make(map[string][]*domain.Message)}
}

func cloneChat(c *domain.Chat) *domain.Chat {
	out := *c
	out.Participants = nil
	for _, p := range c.Participants {
		cp := *p
		out.Participants = append(out.Participants, &cp)
	}
	return &out
}

func (r *memChatRepo) CreateChat(_ context.Context, chat *domain.Chat) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	pair := chat.ParticipantIDs()
	for _, c := range r.chats {
		ids := c.ParticipantIDs()
		if c.PropertyID == chat.PropertyID && ids[0] == pair[0] && ids[1] == pair[1] && !c.IsArchived {
			return errors.Conflict("chat already exists")
		}
	}
	r.chats[chat.ID] = cloneChat(chat)
	return nil
}

func (r *memChatRepo) FindActiveChat(_ context.Context, propertyID, userA, userB int64) (*domain.Chat, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pair := domain.SortedPair([]int64{userA, userB})
	for _, c := range r.chats {
		ids := c.ParticipantIDs()
		if c.PropertyID == propertyID && ids[0] == pair[0] && ids[1] == pair[1] && !c.IsArchived {
			return cloneChat(c), nil
		}
	}
	return nil, errors.ErrChatNotFound
}

func (r *memChatRepo) GetChat(_ context.Context, chatID string) (*domain.Chat, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.chats[chatID]
	if !ok {
		return nil, errors.ErrChatNotFound
	}
	return cloneChat(c), nil
}

func (r *memChatRepo) ListVisibleChats(_ context.Context, userID int64) ([]*domain.Chat, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Chat
	for _, c := range r.chats {
		if p := c.Participant(userID); p != nil && p.IsVisible && !p.IsDeleted() {
			out = append(out, cloneChat(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (r *memChatRepo) AppendMessage(_ context.Context, msg *domain.Message, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.chats[msg.ChatID]
	if !ok {
		return errors.ErrChatNotFound
	}
	for _, m := range r.messages[msg.ChatID] {
		if m.ID == msg.ID {
			return nil
		}
	}
	cp := *msg
	r.messages[msg.ChatID] = append(r.messages[msg.ChatID], &cp)
	for _, p := range c.Participants {
		if !p.IsDeleted() {
			p.IsVisible = true
		}
	}
	if msg.CreatedAt.After(c.UpdatedAt) {
		c.UpdatedAt = msg.CreatedAt
	}
	return nil
}

func (r *memChatRepo) MarkMessagesRead(_ context.Context, chatID string, _ int64, ids []string, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	found := 0
	for _, m := range r.messages[chatID] {
		for _, id := range ids {
			if m.ID == id {
				m.IsRead = true
				found++
			}
		}
	}
	if found < len(ids) {
		return errors.Unavailable("messages are not mirrored yet")
	}
	return nil
}

func (r *memChatRepo) MessageIDsSince(_ context.Context, chatID string, since time.Time) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for _, m := range r.messages[chatID] {
		if !m.CreatedAt.Before(since) {
			ids = append(ids, m.ID)
		}
	}
	return ids, nil
}

func (r *memChatRepo) DeleteForParticipant(_ context.Context, chatID string, userID int64, at time.Time) (*domain.DeleteOutcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.chats[chatID]
	if !ok {
		return nil, errors.ErrChatNotFound
	}
	p := c.Participant(userID)
	if p == nil {
		return nil, errors.ErrNotParticipant
	}
	p.Transition(domain.ParticipantEventDelete, at)

	outcome := &domain.DeleteOutcome{ChatID: chatID}
	if domain.ShouldPurge(c.Participants) {
		delete(r.chats, chatID)
		delete(r.messages, chatID)
		outcome.Purged = true
	}
	return outcome, nil
}

func (r *memChatRepo) RestoreParticipant(_ context.Context, chatID string, userID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.chats[chatID]
	if !ok || c.Participant(userID) == nil {
		return errors.ErrChatNotFound
	}
	c.Participant(userID).Transition(domain.ParticipantEventRestore, time.Time{})
	return nil
}

func (r *memChatRepo) messageCount(chatID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages[chatID])
}

// memFileStorage складывает файлы в память
type memFileStorage struct {
	mu    sync.Mutex
	files map[string][]byte
	types map[string]string
}

func newMemFileStorage() *memFileStorage {
	return &memFileStorage{files: make(map[string][]byte), types: make(map[string]string)}
}

func (s *memFileStorage) Save(_ context.Context, chatID, originalName, contentType string, r io.Reader) (*storage.StoredFile, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	name := fmt.Sprintf("%d-%s", len(s.files), originalName)
	s.files[chatID+"/"+name] = data
	s.types[chatID+"/"+name] = contentType
	return &storage.StoredFile{Name: name, URL: s.URLPrefix(chatID) + name, Size: int64(len(data))}, nil
}

func (s *memFileStorage) Delete(_ context.Context, chatID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.files, chatID+"/"+name)
	delete(s.types, chatID+"/"+name)
	return nil
}

func (s *memFileStorage) URLPrefix(chatID string) string {
	return "/chat-api/uploads/files/" + chatID + "/"
}

func (s *memFileStorage) Open(_ context.Context, chatID, name string) (io.ReadCloser, *storage.ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.files[chatID+"/"+name]
	if !ok {
		return nil, nil, errors.NotFound("file not found")
	}
	return io.NopCloser(bytes.NewReader(data)), &storage.ObjectInfo{ContentType: s.types[chatID+"/"+name], Size: int64(len(data))}, nil
}

type testEnv struct {
	mr          *miniredis.Miniredis
	cache       repository.ChatCacheRepository
	repo        *memChatRepo
	files       *memFileStorage
	broadcaster *recordingBroadcaster
	audit       *fakeAudit
	rateLimit   RateLimitService
	chats       ChatService
	messages    MessageService
	reads       ReadService
	uploads     UploadService
}

type envOptions struct {
	sendLimit   int
	maxFileSize int64
}

func newTestEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()
	if opts.sendLimit == 0 {
		opts.sendLimit = 100
	}
	if opts.maxFileSize == 0 {
		opts.maxFileSize = 10 * 1024 * 1024
	}

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	log := logger.Nop()
	env := &testEnv{
		mr:          mr,
		cache:       repository.NewChatCacheRepository(rdb, log),
		repo:        newMemChatRepo(),
		files:       newMemFileStorage(),
		broadcaster: &recordingBroadcaster{},
		audit:       &fakeAudit{},
	}
	clock := NewMonotonicClock()

	env.rateLimit = NewRateLimitService(repository.NewRateLimitRepository(rdb, log), domain.RateLimitRule{
		Scope:  domain.RateLimitScopeMessage,
		Limit:  opts.sendLimit,
		Window: time.Minute,
	}, log)
	env.chats = NewChatService(env.repo, env.cache, newFakeDirectory(), env.audit, env.broadcaster, clock, log)
	env.messages = NewMessageService(env.cache, env.cache, env.files, env.rateLimit, env.broadcaster, clock, MessageServiceOptions{
		DefaultHistoryLimit: 50,
		MaxHistoryLimit:     100,
	}, log)
	env.reads = NewReadService(env.cache, env.cache, env.broadcaster, clock, log)
	env.uploads = NewUploadService(env.cache, env.files, env.messages, UploadOptions{
		MaxFileSize:  opts.maxFileSize,
		MaxFiles:     10,
		AllowedTypes: []string{"image/png", "image/jpeg", "application/pdf", "text/plain"},
	}, log)
	return env
}

func (e *testEnv) createChat(t *testing.T) *domain.Chat {
	t.Helper()
	chat, created, err := e.chats.CreateChat(context.Background(), CreateChatInput{
		PropertyID:     propertyID,
		ParticipantIDs: []int64{inquirerID, ownerID},
		RequesterID:    inquirerID,
	})
	require.NoError(t, err)
	require.True(t, created)
	return chat
}

func (e *testEnv) send(t *testing.T, chatID string, sender int64, text string) *domain.Message {
	t.Helper()
	msg, err := e.messages.SubmitMessage(context.Background(), SubmitMessageInput{
		ChatID:   chatID,
		SenderID: sender,
		Content:  domain.TextContent{Text: text},
	})
	require.NoError(t, err)
	return msg
}
