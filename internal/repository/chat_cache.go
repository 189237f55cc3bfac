package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"estate_chat/internal/domain"
	"estate_chat/pkg/errors"
	"estate_chat/pkg/logger"
)

// Сколько раз повторять WATCH-транзакцию при конкурентной записи в чат
const txMaxAttempts = 5

// ChatCacheRepository - Fast Store: живое состояние чатов в Redis
type ChatCacheRepository interface {
	SaveChat(ctx context.Context, chat *domain.Chat) error
	GetChat(ctx context.Context, chatID string) (*domain.Chat, error)
	Participants(ctx context.Context, chatID string) ([]int64, error)
	IsParticipant(ctx context.Context, chatID string, userID int64) (bool, error)
	FindChatID(ctx context.Context, propertyID, userA, userB int64) (string, error)
	ChatMetas(ctx context.Context, chatIDs []string) (map[string]*domain.ChatMeta, error)
	UserChatIDs(ctx context.Context, userID int64) ([]string, error)

	AppendMessage(ctx context.Context, msg *domain.Message, preview string) error
	GetMessages(ctx context.Context, chatID string, before *time.Time, limit int) (*domain.MessagePage, error)
	GetMessage(ctx context.Context, messageID string) (*domain.Message, error)
	MessageIDsSince(ctx context.Context, chatID string, since time.Time) ([]string, error)
	ScanChatIDs(ctx context.Context, fn func(chatID string) error) error
	MarkRead(ctx context.Context, chatID string, readerID int64, at time.Time) ([]string, error)

	SoftDelete(ctx context.Context, chatID string, userID int64) error
	Restore(ctx context.Context, chatID string, userID int64) error
	Purge(ctx context.Context, chatID string) error
}

type chatCacheRepository struct {
	rdb *redis.Client
	log logger.Logger
}

func NewChatCacheRepository(rdb *redis.Client, log logger.Logger) ChatCacheRepository {
	return &chatCacheRepository{
		rdb: rdb,
		log: log,
	}
}

func (r *chatCacheRepository) SaveChat(ctx context.Context, chat *domain.Chat) error {
	key := chatKey(chat.ID)
	fields := map[string]interface{}{
		"id":             chat.ID,
		"property_id":    chat.PropertyID,
		"property_title": chat.PropertyTitle,
		"property_image": chat.PropertyImage,
		"created_at":     formatTime(chat.CreatedAt),
		"updated_at":     formatTime(chat.UpdatedAt),
		"is_archived":    formatBool(chat.IsArchived),
	}
	ids := chat.ParticipantIDs()

	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fields)
		for _, p := range chat.Participants {
			pipe.HSet(ctx, key, nameField(p.UserID), p.DisplayName, avatarField(p.UserID), p.AvatarURL)
			// счетчик не сбрасываем при повторном зеркалировании
			pipe.HSetNX(ctx, key, unreadField(p.UserID), 0)
			pipe.SAdd(ctx, chatParticipantsKey(chat.ID), p.UserID)
			switch {
			case p.IsDeleted():
				pipe.SAdd(ctx, chatDeletedKey(chat.ID), p.UserID)
				pipe.SRem(ctx, userChatsKey(p.UserID), chat.ID)
			case p.IsVisible:
				pipe.SAdd(ctx, userChatsKey(p.UserID), chat.ID)
			}
		}
		if !chat.IsArchived && len(ids) == 2 {
			pipe.Set(ctx, lookupChatKey(chat.PropertyID, ids[0], ids[1]), chat.ID, 0)
		}
		return nil
	})
	if err != nil {
		r.log.Error("Failed to save chat to Redis", "error", err, "chat_id", chat.ID)
		return fmt.Errorf("failed to save chat: %w", err)
	}

	return nil
}

func (r *chatCacheRepository) GetChat(ctx context.Context, chatID string) (*domain.Chat, error) {
	pipe := r.rdb.Pipeline()
	hashCmd := pipe.HGetAll(ctx, chatKey(chatID))
	membersCmd := pipe.SMembers(ctx, chatParticipantsKey(chatID))
	deletedCmd := pipe.SMembers(ctx, chatDeletedKey(chatID))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		r.log.Error("Failed to get chat from Redis", "error", err, "chat_id", chatID)
		return nil, fmt.Errorf("failed to get chat: %w", err)
	}

	hash := hashCmd.Val()
	if len(hash) == 0 {
		return nil, errors.ErrChatNotFound
	}

	chat := &domain.Chat{
		ID:            chatID,
		PropertyID:    parseInt64(hash["property_id"]),
		PropertyTitle: hash["property_title"],
		PropertyImage: hash["property_image"],
		CreatedAt:     parseTime(hash["created_at"]),
		UpdatedAt:     parseTime(hash["updated_at"]),
		IsArchived:    parseBool(hash["is_archived"]),
	}

	deleted := toIDSet(deletedCmd.Val())
	members := toIDs(membersCmd.Val())

	visPipe := r.rdb.Pipeline()
	visible := make([]*redis.BoolCmd, len(members))
	for i, uid := range members {
		visible[i] = visPipe.SIsMember(ctx, userChatsKey(uid), chatID)
	}
	if len(members) > 0 {
		if _, err := visPipe.Exec(ctx); err != nil && err != redis.Nil {
			r.log.Error("Failed to get chat visibility", "error", err, "chat_id", chatID)
			return nil, fmt.Errorf("failed to get chat: %w", err)
		}
	}

	for i, uid := range members {
		p := &domain.Participant{
			ChatID:      chatID,
			UserID:      uid,
			DisplayName: hash[nameField(uid)],
			AvatarURL:   hash[avatarField(uid)],
			JoinedAt:    chat.CreatedAt,
			IsVisible:   visible[i].Val(),
			State:       domain.ParticipantActive,
		}
		if deleted[uid] {
			p.State = domain.ParticipantSoftDeleted
		}
		chat.Participants = append(chat.Participants, p)
	}

	return chat, nil
}

func (r *chatCacheRepository) Participants(ctx context.Context, chatID string) ([]int64, error) {
	members, err := r.rdb.SMembers(ctx, chatParticipantsKey(chatID)).Result()
	if err != nil && err != redis.Nil {
		r.log.Error("Failed to get chat participants", "error", err, "chat_id", chatID)
		return nil, fmt.Errorf("failed to get participants: %w", err)
	}
	return toIDs(members), nil
}

func (r *chatCacheRepository) IsParticipant(ctx context.Context, chatID string, userID int64) (bool, error) {
	ok, err := r.rdb.SIsMember(ctx, chatParticipantsKey(chatID), userID).Result()
	if err != nil {
		r.log.Error("Failed to check participant", "error", err, "chat_id", chatID, "user_id", userID)
		return false, fmt.Errorf("failed to check participant: %w", err)
	}
	return ok, nil
}

func (r *chatCacheRepository) FindChatID(ctx context.Context, propertyID, userA, userB int64) (string, error) {
	chatID, err := r.rdb.Get(ctx, lookupChatKey(propertyID, userA, userB)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		r.log.Error("Failed to lookup chat", "error", err, "property_id", propertyID)
		return "", fmt.Errorf("failed to lookup chat: %w", err)
	}
	return chatID, nil
}

func (r *chatCacheRepository) ChatMetas(ctx context.Context, chatIDs []string) (map[string]*domain.ChatMeta, error) {
	metas := make(map[string]*domain.ChatMeta, len(chatIDs))
	if len(chatIDs) == 0 {
		return metas, nil
	}

	pipe := r.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(chatIDs))
	for i, id := range chatIDs {
		cmds[i] = pipe.HGetAll(ctx, chatKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		r.log.Error("Failed to get chat metadata", "error", err)
		return nil, fmt.Errorf("failed to get chat metadata: %w", err)
	}

	for i, id := range chatIDs {
		hash := cmds[i].Val()
		if len(hash) == 0 {
			continue
		}
		metas[id] = parseChatMeta(hash)
	}

	return metas, nil
}

func (r *chatCacheRepository) UserChatIDs(ctx context.Context, userID int64) ([]string, error) {
	ids, err := r.rdb.SMembers(ctx, userChatsKey(userID)).Result()
	if err != nil && err != redis.Nil {
		r.log.Error("Failed to get user chats", "error", err, "user_id", userID)
		return nil, fmt.Errorf("failed to get user chats: %w", err)
	}
	return ids, nil
}

// AppendMessage записывает сообщение, индекс, метаданные чата и счетчики непрочитанных одной транзакцией.
// Метка времени уникальна внутри чата: занятая другим сообщением сдвигается на микросекунду,
// и msg.CreatedAt получает итоговое значение.
func (r *chatCacheRepository) AppendMessage(ctx context.Context, msg *domain.Message, preview string) error {
	participants, deleted, err := r.membership(ctx, msg.ChatID)
	if err != nil {
		return err
	}
	if len(participants) == 0 {
		return errors.ErrChatNotFound
	}

	messagesKey := chatMessagesKey(msg.ChatID)
	createdAt := msg.CreatedAt.UTC().Truncate(time.Microsecond)

	txf := func(tx *redis.Tx) error {
		at, err := freeMessageSlot(ctx, tx, messagesKey, msg.ID, createdAt)
		if err != nil {
			return err
		}

		stored := *msg
		stored.CreatedAt = at
		fields, err := messageFields(&stored)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, messageKey(msg.ID), fields)
			pipe.ZAdd(ctx, messagesKey, redis.Z{
				Score:  messageScore(at),
				Member: msg.ID,
			})
			pipe.HSet(ctx, chatKey(msg.ChatID),
				"last_message", preview,
				"last_message_time", formatTime(at),
				"last_sender_id", msg.SenderID,
				"updated_at", formatTime(at),
			)
			for _, uid := range participants {
				if uid != msg.SenderID {
					pipe.HIncrBy(ctx, chatKey(msg.ChatID), unreadField(uid), 1)
				}
				// чат появляется у собеседника только после первого сообщения
				if !deleted[uid] {
					pipe.SAdd(ctx, userChatsKey(uid), msg.ChatID)
				}
			}
			return nil
		})
		if err == nil {
			msg.CreatedAt = at
		}
		return err
	}

	for attempt := 0; attempt < txMaxAttempts; attempt++ {
		err = r.rdb.Watch(ctx, txf, messagesKey)
		if err == nil {
			return nil
		}
		if err == redis.TxFailedErr {
			continue
		}
		r.log.Error("Failed to append message to Redis", "error", err, "chat_id", msg.ChatID, "message_id", msg.ID)
		return fmt.Errorf("failed to append message: %w", err)
	}

	r.log.Warn("Append gave up after concurrent updates", "chat_id", msg.ChatID, "message_id", msg.ID)
	return fmt.Errorf("failed to append message: %w", redis.TxFailedErr)
}

// freeMessageSlot возвращает первую метку не раньше at, которую не занимает другое сообщение чата
func freeMessageSlot(ctx context.Context, tx *redis.Tx, messagesKey, messageID string, at time.Time) (time.Time, error) {
	for {
		score := strconv.FormatInt(at.UnixMicro(), 10)
		taken, err := tx.ZRangeByScore(ctx, messagesKey, &redis.ZRangeBy{Min: score, Max: score}).Result()
		if err != nil && err != redis.Nil {
			return time.Time{}, err
		}
		if len(taken) == 0 || slices.Contains(taken, messageID) {
			return at, nil
		}
		at = at.Add(time.Microsecond)
	}
}

// GetMessages возвращает страницу сообщений старше before (не включительно) в хронологическом порядке
func (r *chatCacheRepository) GetMessages(ctx context.Context, chatID string, before *time.Time, limit int) (*domain.MessagePage, error) {
	key := chatMessagesKey(chatID)

	maxScore := "+inf"
	if before != nil {
		maxScore = "(" + strconv.FormatInt(before.UTC().UnixMicro(), 10)
	}

	// берем на одно сообщение больше, чтобы узнать, есть ли еще страницы
	ids, err := r.rdb.ZRevRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    maxScore,
		Offset: 0,
		Count:  int64(limit) + 1,
	}).Result()
	if err != nil && err != redis.Nil {
		r.log.Error("Failed to get message ids", "error", err, "chat_id", chatID)
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}

	page := &domain.MessagePage{Messages: []*domain.Message{}}
	if len(ids) > limit {
		page.HasMore = true
		ids = ids[:limit]
	}

	pipe := r.rdb.Pipeline()
	totalCmd := pipe.ZCard(ctx, key)
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, messageKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		r.log.Error("Failed to get messages", "error", err, "chat_id", chatID)
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	page.Total = totalCmd.Val()

	// от старых к новым
	for i := len(cmds) - 1; i >= 0; i-- {
		hash := cmds[i].Val()
		if len(hash) == 0 {
			r.log.Warn("Message hash is missing", "chat_id", chatID, "message_id", ids[i])
			continue
		}
		page.Messages = append(page.Messages, parseMessage(hash))
	}

	return page, nil
}

func (r *chatCacheRepository) GetMessage(ctx context.Context, messageID string) (*domain.Message, error) {
	hash, err := r.rdb.HGetAll(ctx, messageKey(messageID)).Result()
	if err != nil {
		r.log.Error("Failed to get message", "error", err, "message_id", messageID)
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	if len(hash) == 0 {
		return nil, errors.ErrMessageNotFound
	}
	return parseMessage(hash), nil
}

func (r *chatCacheRepository) MessageIDsSince(ctx context.Context, chatID string, since time.Time) ([]string, error) {
	ids, err := r.rdb.ZRangeByScore(ctx, chatMessagesKey(chatID), &redis.ZRangeBy{
		Min: strconv.FormatInt(since.UTC().UnixMicro(), 10),
		Max: "+inf",
	}).Result()
	if err != nil && err != redis.Nil {
		r.log.Error("Failed to get recent message ids", "error", err, "chat_id", chatID)
		return nil, fmt.Errorf("failed to get message ids: %w", err)
	}
	return ids, nil
}

func (r *chatCacheRepository) ScanChatIDs(ctx context.Context, fn func(chatID string) error) error {
	iter := r.rdb.Scan(ctx, 0, chatMessagesPattern, 200).Iterator()
	for iter.Next(ctx) {
		chatID, ok := chatIDFromMessagesKey(iter.Val())
		if !ok {
			continue
		}
		if err := fn(chatID); err != nil {
			return err
		}
	}
	return iter.Err()
}

// MarkRead помечает прочитанными все чужие сообщения чата и обнуляет счетчик читателя.
// Транзакция повторяется, если во время сканирования в чат пришло новое сообщение.
func (r *chatCacheRepository) MarkRead(ctx context.Context, chatID string, readerID int64, at time.Time) ([]string, error) {
	messagesKey := chatMessagesKey(chatID)
	var updated []string

	txf := func(tx *redis.Tx) error {
		updated = nil

		ids, err := tx.ZRange(ctx, messagesKey, 0, -1).Result()
		if err != nil && err != redis.Nil {
			return err
		}

		cmds := make([]*redis.SliceCmd, len(ids))
		if len(ids) > 0 {
			_, err = tx.Pipelined(ctx, func(pipe redis.Pipeliner) error {
				for i, id := range ids {
					cmds[i] = pipe.HMGet(ctx, messageKey(id), "sender_id", "is_read")
				}
				return nil
			})
			if err != nil && err != redis.Nil {
				return err
			}
		}

		reader := strconv.FormatInt(readerID, 10)
		for i, id := range ids {
			vals := cmds[i].Val()
			if len(vals) != 2 || vals[0] == nil {
				continue
			}
			sender, _ := vals[0].(string)
			isRead, _ := vals[1].(string)
			if sender != reader && !parseBool(isRead) {
				updated = append(updated, id)
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, id := range updated {
				pipe.HSet(ctx, messageKey(id), "is_read", formatBool(true))
			}
			pipe.HSet(ctx, chatKey(chatID), unreadField(readerID), 0, "last_read:"+reader, formatTime(at))
			return nil
		})
		return err
	}

	for attempt := 0; attempt < txMaxAttempts; attempt++ {
		err := r.rdb.Watch(ctx, txf, messagesKey)
		if err == nil {
			return updated, nil
		}
		if err == redis.TxFailedErr {
			continue
		}
		r.log.Error("Failed to mark messages as read", "error", err, "chat_id", chatID, "user_id", readerID)
		return nil, fmt.Errorf("failed to mark read: %w", err)
	}

	r.log.Warn("Mark read gave up after concurrent updates", "chat_id", chatID, "user_id", readerID)
	return nil, fmt.Errorf("failed to mark read: %w", redis.TxFailedErr)
}

func (r *chatCacheRepository) SoftDelete(ctx context.Context, chatID string, userID int64) error {
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, userChatsKey(userID), chatID)
		pipe.SAdd(ctx, chatDeletedKey(chatID), userID)
		return nil
	})
	if err != nil {
		r.log.Error("Failed to soft delete chat in Redis", "error", err, "chat_id", chatID, "user_id", userID)
		return fmt.Errorf("failed to soft delete chat: %w", err)
	}
	return nil
}

func (r *chatCacheRepository) Restore(ctx context.Context, chatID string, userID int64) error {
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, chatDeletedKey(chatID), userID)
		pipe.SAdd(ctx, userChatsKey(userID), chatID)
		return nil
	})
	if err != nil {
		r.log.Error("Failed to restore chat in Redis", "error", err, "chat_id", chatID, "user_id", userID)
		return fmt.Errorf("failed to restore chat: %w", err)
	}
	return nil
}

// Purge удаляет из Redis чат целиком: метаданные, участников, индекс и сами сообщения
func (r *chatCacheRepository) Purge(ctx context.Context, chatID string) error {
	pipe := r.rdb.Pipeline()
	propertyCmd := pipe.HGet(ctx, chatKey(chatID), "property_id")
	membersCmd := pipe.SMembers(ctx, chatParticipantsKey(chatID))
	idsCmd := pipe.ZRange(ctx, chatMessagesKey(chatID), 0, -1)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		r.log.Error("Failed to read chat before purge", "error", err, "chat_id", chatID)
		return fmt.Errorf("failed to purge chat: %w", err)
	}

	members := toIDs(membersCmd.Val())
	var lookupKey string
	if propertyID := parseInt64(propertyCmd.Val()); propertyID != 0 && len(members) == 2 {
		key := lookupChatKey(propertyID, members[0], members[1])
		if current, err := r.rdb.Get(ctx, key).Result(); err == nil && current == chatID {
			lookupKey = key
		}
	}

	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range idsCmd.Val() {
			pipe.Del(ctx, messageKey(id))
		}
		pipe.Del(ctx, chatKey(chatID), chatParticipantsKey(chatID), chatDeletedKey(chatID), chatMessagesKey(chatID))
		for _, uid := range members {
			pipe.SRem(ctx, userChatsKey(uid), chatID)
		}
		if lookupKey != "" {
			pipe.Del(ctx, lookupKey)
		}
		return nil
	})
	if err != nil {
		r.log.Error("Failed to purge chat from Redis", "error", err, "chat_id", chatID)
		return fmt.Errorf("failed to purge chat: %w", err)
	}

	return nil
}

func (r *chatCacheRepository) membership(ctx context.Context, chatID string) ([]int64, map[int64]bool, error) {
	pipe := r.rdb.Pipeline()
	membersCmd := pipe.SMembers(ctx, chatParticipantsKey(chatID))
	deletedCmd := pipe.SMembers(ctx, chatDeletedKey(chatID))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		r.log.Error("Failed to get chat membership", "error", err, "chat_id", chatID)
		return nil, nil, fmt.Errorf("failed to get chat membership: %w", err)
	}
	return toIDs(membersCmd.Val()), toIDSet(deletedCmd.Val()), nil
}

func messageFields(msg *domain.Message) (map[string]interface{}, error) {
	attachments := ""
	if len(msg.Attachments) > 0 {
		raw, err := json.Marshal(msg.Attachments)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal attachments: %w", err)
		}
		attachments = string(raw)
	}
	return map[string]interface{}{
		"id":           msg.ID,
		"chat_id":      msg.ChatID,
		"sender_id":    msg.SenderID,
		"message_type": string(msg.MessageType),
		"content":      msg.Content,
		"attachments":  attachments,
		"created_at":   formatTime(msg.CreatedAt),
		"is_read":      formatBool(msg.IsRead),
	}, nil
}

func parseMessage(hash map[string]string) *domain.Message {
	msg := &domain.Message{
		ID:          hash["id"],
		ChatID:      hash["chat_id"],
		SenderID:    parseInt64(hash["sender_id"]),
		MessageType: domain.MessageType(hash["message_type"]),
		Content:     hash["content"],
		CreatedAt:   parseTime(hash["created_at"]),
		IsRead:      parseBool(hash["is_read"]),
	}
	if msg.MessageType == "" {
		msg.MessageType = domain.MessageTypeText
	}
	if raw := hash["attachments"]; raw != "" {
		_ = json.Unmarshal([]byte(raw), &msg.Attachments)
	}
	return msg
}

func parseChatMeta(hash map[string]string) *domain.ChatMeta {
	meta := &domain.ChatMeta{
		LastMessage:  hash["last_message"],
		LastSenderID: parseInt64(hash["last_sender_id"]),
		UpdatedAt:    parseTime(hash["updated_at"]),
		Unread:       make(map[int64]int64),
	}
	if raw := hash["last_message_time"]; raw != "" {
		t := parseTime(raw)
		meta.LastMessageTime = &t
	}
	for field, value := range hash {
		if uid, ok := userIDFromField(field, unreadFieldPrefix); ok {
			meta.Unread[uid] = parseInt64(value)
		}
	}
	return meta
}

func messageScore(t time.Time) float64 {
	return float64(t.UTC().UnixMicro())
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func formatBool(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func parseBool(s string) bool {
	switch s {
	case "1", "true", "True":
		return true
	}
	return false
}

func parseInt64(s string) int64 {
	v, _ := strconv.ParseInt(s, 10, 64)
	return v
}

func toIDs(members []string) []int64 {
	ids := make([]int64, 0, len(members))
	for _, m := range members {
		if id, err := strconv.ParseInt(m, 10, 64); err == nil {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

func toIDSet(members []string) map[int64]bool {
	set := make(map[int64]bool, len(members))
	for _, id := range toIDs(members) {
		set[id] = true
	}
	return set
}
