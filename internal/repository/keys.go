package repository

import (
	"fmt"
	"strconv"
	"strings"
)

// Ключи Fast Store (Redis)
const (
	chatKeyPrefix    = "chat:"
	messageKeyPrefix = "message:"

	chatMessagesPattern = "chat:*:messages"

	unreadFieldPrefix = "unread:"
	nameFieldPrefix   = "name:"
	avatarFieldPrefix = "avatar:"
)

func chatKey(chatID string) string             { return chatKeyPrefix + chatID }
func chatParticipantsKey(chatID string) string { return chatKeyPrefix + chatID + ":participants" }
func chatDeletedKey(chatID string) string      { return chatKeyPrefix + chatID + ":deleted" }
func chatMessagesKey(chatID string) string     { return chatKeyPrefix + chatID + ":messages" }
func messageKey(messageID string) string       { return messageKeyPrefix + messageID }
func userChatsKey(userID int64) string         { return fmt.Sprintf("user:%d:chats", userID) }

// lookupChatKey - индекс дедупликации create_chat, ID участников отсортированы
func lookupChatKey(propertyID, low, high int64) string {
	if low > high {
		low, high = high, low
	}
	return fmt.Sprintf("lookup_chat:%d:%d:%d", propertyID, low, high)
}

func rateLimitKey(scope, key string) string { return "ratelimit:" + scope + ":" + key }

func tokenCacheKey(hash string) string { return "auth:token:" + hash }

func unreadField(userID int64) string { return unreadFieldPrefix + strconv.FormatInt(userID, 10) }
func nameField(userID int64) string   { return nameFieldPrefix + strconv.FormatInt(userID, 10) }
func avatarField(userID int64) string { return avatarFieldPrefix + strconv.FormatInt(userID, 10) }

// chatIDFromMessagesKey извлекает ID чата из ключа chat:{id}:messages
func chatIDFromMessagesKey(key string) (string, bool) {
	if !strings.HasPrefix(key, chatKeyPrefix) || !strings.HasSuffix(key, ":messages") {
		return "", false
	}
	id := strings.TrimSuffix(strings.TrimPrefix(key, chatKeyPrefix), ":messages")
	return id, id != ""
}

// userIDFromField разбирает поля вида unread:{id}
func userIDFromField(field, prefix string) (int64, bool) {
	if !strings.HasPrefix(field, prefix) {
		return 0, false
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(field, prefix), 10, 64)
	return id, err == nil
}
