package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"estate_chat/internal/domain"
	"estate_chat/pkg/errors"
	"estate_chat/pkg/logger"
)

// ChatRepository - Durable Store: чаты, участники и сообщения в PostgreSQL
type ChatRepository interface {
	CreateChat(ctx context.Context, chat *domain.Chat) error
	FindActiveChat(ctx context.Context, propertyID, userA, userB int64) (*domain.Chat, error)
	GetChat(ctx context.Context, chatID string) (*domain.Chat, error)
	ListVisibleChats(ctx context.Context, userID int64) ([]*domain.Chat, error)
	AppendMessage(ctx context.Context, msg *domain.Message, preview string) error
	MarkMessagesRead(ctx context.Context, chatID string, readerID int64, ids []string, at time.Time) error
	MessageIDsSince(ctx context.Context, chatID string, since time.Time) ([]string, error)
	DeleteForParticipant(ctx context.Context, chatID string, userID int64, at time.Time) (*domain.DeleteOutcome, error)
	RestoreParticipant(ctx context.Context, chatID string, userID int64) error
}

type chatRepository struct {
	db  DB
	log logger.Logger
}

func NewChatRepository(db DB, log logger.Logger) ChatRepository {
	return &chatRepository{db: db, log: log}
}

const participantColumns = `chat_id, user_id, display_name, avatar_url, joined_at, last_read_at, is_visible, is_deleted, deleted_at`

func (r *chatRepository) CreateChat(ctx context.Context, chat *domain.Chat) error {
	ids := chat.ParticipantIDs()
	if len(ids) != 2 {
		return errors.InvalidArgument("chat must have exactly two participants")
	}

	err := withTx(ctx, r.db, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO chats (id, property_id, property_title, property_image, user_low_id, user_high_id, created_at, updated_at, is_archived)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`,
			chat.ID, chat.PropertyID, chat.PropertyTitle, chat.PropertyImage,
			ids[0], ids[1], chat.CreatedAt, chat.UpdatedAt, chat.IsArchived,
		)
		if err != nil {
			return err
		}

		for _, p := range chat.Participants {
			_, err := tx.Exec(ctx, `
				INSERT INTO chat_participants (chat_id, user_id, display_name, avatar_url, joined_at, is_visible, is_deleted)
				VALUES ($1, $2, $3, $4, $5, $6, FALSE)
			`, chat.ID, p.UserID, p.DisplayName, p.AvatarURL, p.JoinedAt, p.IsVisible)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if pgErrorCode(err) == pgUniqueViolation {
			r.log.Warn("Chat already exists (unique violation)", "property_id", chat.PropertyID, "participants", ids)
			return errors.Conflict("chat already exists")
		}
		r.log.Error("Failed to create chat", "error", err, "chat_id", chat.ID)
		return fmt.Errorf("failed to create chat: %w", err)
	}

	return nil
}

func (r *chatRepository) FindActiveChat(ctx context.Context, propertyID, userA, userB int64) (*domain.Chat, error) {
	pair := domain.SortedPair([]int64{userA, userB})

	var chatID string
	err := r.db.QueryRow(ctx, `
		SELECT id FROM chats
		WHERE property_id = $1 AND user_low_id = $2 AND user_high_id = $3 AND NOT is_archived
	`, propertyID, pair[0], pair[1]).Scan(&chatID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.ErrChatNotFound
	}
	if err != nil {
		r.log.Error("Failed to find chat", "error", err, "property_id", propertyID)
		return nil, fmt.Errorf("failed to find chat: %w", err)
	}

	return r.GetChat(ctx, chatID)
}

func (r *chatRepository) GetChat(ctx context.Context, chatID string) (*domain.Chat, error) {
	chat := &domain.Chat{}
	err := r.db.QueryRow(ctx, `
		SELECT id, property_id, property_title, property_image, created_at, updated_at, is_archived
		FROM chats
		WHERE id = $1
	`, chatID).Scan(
		&chat.ID, &chat.PropertyID, &chat.PropertyTitle, &chat.PropertyImage,
		&chat.CreatedAt, &chat.UpdatedAt, &chat.IsArchived,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.ErrChatNotFound
	}
	if err != nil {
		r.log.Error("Failed to get chat", "error", err, "chat_id", chatID)
		return nil, fmt.Errorf("failed to get chat: %w", err)
	}

	participants, err := r.participants(ctx, []string{chatID})
	if err != nil {
		return nil, err
	}
	chat.Participants = participants[chatID]

	return chat, nil
}

func (r *chatRepository) ListVisibleChats(ctx context.Context, userID int64) ([]*domain.Chat, error) {
	rows, err := r.db.Query(ctx, `
		SELECT c.id, c.property_id, c.property_title, c.property_image, c.created_at, c.updated_at, c.is_archived
		FROM chats c
		JOIN chat_participants p ON p.chat_id = c.id
		WHERE p.user_id = $1 AND p.is_visible AND NOT p.is_deleted
		ORDER BY c.updated_at DESC
	`, userID)
	if err != nil {
		r.log.Error("Failed to list chats", "error", err, "user_id", userID)
		return nil, fmt.Errorf("failed to list chats: %w", err)
	}
	defer rows.Close()

	var chats []*domain.Chat
	var ids []string
	for rows.Next() {
		chat := &domain.Chat{}
		if err := rows.Scan(
			&chat.ID, &chat.PropertyID, &chat.PropertyTitle, &chat.PropertyImage,
			&chat.CreatedAt, &chat.UpdatedAt, &chat.IsArchived,
		); err != nil {
			r.log.Error("Failed to scan chat", "error", err)
			return nil, err
		}
		chats = append(chats, chat)
		ids = append(ids, chat.ID)
	}
	if err := rows.Err(); err != nil {
		r.log.Error("Failed to iterate chats", "error", err)
		return nil, err
	}
	if len(chats) == 0 {
		return chats, nil
	}

	participants, err := r.participants(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, chat := range chats {
		chat.Participants = participants[chat.ID]
	}

	return chats, nil
}

// AppendMessage идемпотентно зеркалирует сообщение: повторная запись с тем же ID ничего не меняет
func (r *chatRepository) AppendMessage(ctx context.Context, msg *domain.Message, preview string) error {
	var attachments []byte
	if len(msg.Attachments) > 0 {
		raw, err := json.Marshal(msg.Attachments)
		if err != nil {
			return fmt.Errorf("failed to marshal attachments: %w", err)
		}
		attachments = raw
	}

	err := withTx(ctx, r.db, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO messages (id, chat_id, sender_id, message_type, content, attachments, created_at, is_read)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (id) DO UPDATE SET is_read = messages.is_read OR EXCLUDED.is_read
		`,
			msg.ID, msg.ChatID, msg.SenderID, string(msg.MessageType), msg.Content,
			attachments, msg.CreatedAt, msg.IsRead,
		)
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			UPDATE chat_participants SET is_visible = TRUE
			WHERE chat_id = $1 AND NOT is_deleted AND NOT is_visible
		`, msg.ChatID)
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			UPDATE chats SET updated_at = GREATEST(updated_at, $2), last_message = $3
			WHERE id = $1
		`, msg.ChatID, msg.CreatedAt, preview)
		return err
	})
	if err != nil {
		if pgErrorCode(err) == pgForeignKeyViolation {
			r.log.Warn("Message references missing chat", "chat_id", msg.ChatID, "message_id", msg.ID)
			return errors.ErrChatNotFound
		}
		r.log.Error("Failed to save message", "error", err, "chat_id", msg.ChatID, "message_id", msg.ID)
		return fmt.Errorf("failed to save message: %w", err)
	}

	return nil
}

// MarkMessagesRead помечает прочитанными ровно переданные сообщения.
// Если часть строк еще не зеркалирована, изменения фиксируются, а вызывающий получает Unavailable для повтора.
func (r *chatRepository) MarkMessagesRead(ctx context.Context, chatID string, readerID int64, ids []string, at time.Time) error {
	var missing int64
	err := withTx(ctx, r.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE messages SET is_read = TRUE
			WHERE chat_id = $1 AND id = ANY($2)
		`, chatID, ids)
		if err != nil {
			return err
		}

		missing = int64(len(ids)) - tag.RowsAffected()
		if missing > 0 {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM chats WHERE id = $1)`, chatID).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return errors.ErrChatNotFound
			}
		}

		_, err = tx.Exec(ctx, `
			UPDATE chat_participants SET last_read_at = GREATEST(COALESCE(last_read_at, $3), $3)
			WHERE chat_id = $1 AND user_id = $2
		`, chatID, readerID, at)
		return err
	})
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return err
		}
		r.log.Error("Failed to mark messages as read", "error", err, "chat_id", chatID, "user_id", readerID)
		return fmt.Errorf("failed to mark read: %w", err)
	}

	if missing > 0 {
		r.log.Debug("Read mirror is ahead of messages", "chat_id", chatID, "missing", missing)
		return errors.Unavailable(fmt.Sprintf("%d of %d messages are not mirrored yet", missing, len(ids)))
	}
	return nil
}

func (r *chatRepository) MessageIDsSince(ctx context.Context, chatID string, since time.Time) ([]string, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id FROM messages WHERE chat_id = $1 AND created_at >= $2
	`, chatID, since)
	if err != nil {
		r.log.Error("Failed to get message ids", "error", err, "chat_id", chatID)
		return nil, fmt.Errorf("failed to get message ids: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		r.log.Error("Failed to scan message ids", "error", err, "chat_id", chatID)
		return nil, err
	}
	return ids, nil
}

// DeleteForParticipant переводит участника в SoftDeleted и, если чат удалили все, удаляет его целиком.
// Строки участников блокируются, поэтому два одновременных удаления не пропустят каскад.
func (r *chatRepository) DeleteForParticipant(ctx context.Context, chatID string, userID int64, at time.Time) (*domain.DeleteOutcome, error) {
	outcome := &domain.DeleteOutcome{ChatID: chatID}

	err := withTx(ctx, r.db, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT `+participantColumns+`
			FROM chat_participants
			WHERE chat_id = $1
			ORDER BY user_id
			FOR UPDATE
		`, chatID)
		if err != nil {
			return err
		}
		participants, err := scanParticipants(rows)
		if err != nil {
			return err
		}
		if len(participants) == 0 {
			return errors.ErrChatNotFound
		}

		var caller *domain.Participant
		for _, p := range participants {
			if p.UserID == userID {
				caller = p
			}
		}
		if caller == nil {
			return errors.ErrNotParticipant
		}

		if caller.Transition(domain.ParticipantEventDelete, at) {
			_, err := tx.Exec(ctx, `
				UPDATE chat_participants SET is_deleted = TRUE, is_visible = FALSE, deleted_at = $3
				WHERE chat_id = $1 AND user_id = $2
			`, chatID, userID, at)
			if err != nil {
				return err
			}
		}

		if !domain.ShouldPurge(participants) {
			return nil
		}

		for _, query := range []string{
			`DELETE FROM messages WHERE chat_id = $1`,
			`DELETE FROM chat_participants WHERE chat_id = $1`,
			`DELETE FROM chats WHERE id = $1`,
		} {
			if _, err := tx.Exec(ctx, query, chatID); err != nil {
				return err
			}
		}
		outcome.Purged = true
		return nil
	})
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) || errors.Is(err, errors.ErrForbidden) {
			return nil, err
		}
		r.log.Error("Failed to delete chat", "error", err, "chat_id", chatID, "user_id", userID)
		return nil, fmt.Errorf("failed to delete chat: %w", err)
	}

	return outcome, nil
}

func (r *chatRepository) RestoreParticipant(ctx context.Context, chatID string, userID int64) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE chat_participants SET is_deleted = FALSE, is_visible = TRUE, deleted_at = NULL
		WHERE chat_id = $1 AND user_id = $2
	`, chatID, userID)
	if err != nil {
		r.log.Error("Failed to restore chat", "error", err, "chat_id", chatID, "user_id", userID)
		return fmt.Errorf("failed to restore chat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.ErrChatNotFound
	}
	return nil
}

func (r *chatRepository) participants(ctx context.Context, chatIDs []string) (map[string][]*domain.Participant, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+participantColumns+`
		FROM chat_participants
		WHERE chat_id = ANY($1)
		ORDER BY user_id
	`, chatIDs)
	if err != nil {
		r.log.Error("Failed to get participants", "error", err)
		return nil, fmt.Errorf("failed to get participants: %w", err)
	}

	list, err := scanParticipants(rows)
	if err != nil {
		r.log.Error("Failed to scan participants", "error", err)
		return nil, err
	}

	byChat := make(map[string][]*domain.Participant, len(chatIDs))
	for _, p := range list {
		byChat[p.ChatID] = append(byChat[p.ChatID], p)
	}
	return byChat, nil
}

func scanParticipants(rows pgx.Rows) ([]*domain.Participant, error) {
	defer rows.Close()

	var list []*domain.Participant
	for rows.Next() {
		p := &domain.Participant{}
		var isDeleted bool
		if err := rows.Scan(
			&p.ChatID, &p.UserID, &p.DisplayName, &p.AvatarURL, &p.JoinedAt,
			&p.LastReadAt, &p.IsVisible, &isDeleted, &p.DeletedAt,
		); err != nil {
			return nil, err
		}
		p.State = domain.ParticipantActive
		if isDeleted {
			p.State = domain.ParticipantSoftDeleted
		}
		list = append(list, p)
	}
	return list, rows.Err()
}
