package repository

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"estate_chat/internal/domain"
	"estate_chat/pkg/errors"
	"estate_chat/pkg/logger"
)

func newMockRepo(t *testing.T) (ChatRepository, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewChatRepository(mock, logger.Nop()), mock
}

func participantRows(chatID string, deleted map[int64]bool) *pgxmock.Rows {
	rows := pgxmock.NewRows([]string{
		"chat_id", "user_id", "display_name", "avatar_url", "joined_at",
		"last_read_at", "is_visible", "is_deleted", "deleted_at",
	})
	for _, uid := range []int64{ownerID, inquirerID} {
		var deletedAt *time.Time
		if deleted[uid] {
			at := baseTime
			deletedAt = &at
		}
		rows.AddRow(chatID, uid, "user", "", baseTime, (*time.Time)(nil), !deleted[uid], deleted[uid], deletedAt)
	}
	return rows
}

func TestChatRepositoryCreateChatConflict(t *testing.T) {
	repo, mock := newMockRepo(t)
	chat := testChat("c1")

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO chats").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: pgUniqueViolation})
	mock.ExpectRollback()

	err := repo.CreateChat(context.Background(), chat)
	assert.True(t, errors.Is(err, errors.ErrConflict))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestChatRepositoryCreateChatRejectsWrongParticipantCount(t *testing.T) {
	repo, mock := newMockRepo(t)
	chat := testChat("c1")
	chat.Participants = chat.Participants[:1]

	err := repo.CreateChat(context.Background(), chat)
	assert.True(t, errors.Is(err, errors.ErrInvalidArgument))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestChatRepositoryCreateChat(t *testing.T) {
	repo, mock := newMockRepo(t)
	chat := testChat("c1")

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO chats").
		WithArgs("c1", int64(100), chat.PropertyTitle, "", ownerID, inquirerID, baseTime, baseTime, false).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO chat_participants").
		WithArgs("c1", inquirerID, "Анна", "", pgxmock.AnyArg(), true).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO chat_participants").
		WithArgs("c1", ownerID, "Олег", "", pgxmock.AnyArg(), false).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, repo.CreateChat(context.Background(), chat))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestChatRepositoryDeleteByOneParticipantKeepsChat(t *testing.T) {
	repo, mock := newMockRepo(t)
	at := baseTime.Add(time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT .* FROM chat_participants").
		WithArgs("c1").
		WillReturnRows(participantRows("c1", nil))
	mock.ExpectExec("UPDATE chat_participants SET is_deleted = TRUE").
		WithArgs("c1", inquirerID, at).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	outcome, err := repo.DeleteForParticipant(context.Background(), "c1", inquirerID, at)
	require.NoError(t, err)
	assert.False(t, outcome.Purged)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestChatRepositoryDeleteByLastParticipantPurges(t *testing.T) {
	repo, mock := newMockRepo(t)
	at := baseTime.Add(time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT .* FROM chat_participants").
		WithArgs("c1").
		WillReturnRows(participantRows("c1", map[int64]bool{inquirerID: true}))
	mock.ExpectExec("UPDATE chat_participants SET is_deleted = TRUE").
		WithArgs("c1", ownerID, at).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("DELETE FROM messages").WithArgs("c1").WillReturnResult(pgxmock.NewResult("DELETE", 3))
	mock.ExpectExec("DELETE FROM chat_participants").WithArgs("c1").WillReturnResult(pgxmock.NewResult("DELETE", 2))
	mock.ExpectExec("DELETE FROM chats").WithArgs("c1").WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectCommit()

	outcome, err := repo.DeleteForParticipant(context.Background(), "c1", ownerID, at)
	require.NoError(t, err)
	assert.True(t, outcome.Purged)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestChatRepositoryDeleteIsIdempotentForDeletedCaller(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT .* FROM chat_participants").
		WithArgs("c1").
		WillReturnRows(participantRows("c1", map[int64]bool{inquirerID: true}))
	mock.ExpectCommit()

	outcome, err := repo.DeleteForParticipant(context.Background(), "c1", inquirerID, baseTime)
	require.NoError(t, err)
	assert.False(t, outcome.Purged)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestChatRepositoryDeleteRejectsStranger(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT .* FROM chat_participants").
		WithArgs("c1").
		WillReturnRows(participantRows("c1", nil))
	mock.ExpectRollback()

	_, err := repo.DeleteForParticipant(context.Background(), "c1", 999, baseTime)
	assert.True(t, errors.Is(err, errors.ErrForbidden))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestChatRepositoryMarkMessagesRead(t *testing.T) {
	repo, mock := newMockRepo(t)
	at := baseTime.Add(time.Minute)
	ids := []string{"m-001", "m-003"}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE messages SET is_read = TRUE").
		WithArgs("c1", ids).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))
	mock.ExpectExec("UPDATE chat_participants SET last_read_at").
		WithArgs("c1", ownerID, at).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	require.NoError(t, repo.MarkMessagesRead(context.Background(), "c1", ownerID, ids, at))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestChatRepositoryMarkMessagesReadAheadOfMirror(t *testing.T) {
	repo, mock := newMockRepo(t)
	at := baseTime.Add(time.Minute)
	ids := []string{"m-001", "m-002"}

	// m-002 еще в очереди на зеркалирование
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE messages SET is_read = TRUE").
		WithArgs("c1", ids).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("c1").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectExec("UPDATE chat_participants SET last_read_at").
		WithArgs("c1", ownerID, at).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	err := repo.MarkMessagesRead(context.Background(), "c1", ownerID, ids, at)
	assert.True(t, errors.Is(err, errors.ErrUnavailable))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestChatRepositoryMarkMessagesReadDeletedChat(t *testing.T) {
	repo, mock := newMockRepo(t)
	ids := []string{"m-001"}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE messages SET is_read = TRUE").
		WithArgs("gone", ids).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("gone").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectRollback()

	err := repo.MarkMessagesRead(context.Background(), "gone", ownerID, ids, baseTime)
	assert.True(t, errors.Is(err, errors.ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestChatRepositoryAppendMessageMissingChat(t *testing.T) {
	repo, mock := newMockRepo(t)
	msg := testMessage("gone", 1, inquirerID)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO messages").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: pgForeignKeyViolation})
	mock.ExpectRollback()

	err := repo.AppendMessage(context.Background(), msg, "p")
	assert.True(t, errors.Is(err, errors.ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestChatRepositoryAppendMessage(t *testing.T) {
	repo, mock := newMockRepo(t)
	msg := testMessage("c1", 1, inquirerID)
	msg.MessageType = domain.MessageTypeFiles
	msg.Attachments = []domain.Attachment{{URL: "/f/a.png", Name: "a.png", ContentType: "image/png", Size: 10}}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO messages .* ON CONFLICT \(id\) DO UPDATE SET is_read = messages.is_read OR EXCLUDED.is_read`).
		WithArgs(msg.ID, "c1", inquirerID, "files", msg.Content, pgxmock.AnyArg(), msg.CreatedAt, false).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("UPDATE chat_participants SET is_visible = TRUE").
		WithArgs("c1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE chats SET updated_at").
		WithArgs("c1", msg.CreatedAt, "p").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	require.NoError(t, repo.AppendMessage(context.Background(), msg, "p"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
