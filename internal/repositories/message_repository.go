package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"marketplace-chat/internal/models"
)

const messageColumns = `id, conversation_id, sender_id, content, is_read, is_system_message, created_at`

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

// CreateMessage inserts the message and touches the conversation in one transaction.
func (r *MessageRepo) CreateMessage(ctx context.Context, conversationID int64, senderID *int64, content string, isSystem bool) (msg models.Message, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Message{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	err = tx.GetContext(ctx, &msg, `INSERT INTO messages (conversation_id, sender_id, content, is_system_message)
        VALUES ($1, $2, $3, $4) RETURNING `+messageColumns, conversationID, senderID, content, isSystem)
	if err != nil {
		return models.Message{}, fmt.Errorf("insert message: %w", err)
	}

	res, err := tx.ExecContext(ctx, `UPDATE conversations SET updated_at=NOW() WHERE id=$1`, conversationID)
	if err != nil {
		return models.Message{}, fmt.Errorf("touch conversation: %w", err)
	}
	if count, _ := res.RowsAffected(); count == 0 {
		err = ErrConversationNotFound
		return models.Message{}, err
	}

	if err = tx.Commit(); err != nil {
		return models.Message{}, err
	}
	return msg, nil
}

// ListMessages returns the conversation's messages oldest first.
func (r *MessageRepo) ListMessages(ctx context.Context, conversationID int64) ([]models.Message, error) {
	var msgs []models.Message
	err := r.db.SelectContext(ctx, &msgs, `SELECT `+messageColumns+` FROM messages WHERE conversation_id=$1 ORDER BY created_at ASC, id ASC`, conversationID)
	return msgs, err
}

// MarkRead is a single conditional UPDATE so concurrent readers never double
// count. Readers outside the participant pair update nothing.
func (r *MessageRepo) MarkRead(ctx context.Context, conversationID int64, readerID int64) (int64, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE messages m SET is_read = TRUE
        FROM conversations c
        WHERE m.conversation_id=$1 AND c.id = m.conversation_id
        AND (c.participant1_id=$2 OR c.participant2_id=$2)
        AND m.is_read = FALSE
        AND m.sender_id IS DISTINCT FROM $2`, conversationID, readerID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// MarkMessageRead flags one message if the reader participates and did not send it.
func (r *MessageRepo) MarkMessageRead(ctx context.Context, messageID int64, readerID int64) (int64, bool, error) {
	var conversationID int64
	err := r.db.GetContext(ctx, &conversationID, `UPDATE messages m SET is_read = TRUE
        FROM conversations c
        WHERE m.id=$1 AND c.id = m.conversation_id
        AND (c.participant1_id=$2 OR c.participant2_id=$2)
        AND m.sender_id IS DISTINCT FROM $2
        AND m.is_read = FALSE
        RETURNING m.conversation_id`, messageID, readerID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return conversationID, true, nil
}

// UnreadConversationCount counts distinct conversations with unread messages from others.
func (r *MessageRepo) UnreadConversationCount(ctx context.Context, userID int64) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `SELECT COUNT(DISTINCT m.conversation_id) FROM messages m
        JOIN conversations c ON c.id = m.conversation_id
        WHERE (c.participant1_id=$1 OR c.participant2_id=$1)
        AND m.is_read = FALSE
        AND m.sender_id IS DISTINCT FROM $1`, userID)
	return count, err
}

// NewSQLStore wires the sqlx repositories into a Store.
func NewSQLStore(db *sqlx.DB) Store {
	return Store{
		Users:         NewUserRepo(db),
		Conversations: NewConversationRepo(db),
		Messages:      NewMessageRepo(db),
	}
}
