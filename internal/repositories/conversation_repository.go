package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"marketplace-chat/internal/models"
)

const conversationColumns = `id, participant1_id, participant2_id, moderator_id, is_disputed, created_at, updated_at`

// ConversationRepo is a sqlx implementation of ConversationRepository.
type ConversationRepo struct {
	db *sqlx.DB
}

// NewConversationRepo constructs a ConversationRepo.
func NewConversationRepo(db *sqlx.DB) *ConversationRepo {
	return &ConversationRepo{db: db}
}

// GetOrCreateConversation returns the single conversation of the pair,
// creating it when missing. Argument order does not matter.
func (r *ConversationRepo) GetOrCreateConversation(ctx context.Context, userA, userB int64) (models.Conversation, error) {
	if userA == userB {
		return models.Conversation{}, ErrSelfConversation
	}
	p1, p2 := models.CanonicalPair(userA, userB)

	// Concurrent creators race on the unique pair; the loser falls through to the SELECT.
	if _, err := r.db.ExecContext(ctx, `INSERT INTO conversations (participant1_id, participant2_id) VALUES ($1, $2)
        ON CONFLICT (participant1_id, participant2_id) DO NOTHING`, p1, p2); err != nil {
		return models.Conversation{}, err
	}

	var conv models.Conversation
	err := r.db.GetContext(ctx, &conv, `SELECT `+conversationColumns+` FROM conversations WHERE participant1_id=$1 AND participant2_id=$2`, p1, p2)
	return conv, err
}

// GetConversation fetches a conversation by id.
func (r *ConversationRepo) GetConversation(ctx context.Context, conversationID int64) (models.Conversation, error) {
	var conv models.Conversation
	err := r.db.GetContext(ctx, &conv, `SELECT `+conversationColumns+` FROM conversations WHERE id=$1`, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, ErrConversationNotFound
	}
	return conv, err
}

// ListConversations returns conversations the user participates in or moderates, newest activity first.
func (r *ConversationRepo) ListConversations(ctx context.Context, userID int64) ([]models.Conversation, error) {
	var convs []models.Conversation
	err := r.db.SelectContext(ctx, &convs, `SELECT `+conversationColumns+` FROM conversations
        WHERE participant1_id=$1 OR participant2_id=$1 OR moderator_id=$1
        ORDER BY updated_at DESC`, userID)
	return convs, err
}

// ConversationPartners returns everyone the user has shared a conversation with.
func (r *ConversationRepo) ConversationPartners(ctx context.Context, userID int64) ([]string, error) {
	var names []string
	err := r.db.SelectContext(ctx, &names, `SELECT DISTINCT u.username FROM conversations c
        JOIN users u ON u.id = c.participant1_id OR u.id = c.participant2_id
        WHERE (c.participant1_id=$1 OR c.participant2_id=$1 OR c.moderator_id=$1)
        AND u.id <> $1
        ORDER BY u.username`, userID)
	return names, err
}

// SetModerator assigns or clears the conversation moderator.
func (r *ConversationRepo) SetModerator(ctx context.Context, conversationID int64, moderatorID *int64) (models.Conversation, error) {
	var conv models.Conversation
	err := r.db.GetContext(ctx, &conv, `UPDATE conversations SET moderator_id=$2, updated_at=NOW() WHERE id=$1
        RETURNING `+conversationColumns, conversationID, moderatorID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, ErrConversationNotFound
	}
	return conv, err
}

// SetDisputed toggles the dispute flag.
func (r *ConversationRepo) SetDisputed(ctx context.Context, conversationID int64, disputed bool) (models.Conversation, error) {
	var conv models.Conversation
	err := r.db.GetContext(ctx, &conv, `UPDATE conversations SET is_disputed=$2, updated_at=NOW() WHERE id=$1
        RETURNING `+conversationColumns, conversationID, disputed)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, ErrConversationNotFound
	}
	return conv, err
}
