package repositories

import (
	"context"
	"errors"
	"time"

	"marketplace-chat/internal/models"
)

var (
	ErrUserNotFound         = errors.New("user not found")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrMessageNotFound      = errors.New("message not found")
	ErrSelfConversation     = errors.New("cannot create conversation with self")
)

// UserRepository reads accounts and maintains presence timestamps.
type UserRepository interface {
	GetUser(ctx context.Context, userID int64) (models.User, error)
	GetUserByUsername(ctx context.Context, username string) (models.User, error)
	TouchLastSeen(ctx context.Context, userID int64, at time.Time) error
	// RecentlyIdleUsers returns users whose last_seen is in [from, to).
	RecentlyIdleUsers(ctx context.Context, from, to time.Time) ([]models.User, error)
}

// ConversationRepository abstracts conversation persistence.
type ConversationRepository interface {
	GetOrCreateConversation(ctx context.Context, userA, userB int64) (models.Conversation, error)
	GetConversation(ctx context.Context, conversationID int64) (models.Conversation, error)
	ListConversations(ctx context.Context, userID int64) ([]models.Conversation, error)
	// ConversationPartners returns the usernames sharing any conversation with
	// userID as participant or moderator, without userID itself.
	ConversationPartners(ctx context.Context, userID int64) ([]string, error)
	SetModerator(ctx context.Context, conversationID int64, moderatorID *int64) (models.Conversation, error)
	SetDisputed(ctx context.Context, conversationID int64, disputed bool) (models.Conversation, error)
}

// MessageRepository abstracts message persistence.
type MessageRepository interface {
	// CreateMessage stores the message and touches the conversation's updated_at.
	CreateMessage(ctx context.Context, conversationID int64, senderID *int64, content string, isSystem bool) (models.Message, error)
	ListMessages(ctx context.Context, conversationID int64) ([]models.Message, error)
	// MarkRead flags every unread message not sent by readerID and returns the
	// number of rows that changed.
	MarkRead(ctx context.Context, conversationID int64, readerID int64) (int64, error)
	// MarkMessageRead flags one message for a participant who did not send it.
	// It returns the message's conversation and whether the flag changed.
	MarkMessageRead(ctx context.Context, messageID int64, readerID int64) (int64, bool, error)
	// UnreadConversationCount counts conversations of userID holding at least
	// one unread message from someone else.
	UnreadConversationCount(ctx context.Context, userID int64) (int, error)
}

// Store groups the repositories the service depends on.
type Store struct {
	Users         UserRepository
	Conversations ConversationRepository
	Messages      MessageRepository
}
