package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"marketplace-chat/internal/models"
	"marketplace-chat/internal/repositories"
)

type UserRepositoryMock struct {
	mock.Mock
}

func (m *UserRepositoryMock) GetUser(ctx context.Context, userID int64) (models.User, error) {
	args := m.Called(ctx, userID)
	var user models.User
	if val := args.Get(0); val != nil {
		user = val.(models.User)
	}
	return user, args.Error(1)
}

func (m *UserRepositoryMock) GetUserByUsername(ctx context.Context, username string) (models.User, error) {
	args := m.Called(ctx, username)
	var user models.User
	if val := args.Get(0); val != nil {
		user = val.(models.User)
	}
	return user, args.Error(1)
}

func (m *UserRepositoryMock) TouchLastSeen(ctx context.Context, userID int64, at time.Time) error {
	args := m.Called(ctx, userID, at)
	return args.Error(0)
}

func (m *UserRepositoryMock) RecentlyIdleUsers(ctx context.Context, from, to time.Time) ([]models.User, error) {
	args := m.Called(ctx, from, to)
	var users []models.User
	if val := args.Get(0); val != nil {
		users = val.([]models.User)
	}
	return users, args.Error(1)
}

type ConversationRepositoryMock struct {
	mock.Mock
}

func (m *ConversationRepositoryMock) GetOrCreateConversation(ctx context.Context, userA, userB int64) (models.Conversation, error) {
	args := m.Called(ctx, userA, userB)
	var conv models.Conversation
	if val := args.Get(0); val != nil {
		conv = val.(models.Conversation)
	}
	return conv, args.Error(1)
}

func (m *ConversationRepositoryMock) GetConversation(ctx context.Context, conversationID int64) (models.Conversation, error) {
	args := m.Called(ctx, conversationID)
	var conv models.Conversation
	if val := args.Get(0); val != nil {
		conv = val.(models.Conversation)
	}
	return conv, args.Error(1)
}

func (m *ConversationRepositoryMock) ListConversations(ctx context.Context, userID int64) ([]models.Conversation, error) {
	args := m.Called(ctx, userID)
	var list []models.Conversation
	if val := args.Get(0); val != nil {
		list = val.([]models.Conversation)
	}
	return list, args.Error(1)
}

func (m *ConversationRepositoryMock) ConversationPartners(ctx context.Context, userID int64) ([]string, error) {
	args := m.Called(ctx, userID)
	var names []string
	if val := args.Get(0); val != nil {
		names = val.([]string)
	}
	return names, args.Error(1)
}

func (m *ConversationRepositoryMock) SetModerator(ctx context.Context, conversationID int64, moderatorID *int64) (models.Conversation, error) {
	args := m.Called(ctx, conversationID, moderatorID)
	var conv models.Conversation
	if val := args.Get(0); val != nil {
		conv = val.(models.Conversation)
	}
	return conv, args.Error(1)
}

func (m *ConversationRepositoryMock) SetDisputed(ctx context.Context, conversationID int64, disputed bool) (models.Conversation, error) {
	args := m.Called(ctx, conversationID, disputed)
	var conv models.Conversation
	if val := args.Get(0); val != nil {
		conv = val.(models.Conversation)
	}
	return conv, args.Error(1)
}

type MessageRepositoryMock struct {
	mock.Mock
}

func (m *MessageRepositoryMock) CreateMessage(ctx context.Context, conversationID int64, senderID *int64, content string, isSystem bool) (models.Message, error) {
	args := m.Called(ctx, conversationID, senderID, content, isSystem)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *MessageRepositoryMock) ListMessages(ctx context.Context, conversationID int64) ([]models.Message, error) {
	args := m.Called(ctx, conversationID)
	var msgs []models.Message
	if val := args.Get(0); val != nil {
		msgs = val.([]models.Message)
	}
	return msgs, args.Error(1)
}

func (m *MessageRepositoryMock) MarkRead(ctx context.Context, conversationID int64, readerID int64) (int64, error) {
	args := m.Called(ctx, conversationID, readerID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MessageRepositoryMock) MarkMessageRead(ctx context.Context, messageID int64, readerID int64) (int64, bool, error) {
	args := m.Called(ctx, messageID, readerID)
	return args.Get(0).(int64), args.Bool(1), args.Error(2)
}

func (m *MessageRepositoryMock) UnreadConversationCount(ctx context.Context, userID int64) (int, error) {
	args := m.Called(ctx, userID)
	return args.Int(0), args.Error(1)
}

// Store bundles the three repository mocks.
func Store(users *UserRepositoryMock, convs *ConversationRepositoryMock, msgs *MessageRepositoryMock) repositories.Store {
	return repositories.Store{Users: users, Conversations: convs, Messages: msgs}
}

// BusMock stands in for the group broadcast bus on the publish side.
type BusMock struct {
	mock.Mock
}

func (m *BusMock) Publish(ctx context.Context, group string, evt models.Event) error {
	args := m.Called(ctx, group, evt)
	return args.Error(0)
}

var (
	_ repositories.UserRepository         = (*UserRepositoryMock)(nil)
	_ repositories.ConversationRepository = (*ConversationRepositoryMock)(nil)
	_ repositories.MessageRepository      = (*MessageRepositoryMock)(nil)
)
