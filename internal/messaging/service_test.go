package messaging

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"marketplace-chat/internal/mocks"
	"marketplace-chat/internal/models"
	"marketplace-chat/internal/repositories"
)

type published struct {
	group string
	evt   models.Event
}

type recordingBus struct {
	mu     sync.Mutex
	events []published
}

func (b *recordingBus) Publish(_ context.Context, group string, evt models.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, published{group: group, evt: evt})
	return nil
}

func (b *recordingBus) to(group string) []models.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []models.Event
	for _, p := range b.events {
		if p.group == group {
			out = append(out, p.evt)
		}
	}
	return out
}

func (b *recordingBus) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

type fixture struct {
	store *repositories.MemoryStore
	bus   *recordingBus
	svc   *Service
	alice models.User
	bob   models.User
	conv  models.Conversation
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := repositories.NewMemoryStore()
	bus := &recordingBus{}
	f := &fixture{
		store: store,
		bus:   bus,
		svc:   NewService(store.Store(), bus, zap.NewNop()),
		alice: store.AddUser("alice", false),
		bob:   store.AddUser("bob", false),
	}
	conv, err := store.GetOrCreateConversation(context.Background(), f.alice.ID, f.bob.ID)
	require.NoError(t, err)
	f.conv = conv
	return f
}

func TestSendChatMessageWritesThenPublishes(t *testing.T) {
	f := newFixture(t)

	msg, err := f.svc.SendChatMessage(context.Background(), f.conv, f.alice, "hello")
	require.NoError(t, err)

	chat := f.bus.to(models.ChatGroup(f.conv.ID))
	require.Len(t, chat, 1)
	assert.Equal(t, models.KindChatMessage, chat[0].Kind)
	assert.Equal(t, msg.ID, chat[0].ChatMessage.MessageID)
	assert.Equal(t, "hello", chat[0].ChatMessage.Message)
	assert.Equal(t, "alice", chat[0].ChatMessage.Sender)
	assert.False(t, chat[0].ChatMessage.IsSystemMessage)

	notify := f.bus.to(models.NotificationGroup("bob"))
	require.Len(t, notify, 1)
	assert.Equal(t, models.KindNewMessage, notify[0].Kind)
	assert.Equal(t, 1, notify[0].NewMessage.UnreadConversationsCount)
	assert.Empty(t, f.bus.to(models.NotificationGroup("alice")))

	stored, err := f.store.ListMessages(context.Background(), f.conv.ID)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "hello", stored[0].Content)
}

func TestSendChatMessageRejectsBlankContent(t *testing.T) {
	f := newFixture(t)

	for _, content := range []string{"", "   ", "\n\t "} {
		_, err := f.svc.SendChatMessage(context.Background(), f.conv, f.alice, content)
		assert.ErrorIs(t, err, ErrEmptyContent)
	}

	stored, err := f.store.ListMessages(context.Background(), f.conv.ID)
	require.NoError(t, err)
	assert.Empty(t, stored)
	assert.Zero(t, f.bus.count())
}

func TestSendChatMessageRejectsOutsider(t *testing.T) {
	f := newFixture(t)
	mallory := f.store.AddUser("mallory", false)

	_, err := f.svc.SendChatMessage(context.Background(), f.conv, mallory, "hi")

	assert.ErrorIs(t, err, ErrNotParticipant)
	assert.Zero(t, f.bus.count())
}

func TestSendChatMessageWriteFailurePublishesNothing(t *testing.T) {
	users := new(mocks.UserRepositoryMock)
	convs := new(mocks.ConversationRepositoryMock)
	msgs := new(mocks.MessageRepositoryMock)
	bus := new(mocks.BusMock)
	svc := NewService(mocks.Store(users, convs, msgs), bus, zap.NewNop())

	conv := models.Conversation{ID: 3, Participant1ID: 1, Participant2ID: 2}
	msgs.On("CreateMessage", mock.Anything, int64(3), mock.Anything, "hi", false).
		Return(nil, assert.AnError).Once()

	_, err := svc.SendChatMessage(context.Background(), conv, models.User{ID: 1, Username: "a"}, "hi")

	assert.ErrorIs(t, err, assert.AnError)
	msgs.AssertExpectations(t)
	bus.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
}

func TestPublishFailureAfterWriteIsNotReturned(t *testing.T) {
	users := new(mocks.UserRepositoryMock)
	convs := new(mocks.ConversationRepositoryMock)
	msgs := new(mocks.MessageRepositoryMock)
	bus := new(mocks.BusMock)
	svc := NewService(mocks.Store(users, convs, msgs), bus, zap.NewNop())

	conv := models.Conversation{ID: 3, Participant1ID: 1, Participant2ID: 2}
	msgs.On("CreateMessage", mock.Anything, int64(3), mock.Anything, "hi", false).
		Return(models.Message{ID: 9, ConversationID: 3, Content: "hi"}, nil).Once()
	users.On("GetUser", mock.Anything, int64(2)).Return(models.User{ID: 2, Username: "b"}, nil).Once()
	msgs.On("UnreadConversationCount", mock.Anything, int64(2)).Return(1, nil).Once()
	bus.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(assert.AnError).Twice()

	msg, err := svc.SendChatMessage(context.Background(), conv, models.User{ID: 1, Username: "a"}, "hi")

	require.NoError(t, err)
	assert.Equal(t, int64(9), msg.ID)
	bus.AssertExpectations(t)
}

func TestSendSystemMessageNotifiesBothParticipants(t *testing.T) {
	f := newFixture(t)

	msg, err := f.svc.SendSystemMessage(context.Background(), f.conv.ID, "Order shipped")
	require.NoError(t, err)
	assert.Nil(t, msg.SenderID)
	assert.True(t, msg.IsSystemMessage)

	chat := f.bus.to(models.ChatGroup(f.conv.ID))
	require.Len(t, chat, 1)
	assert.Equal(t, models.SystemSenderName, chat[0].ChatMessage.Sender)
	assert.True(t, chat[0].ChatMessage.IsSystemMessage)

	for _, name := range []string{"alice", "bob"} {
		notify := f.bus.to(models.NotificationGroup(name))
		require.Len(t, notify, 1, name)
		assert.Equal(t, 1, notify[0].NewMessage.UnreadConversationsCount, name)
	}
}

func TestSendSystemMessageUnknownConversation(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.SendSystemMessage(context.Background(), 404, "x")

	assert.ErrorIs(t, err, repositories.ErrConversationNotFound)
	assert.Zero(t, f.bus.count())
}

func TestNotifyOrderUpdate(t *testing.T) {
	f := newFixture(t)

	err := f.svc.NotifyOrderUpdate(context.Background(), "bob", "Order #42 delivered", map[string]any{"order_id": 42})
	require.NoError(t, err)

	events := f.bus.to(models.NotificationGroup("bob"))
	require.Len(t, events, 1)
	assert.Equal(t, "Order #42 delivered", events[0].OrderUpdate.Message)
	assert.Equal(t, 42, events[0].OrderUpdate.Context["order_id"])

	assert.ErrorIs(t, f.svc.NotifyOrderUpdate(context.Background(), "bob", " ", nil), ErrEmptyOrderUpdate)
	assert.ErrorIs(t, f.svc.NotifyOrderUpdate(context.Background(), "ghost", "x", nil), repositories.ErrUserNotFound)
}

func TestMarkConversationReadEmitsReceiptOnlyOnChange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.SendChatMessage(ctx, f.conv, f.alice, "hello")
	require.NoError(t, err)

	updated, err := f.svc.MarkConversationRead(ctx, f.conv, f.bob)
	require.NoError(t, err)
	assert.Equal(t, int64(1), updated)

	receipts := lastOfKind(f.bus.to(models.NotificationGroup("bob")), models.KindReadReceipt)
	require.Len(t, receipts, 1)
	assert.Equal(t, 0, receipts[0].ReadReceipt.UnreadConversationsCount)
	assert.Equal(t, f.conv.ID, receipts[0].ReadReceipt.ConversationID)

	updated, err = f.svc.MarkConversationRead(ctx, f.conv, f.bob)
	require.NoError(t, err)
	assert.Zero(t, updated)
	assert.Len(t, lastOfKind(f.bus.to(models.NotificationGroup("bob")), models.KindReadReceipt), 1)
}

func TestMarkConversationReadSenderKeepsOwnMessagesUnread(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.SendChatMessage(ctx, f.conv, f.alice, "hello")
	require.NoError(t, err)

	updated, err := f.svc.MarkConversationRead(ctx, f.conv, f.alice)
	require.NoError(t, err)
	assert.Zero(t, updated)

	count, err := f.svc.UnreadCount(ctx, f.bob.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestMarkConversationReadRejectsModerator(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin := f.store.AddUser("admin", true)
	_, err := f.svc.SendChatMessage(ctx, f.conv, f.alice, "hello bob")
	require.NoError(t, err)
	conv, err := f.svc.JoinAsModerator(ctx, f.conv.ID, admin)
	require.NoError(t, err)
	receiptsBefore := len(lastOfKind(f.bus.to(models.NotificationGroup("admin")), models.KindReadReceipt))

	updated, err := f.svc.MarkConversationRead(ctx, conv, admin)
	assert.ErrorIs(t, err, ErrNotParticipant)
	assert.Zero(t, updated)

	count, err := f.svc.UnreadCount(ctx, f.bob.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Len(t, lastOfKind(f.bus.to(models.NotificationGroup("admin")), models.KindReadReceipt), receiptsBefore)
}

func TestMarkMessageRead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	msg, err := f.svc.SendChatMessage(ctx, f.conv, f.alice, "hello")
	require.NoError(t, err)

	changed, err := f.svc.MarkMessageRead(ctx, msg.ID, f.alice)
	require.NoError(t, err)
	assert.False(t, changed, "sender cannot read own message")

	changed, err = f.svc.MarkMessageRead(ctx, msg.ID, f.bob)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = f.svc.MarkMessageRead(ctx, msg.ID, f.bob)
	require.NoError(t, err)
	assert.False(t, changed)

	assert.Len(t, lastOfKind(f.bus.to(models.NotificationGroup("bob")), models.KindReadReceipt), 1)
}

func TestTouchPresenceBroadcastsToPartners(t *testing.T) {
	f := newFixture(t)
	carol := f.store.AddUser("carol", false)
	_, err := f.store.GetOrCreateConversation(context.Background(), f.alice.ID, carol.ID)
	require.NoError(t, err)

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	f.svc.now = func() time.Time { return now }

	require.NoError(t, f.svc.TouchPresence(context.Background(), f.alice, false))

	for _, partner := range []string{"bob", "carol"} {
		events := f.bus.to(models.NotificationGroup(partner))
		require.Len(t, events, 1, partner)
		assert.Equal(t, "alice", events[0].Presence.Username)
		assert.False(t, events[0].Presence.IsOnline)
		require.NotNil(t, events[0].Presence.LastSeenISO)
		assert.Equal(t, models.FormatTimestamp(now), *events[0].Presence.LastSeenISO)
	}

	user, err := f.store.GetUser(context.Background(), f.alice.ID)
	require.NoError(t, err)
	require.NotNil(t, user.LastSeen)
	assert.True(t, user.LastSeen.Equal(now))
}

func TestModeratorLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin := f.store.AddUser("admin", true)
	other := f.store.AddUser("other_admin", true)

	conv, err := f.svc.JoinAsModerator(ctx, f.conv.ID, admin)
	require.NoError(t, err)
	require.NotNil(t, conv.ModeratorID)
	assert.Equal(t, admin.ID, *conv.ModeratorID)
	assert.True(t, conv.IsDisputed)

	_, err = f.svc.JoinAsModerator(ctx, f.conv.ID, other)
	assert.ErrorIs(t, err, ErrAlreadyModerated)

	_, err = f.svc.LeaveAsModerator(ctx, f.conv.ID, other)
	assert.ErrorIs(t, err, ErrNotModerator)

	conv, err = f.svc.SetDisputed(ctx, f.conv.ID, admin, false)
	require.NoError(t, err)
	assert.False(t, conv.IsDisputed)
	assert.Nil(t, conv.ModeratorID)

	chat := f.bus.to(models.ChatGroup(f.conv.ID))
	require.Len(t, chat, 2)
	assert.Contains(t, chat[0].ChatMessage.Message, "has joined")
	assert.Contains(t, chat[1].ChatMessage.Message, "resolved")
}

func TestLeaveAsModerator(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin := f.store.AddUser("admin", true)
	_, err := f.svc.JoinAsModerator(ctx, f.conv.ID, admin)
	require.NoError(t, err)

	conv, err := f.svc.LeaveAsModerator(ctx, f.conv.ID, admin)
	require.NoError(t, err)
	assert.Nil(t, conv.ModeratorID)
	assert.True(t, conv.IsDisputed)
}

func lastOfKind(events []models.Event, kind models.EventKind) []models.Event {
	var out []models.Event
	for _, evt := range events {
		if evt.Kind == kind {
			out = append(out, evt)
		}
	}
	return out
}
