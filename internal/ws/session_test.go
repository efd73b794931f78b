package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"marketplace-chat/internal/auth"
	"marketplace-chat/internal/messaging"
	"marketplace-chat/internal/models"
	"marketplace-chat/internal/repositories"
)

type harness struct {
	t      *testing.T
	store  *repositories.MemoryStore
	bus    *LocalBus
	tokens *auth.TokenService
	svc    *messaging.Service
	server *httptest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := repositories.NewMemoryStore()
	bus := NewLocalBus(NewRegistry(), zap.NewNop())
	tokens := auth.NewTokenService("test-secret-0123456789", time.Hour)
	svc := messaging.NewService(store.Store(), bus, zap.NewNop())
	deps := Deps{
		Auth:      tokens,
		Store:     store.Store(),
		Messages:  svc,
		Bus:       bus,
		Log:       zap.NewNop(),
		QueueSize: 16,
	}

	r := gin.New()
	r.GET("/ws/chat/:username", NewChatWebSocketHandler(deps).Handle)
	r.GET("/ws/notifications", NewNotificationWebSocketHandler(deps).Handle)
	server := httptest.NewServer(r)
	t.Cleanup(server.Close)

	return &harness{t: t, store: store, bus: bus, tokens: tokens, svc: svc, server: server}
}

func (h *harness) token(u models.User) string {
	h.t.Helper()
	token, err := h.tokens.Issue(auth.Identity{UserID: u.ID, Username: u.Username, IsStaff: u.IsStaff})
	require.NoError(h.t, err)
	return token
}

func (h *harness) dial(path, token string) (*websocket.Conn, *http.Response, error) {
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + path
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	return websocket.DefaultDialer.Dial(url, header)
}

func (h *harness) mustDial(path, token string) *websocket.Conn {
	h.t.Helper()
	conn, _, err := h.dial(path, token)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// waitMembers blocks until the group has n members so publishes cannot race the join.
func (h *harness) waitMembers(group string, n int) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		return len(h.bus.Registry().Members(group)) == n
	}, 2*time.Second, 5*time.Millisecond, group)
}

func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(v))
}

func TestChatHandshakeRejections(t *testing.T) {
	h := newHarness(t)
	alice := h.store.AddUser("alice", false)
	h.store.AddUser("bob", false)

	cases := []struct {
		name   string
		path   string
		token  string
		status int
	}{
		{name: "no token", path: "/ws/chat/bob", status: http.StatusUnauthorized},
		{name: "bad token", path: "/ws/chat/bob", token: "garbage", status: http.StatusUnauthorized},
		{name: "unknown peer", path: "/ws/chat/nobody", token: h.token(alice), status: http.StatusForbidden},
		{name: "self chat", path: "/ws/chat/alice", token: h.token(alice), status: http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			conn, resp, err := h.dial(tc.path, tc.token)
			if conn != nil {
				_ = conn.Close()
			}
			require.ErrorIs(t, err, websocket.ErrBadHandshake)
			require.NotNil(t, resp)
			assert.Equal(t, tc.status, resp.StatusCode)
		})
	}

	convs, err := h.store.ListConversations(context.Background(), alice.ID)
	require.NoError(t, err)
	assert.Empty(t, convs, "rejected handshakes create nothing")
	assert.Equal(t, 0, h.bus.Registry().Len())
}

func TestChatMessageRoundTrip(t *testing.T) {
	h := newHarness(t)
	alice := h.store.AddUser("alice", false)
	bob := h.store.AddUser("bob", false)

	aliceChat := h.mustDial("/ws/chat/bob", h.token(alice))
	bobChat := h.mustDial("/ws/chat/alice", h.token(bob))

	conv, err := h.store.GetOrCreateConversation(context.Background(), alice.ID, bob.ID)
	require.NoError(t, err)
	h.waitMembers(models.ChatGroup(conv.ID), 2)

	require.NoError(t, aliceChat.WriteJSON(map[string]string{"message": "hello"}))

	for _, conn := range []*websocket.Conn{aliceChat, bobChat} {
		var got models.ChatMessagePayload
		readJSON(t, conn, &got)
		assert.Equal(t, "hello", got.Message)
		assert.Equal(t, "alice", got.Sender)
		assert.False(t, got.IsSystemMessage)
		assert.NotZero(t, got.MessageID)
		_, err := time.Parse(time.RFC3339Nano, got.Timestamp)
		assert.NoError(t, err)
	}
}

func TestChatMessageNotifiesPeer(t *testing.T) {
	h := newHarness(t)
	alice := h.store.AddUser("alice", false)
	bob := h.store.AddUser("bob", false)

	bobNotes := h.mustDial("/ws/notifications", h.token(bob))
	h.waitMembers(models.NotificationGroup("bob"), 1)
	aliceChat := h.mustDial("/ws/chat/bob", h.token(alice))
	conv, err := h.store.GetOrCreateConversation(context.Background(), alice.ID, bob.ID)
	require.NoError(t, err)
	h.waitMembers(models.ChatGroup(conv.ID), 1)

	require.NoError(t, aliceChat.WriteJSON(map[string]string{"message": "hello"}))

	var note struct {
		Type string                   `json:"type"`
		Data models.NewMessagePayload `json:"data"`
	}
	readJSON(t, bobNotes, &note)
	assert.Equal(t, "new_message", note.Type)
	assert.Equal(t, 1, note.Data.UnreadConversationsCount)
}

func TestChatIgnoresBlankAndMalformedFrames(t *testing.T) {
	h := newHarness(t)
	alice := h.store.AddUser("alice", false)
	bob := h.store.AddUser("bob", false)

	conn := h.mustDial("/ws/chat/bob", h.token(alice))
	conv, err := h.store.GetOrCreateConversation(context.Background(), alice.ID, bob.ID)
	require.NoError(t, err)
	h.waitMembers(models.ChatGroup(conv.ID), 1)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"message":"   "}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"message":42}`)))
	require.NoError(t, conn.WriteJSON(map[string]string{"message": "after"}))

	var got models.ChatMessagePayload
	readJSON(t, conn, &got)
	assert.Equal(t, "after", got.Message, "connection survives bad frames")

	msgs, err := h.store.ListMessages(context.Background(), conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "after", msgs[0].Content)
}

func TestChatAcceptsLongMessage(t *testing.T) {
	h := newHarness(t)
	alice := h.store.AddUser("alice", false)
	bob := h.store.AddUser("bob", false)

	conn := h.mustDial("/ws/chat/bob", h.token(alice))
	conv, err := h.store.GetOrCreateConversation(context.Background(), alice.ID, bob.ID)
	require.NoError(t, err)
	h.waitMembers(models.ChatGroup(conv.ID), 1)

	long := strings.Repeat("a", 200*1024)
	require.NoError(t, conn.WriteJSON(map[string]string{"message": long}))

	var got models.ChatMessagePayload
	readJSON(t, conn, &got)
	assert.Len(t, got.Message, len(long))

	require.NoError(t, conn.WriteJSON(map[string]string{"message": "still here"}))
	readJSON(t, conn, &got)
	assert.Equal(t, "still here", got.Message)
}

func TestChatJoinMarksIncomingRead(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := h.store.AddUser("alice", false)
	bob := h.store.AddUser("bob", false)
	conv, err := h.store.GetOrCreateConversation(ctx, alice.ID, bob.ID)
	require.NoError(t, err)
	_, err = h.svc.SendChatMessage(ctx, conv, alice, "are you there?")
	require.NoError(t, err)

	bobNotes := h.mustDial("/ws/notifications", h.token(bob))
	h.waitMembers(models.NotificationGroup("bob"), 1)
	h.mustDial("/ws/chat/alice", h.token(bob))

	var note struct {
		Type string                    `json:"type"`
		Data models.ReadReceiptPayload `json:"data"`
	}
	readJSON(t, bobNotes, &note)
	assert.Equal(t, "read_receipt_update", note.Type)
	assert.Equal(t, 0, note.Data.UnreadConversationsCount)
	assert.Equal(t, conv.ID, note.Data.ConversationID)

	count, err := h.store.UnreadConversationCount(ctx, bob.ID)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestChatDisconnectLeavesGroup(t *testing.T) {
	h := newHarness(t)
	alice := h.store.AddUser("alice", false)
	bob := h.store.AddUser("bob", false)

	conn := h.mustDial("/ws/chat/bob", h.token(alice))
	conv, err := h.store.GetOrCreateConversation(context.Background(), alice.ID, bob.ID)
	require.NoError(t, err)
	h.waitMembers(models.ChatGroup(conv.ID), 1)

	require.NoError(t, conn.Close())

	h.waitMembers(models.ChatGroup(conv.ID), 0)
	assert.NoError(t, h.bus.Publish(context.Background(), models.ChatGroup(conv.ID), models.NewUnreadCountEvent(1)))
}

func TestNotificationPresenceLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := h.store.AddUser("alice", false)
	bob := h.store.AddUser("bob", false)
	_, err := h.store.GetOrCreateConversation(ctx, alice.ID, bob.ID)
	require.NoError(t, err)

	bobNotes := h.mustDial("/ws/notifications", h.token(bob))
	h.waitMembers(models.NotificationGroup("bob"), 1)

	aliceNotes := h.mustDial("/ws/notifications", h.token(alice))

	type presenceFrame struct {
		Type string                 `json:"type"`
		Data models.PresencePayload `json:"data"`
	}
	var online presenceFrame
	readJSON(t, bobNotes, &online)
	assert.Equal(t, "presence_update", online.Type)
	assert.Equal(t, "alice", online.Data.Username)
	assert.True(t, online.Data.IsOnline)

	require.NoError(t, aliceNotes.WriteJSON(map[string]string{"type": "heartbeat"}))
	var beat presenceFrame
	readJSON(t, bobNotes, &beat)
	assert.True(t, beat.Data.IsOnline)

	require.NoError(t, aliceNotes.Close())
	var offline presenceFrame
	readJSON(t, bobNotes, &offline)
	assert.False(t, offline.Data.IsOnline)
	require.NotNil(t, offline.Data.LastSeenISO)

	user, err := h.store.GetUser(ctx, alice.ID)
	require.NoError(t, err)
	assert.NotNil(t, user.LastSeen)
}

func TestNotificationRelaysOrderUpdates(t *testing.T) {
	h := newHarness(t)
	bob := h.store.AddUser("bob", false)

	conn := h.mustDial("/ws/notifications", h.token(bob))
	h.waitMembers(models.NotificationGroup("bob"), 1)

	require.NoError(t, h.svc.NotifyOrderUpdate(context.Background(), "bob", "Order shipped", map[string]any{"order_id": 7}))

	var raw map[string]json.RawMessage
	readJSON(t, conn, &raw)
	assert.JSONEq(t, `"order_update"`, string(raw["type"]))
	assert.JSONEq(t, `{"message":"Order shipped","order_id":7}`, string(raw["data"]))
}

func TestNotificationHandshakeRequiresAuth(t *testing.T) {
	h := newHarness(t)

	conn, resp, err := h.dial("/ws/notifications", "")
	if conn != nil {
		_ = conn.Close()
	}
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, 0, h.bus.Registry().Len())
}

func TestNotificationIgnoresChatEvents(t *testing.T) {
	msg := models.Message{ID: 1, Content: "x", CreatedAt: time.Now()}
	_, ok := relayNotification(models.NewChatMessageEvent(msg, "alice"))
	assert.False(t, ok)

	_, ok = relayChat(models.NewUnreadCountEvent(1))
	assert.False(t, ok)
}

func TestOriginChecker(t *testing.T) {
	req := func(origin string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/ws/notifications", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}

	open := originChecker(nil)
	assert.True(t, open(req("https://evil.example")))

	strict := originChecker([]string{"https://market.example/"})
	assert.True(t, strict(req("https://market.example")))
	assert.True(t, strict(req("")))
	assert.False(t, strict(req("https://evil.example")))
}
