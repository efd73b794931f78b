package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"marketplace-chat/internal/auth"
	"marketplace-chat/internal/messaging"
	"marketplace-chat/internal/models"
	"marketplace-chat/internal/observability"
	"marketplace-chat/internal/repositories"
	"marketplace-chat/internal/telemetry"
)

// ChatWebSocketHandler serves the per-conversation channel at /ws/chat/:username.
type ChatWebSocketHandler struct {
	auth      auth.Authenticator
	store     repositories.Store
	messages  *messaging.Service
	bus       Bus
	audit     *telemetry.AuditEmitter
	log       *zap.Logger
	queueSize int
	upgrader  *websocket.Upgrader
}

func NewChatWebSocketHandler(deps Deps) *ChatWebSocketHandler {
	return &ChatWebSocketHandler{
		auth:      deps.Auth,
		store:     deps.Store,
		messages:  deps.Messages,
		bus:       deps.Bus,
		audit:     deps.Audit,
		log:       deps.Log.Named("ws.chat"),
		queueSize: deps.QueueSize,
		upgrader:  NewUpgrader(deps.AllowedOrigins),
	}
}

// chatFrame is what clients send on the chat channel: either a message or a
// read acknowledgement for one message.
type chatFrame struct {
	Type      string  `json:"type"`
	Message   *string `json:"message"`
	MessageID *int64  `json:"message_id"`
}

// Handle authenticates, resolves the peer, then upgrades and pumps the socket.
func (h *ChatWebSocketHandler) Handle(c *gin.Context) {
	ctx, span := otel.Tracer("marketplace-chat/ws").Start(c.Request.Context(), "ws.chat.handshake")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	identity, err := h.auth.Authenticate(c.Request)
	if err != nil {
		reject(c, span, h.log, http.StatusUnauthorized, "unauthenticated")
		return
	}
	self, err := h.store.Users.GetUser(ctx, identity.UserID)
	if err != nil {
		if errors.Is(err, repositories.ErrUserNotFound) {
			reject(c, span, h.log, http.StatusUnauthorized, "unknown_user")
			return
		}
		h.log.Error("load user", zap.Int64("user_id", identity.UserID), zap.Error(err))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	peer, err := h.store.Users.GetUserByUsername(ctx, c.Param("username"))
	if err != nil {
		if errors.Is(err, repositories.ErrUserNotFound) {
			reject(c, span, h.log, http.StatusForbidden, "unknown_peer")
			return
		}
		h.log.Error("load peer", zap.String("username", c.Param("username")), zap.Error(err))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	if peer.ID == self.ID {
		reject(c, span, h.log, http.StatusForbidden, "self_chat")
		return
	}

	conv, err := h.store.Conversations.GetOrCreateConversation(ctx, self.ID, peer.ID)
	if err != nil {
		h.log.Error("get or create conversation", zap.Int64("user_id", self.ID), zap.Int64("peer_id", peer.ID), zap.Error(err))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	span.SetAttributes(attribute.Int64("chat.conversation_id", conv.ID))

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Debug("upgrade failed", zap.Error(err))
		return
	}

	info := newConnInfo(c.Request, span, self)
	client := NewClient(conn, info, h.queueSize)
	sess := newSession(ctx, "chat", strconv.FormatInt(conv.ID, 10), client, conn, h.bus, h.log)
	sess.join(models.ChatGroup(conv.ID))

	if _, err := h.messages.MarkConversationRead(sess.ctx, conv, self); err != nil {
		sess.log.Warn("mark conversation read on join", zap.Error(err))
	}

	sess.run(
		func(ctx context.Context, data []byte) { h.onFrame(ctx, sess, conv, self, data) },
		relayChat,
		nil,
	)
}

func (h *ChatWebSocketHandler) onFrame(ctx context.Context, sess *session, conv models.Conversation, self models.User, data []byte) {
	var frame chatFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		h.discard(ctx, sess, conv, "malformed_json", err)
		return
	}

	switch {
	case frame.Type == "mark_as_read":
		if frame.MessageID == nil {
			h.discard(ctx, sess, conv, "missing_message_id", nil)
			return
		}
		if _, err := h.messages.MarkMessageRead(ctx, *frame.MessageID, self); err != nil {
			h.failed(ctx, sess, conv, "mark message read failed", err)
		}
	case frame.Message != nil:
		if strings.TrimSpace(*frame.Message) == "" {
			return
		}
		if _, err := h.messages.SendChatMessage(ctx, conv, self, *frame.Message); err != nil {
			if errors.Is(err, messaging.ErrEmptyContent) {
				return
			}
			h.failed(ctx, sess, conv, "store chat message failed", err)
		}
	default:
		h.discard(ctx, sess, conv, "unknown_frame", nil)
	}
}

func (h *ChatWebSocketHandler) discard(ctx context.Context, sess *session, conv models.Conversation, reason string, err error) {
	observability.IncInboundRejected("chat", reason)
	sess.log.Warn("discarded inbound frame", zap.String("reason", reason), zap.Error(err))

	info := sess.client.Info()
	details := map[string]string{
		"reason":          reason,
		"conversation_id": strconv.FormatInt(conv.ID, 10),
		"conn_id":         info.ConnID,
	}
	if err != nil {
		details["error"] = err.Error()
	}
	h.audit.Emit(ctx, "WARN", "discarded inbound chat frame", info.RequestID, &info.UserID, details)
}

func (h *ChatWebSocketHandler) failed(ctx context.Context, sess *session, conv models.Conversation, text string, err error) {
	sess.log.Error(text, zap.Error(err))

	info := sess.client.Info()
	h.audit.Emit(ctx, "ERROR", text, info.RequestID, &info.UserID, map[string]string{
		"conversation_id": strconv.FormatInt(conv.ID, 10),
		"conn_id":         info.ConnID,
		"error":           err.Error(),
	})
}

// relayChat forwards chat messages verbatim; the channel carries nothing else.
func relayChat(evt models.Event) (any, bool) {
	if evt.Kind != models.KindChatMessage || evt.ChatMessage == nil {
		return nil, false
	}
	return evt.ChatMessage, true
}
