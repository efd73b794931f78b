package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"marketplace-chat/internal/auth"
	"marketplace-chat/internal/messaging"
	"marketplace-chat/internal/models"
	"marketplace-chat/internal/observability"
	"marketplace-chat/internal/repositories"
)

// NotificationWebSocketHandler serves the per-user channel at /ws/notifications.
type NotificationWebSocketHandler struct {
	auth      auth.Authenticator
	users     repositories.UserRepository
	messages  *messaging.Service
	bus       Bus
	log       *zap.Logger
	queueSize int
	upgrader  *websocket.Upgrader
}

func NewNotificationWebSocketHandler(deps Deps) *NotificationWebSocketHandler {
	return &NotificationWebSocketHandler{
		auth:      deps.Auth,
		users:     deps.Store.Users,
		messages:  deps.Messages,
		bus:       deps.Bus,
		log:       deps.Log.Named("ws.notifications"),
		queueSize: deps.QueueSize,
		upgrader:  NewUpgrader(deps.AllowedOrigins),
	}
}

type controlFrame struct {
	Type string `json:"type"`
}

func (h *NotificationWebSocketHandler) Handle(c *gin.Context) {
	ctx, span := otel.Tracer("marketplace-chat/ws").Start(c.Request.Context(), "ws.notifications.handshake")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	identity, err := h.auth.Authenticate(c.Request)
	if err != nil {
		reject(c, span, h.log, http.StatusUnauthorized, "unauthenticated")
		return
	}
	self, err := h.users.GetUser(ctx, identity.UserID)
	if err != nil {
		if errors.Is(err, repositories.ErrUserNotFound) {
			reject(c, span, h.log, http.StatusUnauthorized, "unknown_user")
			return
		}
		h.log.Error("load user", zap.Int64("user_id", identity.UserID), zap.Error(err))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Debug("upgrade failed", zap.Error(err))
		return
	}

	info := newConnInfo(c.Request, span, self)
	client := NewClient(conn, info, h.queueSize)
	sess := newSession(ctx, "notifications", self.Username, client, conn, h.bus, h.log)
	sess.join(models.NotificationGroup(self.Username))
	h.touch(sess.ctx, sess, self, true)

	sess.run(
		func(ctx context.Context, data []byte) { h.onFrame(ctx, sess, self, data) },
		relayNotification,
		func(ctx context.Context) { h.touch(ctx, sess, self, false) },
	)
}

// onFrame only understands heartbeats; the channel is otherwise receive-only.
func (h *NotificationWebSocketHandler) onFrame(ctx context.Context, sess *session, self models.User, data []byte) {
	var frame controlFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		observability.IncInboundRejected("notifications", "malformed_json")
		sess.log.Debug("ignored malformed frame", zap.Error(err))
		return
	}
	if frame.Type == "heartbeat" {
		h.touch(ctx, sess, self, true)
	}
}

func (h *NotificationWebSocketHandler) touch(ctx context.Context, sess *session, self models.User, online bool) {
	if err := h.messages.TouchPresence(ctx, self, online); err != nil {
		sess.log.Warn("presence update failed", zap.Bool("online", online), zap.Error(err))
	}
}

// relayNotification wraps notification kinds as {"type", "data"}.
func relayNotification(evt models.Event) (any, bool) {
	switch evt.Kind {
	case models.KindNewMessage, models.KindPresence, models.KindOrderUpdate, models.KindReadReceipt:
	default:
		return nil, false
	}
	data, err := evt.Data()
	if err != nil {
		return nil, false
	}
	return models.NotificationFrame{Type: evt.Kind, Data: data}, true
}
