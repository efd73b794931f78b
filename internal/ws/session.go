package ws

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"marketplace-chat/internal/auth"
	"marketplace-chat/internal/messaging"
	"marketplace-chat/internal/models"
	"marketplace-chat/internal/observability"
	"marketplace-chat/internal/repositories"
	"marketplace-chat/internal/telemetry"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	// Frames above this end the connection with 1009; chat text never gets close.
	maxMessageSize = 1 << 20
)

// SessionState tracks a socket from handshake to teardown.
type SessionState string

const (
	StateConnecting SessionState = "connecting"
	StateJoined     SessionState = "joined"
	StateClosed     SessionState = "closed"
	StateRejected   SessionState = "rejected"
)

// Deps are the collaborators shared by the socket handlers.
type Deps struct {
	Auth           auth.Authenticator
	Store          repositories.Store
	Messages       *messaging.Service
	Bus            Bus
	Audit          *telemetry.AuditEmitter
	Log            *zap.Logger
	QueueSize      int
	AllowedOrigins []string
}

// NewUpgrader accepts the "bearer" subprotocol so browsers can pass the token
// in Sec-WebSocket-Protocol. An empty origin list accepts every origin.
func NewUpgrader(allowedOrigins []string) *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		Subprotocols:    []string{"bearer"},
		CheckOrigin:     originChecker(allowedOrigins),
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(r *http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		set[strings.TrimRight(strings.TrimSpace(origin), "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if _, ok := set["*"]; ok {
			return true
		}
		_, ok := set[strings.TrimRight(origin, "/")]
		return ok
	}
}

// reject ends a handshake without upgrading. Rejections are expected traffic,
// so they are logged at debug level only.
func reject(c *gin.Context, span trace.Span, log *zap.Logger, status int, reason string) {
	span.SetAttributes(
		attribute.String("ws.state", string(StateRejected)),
		attribute.String("ws.reject_reason", reason),
	)
	log.Debug("handshake rejected", zap.Int("status", status), zap.String("reason", reason))
	c.AbortWithStatus(status)
}

func newConnInfo(r *http.Request, span trace.Span, user models.User) ConnInfo {
	return ConnInfo{
		ConnID:      uuid.NewString(),
		UserID:      user.ID,
		Username:    user.Username,
		DeviceID:    observability.DeviceIDFromRequest(r),
		IP:          observability.IPFromRequest(r),
		RequestID:   observability.RequestIDFromRequest(r),
		TraceID:     span.SpanContext().TraceID().String(),
		ConnectedAt: time.Now(),
	}
}

// relayFunc maps a bus event to the frame written to the client; false skips it.
type relayFunc func(evt models.Event) (any, bool)

// frameFunc handles one inbound text frame.
type frameFunc func(ctx context.Context, data []byte)

// session pumps one upgraded connection. The read loop runs on the caller's
// goroutine; a second goroutine owns every data write.
type session struct {
	kind     string
	resource string
	client   *Client
	conn     *websocket.Conn
	bus      Bus
	log      *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	state SessionState
}

func newSession(parent context.Context, kind, resource string, client *Client, conn *websocket.Conn, bus Bus, log *zap.Logger) *session {
	// Outlives the HTTP handler's request context.
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	info := client.Info()
	return &session{
		kind:     kind,
		resource: resource,
		client:   client,
		conn:     conn,
		bus:      bus,
		log: log.With(
			zap.String("kind", kind),
			zap.String("resource_id", resource),
			zap.String("conn_id", info.ConnID),
			zap.Int64("user_id", info.UserID),
		),
		ctx:    ctx,
		cancel: cancel,
		state:  StateConnecting,
	}
}

func (s *session) setState(state SessionState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// join subscribes the client and marks the session live.
func (s *session) join(group string) {
	s.bus.Subscribe(group, s.client)
	s.setState(StateJoined)
	observability.IncWSActive(s.kind)
	observability.IncWSEvent(s.kind, "ws_connect")
	s.emit("ws_connect", "")
	s.log.Info("ws connected", zap.String("group", group))
}

// run blocks until the connection ends, then tears the session down.
// onClose runs after the client has left every group.
func (s *session) run(onFrame frameFunc, relay relayFunc, onClose func(ctx context.Context)) {
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writePump(relay)
	}()

	reason := s.readPump(onFrame)

	s.client.Close()
	<-writerDone
	s.bus.Disconnect(s.client)
	if onClose != nil {
		onClose(s.ctx)
	}
	s.setState(StateClosed)

	observability.DecWSActive(s.kind)
	observability.IncWSEvent(s.kind, "ws_disconnect")
	s.emit("ws_disconnect", reason)
	s.log.Info("ws disconnected", zap.String("reason", reason))
	s.cancel()
}

func (s *session) readPump(onFrame frameFunc) string {
	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.client.Done():
				return "server_closed"
			default:
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				observability.IncWSEvent(s.kind, "ws_error")
				s.emit("ws_error", err.Error())
				s.log.Debug("ws read error", zap.Error(err))
			}
			return err.Error()
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		if msgType != websocket.TextMessage {
			continue
		}
		onFrame(s.ctx, data)
	}
}

func (s *session) writePump(relay relayFunc) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.client.Done():
			return
		case evt := <-s.client.Events():
			frame, ok := relay(evt)
			if !ok {
				continue
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(frame); err != nil {
				s.log.Debug("ws write failed", zap.Error(err))
				s.client.Close()
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				s.client.Close()
				return
			}
		}
	}
}

func (s *session) emit(event, reason string) {
	info := s.client.Info()
	var duration int64
	if event != "ws_connect" {
		duration = time.Since(info.ConnectedAt).Milliseconds()
	}
	_ = observability.PublishEvent(s.ctx, "ws_events."+s.kind, observability.EventEnvelope{
		EventType: "ws_events",
		EventName: event,
		RequestID: info.RequestID,
		TraceID:   info.TraceID,
		Payload: map[string]interface{}{
			"ws": map[string]interface{}{
				"kind":        s.kind,
				"resource_id": s.resource,
				"event":       event,
				"conn_id":     info.ConnID,
				"duration_ms": duration,
				"reason":      reason,
			},
			"identity": map[string]interface{}{
				"user_id":   info.UserID,
				"username":  info.Username,
				"device_id": info.DeviceID,
				"ip":        info.IP,
			},
		},
	})
}
