package ws

import (
	"sync"

	"github.com/gorilla/websocket"

	"marketplace-chat/internal/models"
)

// DeliveryOutcome is the result of handing one event to one client.
type DeliveryOutcome string

const (
	Delivered     DeliveryOutcome = "delivered"
	DroppedFull   DeliveryOutcome = "dropped_full"
	DroppedClosed DeliveryOutcome = "dropped_closed"
)

// Client is one live socket owned by one authenticated user. Events from the
// bus land in a bounded queue drained by the connection's writer goroutine.
type Client struct {
	info      ConnInfo
	conn      *websocket.Conn
	events    chan models.Event
	done      chan struct{}
	closeOnce sync.Once
}

// NewClient wraps conn. conn may be nil for clients that never touch a socket.
func NewClient(conn *websocket.Conn, info ConnInfo, queueSize int) *Client {
	if queueSize <= 0 {
		queueSize = 1
	}
	return &Client{
		info:   info,
		conn:   conn,
		events: make(chan models.Event, queueSize),
		done:   make(chan struct{}),
	}
}

func (c *Client) ID() string { return c.info.ConnID }

func (c *Client) Info() ConnInfo { return c.info }

// Events is drained by the writer goroutine.
func (c *Client) Events() <-chan models.Event { return c.events }

// Done is closed once the client is closed.
func (c *Client) Done() <-chan struct{} { return c.done }

// Deliver never blocks: a full queue or a closed client drops the event.
func (c *Client) Deliver(evt models.Event) DeliveryOutcome {
	select {
	case <-c.done:
		return DroppedClosed
	default:
	}
	select {
	case c.events <- evt:
		return Delivered
	default:
		return DroppedFull
	}
}

// Close is idempotent.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}
