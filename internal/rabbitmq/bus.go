package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"marketplace-chat/internal/models"
	"marketplace-chat/internal/ws"
)

var ErrBusDisconnected = errors.New("cluster bus is not connected")

// envelope is the body of one broadcast crossing the broker.
type envelope struct {
	Group string       `json:"group"`
	Event models.Event `json:"event"`
}

// Bus fans events out to every instance of the service. Publish goes to a
// topic exchange keyed by group; Run consumes the whole exchange into the
// local bus, so a process also receives its own events exactly once.
type Bus struct {
	local    *ws.LocalBus
	url      string
	exchange string
	log      *zap.Logger

	mu sync.Mutex
	ch *amqp.Channel
}

func NewBus(amqpURL, exchange string, local *ws.LocalBus, log *zap.Logger) *Bus {
	return &Bus{local: local, url: amqpURL, exchange: exchange, log: log.Named("cluster-bus")}
}

func (b *Bus) Name() string { return "cluster-bus" }

// Publish falls back to local delivery while the broker is unreachable.
func (b *Bus) Publish(ctx context.Context, group string, evt models.Event) error {
	if err := evt.Validate(); err != nil {
		return err
	}
	body, err := json.Marshal(envelope{Group: group, Event: evt})
	if err != nil {
		return fmt.Errorf("encode bus event: %w", err)
	}

	if err := b.publish(ctx, group, body); err != nil {
		b.log.Warn("broker publish failed, delivering locally", zap.String("group", group), zap.Error(err))
		return b.local.Publish(ctx, group, evt)
	}
	return nil
}

func (b *Bus) publish(ctx context.Context, group string, body []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ch == nil {
		return ErrBusDisconnected
	}
	return b.ch.PublishWithContext(ctx, b.exchange, group, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
}

func (b *Bus) Subscribe(group string, c *ws.Client)   { b.local.Subscribe(group, c) }
func (b *Bus) Unsubscribe(group string, c *ws.Client) { b.local.Unsubscribe(group, c) }
func (b *Bus) Disconnect(c *ws.Client)                { b.local.Disconnect(c) }

// Run connects, consumes until the connection drops or ctx ends, and returns
// an error on a drop so the supervisor reconnects.
func (b *Bus) Run(ctx context.Context) error {
	conn, err := amqp.Dial(b.url)
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}
	defer conn.Close()

	pubCh, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open publish channel: %w", err)
	}
	if err := declareExchange(pubCh, b.exchange); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}

	subCh, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open consume channel: %w", err)
	}
	queue, err := subCh.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	if err := subCh.QueueBind(queue.Name, "#", b.exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue: %w", err)
	}
	deliveries, err := subCh.Consume(queue.Name, "", true, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}

	b.setChannel(pubCh)
	defer b.setChannel(nil)
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	b.log.Info("cluster bus connected", zap.String("exchange", b.exchange), zap.String("queue", queue.Name))

	for {
		select {
		case <-ctx.Done():
			return nil
		case amqpErr := <-closed:
			return fmt.Errorf("broker connection closed: %v", amqpErr)
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			if err := b.dispatch(ctx, d.Body); err != nil {
				b.log.Warn("dropped bus delivery", zap.Error(err))
			}
		}
	}
}

func (b *Bus) setChannel(ch *amqp.Channel) {
	b.mu.Lock()
	b.ch = ch
	b.mu.Unlock()
}

// dispatch hands one broker delivery to the local bus.
func (b *Bus) dispatch(ctx context.Context, body []byte) error {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("decode bus event: %w", err)
	}
	if env.Group == "" {
		return errors.New("bus event without group")
	}
	return b.local.Publish(ctx, env.Group, env.Event)
}
