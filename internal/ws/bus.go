package ws

import (
	"context"
	"hash/fnv"
	"sync"

	"go.uber.org/zap"

	"marketplace-chat/internal/models"
	"marketplace-chat/internal/observability"
)

const stripeCount = 64

// Bus delivers events to every client registered in a group.
type Bus interface {
	Publish(ctx context.Context, group string, evt models.Event) error
	Subscribe(group string, c *Client)
	Unsubscribe(group string, c *Client)
	Disconnect(c *Client)
}

// LocalBus fans out to clients of this process only.
//
// Publishes to one group are serialized by a stripe lock so every member sees
// them in invocation order. Enqueueing is non-blocking, so one slow client
// never delays the others; it just loses events once its queue is full.
type LocalBus struct {
	registry *Registry
	log      *zap.Logger
	stripes  [stripeCount]sync.Mutex
}

func NewLocalBus(registry *Registry, log *zap.Logger) *LocalBus {
	return &LocalBus{registry: registry, log: log}
}

func (b *LocalBus) Registry() *Registry { return b.registry }

// Publish delivers to the membership at the time of the call. Per-client
// failures are never returned; only an invalid event is.
func (b *LocalBus) Publish(_ context.Context, group string, evt models.Event) error {
	if err := evt.Validate(); err != nil {
		return err
	}
	observability.IncBusPublished(string(evt.Kind))

	stripe := b.stripe(group)
	stripe.Lock()
	defer stripe.Unlock()

	for _, c := range b.registry.Members(group) {
		outcome := c.Deliver(evt)
		observability.IncBusDelivery(string(outcome))
		if outcome != Delivered {
			b.log.Debug("delivery dropped",
				zap.String("group", group),
				zap.String("conn_id", c.ID()),
				zap.String("kind", string(evt.Kind)),
				zap.String("outcome", string(outcome)),
			)
		}
	}
	return nil
}

func (b *LocalBus) Subscribe(group string, c *Client) {
	b.registry.Join(group, c)
	observability.SetRegistryGroups(b.registry.Len())
}

func (b *LocalBus) Unsubscribe(group string, c *Client) {
	b.registry.Leave(group, c)
	observability.SetRegistryGroups(b.registry.Len())
}

func (b *LocalBus) Disconnect(c *Client) {
	b.registry.LeaveAll(c)
	observability.SetRegistryGroups(b.registry.Len())
}

func (b *LocalBus) stripe(group string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(group))
	return &b.stripes[h.Sum32()%stripeCount]
}
