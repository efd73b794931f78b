package ws

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"marketplace-chat/internal/models"
)

func drain(c *Client) []models.Event {
	var out []models.Event
	for {
		select {
		case evt := <-c.Events():
			out = append(out, evt)
		default:
			return out
		}
	}
}

func TestPublishDeliversOncePerMember(t *testing.T) {
	bus := NewLocalBus(NewRegistry(), zap.NewNop())
	c1 := newTestClient("c1", 8)
	c2 := newTestClient("c2", 8)
	bus.Subscribe("chat_1", c1)
	bus.Subscribe("chat_1", c2)
	bus.Subscribe("chat_1", c2)

	require.NoError(t, bus.Publish(context.Background(), "chat_1", models.NewUnreadCountEvent(3)))

	assert.Len(t, drain(c1), 1)
	assert.Len(t, drain(c2), 1)
}

func TestPublishSkipsOtherGroupsAndLateJoiners(t *testing.T) {
	bus := NewLocalBus(NewRegistry(), zap.NewNop())
	member := newTestClient("member", 8)
	outsider := newTestClient("outsider", 8)
	bus.Subscribe("chat_1", member)
	bus.Subscribe("chat_2", outsider)

	require.NoError(t, bus.Publish(context.Background(), "chat_1", models.NewUnreadCountEvent(1)))
	late := newTestClient("late", 8)
	bus.Subscribe("chat_1", late)

	assert.Len(t, drain(member), 1)
	assert.Empty(t, drain(outsider))
	assert.Empty(t, drain(late))
}

func TestPublishToEmptyGroup(t *testing.T) {
	bus := NewLocalBus(NewRegistry(), zap.NewNop())
	assert.NoError(t, bus.Publish(context.Background(), "chat_404", models.NewUnreadCountEvent(1)))
}

func TestPublishRejectsInvalidEvent(t *testing.T) {
	bus := NewLocalBus(NewRegistry(), zap.NewNop())
	assert.Error(t, bus.Publish(context.Background(), "chat_1", models.Event{Kind: models.KindChatMessage}))
}

func TestSlowClientDoesNotBlockOthers(t *testing.T) {
	bus := NewLocalBus(NewRegistry(), zap.NewNop())
	slow := newTestClient("slow", 1)
	fast := newTestClient("fast", 16)
	bus.Subscribe("chat_1", slow)
	bus.Subscribe("chat_1", fast)

	for i := 0; i < 5; i++ {
		require.NoError(t, bus.Publish(context.Background(), "chat_1", models.NewUnreadCountEvent(i)))
	}

	assert.Len(t, drain(slow), 1)
	assert.Len(t, drain(fast), 5)
}

func TestClosedClientMidFanoutIsSkipped(t *testing.T) {
	bus := NewLocalBus(NewRegistry(), zap.NewNop())
	gone := newTestClient("gone", 8)
	alive := newTestClient("alive", 8)
	bus.Subscribe("chat_1", gone)
	bus.Subscribe("chat_1", alive)

	gone.Close()
	err := bus.Publish(context.Background(), "chat_1", models.NewUnreadCountEvent(1))

	require.NoError(t, err)
	assert.Empty(t, drain(gone))
	assert.Len(t, drain(alive), 1)
}

func TestPublishOrderPerGroup(t *testing.T) {
	bus := NewLocalBus(NewRegistry(), zap.NewNop())
	c := newTestClient("c", 1000)
	bus.Subscribe("chat_1", c)

	for i := 0; i < 100; i++ {
		require.NoError(t, bus.Publish(context.Background(), "chat_1", models.NewUnreadCountEvent(i)))
	}

	got := drain(c)
	require.Len(t, got, 100)
	for i, evt := range got {
		assert.Equal(t, i, evt.NewMessage.UnreadConversationsCount)
	}
}

func TestConcurrentPublishersSameGroupConsistentOrder(t *testing.T) {
	bus := NewLocalBus(NewRegistry(), zap.NewNop())
	c1 := newTestClient("c1", 1000)
	c2 := newTestClient("c2", 1000)
	bus.Subscribe("chat_1", c1)
	bus.Subscribe("chat_1", c2)

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_ = bus.Publish(context.Background(), "chat_1", models.NewUnreadCountEvent(p*1000+i))
			}
		}(p)
	}
	wg.Wait()

	got1, got2 := drain(c1), drain(c2)
	require.Len(t, got1, 200)
	require.Len(t, got2, 200)
	for i := range got1 {
		assert.Equal(t, got1[i].NewMessage.UnreadConversationsCount, got2[i].NewMessage.UnreadConversationsCount,
			fmt.Sprintf("position %d", i))
	}
}

func TestDisconnectRemovesAllMemberships(t *testing.T) {
	bus := NewLocalBus(NewRegistry(), zap.NewNop())
	c := newTestClient("c", 4)
	bus.Subscribe("chat_1", c)
	bus.Subscribe("notifications_alice", c)

	bus.Disconnect(c)
	bus.Disconnect(c)

	assert.Equal(t, 0, bus.Registry().Len())
}
