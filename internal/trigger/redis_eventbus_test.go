package trigger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisEventBus_PublishRelaysToLocalSubscribers(t *testing.T) {
	c := newTestRedisCache(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	receiver := NewRedisEventBus(c)
	receiver.Start(ctx)
	t.Cleanup(func() { _ = receiver.Stop() })
	require.NoError(t, receiver.EnsureSubscribed(ctx, "order.created"))

	var mu sync.Mutex
	var got Event
	received := make(chan struct{})
	receiver.On("order.created", func(e Event) {
		mu.Lock()
		got = e
		mu.Unlock()
		close(received)
	})

	publisher := NewRedisEventBus(c)
	require.NoError(t, publisher.Publish(ctx, Event{Type: "order.created", Data: map[string]any{"id": "42"}}))

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("event was not relayed through Redis pub/sub in time")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "42", got.Data["id"])
}

func TestRedisEventBus_StopClosesPubSub(t *testing.T) {
	c := newTestRedisCache(t)
	ctx := context.Background()

	bus := NewRedisEventBus(c)
	bus.Start(ctx)

	done := make(chan struct{})
	go func() {
		assert.NoError(t, bus.Stop())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return in time")
	}
}
