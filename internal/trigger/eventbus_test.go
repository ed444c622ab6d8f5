package trigger

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEventBus_EmitFansOutToAllSubscribers(t *testing.T) {
	b := NewEventBus()

	var mu sync.Mutex
	var gotA, gotB Event

	b.On("order.created", func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		gotA = e
	})
	b.On("order.created", func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		gotB = e
	})

	b.Emit(Event{Type: "order.created", Data: map[string]any{"id": "123"}})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "123", gotA.Data["id"])
	assert.Equal(t, "123", gotB.Data["id"])
}

func TestEventBus_EmitOnlyMatchesType(t *testing.T) {
	b := NewEventBus()

	called := false
	b.On("order.created", func(Event) { called = true })

	b.Emit(Event{Type: "order.cancelled"})
	assert.False(t, called)
}

func TestEventBus_UnsubscribeStopsDelivery(t *testing.T) {
	b := NewEventBus()

	calls := 0
	unsub := b.On("x", func(Event) { calls++ })

	b.Emit(Event{Type: "x"})
	unsub()
	b.Emit(Event{Type: "x"})

	assert.Equal(t, 1, calls)
}

func TestEventBus_SubscriberPanicDoesNotStopOthers(t *testing.T) {
	b := NewEventBus()

	secondCalled := false
	b.On("x", func(Event) { panic("boom") })
	b.On("x", func(Event) { secondCalled = true })

	assert.NotPanics(t, func() { b.Emit(Event{Type: "x"}) })
	assert.True(t, secondCalled, "a panicking subscriber must not prevent other subscribers from running")
}

func TestEventBus_ConcurrentOnAndEmit(t *testing.T) {
	b := NewEventBus()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unsub := b.On("x", func(Event) {})
			b.Emit(Event{Type: "x"})
			unsub()
		}()
	}
	wg.Wait()
}
