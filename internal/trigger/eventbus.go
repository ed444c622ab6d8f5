package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flowforge/triggers/internal/cache"
	"github.com/flowforge/triggers/internal/logger"
)

// Event is the payload handed to EventBus subscribers, grounded on the
// teacher's event_listener.go Event struct.
type Event struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// EventSubscriber is a single subscriber callback. It must not panic in a
// way that propagates past the bus: Emit recovers from subscriber panics
// and logs them instead of letting one subscriber take down the others.
type EventSubscriber func(Event)

// Unsubscribe removes a previously-registered subscriber.
type Unsubscribe func()

// EventBus is the subscribe/publish interface for event-type triggers
// (§6). Emission is synchronous: subscribers are invoked and return before
// Emit returns, but a subscriber's panic does not affect other subscribers
// (§6 EventBus interface).
type EventBus struct {
	mu   sync.RWMutex
	subs map[string]map[int]EventSubscriber
	next int
}

// NewEventBus creates an empty in-process bus.
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[string]map[int]EventSubscriber)}
}

// On registers cb for eventType and returns a handle to remove it. Per §9
// "Cyclic references", subscribers are weakly held by this handle, not by
// any back-reference the caller must track.
func (b *EventBus) On(eventType string, cb EventSubscriber) Unsubscribe {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subs[eventType] == nil {
		b.subs[eventType] = make(map[int]EventSubscriber)
	}
	id := b.next
	b.next++
	b.subs[eventType][id] = cb

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[eventType], id)
	}
}

// Emit synchronously fans Event out to every subscriber of its Type,
// recovering from any subscriber panic so the remaining subscribers still
// run.
func (b *EventBus) Emit(event Event) {
	b.mu.RLock()
	subs := make([]EventSubscriber, 0, len(b.subs[event.Type]))
	for _, cb := range b.subs[event.Type] {
		subs = append(subs, cb)
	}
	b.mu.RUnlock()

	for _, cb := range subs {
		b.invokeSafely(cb, event)
	}
}

func (b *EventBus) invokeSafely(cb EventSubscriber, event Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("event subscriber panicked", "event_type", event.Type, "panic", r)
		}
	}()
	cb(event)
}

// RedisEventBus layers a cross-process transport behind the same
// subscribe/publish shape, grounded on the teacher's event_listener.go
// pub/sub plumbing (getEventChannel/PublishEvent/listen), adapted from its
// asynchronous per-match goroutine dispatch to delegate into the
// synchronous EventBus.Emit once a message is decoded.
type RedisEventBus struct {
	*EventBus
	cache       *cache.RedisCache
	pubsub      *redis.PubSub
	stopCh      chan struct{}
	stoppedCh   chan struct{}
	mu          sync.Mutex
	subscribed  map[string]bool
}

// NewRedisEventBus wraps an in-process EventBus with a Redis pub/sub
// transport. Call Start to begin relaying published events to local
// subscribers.
func NewRedisEventBus(c *cache.RedisCache) *RedisEventBus {
	return &RedisEventBus{
		EventBus:   NewEventBus(),
		cache:      c,
		stopCh:     make(chan struct{}),
		stoppedCh:  make(chan struct{}),
		subscribed: make(map[string]bool),
	}
}

func eventChannel(eventType string) string {
	return fmt.Sprintf("triggers:events:%s", eventType)
}

// Start begins listening on the channels for every event type already
// registered via On, and any registered afterward via EnsureSubscribed.
func (r *RedisEventBus) Start(ctx context.Context) {
	r.EventBus.mu.RLock()
	types := make([]string, 0, len(r.EventBus.subs))
	channels := make([]string, 0, len(r.EventBus.subs))
	for eventType := range r.EventBus.subs {
		types = append(types, eventType)
		channels = append(channels, eventChannel(eventType))
	}
	r.EventBus.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.pubsub = r.cache.Client().Subscribe(ctx, channels...)
	for _, eventType := range types {
		r.subscribed[eventType] = true
	}
	go r.listen(ctx)
}

// EnsureSubscribed subscribes the underlying pub/sub connection to
// eventType's channel if it isn't already.
func (r *RedisEventBus) EnsureSubscribed(ctx context.Context, eventType string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subscribed[eventType] {
		return nil
	}
	if r.pubsub == nil {
		return nil
	}
	if err := r.pubsub.Subscribe(ctx, eventChannel(eventType)); err != nil {
		return fmt.Errorf("failed to subscribe to channel: %w", err)
	}
	r.subscribed[eventType] = true
	return nil
}

func (r *RedisEventBus) listen(ctx context.Context) {
	defer close(r.stoppedCh)
	ch := r.pubsub.Channel()
	for {
		select {
		case <-r.stopCh:
			return
		case msg := <-ch:
			if msg == nil {
				continue
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				logger.Error("failed to parse event", "err", err)
				continue
			}
			r.EventBus.Emit(event)
		case <-ctx.Done():
			return
		}
	}
}

// Publish marshals and publishes event to its Redis channel; remote
// RedisEventBus instances subscribed to the same type relay it into their
// local EventBus.Emit.
func (r *RedisEventBus) Publish(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return r.cache.Client().Publish(ctx, eventChannel(event.Type), string(data)).Err()
}

// Stop tears down the pub/sub connection and listener goroutine.
func (r *RedisEventBus) Stop() error {
	close(r.stopCh)
	if r.pubsub != nil {
		if err := r.pubsub.Close(); err != nil {
			return fmt.Errorf("failed to close pub/sub: %w", err)
		}
	}
	select {
	case <-r.stoppedCh:
	case <-time.After(5 * time.Second):
	}
	return nil
}
