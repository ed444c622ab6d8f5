package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/flowforge/triggers/internal/cache"
	"github.com/flowforge/triggers/pkg/models"
)

// Store is the persistence boundary for trigger records, per §6 ("Store
// interface"). The reference implementation (InMemoryStore) is the one
// Manager is required to work with; RedisStore is an optional durable
// adjunct for the bookkeeping counters, not a replacement of it (the core
// does not persist to durable storage per spec §1's non-goals).
type Store interface {
	Save(ctx context.Context, t *models.Trigger) error
	Get(ctx context.Context, id string) (*models.Trigger, error)
	Update(ctx context.Context, id string, mutate func(*models.Trigger)) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, workflowID string) ([]*models.Trigger, error)
	ListEnabled(ctx context.Context) ([]*models.Trigger, error)
	ListByType(ctx context.Context, t models.TriggerType) ([]*models.Trigger, error)
}

// InMemoryStore is the reference Store implementation: a mutex-guarded map
// satisfying read-your-writes for the same logical trigger within a single
// process, per §6.
type InMemoryStore struct {
	mu       sync.RWMutex
	triggers map[string]*models.Trigger
}

// NewInMemoryStore creates an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{triggers: make(map[string]*models.Trigger)}
}

func (s *InMemoryStore) Save(_ context.Context, t *models.Trigger) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.triggers[t.ID] = &cp
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, id string) (*models.Trigger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.triggers[id]
	if !ok {
		return nil, models.ErrTriggerNotFound
	}
	cp := *t
	return &cp, nil
}

// Update applies mutate to the stored trigger under the store's lock, so
// counter increments (§5 shared-resource policy (iii)) are atomic.
func (s *InMemoryStore) Update(_ context.Context, id string, mutate func(*models.Trigger)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.triggers[id]
	if !ok {
		return models.ErrTriggerNotFound
	}
	mutate(t)
	t.UpdatedAt = time.Now()
	return nil
}

func (s *InMemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.triggers[id]; !ok {
		return models.ErrTriggerNotFound
	}
	delete(s.triggers, id)
	return nil
}

func (s *InMemoryStore) List(_ context.Context, workflowID string) ([]*models.Trigger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Trigger, 0)
	for _, t := range s.triggers {
		if workflowID == "" || t.WorkflowID == workflowID {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *InMemoryStore) ListEnabled(_ context.Context) ([]*models.Trigger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Trigger, 0)
	for _, t := range s.triggers {
		if t.Enabled {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *InMemoryStore) ListByType(_ context.Context, typ models.TriggerType) ([]*models.Trigger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Trigger, 0)
	for _, t := range s.triggers {
		if t.Type == typ {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

// RedisStore is an optional durable adjunct backing the reference
// InMemoryStore: it mirrors every write to Redis so trigger bookkeeping
// survives a process restart, while InMemoryStore remains the source of
// truth Manager reads from within a single process. Grounded on the
// teacher's state.go Save/Load/Delete-by-key pattern over RedisCache.
type RedisStore struct {
	*InMemoryStore
	cache *cache.RedisCache
}

// NewRedisStore wraps an InMemoryStore with Redis-backed persistence and
// replays any previously-saved triggers from Redis into memory.
func NewRedisStore(ctx context.Context, c *cache.RedisCache) (*RedisStore, error) {
	rs := &RedisStore{InMemoryStore: NewInMemoryStore(), cache: c}

	keys, err := c.Keys(ctx, "trigger:*:record")
	if err != nil {
		return nil, fmt.Errorf("failed to list trigger keys: %w", err)
	}
	for _, key := range keys {
		data, err := c.Get(ctx, key)
		if err != nil {
			continue
		}
		var t models.Trigger
		if err := json.Unmarshal([]byte(data), &t); err != nil {
			continue
		}
		_ = rs.InMemoryStore.Save(ctx, &t)
	}

	return rs, nil
}

func triggerRecordKey(id string) string {
	return fmt.Sprintf("trigger:%s:record", id)
}

func (rs *RedisStore) persist(ctx context.Context, t *models.Trigger) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal trigger record: %w", err)
	}
	return rs.cache.Set(ctx, triggerRecordKey(t.ID), string(data), 0)
}

func (rs *RedisStore) Save(ctx context.Context, t *models.Trigger) error {
	if err := rs.InMemoryStore.Save(ctx, t); err != nil {
		return err
	}
	return rs.persist(ctx, t)
}

func (rs *RedisStore) Update(ctx context.Context, id string, mutate func(*models.Trigger)) error {
	if err := rs.InMemoryStore.Update(ctx, id, mutate); err != nil {
		return err
	}
	t, err := rs.InMemoryStore.Get(ctx, id)
	if err != nil {
		return err
	}
	return rs.persist(ctx, t)
}

func (rs *RedisStore) Delete(ctx context.Context, id string) error {
	if err := rs.InMemoryStore.Delete(ctx, id); err != nil {
		return err
	}
	return rs.cache.Delete(ctx, triggerRecordKey(id))
}
