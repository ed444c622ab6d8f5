package trigger

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowforge/triggers/internal/cache"
	"github.com/flowforge/triggers/internal/config"
	"github.com/flowforge/triggers/pkg/models"
)

func newTestRedisCache(t *testing.T) *cache.RedisCache {
	s := miniredis.RunT(t)
	c, err := cache.NewRedisCache(config.RedisConfig{URL: "redis://" + s.Addr(), PoolSize: 10})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestRedisStore_SavePersistsAndReplaysOnRestart(t *testing.T) {
	ctx := context.Background()
	c := newTestRedisCache(t)

	rs, err := NewRedisStore(ctx, c)
	require.NoError(t, err)
	require.NoError(t, rs.Save(ctx, &models.Trigger{ID: "t1", WorkflowID: "wf-1", Name: "n1", Type: models.TriggerTypeManual}))

	restarted, err := NewRedisStore(ctx, c)
	require.NoError(t, err)

	got, err := restarted.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "wf-1", got.WorkflowID)
}

func TestRedisStore_UpdatePersistsMutation(t *testing.T) {
	ctx := context.Background()
	c := newTestRedisCache(t)

	rs, err := NewRedisStore(ctx, c)
	require.NoError(t, err)
	require.NoError(t, rs.Save(ctx, &models.Trigger{ID: "t1", WorkflowID: "wf-1", Name: "n1", Type: models.TriggerTypeManual}))
	require.NoError(t, rs.Update(ctx, "t1", func(t *models.Trigger) { t.TriggerCount = 5 }))

	restarted, err := NewRedisStore(ctx, c)
	require.NoError(t, err)
	got, err := restarted.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), got.TriggerCount)
}

func TestRedisStore_DeleteRemovesPersistedRecord(t *testing.T) {
	ctx := context.Background()
	c := newTestRedisCache(t)

	rs, err := NewRedisStore(ctx, c)
	require.NoError(t, err)
	require.NoError(t, rs.Save(ctx, &models.Trigger{ID: "t1", WorkflowID: "wf-1", Name: "n1", Type: models.TriggerTypeManual}))
	require.NoError(t, rs.Delete(ctx, "t1"))

	restarted, err := NewRedisStore(ctx, c)
	require.NoError(t, err)
	_, err = restarted.Get(ctx, "t1")
	assert.ErrorIs(t, err, models.ErrTriggerNotFound)
}
