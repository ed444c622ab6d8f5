package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowforge/triggers/internal/config"
)

func setupCache(t *testing.T, s *miniredis.Miniredis) *RedisCache {
	cfg := config.RedisConfig{URL: "redis://" + s.Addr(), DB: 0, PoolSize: 10}
	c, err := NewRedisCache(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestNewRedisCache_Success(t *testing.T) {
	s := miniredis.RunT(t)

	c, err := NewRedisCache(config.RedisConfig{URL: "redis://" + s.Addr(), PoolSize: 10})
	require.NoError(t, err)
	assert.NotNil(t, c.Client())
	assert.NoError(t, c.Close())
}

func TestNewRedisCache_WithPassword(t *testing.T) {
	s := miniredis.RunT(t)
	s.RequireAuth("secret")

	c, err := NewRedisCache(config.RedisConfig{URL: "redis://" + s.Addr(), Password: "secret", PoolSize: 10})
	require.NoError(t, err)
	assert.NoError(t, c.Close())
}

func TestNewRedisCache_InvalidURL(t *testing.T) {
	c, err := NewRedisCache(config.RedisConfig{URL: "invalid://url"})
	assert.Error(t, err)
	assert.Nil(t, c)
	assert.Contains(t, err.Error(), "failed to parse Redis URL")
}

func TestNewRedisCache_ConnectionFailure(t *testing.T) {
	c, err := NewRedisCache(config.RedisConfig{URL: "redis://127.0.0.1:1"})
	assert.Error(t, err)
	assert.Nil(t, c)
	assert.Contains(t, err.Error(), "failed to connect to Redis")
}

func TestRedisCache_Health(t *testing.T) {
	s := miniredis.RunT(t)
	c := setupCache(t, s)

	assert.NoError(t, c.Health(context.Background()))
	require.NoError(t, c.Close())
	assert.Error(t, c.Health(context.Background()))
}

func TestRedisCache_SetGet(t *testing.T) {
	s := miniredis.RunT(t)
	c := setupCache(t, s)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", "v", 0))
	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)
}

func TestRedisCache_SetWithTTLExpires(t *testing.T) {
	s := miniredis.RunT(t)
	c := setupCache(t, s)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "ttl", "v", time.Second))
	s.FastForward(2 * time.Second)

	_, err := c.Get(ctx, "ttl")
	assert.Error(t, err)
}

func TestRedisCache_GetMissingKey(t *testing.T) {
	s := miniredis.RunT(t)
	c := setupCache(t, s)

	_, err := c.Get(context.Background(), "missing")
	assert.Error(t, err)
}

func TestRedisCache_Delete(t *testing.T) {
	s := miniredis.RunT(t)
	c := setupCache(t, s)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k1", "v1", 0))
	require.NoError(t, c.Set(ctx, "k2", "v2", 0))
	require.NoError(t, c.Delete(ctx, "k1", "k2"))

	_, err := c.Get(ctx, "k1")
	assert.Error(t, err)
}

func TestRedisCache_Exists(t *testing.T) {
	s := miniredis.RunT(t)
	c := setupCache(t, s)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k1", "v1", 0))

	count, err := c.Exists(ctx, "k1", "k2")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestRedisCache_Keys(t *testing.T) {
	s := miniredis.RunT(t)
	c := setupCache(t, s)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "trigger:1", "a", 0))
	require.NoError(t, c.Set(ctx, "trigger:2", "b", 0))
	require.NoError(t, c.Set(ctx, "other:1", "c", 0))

	keys, err := c.Keys(ctx, "trigger:*")
	require.NoError(t, err)
	assert.Len(t, keys, 2)
}

func TestRedisCache_Increment(t *testing.T) {
	s := miniredis.RunT(t)
	c := setupCache(t, s)
	ctx := context.Background()

	v, err := c.Increment(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	v, err = c.Increment(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)
}

func TestNewFromClient(t *testing.T) {
	s := miniredis.RunT(t)
	base, err := NewRedisCache(config.RedisConfig{URL: "redis://" + s.Addr(), PoolSize: 10})
	require.NoError(t, err)
	defer base.Close()

	wrapped := NewFromClient(base.Client())
	assert.NoError(t, wrapped.Health(context.Background()))
}
