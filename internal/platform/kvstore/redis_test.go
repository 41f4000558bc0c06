package kvstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedisStore(t *testing.T, opts ...RedisOption) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store, err := NewRedisStore(client, opts...)
	require.NoError(t, err)
	return store, mr
}

func TestRedisStore_SetAndGet(t *testing.T) {
	store, mr := setupRedisStore(t, WithRedisPrefix("sf:"))
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "cart:device-1", []byte(`{"schemaVersion":2}`)))

	raw, err := mr.Get("sf:cart:device-1")
	require.NoError(t, err)
	assert.Equal(t, `{"schemaVersion":2}`, raw)

	got, err := store.Get(ctx, "cart:device-1")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"schemaVersion":2}`), got)
}

func TestRedisStore_Miss(t *testing.T) {
	store, _ := setupRedisStore(t)

	got, err := store.Get(context.Background(), "cart:nobody")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Nil(t, got)
}

func TestRedisStore_Remove(t *testing.T) {
	store, mr := setupRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "fx:rates", []byte("x")))
	require.NoError(t, store.Remove(ctx, "fx:rates"))
	assert.False(t, mr.Exists("fx:rates"))

	// removing a missing key is not an error
	assert.NoError(t, store.Remove(ctx, "fx:rates"))
}

func TestRedisStore_TTL(t *testing.T) {
	store, mr := setupRedisStore(t, WithRedisTTL(time.Minute))
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "fx:rates", []byte("x")))
	assert.Equal(t, time.Minute, mr.TTL("fx:rates"))

	mr.FastForward(2 * time.Minute)
	_, err := store.Get(ctx, "fx:rates")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStore_ServerDown(t *testing.T) {
	store, mr := setupRedisStore(t)
	mr.Close()

	_, err := store.Get(context.Background(), "cart:device-1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.Error(t, store.Ping(context.Background()))
}

func TestNewRedisStore_RequiresClient(t *testing.T) {
	_, err := NewRedisStore(nil)
	assert.Error(t, err)
}
