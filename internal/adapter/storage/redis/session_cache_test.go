package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionCache_PutAndGet(t *testing.T) {
	s := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: s.Addr()})
	cache := NewSessionCache(client)
	ctx := context.Background()

	_, ok := cache.GetCardID(ctx, "sess-1")
	assert.False(t, ok, "miss before put")

	require.NoError(t, cache.Put(ctx, "sess-1", 42, 5*time.Minute))

	cardID, ok := cache.GetCardID(ctx, "sess-1")
	require.True(t, ok)
	assert.Equal(t, int64(42), cardID)
}

func TestSessionCache_TTLExpiry(t *testing.T) {
	s := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: s.Addr()})
	cache := NewSessionCache(client)
	ctx := context.Background()

	require.NoError(t, cache.Put(ctx, "sess-2", 1, 1*time.Second))
	s.FastForward(2 * time.Second)

	_, ok := cache.GetCardID(ctx, "sess-2")
	assert.False(t, ok, "expired session must miss, forcing a Postgres fallback")
}

func TestSessionCache_Invalidate(t *testing.T) {
	s := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: s.Addr()})
	cache := NewSessionCache(client)
	ctx := context.Background()

	require.NoError(t, cache.Put(ctx, "sess-3", 1, 5*time.Minute))
	require.NoError(t, cache.Invalidate(ctx, "sess-3"))

	_, ok := cache.GetCardID(ctx, "sess-3")
	assert.False(t, ok)
}
