package database

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisFromClient(client), mr
}

func TestIncrWithExpiry_StartsWindowOnFirstHit(t *testing.T) {
	r, mr := newTestRedis(t)
	ctx := context.Background()

	count, ttl, err := r.IncrWithExpiry(ctx, "counter", 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
	assert.Equal(t, 15*time.Minute, ttl)

	mr.FastForward(5 * time.Minute)

	count, ttl, err = r.IncrWithExpiry(ctx, "counter", 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
	assert.Equal(t, 10*time.Minute, ttl, "later hits must not extend the window")
}

func TestIncrWithExpiry_ResetsAfterWindow(t *testing.T) {
	r, mr := newTestRedis(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _, err := r.IncrWithExpiry(ctx, "counter", time.Minute)
		require.NoError(t, err)
	}

	mr.FastForward(time.Minute + time.Second)

	count, _, err := r.IncrWithExpiry(ctx, "counter", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestIncrWithExpiry_RepairsMissingExpiry(t *testing.T) {
	r, mr := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, mr.Set("counter", "7"))

	count, ttl, err := r.IncrWithExpiry(ctx, "counter", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(8), count)
	assert.Equal(t, time.Minute, ttl)
	assert.Equal(t, time.Minute, mr.TTL("counter"))
}

func TestGetDel_OnlyOneReader(t *testing.T) {
	r, _ := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, r.SetWithTTL(ctx, "challenge", "payload", time.Minute))

	val, err := r.GetDel(ctx, "challenge")
	require.NoError(t, err)
	assert.Equal(t, "payload", val)

	_, err = r.GetDel(ctx, "challenge")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestGetString_Missing(t *testing.T) {
	r, _ := newTestRedis(t)

	_, err := r.GetString(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	ok, err := r.Exists(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIncrWithExpiry_StoreDown(t *testing.T) {
	r, mr := newTestRedis(t)
	mr.Close()

	_, _, err := r.IncrWithExpiry(context.Background(), "counter", time.Minute)
	assert.Error(t, err)
}
