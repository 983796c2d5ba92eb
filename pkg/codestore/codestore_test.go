package codestore

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"roadside-backend/pkg/redis"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.Wrap(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client, "test:"), mr
}

func TestRedisStore_PutConsume(t *testing.T) {
	store, mr := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "u1:sms", "hash", time.Minute))
	assert.True(t, mr.Exists("test:u1:sms"))

	got, err := store.Consume(ctx, "u1:sms")
	require.NoError(t, err)
	assert.Equal(t, "hash", got)

	_, err = store.Consume(ctx, "u1:sms")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStore_Expiry(t *testing.T) {
	store, mr := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "k", "v", 10*time.Minute))
	mr.FastForward(11 * time.Minute)

	_, err := store.Consume(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStore_PutReplaces(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "k", "first", time.Minute))
	require.NoError(t, store.Put(ctx, "k", "second", time.Minute))

	got, err := store.Consume(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "second", got)
}

func TestRedisStore_RejectsNonPositiveTTL(t *testing.T) {
	store, _ := setupTestStore(t)
	assert.Error(t, store.Put(context.Background(), "k", "v", 0))
}

func TestRedisStore_ConcurrentConsumeOnce(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, "k", "v", time.Minute))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.Consume(ctx, "k"); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}
