package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/charlesng35/activator/internal/cache"
	"github.com/charlesng35/activator/internal/database/testutil"
)

func TestMemoryRateStoreSweepDropsExpiredCounters(t *testing.T) {
	clock := newClock()
	store := NewMemoryRateStore(0, WithMemoryClock(clock.Now))
	t.Cleanup(store.Close)
	ctx := context.Background()

	_, _, err := store.Increment(ctx, "short", time.Minute)
	require.NoError(t, err)
	_, _, err = store.Increment(ctx, "long", time.Hour)
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	require.Equal(t, 1, store.sweep())

	count, _, err := store.Increment(ctx, "long", time.Hour)
	require.NoError(t, err)
	require.Equal(t, 2, count)
}

func TestMemoryRateStoreCloseIsIdempotent(t *testing.T) {
	store := NewMemoryRateStore(time.Millisecond)
	store.Close()
	store.Close()
}

func TestCacheRateStoreWithDatabaseBackend(t *testing.T) {
	clock := newClock()
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	backend := cache.NewDatabaseStore(db, cache.WithDatabaseClock(clock.Now))

	limiter, err := New(NewCacheRateStore(backend), Config{Capacity: 3}, WithClock(clock.Now))
	require.NoError(t, err)

	assertBlocksOnFourthAttempt(t, limiter, clock)
}

func TestCacheRateStoreWithRedisBackend(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
	})

	clock := newClock()
	limiter, err := New(NewCacheRateStore(cache.NewRedisStoreFromClient(client, "")), Config{Capacity: 3}, WithClock(clock.Now))
	require.NoError(t, err)

	assertBlocksOnFourthAttempt(t, limiter, clock)
	require.True(t, mr.Exists("activator:activation:expired:x@example.com"))
}

func TestNewCacheRateStoreNil(t *testing.T) {
	require.Nil(t, NewCacheRateStore(nil))
}

func assertBlocksOnFourthAttempt(t *testing.T, limiter *Limiter, clock *fakeClock) {
	t.Helper()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		decision, err := limiter.Check(ctx, "x@example.com")
		require.NoError(t, err)
		require.False(t, decision.Blocked)
	}

	decision, err := limiter.Check(ctx, "x@example.com")
	require.NoError(t, err)
	require.True(t, decision.Blocked)
	require.True(t, decision.RetryAfter.After(clock.Now()))
	require.False(t, decision.RetryAfter.After(clock.Now().Add(time.Hour)))
}
