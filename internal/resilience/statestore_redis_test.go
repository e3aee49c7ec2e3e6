package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T) (*RedisStateStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisStateStore(rdb, "test-circuit", time.Hour), mr
}

func TestRedisStateStore_MissingIsClosed(t *testing.T) {
	store, _ := newTestRedisStore(t)

	s, err := store.Load(context.Background(), "carrier")
	require.NoError(t, err)
	assert.Equal(t, CircuitClosed, s.State)
	assert.Equal(t, "carrier", s.Provider)
}

func TestRedisStateStore_UpdateRoundTrip(t *testing.T) {
	store, mr := newTestRedisStore(t)
	ctx := context.Background()
	opened := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	_, err := store.Update(ctx, "carrier", func(s *Snapshot) error {
		s.State = CircuitOpen
		s.Failures = 4
		s.OpenedAt = opened
		return nil
	})
	require.NoError(t, err)

	got, err := store.Load(ctx, "carrier")
	require.NoError(t, err)
	assert.Equal(t, CircuitOpen, got.State)
	assert.Equal(t, 4, got.Failures)
	assert.True(t, got.OpenedAt.Equal(opened))

	assert.True(t, mr.Exists("test-circuit:carrier"))
	assert.Equal(t, time.Hour, mr.TTL("test-circuit:carrier"))

	list, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "carrier", list[0].Provider)
}

func TestRedisStateStore_FnErrorWritesNothing(t *testing.T) {
	store, mr := newTestRedisStore(t)

	_, err := store.Update(context.Background(), "carrier", func(s *Snapshot) error {
		s.State = CircuitOpen
		return ErrCircuitOpen
	})
	assert.True(t, errors.Is(err, ErrCircuitOpen))
	assert.False(t, mr.Exists("test-circuit:carrier"))
}

func TestRedisStateStore_ConcurrentIncrements(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Update(ctx, "carrier", func(s *Snapshot) error {
				s.Failures++
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	s, err := store.Load(ctx, "carrier")
	require.NoError(t, err)
	assert.Equal(t, 5, s.Failures)
}

func TestRedisStateStore_CorruptEntryIsClosed(t *testing.T) {
	store, mr := newTestRedisStore(t)
	require.NoError(t, mr.Set("test-circuit:carrier", "{not json"))

	s, err := store.Load(context.Background(), "carrier")
	require.NoError(t, err)
	assert.Equal(t, CircuitClosed, s.State)
}

func TestCircuitBreaker_OverRedis(t *testing.T) {
	store, _ := newTestRedisStore(t)
	a, _ := newTestBreaker(2, time.Minute, store)
	b, _ := newTestBreaker(2, time.Minute, store)

	fail(a, 1)
	fail(b, 1)

	st, err := b.GetState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, CircuitOpen, st.State)
	assert.Equal(t, 2, st.FailureCount)
}
