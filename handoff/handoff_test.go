package handoff

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// stores runs fn once per Store implementation.
func stores(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryStore()) })
	t.Run("redis", func(t *testing.T) { fn(t, NewRedisStore(newTestRedis(t), "")) })
}

func TestCompleteLoginExactlyOnce(t *testing.T) {
	stores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
		b := NewBroker(s, WithClock(clock.Now))

		arg, err := b.BeginLogin(ctx, "1")
		require.NoError(t, err)
		assert.Len(t, arg, 64)

		uid, err := b.CompleteLogin(ctx, arg)
		require.NoError(t, err)
		assert.Equal(t, "1", uid)

		_, err = b.CompleteLogin(ctx, arg)
		assert.ErrorIs(t, err, ErrAccessDenied)
	})
}

func TestCompleteLoginExpired(t *testing.T) {
	stores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
		b := NewBroker(s, WithClock(clock.Now))

		arg, err := b.BeginLogin(ctx, "1")
		require.NoError(t, err)

		clock.Advance(DefaultTTL)
		_, err = b.CompleteLogin(ctx, arg)
		assert.ErrorIs(t, err, ErrAccessDenied)

		// Rewinding the clock does not resurrect a consumed handoff.
		clock.Advance(-DefaultTTL)
		_, err = b.CompleteLogin(ctx, arg)
		assert.ErrorIs(t, err, ErrAccessDenied)
	})
}

func TestCompleteLoginJustBeforeExpiry(t *testing.T) {
	stores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
		b := NewBroker(s, WithClock(clock.Now))

		arg, err := b.BeginLogin(ctx, "7")
		require.NoError(t, err)

		clock.Advance(DefaultTTL - time.Millisecond)
		uid, err := b.CompleteLogin(ctx, arg)
		require.NoError(t, err)
		assert.Equal(t, "7", uid)
	})
}

func TestMismatchLeavesSlotUntouched(t *testing.T) {
	stores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		b := NewBroker(s)

		arg, err := b.BeginLogin(ctx, "1")
		require.NoError(t, err)

		_, err = b.CompleteLogin(ctx, "wrong")
		assert.ErrorIs(t, err, ErrAccessDenied)
		_, err = b.CompleteLogin(ctx, "")
		assert.ErrorIs(t, err, ErrAccessDenied)

		uid, err := b.CompleteLogin(ctx, arg)
		require.NoError(t, err)
		assert.Equal(t, "1", uid)
	})
}

func TestBeginLoginSupersedesPending(t *testing.T) {
	stores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		b := NewBroker(s)

		first, err := b.BeginLogin(ctx, "1")
		require.NoError(t, err)
		second, err := b.BeginLogin(ctx, "2")
		require.NoError(t, err)
		assert.NotEqual(t, first, second)

		_, err = b.CompleteLogin(ctx, first)
		assert.ErrorIs(t, err, ErrAccessDenied)

		uid, err := b.CompleteLogin(ctx, second)
		require.NoError(t, err)
		assert.Equal(t, "2", uid)
	})
}

func TestConcurrentCompletionsSucceedOnce(t *testing.T) {
	stores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		b := NewBroker(s)

		arg, err := b.BeginLogin(ctx, "1")
		require.NoError(t, err)

		var wins, denials atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := b.CompleteLogin(ctx, arg)
				switch {
				case err == nil:
					wins.Add(1)
				case errors.Is(err, ErrAccessDenied):
					denials.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
		assert.Equal(t, int32(15), denials.Load())
	})
}

func TestRedisStoreKeyTTL(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	s := NewRedisStore(client, "test:handoff")
	ctx := context.Background()
	b := NewBroker(s, WithTTL(10*time.Second))

	arg, err := b.BeginLogin(ctx, "1")
	require.NoError(t, err)
	assert.True(t, mr.Exists("test:handoff"))
	assert.Equal(t, 10*time.Second, mr.TTL("test:handoff"))

	mr.FastForward(11 * time.Second)
	_, err = b.CompleteLogin(ctx, arg)
	assert.ErrorIs(t, err, ErrAccessDenied)
}

func TestRedisStoreKeepsOnlyArgDigest(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	b := NewBroker(NewRedisStore(client, "test:handoff"))

	arg, err := b.BeginLogin(ctx, "7")
	require.NoError(t, err)
	stored := mr.HGet("test:handoff", "arg")
	assert.NotEqual(t, arg, stored)
	assert.Equal(t, argDigest(arg), stored)

	_, err = b.CompleteLogin(ctx, stored)
	assert.ErrorIs(t, err, ErrAccessDenied, "the stored digest is not a usable argument")

	arg, err = b.BeginLogin(ctx, "7")
	require.NoError(t, err)
	userID, err := b.CompleteLogin(ctx, arg)
	require.NoError(t, err)
	assert.Equal(t, "7", userID)
}

func TestRedisStoreUnavailable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	b := NewBroker(NewRedisStore(client, ""))
	_, err = b.BeginLogin(context.Background(), "1")
	assert.Error(t, err)
	_, err = b.CompleteLogin(context.Background(), "x")
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrAccessDenied))
}

func TestNewSecurityArg(t *testing.T) {
	a, err := NewSecurityArg()
	require.NoError(t, err)
	b, err := NewSecurityArg()
	require.NoError(t, err)
	assert.Len(t, a, 64)
	assert.NotEqual(t, a, b)
}
