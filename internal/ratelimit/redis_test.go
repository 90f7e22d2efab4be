package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client), mr
}

func TestRedisStoreWindow(t *testing.T) {
	s, mr := newRedisStore(t)
	ctx := context.Background()

	count, resetIn, err := s.IncrementWithWindow(ctx, "rl:api:a", time.Minute)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
	assert.Equal(t, time.Minute, resetIn)

	mr.FastForward(20 * time.Second)
	count, resetIn, err = s.IncrementWithWindow(ctx, "rl:api:a", time.Minute)
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)
	assert.Equal(t, 40*time.Second, resetIn, "later hits do not extend the window")

	mr.FastForward(41 * time.Second)
	count, _, err = s.IncrementWithWindow(ctx, "rl:api:a", time.Minute)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}

func TestRedisStoreBlock(t *testing.T) {
	s, mr := newRedisStore(t)
	ctx := context.Background()

	left, err := s.IsBlocked(ctx, "rl:block:auth:a")
	require.NoError(t, err)
	assert.Zero(t, left)

	require.NoError(t, s.SetBlock(ctx, "rl:block:auth:a", 15*time.Minute))
	left, err = s.IsBlocked(ctx, "rl:block:auth:a")
	require.NoError(t, err)
	assert.Equal(t, 15*time.Minute, left)

	mr.FastForward(16 * time.Minute)
	left, err = s.IsBlocked(ctx, "rl:block:auth:a")
	require.NoError(t, err)
	assert.Zero(t, left)
}

func TestRedisLimiterAcrossProcesses(t *testing.T) {
	mr := miniredis.RunT(t)
	policies := map[string]Policy{loginPolicy.Name: loginPolicy}

	// Two limiters with separate clients model two server processes.
	var limiters []*Limiter
	for i := 0; i < 2; i++ {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { client.Close() })
		limiters = append(limiters, NewLimiter(NewRedisStore(client), policies, false, discard()))
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(l *Limiter) {
			defer wg.Done()
			d, err := l.CheckAndIncrement(context.Background(), "10.0.0.9", "login")
			if assert.NoError(t, err) && d.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}(limiters[i%2])
	}
	wg.Wait()
	assert.Equal(t, loginPolicy.Limit, allowed)

	d, err := limiters[0].CheckAndIncrement(context.Background(), "10.0.0.9", "login")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.InDelta(t, loginPolicy.Block.Seconds(), d.RetryAfter.Seconds(), 1)
}

func TestRedisStoreUnavailableFailsClosed(t *testing.T) {
	s, mr := newRedisStore(t)
	mr.Close()

	l := NewLimiter(s, map[string]Policy{loginPolicy.Name: loginPolicy}, false, discard())
	d, err := l.CheckAndIncrement(context.Background(), "a", "login")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}
