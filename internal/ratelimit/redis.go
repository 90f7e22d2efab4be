package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrScript increments the counter and starts its window on the first hit.
// A key that somehow lost its TTL is given a fresh one so it cannot pin a
// caller forever.
var incrScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

type RedisStore struct {
	client redis.UniversalClient
}

var _ CounterStore = (*RedisStore)(nil)

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) IncrementWithWindow(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	res, err := incrScript.Run(ctx, s.client, []string{key}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, 0, fmt.Errorf("ratelimit: increment %s: %w", key, err)
	}
	if len(res) != 2 {
		return 0, 0, fmt.Errorf("ratelimit: increment %s: unexpected reply %v", key, res)
	}
	return res[0], time.Duration(res[1]) * time.Millisecond, nil
}

func (s *RedisStore) SetBlock(ctx context.Context, key string, d time.Duration) error {
	if err := s.client.Set(ctx, key, 1, d).Err(); err != nil {
		return fmt.Errorf("ratelimit: block %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) IsBlocked(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := s.client.PTTL(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("ratelimit: block lookup %s: %w", key, err)
	}
	// -2 (missing) and -1 (no expiry) come back as raw negative durations.
	if ttl <= 0 {
		return 0, nil
	}
	return ttl, nil
}
