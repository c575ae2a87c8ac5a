package resilientgateway

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/opengovern/resilient-gateway/internal/clock"
)

// slidingWindowScript prunes, counts and conditionally appends in one atomic
// step. Scores are unix milliseconds.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count >= max then
  local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
  return {0, window - (now - tonumber(oldest[2]))}
end
redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, window)
return {1, max - count - 1}
`)

// RedisWindowStore shares sliding windows between gateway processes through a
// Redis sorted set per key.
type RedisWindowStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisWindowStore(client redis.UniversalClient, prefix string) *RedisWindowStore {
	if prefix == "" {
		prefix = "gateway:ratelimit:"
	}
	return &RedisWindowStore{client: client, prefix: prefix}
}

func (s *RedisWindowStore) Check(ctx context.Context, key string, now time.Time, maxAttempts int, window time.Duration) (Decision, error) {
	res, err := slidingWindowScript.Run(ctx, s.client, []string{s.prefix + key},
		now.UnixMilli(), clock.ToMs(window), maxAttempts, uuid.NewString()).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("redis sliding window %s: %w", key, err)
	}
	return decodeWindowReply(key, res)
}

// decodeWindowReply maps the script's {allowed, n} reply to a Decision. n is
// the remaining attempts when allowed, otherwise milliseconds until a slot frees.
func decodeWindowReply(key string, res interface{}) (Decision, error) {
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return Decision{}, fmt.Errorf("redis sliding window %s: unexpected reply %v", key, res)
	}
	allowed, _ := vals[0].(int64)
	n, _ := vals[1].(int64)
	if allowed == 1 {
		return Decision{Allowed: true, RemainingAttempts: int(n)}, nil
	}
	return Decision{Allowed: false, RemainingTime: clock.FromMs(n)}, nil
}

func (s *RedisWindowStore) Reset(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.prefix+key).Err()
}
