package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisWindows keeps windows in Redis hashes that expire after twice the window size.
type RedisWindows struct {
	client *redis.Client
	prefix string
}

// NewRedisWindows constructs a store using keys under prefix.
func NewRedisWindows(client *redis.Client, prefix string) *RedisWindows {
	if prefix == "" {
		prefix = "ratelimit:window:"
	}
	return &RedisWindows{client: client, prefix: prefix}
}

func (r *RedisWindows) Current(ctx context.Context, orgID string, now time.Time, size time.Duration) (Window, error) {
	return r.run(ctx, orgID, now, size, 0)
}

func (r *RedisWindows) Increment(ctx context.Context, orgID string, now time.Time, size time.Duration) (Window, error) {
	return r.run(ctx, orgID, now, size, 1)
}

// DeleteOlderThan is a no-op: keys carry their own TTL.
func (r *RedisWindows) DeleteOlderThan(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (r *RedisWindows) run(ctx context.Context, orgID string, now time.Time, size time.Duration, incr int) (Window, error) {
	res, err := windowScript.Run(ctx, r.client, []string{r.prefix + orgID}, now.UnixMilli(), size.Milliseconds(), incr).Result()
	if err != nil {
		return Window{}, fmt.Errorf("window script: %w", err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return Window{}, fmt.Errorf("window script: unexpected reply %v", res)
	}
	start, ok1 := arr[0].(int64)
	count, ok2 := arr[1].(int64)
	if !ok1 || !ok2 {
		return Window{}, fmt.Errorf("window script: unexpected reply %v", res)
	}
	return Window{OrgID: orgID, Start: time.UnixMilli(start).UTC(), Count: int(count)}, nil
}

// Time comes from the caller so every instance agrees with the limiter's clock.
var windowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local size = tonumber(ARGV[2])
local incr = tonumber(ARGV[3])

local data = redis.call('HMGET', key, 'start_ms', 'count')
local start = tonumber(data[1])
local count = tonumber(data[2])
if start == nil or count == nil or now - start >= size then
  start = now
  count = 0
end

count = count + incr
redis.call('HMSET', key, 'start_ms', start, 'count', count)
redis.call('PEXPIRE', key, size * 2)
return {start, count}
`)
