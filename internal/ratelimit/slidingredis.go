package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingScript keeps one sorted-set member per accepted event, scored by its
// millisecond timestamp. Rejected events are not recorded, so a station that
// keeps hammering the endpoint is not locked out past the window.
//
// KEYS[1] window key; ARGV now_ms, window_ms, limit, member.
// Returns {allowed, count, oldest_ms}.
var slidingScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
local allowed = 0
if count < limit then
	redis.call('ZADD', key, now, ARGV[4])
	count = count + 1
	allowed = 1
end
redis.call('PEXPIRE', key, window)

local oldest = now
local first = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if first[2] then
	oldest = tonumber(first[2])
end
return {allowed, count, oldest}
`)

// Sliding is a sliding-window limiter evaluated atomically inside Redis.
type Sliding struct {
	Client redis.Scripter
	Prefix string
}

// Allow implements Allower. reset is when the oldest counted event leaves
// the window.
func (l Sliding) Allow(ctx context.Context, key string, window time.Duration, max int) (bool, int, time.Time, error) {
	now := time.Now()
	if l.Client == nil || max <= 0 || window <= 0 {
		return true, max, now.Add(window), nil
	}

	res, err := slidingScript.Run(ctx, l.Client, []string{l.Prefix + key},
		now.UnixMilli(), window.Milliseconds(), max, uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return false, 0, now.Add(window), fmt.Errorf("sliding window %s: %w", key, err)
	}
	if len(res) != 3 {
		return false, 0, now.Add(window), fmt.Errorf("sliding window %s: unexpected reply %v", key, res)
	}

	allowed := res[0] == 1
	remaining := max - int(res[1])
	if remaining < 0 {
		remaining = 0
	}
	reset := time.UnixMilli(res[2]).Add(window)
	return allowed, remaining, reset, nil
}
