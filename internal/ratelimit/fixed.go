package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	limiter "github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	limiterredis "github.com/ulule/limiter/v3/drivers/store/redis"
)

// Fixed is a fixed-window limiter on ulule/limiter. It backs the API when the
// sliding Redis limiter is not wanted, for instance single-node sqlite setups.
type Fixed struct {
	store    limiter.Store
	mu       sync.Mutex
	limiters map[string]*limiter.Limiter
}

// NewFixedMemory keeps counters in process.
func NewFixedMemory() *Fixed {
	return &Fixed{store: memory.NewStore(), limiters: map[string]*limiter.Limiter{}}
}

// NewFixedRedis keeps counters in Redis under prefix.
func NewFixedRedis(client *redis.Client, prefix string) (*Fixed, error) {
	store, err := limiterredis.NewStoreWithOptions(client, limiter.StoreOptions{Prefix: prefix})
	if err != nil {
		return nil, fmt.Errorf("limiter redis store: %w", err)
	}
	return &Fixed{store: store, limiters: map[string]*limiter.Limiter{}}, nil
}

// Allow implements Allower.
func (f *Fixed) Allow(ctx context.Context, key string, window time.Duration, max int) (bool, int, time.Time, error) {
	if f == nil || f.store == nil || max <= 0 || window <= 0 {
		return true, max, time.Now().Add(window), nil
	}
	res, err := f.limiterFor(window, max).Get(ctx, key)
	if err != nil {
		return false, 0, time.Now().Add(window), err
	}
	return !res.Reached, int(res.Remaining), time.Unix(res.Reset, 0), nil
}

func (f *Fixed) limiterFor(window time.Duration, max int) *limiter.Limiter {
	id := fmt.Sprintf("%d/%s", max, window)
	f.mu.Lock()
	defer f.mu.Unlock()
	if l, ok := f.limiters[id]; ok {
		return l
	}
	l := limiter.New(f.store, limiter.Rate{Period: window, Limit: int64(max)})
	f.limiters[id] = l
	return l
}

// ForStrategy picks the limiter backing the redeem endpoints. Without a Redis
// client both strategies degrade to in-process fixed windows.
func ForStrategy(strategy string, client *redis.Client, prefix string) (Allower, error) {
	if client == nil {
		return NewFixedMemory(), nil
	}
	switch strategy {
	case "", "sliding":
		return Sliding{Client: client, Prefix: prefix}, nil
	case "fixed":
		return NewFixedRedis(client, prefix)
	default:
		return nil, fmt.Errorf("unknown rate limit strategy %q", strategy)
	}
}
