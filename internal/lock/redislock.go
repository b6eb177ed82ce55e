// Package lock holds the Redis lease that keeps two bulk issuance runs from
// overlapping across API and worker processes.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	// releaseScript deletes the key only while it still carries our token.
	releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0`)
	// renewScript pushes the expiry out only while we still own the key.
	renewScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0`)
)

// ErrLeaseLost is returned when the key changed hands while fn was running,
// typically because Redis evicted or expired it.
var ErrLeaseLost = errors.New("lock: lease lost")

// Locker is a single-key Redis lease. While fn runs the lease is renewed
// every RenewEvery (ttl/3 when zero), so long runs keep it.
type Locker struct {
	R          *redis.Client
	RenewEvery time.Duration
}

// TryWithLock runs fn only if key is free. It reports acquired=false
// without calling fn when someone else holds it. fn's context is cancelled
// if the lease is lost.
func (l Locker) TryWithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) (bool, error) {
	if l.R == nil {
		return false, errors.New("lock: redis client not configured")
	}
	if fn == nil {
		return false, errors.New("lock: callback not provided")
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	token := uuid.NewString()
	ok, err := l.R.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("lock %s: %w", key, err)
	}
	if !ok {
		return false, nil
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	renewDone := make(chan struct{})
	go func() {
		defer close(renewDone)
		l.keepAlive(runCtx, key, token, ttl, cancel)
	}()

	fnErr := fn(runCtx)
	lost := context.Cause(runCtx)
	cancel(nil)
	<-renewDone
	_ = releaseScript.Run(context.WithoutCancel(ctx), l.R, []string{key}, token).Err()

	if errors.Is(lost, ErrLeaseLost) && fnErr == nil {
		return true, ErrLeaseLost
	}
	return true, fnErr
}

func (l Locker) keepAlive(ctx context.Context, key, token string, ttl time.Duration, cancel context.CancelCauseFunc) {
	every := l.RenewEvery
	if every <= 0 || every >= ttl {
		every = ttl / 3
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := renewScript.Run(ctx, l.R, []string{key}, token, ttl.Milliseconds()).Int()
			if err != nil {
				// A transient Redis error leaves the lease to its TTL.
				continue
			}
			if n == 0 {
				cancel(ErrLeaseLost)
				return
			}
		}
	}
}
