package lock_test

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/mealpass/internal/lock"
)

func newLocker(t *testing.T) (lock.Locker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return lock.Locker{R: client, RenewEvery: 10 * time.Millisecond}, mr
}

func TestTryWithLockReportsHeldLock(t *testing.T) {
	locker, mr := newLocker(t)
	ctx := context.Background()

	var innerAcquired bool
	acquired, err := locker.TryWithLock(ctx, "lock:bulk", time.Second, func(ctx context.Context) error {
		var innerErr error
		innerAcquired, innerErr = locker.TryWithLock(ctx, "lock:bulk", time.Second, func(context.Context) error {
			t.Error("nested callback must not run while the lock is held")
			return nil
		})
		return innerErr
	})
	require.NoError(t, err)
	require.True(t, acquired)
	require.False(t, innerAcquired)
	require.False(t, mr.Exists("lock:bulk"), "lock should be released after callback")

	acquired, err = locker.TryWithLock(ctx, "lock:bulk", time.Second, func(context.Context) error { return nil })
	require.NoError(t, err)
	require.True(t, acquired)
}

func TestTryWithLockRenewsLease(t *testing.T) {
	locker, mr := newLocker(t)

	acquired, err := locker.TryWithLock(context.Background(), "lock:bulk", time.Second, func(context.Context) error {
		time.Sleep(30 * time.Millisecond)
		mr.SetTTL("lock:bulk", 50*time.Millisecond)
		require.Eventually(t, func() bool {
			return mr.TTL("lock:bulk") > 500*time.Millisecond
		}, time.Second, 5*time.Millisecond)
		return nil
	})
	require.NoError(t, err)
	require.True(t, acquired)
}

func TestTryWithLockCancelsOnLostLease(t *testing.T) {
	locker, mr := newLocker(t)

	acquired, err := locker.TryWithLock(context.Background(), "lock:bulk", time.Second, func(ctx context.Context) error {
		require.NoError(t, mr.Set("lock:bulk", "someone-else"))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Second):
			t.Error("callback context was not cancelled")
			return nil
		}
	})
	require.True(t, acquired)
	require.ErrorIs(t, err, lock.ErrLeaseLost)
	got, getErr := mr.Get("lock:bulk")
	require.NoError(t, getErr)
	require.Equal(t, "someone-else", got, "release must not delete a foreign lease")
}

func TestTryWithLockRequiresClient(t *testing.T) {
	_, err := lock.Locker{}.TryWithLock(context.Background(), "k", time.Second, func(context.Context) error { return nil })
	require.Error(t, err)
}
