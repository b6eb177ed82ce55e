package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newSliding(t *testing.T) (Sliding, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return Sliding{Client: client, Prefix: "rl:"}, mr
}

func TestSlidingAllowsUpToLimitPerStation(t *testing.T) {
	lim, mr := newSliding(t)
	ctx := context.Background()
	window := 2 * time.Second

	for want := 1; want >= 0; want-- {
		allowed, remaining, reset, err := lim.Allow(ctx, "redeem:station:gate-1", window, 2)
		require.NoError(t, err)
		require.True(t, allowed)
		require.Equal(t, want, remaining)
		require.WithinDuration(t, time.Now().Add(window), reset, time.Second)
	}

	allowed, remaining, _, err := lim.Allow(ctx, "redeem:station:gate-1", window, 2)
	require.NoError(t, err)
	require.False(t, allowed)
	require.Zero(t, remaining)

	allowed, _, _, err = lim.Allow(ctx, "redeem:station:gate-2", window, 2)
	require.NoError(t, err)
	require.True(t, allowed, "stations are limited independently")

	mr.FastForward(window)
	allowed, _, _, err = lim.Allow(ctx, "redeem:station:gate-1", window, 2)
	require.NoError(t, err)
	require.True(t, allowed)
}

func TestSlidingDoesNotRecordRejectedEvents(t *testing.T) {
	lim, mr := newSliding(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, _, _, err := lim.Allow(ctx, "k", time.Minute, 1)
		require.NoError(t, err)
	}
	members, err := mr.ZMembers("rl:k")
	require.NoError(t, err)
	require.Len(t, members, 1)
}

func TestSlidingWithoutClientAllows(t *testing.T) {
	allowed, remaining, _, err := Sliding{}.Allow(context.Background(), "k", time.Second, 3)
	require.NoError(t, err)
	require.True(t, allowed)
	require.Equal(t, 3, remaining)
}
