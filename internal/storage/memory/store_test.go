package memory_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/mealpass/internal/events"
	"github.com/noah-isme/mealpass/internal/storage/memory"
	"github.com/noah-isme/mealpass/internal/voucher"
)

func candidate(guestID string, meal voucher.MealType, token string) voucher.Voucher {
	return voucher.Voucher{
		ID:        uuid.New(),
		Token:     token,
		GuestID:   guestID,
		GuestName: "Guest " + guestID,
		MealType:  meal,
		Status:    voucher.StatusUnused,
		CreatedAt: time.Date(2026, 1, 5, 8, 0, 0, 0, time.UTC),
	}
}

func TestCreateIfAbsentKeepsOneVoucherPerGuestAndMeal(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	first, created, err := store.CreateIfAbsent(ctx, candidate("g1", "BREAKFAST", "tok-1"))
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := store.CreateIfAbsent(ctx, candidate("g1", "BREAKFAST", "tok-2"))
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, "tok-1", second.Token)

	_, err = store.GetByToken(ctx, "tok-2")
	require.ErrorIs(t, err, voucher.ErrVoucherNotFound)
}

func TestCreateIfAbsentReportsTokenCollision(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	_, _, err := store.CreateIfAbsent(ctx, candidate("g1", "LUNCH", "same"))
	require.NoError(t, err)
	_, _, err = store.CreateIfAbsent(ctx, candidate("g2", "LUNCH", "same"))
	require.ErrorIs(t, err, voucher.ErrTokenCollision)
}

func TestConcurrentCreateIfAbsentCreatesOnce(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	const workers = 32
	var wg sync.WaitGroup
	createdCount := make(chan struct{}, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, created, err := store.CreateIfAbsent(ctx, candidate("g1", "SNACK", uuid.NewString()))
			require.NoError(t, err)
			if created {
				createdCount <- struct{}{}
			}
		}(i)
	}
	wg.Wait()
	close(createdCount)
	require.Len(t, createdCount, 1)

	list, err := store.ListByGuest(ctx, "g1")
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestRedeemAtomicallyHasSingleWinner(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	_, _, err := store.CreateIfAbsent(ctx, candidate("g1", "BREAKFAST", "tok"))
	require.NoError(t, err)

	const attempts = 50
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []voucher.Voucher
		losers  []*voucher.AlreadyUsedError
	)
	start := make(chan struct{})
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			at := time.Date(2026, 1, 5, 9, 0, i, 0, time.UTC)
			v, err := store.RedeemAtomically(ctx, "tok", at)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				winners = append(winners, v)
				return
			}
			var used *voucher.AlreadyUsedError
			if errors.As(err, &used) {
				losers = append(losers, used)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	require.Len(t, winners, 1)
	require.Len(t, losers, attempts-1)
	winnerAt := *winners[0].RedeemedAt
	for _, l := range losers {
		require.NotNil(t, l.Voucher.RedeemedAt)
		require.True(t, winnerAt.Equal(*l.Voucher.RedeemedAt))
	}

	stored, err := store.GetByToken(ctx, "tok")
	require.NoError(t, err)
	require.Equal(t, voucher.StatusUsed, stored.Status)
	require.True(t, winnerAt.Equal(*stored.RedeemedAt))
}

func TestRedeemUnknownTokenDoesNotCreate(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	_, err := store.RedeemAtomically(ctx, "missing", time.Now())
	require.ErrorIs(t, err, voucher.ErrVoucherNotFound)
	_, err = store.GetByToken(ctx, "missing")
	require.ErrorIs(t, err, voucher.ErrVoucherNotFound)
}

func TestReturnedVouchersAreCopies(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	_, _, err := store.CreateIfAbsent(ctx, candidate("g1", "LUNCH", "tok"))
	require.NoError(t, err)

	redeemed, err := store.RedeemAtomically(ctx, "tok", time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	*redeemed.RedeemedAt = time.Time{}

	stored, err := store.GetByToken(ctx, "tok")
	require.NoError(t, err)
	require.False(t, stored.RedeemedAt.IsZero())
}

func TestStatsAndDailyRedemptions(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	for _, c := range []voucher.Voucher{
		candidate("g1", "BREAKFAST", "a"),
		candidate("g1", "LUNCH", "b"),
		candidate("g2", "BREAKFAST", "c"),
	} {
		_, _, err := store.CreateIfAbsent(ctx, c)
		require.NoError(t, err)
	}
	day := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	_, err := store.RedeemAtomically(ctx, "a", day.Add(8*time.Hour))
	require.NoError(t, err)
	_, err = store.RedeemAtomically(ctx, "c", day.Add(24*time.Hour+8*time.Hour))
	require.NoError(t, err)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, []voucher.MealStats{
		{MealType: "BREAKFAST", Issued: 2, Redeemed: 2},
		{MealType: "LUNCH", Issued: 1, Redeemed: 0},
	}, stats)

	daily, err := store.DailyRedemptions(ctx, day, day.Add(24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, []voucher.DailyRedemptions{{Day: day, MealType: "BREAKFAST", Count: 1}}, daily)
}

func TestEventLogNewestFirst(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	for i, topic := range []string{events.TopicVoucherIssued, events.TopicVoucherRedeemed, events.TopicVoucherIssued} {
		require.NoError(t, store.InsertEvent(ctx, events.Event{
			ID:          uuid.New(),
			Topic:       topic,
			AggregateID: "g1",
			OccurredAt:  time.Date(2026, 1, 5, 8, i, 0, 0, time.UTC),
		}))
	}

	all, err := store.ListEvents(ctx, events.ListFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, events.TopicVoucherIssued, all[0].Topic)
	require.True(t, all[0].OccurredAt.After(all[2].OccurredAt))

	issued, err := store.ListEvents(ctx, events.ListFilter{Topic: events.TopicVoucherIssued, Limit: 1})
	require.NoError(t, err)
	require.Len(t, issued, 1)
	require.Equal(t, all[0].ID, issued[0].ID)
}
