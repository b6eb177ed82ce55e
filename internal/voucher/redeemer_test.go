package voucher_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/mealpass/internal/events"
	"github.com/noah-isme/mealpass/internal/storage/memory"
	"github.com/noah-isme/mealpass/internal/voucher"
)

type untouchableStore struct {
	voucher.Store
	t *testing.T
}

func (u untouchableStore) RedeemAtomically(context.Context, string, time.Time) (voucher.Voucher, error) {
	u.t.Fatal("store must not be called for invalid tokens")
	return voucher.Voucher{}, nil
}

func (u untouchableStore) GetByToken(context.Context, string) (voucher.Voucher, error) {
	u.t.Fatal("store must not be called for invalid tokens")
	return voucher.Voucher{}, nil
}

func issueFixture(t *testing.T, mealTypes ...voucher.MealType) (*memory.Store, map[voucher.MealType]voucher.Voucher) {
	t.Helper()
	store := memory.New()
	dir := &stubDirectory{guests: []voucher.Guest{{ID: "g1", Name: "Ana Ruiz", Active: true}}}
	issuer := newIssuer(store, dir)
	issuer.MealTypes = mealTypes
	iss, err := issuer.IssueFor(context.Background(), "g1")
	require.NoError(t, err)
	byMeal := make(map[voucher.MealType]voucher.Voucher, len(iss.Created))
	for _, v := range iss.Created {
		byMeal[v.MealType] = v
	}
	return store, byMeal
}

func TestRedeemBreakfastThenLunch(t *testing.T) {
	store, byMeal := issueFixture(t, "BREAKFAST", "LUNCH")
	clock := time.Date(2026, 1, 5, 8, 15, 0, 123456789, time.UTC)
	redeemer := &voucher.Redeemer{Store: store, Now: func() time.Time { return clock }}
	ctx := context.Background()

	res, err := redeemer.Redeem(ctx, byMeal["BREAKFAST"].Token)
	require.NoError(t, err)
	require.Equal(t, "Ana Ruiz", res.GuestName)
	require.Equal(t, voucher.MealType("BREAKFAST"), res.MealType)
	require.True(t, res.RedeemedAt.Equal(clock.Truncate(time.Microsecond)))

	clock = clock.Add(time.Hour)
	_, err = redeemer.Redeem(ctx, byMeal["BREAKFAST"].Token)
	var used *voucher.AlreadyUsedError
	require.ErrorAs(t, err, &used)
	require.ErrorIs(t, err, voucher.ErrAlreadyUsed)
	require.True(t, used.Voucher.RedeemedAt.Equal(res.RedeemedAt))

	lunch, err := redeemer.Redeem(ctx, byMeal["LUNCH"].Token)
	require.NoError(t, err)
	require.Equal(t, voucher.MealType("LUNCH"), lunch.MealType)
}

func TestRedeemConcurrentAttemptsHaveOneWinner(t *testing.T) {
	store, byMeal := issueFixture(t, "SNACK")
	token := byMeal["SNACK"].Token
	redeemer := &voucher.Redeemer{Store: store}

	const attempts = 64
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes []voucher.Redemption
		rejected  []*voucher.AlreadyUsedError
	)
	start := make(chan struct{})
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			res, err := redeemer.Redeem(context.Background(), token)
			mu.Lock()
			defer mu.Unlock()
			var used *voucher.AlreadyUsedError
			switch {
			case err == nil:
				successes = append(successes, res)
			case errors.As(err, &used):
				rejected = append(rejected, used)
			}
		}()
	}
	close(start)
	wg.Wait()

	require.Len(t, successes, 1)
	require.Len(t, rejected, attempts-1)
	stored, err := store.GetByToken(context.Background(), token)
	require.NoError(t, err)
	require.True(t, stored.RedeemedAt.Equal(successes[0].RedeemedAt))
	for _, r := range rejected {
		require.True(t, r.Voucher.RedeemedAt.Equal(successes[0].RedeemedAt))
	}
}

func TestRedeemUnknownTokenAndNoResurrection(t *testing.T) {
	store, byMeal := issueFixture(t, "LUNCH")
	redeemer := &voucher.Redeemer{Store: store}
	ctx := context.Background()

	_, err := redeemer.Redeem(ctx, uuid.NewString())
	require.ErrorIs(t, err, voucher.ErrVoucherNotFound)

	token := byMeal["LUNCH"].Token
	_, err = redeemer.Redeem(ctx, token)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err = redeemer.Redeem(ctx, token)
		require.ErrorIs(t, err, voucher.ErrAlreadyUsed)
	}
	stored, err := store.GetByToken(ctx, token)
	require.NoError(t, err)
	require.True(t, stored.Used())
}

func TestRedeemTrimsWhitespaceOnly(t *testing.T) {
	store, byMeal := issueFixture(t, "BREAKFAST")
	redeemer := &voucher.Redeemer{Store: store}
	token := byMeal["BREAKFAST"].Token

	_, err := redeemer.Redeem(context.Background(), strings.ToUpper(token)+"x")
	require.ErrorIs(t, err, voucher.ErrVoucherNotFound)

	_, err = redeemer.Redeem(context.Background(), "  "+token+"\r\n")
	require.NoError(t, err)
}

func TestRedeemRejectsInvalidTokensBeforeStore(t *testing.T) {
	redeemer := &voucher.Redeemer{Store: untouchableStore{t: t}}
	ctx := context.Background()

	for _, raw := range []string{"", "   \t", strings.Repeat("a", voucher.MaxTokenLength+1)} {
		_, err := redeemer.Redeem(ctx, raw)
		require.ErrorIs(t, err, voucher.ErrInvalidToken)
		_, err = redeemer.Preview(ctx, raw)
		require.ErrorIs(t, err, voucher.ErrInvalidToken)
	}
}

func TestPreviewDoesNotConsume(t *testing.T) {
	store, byMeal := issueFixture(t, "LUNCH")
	redeemer := &voucher.Redeemer{Store: store}
	token := byMeal["LUNCH"].Token

	v, err := redeemer.Preview(context.Background(), token)
	require.NoError(t, err)
	require.Equal(t, voucher.StatusUnused, v.Status)

	_, err = redeemer.Redeem(context.Background(), token)
	require.NoError(t, err)
	v, err = redeemer.Preview(context.Background(), token)
	require.NoError(t, err)
	require.True(t, v.Used())
}

func TestRedeemEmitsEvents(t *testing.T) {
	store, byMeal := issueFixture(t, "SNACK")
	redeemer := &voucher.Redeemer{Store: store, Events: &events.Bus{Store: store}}
	token := byMeal["SNACK"].Token
	ctx := context.Background()

	_, err := redeemer.Redeem(ctx, token)
	require.NoError(t, err)
	_, err = redeemer.Redeem(ctx, token)
	require.Error(t, err)

	redeemed, err := store.ListEvents(ctx, events.ListFilter{Topic: events.TopicVoucherRedeemed})
	require.NoError(t, err)
	require.Len(t, redeemed, 1)
	rejected, err := store.ListEvents(ctx, events.ListFilter{Topic: events.TopicVoucherRedeemRejected})
	require.NoError(t, err)
	require.Len(t, rejected, 1)
	require.Contains(t, string(rejected[0].Payload), "already_used")
}
