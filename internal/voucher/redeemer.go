package voucher

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/mealpass/internal/events"
	"github.com/noah-isme/mealpass/internal/obs"
)

// Redemption is returned for a successful scan.
type Redemption struct {
	VoucherID  uuid.UUID `json:"voucher_id"`
	GuestID    string    `json:"guest_id"`
	GuestName  string    `json:"guest_name"`
	MealType   MealType  `json:"meal_type"`
	RedeemedAt time.Time `json:"redeemed_at"`
}

// Redeemer validates scanned tokens and consumes vouchers exactly once.
type Redeemer struct {
	Store  Store
	Events EventEmitter
	Now    func() time.Time
	Logger *zerolog.Logger
}

// Redeem consumes the voucher identified by raw. Concurrent calls with the same
// token see exactly one success; the rest get *AlreadyUsedError carrying the
// winning RedeemedAt.
func (r *Redeemer) Redeem(ctx context.Context, raw string) (Redemption, error) {
	if r == nil || r.Store == nil {
		return Redemption{}, errors.New("voucher redeemer not configured")
	}
	token, err := NormalizeToken(raw)
	if err != nil {
		obs.CountRedemption("invalid")
		return Redemption{}, err
	}
	at := r.now().UTC().Truncate(time.Microsecond)
	v, err := r.Store.RedeemAtomically(ctx, token, at)
	if err != nil {
		return Redemption{}, r.rejected(ctx, err)
	}
	if v.RedeemedAt != nil {
		at = v.RedeemedAt.UTC()
	}
	res := Redemption{
		VoucherID:  v.ID,
		GuestID:    v.GuestID,
		GuestName:  v.GuestName,
		MealType:   v.MealType,
		RedeemedAt: at,
	}
	obs.CountRedemption("success")
	r.emit(ctx, events.TopicVoucherRedeemed, v.ID.String(), res)
	r.logger(ctx).Info().
		Str("voucher_id", v.ID.String()).
		Str("guest_id", v.GuestID).
		Str("meal_type", string(v.MealType)).
		Msg("voucher_redeemed")
	return res, nil
}

// Preview reports the stored state of a token without consuming it.
func (r *Redeemer) Preview(ctx context.Context, raw string) (Voucher, error) {
	if r == nil || r.Store == nil {
		return Voucher{}, errors.New("voucher redeemer not configured")
	}
	token, err := NormalizeToken(raw)
	if err != nil {
		return Voucher{}, err
	}
	v, err := r.Store.GetByToken(ctx, token)
	if err != nil {
		if errors.Is(err, ErrVoucherNotFound) {
			return Voucher{}, err
		}
		return Voucher{}, DependencyError(ErrStoreUnavailable, err)
	}
	return v, nil
}

func (r *Redeemer) rejected(ctx context.Context, err error) error {
	var used *AlreadyUsedError
	switch {
	case errors.As(err, &used):
		obs.CountRedemption("already_used")
		payload := map[string]any{
			"reason":    "already_used",
			"guest_id":  used.Voucher.GuestID,
			"meal_type": used.Voucher.MealType,
		}
		if used.Voucher.RedeemedAt != nil {
			payload["redeemed_at"] = used.Voucher.RedeemedAt.UTC()
		}
		r.emit(ctx, events.TopicVoucherRedeemRejected, used.Voucher.ID.String(), payload)
		r.logger(ctx).Info().
			Str("voucher_id", used.Voucher.ID.String()).
			Str("guest_id", used.Voucher.GuestID).
			Msg("voucher_redeem_rejected")
		return err
	case errors.Is(err, ErrVoucherNotFound):
		obs.CountRedemption("not_found")
		return err
	default:
		obs.CountRedemption("error")
		r.logger(ctx).Error().Err(err).Msg("voucher_redeem_failed")
		return DependencyError(ErrStoreUnavailable, err)
	}
}

func (r *Redeemer) emit(ctx context.Context, topic, aggregateID string, payload any) {
	if r.Events == nil {
		return
	}
	if _, err := r.Events.Emit(ctx, topic, aggregateID, payload); err != nil {
		r.logger(ctx).Warn().Err(err).Str("topic", topic).Msg("event_emit_failed")
	}
}

func (r *Redeemer) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Redeemer) logger(ctx context.Context) *zerolog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return zerolog.Ctx(ctx)
}
