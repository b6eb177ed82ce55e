package voucher

import (
	"time"

	"github.com/google/uuid"
)

// Status is the redemption state of a voucher. The only transition is Unused to Used.
type Status string

const (
	StatusUnused Status = "unused"
	StatusUsed   Status = "used"
)

// Voucher is a single-use permission tied to one guest and one meal type.
type Voucher struct {
	ID         uuid.UUID  `json:"id"`
	Token      string     `json:"token"`
	GuestID    string     `json:"guest_id"`
	GuestName  string     `json:"guest_name"`
	MealType   MealType   `json:"meal_type"`
	Status     Status     `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	RedeemedAt *time.Time `json:"redeemed_at,omitempty"`
}

// Used reports whether the voucher has been redeemed.
func (v Voucher) Used() bool { return v.Status == StatusUsed }

// Guest is the read-only projection of a directory record.
type Guest struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ExternalRef string `json:"external_ref"`
	Email       string `json:"email,omitempty"`
	Active      bool   `json:"active"`
}

// MealStats summarises issued and redeemed vouchers for one meal type.
type MealStats struct {
	MealType MealType `json:"meal_type"`
	Issued   int      `json:"issued"`
	Redeemed int      `json:"redeemed"`
}

// DailyRedemptions counts redemptions of one meal type on one UTC day.
type DailyRedemptions struct {
	Day      time.Time `json:"day"`
	MealType MealType  `json:"meal_type"`
	Count    int       `json:"count"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
