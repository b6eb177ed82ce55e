package voucher

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/mealpass/internal/events"
)

// Store is the durable voucher repository. Implementations must make
// CreateIfAbsent and RedeemAtomically linearizable per (guest, meal type) and
// per token respectively, including across processes sharing the backend.
type Store interface {
	// CreateIfAbsent inserts candidate unless a voucher for the same guest and
	// meal type exists. It returns the stored voucher and whether it was created.
	// A token clash with another voucher yields ErrTokenCollision.
	CreateIfAbsent(ctx context.Context, candidate Voucher) (Voucher, bool, error)
	// RedeemAtomically flips an unused voucher to used at the given instant.
	// A used voucher yields *AlreadyUsedError; an unknown token ErrVoucherNotFound.
	RedeemAtomically(ctx context.Context, token string, at time.Time) (Voucher, error)
	Get(ctx context.Context, id uuid.UUID) (Voucher, error)
	GetByToken(ctx context.Context, token string) (Voucher, error)
	ListByGuest(ctx context.Context, guestID string) ([]Voucher, error)
	Ping(ctx context.Context) error
}

// StatsReader aggregates voucher counts for reporting.
type StatsReader interface {
	Stats(ctx context.Context) ([]MealStats, error)
	DailyRedemptions(ctx context.Context, from, to time.Time) ([]DailyRedemptions, error)
}

// Directory is the read-only view of the external guest registry.
type Directory interface {
	// Guest returns ErrGuestNotFound when no such guest exists. Any other
	// error means the directory could not be consulted.
	Guest(ctx context.Context, id string) (Guest, error)
	Guests(ctx context.Context, activeOnly bool) ([]Guest, error)
}

// EventEmitter records domain events.
type EventEmitter interface {
	Emit(ctx context.Context, topic, aggregateID string, payload any) (events.Event, error)
}

// BulkLocker guards bulk issuance runs against concurrent starts.
type BulkLocker interface {
	TryWithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) (bool, error)
}

// ImageRenderer turns voucher content into a scannable PNG.
type ImageRenderer interface {
	PNG(content string, size int) ([]byte, error)
}

// BulkEnqueuer schedules a bulk issuance run in the background.
type BulkEnqueuer interface {
	EnqueueBulkIssue(ctx context.Context) (string, error)
}
