// Package postgres implements the voucher store on PostgreSQL through pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/noah-isme/mealpass/internal/events"
	"github.com/noah-isme/mealpass/internal/voucher"
)

const (
	uniqueViolation    = "23505"
	tokenConstraint    = "vouchers_token_key"
	defaultEventsLimit = 50
)

// DB is the subset of pgxpool.Pool used by the store.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
}

// Store persists vouchers and their events.
type Store struct {
	db DB
}

// New wraps db.
func New(db DB) *Store {
	return &Store{db: db}
}

const voucherColumns = `id, token, guest_id, guest_name, meal_type, status, created_at, redeemed_at`

const insertVoucherSQL = `INSERT INTO vouchers (id, token, guest_id, guest_name, meal_type, status, created_at)
VALUES ($1, $2, $3, $4, $5, 'unused', $6)
ON CONFLICT (guest_id, meal_type) DO NOTHING
RETURNING ` + voucherColumns

const redeemVoucherSQL = `UPDATE vouchers
SET status = 'used', redeemed_at = $2
WHERE token = $1 AND status = 'unused'
RETURNING ` + voucherColumns

// CreateIfAbsent implements voucher.Store.
func (s *Store) CreateIfAbsent(ctx context.Context, c voucher.Voucher) (voucher.Voucher, bool, error) {
	if s == nil || s.db == nil {
		return voucher.Voucher{}, false, errors.New("postgres store not configured")
	}
	createdAt := c.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	row := s.db.QueryRow(ctx, insertVoucherSQL,
		pgUUID(c.ID), c.Token, c.GuestID, c.GuestName, string(c.MealType),
		pgtype.Timestamptz{Time: createdAt.UTC(), Valid: true},
	)
	v, err := scanVoucher(row)
	if err == nil {
		return v, true, nil
	}
	if isTokenViolation(err) {
		return voucher.Voucher{}, false, voucher.ErrTokenCollision
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return voucher.Voucher{}, false, fmt.Errorf("insert voucher: %w", err)
	}
	existing, err := scanVoucher(s.db.QueryRow(ctx,
		`SELECT `+voucherColumns+` FROM vouchers WHERE guest_id = $1 AND meal_type = $2`,
		c.GuestID, string(c.MealType)))
	if err != nil {
		return voucher.Voucher{}, false, fmt.Errorf("load existing voucher: %w", err)
	}
	return existing, false, nil
}

// RedeemAtomically implements voucher.Store. The conditional UPDATE takes the
// row lock, so concurrent redemptions of one token serialise in the database.
func (s *Store) RedeemAtomically(ctx context.Context, token string, at time.Time) (voucher.Voucher, error) {
	if s == nil || s.db == nil {
		return voucher.Voucher{}, errors.New("postgres store not configured")
	}
	v, err := scanVoucher(s.db.QueryRow(ctx, redeemVoucherSQL, token, pgtype.Timestamptz{Time: at.UTC(), Valid: true}))
	if err == nil {
		return v, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return voucher.Voucher{}, fmt.Errorf("redeem voucher: %w", err)
	}
	current, err := s.GetByToken(ctx, token)
	if err != nil {
		return voucher.Voucher{}, err
	}
	if current.Used() {
		return voucher.Voucher{}, &voucher.AlreadyUsedError{Voucher: current}
	}
	return voucher.Voucher{}, fmt.Errorf("redeem voucher: token %s not updated", current.ID)
}

// Get implements voucher.Store.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (voucher.Voucher, error) {
	return s.getOne(ctx, `SELECT `+voucherColumns+` FROM vouchers WHERE id = $1`, pgUUID(id))
}

// GetByToken implements voucher.Store.
func (s *Store) GetByToken(ctx context.Context, token string) (voucher.Voucher, error) {
	return s.getOne(ctx, `SELECT `+voucherColumns+` FROM vouchers WHERE token = $1`, token)
}

// ListByGuest implements voucher.Store.
func (s *Store) ListByGuest(ctx context.Context, guestID string) ([]voucher.Voucher, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+voucherColumns+` FROM vouchers WHERE guest_id = $1 ORDER BY created_at, meal_type`, guestID)
	if err != nil {
		return nil, fmt.Errorf("list vouchers: %w", err)
	}
	defer rows.Close()
	out := make([]voucher.Voucher, 0)
	for rows.Next() {
		v, err := scanVoucher(rows)
		if err != nil {
			return nil, fmt.Errorf("scan voucher: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// Ping implements voucher.Store.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("postgres store not configured")
	}
	return s.db.Ping(ctx)
}

// Stats implements voucher.StatsReader.
func (s *Store) Stats(ctx context.Context) ([]voucher.MealStats, error) {
	rows, err := s.db.Query(ctx, `SELECT meal_type, COUNT(*), COUNT(*) FILTER (WHERE status = 'used')
FROM vouchers GROUP BY meal_type ORDER BY meal_type`)
	if err != nil {
		return nil, fmt.Errorf("voucher stats: %w", err)
	}
	defer rows.Close()
	out := make([]voucher.MealStats, 0)
	for rows.Next() {
		var (
			meal             string
			issued, redeemed int64
		)
		if err := rows.Scan(&meal, &issued, &redeemed); err != nil {
			return nil, err
		}
		out = append(out, voucher.MealStats{MealType: voucher.MealType(meal), Issued: int(issued), Redeemed: int(redeemed)})
	}
	return out, rows.Err()
}

// DailyRedemptions implements voucher.StatsReader for redemptions in [from, to).
func (s *Store) DailyRedemptions(ctx context.Context, from, to time.Time) ([]voucher.DailyRedemptions, error) {
	rows, err := s.db.Query(ctx, `SELECT date_trunc('day', redeemed_at AT TIME ZONE 'UTC') AS day, meal_type, COUNT(*)
FROM vouchers
WHERE redeemed_at >= $1 AND redeemed_at < $2
GROUP BY 1, 2
ORDER BY 1, 2`,
		pgtype.Timestamptz{Time: from.UTC(), Valid: true},
		pgtype.Timestamptz{Time: to.UTC(), Valid: true},
	)
	if err != nil {
		return nil, fmt.Errorf("daily redemptions: %w", err)
	}
	defer rows.Close()
	out := make([]voucher.DailyRedemptions, 0)
	for rows.Next() {
		var (
			day   pgtype.Timestamp
			meal  string
			count int64
		)
		if err := rows.Scan(&day, &meal, &count); err != nil {
			return nil, err
		}
		d := day.Time
		out = append(out, voucher.DailyRedemptions{
			Day:      time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC),
			MealType: voucher.MealType(meal),
			Count:    int(count),
		})
	}
	return out, rows.Err()
}

// InsertEvent implements events.EventStore.
func (s *Store) InsertEvent(ctx context.Context, ev events.Event) error {
	payload := []byte(ev.Payload)
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO voucher_events (id, topic, aggregate_id, payload, occurred_at) VALUES ($1, $2, $3, $4, $5)`,
		pgUUID(ev.ID), ev.Topic, ev.AggregateID, payload, pgtype.Timestamptz{Time: ev.OccurredAt.UTC(), Valid: true},
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// ListEvents implements events.EventReader.
func (s *Store) ListEvents(ctx context.Context, filter events.ListFilter) ([]events.Event, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultEventsLimit
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.Query(ctx, `SELECT id, topic, aggregate_id, payload, occurred_at
FROM voucher_events
WHERE ($1 = '' OR topic = $1)
ORDER BY occurred_at DESC, id DESC
LIMIT $2 OFFSET $3`, filter.Topic, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()
	out := make([]events.Event, 0)
	for rows.Next() {
		var (
			id      pgtype.UUID
			ev      events.Event
			payload []byte
			at      pgtype.Timestamptz
		)
		if err := rows.Scan(&id, &ev.Topic, &ev.AggregateID, &payload, &at); err != nil {
			return nil, err
		}
		ev.ID = uuid.UUID(id.Bytes)
		ev.Payload = payload
		ev.OccurredAt = at.Time.UTC()
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *Store) getOne(ctx context.Context, query string, arg any) (voucher.Voucher, error) {
	if s == nil || s.db == nil {
		return voucher.Voucher{}, errors.New("postgres store not configured")
	}
	v, err := scanVoucher(s.db.QueryRow(ctx, query, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return voucher.Voucher{}, voucher.ErrVoucherNotFound
		}
		return voucher.Voucher{}, fmt.Errorf("get voucher: %w", err)
	}
	return v, nil
}

func scanVoucher(row pgx.Row) (voucher.Voucher, error) {
	var (
		id         pgtype.UUID
		v          voucher.Voucher
		meal       string
		status     string
		createdAt  pgtype.Timestamptz
		redeemedAt pgtype.Timestamptz
	)
	if err := row.Scan(&id, &v.Token, &v.GuestID, &v.GuestName, &meal, &status, &createdAt, &redeemedAt); err != nil {
		return voucher.Voucher{}, err
	}
	v.ID = uuid.UUID(id.Bytes)
	v.MealType = voucher.MealType(meal)
	v.Status = voucher.Status(status)
	v.CreatedAt = createdAt.Time.UTC()
	if redeemedAt.Valid {
		at := redeemedAt.Time.UTC()
		v.RedeemedAt = &at
	}
	return v, nil
}

func isTokenViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == tokenConstraint
}

func pgUUID(id uuid.UUID) pgtype.UUID {
	return pgtype.UUID{Bytes: id, Valid: true}
}

var (
	_ voucher.Store       = (*Store)(nil)
	_ voucher.StatsReader = (*Store)(nil)
	_ events.EventStore   = (*Store)(nil)
	_ events.EventReader  = (*Store)(nil)
)
