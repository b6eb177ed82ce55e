// Package sqlite implements the voucher store on an embedded SQLite file for
// single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	migrate "github.com/golang-migrate/migrate/v4"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/noah-isme/mealpass/internal/events"
	"github.com/noah-isme/mealpass/internal/voucher"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const defaultEventsLimit = 50

// Store persists vouchers in SQLite. Timestamps are stored as unix microseconds.
type Store struct {
	db *sql.DB
}

func toMicros(t time.Time) int64 {
	return t.UTC().UnixMicro()
}

func fromMicros(v int64) time.Time {
	return time.UnixMicro(v).UTC()
}

// Open opens the database at path and applies embedded migrations.
func Open(path string, migrateOnOpen bool) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if migrateOnOpen {
		if err := applyMigrations(db); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return &Store{db: db}, nil
}

func applyMigrations(db *sql.DB) error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}
	driver, err := sqlitemigrate.WithInstance(db, &sqlitemigrate.Config{})
	if err != nil {
		return fmt.Errorf("init migration driver: %w", err)
	}
	// m.Close would close db; only the source is released.
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	defer func() { _ = src.Close() }()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const voucherColumns = `id, token, guest_id, guest_name, meal_type, status, created_at, redeemed_at`

// CreateIfAbsent implements voucher.Store.
func (s *Store) CreateIfAbsent(ctx context.Context, c voucher.Voucher) (voucher.Voucher, bool, error) {
	if err := ctx.Err(); err != nil {
		return voucher.Voucher{}, false, err
	}
	createdAt := c.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	row := s.db.QueryRowContext(ctx, `INSERT INTO vouchers (id, token, guest_id, guest_name, meal_type, status, created_at)
VALUES (?, ?, ?, ?, ?, 'unused', ?)
ON CONFLICT (guest_id, meal_type) DO NOTHING
RETURNING `+voucherColumns,
		c.ID.String(), c.Token, c.GuestID, c.GuestName, string(c.MealType), toMicros(createdAt))
	v, err := scanVoucher(row)
	if err == nil {
		return v, true, nil
	}
	if isTokenViolation(err) {
		return voucher.Voucher{}, false, voucher.ErrTokenCollision
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return voucher.Voucher{}, false, fmt.Errorf("insert voucher: %w", err)
	}
	existing, err := scanVoucher(s.db.QueryRowContext(ctx,
		`SELECT `+voucherColumns+` FROM vouchers WHERE guest_id = ? AND meal_type = ?`,
		c.GuestID, string(c.MealType)))
	if err != nil {
		return voucher.Voucher{}, false, fmt.Errorf("load existing voucher: %w", err)
	}
	return existing, false, nil
}

// RedeemAtomically implements voucher.Store.
func (s *Store) RedeemAtomically(ctx context.Context, token string, at time.Time) (voucher.Voucher, error) {
	if err := ctx.Err(); err != nil {
		return voucher.Voucher{}, err
	}
	v, err := scanVoucher(s.db.QueryRowContext(ctx, `UPDATE vouchers
SET status = 'used', redeemed_at = ?
WHERE token = ? AND status = 'unused'
RETURNING `+voucherColumns, toMicros(at), token))
	if err == nil {
		return v, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
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
	return s.getOne(ctx, `SELECT `+voucherColumns+` FROM vouchers WHERE id = ?`, id.String())
}

// GetByToken implements voucher.Store.
func (s *Store) GetByToken(ctx context.Context, token string) (voucher.Voucher, error) {
	return s.getOne(ctx, `SELECT `+voucherColumns+` FROM vouchers WHERE token = ?`, token)
}

// ListByGuest implements voucher.Store.
func (s *Store) ListByGuest(ctx context.Context, guestID string) ([]voucher.Voucher, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+voucherColumns+` FROM vouchers WHERE guest_id = ? ORDER BY created_at, rowid`, guestID)
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
	return s.db.PingContext(ctx)
}

// Stats implements voucher.StatsReader.
func (s *Store) Stats(ctx context.Context) ([]voucher.MealStats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT meal_type, COUNT(*), SUM(CASE WHEN status = 'used' THEN 1 ELSE 0 END)
FROM vouchers GROUP BY meal_type ORDER BY meal_type`)
	if err != nil {
		return nil, fmt.Errorf("voucher stats: %w", err)
	}
	defer rows.Close()
	out := make([]voucher.MealStats, 0)
	for rows.Next() {
		var st voucher.MealStats
		var meal string
		if err := rows.Scan(&meal, &st.Issued, &st.Redeemed); err != nil {
			return nil, err
		}
		st.MealType = voucher.MealType(meal)
		out = append(out, st)
	}
	return out, rows.Err()
}

// DailyRedemptions implements voucher.StatsReader for redemptions in [from, to).
func (s *Store) DailyRedemptions(ctx context.Context, from, to time.Time) ([]voucher.DailyRedemptions, error) {
	const microsPerDay = int64(24 * time.Hour / time.Microsecond)
	rows, err := s.db.QueryContext(ctx, `SELECT (redeemed_at / ?) AS day, meal_type, COUNT(*)
FROM vouchers
WHERE redeemed_at >= ? AND redeemed_at < ?
GROUP BY day, meal_type
ORDER BY day, meal_type`, microsPerDay, toMicros(from), toMicros(to))
	if err != nil {
		return nil, fmt.Errorf("daily redemptions: %w", err)
	}
	defer rows.Close()
	out := make([]voucher.DailyRedemptions, 0)
	for rows.Next() {
		var (
			day   int64
			meal  string
			count int
		)
		if err := rows.Scan(&day, &meal, &count); err != nil {
			return nil, err
		}
		out = append(out, voucher.DailyRedemptions{
			Day:      fromMicros(day * microsPerDay),
			MealType: voucher.MealType(meal),
			Count:    count,
		})
	}
	return out, rows.Err()
}

// InsertEvent implements events.EventStore.
func (s *Store) InsertEvent(ctx context.Context, ev events.Event) error {
	payload := string(ev.Payload)
	if payload == "" {
		payload = "{}"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO voucher_events (id, topic, aggregate_id, payload, occurred_at) VALUES (?, ?, ?, ?, ?)`,
		ev.ID.String(), ev.Topic, ev.AggregateID, payload, toMicros(ev.OccurredAt))
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
	rows, err := s.db.QueryContext(ctx, `SELECT id, topic, aggregate_id, payload, occurred_at
FROM voucher_events
WHERE (? = '' OR topic = ?)
ORDER BY occurred_at DESC, rowid DESC
LIMIT ? OFFSET ?`, filter.Topic, filter.Topic, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()
	out := make([]events.Event, 0)
	for rows.Next() {
		var (
			id, payload string
			at          int64
			ev          events.Event
		)
		if err := rows.Scan(&id, &ev.Topic, &ev.AggregateID, &payload, &at); err != nil {
			return nil, err
		}
		parsed, err := uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("parse event id: %w", err)
		}
		ev.ID = parsed
		ev.Payload = []byte(payload)
		ev.OccurredAt = fromMicros(at)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *Store) getOne(ctx context.Context, query string, arg any) (voucher.Voucher, error) {
	v, err := scanVoucher(s.db.QueryRowContext(ctx, query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return voucher.Voucher{}, voucher.ErrVoucherNotFound
		}
		return voucher.Voucher{}, fmt.Errorf("get voucher: %w", err)
	}
	return v, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanVoucher(row scanner) (voucher.Voucher, error) {
	var (
		id, meal, status string
		createdAt        int64
		redeemedAt       sql.NullInt64
		v                voucher.Voucher
	)
	if err := row.Scan(&id, &v.Token, &v.GuestID, &v.GuestName, &meal, &status, &createdAt, &redeemedAt); err != nil {
		return voucher.Voucher{}, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return voucher.Voucher{}, fmt.Errorf("parse voucher id: %w", err)
	}
	v.ID = parsed
	v.MealType = voucher.MealType(meal)
	v.Status = voucher.Status(status)
	v.CreatedAt = fromMicros(createdAt)
	if redeemedAt.Valid {
		at := fromMicros(redeemedAt.Int64)
		v.RedeemedAt = &at
	}
	return v, nil
}

func isTokenViolation(err error) bool {
	if err == nil {
		return false
	}
	message := strings.ToLower(err.Error())
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code() == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE {
		return strings.Contains(message, "vouchers.token")
	}
	return strings.Contains(message, "unique constraint failed") && strings.Contains(message, "vouchers.token")
}

var (
	_ voucher.Store       = (*Store)(nil)
	_ voucher.StatsReader = (*Store)(nil)
	_ events.EventStore   = (*Store)(nil)
	_ events.EventReader  = (*Store)(nil)
)
