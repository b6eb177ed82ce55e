// Package memory is an in-process voucher store for development and tests.
// State is lost on restart.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/mealpass/internal/events"
	"github.com/noah-isme/mealpass/internal/voucher"
)

type guestMeal struct {
	guestID  string
	mealType voucher.MealType
}

type record struct {
	mu sync.Mutex
	v  voucher.Voucher
}

func (r *record) snapshot() voucher.Voucher {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneVoucher(r.v)
}

var (
	_ voucher.Store      = (*Store)(nil)
	_ events.EventStore  = (*Store)(nil)
	_ events.EventReader = (*Store)(nil)
)

// Store keeps vouchers in maps and the event log in memory. The index lock is
// held only for lookups and inserts; the unused to used flip is guarded by the
// voucher's own mutex so redemptions of different tokens never contend.
type Store struct {
	*events.MemoryStore

	mu      sync.RWMutex
	byID    map[uuid.UUID]*record
	byToken map[string]*record
	byKey   map[guestMeal]*record
	byGuest map[string][]*record
}

// New returns an empty store.
func New() *Store {
	return &Store{
		MemoryStore: events.NewMemoryStore(),
		byID:        make(map[uuid.UUID]*record),
		byToken:     make(map[string]*record),
		byKey:       make(map[guestMeal]*record),
		byGuest:     make(map[string][]*record),
	}
}

// CreateIfAbsent implements voucher.Store.
func (s *Store) CreateIfAbsent(ctx context.Context, candidate voucher.Voucher) (voucher.Voucher, bool, error) {
	if err := ctx.Err(); err != nil {
		return voucher.Voucher{}, false, err
	}
	if candidate.ID == uuid.Nil || candidate.Token == "" || candidate.GuestID == "" || candidate.MealType == "" {
		return voucher.Voucher{}, false, errors.New("memory: incomplete voucher candidate")
	}
	key := guestMeal{guestID: candidate.GuestID, mealType: candidate.MealType}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.byKey[key]; ok {
		return existing.snapshot(), false, nil
	}
	if _, ok := s.byToken[candidate.Token]; ok {
		return voucher.Voucher{}, false, voucher.ErrTokenCollision
	}
	stored := cloneVoucher(candidate)
	stored.Status = voucher.StatusUnused
	stored.RedeemedAt = nil
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	rec := &record{v: stored}
	s.byID[stored.ID] = rec
	s.byToken[stored.Token] = rec
	s.byKey[key] = rec
	s.byGuest[stored.GuestID] = append(s.byGuest[stored.GuestID], rec)
	return cloneVoucher(stored), true, nil
}

// RedeemAtomically implements voucher.Store.
func (s *Store) RedeemAtomically(ctx context.Context, token string, at time.Time) (voucher.Voucher, error) {
	if err := ctx.Err(); err != nil {
		return voucher.Voucher{}, err
	}
	s.mu.RLock()
	rec, ok := s.byToken[token]
	s.mu.RUnlock()
	if !ok {
		return voucher.Voucher{}, voucher.ErrVoucherNotFound
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.v.Status == voucher.StatusUsed {
		return voucher.Voucher{}, &voucher.AlreadyUsedError{Voucher: cloneVoucher(rec.v)}
	}
	redeemedAt := at.UTC()
	rec.v.Status = voucher.StatusUsed
	rec.v.RedeemedAt = &redeemedAt
	return cloneVoucher(rec.v), nil
}

// Get implements voucher.Store.
func (s *Store) Get(_ context.Context, id uuid.UUID) (voucher.Voucher, error) {
	s.mu.RLock()
	rec, ok := s.byID[id]
	s.mu.RUnlock()
	if !ok {
		return voucher.Voucher{}, voucher.ErrVoucherNotFound
	}
	return rec.snapshot(), nil
}

// GetByToken implements voucher.Store.
func (s *Store) GetByToken(_ context.Context, token string) (voucher.Voucher, error) {
	s.mu.RLock()
	rec, ok := s.byToken[token]
	s.mu.RUnlock()
	if !ok {
		return voucher.Voucher{}, voucher.ErrVoucherNotFound
	}
	return rec.snapshot(), nil
}

// ListByGuest implements voucher.Store. Vouchers come back in creation order.
func (s *Store) ListByGuest(_ context.Context, guestID string) ([]voucher.Voucher, error) {
	s.mu.RLock()
	recs := append([]*record(nil), s.byGuest[guestID]...)
	s.mu.RUnlock()
	out := make([]voucher.Voucher, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.snapshot())
	}
	return out, nil
}

// Ping implements voucher.Store.
func (s *Store) Ping(context.Context) error { return nil }

// Stats implements voucher.StatsReader.
func (s *Store) Stats(context.Context) ([]voucher.MealStats, error) {
	byMeal := map[voucher.MealType]*voucher.MealStats{}
	for _, v := range s.all() {
		st, ok := byMeal[v.MealType]
		if !ok {
			st = &voucher.MealStats{MealType: v.MealType}
			byMeal[v.MealType] = st
		}
		st.Issued++
		if v.Used() {
			st.Redeemed++
		}
	}
	out := make([]voucher.MealStats, 0, len(byMeal))
	for _, st := range byMeal {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MealType < out[j].MealType })
	return out, nil
}

// DailyRedemptions implements voucher.StatsReader for redemptions in [from, to).
func (s *Store) DailyRedemptions(_ context.Context, from, to time.Time) ([]voucher.DailyRedemptions, error) {
	type dayMeal struct {
		day  time.Time
		meal voucher.MealType
	}
	counts := map[dayMeal]int{}
	for _, v := range s.all() {
		if v.RedeemedAt == nil {
			continue
		}
		at := v.RedeemedAt.UTC()
		if at.Before(from) || !at.Before(to) {
			continue
		}
		day := time.Date(at.Year(), at.Month(), at.Day(), 0, 0, 0, 0, time.UTC)
		counts[dayMeal{day: day, meal: v.MealType}]++
	}
	out := make([]voucher.DailyRedemptions, 0, len(counts))
	for k, n := range counts {
		out = append(out, voucher.DailyRedemptions{Day: k.day, MealType: k.meal, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Day.Equal(out[j].Day) {
			return out[i].Day.Before(out[j].Day)
		}
		return out[i].MealType < out[j].MealType
	})
	return out, nil
}

func (s *Store) all() []voucher.Voucher {
	s.mu.RLock()
	recs := make([]*record, 0, len(s.byID))
	for _, rec := range s.byID {
		recs = append(recs, rec)
	}
	s.mu.RUnlock()
	out := make([]voucher.Voucher, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.snapshot())
	}
	return out
}

func cloneVoucher(v voucher.Voucher) voucher.Voucher {
	if v.RedeemedAt != nil {
		at := *v.RedeemedAt
		v.RedeemedAt = &at
	}
	return v
}
