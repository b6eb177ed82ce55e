// Package analytics serves cached voucher usage statistics.
package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/noah-isme/mealpass/internal/voucher"
)

// Summary is the issued versus redeemed picture across meal types.
type Summary struct {
	MealTypes []voucher.MealStats `json:"meal_types"`
	Issued    int                 `json:"issued"`
	Redeemed  int                 `json:"redeemed"`
	Unused    int                 `json:"unused"`
}

// Service provides cached access to store aggregates.
type Service struct {
	Q            voucher.StatsReader
	R            *redis.Client
	TTL          time.Duration
	DefaultRange int
	Now          func() time.Time
}

func (s *Service) now() time.Time {
	if s != nil && s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func cacheKey(parts ...any) string {
	formatted := make([]string, 0, len(parts))
	for _, part := range parts {
		formatted = append(formatted, fmt.Sprint(part))
	}
	return strings.Join(formatted, ":")
}

// Summary returns per meal type counts plus totals.
func (s *Service) Summary(ctx context.Context) (Summary, error) {
	if s == nil || s.Q == nil {
		return Summary{}, fmt.Errorf("analytics service not configured")
	}
	key := cacheKey("an", "vouchers", "summary")
	var cached Summary
	if s.load(ctx, key, &cached) {
		return cached, nil
	}
	stats, err := s.Q.Stats(ctx)
	if err != nil {
		return Summary{}, err
	}
	out := Summary{MealTypes: stats}
	for _, st := range stats {
		out.Issued += st.Issued
		out.Redeemed += st.Redeemed
	}
	out.Unused = out.Issued - out.Redeemed
	s.store(ctx, key, out)
	return out, nil
}

// Redemptions returns daily redemption counts in [from, to).
func (s *Service) Redemptions(ctx context.Context, from, to time.Time) ([]voucher.DailyRedemptions, error) {
	if s == nil || s.Q == nil {
		return nil, fmt.Errorf("analytics service not configured")
	}
	key := cacheKey("an", "redemptions", from.UTC().Format(time.RFC3339), to.UTC().Format(time.RFC3339))
	var cached []voucher.DailyRedemptions
	if s.load(ctx, key, &cached) {
		return cached, nil
	}
	rows, err := s.Q.DailyRedemptions(ctx, from, to)
	if err != nil {
		return nil, err
	}
	s.store(ctx, key, rows)
	return rows, nil
}

// LastDays returns the [from, to) window covering the last days UTC days,
// today included.
func (s *Service) LastDays(days int) (time.Time, time.Time) {
	if days <= 0 {
		days = s.DefaultRange
	}
	if days <= 0 {
		days = 7
	}
	now := s.now().UTC()
	to := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	return to.AddDate(0, 0, -days), to
}

func (s *Service) load(ctx context.Context, key string, dst any) bool {
	if s.R == nil || s.TTL <= 0 {
		return false
	}
	data, err := s.R.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *Service) store(ctx context.Context, key string, value any) {
	if s.R == nil || s.TTL <= 0 {
		return
	}
	data, err := json.Marshal(value)
	if err != nil {
		return
	}
	_ = s.R.Set(ctx, key, data, s.TTL).Err()
}
