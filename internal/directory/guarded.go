package directory

import (
	"context"
	"errors"

	"github.com/noah-isme/mealpass/internal/obs"
	"github.com/noah-isme/mealpass/internal/resilience"
	"github.com/noah-isme/mealpass/internal/voucher"
)

// Guarded puts a circuit breaker in front of a directory source. While the
// breaker is open calls fail fast with voucher.ErrDirectoryUnavailable.
type Guarded struct {
	Next    voucher.Directory
	Breaker *resilience.Breaker
	Source  string
}

// Guest implements voucher.Directory.
func (g Guarded) Guest(ctx context.Context, id string) (voucher.Guest, error) {
	if err := g.allow(ctx); err != nil {
		return voucher.Guest{}, err
	}
	guest, err := g.Next.Guest(ctx, id)
	return guest, g.report(ctx, err)
}

// Guests implements voucher.Directory.
func (g Guarded) Guests(ctx context.Context, activeOnly bool) ([]voucher.Guest, error) {
	if err := g.allow(ctx); err != nil {
		return nil, err
	}
	list, err := g.Next.Guests(ctx, activeOnly)
	return list, g.report(ctx, err)
}

func (g Guarded) allow(ctx context.Context) error {
	if g.Breaker == nil || g.Breaker.Allow(ctx) {
		return nil
	}
	obs.CountDirectoryLookup(g.source(), "open_circuit")
	return voucher.DependencyError(voucher.ErrDirectoryUnavailable, resilience.ErrOpenCircuit)
}

// report feeds the breaker. A missing guest is a healthy answer.
func (g Guarded) report(ctx context.Context, err error) error {
	switch {
	case err == nil:
		obs.CountDirectoryLookup(g.source(), "ok")
	case errors.Is(err, voucher.ErrGuestNotFound):
		obs.CountDirectoryLookup(g.source(), "not_found")
	default:
		obs.CountDirectoryLookup(g.source(), "error")
	}
	if g.Breaker != nil {
		g.Breaker.Report(ctx, err == nil || errors.Is(err, voucher.ErrGuestNotFound))
	}
	if err != nil && !errors.Is(err, voucher.ErrGuestNotFound) {
		return voucher.DependencyError(voucher.ErrDirectoryUnavailable, err)
	}
	return err
}

func (g Guarded) source() string {
	if g.Source == "" {
		return "directory"
	}
	return g.Source
}
