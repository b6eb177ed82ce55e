// Package directory adapts external guest registries to voucher.Directory.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/noah-isme/mealpass/internal/voucher"
)

// Static serves guests from memory. It backs development setups and tests.
type Static struct {
	mu     sync.RWMutex
	guests map[string]voucher.Guest
}

// NewStatic returns a directory holding guests.
func NewStatic(guests ...voucher.Guest) *Static {
	s := &Static{guests: make(map[string]voucher.Guest, len(guests))}
	for _, g := range guests {
		s.Put(g)
	}
	return s
}

// LoadStaticFile reads a JSON array of guests.
func LoadStaticFile(path string) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read guest file: %w", err)
	}
	var guests []voucher.Guest
	if err := json.Unmarshal(data, &guests); err != nil {
		return nil, fmt.Errorf("decode guest file: %w", err)
	}
	return NewStatic(guests...), nil
}

// Put adds or replaces a guest.
func (s *Static) Put(g voucher.Guest) {
	g.ID = strings.TrimSpace(g.ID)
	if g.ID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.guests[g.ID] = g
}

// Guest implements voucher.Directory.
func (s *Static) Guest(_ context.Context, id string) (voucher.Guest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.guests[id]
	if !ok {
		return voucher.Guest{}, voucher.ErrGuestNotFound
	}
	return g, nil
}

// Guests implements voucher.Directory. Guests are ordered by id.
func (s *Static) Guests(_ context.Context, activeOnly bool) ([]voucher.Guest, error) {
	s.mu.RLock()
	out := make([]voucher.Guest, 0, len(s.guests))
	for _, g := range s.guests {
		if activeOnly && !g.Active {
			continue
		}
		out = append(out, g)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
