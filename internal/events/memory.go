package events

import (
	"context"
	"sync"
)

// MemoryStore keeps events in process. Used by the memory voucher backend and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	events []Event
}

// NewMemoryStore returns an empty in-memory event store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// InsertEvent implements EventStore.
func (m *MemoryStore) InsertEvent(_ context.Context, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

// ListEvents implements EventReader.
func (m *MemoryStore) ListEvents(_ context.Context, filter ListFilter) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Event, 0)
	skipped := 0
	for i := len(m.events) - 1; i >= 0; i-- {
		ev := m.events[i]
		if filter.Topic != "" && ev.Topic != filter.Topic {
			continue
		}
		if skipped < filter.Offset {
			skipped++
			continue
		}
		out = append(out, ev)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}
