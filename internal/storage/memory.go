package storage

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/lorawan-server/lorawan-gateway/internal/models"
)

// DefaultMemoryCapacity is the number of events a MemoryStore retains
const DefaultMemoryCapacity = 1024

// MemoryStore keeps the most recent events in process. It backs the
// journal when no database is configured.
type MemoryStore struct {
	mu       sync.RWMutex
	capacity int
	events   []*models.Event // oldest first
}

// NewMemoryStore creates a store holding up to capacity events
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &MemoryStore{capacity: capacity}
}

func (s *MemoryStore) CreateEvent(_ context.Context, event *models.Event) error {
	if err := prepare(event); err != nil {
		return err
	}

	cp := *event
	s.mu.Lock()
	if len(s.events) == s.capacity {
		copy(s.events, s.events[1:])
		s.events = s.events[:len(s.events)-1]
	}
	s.events = append(s.events, &cp)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) GetEvent(_ context.Context, id uuid.UUID) (*models.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.events {
		if e.ID == id {
			cp := *e
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListEvents(_ context.Context, filters EventFilters, limit, offset int) ([]*models.Event, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*models.Event
	for i := len(s.events) - 1; i >= 0; i-- {
		if filters.match(s.events[i]) {
			matched = append(matched, s.events[i])
		}
	}

	total := int64(len(matched))
	if offset >= len(matched) {
		return nil, total, nil
	}
	matched = matched[offset:]
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}

	out := make([]*models.Event, len(matched))
	for i, e := range matched {
		cp := *e
		out[i] = &cp
	}
	return out, total, nil
}

func (s *MemoryStore) Close() error { return nil }

// Len returns the number of retained events
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}
