package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/lorawan-server/lorawan-gateway/internal/models"
)

// Common errors
var (
	ErrNotFound    = errors.New("not found")
	ErrInvalidData = errors.New("invalid data")
)

// EventStore persists journal events
type EventStore interface {
	CreateEvent(ctx context.Context, event *models.Event) error
	GetEvent(ctx context.Context, id uuid.UUID) (*models.Event, error)
	ListEvents(ctx context.Context, filters EventFilters, limit, offset int) ([]*models.Event, int64, error)
	Close() error
}

// EventFilters narrows ListEvents. Nil fields match everything.
type EventFilters struct {
	Type  *models.EventType
	Level *models.EventLevel
	Since *time.Time
}

func (f EventFilters) match(e *models.Event) bool {
	if f.Type != nil && e.Type != *f.Type {
		return false
	}
	if f.Level != nil && e.Level != *f.Level {
		return false
	}
	if f.Since != nil && e.CreatedAt.Before(*f.Since) {
		return false
	}
	return true
}

// prepare assigns ID and timestamp when unset
func prepare(event *models.Event) error {
	if event == nil || event.Type == "" {
		return ErrInvalidData
	}
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	return nil
}
