package storage

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"

	"github.com/lorawan-server/lorawan-gateway/internal/models"
)

const (
	journalBacklog      = 64
	journalWriteTimeout = 5 * time.Second
)

// Journal writes events to an EventStore off the main loop. Record never
// blocks; events are dropped while the backlog is full.
type Journal struct {
	store   EventStore
	events  chan *models.Event
	dropped atomic.Uint64
	written atomic.Uint64

	closeOnce sync.Once
	done      chan struct{}
}

// NewJournal starts the writer goroutine
func NewJournal(store EventStore) *Journal {
	j := &Journal{
		store:  store,
		events: make(chan *models.Event, journalBacklog),
		done:   make(chan struct{}),
	}
	go j.run()
	return j
}

func (j *Journal) run() {
	defer close(j.done)
	for event := range j.events {
		ctx, cancel := context.WithTimeout(context.Background(), journalWriteTimeout)
		err := j.store.CreateEvent(ctx, event)
		cancel()
		if err != nil {
			log.Error().Err(err).Str("type", string(event.Type)).Msg("Failed to write event")
			continue
		}
		j.written.Inc()
	}
}

// Record queues an event for writing
func (j *Journal) Record(event *models.Event) {
	select {
	case j.events <- event:
	default:
		if j.dropped.Inc() == 1 {
			log.Warn().Str("type", string(event.Type)).Msg("Event journal backlog full, dropping events")
		}
	}
}

// Store returns the backing store for queries
func (j *Journal) Store() EventStore {
	return j.store
}

// Dropped returns how many events were discarded
func (j *Journal) Dropped() uint64 {
	return j.dropped.Load()
}

// Written returns how many events reached the store
func (j *Journal) Written() uint64 {
	return j.written.Load()
}

// Close flushes queued events and closes the store. Record must not be
// called afterwards.
func (j *Journal) Close() error {
	var err error
	j.closeOnce.Do(func() {
		close(j.events)
		<-j.done
		err = j.store.Close()
	})
	return err
}
