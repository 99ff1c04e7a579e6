package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorawan-server/lorawan-gateway/internal/models"
	"github.com/lorawan-server/lorawan-gateway/pkg/lorawan"
)

func switchEvent(at time.Time) *models.Event {
	e := models.NewEvent(models.EventTypeInterfaceSwitch, models.EventLevelWarning, "FAILOVER", "ethernet -> wifi")
	e.CreatedAt = at
	return e
}

func downlinkEvent(at time.Time, code string) *models.Event {
	e := models.NewEvent(models.EventTypeDownlink, models.EventLevelInfo, code, "downlink")
	e.CreatedAt = at
	return e
}

func TestMemoryStoreCreateAndGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(4)

	e := switchEvent(time.Now())
	require.NoError(t, s.CreateEvent(ctx, e))

	got, err := s.GetEvent(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, e.Code, got.Code)

	_, err = s.GetEvent(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, s.CreateEvent(ctx, &models.Event{}), ErrInvalidData)
}

func TestMemoryStoreAssignsIdentity(t *testing.T) {
	s := NewMemoryStore(0)
	e := &models.Event{Type: models.EventTypeReconnect, Level: models.EventLevelInfo}
	require.NoError(t, s.CreateEvent(context.Background(), e))
	assert.NotEqual(t, uuid.Nil, e.ID)
	assert.False(t, e.CreatedAt.IsZero())
}

func TestMemoryStoreEvictsOldest(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(3)
	base := time.Unix(1700000000, 0)

	var ids []uuid.UUID
	for i := 0; i < 5; i++ {
		e := downlinkEvent(base.Add(time.Duration(i)*time.Second), "")
		ids = append(ids, e.ID)
		require.NoError(t, s.CreateEvent(ctx, e))
	}

	assert.Equal(t, 3, s.Len())
	_, err := s.GetEvent(ctx, ids[1])
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetEvent(ctx, ids[2])
	assert.NoError(t, err)
}

func TestMemoryStoreList(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(16)
	base := time.Unix(1700000000, 0)

	require.NoError(t, s.CreateEvent(ctx, switchEvent(base)))
	require.NoError(t, s.CreateEvent(ctx, downlinkEvent(base.Add(time.Second), "")))
	require.NoError(t, s.CreateEvent(ctx, downlinkEvent(base.Add(2*time.Second), "TX_FAILED")))
	require.NoError(t, s.CreateEvent(ctx, switchEvent(base.Add(3*time.Second))))

	all, total, err := s.ListEvents(ctx, EventFilters{}, 10, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 4, total)
	require.Len(t, all, 4)
	assert.True(t, all[0].CreatedAt.After(all[3].CreatedAt), "newest first")

	typ := models.EventTypeDownlink
	dl, total, err := s.ListEvents(ctx, EventFilters{Type: &typ}, 10, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	assert.Equal(t, "TX_FAILED", dl[0].Code)

	page, total, err := s.ListEvents(ctx, EventFilters{}, 2, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 4, total)
	require.Len(t, page, 2)
	assert.Equal(t, "TX_FAILED", page[0].Code)

	since := base.Add(2 * time.Second)
	recent, _, err := s.ListEvents(ctx, EventFilters{Since: &since}, 0, 0)
	require.NoError(t, err)
	assert.Len(t, recent, 2)

	none, total, err := s.ListEvents(ctx, EventFilters{}, 10, 10)
	require.NoError(t, err)
	assert.Empty(t, none)
	assert.EqualValues(t, 4, total)
}

func TestJournalWritesAndFlushesOnClose(t *testing.T) {
	s := NewMemoryStore(128)
	j := NewJournal(s)

	for i := 0; i < 10; i++ {
		j.Record(downlinkEvent(time.Now(), ""))
	}
	require.NoError(t, j.Close())
	require.NoError(t, j.Close())

	assert.Equal(t, 10, s.Len())
	assert.EqualValues(t, 10, j.Written())
	assert.Zero(t, j.Dropped())
}

type blockingStore struct {
	*MemoryStore
	release chan struct{}
}

func (b *blockingStore) CreateEvent(ctx context.Context, e *models.Event) error {
	<-b.release
	return b.MemoryStore.CreateEvent(ctx, e)
}

func TestJournalDropsWhenBacklogFull(t *testing.T) {
	bs := &blockingStore{MemoryStore: NewMemoryStore(256), release: make(chan struct{})}
	j := NewJournal(bs)

	// one event may be held by the writer, the rest fill the backlog
	for i := 0; i < journalBacklog+10; i++ {
		j.Record(downlinkEvent(time.Now(), ""))
	}
	assert.GreaterOrEqual(t, j.Dropped(), uint64(9))

	close(bs.release)
	require.NoError(t, j.Close())
	assert.EqualValues(t, uint64(journalBacklog+10)-j.Dropped(), j.Written())
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()

	s, err := NewPostgresStore(ctx, dsn, 2)
	require.NoError(t, err)
	defer s.Close()

	eui := lorawan.EUI64{0xAA, 0xBB, 0xCC, 0xFF, 0xFE, 0xDD, 0xEE, 0xFF}
	e := downlinkEvent(time.Now().UTC().Truncate(time.Microsecond), "TX_PARAM_ERROR").With("size", 12)
	e.GatewayEUI = &eui
	require.NoError(t, s.CreateEvent(ctx, e))

	got, err := s.GetEvent(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, e.Code, got.Code)
	require.NotNil(t, got.GatewayEUI)
	assert.Equal(t, eui, *got.GatewayEUI)
	assert.EqualValues(t, 12, got.Details["size"])

	typ := models.EventTypeDownlink
	list, total, err := s.ListEvents(ctx, EventFilters{Type: &typ}, 5, 0)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, total, int64(1))
	assert.NotEmpty(t, list)

	_, err = s.GetEvent(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}
