package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/lorawan-server/lorawan-gateway/internal/models"
	"github.com/lorawan-server/lorawan-gateway/pkg/lorawan"
)

const schema = `
CREATE TABLE IF NOT EXISTS gateway_events (
    id          UUID PRIMARY KEY,
    created_at  TIMESTAMPTZ NOT NULL,
    gateway_eui BYTEA,
    type        TEXT NOT NULL,
    level       TEXT NOT NULL,
    code        TEXT NOT NULL DEFAULT '',
    description TEXT NOT NULL DEFAULT '',
    details     JSONB
);
CREATE INDEX IF NOT EXISTS gateway_events_created_at_idx ON gateway_events (created_at DESC);
CREATE INDEX IF NOT EXISTS gateway_events_type_idx ON gateway_events (type);
`

const eventColumns = "id, created_at, gateway_eui, type, level, code, description, details"

// PostgresStore implements EventStore for PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens the database and creates the events table
func NewPostgresStore(ctx context.Context, dsn string, maxOpenConns int) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &PostgresStore{db: db}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the schema if missing
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// CreateEvent inserts an event
func (s *PostgresStore) CreateEvent(ctx context.Context, event *models.Event) error {
	if err := prepare(event); err != nil {
		return err
	}

	var eui []byte
	if event.GatewayEUI != nil {
		eui = event.GatewayEUI[:]
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO gateway_events (`+eventColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		event.ID, event.CreatedAt, eui, event.Type, event.Level,
		event.Code, event.Description, event.Details,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// GetEvent returns one event by ID
func (s *PostgresStore) GetEvent(ctx context.Context, id uuid.UUID) (*models.Event, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM gateway_events WHERE id = $1`, id)

	event, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return event, err
}

// ListEvents lists events newest first, with the total matching count
func (s *PostgresStore) ListEvents(ctx context.Context, filters EventFilters, limit, offset int) ([]*models.Event, int64, error) {
	where := []string{"1=1"}
	args := []interface{}{}

	if filters.Type != nil {
		args = append(args, *filters.Type)
		where = append(where, fmt.Sprintf("type = $%d", len(args)))
	}
	if filters.Level != nil {
		args = append(args, *filters.Level)
		where = append(where, fmt.Sprintf("level = $%d", len(args)))
	}
	if filters.Since != nil {
		args = append(args, *filters.Since)
		where = append(where, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	cond := strings.Join(where, " AND ")

	var count int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM gateway_events WHERE "+cond, args...).Scan(&count); err != nil {
		return nil, 0, fmt.Errorf("count events: %w", err)
	}

	args = append(args, limit, offset)
	query := fmt.Sprintf("SELECT %s FROM gateway_events WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d",
		eventColumns, cond, len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []*models.Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, 0, err
		}
		events = append(events, event)
	}
	return events, count, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row scanner) (*models.Event, error) {
	event := &models.Event{}
	var eui []byte

	err := row.Scan(&event.ID, &event.CreatedAt, &eui, &event.Type, &event.Level,
		&event.Code, &event.Description, &event.Details)
	if err != nil {
		return nil, err
	}

	if len(eui) == len(lorawan.EUI64{}) {
		event.GatewayEUI = &lorawan.EUI64{}
		copy(event.GatewayEUI[:], eui)
	}
	return event, nil
}
