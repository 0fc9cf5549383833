package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// EventStore persists external events. Rows arrive through the
// periodic ingestion job, which re-fetches the same feed every run, so
// writes are keyed on (source, external_id) and upserted.
type EventStore struct {
	db *sql.DB
}

// NewEventStore creates an event store.
func NewEventStore(db *sql.DB) *EventStore {
	return &EventStore{db: db}
}

// Upsert inserts or refreshes an event by its feed identity. Safe to
// replay: re-running the same feed converges to the same rows.
func (s *EventStore) Upsert(ctx context.Context, event *Event) error {
	now := time.Now().UTC()
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO events (source, external_id, business_id, title, description, venue, starts_at, ends_at, hidden, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		ON CONFLICT (source, external_id) DO UPDATE SET
			business_id = EXCLUDED.business_id,
			title = EXCLUDED.title,
			description = EXCLUDED.description,
			venue = EXCLUDED.venue,
			starts_at = EXCLUDED.starts_at,
			ends_at = EXCLUDED.ends_at,
			updated_at = EXCLUDED.updated_at
		RETURNING id, created_at`,
		event.Source, event.ExternalID, nullID(event.BusinessID),
		event.Title, event.Description, event.Venue,
		event.StartsAt.UTC(), event.EndsAt.UTC(), event.Hidden, now,
	).Scan(&event.ID, &event.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert event: %w", MapError(err))
	}
	event.UpdatedAt = now
	return nil
}

// GetByID retrieves an event.
func (s *EventStore) GetByID(ctx context.Context, id int64) (*Event, error) {
	var event Event
	var businessID sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, source, external_id, business_id, title, description, venue, starts_at, ends_at, hidden, created_at, updated_at
		FROM events
		WHERE id = $1`,
		id,
	).Scan(
		&event.ID, &event.Source, &event.ExternalID, &businessID,
		&event.Title, &event.Description, &event.Venue,
		&event.StartsAt, &event.EndsAt, &event.Hidden,
		&event.CreatedAt, &event.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("event %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", MapError(err))
	}
	event.BusinessID = fromNullID(businessID)
	return &event, nil
}

// ListUpcoming returns visible events starting after the given time.
func (s *EventStore) ListUpcoming(ctx context.Context, after time.Time, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source, external_id, business_id, title, description, venue, starts_at, ends_at, hidden, created_at, updated_at
		FROM events
		WHERE starts_at > $1 AND hidden = FALSE
		ORDER BY starts_at ASC
		LIMIT $2`,
		after.UTC(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", MapError(err))
	}
	defer rows.Close()

	var result []Event
	for rows.Next() {
		var event Event
		var businessID sql.NullInt64
		if err := rows.Scan(
			&event.ID, &event.Source, &event.ExternalID, &businessID,
			&event.Title, &event.Description, &event.Venue,
			&event.StartsAt, &event.EndsAt, &event.Hidden,
			&event.CreatedAt, &event.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		event.BusinessID = fromNullID(businessID)
		result = append(result, event)
	}
	return result, rows.Err()
}
