package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/placefolio/placefolio/pkg/events"
)

// BusinessStore persists businesses and their team membership edges.
// Mutations emit committed-mutation events after the write is durable;
// authorization is the caller's job and happens before the write.
type BusinessStore struct {
	db         *sql.DB
	dispatcher *events.Dispatcher
}

// NewBusinessStore creates a business store. dispatcher may be nil
// when commit reactions are wired elsewhere (tests, backfills).
func NewBusinessStore(db *sql.DB, dispatcher *events.Dispatcher) *BusinessStore {
	return &BusinessStore{db: db, dispatcher: dispatcher}
}

// Create inserts a business owned by its creator.
func (s *BusinessStore) Create(ctx context.Context, b *Business) error {
	now := time.Now().UTC()
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO businesses (owner_id, name, description, address, phone, email, website, image_url, price_range, verified, hidden, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
		RETURNING id`,
		b.OwnerID, b.Name, b.Description, b.Address, b.Phone, b.Email,
		b.Website, b.ImageURL, b.PriceRange, b.Verified, b.Hidden, now,
	).Scan(&b.ID)
	if err != nil {
		return fmt.Errorf("failed to create business: %w", MapError(err))
	}

	b.CreatedAt = now
	b.UpdatedAt = now
	return nil
}

// GetByID retrieves a business.
func (s *BusinessStore) GetByID(ctx context.Context, id int64) (*Business, error) {
	var b Business
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, name, description, address, phone, email, website, image_url, price_range, verified, hidden, created_at, updated_at
		FROM businesses
		WHERE id = $1`,
		id,
	).Scan(
		&b.ID, &b.OwnerID, &b.Name, &b.Description, &b.Address, &b.Phone,
		&b.Email, &b.Website, &b.ImageURL, &b.PriceRange, &b.Verified,
		&b.Hidden, &b.CreatedAt, &b.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("business %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get business: %w", MapError(err))
	}
	return &b, nil
}

// Update writes the caller-settable fields and emits a
// business.updated event listing exactly which columns changed, so the
// derived-state engine can distinguish meaningful updates from
// bookkeeping without re-reading both versions.
func (s *BusinessStore) Update(ctx context.Context, actorID *int64, b *Business) error {
	old, err := s.GetByID(ctx, b.ID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE businesses
		SET name = $1, description = $2, address = $3, phone = $4, email = $5,
		    website = $6, image_url = $7, price_range = $8, verified = $9,
		    hidden = $10, updated_at = $11
		WHERE id = $12`,
		b.Name, b.Description, b.Address, b.Phone, b.Email, b.Website,
		b.ImageURL, b.PriceRange, b.Verified, b.Hidden, now, b.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update business: %w", MapError(err))
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("business %d: %w", b.ID, ErrNotFound)
	}
	b.UpdatedAt = now

	changed := changedBusinessFields(old, b)
	if len(changed) > 0 {
		ev := events.New(events.BusinessUpdated)
		ev.ActorID = actorID
		ev.BusinessID = &b.ID
		ev.ChangedFields = changed
		s.emit(ctx, ev)
	}
	return nil
}

// Delete removes a business and, through FK cascades, its reviews,
// images, votes and stats.
func (s *BusinessStore) Delete(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM businesses WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete business: %w", MapError(err))
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("business %d: %w", id, ErrNotFound)
	}
	return nil
}

// AddTeamMember adds an identity to the business team. Adding an
// existing member is a Conflict, which callers treat as a no-op.
func (s *BusinessStore) AddTeamMember(ctx context.Context, businessID, userID int64, addedBy *int64) error {
	var added sql.NullInt64
	if addedBy != nil {
		added = sql.NullInt64{Int64: *addedBy, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO business_team_members (business_id, user_id, added_by, added_at)
		VALUES ($1, $2, $3, $4)`,
		businessID, userID, added, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to add team member: %w", MapError(err))
	}
	return nil
}

// RemoveTeamMember removes an identity from the business team.
func (s *BusinessStore) RemoveTeamMember(ctx context.Context, businessID, userID int64) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM business_team_members WHERE business_id = $1 AND user_id = $2`,
		businessID, userID,
	)
	if err != nil {
		return fmt.Errorf("failed to remove team member: %w", MapError(err))
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("team membership: %w", ErrNotFound)
	}
	return nil
}

func (s *BusinessStore) emit(ctx context.Context, ev events.Event) {
	if s.dispatcher != nil {
		s.dispatcher.Dispatch(ctx, ev)
	}
}

// changedBusinessFields compares the caller-settable columns and names
// the ones that differ.
func changedBusinessFields(old, updated *Business) []string {
	var changed []string
	add := func(name string, differs bool) {
		if differs {
			changed = append(changed, name)
		}
	}
	add("name", old.Name != updated.Name)
	add("description", old.Description != updated.Description)
	add("address", old.Address != updated.Address)
	add("phone", old.Phone != updated.Phone)
	add("email", old.Email != updated.Email)
	add("website", old.Website != updated.Website)
	add("image", old.ImageURL != updated.ImageURL)
	add("price_range", old.PriceRange != updated.PriceRange)
	add("verified", old.Verified != updated.Verified)
	add("hidden", old.Hidden != updated.Hidden)
	return changed
}
