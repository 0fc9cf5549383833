package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/placefolio/placefolio/pkg/observability"
)

// ImageStore persists business images and enforces the primary-image
// singleton: at most one image per business carries is_primary at any
// observable instant.
type ImageStore struct {
	db      *sql.DB
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewImageStore creates an image store.
func NewImageStore(db *sql.DB, logger *observability.Logger, metrics *observability.Metrics) *ImageStore {
	return &ImageStore{db: db, logger: logger, metrics: metrics}
}

// Create inserts an image. New images are never primary on insert;
// promotion goes through SetPrimary so the singleton invariant has a
// single write path.
func (s *ImageStore) Create(ctx context.Context, image *Image) error {
	now := time.Now().UTC()
	var createdBy sql.NullInt64
	if image.CreatedBy != nil {
		createdBy = sql.NullInt64{Int64: *image.CreatedBy, Valid: true}
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO business_images (business_id, object_key, caption, is_primary, created_by, created_at)
		VALUES ($1, $2, $3, FALSE, $4, $5)
		RETURNING id`,
		image.BusinessID, image.ObjectKey, image.Caption, createdBy, now,
	).Scan(&image.ID)
	if err != nil {
		return fmt.Errorf("failed to create image: %w", MapError(err))
	}
	image.IsPrimary = false
	image.CreatedAt = now
	return nil
}

// SetPrimary atomically makes the given image the business's primary.
// The clear and the set run as one unit inside a transaction that
// locks the group's rows (FOR UPDATE scoped to the business), so two
// competing writers serialize and exactly one ends up the winner; the
// loser's choice is simply superseded, not an error.
func (s *ImageStore) SetPrimary(ctx context.Context, businessID, imageID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", MapError(err))
	}
	defer tx.Rollback()

	// Lock every row in the singleton group. Conflicting writers block
	// here until the winner commits.
	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM business_images WHERE business_id = $1 FOR UPDATE`,
		businessID,
	)
	if err != nil {
		return fmt.Errorf("failed to lock image group: %w", MapError(err))
	}
	found := false
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan image id: %w", err)
		}
		if id == imageID {
			found = true
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to read image group: %w", MapError(err))
	}
	if !found {
		return fmt.Errorf("image %d in business %d: %w", imageID, businessID, ErrNotFound)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE business_images SET is_primary = FALSE
		WHERE business_id = $1 AND is_primary = TRUE`,
		businessID,
	); err != nil {
		return fmt.Errorf("failed to clear primary flag: %w", MapError(err))
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE business_images SET is_primary = TRUE
		WHERE id = $1`,
		imageID,
	); err != nil {
		return fmt.Errorf("failed to set primary flag: %w", MapError(err))
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit primary change: %w", MapError(err))
	}
	return nil
}

// GetPrimary returns the business's primary image, or ErrNotFound when
// none is set.
func (s *ImageStore) GetPrimary(ctx context.Context, businessID int64) (*Image, error) {
	var image Image
	var createdBy sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, business_id, object_key, caption, is_primary, created_by, created_at
		FROM business_images
		WHERE business_id = $1 AND is_primary = TRUE`,
		businessID,
	).Scan(&image.ID, &image.BusinessID, &image.ObjectKey, &image.Caption, &image.IsPrimary, &createdBy, &image.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("primary image for business %d: %w", businessID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get primary image: %w", MapError(err))
	}
	image.CreatedBy = fromNullID(createdBy)
	return &image, nil
}

// CheckSingleton verifies the invariant for one business and logs at
// the highest severity if it is broken. A violation means some write
// path bypassed SetPrimary; it is reported, never silently corrected.
func (s *ImageStore) CheckSingleton(ctx context.Context, businessID int64) error {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM business_images
		WHERE business_id = $1 AND is_primary = TRUE`,
		businessID,
	).Scan(&count)
	if err != nil {
		return fmt.Errorf("failed to check singleton: %w", MapError(err))
	}
	if count > 1 {
		if s.logger != nil {
			s.logger.WithFields(map[string]interface{}{
				"invariant":   "primary_image_singleton",
				"business_id": businessID,
				"holders":     count,
			}).Error("singleton invariant violated")
		}
		return fmt.Errorf("business %d has %d primary images: %w", businessID, count, ErrInvariant)
	}
	return nil
}

// Delete removes an image row.
func (s *ImageStore) Delete(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM business_images WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete image: %w", MapError(err))
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("image %d: %w", id, ErrNotFound)
	}
	return nil
}
