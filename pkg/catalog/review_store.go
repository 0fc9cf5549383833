package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/placefolio/placefolio/pkg/events"
)

// ReviewStore persists reviews and replies. Review rows are soft
// deleted so aggregate recomputation can always derive stats from the
// authoritative set of non-deleted reviews.
type ReviewStore struct {
	db         *sql.DB
	dispatcher *events.Dispatcher
}

// NewReviewStore creates a review store.
func NewReviewStore(db *sql.DB, dispatcher *events.Dispatcher) *ReviewStore {
	return &ReviewStore{db: db, dispatcher: dispatcher}
}

// Create inserts a review and emits review.created once the insert is
// durable. Guest reviews have a nil AuthorID and carry the guest
// fields instead.
func (s *ReviewStore) Create(ctx context.Context, review *Review) error {
	if review.BusinessID == nil && review.EventID == nil {
		return fmt.Errorf("review must reference a business or an event: %w", ErrInvariant)
	}

	now := time.Now().UTC()
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO reviews (business_id, event_id, author_id, guest_name, guest_email, guest_ip, rating, title, body, deleted, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, FALSE, $10, $10)
		RETURNING id`,
		nullID(review.BusinessID), nullID(review.EventID), nullID(review.AuthorID),
		review.GuestName, review.GuestEmail, review.GuestIP,
		review.Rating, review.Title, review.Body, now,
	).Scan(&review.ID)
	if err != nil {
		return fmt.Errorf("failed to create review: %w", MapError(err))
	}
	review.CreatedAt = now
	review.UpdatedAt = now

	ev := events.New(events.ReviewCreated)
	ev.ActorID = review.AuthorID
	ev.ReviewID = &review.ID
	ev.BusinessID = review.BusinessID
	ev.EventID = review.EventID
	s.emit(ctx, ev)
	return nil
}

// GetByID retrieves a review, including soft-deleted rows when
// includeDeleted is set (used by moderation tooling).
func (s *ReviewStore) GetByID(ctx context.Context, id int64, includeDeleted bool) (*Review, error) {
	query := `
		SELECT id, business_id, event_id, author_id, guest_name, guest_email, guest_ip, rating, title, body, deleted, created_at, updated_at, deleted_at
		FROM reviews
		WHERE id = $1`
	if !includeDeleted {
		query += ` AND deleted = FALSE`
	}

	var review Review
	var businessID, eventID, authorID sql.NullInt64
	var deletedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&review.ID, &businessID, &eventID, &authorID,
		&review.GuestName, &review.GuestEmail, &review.GuestIP,
		&review.Rating, &review.Title, &review.Body, &review.Deleted,
		&review.CreatedAt, &review.UpdatedAt, &deletedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("review %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get review: %w", MapError(err))
	}

	review.BusinessID = fromNullID(businessID)
	review.EventID = fromNullID(eventID)
	review.AuthorID = fromNullID(authorID)
	if deletedAt.Valid {
		review.DeletedAt = &deletedAt.Time
	}
	return &review, nil
}

// Update rewrites the review content. The caller has already verified
// the requesting identity is the review's author.
func (s *ReviewStore) Update(ctx context.Context, review *Review) error {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE reviews
		SET rating = $1, title = $2, body = $3, updated_at = $4
		WHERE id = $5 AND deleted = FALSE`,
		review.Rating, review.Title, review.Body, now, review.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update review: %w", MapError(err))
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("review %d: %w", review.ID, ErrNotFound)
	}
	review.UpdatedAt = now

	// A rating edit changes the average the same way a create does;
	// the engine's full recompute covers both.
	ev := events.New(events.ReviewCreated)
	ev.ActorID = review.AuthorID
	ev.ReviewID = &review.ID
	ev.BusinessID = review.BusinessID
	ev.EventID = review.EventID
	s.emit(ctx, ev)
	return nil
}

// SoftDelete marks the review deleted and emits review.deleted. The
// row is kept so replies and audit history stay intact.
func (s *ReviewStore) SoftDelete(ctx context.Context, id int64, actorID *int64) error {
	review, err := s.GetByID(ctx, id, false)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE reviews SET deleted = TRUE, deleted_at = $1, updated_at = $1
		WHERE id = $2 AND deleted = FALSE`,
		now, id,
	)
	if err != nil {
		return fmt.Errorf("failed to delete review: %w", MapError(err))
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("review %d: %w", id, ErrNotFound)
	}

	ev := events.New(events.ReviewDeleted)
	ev.ActorID = actorID
	ev.ReviewID = &id
	ev.BusinessID = review.BusinessID
	ev.EventID = review.EventID
	s.emit(ctx, ev)
	return nil
}

// CreateReply inserts a reply to a review and emits
// review.reply_created for the notification fan-out.
func (s *ReviewStore) CreateReply(ctx context.Context, reply *Reply) error {
	review, err := s.GetByID(ctx, reply.ReviewID, false)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO review_replies (review_id, author_id, body, created_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id`,
		reply.ReviewID, reply.AuthorID, reply.Body, now,
	).Scan(&reply.ID)
	if err != nil {
		return fmt.Errorf("failed to create reply: %w", MapError(err))
	}
	reply.CreatedAt = now

	ev := events.New(events.ReplyCreated)
	ev.ActorID = &reply.AuthorID
	ev.ReplyID = &reply.ID
	ev.ReviewID = &reply.ReviewID
	ev.BusinessID = review.BusinessID
	ev.EventID = review.EventID
	s.emit(ctx, ev)
	return nil
}

// ListByBusiness returns the non-deleted reviews for a business,
// newest first.
func (s *ReviewStore) ListByBusiness(ctx context.Context, businessID int64, limit int) ([]Review, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, business_id, event_id, author_id, guest_name, guest_email, guest_ip, rating, title, body, deleted, created_at, updated_at, deleted_at
		FROM reviews
		WHERE business_id = $1 AND deleted = FALSE
		ORDER BY created_at DESC
		LIMIT $2`,
		businessID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list reviews: %w", MapError(err))
	}
	defer rows.Close()

	var reviews []Review
	for rows.Next() {
		var review Review
		var bID, eID, aID sql.NullInt64
		var deletedAt sql.NullTime
		if err := rows.Scan(
			&review.ID, &bID, &eID, &aID,
			&review.GuestName, &review.GuestEmail, &review.GuestIP,
			&review.Rating, &review.Title, &review.Body, &review.Deleted,
			&review.CreatedAt, &review.UpdatedAt, &deletedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan review: %w", err)
		}
		review.BusinessID = fromNullID(bID)
		review.EventID = fromNullID(eID)
		review.AuthorID = fromNullID(aID)
		if deletedAt.Valid {
			review.DeletedAt = &deletedAt.Time
		}
		reviews = append(reviews, review)
	}
	return reviews, rows.Err()
}

func (s *ReviewStore) emit(ctx context.Context, ev events.Event) {
	if s.dispatcher != nil {
		s.dispatcher.Dispatch(ctx, ev)
	}
}

func nullID(id *int64) sql.NullInt64 {
	if id == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *id, Valid: true}
}

func fromNullID(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}
