package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/placefolio/placefolio/pkg/events"
	"github.com/placefolio/placefolio/pkg/observability"
)

// VoteStore persists helpful votes. The (voter, review) pair is
// protected by a unique constraint, so pair uniqueness holds under
// concurrent writers without a check-then-act window: a duplicate
// insert surfaces as ErrConflict, which callers map to an idempotent
// "already voted" response.
type VoteStore struct {
	db         *sql.DB
	dispatcher *events.Dispatcher
	metrics    *observability.Metrics
}

// NewVoteStore creates a vote store.
func NewVoteStore(db *sql.DB, dispatcher *events.Dispatcher, metrics *observability.Metrics) *VoteStore {
	return &VoteStore{db: db, dispatcher: dispatcher, metrics: metrics}
}

// Create inserts a vote. Returns ErrConflict when this voter already
// voted on the review; the broader request must not abort on it.
func (s *VoteStore) Create(ctx context.Context, vote *Vote) error {
	now := time.Now().UTC()
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO review_votes (review_id, voter_id, created_at)
		VALUES ($1, $2, $3)
		RETURNING id`,
		vote.ReviewID, vote.VoterID, now,
	).Scan(&vote.ID)
	if err != nil {
		mapped := MapError(err)
		if errors.Is(mapped, ErrConflict) && s.metrics != nil {
			s.metrics.ConflictsTotal.WithLabelValues("review_votes_voter_review").Inc()
		}
		return fmt.Errorf("failed to create vote: %w", mapped)
	}
	vote.CreatedAt = now

	ev := events.New(events.VoteCreated)
	ev.ActorID = &vote.VoterID
	ev.VoteID = &vote.ID
	ev.ReviewID = &vote.ReviewID
	s.emit(ctx, ev)
	return nil
}

// Delete removes this voter's vote on a review. Deleting an absent
// vote returns ErrNotFound.
func (s *VoteStore) Delete(ctx context.Context, voterID, reviewID int64) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM review_votes WHERE voter_id = $1 AND review_id = $2`,
		voterID, reviewID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete vote: %w", MapError(err))
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("vote: %w", ErrNotFound)
	}

	ev := events.New(events.VoteDeleted)
	ev.ActorID = &voterID
	ev.ReviewID = &reviewID
	s.emit(ctx, ev)
	return nil
}

// CountForReview returns the number of votes on a review.
func (s *VoteStore) CountForReview(ctx context.Context, reviewID int64) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM review_votes WHERE review_id = $1`, reviewID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count votes: %w", MapError(err))
	}
	return count, nil
}

func (s *VoteStore) emit(ctx context.Context, ev events.Event) {
	if s.dispatcher != nil {
		s.dispatcher.Dispatch(ctx, ev)
	}
}
