package derived

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/placefolio/placefolio/pkg/catalog"
	"github.com/placefolio/placefolio/pkg/events"
	"github.com/placefolio/placefolio/pkg/observability"
)

// meaningfulBusinessFields are the columns whose change counts as
// activity. Bookkeeping and derived columns are deliberately absent so
// the engine's own writes can never feed back into a freshness bump.
var meaningfulBusinessFields = map[string]bool{
	"name":        true,
	"description": true,
	"address":     true,
	"phone":       true,
	"email":       true,
	"website":     true,
	"image":       true,
	"price_range": true,
	"verified":    true,
}

// Config tunes the engine's highly-rated detection.
type Config struct {
	// HighRatingThreshold is the average rating at which a business
	// counts as highly rated.
	HighRatingThreshold float64
	// HighRatingMinReviews is the minimum review count before the
	// threshold is considered at all.
	HighRatingMinReviews int64
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		HighRatingThreshold:  4.5,
		HighRatingMinReviews: 5,
	}
}

// Engine recomputes aggregate state in reaction to committed
// mutations. Every recomputation derives the aggregate from the
// authoritative child rows rather than applying deltas, so replaying
// the same event is harmless; that property is what makes at-least-once
// delivery of commit reactions safe.
//
// The engine is the only writer of business_stats and event_stats.
type Engine struct {
	db         *sql.DB
	dispatcher *events.Dispatcher
	logger     *observability.Logger
	config     Config
}

// NewEngine creates an engine. dispatcher is used only to emit
// business.highly_rated when a recompute crosses the threshold; it may
// be nil in tests.
func NewEngine(db *sql.DB, dispatcher *events.Dispatcher, logger *observability.Logger, config Config) *Engine {
	if config.HighRatingThreshold == 0 {
		config = DefaultConfig()
	}
	return &Engine{db: db, dispatcher: dispatcher, logger: logger, config: config}
}

// Name implements events.Handler.
func (e *Engine) Name() string { return "derived-state" }

// Handle implements events.Handler. Errors are returned for logging
// and metrics; the dispatcher never propagates them to the mutation's
// caller, and the reconciliation sweep repairs whatever a failed
// reaction missed.
func (e *Engine) Handle(ctx context.Context, ev events.Event) error {
	switch ev.Kind {
	case events.ReviewCreated, events.ReviewDeleted:
		return e.recomputeFor(ctx, ev.BusinessID, ev.EventID, ev.OccurredAt)

	case events.VoteCreated, events.VoteDeleted:
		if ev.ReviewID == nil {
			return nil
		}
		businessID, eventID, err := e.reviewParents(ctx, *ev.ReviewID)
		if err != nil {
			return err
		}
		return e.recomputeFor(ctx, businessID, eventID, ev.OccurredAt)

	case events.BusinessUpdated:
		if ev.BusinessID == nil {
			return nil
		}
		if !touchesMeaningfulFields(ev.ChangedFields) {
			return nil
		}
		return e.TouchBusiness(ctx, *ev.BusinessID, ev.OccurredAt)
	}
	return nil
}

func (e *Engine) recomputeFor(ctx context.Context, businessID, eventID *int64, activityAt time.Time) error {
	if businessID != nil {
		if err := e.RecomputeBusinessStats(ctx, *businessID, activityAt); err != nil {
			return err
		}
	}
	if eventID != nil {
		if err := e.RecomputeEventStats(ctx, *eventID, activityAt); err != nil {
			return err
		}
	}
	return nil
}

// RecomputeBusinessStats derives the business's aggregate row from its
// non-deleted reviews and their votes. activityAt joins the freshness
// computation through a monotone max, so replays cannot move
// last_activity_at backwards. When the recompute carries the average
// across the highly-rated threshold from below, a
// business.highly_rated event is emitted.
func (e *Engine) RecomputeBusinessStats(ctx context.Context, businessID int64, activityAt time.Time) error {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin recompute: %w", catalog.MapError(err))
	}
	defer tx.Rollback()

	var businessCreatedAt time.Time
	err = tx.QueryRowContext(ctx,
		`SELECT created_at FROM businesses WHERE id = $1`, businessID,
	).Scan(&businessCreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		// Business deleted since the event committed; the cascade took
		// the stats row with it.
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load business: %w", catalog.MapError(err))
	}

	var count int64
	var avg sql.NullFloat64
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*), AVG(rating)
		FROM reviews
		WHERE business_id = $1 AND deleted = FALSE`,
		businessID,
	).Scan(&count, &avg)
	if err != nil {
		return fmt.Errorf("failed to aggregate reviews: %w", catalog.MapError(err))
	}

	var helpful int64
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM review_votes v
		JOIN reviews r ON r.id = v.review_id
		WHERE r.business_id = $1 AND r.deleted = FALSE`,
		businessID,
	).Scan(&helpful)
	if err != nil {
		return fmt.Errorf("failed to aggregate votes: %w", catalog.MapError(err))
	}

	var latestReviewAt time.Time
	err = tx.QueryRowContext(ctx, `
		SELECT created_at FROM reviews
		WHERE business_id = $1 AND deleted = FALSE
		ORDER BY created_at DESC
		LIMIT 1`,
		businessID,
	).Scan(&latestReviewAt)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to find latest review: %w", catalog.MapError(err))
	}

	var prevCount int64
	var prevAvg float64
	var prevActivity time.Time
	hadStats := true
	err = tx.QueryRowContext(ctx, `
		SELECT review_count, average_rating, last_activity_at
		FROM business_stats WHERE business_id = $1`,
		businessID,
	).Scan(&prevCount, &prevAvg, &prevActivity)
	if errors.Is(err, sql.ErrNoRows) {
		hadStats = false
	} else if err != nil {
		return fmt.Errorf("failed to load stats: %w", catalog.MapError(err))
	}

	// last_activity_at = max(creation, meaningful update, latest child
	// review, this event). The max keeps replays idempotent.
	lastActivity := maxTime(businessCreatedAt, latestReviewAt, activityAt)
	if hadStats {
		lastActivity = maxTime(lastActivity, prevActivity)
	}

	now := time.Now().UTC()
	newAvg := avg.Float64
	_, err = tx.ExecContext(ctx, `
		INSERT INTO business_stats (business_id, review_count, average_rating, helpful_votes, last_activity_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (business_id) DO UPDATE SET
			review_count = EXCLUDED.review_count,
			average_rating = EXCLUDED.average_rating,
			helpful_votes = EXCLUDED.helpful_votes,
			last_activity_at = EXCLUDED.last_activity_at,
			updated_at = EXCLUDED.updated_at`,
		businessID, count, newAvg, helpful, lastActivity.UTC(), now,
	)
	if err != nil {
		return fmt.Errorf("failed to write stats: %w", catalog.MapError(err))
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit recompute: %w", catalog.MapError(err))
	}

	if e.crossedHighRating(hadStats, prevCount, prevAvg, count, newAvg) {
		ev := events.New(events.BusinessHighlyRated)
		ev.BusinessID = &businessID
		if e.dispatcher != nil {
			e.dispatcher.Dispatch(ctx, ev)
		}
	}
	return nil
}

// RecomputeEventStats mirrors RecomputeBusinessStats for reviews
// attached to events. Events carry no highly-rated notification.
func (e *Engine) RecomputeEventStats(ctx context.Context, eventID int64, activityAt time.Time) error {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin recompute: %w", catalog.MapError(err))
	}
	defer tx.Rollback()

	var eventCreatedAt time.Time
	err = tx.QueryRowContext(ctx,
		`SELECT created_at FROM events WHERE id = $1`, eventID,
	).Scan(&eventCreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load event: %w", catalog.MapError(err))
	}

	var count int64
	var avg sql.NullFloat64
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*), AVG(rating)
		FROM reviews
		WHERE event_id = $1 AND deleted = FALSE`,
		eventID,
	).Scan(&count, &avg)
	if err != nil {
		return fmt.Errorf("failed to aggregate reviews: %w", catalog.MapError(err))
	}

	var helpful int64
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM review_votes v
		JOIN reviews r ON r.id = v.review_id
		WHERE r.event_id = $1 AND r.deleted = FALSE`,
		eventID,
	).Scan(&helpful)
	if err != nil {
		return fmt.Errorf("failed to aggregate votes: %w", catalog.MapError(err))
	}

	var latestReviewAt time.Time
	err = tx.QueryRowContext(ctx, `
		SELECT created_at FROM reviews
		WHERE event_id = $1 AND deleted = FALSE
		ORDER BY created_at DESC
		LIMIT 1`,
		eventID,
	).Scan(&latestReviewAt)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to find latest review: %w", catalog.MapError(err))
	}

	var prevActivity time.Time
	err = tx.QueryRowContext(ctx,
		`SELECT last_activity_at FROM event_stats WHERE event_id = $1`, eventID,
	).Scan(&prevActivity)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to load stats: %w", catalog.MapError(err))
	}

	lastActivity := maxTime(eventCreatedAt, latestReviewAt, activityAt, prevActivity)

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO event_stats (event_id, review_count, average_rating, helpful_votes, last_activity_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (event_id) DO UPDATE SET
			review_count = EXCLUDED.review_count,
			average_rating = EXCLUDED.average_rating,
			helpful_votes = EXCLUDED.helpful_votes,
			last_activity_at = EXCLUDED.last_activity_at,
			updated_at = EXCLUDED.updated_at`,
		eventID, count, avg.Float64, helpful, lastActivity.UTC(), now,
	)
	if err != nil {
		return fmt.Errorf("failed to write stats: %w", catalog.MapError(err))
	}

	return tx.Commit()
}

// TouchBusiness bumps the business's freshness timestamp without
// recomputing counters. The max against the stored value keeps the
// operation idempotent under replay.
func (e *Engine) TouchBusiness(ctx context.Context, businessID int64, at time.Time) error {
	_, err := e.db.ExecContext(ctx, `
		INSERT INTO business_stats (business_id, review_count, average_rating, helpful_votes, last_activity_at, updated_at)
		VALUES ($1, 0, 0, 0, $2, $2)
		ON CONFLICT (business_id) DO UPDATE SET
			last_activity_at = CASE
				WHEN business_stats.last_activity_at > EXCLUDED.last_activity_at THEN business_stats.last_activity_at
				ELSE EXCLUDED.last_activity_at
			END,
			updated_at = EXCLUDED.updated_at`,
		businessID, at.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to touch business: %w", catalog.MapError(err))
	}
	return nil
}

// GetBusinessStats reads the aggregate row. Read-only access for every
// component other than the engine itself.
func (e *Engine) GetBusinessStats(ctx context.Context, businessID int64) (*catalog.BusinessStats, error) {
	var stats catalog.BusinessStats
	err := e.db.QueryRowContext(ctx, `
		SELECT business_id, review_count, average_rating, helpful_votes, last_activity_at, updated_at
		FROM business_stats WHERE business_id = $1`,
		businessID,
	).Scan(&stats.BusinessID, &stats.ReviewCount, &stats.AverageRating, &stats.HelpfulVotes, &stats.LastActivityAt, &stats.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("stats for business %d: %w", businessID, catalog.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", catalog.MapError(err))
	}
	return &stats, nil
}

// GetEventStats reads the aggregate row for an event.
func (e *Engine) GetEventStats(ctx context.Context, eventID int64) (*catalog.EventStats, error) {
	var stats catalog.EventStats
	err := e.db.QueryRowContext(ctx, `
		SELECT event_id, review_count, average_rating, helpful_votes, last_activity_at, updated_at
		FROM event_stats WHERE event_id = $1`,
		eventID,
	).Scan(&stats.EventID, &stats.ReviewCount, &stats.AverageRating, &stats.HelpfulVotes, &stats.LastActivityAt, &stats.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("stats for event %d: %w", eventID, catalog.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", catalog.MapError(err))
	}
	return &stats, nil
}

func (e *Engine) reviewParents(ctx context.Context, reviewID int64) (businessID, eventID *int64, err error) {
	var b, ev sql.NullInt64
	err = e.db.QueryRowContext(ctx,
		`SELECT business_id, event_id FROM reviews WHERE id = $1`, reviewID,
	).Scan(&b, &ev)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to resolve review parents: %w", catalog.MapError(err))
	}
	if b.Valid {
		businessID = &b.Int64
	}
	if ev.Valid {
		eventID = &ev.Int64
	}
	return businessID, eventID, nil
}

func (e *Engine) crossedHighRating(hadStats bool, prevCount int64, prevAvg float64, count int64, avg float64) bool {
	wasHigh := hadStats && prevCount >= e.config.HighRatingMinReviews && prevAvg >= e.config.HighRatingThreshold
	isHigh := count >= e.config.HighRatingMinReviews && avg >= e.config.HighRatingThreshold
	return isHigh && !wasHigh
}

// touchesMeaningfulFields reports whether any changed column belongs
// to the meaningful set.
func touchesMeaningfulFields(changed []string) bool {
	for _, field := range changed {
		if meaningfulBusinessFields[field] {
			return true
		}
	}
	return false
}

func maxTime(times ...time.Time) time.Time {
	var max time.Time
	for _, t := range times {
		if t.After(max) {
			max = t
		}
	}
	return max
}
