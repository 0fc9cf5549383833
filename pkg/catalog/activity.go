package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ActivityTracker records profile views and call-to-action clicks.
// These rows feed reporting only; they are not guarded resources and
// never trigger commit reactions.
type ActivityTracker struct {
	db *sql.DB
}

// NewActivityTracker creates an activity tracker.
func NewActivityTracker(db *sql.DB) *ActivityTracker {
	return &ActivityTracker{db: db}
}

// TrackProfileView records a profile page view.
func (t *ActivityTracker) TrackProfileView(ctx context.Context, view ProfileView) error {
	when := view.ViewedAt
	if when.IsZero() {
		when = time.Now().UTC()
	}
	_, err := t.db.ExecContext(ctx, `
		INSERT INTO profile_views (business_id, viewer_id, ip_address, user_agent, viewed_at)
		VALUES ($1, $2, $3, $4, $5)`,
		view.BusinessID, nullID(view.ViewerID),
		nullString(view.IPAddress), nullString(view.UserAgent), when,
	)
	if err != nil {
		return fmt.Errorf("failed to track profile view: %w", MapError(err))
	}
	return nil
}

// TrackCTAClick records a call-to-action click.
func (t *ActivityTracker) TrackCTAClick(ctx context.Context, click CTAClick) error {
	when := click.ClickedAt
	if when.IsZero() {
		when = time.Now().UTC()
	}
	_, err := t.db.ExecContext(ctx, `
		INSERT INTO cta_clicks (business_id, viewer_id, target, clicked_at)
		VALUES ($1, $2, $3, $4)`,
		click.BusinessID, nullID(click.ViewerID), click.Target, when,
	)
	if err != nil {
		return fmt.Errorf("failed to track cta click: %w", MapError(err))
	}
	return nil
}

// ViewCount returns profile views for a business since the given time.
func (t *ActivityTracker) ViewCount(ctx context.Context, businessID int64, since time.Time) (int64, error) {
	var count int64
	err := t.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM profile_views
		WHERE business_id = $1 AND viewed_at >= $2`,
		businessID, since.UTC(),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count views: %w", MapError(err))
	}
	return count, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
