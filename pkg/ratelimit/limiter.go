package ratelimit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/placefolio/placefolio/pkg/catalog"
	"github.com/placefolio/placefolio/pkg/observability"
)

// Config tunes one limiter. A limiter counts attempts per
// (identifier, action) pair within a rolling window and blocks the
// pair once the budget is spent.
type Config struct {
	MaxAttempts   int
	Window        time.Duration
	BlockDuration time.Duration
}

// DefaultConfig returns the production limits for authentication
// endpoints.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:   5,
		Window:        15 * time.Minute,
		BlockDuration: time.Hour,
	}
}

// Status reports the state of one pair after an Increment or Check.
type Status struct {
	Attempts     int
	Remaining    int
	Blocked      bool
	BlockedUntil time.Time
}

// Limiter is a database-backed attempt counter. State lives in a
// single row per pair, mutated by one atomic upsert, so concurrent
// attempts against the same pair serialize in the database and never
// lose a count.
type Limiter struct {
	db     *sql.DB
	logger *observability.Logger
	config Config
}

// NewLimiter creates a limiter.
func NewLimiter(db *sql.DB, logger *observability.Logger, config Config) *Limiter {
	if config.MaxAttempts <= 0 {
		config = DefaultConfig()
	}
	return &Limiter{db: db, logger: logger, config: config}
}

// Increment records one attempt and returns the resulting status. A
// pair whose window has lapsed starts a fresh window at one attempt,
// though an unexpired block survives the reset; the attempt that
// exhausts the budget sets blocked_until. The whole
// transition runs as one statement, so two racing attempts both land
// and the later one sees the earlier one's count.
func (l *Limiter) Increment(ctx context.Context, identifier, action string) (Status, error) {
	now := time.Now().UTC()
	windowStart := now.Add(-l.config.Window)
	blockUntil := now.Add(l.config.BlockDuration)

	var attempts int
	var blockedUntil sql.NullTime
	err := l.db.QueryRowContext(ctx, `
		INSERT INTO auth_attempts (identifier, action, attempts, window_started_at, blocked_until, updated_at)
		VALUES ($1, $2, 1, $3, NULL, $3)
		ON CONFLICT (identifier, action) DO UPDATE SET
			attempts = CASE
				WHEN auth_attempts.window_started_at <= $4 THEN 1
				ELSE auth_attempts.attempts + 1
			END,
			window_started_at = CASE
				WHEN auth_attempts.window_started_at <= $4 THEN $3
				ELSE auth_attempts.window_started_at
			END,
			blocked_until = CASE
				WHEN auth_attempts.blocked_until IS NOT NULL AND auth_attempts.blocked_until > $3 THEN auth_attempts.blocked_until
				WHEN auth_attempts.window_started_at <= $4 THEN NULL
				WHEN auth_attempts.attempts + 1 >= $5 THEN $6
				ELSE auth_attempts.blocked_until
			END,
			updated_at = $3
		RETURNING attempts, blocked_until`,
		identifier, action, now, windowStart, l.config.MaxAttempts, blockUntil,
	).Scan(&attempts, &blockedUntil)
	if err != nil {
		return Status{}, fmt.Errorf("failed to record attempt: %w", catalog.MapError(err))
	}

	return l.status(attempts, blockedUntil, now), nil
}

// Check reports the pair's status without consuming an attempt. An
// unknown pair has the full budget.
func (l *Limiter) Check(ctx context.Context, identifier, action string) (Status, error) {
	now := time.Now().UTC()

	var attempts int
	var windowStartedAt time.Time
	var blockedUntil sql.NullTime
	err := l.db.QueryRowContext(ctx, `
		SELECT attempts, window_started_at, blocked_until
		FROM auth_attempts
		WHERE identifier = $1 AND action = $2`,
		identifier, action,
	).Scan(&attempts, &windowStartedAt, &blockedUntil)
	if errors.Is(err, sql.ErrNoRows) {
		return Status{Remaining: l.config.MaxAttempts}, nil
	}
	if err != nil {
		return Status{}, fmt.Errorf("failed to check attempts: %w", catalog.MapError(err))
	}

	// A lapsed window means the stored count no longer applies.
	if windowStartedAt.Before(now.Add(-l.config.Window)) && !(blockedUntil.Valid && blockedUntil.Time.After(now)) {
		return Status{Remaining: l.config.MaxAttempts}, nil
	}
	return l.status(attempts, blockedUntil, now), nil
}

// Reset clears the pair, typically after a successful authentication.
func (l *Limiter) Reset(ctx context.Context, identifier, action string) error {
	_, err := l.db.ExecContext(ctx, `
		DELETE FROM auth_attempts WHERE identifier = $1 AND action = $2`,
		identifier, action,
	)
	if err != nil {
		return fmt.Errorf("failed to reset attempts: %w", catalog.MapError(err))
	}
	return nil
}

// PurgeOlderThan removes rows untouched since the cutoff. Active
// blocks are kept regardless of age.
func (l *Limiter) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := l.db.ExecContext(ctx, `
		DELETE FROM auth_attempts
		WHERE updated_at < $1 AND (blocked_until IS NULL OR blocked_until < $2)`,
		cutoff.UTC(), time.Now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to purge attempts: %w", catalog.MapError(err))
	}
	purged, _ := result.RowsAffected()
	if l.logger != nil && purged > 0 {
		l.logger.WithField("purged", purged).Info("purged stale rate limit rows")
	}
	return purged, nil
}

func (l *Limiter) status(attempts int, blockedUntil sql.NullTime, now time.Time) Status {
	status := Status{Attempts: attempts}
	if remaining := l.config.MaxAttempts - attempts; remaining > 0 {
		status.Remaining = remaining
	}
	if blockedUntil.Valid && blockedUntil.Time.After(now) {
		status.Blocked = true
		status.BlockedUntil = blockedUntil.Time
	} else if attempts >= l.config.MaxAttempts {
		status.Blocked = true
	}
	return status
}
