package derived

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweep_ConvergesCorruptedStats(t *testing.T) {
	db := setupTestDB(t)
	engine := testEngine(t, db)
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	businessID := seedBusiness(t, db, base)
	seedReview(t, db, businessID, 5, base)
	seedReview(t, db, businessID, 4, base.Add(time.Minute))

	// A lost reaction leaves the aggregate stale; fake that by writing
	// garbage directly.
	_, err := db.Exec(`
		INSERT INTO business_stats (business_id, review_count, average_rating, helpful_votes, last_activity_at, updated_at)
		VALUES ($1, 99, 1.0, 42, $2, $2)`,
		businessID, base,
	)
	require.NoError(t, err)

	sweeper := NewSweeper(db, engine, engine.logger, nil, 2)
	require.NoError(t, sweeper.Sweep(ctx))

	stats, err := engine.GetBusinessStats(ctx, businessID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.ReviewCount)
	assert.InDelta(t, 4.5, stats.AverageRating, 0.001)
	assert.Equal(t, int64(0), stats.HelpfulVotes)
}

func TestSweep_CreatesMissingStats(t *testing.T) {
	db := setupTestDB(t)
	engine := testEngine(t, db)
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	first := seedBusiness(t, db, base)
	second := seedBusiness(t, db, base.Add(time.Hour))
	seedReview(t, db, second, 3, base.Add(2*time.Hour))

	_, err := db.Exec(
		`INSERT INTO events (source, external_id, title, starts_at, ends_at, created_at, updated_at) VALUES ('cityfeed', 'evt-9', 'Fair', $1, $1, $1, $1)`,
		base,
	)
	require.NoError(t, err)

	sweeper := NewSweeper(db, engine, engine.logger, nil, 2)
	require.NoError(t, sweeper.Sweep(ctx))

	stats, err := engine.GetBusinessStats(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.ReviewCount)

	stats, err = engine.GetBusinessStats(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.ReviewCount)

	eventStats, err := engine.GetEventStats(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), eventStats.ReviewCount)
}

func TestSweep_IsRepeatable(t *testing.T) {
	db := setupTestDB(t)
	engine := testEngine(t, db)
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	businessID := seedBusiness(t, db, base)
	seedReview(t, db, businessID, 4, base)

	sweeper := NewSweeper(db, engine, engine.logger, nil, 1)
	require.NoError(t, sweeper.Sweep(ctx))
	first, err := engine.GetBusinessStats(ctx, businessID)
	require.NoError(t, err)

	require.NoError(t, sweeper.Sweep(ctx))
	second, err := engine.GetBusinessStats(ctx, businessID)
	require.NoError(t, err)

	assert.Equal(t, first.ReviewCount, second.ReviewCount)
	assert.Equal(t, first.AverageRating, second.AverageRating)
	assert.True(t, second.LastActivityAt.Equal(first.LastActivityAt))
}
