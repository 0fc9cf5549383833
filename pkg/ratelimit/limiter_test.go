package ratelimit

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/placefolio/placefolio/pkg/observability"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`
		CREATE TABLE auth_attempts (
			identifier TEXT NOT NULL,
			action TEXT NOT NULL,
			attempts INTEGER NOT NULL,
			window_started_at TIMESTAMP NOT NULL,
			blocked_until TIMESTAMP,
			updated_at TIMESTAMP NOT NULL,
			PRIMARY KEY (identifier, action)
		);
	`)
	require.NoError(t, err)
	return db
}

func testLimiter(t *testing.T, db *sql.DB, config Config) *Limiter {
	t.Helper()
	logger := observability.NewLogger(observability.ErrorLevel, os.Stderr)
	return NewLimiter(db, logger, config)
}

func TestIncrement_CountsDownThenBlocks(t *testing.T) {
	db := setupTestDB(t)
	limiter := testLimiter(t, db, Config{MaxAttempts: 3, Window: 15 * time.Minute, BlockDuration: time.Hour})
	ctx := context.Background()

	first, err := limiter.Increment(ctx, "1.2.3.4", "login")
	require.NoError(t, err)
	assert.Equal(t, 1, first.Attempts)
	assert.Equal(t, 2, first.Remaining)
	assert.False(t, first.Blocked)

	second, err := limiter.Increment(ctx, "1.2.3.4", "login")
	require.NoError(t, err)
	assert.Equal(t, 2, second.Attempts)
	assert.False(t, second.Blocked)

	// The attempt that spends the last unit of budget sets the block.
	third, err := limiter.Increment(ctx, "1.2.3.4", "login")
	require.NoError(t, err)
	assert.Equal(t, 3, third.Attempts)
	assert.Equal(t, 0, third.Remaining)
	assert.True(t, third.Blocked)
	assert.False(t, third.BlockedUntil.IsZero())

	fourth, err := limiter.Increment(ctx, "1.2.3.4", "login")
	require.NoError(t, err)
	assert.True(t, fourth.Blocked)
}

func TestIncrement_PairsAreIndependent(t *testing.T) {
	db := setupTestDB(t)
	limiter := testLimiter(t, db, Config{MaxAttempts: 2, Window: 15 * time.Minute, BlockDuration: time.Hour})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := limiter.Increment(ctx, "1.2.3.4", "login")
		require.NoError(t, err)
	}

	// Same identifier, different action; different identifier, same action.
	status, err := limiter.Increment(ctx, "1.2.3.4", "password_reset")
	require.NoError(t, err)
	assert.False(t, status.Blocked)

	status, err = limiter.Increment(ctx, "5.6.7.8", "login")
	require.NoError(t, err)
	assert.False(t, status.Blocked)
}

func TestIncrement_LapsedWindowResets(t *testing.T) {
	db := setupTestDB(t)
	limiter := testLimiter(t, db, Config{MaxAttempts: 3, Window: 15 * time.Minute, BlockDuration: time.Hour})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := limiter.Increment(ctx, "1.2.3.4", "login")
		require.NoError(t, err)
	}

	// Age the row past the window, including its block.
	stale := time.Now().UTC().Add(-16 * time.Minute)
	_, err := db.Exec(
		`UPDATE auth_attempts SET window_started_at = $1, blocked_until = $1 WHERE identifier = '1.2.3.4'`,
		stale,
	)
	require.NoError(t, err)

	status, err := limiter.Increment(ctx, "1.2.3.4", "login")
	require.NoError(t, err)
	assert.Equal(t, 1, status.Attempts, "a lapsed window starts fresh")
	assert.False(t, status.Blocked)
}

func TestIncrement_ActiveBlockSurvivesLapsedWindow(t *testing.T) {
	db := setupTestDB(t)
	limiter := testLimiter(t, db, Config{MaxAttempts: 2, Window: 15 * time.Minute, BlockDuration: 2 * time.Hour})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := limiter.Increment(ctx, "1.2.3.4", "login")
		require.NoError(t, err)
	}

	// Age the window past its limit while the block is still live.
	stale := time.Now().UTC().Add(-16 * time.Minute)
	_, err := db.Exec(
		`UPDATE auth_attempts SET window_started_at = $1 WHERE identifier = '1.2.3.4'`, stale,
	)
	require.NoError(t, err)

	// The fresh window must not launder the block away.
	status, err := limiter.Increment(ctx, "1.2.3.4", "login")
	require.NoError(t, err)
	assert.Equal(t, 1, status.Attempts)
	assert.True(t, status.Blocked)
	assert.True(t, status.BlockedUntil.After(time.Now().UTC()))
}

func TestCheck_DoesNotConsume(t *testing.T) {
	db := setupTestDB(t)
	limiter := testLimiter(t, db, Config{MaxAttempts: 3, Window: 15 * time.Minute, BlockDuration: time.Hour})
	ctx := context.Background()

	// Unknown pair has the full budget.
	status, err := limiter.Check(ctx, "1.2.3.4", "login")
	require.NoError(t, err)
	assert.Equal(t, 0, status.Attempts)
	assert.Equal(t, 3, status.Remaining)

	_, err = limiter.Increment(ctx, "1.2.3.4", "login")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		status, err = limiter.Check(ctx, "1.2.3.4", "login")
		require.NoError(t, err)
	}
	assert.Equal(t, 1, status.Attempts, "checks never spend budget")
}

func TestCheck_LapsedWindowReportsFullBudget(t *testing.T) {
	db := setupTestDB(t)
	limiter := testLimiter(t, db, Config{MaxAttempts: 3, Window: 15 * time.Minute, BlockDuration: time.Hour})
	ctx := context.Background()

	_, err := limiter.Increment(ctx, "1.2.3.4", "login")
	require.NoError(t, err)

	stale := time.Now().UTC().Add(-16 * time.Minute)
	_, err = db.Exec(
		`UPDATE auth_attempts SET window_started_at = $1 WHERE identifier = '1.2.3.4'`, stale,
	)
	require.NoError(t, err)

	status, err := limiter.Check(ctx, "1.2.3.4", "login")
	require.NoError(t, err)
	assert.Equal(t, 3, status.Remaining)
	assert.False(t, status.Blocked)
}

func TestCheck_ActiveBlockOutlivesWindow(t *testing.T) {
	db := setupTestDB(t)
	limiter := testLimiter(t, db, Config{MaxAttempts: 2, Window: 15 * time.Minute, BlockDuration: 2 * time.Hour})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := limiter.Increment(ctx, "1.2.3.4", "login")
		require.NoError(t, err)
	}

	// Window lapsed but the block has not.
	stale := time.Now().UTC().Add(-16 * time.Minute)
	_, err := db.Exec(
		`UPDATE auth_attempts SET window_started_at = $1 WHERE identifier = '1.2.3.4'`, stale,
	)
	require.NoError(t, err)

	status, err := limiter.Check(ctx, "1.2.3.4", "login")
	require.NoError(t, err)
	assert.True(t, status.Blocked)
}

func TestReset(t *testing.T) {
	db := setupTestDB(t)
	limiter := testLimiter(t, db, Config{MaxAttempts: 2, Window: 15 * time.Minute, BlockDuration: time.Hour})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := limiter.Increment(ctx, "1.2.3.4", "login")
		require.NoError(t, err)
	}
	require.NoError(t, limiter.Reset(ctx, "1.2.3.4", "login"))

	status, err := limiter.Increment(ctx, "1.2.3.4", "login")
	require.NoError(t, err)
	assert.Equal(t, 1, status.Attempts)
	assert.False(t, status.Blocked)
}

func TestPurgeOlderThan_KeepsActiveBlocks(t *testing.T) {
	db := setupTestDB(t)
	limiter := testLimiter(t, db, Config{MaxAttempts: 5, Window: 15 * time.Minute, BlockDuration: time.Hour})
	ctx := context.Background()

	now := time.Now().UTC()
	old := now.Add(-48 * time.Hour)
	activeBlock := now.Add(time.Hour)

	_, err := db.Exec(`
		INSERT INTO auth_attempts (identifier, action, attempts, window_started_at, blocked_until, updated_at) VALUES
			('stale', 'login', 2, $1, NULL, $1),
			('expired-block', 'login', 5, $1, $1, $1),
			('active-block', 'login', 5, $1, $2, $1),
			('fresh', 'login', 1, $3, NULL, $3)`,
		old, activeBlock, now,
	)
	require.NoError(t, err)

	purged, err := limiter.PurgeOlderThan(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), purged)

	var kept []string
	rows, err := db.Query(`SELECT identifier FROM auth_attempts ORDER BY identifier`)
	require.NoError(t, err)
	defer rows.Close()
	for rows.Next() {
		var id string
		require.NoError(t, rows.Scan(&id))
		kept = append(kept, id)
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, []string{"active-block", "fresh"}, kept)
}
