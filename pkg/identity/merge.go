package identity

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/placefolio/placefolio/pkg/catalog"
	"github.com/placefolio/placefolio/pkg/observability"
)

// Merger folds unlinked profiles into canonical users. Profiles arrive
// from external providers with free-form emails; the merge normalizes
// them, creates the missing users, and links every profile to exactly
// one user. The whole batch is idempotent: rerunning it against a
// merged database changes nothing.
type Merger struct {
	db     *sql.DB
	logger *observability.Logger
}

// MergeResult summarizes one batch run.
type MergeResult struct {
	UsersCreated   int64
	ProfilesLinked int64
}

// NewMerger creates a merger.
func NewMerger(db *sql.DB, logger *observability.Logger) *Merger {
	return &Merger{db: db, logger: logger}
}

// Run executes the merge batch in one transaction. Users are created
// from the distinct normalized (email, account_type) pairs of unlinked
// profiles; the conflict clause makes creation a no-op where the user
// already exists, which is what keeps the batch replayable.
func (m *Merger) Run(ctx context.Context) (MergeResult, error) {
	var result MergeResult

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("failed to begin merge: %w", catalog.MapError(err))
	}
	defer tx.Rollback()

	created, err := tx.ExecContext(ctx, `
		INSERT INTO users (email, account_type, display_name, role, created_at, updated_at)
		SELECT lower(trim(email)), account_type, MAX(display_name), 'normal', $1, $1
		FROM profiles
		WHERE user_id IS NULL
		GROUP BY lower(trim(email)), account_type
		ON CONFLICT (email, account_type) DO NOTHING`,
		time.Now().UTC(),
	)
	if err != nil {
		return result, fmt.Errorf("failed to create users from profiles: %w", catalog.MapError(err))
	}
	result.UsersCreated, _ = created.RowsAffected()

	linked, err := tx.ExecContext(ctx, `
		UPDATE profiles
		SET user_id = (
			SELECT u.id FROM users u
			WHERE u.email = lower(trim(profiles.email))
			AND u.account_type = profiles.account_type
		)
		WHERE user_id IS NULL`,
	)
	if err != nil {
		return result, fmt.Errorf("failed to link profiles: %w", catalog.MapError(err))
	}
	result.ProfilesLinked, _ = linked.RowsAffected()

	if err := tx.Commit(); err != nil {
		return result, fmt.Errorf("failed to commit merge: %w", catalog.MapError(err))
	}

	m.logger.WithFields(map[string]interface{}{
		"users_created":   result.UsersCreated,
		"profiles_linked": result.ProfilesLinked,
	}).Info("identity merge batch finished")
	return result, nil
}

// Verify checks the merge post-conditions: no profile remains
// unlinked, and no (email, account_type) pair maps to more than one
// user. A violation is reported, never repaired here.
func (m *Merger) Verify(ctx context.Context) error {
	var unlinked int64
	err := m.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM profiles WHERE user_id IS NULL`,
	).Scan(&unlinked)
	if err != nil {
		return fmt.Errorf("failed to count unlinked profiles: %w", catalog.MapError(err))
	}

	var duplicates int64
	err = m.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM (
			SELECT email, account_type FROM users
			GROUP BY email, account_type
			HAVING COUNT(*) > 1
		) d`,
	).Scan(&duplicates)
	if err != nil {
		return fmt.Errorf("failed to count duplicate users: %w", catalog.MapError(err))
	}

	if unlinked > 0 || duplicates > 0 {
		m.logger.WithFields(map[string]interface{}{
			"invariant":       "identity_merge",
			"unlinked":        unlinked,
			"duplicate_pairs": duplicates,
		}).Error("identity merge post-condition violated")
		return fmt.Errorf("merge left %d unlinked profiles and %d duplicate pairs: %w",
			unlinked, duplicates, catalog.ErrInvariant)
	}
	return nil
}
