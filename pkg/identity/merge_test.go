package identity

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/placefolio/placefolio/pkg/catalog"
	"github.com/placefolio/placefolio/pkg/observability"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`
		CREATE TABLE users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			email TEXT NOT NULL,
			account_type TEXT NOT NULL DEFAULT 'local',
			display_name TEXT,
			role TEXT NOT NULL DEFAULT 'normal',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			UNIQUE (email, account_type)
		);

		CREATE TABLE profiles (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER,
			email TEXT NOT NULL,
			account_type TEXT NOT NULL DEFAULT 'local',
			display_name TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`)
	require.NoError(t, err)
	return db
}

func testMerger(t *testing.T, db *sql.DB) *Merger {
	t.Helper()
	logger := observability.NewLogger(observability.ErrorLevel, os.Stderr)
	return NewMerger(db, logger)
}

func addProfile(t *testing.T, db *sql.DB, email, accountType, displayName string) {
	t.Helper()
	_, err := db.Exec(
		`INSERT INTO profiles (email, account_type, display_name) VALUES ($1, $2, $3)`,
		email, accountType, displayName,
	)
	require.NoError(t, err)
}

func TestMerge_NormalizesAndDeduplicates(t *testing.T) {
	db := setupTestDB(t)
	merger := testMerger(t, db)
	ctx := context.Background()

	// Three spellings of one address collapse to one user.
	addProfile(t, db, "ana@example.com", "local", "Ana")
	addProfile(t, db, " Ana@Example.com ", "local", "Ana B")
	addProfile(t, db, "ANA@EXAMPLE.COM", "local", "")
	addProfile(t, db, "bo@example.com", "local", "Bo")

	result, err := merger.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.UsersCreated)
	assert.Equal(t, int64(4), result.ProfilesLinked)
	require.NoError(t, merger.Verify(ctx))

	store := NewStore(db)
	user, err := store.GetByEmail(ctx, "ANA@example.com ", "local")
	require.NoError(t, err)
	assert.Equal(t, "ana@example.com", user.Email)

	var linked int64
	require.NoError(t, db.QueryRow(
		`SELECT COUNT(*) FROM profiles WHERE user_id = $1`, user.ID,
	).Scan(&linked))
	assert.Equal(t, int64(3), linked)
}

func TestMerge_SameEmailDifferentProviderStaysSeparate(t *testing.T) {
	db := setupTestDB(t)
	merger := testMerger(t, db)
	ctx := context.Background()

	addProfile(t, db, "ana@example.com", "local", "Ana")
	addProfile(t, db, "ana@example.com", "google", "Ana")

	result, err := merger.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.UsersCreated)
	require.NoError(t, merger.Verify(ctx))
}

func TestMerge_LinksToExistingUsers(t *testing.T) {
	db := setupTestDB(t)
	merger := testMerger(t, db)
	ctx := context.Background()

	store := NewStore(db)
	require.NoError(t, store.Create(ctx, &User{Email: "ana@example.com", AccountType: "local"}))

	addProfile(t, db, "Ana@example.com", "local", "Ana")

	result, err := merger.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), result.UsersCreated, "no duplicate user for an existing pair")
	assert.Equal(t, int64(1), result.ProfilesLinked)
	require.NoError(t, merger.Verify(ctx))
}

func TestMerge_RerunIsIdempotent(t *testing.T) {
	db := setupTestDB(t)
	merger := testMerger(t, db)
	ctx := context.Background()

	addProfile(t, db, "ana@example.com", "local", "Ana")
	addProfile(t, db, "bo@example.com", "local", "Bo")

	_, err := merger.Run(ctx)
	require.NoError(t, err)

	again, err := merger.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), again.UsersCreated)
	assert.Equal(t, int64(0), again.ProfilesLinked)
	require.NoError(t, merger.Verify(ctx))

	var users int64
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM users`).Scan(&users))
	assert.Equal(t, int64(2), users)
}

func TestVerify_ReportsUnlinkedProfiles(t *testing.T) {
	db := setupTestDB(t)
	merger := testMerger(t, db)

	addProfile(t, db, "ana@example.com", "local", "Ana")

	err := merger.Verify(context.Background())
	assert.ErrorIs(t, err, catalog.ErrInvariant)
}

func TestStore_CreateNormalizesEmail(t *testing.T) {
	db := setupTestDB(t)
	store := NewStore(db)
	ctx := context.Background()

	user := &User{Email: " Ana@Example.COM ", AccountType: "local"}
	require.NoError(t, store.Create(ctx, user))
	assert.Equal(t, "ana@example.com", user.Email)
	assert.Equal(t, RoleNormal, user.Role)
}

func TestStore_SetRole(t *testing.T) {
	db := setupTestDB(t)
	store := NewStore(db)
	ctx := context.Background()

	user := &User{Email: "ana@example.com", AccountType: "local"}
	require.NoError(t, store.Create(ctx, user))

	require.NoError(t, store.SetRole(ctx, user.ID, RoleAdministrator))
	got, err := store.GetByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, RoleAdministrator, got.Role)

	assert.ErrorIs(t, store.SetRole(ctx, 404, RoleNormal), catalog.ErrNotFound)
}
