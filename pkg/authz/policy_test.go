package authz

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

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
			updated_at TIMESTAMP NOT NULL
		);

		CREATE TABLE businesses (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			owner_id INTEGER NOT NULL,
			name TEXT NOT NULL,
			hidden INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);

		CREATE TABLE business_team_members (
			business_id INTEGER NOT NULL,
			user_id INTEGER NOT NULL,
			added_at TIMESTAMP NOT NULL,
			PRIMARY KEY (business_id, user_id)
		);

		CREATE TABLE reviews (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			business_id INTEGER,
			event_id INTEGER,
			author_id INTEGER,
			rating INTEGER NOT NULL,
			deleted INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);

		CREATE TABLE review_votes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			review_id INTEGER NOT NULL,
			voter_id INTEGER NOT NULL,
			created_at TIMESTAMP NOT NULL
		);

		CREATE TABLE business_images (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			business_id INTEGER NOT NULL,
			object_key TEXT NOT NULL,
			is_primary INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL
		);

		CREATE TABLE events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			source TEXT NOT NULL,
			external_id TEXT NOT NULL,
			title TEXT NOT NULL,
			hidden INTEGER NOT NULL DEFAULT 0,
			starts_at TIMESTAMP NOT NULL,
			ends_at TIMESTAMP NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);

		CREATE TABLE authz_denials (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			identity_id INTEGER,
			resource_type TEXT NOT NULL,
			resource_id INTEGER NOT NULL,
			operation TEXT NOT NULL,
			rule TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			denied_at TIMESTAMP NOT NULL
		);
	`)
	require.NoError(t, err)
	return db
}

type fixture struct {
	db         *sql.DB
	ownerID    int64
	teammateID int64
	adminID    int64
	readerID   int64
	businessID int64
}

func setupFixture(t *testing.T) fixture {
	t.Helper()
	db := setupTestDB(t)
	now := time.Now().UTC()

	insert := func(query string, args ...interface{}) int64 {
		result, err := db.Exec(query, args...)
		require.NoError(t, err)
		id, err := result.LastInsertId()
		require.NoError(t, err)
		return id
	}

	f := fixture{db: db}
	f.ownerID = insert(`INSERT INTO users (email, role, created_at, updated_at) VALUES ('owner@example.com', 'normal', $1, $1)`, now)
	f.teammateID = insert(`INSERT INTO users (email, role, created_at, updated_at) VALUES ('team@example.com', 'normal', $1, $1)`, now)
	f.adminID = insert(`INSERT INTO users (email, role, created_at, updated_at) VALUES ('admin@example.com', 'administrator', $1, $1)`, now)
	f.readerID = insert(`INSERT INTO users (email, role, created_at, updated_at) VALUES ('reader@example.com', 'normal', $1, $1)`, now)
	f.businessID = insert(`INSERT INTO businesses (owner_id, name, created_at, updated_at) VALUES ($1, 'Corner Cafe', $2, $2)`, f.ownerID, now)
	insert(`INSERT INTO business_team_members (business_id, user_id, added_at) VALUES ($1, $2, $3)`, f.businessID, f.teammateID, now)
	return f
}

func (f fixture) addReview(t *testing.T, authorID *int64, rating int) int64 {
	t.Helper()
	now := time.Now().UTC()
	var author sql.NullInt64
	if authorID != nil {
		author = sql.NullInt64{Int64: *authorID, Valid: true}
	}
	result, err := f.db.Exec(
		`INSERT INTO reviews (business_id, author_id, rating, created_at, updated_at) VALUES ($1, $2, $3, $4, $4)`,
		f.businessID, author, rating, now,
	)
	require.NoError(t, err)
	id, err := result.LastInsertId()
	require.NoError(t, err)
	return id
}

func newTestEvaluator(db *sql.DB) *Evaluator {
	logger := observability.NewLogger(observability.ErrorLevel, os.Stderr)
	return NewEvaluator(db, DefaultRules(), NewDenyLog(db), logger, nil)
}

func TestResolver_Relations(t *testing.T) {
	f := setupFixture(t)
	resolver := NewResolver(f.db)
	ctx := context.Background()
	businessRef := ResourceRef{Type: catalog.ResourceBusiness, ID: f.businessID}

	// Guests resolve to the empty set.
	set, err := resolver.Resolve(ctx, nil, businessRef)
	require.NoError(t, err)
	assert.Empty(t, set)

	set, err = resolver.Resolve(ctx, &f.ownerID, businessRef)
	require.NoError(t, err)
	assert.True(t, set.Has(RelationDirectOwner))
	assert.False(t, set.Has(RelationTeamMember))

	set, err = resolver.Resolve(ctx, &f.teammateID, businessRef)
	require.NoError(t, err)
	assert.True(t, set.Has(RelationTeamMember))
	assert.False(t, set.Has(RelationDirectOwner))

	set, err = resolver.Resolve(ctx, &f.adminID, businessRef)
	require.NoError(t, err)
	assert.True(t, set.Has(RelationAdministrator))

	set, err = resolver.Resolve(ctx, &f.readerID, businessRef)
	require.NoError(t, err)
	assert.Empty(t, set)
}

func TestResolver_ReviewAuthor(t *testing.T) {
	f := setupFixture(t)
	resolver := NewResolver(f.db)
	ctx := context.Background()

	reviewID := f.addReview(t, &f.readerID, 4)
	ref := ResourceRef{Type: catalog.ResourceReview, ID: reviewID}

	set, err := resolver.Resolve(ctx, &f.readerID, ref)
	require.NoError(t, err)
	assert.True(t, set.Has(RelationDirectOwner))

	// The business owner is not the review's direct owner, but team
	// membership on the parent business carries over.
	set, err = resolver.Resolve(ctx, &f.teammateID, ref)
	require.NoError(t, err)
	assert.False(t, set.Has(RelationDirectOwner))
	assert.True(t, set.Has(RelationTeamMember))
}

func TestEvaluator_BusinessUpdate(t *testing.T) {
	f := setupFixture(t)
	eval := newTestEvaluator(f.db)
	ctx := context.Background()

	req := Request{
		Resource:  ResourceRef{Type: catalog.ResourceBusiness, ID: f.businessID},
		Operation: OperationUpdate,
	}

	for _, tc := range []struct {
		name     string
		identity *int64
		allowed  bool
	}{
		{"owner", &f.ownerID, true},
		{"teammate", &f.teammateID, true},
		{"administrator", &f.adminID, true},
		{"unrelated identity", &f.readerID, false},
		{"guest", nil, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			req.IdentityID = tc.identity
			decision, err := eval.Authorize(ctx, req)
			require.NoError(t, err)
			assert.Equal(t, tc.allowed, decision.Allowed)
		})
	}
}

func TestEvaluator_ReviewUpdateIsAuthorOnly(t *testing.T) {
	f := setupFixture(t)
	eval := newTestEvaluator(f.db)
	ctx := context.Background()

	reviewID := f.addReview(t, &f.readerID, 2)
	req := Request{
		Resource:  ResourceRef{Type: catalog.ResourceReview, ID: reviewID},
		Operation: OperationUpdate,
	}

	req.IdentityID = &f.readerID
	decision, err := eval.Authorize(ctx, req)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)

	// Owning the parent business grants nothing over the review, and
	// the administrator role does not substitute either.
	for _, identity := range []*int64{&f.ownerID, &f.teammateID, &f.adminID, nil} {
		req.IdentityID = identity
		decision, err := eval.Authorize(ctx, req)
		require.NoError(t, err)
		assert.False(t, decision.Allowed)
	}
}

func TestEvaluator_GuestReviewCanNeverBeEdited(t *testing.T) {
	f := setupFixture(t)
	eval := newTestEvaluator(f.db)
	ctx := context.Background()

	// A guest review has no authoring identity; no identity matches it.
	reviewID := f.addReview(t, nil, 3)
	req := Request{
		Resource:  ResourceRef{Type: catalog.ResourceReview, ID: reviewID},
		Operation: OperationUpdate,
	}

	for _, identity := range []*int64{&f.ownerID, &f.adminID, &f.readerID, nil} {
		req.IdentityID = identity
		decision, err := eval.Authorize(ctx, req)
		require.NoError(t, err)
		assert.False(t, decision.Allowed)
	}
}

func TestEvaluator_ReviewCreate(t *testing.T) {
	f := setupFixture(t)
	eval := newTestEvaluator(f.db)
	ctx := context.Background()

	parent := ResourceRef{Type: catalog.ResourceBusiness, ID: f.businessID}

	// Guests may create reviews.
	decision, err := eval.Authorize(ctx, Request{
		Resource:  ResourceRef{Type: catalog.ResourceReview},
		Operation: OperationCreate,
		Parent:    &parent,
	})
	require.NoError(t, err)
	assert.True(t, decision.Allowed)

	// A signed-in creator records itself as the author.
	decision, err = eval.Authorize(ctx, Request{
		IdentityID:     &f.readerID,
		Resource:       ResourceRef{Type: catalog.ResourceReview},
		Operation:      OperationCreate,
		TargetAuthorID: &f.readerID,
		Parent:         &parent,
	})
	require.NoError(t, err)
	assert.True(t, decision.Allowed)

	// Recording someone else as the author is denied.
	decision, err = eval.Authorize(ctx, Request{
		IdentityID:     &f.readerID,
		Resource:       ResourceRef{Type: catalog.ResourceReview},
		Operation:      OperationCreate,
		TargetAuthorID: &f.ownerID,
		Parent:         &parent,
	})
	require.NoError(t, err)
	assert.False(t, decision.Allowed)

	// An absent parent business denies.
	absent := ResourceRef{Type: catalog.ResourceBusiness, ID: 9999}
	decision, err = eval.Authorize(ctx, Request{
		IdentityID: &f.readerID,
		Resource:   ResourceRef{Type: catalog.ResourceReview},
		Operation:  OperationCreate,
		Parent:     &absent,
	})
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
}

func TestEvaluator_HiddenBusinessVisibility(t *testing.T) {
	f := setupFixture(t)
	eval := newTestEvaluator(f.db)
	ctx := context.Background()

	_, err := f.db.Exec(`UPDATE businesses SET hidden = 1 WHERE id = $1`, f.businessID)
	require.NoError(t, err)

	req := Request{
		Resource:  ResourceRef{Type: catalog.ResourceBusiness, ID: f.businessID},
		Operation: OperationRead,
	}

	decision, err := eval.Authorize(ctx, req)
	require.NoError(t, err)
	assert.False(t, decision.Allowed, "guests must not see hidden businesses")

	req.IdentityID = &f.ownerID
	decision, err = eval.Authorize(ctx, req)
	require.NoError(t, err)
	assert.False(t, decision.Allowed, "hidden gates even the owner's public read")

	req.IdentityID = &f.adminID
	decision, err = eval.Authorize(ctx, req)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestEvaluator_DeletedReviewDenies(t *testing.T) {
	f := setupFixture(t)
	eval := newTestEvaluator(f.db)
	ctx := context.Background()

	reviewID := f.addReview(t, &f.readerID, 4)
	_, err := f.db.Exec(`UPDATE reviews SET deleted = 1 WHERE id = $1`, reviewID)
	require.NoError(t, err)

	decision, err := eval.Authorize(ctx, Request{
		IdentityID: &f.readerID,
		Resource:   ResourceRef{Type: catalog.ResourceReview, ID: reviewID},
		Operation:  OperationUpdate,
	})
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
}

func TestEvaluator_MissingRuleDenies(t *testing.T) {
	f := setupFixture(t)
	eval := newTestEvaluator(f.db)

	// Votes have no update rule.
	decision, err := eval.Authorize(context.Background(), Request{
		IdentityID: &f.adminID,
		Resource:   ResourceRef{Type: catalog.ResourceVote, ID: 1},
		Operation:  OperationUpdate,
	})
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, "default", decision.Rule)
}

func TestEvaluator_DenialsAreAudited(t *testing.T) {
	f := setupFixture(t)
	eval := newTestEvaluator(f.db)
	ctx := context.Background()

	_, err := eval.Authorize(ctx, Request{
		IdentityID: &f.readerID,
		Resource:   ResourceRef{Type: catalog.ResourceBusiness, ID: f.businessID},
		Operation:  OperationDelete,
	})
	require.NoError(t, err)

	denials, err := NewDenyLog(f.db).RecentDenials(ctx, f.readerID, 10)
	require.NoError(t, err)
	require.Len(t, denials, 1)
	assert.Equal(t, "business", denials[0].ResourceType)
	assert.Equal(t, "delete", denials[0].Operation)
	assert.NotEmpty(t, denials[0].Rule)
}

func TestEvaluator_FailsClosedOnStoreError(t *testing.T) {
	// No schema at all: every flag lookup fails.
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	defer db.Close()

	logger := observability.NewLogger(observability.ErrorLevel, os.Stderr)
	eval := NewEvaluator(db, DefaultRules(), nil, logger, nil)

	identity := int64(1)
	decision, err := eval.Authorize(context.Background(), Request{
		IdentityID: &identity,
		Resource:   ResourceRef{Type: catalog.ResourceBusiness, ID: 1},
		Operation:  OperationUpdate,
	})
	require.Error(t, err)
	assert.False(t, decision.Allowed, "a store failure must deny, never allow")
}
