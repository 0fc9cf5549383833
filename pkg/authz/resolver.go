package authz

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/placefolio/placefolio/pkg/catalog"
)

// Resolver computes the set of ownership relations holding between an
// identity and a resource. It is a pure read over current stored state
// and may run against a read replica.
type Resolver struct {
	db *sql.DB
}

// NewResolver creates a resolver over the given connection.
func NewResolver(db *sql.DB) *Resolver {
	return &Resolver{db: db}
}

// Resolve evaluates the three ownership checks independently and
// returns their union. A nil identity (guest) always resolves to the
// empty set, as does an absent resource; neither is an error.
func (r *Resolver) Resolve(ctx context.Context, identityID *int64, ref ResourceRef) (RelationSet, error) {
	set := make(RelationSet)
	if identityID == nil {
		return set, nil
	}

	owner, err := r.isDirectOwner(ctx, *identityID, ref)
	if err != nil {
		return nil, fmt.Errorf("owner check: %w", catalog.MapError(err))
	}
	if owner {
		set[RelationDirectOwner] = true
	}

	team, err := r.isTeamMember(ctx, *identityID, ref)
	if err != nil {
		return nil, fmt.Errorf("team membership check: %w", catalog.MapError(err))
	}
	if team {
		set[RelationTeamMember] = true
	}

	admin, err := r.isAdministrator(ctx, *identityID)
	if err != nil {
		return nil, fmt.Errorf("administrator check: %w", catalog.MapError(err))
	}
	if admin {
		set[RelationAdministrator] = true
	}

	return set, nil
}

// isDirectOwner checks the resource's own owner reference: the
// business owner, the review author, the image's business owner, the
// vote's voter. Events are system-owned and have no direct owner.
func (r *Resolver) isDirectOwner(ctx context.Context, identityID int64, ref ResourceRef) (bool, error) {
	var query string
	switch ref.Type {
	case catalog.ResourceBusiness:
		query = `SELECT EXISTS (SELECT 1 FROM businesses WHERE id = $1 AND owner_id = $2)`
	case catalog.ResourceReview:
		query = `SELECT EXISTS (SELECT 1 FROM reviews WHERE id = $1 AND author_id = $2)`
	case catalog.ResourceImage:
		query = `
			SELECT EXISTS (
				SELECT 1 FROM business_images i
				JOIN businesses b ON b.id = i.business_id
				WHERE i.id = $1 AND b.owner_id = $2
			)`
	case catalog.ResourceVote:
		query = `SELECT EXISTS (SELECT 1 FROM review_votes WHERE id = $1 AND voter_id = $2)`
	case catalog.ResourceEvent:
		return false, nil
	default:
		return false, nil
	}

	var exists bool
	if err := r.db.QueryRowContext(ctx, query, ref.ID, identityID).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// isTeamMember checks membership in the business the resource belongs
// to. Votes and events have no associated team.
func (r *Resolver) isTeamMember(ctx context.Context, identityID int64, ref ResourceRef) (bool, error) {
	var query string
	switch ref.Type {
	case catalog.ResourceBusiness:
		query = `
			SELECT EXISTS (
				SELECT 1 FROM business_team_members
				WHERE business_id = $1 AND user_id = $2
			)`
	case catalog.ResourceReview:
		query = `
			SELECT EXISTS (
				SELECT 1 FROM reviews r
				JOIN business_team_members m ON m.business_id = r.business_id
				WHERE r.id = $1 AND m.user_id = $2
			)`
	case catalog.ResourceImage:
		query = `
			SELECT EXISTS (
				SELECT 1 FROM business_images i
				JOIN business_team_members m ON m.business_id = i.business_id
				WHERE i.id = $1 AND m.user_id = $2
			)`
	default:
		return false, nil
	}

	var exists bool
	if err := r.db.QueryRowContext(ctx, query, ref.ID, identityID).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

func (r *Resolver) isAdministrator(ctx context.Context, identityID int64) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM users WHERE id = $1 AND role = 'administrator')`,
		identityID,
	).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}
