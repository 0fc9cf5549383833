package authz

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/placefolio/placefolio/pkg/catalog"
	"github.com/placefolio/placefolio/pkg/observability"
)

// Evaluator answers authorization questions by combining the ownership
// resolver's output with the declarative rule table and resource-local
// flags. It has no side effects beyond audit logging on deny.
type Evaluator struct {
	db       *sql.DB
	resolver *Resolver
	rules    RuleTable
	audit    *DenyLog
	logger   *observability.Logger
	metrics  *observability.Metrics
}

// NewEvaluator creates an evaluator. db may be a read replica; audit
// and metrics are optional.
func NewEvaluator(db *sql.DB, rules RuleTable, audit *DenyLog, logger *observability.Logger, metrics *observability.Metrics) *Evaluator {
	if rules == nil {
		rules = DefaultRules()
	}
	return &Evaluator{
		db:       db,
		resolver: NewResolver(db),
		rules:    rules,
		audit:    audit,
		logger:   logger,
		metrics:  metrics,
	}
}

// Resolver exposes the evaluator's ownership resolver for callers that
// need the raw relation set (the object-storage ownership predicate).
func (e *Evaluator) Resolver() *Resolver {
	return e.resolver
}

// resourceFlags are the resource-local inputs a rule may consult.
type resourceFlags struct {
	exists   bool
	hidden   bool
	authorID *int64
}

// Authorize decides one request. The store being unavailable yields a
// deny (fail closed) together with the transient error for logging; it
// never yields an allow.
func (e *Evaluator) Authorize(ctx context.Context, req Request) (Decision, error) {
	start := time.Now()
	decision, err := e.evaluate(ctx, req)
	if e.metrics != nil {
		e.metrics.ObserveAuthz(string(req.Resource.Type), string(req.Operation), decision.Allowed, time.Since(start))
	}
	if !decision.Allowed {
		e.recordDenial(ctx, req, decision)
	}
	return decision, err
}

func (e *Evaluator) evaluate(ctx context.Context, req Request) (Decision, error) {
	rule, ok := e.rules[RuleKey{req.Resource.Type, req.Operation}]
	if !ok {
		return deny("default", "no rule for operation"), nil
	}

	// For create operations the existence and ownership checks run
	// against the parent the new resource attaches to.
	checkRef := req.Resource
	if req.Operation == OperationCreate && req.Parent != nil {
		checkRef = *req.Parent
	}

	flags, err := e.flags(ctx, checkRef)
	if err != nil {
		return deny(rule.Name, "flag lookup failed"), fmt.Errorf("authorization failed closed: %w", err)
	}
	if !flags.exists && !(req.Operation == OperationCreate && req.Parent == nil) {
		// Absent resources deny like any other failed check, so a
		// denial does not reveal whether the resource exists.
		return deny(rule.Name, "resource absent"), nil
	}

	switch {
	case rule.Public:
		if !flags.hidden {
			return allow(rule.Name, nil), nil
		}
		// Hidden resources are visible to administrators only.
		relations, err := e.resolver.Resolve(ctx, req.IdentityID, checkRef)
		if err != nil {
			return deny(rule.Name, "resolver failed"), fmt.Errorf("authorization failed closed: %w", err)
		}
		if relations.Has(RelationAdministrator) {
			return allow(rule.Name, relations), nil
		}
		return deny(rule.Name, "hidden resource"), nil

	case rule.AuthorOnly:
		if req.IdentityID != nil && flags.authorID != nil && *req.IdentityID == *flags.authorID {
			return allow(rule.Name, RelationSet{RelationDirectOwner: true}), nil
		}
		return deny(rule.Name, "not the authoring identity"), nil

	case rule.Authenticated || rule.GuestCreate:
		if req.IdentityID == nil {
			if req.Operation == OperationCreate && rule.GuestCreate {
				return allow(rule.Name, nil), nil
			}
			return deny(rule.Name, "guest identity"), nil
		}
		if !rule.Authenticated {
			return deny(rule.Name, "rule grants guests only"), nil
		}
		// A creator may only record itself as the author.
		if req.Operation == OperationCreate && req.TargetAuthorID != nil && *req.TargetAuthorID != *req.IdentityID {
			return deny(rule.Name, "author mismatch"), nil
		}
		return allow(rule.Name, nil), nil

	case len(rule.AnyOf) > 0:
		relations, err := e.resolver.Resolve(ctx, req.IdentityID, checkRef)
		if err != nil {
			return deny(rule.Name, "resolver failed"), fmt.Errorf("authorization failed closed: %w", err)
		}
		if relations.HasAny(rule.AnyOf...) {
			return allow(rule.Name, relations), nil
		}
		return deny(rule.Name, "no granting relation"), nil
	}

	return deny(rule.Name, "rule grants nothing"), nil
}

// flags loads the resource-local rule inputs. An absent row is not an
// error; it reports exists=false and the rule denies.
func (e *Evaluator) flags(ctx context.Context, ref ResourceRef) (resourceFlags, error) {
	var f resourceFlags

	switch ref.Type {
	case catalog.ResourceBusiness:
		err := e.db.QueryRowContext(ctx,
			`SELECT hidden FROM businesses WHERE id = $1`, ref.ID,
		).Scan(&f.hidden)
		if errors.Is(err, sql.ErrNoRows) {
			return f, nil
		}
		if err != nil {
			return f, catalog.MapError(err)
		}
		f.exists = true

	case catalog.ResourceReview:
		var author sql.NullInt64
		var deleted bool
		err := e.db.QueryRowContext(ctx,
			`SELECT author_id, deleted FROM reviews WHERE id = $1`, ref.ID,
		).Scan(&author, &deleted)
		if errors.Is(err, sql.ErrNoRows) {
			return f, nil
		}
		if err != nil {
			return f, catalog.MapError(err)
		}
		f.exists = !deleted
		if author.Valid {
			f.authorID = &author.Int64
		}

	case catalog.ResourceEvent:
		err := e.db.QueryRowContext(ctx,
			`SELECT hidden FROM events WHERE id = $1`, ref.ID,
		).Scan(&f.hidden)
		if errors.Is(err, sql.ErrNoRows) {
			return f, nil
		}
		if err != nil {
			return f, catalog.MapError(err)
		}
		f.exists = true

	case catalog.ResourceImage:
		var one int
		err := e.db.QueryRowContext(ctx,
			`SELECT 1 FROM business_images WHERE id = $1`, ref.ID,
		).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return f, nil
		}
		if err != nil {
			return f, catalog.MapError(err)
		}
		f.exists = true

	case catalog.ResourceVote:
		var voter int64
		err := e.db.QueryRowContext(ctx,
			`SELECT voter_id FROM review_votes WHERE id = $1`, ref.ID,
		).Scan(&voter)
		if errors.Is(err, sql.ErrNoRows) {
			return f, nil
		}
		if err != nil {
			return f, catalog.MapError(err)
		}
		f.exists = true
		f.authorID = &voter

	default:
		return f, nil
	}

	return f, nil
}

func (e *Evaluator) recordDenial(ctx context.Context, req Request, decision Decision) {
	if e.audit == nil {
		return
	}
	if err := e.audit.Record(ctx, req, decision); err != nil && e.logger != nil {
		e.logger.WithError(err).Warn("failed to record authorization denial")
	}
}

func allow(rule string, relations RelationSet) Decision {
	return Decision{Allowed: true, Rule: rule, Relations: relations}
}

func deny(rule, reason string) Decision {
	return Decision{Allowed: false, Rule: rule, Reason: reason}
}
