package authz

import (
	"github.com/placefolio/placefolio/pkg/catalog"
)

// Relation is one reason an identity may act on a resource. A request
// may hold several relations at once; policy rules are predicates over
// the resolved set.
type Relation string

const (
	RelationDirectOwner   Relation = "direct_owner"
	RelationTeamMember    Relation = "team_member"
	RelationAdministrator Relation = "administrator"
)

// RelationSet is the result of ownership resolution: the union of all
// relations that hold for (identity, resource). It is recomputed per
// request and never cached, since ownership can change between
// requests.
type RelationSet map[Relation]bool

// Has reports whether the relation holds.
func (s RelationSet) Has(r Relation) bool { return s[r] }

// HasAny reports whether at least one of the given relations holds.
func (s RelationSet) HasAny(relations ...Relation) bool {
	for _, r := range relations {
		if s[r] {
			return true
		}
	}
	return false
}

// Relations lists the members in a stable order for logging.
func (s RelationSet) Relations() []Relation {
	out := make([]Relation, 0, len(s))
	for _, r := range []Relation{RelationDirectOwner, RelationTeamMember, RelationAdministrator} {
		if s[r] {
			out = append(out, r)
		}
	}
	return out
}

// Operation is a capability being requested against a resource.
type Operation string

const (
	OperationCreate Operation = "create"
	OperationRead   Operation = "read"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// ResourceRef names a concrete resource. For create operations it
// refers to the parent the new resource will attach to (the business
// being reviewed, the business receiving an image).
type ResourceRef struct {
	Type catalog.ResourceType
	ID   int64
}

// Request is one authorization question.
type Request struct {
	// IdentityID is nil for guest callers.
	IdentityID *int64
	Resource   ResourceRef
	Operation  Operation

	// TargetAuthorID is the author the caller intends to record on a
	// resource it is creating. Only consulted for create operations.
	TargetAuthorID *int64

	// Parent names the resource the created resource will attach to
	// (the business being reviewed, the business receiving an image).
	// Only consulted for create operations; existence and ownership
	// checks run against it.
	Parent *ResourceRef
}

// Decision is the evaluator's answer. Reason is for audit logging
// only; callers surface DeniedMessage so a denial does not leak which
// ownership check failed.
type Decision struct {
	Allowed   bool
	Rule      string
	Relations RelationSet
	Reason    string
}

// DeniedMessage is the only denial text shown to callers.
const DeniedMessage = "not permitted"
