// Package authz decides, for every mutation request, whether the
// requesting identity holds the capability to perform it against a
// specific resource.
//
// Two layers compose the answer. The Resolver evaluates three
// independent ownership checks (direct owner, team membership,
// administrator role) and returns their union as a RelationSet; the
// result is recomputed per request, never cached. The Evaluator then
// applies a declarative rule table keyed by (resource type, operation)
// whose rules are predicates over the relation set plus resource-local
// flags (hidden visibility, guest authorship, the authoring identity).
//
// Denials are audited with the matched rule and internal reason, but
// callers only ever see DeniedMessage, so a denial does not leak which
// ownership check failed. If the store is unavailable the evaluator
// fails closed.
package authz
