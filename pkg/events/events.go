package events

import (
	"time"

	"github.com/google/uuid"
)

// Kind identifies the type of a committed-mutation event.
type Kind string

const (
	ReviewCreated       Kind = "review.created"
	ReviewDeleted       Kind = "review.deleted"
	ReplyCreated        Kind = "review.reply_created"
	BusinessUpdated     Kind = "business.updated"
	BusinessHighlyRated Kind = "business.highly_rated"
	VoteCreated         Kind = "vote.created"
	VoteDeleted         Kind = "vote.deleted"
	BadgeAwarded        Kind = "badge.awarded"
)

// Event describes one committed mutation. Events are emitted only
// after the triggering transaction is durable, and handlers must be
// idempotent: delivery is at-least-once, and the reconciliation sweep
// may replay the same logical event.
type Event struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"kind"`
	OccurredAt time.Time `json:"occurred_at"`

	// ActorID is the identity that performed the mutation; nil for
	// guest actors and system-originated events.
	ActorID *int64 `json:"actor_id,omitempty"`

	BusinessID *int64 `json:"business_id,omitempty"`
	EventID    *int64 `json:"event_id,omitempty"`
	ReviewID   *int64 `json:"review_id,omitempty"`
	ReplyID    *int64 `json:"reply_id,omitempty"`
	VoteID     *int64 `json:"vote_id,omitempty"`

	// RecipientID carries the target identity for events addressed to
	// one person (badge awards).
	RecipientID *int64 `json:"recipient_id,omitempty"`

	// Badge names the awarded badge for BadgeAwarded events.
	Badge string `json:"badge,omitempty"`

	// ChangedFields lists the columns a BusinessUpdated event touched,
	// so handlers can distinguish meaningful updates from bookkeeping.
	ChangedFields []string `json:"changed_fields,omitempty"`
}

// New creates an event of the given kind stamped with a fresh ID.
func New(kind Kind) Event {
	return Event{
		ID:         uuid.NewString(),
		Kind:       kind,
		OccurredAt: time.Now().UTC(),
	}
}
