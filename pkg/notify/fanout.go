package notify

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/placefolio/placefolio/pkg/catalog"
	"github.com/placefolio/placefolio/pkg/events"
	"github.com/placefolio/placefolio/pkg/observability"
)

const (
	displayNameCacheSize = 1024
	displayNameCacheTTL  = 10 * time.Minute
)

// Fanout turns committed-mutation events into notification rows. Each
// rule names its recipients explicitly; an actor is never notified of
// their own action, and each recipient gets at most one row per event.
type Fanout struct {
	db     *sql.DB
	store  *Store
	logger *observability.Logger

	// displayNames caches identity id to display name. Names change
	// rarely and a stale one in a notification is harmless.
	displayNames *expirable.LRU[int64, string]
}

// NewFanout creates the fan-out handler.
func NewFanout(db *sql.DB, store *Store, logger *observability.Logger) *Fanout {
	return &Fanout{
		db:           db,
		store:        store,
		logger:       logger,
		displayNames: expirable.NewLRU[int64, string](displayNameCacheSize, nil, displayNameCacheTTL),
	}
}

// Name implements events.Handler.
func (f *Fanout) Name() string { return "notification-fanout" }

// Handle implements events.Handler. Duplicate deliveries of the same
// event produce duplicate inbox rows in the worst case; recipients
// tolerate that, and the rules below keep the common replay (same
// handler retried) from notifying anyone twice within one call.
func (f *Fanout) Handle(ctx context.Context, ev events.Event) error {
	switch ev.Kind {
	case events.ReviewCreated:
		return f.onReviewCreated(ctx, ev)
	case events.ReplyCreated:
		return f.onReplyCreated(ctx, ev)
	case events.BusinessHighlyRated:
		return f.onHighlyRated(ctx, ev)
	case events.BadgeAwarded:
		return f.onBadgeAwarded(ctx, ev)
	}
	return nil
}

// onReviewCreated notifies the business owner of a new review. Reviews
// on events have no owning identity, so they fan out to nobody.
func (f *Fanout) onReviewCreated(ctx context.Context, ev events.Event) error {
	if ev.BusinessID == nil {
		return nil
	}
	ownerID, businessName, err := f.businessOwner(ctx, *ev.BusinessID)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return nil
		}
		return err
	}
	if ev.ActorID != nil && *ev.ActorID == ownerID {
		return nil
	}

	actor := f.actorName(ctx, ev.ActorID)
	return f.store.Create(ctx, &Notification{
		RecipientID: ownerID,
		Kind:        KindReview,
		Title:       fmt.Sprintf("%s reviewed %s", actor, businessName),
		Link:        fmt.Sprintf("/businesses/%d/reviews", *ev.BusinessID),
	})
}

// onReplyCreated notifies the review's author that they got a reply,
// and the business owner that a reply was posted. The author rule
// skips self-replies; the owner rule skips the case where the owner is
// the replier and the case where the owner authored the review, since
// the author rule already covers them.
func (f *Fanout) onReplyCreated(ctx context.Context, ev events.Event) error {
	if ev.ReviewID == nil {
		return nil
	}
	authorID, err := f.reviewAuthor(ctx, *ev.ReviewID)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return nil
		}
		return err
	}

	var ownerID *int64
	var businessName string
	if ev.BusinessID != nil {
		id, name, err := f.businessOwner(ctx, *ev.BusinessID)
		if err != nil && !errors.Is(err, catalog.ErrNotFound) {
			return err
		}
		if err == nil {
			ownerID = &id
			businessName = name
		}
	}

	// The owner replying on their own business speaks as the business,
	// not under their personal name.
	actor := f.actorName(ctx, ev.ActorID)
	if ownerID != nil && ev.ActorID != nil && *ev.ActorID == *ownerID {
		actor = businessName
	}

	if authorID != nil && (ev.ActorID == nil || *ev.ActorID != *authorID) {
		err := f.store.Create(ctx, &Notification{
			RecipientID: *authorID,
			Kind:        KindCommentReply,
			Title:       fmt.Sprintf("%s replied to your review", actor),
			Link:        fmt.Sprintf("/reviews/%d", *ev.ReviewID),
		})
		if err != nil {
			return err
		}
	}

	if ownerID == nil {
		return nil
	}
	if ev.ActorID != nil && *ev.ActorID == *ownerID {
		return nil
	}
	if authorID != nil && *authorID == *ownerID {
		return nil
	}
	return f.store.Create(ctx, &Notification{
		RecipientID: *ownerID,
		Kind:        KindReview,
		Title:       fmt.Sprintf("%s replied to a review of your business", actor),
		Link:        fmt.Sprintf("/reviews/%d", *ev.ReviewID),
	})
}

func (f *Fanout) onHighlyRated(ctx context.Context, ev events.Event) error {
	if ev.BusinessID == nil {
		return nil
	}
	ownerID, businessName, err := f.businessOwner(ctx, *ev.BusinessID)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return nil
		}
		return err
	}
	return f.store.Create(ctx, &Notification{
		RecipientID: ownerID,
		Kind:        KindHighlyRated,
		Title:       fmt.Sprintf("%s is now highly rated", businessName),
		Link:        fmt.Sprintf("/businesses/%d", *ev.BusinessID),
	})
}

func (f *Fanout) onBadgeAwarded(ctx context.Context, ev events.Event) error {
	if ev.RecipientID == nil {
		return nil
	}
	return f.store.Create(ctx, &Notification{
		RecipientID: *ev.RecipientID,
		Kind:        KindBadge,
		Title:       fmt.Sprintf("You earned the %s badge", ev.Badge),
		Link:        "/profile/badges",
	})
}

// actorName resolves a display name for notification copy. The
// fallback is deliberately generic; fan-out never blocks on a missing
// profile.
func (f *Fanout) actorName(ctx context.Context, actorID *int64) string {
	if actorID == nil {
		return "Someone"
	}
	if name, ok := f.displayNames.Get(*actorID); ok {
		return name
	}

	var name sql.NullString
	err := f.db.QueryRowContext(ctx,
		`SELECT display_name FROM users WHERE id = $1`, *actorID,
	).Scan(&name)
	if err != nil || !name.Valid || name.String == "" {
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			f.logger.WithError(err).WithField("actor_id", *actorID).Warn("display name lookup failed")
		}
		return "Someone"
	}
	f.displayNames.Add(*actorID, name.String)
	return name.String
}

func (f *Fanout) businessOwner(ctx context.Context, businessID int64) (int64, string, error) {
	var ownerID int64
	var name string
	err := f.db.QueryRowContext(ctx,
		`SELECT owner_id, name FROM businesses WHERE id = $1`, businessID,
	).Scan(&ownerID, &name)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, "", fmt.Errorf("business %d: %w", businessID, catalog.ErrNotFound)
	}
	if err != nil {
		return 0, "", fmt.Errorf("failed to load business owner: %w", catalog.MapError(err))
	}
	return ownerID, name, nil
}

// reviewAuthor returns nil for guest reviews.
func (f *Fanout) reviewAuthor(ctx context.Context, reviewID int64) (*int64, error) {
	var authorID sql.NullInt64
	err := f.db.QueryRowContext(ctx,
		`SELECT author_id FROM reviews WHERE id = $1 AND deleted = FALSE`, reviewID,
	).Scan(&authorID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("review %d: %w", reviewID, catalog.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load review author: %w", catalog.MapError(err))
	}
	if !authorID.Valid {
		return nil, nil
	}
	return &authorID.Int64, nil
}
