package notify

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/placefolio/placefolio/pkg/catalog"
	"github.com/placefolio/placefolio/pkg/observability"
)

// Kind classifies a notification for the recipient's inbox.
type Kind string

const (
	KindReview       Kind = "review"
	KindCommentReply Kind = "comment_reply"
	KindBusiness     Kind = "business"
	KindHighlyRated  Kind = "highly_rated"
	KindBadge        Kind = "badge"
	KindUser         Kind = "user"
)

// Notification is one inbox entry. Rows are created only by the
// fan-out handler reacting to committed mutations; there is no direct
// write path for callers.
type Notification struct {
	ID          int64     `json:"id"`
	RecipientID int64     `json:"recipient_id"`
	Kind        Kind      `json:"kind"`
	Title       string    `json:"title"`
	Message     string    `json:"message"`
	Link        string    `json:"link"`
	Read        bool      `json:"read"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

const unreadCountTTL = 5 * time.Minute

// Store persists notifications. Unread counts are served from Redis
// with a short TTL and invalidated on every write that can change
// them; a Redis outage degrades to counting in the database.
type Store struct {
	db      *sql.DB
	redis   *redis.Client
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewStore creates a notification store. redisClient may be nil, in
// which case every unread count hits the database.
func NewStore(db *sql.DB, redisClient *redis.Client, logger *observability.Logger, metrics *observability.Metrics) *Store {
	return &Store{db: db, redis: redisClient, logger: logger, metrics: metrics}
}

// Create inserts a notification and invalidates the recipient's cached
// unread count.
func (s *Store) Create(ctx context.Context, n *Notification) error {
	now := time.Now().UTC()
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO notifications (recipient_id, kind, title, message, link, read, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, FALSE, $6, $6)
		RETURNING id`,
		n.RecipientID, string(n.Kind), n.Title, n.Message, n.Link, now,
	).Scan(&n.ID)
	if err != nil {
		return fmt.Errorf("failed to create notification: %w", catalog.MapError(err))
	}
	n.Read = false
	n.CreatedAt = now
	n.UpdatedAt = now

	if s.metrics != nil {
		s.metrics.NotificationsCreated.WithLabelValues(string(n.Kind)).Inc()
	}
	s.invalidateUnread(ctx, n.RecipientID)
	return nil
}

// ListByRecipient returns the recipient's notifications, newest first.
func (s *Store) ListByRecipient(ctx context.Context, recipientID int64, limit, offset int) ([]Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, recipient_id, kind, title, message, link, read, created_at, updated_at
		FROM notifications
		WHERE recipient_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`,
		recipientID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", catalog.MapError(err))
	}
	defer rows.Close()

	var result []Notification
	for rows.Next() {
		var n Notification
		var kind string
		if err := rows.Scan(&n.ID, &n.RecipientID, &kind, &n.Title, &n.Message, &n.Link, &n.Read, &n.CreatedAt, &n.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		n.Kind = Kind(kind)
		result = append(result, n)
	}
	return result, rows.Err()
}

// MarkRead marks one notification read. The update is scoped to the
// recipient so an identity can never mark someone else's entry.
func (s *Store) MarkRead(ctx context.Context, recipientID, notificationID int64) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET read = TRUE, updated_at = $1
		WHERE id = $2 AND recipient_id = $3`,
		time.Now().UTC(), notificationID, recipientID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark read: %w", catalog.MapError(err))
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("notification %d for recipient %d: %w", notificationID, recipientID, catalog.ErrNotFound)
	}
	s.invalidateUnread(ctx, recipientID)
	return nil
}

// MarkAllRead marks every unread notification for the recipient.
func (s *Store) MarkAllRead(ctx context.Context, recipientID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET read = TRUE, updated_at = $1
		WHERE recipient_id = $2 AND read = FALSE`,
		time.Now().UTC(), recipientID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark all read: %w", catalog.MapError(err))
	}
	s.invalidateUnread(ctx, recipientID)
	return nil
}

// UnreadCount returns the recipient's unread total, cache-aside
// through Redis.
func (s *Store) UnreadCount(ctx context.Context, recipientID int64) (int64, error) {
	key := unreadKey(recipientID)
	if s.redis != nil {
		cached, err := s.redis.Get(ctx, key).Result()
		if err == nil {
			if count, perr := strconv.ParseInt(cached, 10, 64); perr == nil {
				if s.metrics != nil {
					s.metrics.CacheHitsTotal.WithLabelValues("unread_count").Inc()
				}
				return count, nil
			}
		} else if !errors.Is(err, redis.Nil) {
			s.logger.WithError(err).Warn("unread count cache read failed")
		}
		if s.metrics != nil {
			s.metrics.CacheMissesTotal.WithLabelValues("unread_count").Inc()
		}
	}

	var count int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM notifications
		WHERE recipient_id = $1 AND read = FALSE`,
		recipientID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count unread: %w", catalog.MapError(err))
	}

	if s.redis != nil {
		if err := s.redis.Set(ctx, key, strconv.FormatInt(count, 10), unreadCountTTL).Err(); err != nil {
			s.logger.WithError(err).Warn("unread count cache write failed")
		}
	}
	return count, nil
}

// Delete removes one notification, scoped to the recipient.
func (s *Store) Delete(ctx context.Context, recipientID, notificationID int64) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM notifications WHERE id = $1 AND recipient_id = $2`,
		notificationID, recipientID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete notification: %w", catalog.MapError(err))
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("notification %d for recipient %d: %w", notificationID, recipientID, catalog.ErrNotFound)
	}
	s.invalidateUnread(ctx, recipientID)
	return nil
}

func (s *Store) invalidateUnread(ctx context.Context, recipientID int64) {
	if s.redis == nil {
		return
	}
	if err := s.redis.Del(ctx, unreadKey(recipientID)).Err(); err != nil {
		s.logger.WithError(err).WithField("recipient_id", recipientID).Warn("unread count invalidation failed")
	}
}

func unreadKey(recipientID int64) string {
	return "notify:unread:" + strconv.FormatInt(recipientID, 10)
}
