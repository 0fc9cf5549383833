package derived

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/placefolio/placefolio/pkg/catalog"
	"github.com/placefolio/placefolio/pkg/observability"
)

// Sweeper walks every business and event and recomputes its aggregates
// from scratch. Reactions are at-least-once but a crashed worker can
// still lose one; the sweep is the backstop that converges aggregates
// to their true values regardless of what was missed.
type Sweeper struct {
	db          *sql.DB
	engine      *Engine
	logger      *observability.Logger
	metrics     *observability.Metrics
	concurrency int
}

// NewSweeper creates a sweeper running at most concurrency recomputes
// in parallel.
func NewSweeper(db *sql.DB, engine *Engine, logger *observability.Logger, metrics *observability.Metrics, concurrency int) *Sweeper {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Sweeper{db: db, engine: engine, logger: logger, metrics: metrics, concurrency: concurrency}
}

// Sweep recomputes all aggregates. Individual failures are counted and
// logged but do not stop the sweep; the next run retries them.
func (s *Sweeper) Sweep(ctx context.Context) error {
	start := time.Now()
	defer func() {
		if s.metrics != nil {
			s.metrics.SweepDuration.Observe(time.Since(start).Seconds())
		}
	}()

	businessIDs, err := s.collectIDs(ctx, `SELECT id FROM businesses`)
	if err != nil {
		return fmt.Errorf("failed to list businesses: %w", err)
	}
	eventIDs, err := s.collectIDs(ctx, `SELECT id FROM events`)
	if err != nil {
		return fmt.Errorf("failed to list events: %w", err)
	}

	var failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)

	for _, id := range businessIDs {
		businessID := id
		g.Go(func() error {
			if err := s.engine.RecomputeBusinessStats(gctx, businessID, time.Time{}); err != nil {
				failed.Add(1)
				if s.metrics != nil {
					s.metrics.SweepErrors.Inc()
				}
				s.logger.WithError(err).WithField("business_id", businessID).Error("sweep recompute failed")
			}
			return nil
		})
	}
	for _, id := range eventIDs {
		eventID := id
		g.Go(func() error {
			if err := s.engine.RecomputeEventStats(gctx, eventID, time.Time{}); err != nil {
				failed.Add(1)
				if s.metrics != nil {
					s.metrics.SweepErrors.Inc()
				}
				s.logger.WithError(err).WithField("event_id", eventID).Error("sweep recompute failed")
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	s.logger.WithFields(map[string]interface{}{
		"businesses": len(businessIDs),
		"events":     len(eventIDs),
		"failed":     failed.Load(),
		"elapsed":    time.Since(start).String(),
	}).Info("reconciliation sweep finished")

	if n := failed.Load(); n > 0 {
		return fmt.Errorf("sweep left %d aggregates unreconciled", n)
	}
	return nil
}

func (s *Sweeper) collectIDs(ctx context.Context, query string) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, catalog.MapError(err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
