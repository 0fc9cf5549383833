package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/placefolio/placefolio/pkg/catalog"
	"github.com/placefolio/placefolio/pkg/derived"
	"github.com/placefolio/placefolio/pkg/events"
	"github.com/placefolio/placefolio/pkg/identity"
	"github.com/placefolio/placefolio/pkg/ingest"
	"github.com/placefolio/placefolio/pkg/notify"
	"github.com/placefolio/placefolio/pkg/observability"
	"github.com/placefolio/placefolio/pkg/ratelimit"
)

var (
	dbURL          = flag.String("db-url", getEnv("DATABASE_URL", "postgres://localhost/placefolio?sslmode=disable"), "PostgreSQL connection URL")
	sweepSchedule  = flag.String("sweep-schedule", "0 * * * *", "Cron schedule for the aggregate reconciliation sweep (default: every hour)")
	ingestSchedule = flag.String("ingest-schedule", "0 */6 * * *", "Cron schedule for event feed ingestion (default: every 6 hours)")
	purgeSchedule  = flag.String("purge-schedule", "30 0 * * *", "Cron schedule for rate limit row purging (default: 00:30 UTC)")
	purgeRetention = flag.Duration("purge-retention", 30*24*time.Hour, "How long to keep idle rate limit rows")
	feeds          = flag.String("feeds", getEnv("PLACEFOLIO_INGEST_FEEDS", ""), "Event feeds as source=url pairs, comma separated")
	sweepWorkers   = flag.Int("sweep-workers", 4, "Concurrent recomputes during a sweep")
	runOnce        = flag.Bool("run-once", false, "Run the sweep once and exit (for testing)")
	mergeProfiles  = flag.Bool("merge-profiles", false, "Run the identity merge batch and exit")
)

func main() {
	flag.Parse()

	db, err := sql.Open("postgres", *dbURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}

	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
	ctx := context.Background()

	// The sweep can discover a highly-rated crossing that a lost
	// reaction missed, so it gets a real dispatcher with the fan-out
	// handler attached.
	dispatcher := events.NewDispatcher(ctx, logger, nil, events.DefaultDispatcherConfig())
	notifyStore := notify.NewStore(db, nil, logger, nil)
	dispatcher.Subscribe(notify.NewFanout(db, notifyStore, logger),
		events.ReviewCreated, events.ReplyCreated,
		events.BusinessHighlyRated, events.BadgeAwarded,
	)
	defer dispatcher.Shutdown(30 * time.Second)

	engine := derived.NewEngine(db, dispatcher, logger, derived.DefaultConfig())
	sweeper := derived.NewSweeper(db, engine, logger, nil, *sweepWorkers)

	// Identity merge mode (run from a migration job, not the scheduler)
	if *mergeProfiles {
		merger := identity.NewMerger(db, logger)
		result, err := merger.Run(ctx)
		if err != nil {
			log.Fatalf("Identity merge failed: %v", err)
		}
		if err := merger.Verify(ctx); err != nil {
			log.Fatalf("Identity merge verification failed: %v", err)
		}
		log.Printf("Identity merge completed: %d users created, %d profiles linked", result.UsersCreated, result.ProfilesLinked)
		return
	}

	// Run once mode (for testing or manual reconciliation)
	if *runOnce {
		log.Println("Running reconciliation sweep")
		if err := sweeper.Sweep(ctx); err != nil {
			log.Fatalf("Sweep failed: %v", err)
		}
		log.Println("Sweep completed successfully")
		return
	}

	fetchers := buildFetchers(*feeds, db)
	limiter := ratelimit.NewLimiter(db, logger, ratelimit.DefaultConfig())

	// Scheduled mode
	c := cron.New()

	_, err = c.AddFunc(*sweepSchedule, func() {
		log.Println("Starting reconciliation sweep")
		if err := sweeper.Sweep(context.Background()); err != nil {
			log.Printf("Sweep failed: %v", err)
		} else {
			log.Println("Sweep completed successfully")
		}
	})
	if err != nil {
		log.Fatalf("Failed to schedule sweep: %v", err)
	}

	if len(fetchers) > 0 {
		_, err = c.AddFunc(*ingestSchedule, func() {
			for _, fetcher := range fetchers {
				if _, err := fetcher.Run(context.Background()); err != nil {
					log.Printf("Feed ingestion failed: %v", err)
				}
			}
		})
		if err != nil {
			log.Fatalf("Failed to schedule feed ingestion: %v", err)
		}
	}

	_, err = c.AddFunc(*purgeSchedule, func() {
		cutoff := time.Now().UTC().Add(-*purgeRetention)
		purged, err := limiter.PurgeOlderThan(context.Background(), cutoff)
		if err != nil {
			log.Printf("Rate limit purge failed: %v", err)
		} else {
			log.Printf("Rate limit purge removed %d rows", purged)
		}
	})
	if err != nil {
		log.Fatalf("Failed to schedule rate limit purge: %v", err)
	}

	c.Start()
	log.Println("Placefolio reactor started")
	log.Printf("Sweep schedule: %s", *sweepSchedule)
	log.Printf("Ingestion schedule: %s (%d feeds)", *ingestSchedule, len(fetchers))
	log.Printf("Purge schedule: %s", *purgeSchedule)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan
	log.Println("Shutting down gracefully...")

	stopCtx := c.Stop()
	<-stopCtx.Done()

	log.Println("Reactor stopped")
}

func buildFetchers(raw string, db *sql.DB) []*ingest.Fetcher {
	if raw == "" {
		return nil
	}
	feedLogger := logrus.New()
	feedLogger.SetLevel(logrus.InfoLevel)
	store := catalog.NewEventStore(db)

	var fetchers []*ingest.Fetcher
	for _, pair := range strings.Split(raw, ",") {
		source, url, found := strings.Cut(strings.TrimSpace(pair), "=")
		if !found || source == "" || url == "" {
			log.Printf("Skipping malformed feed definition: %q", pair)
			continue
		}
		fetchers = append(fetchers, ingest.NewFetcher(ingest.Config{
			Source: source,
			URL:    url,
		}, store, feedLogger))
	}
	return fetchers
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
