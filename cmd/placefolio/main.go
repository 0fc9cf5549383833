package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/placefolio/placefolio/pkg/authz"
	"github.com/placefolio/placefolio/pkg/catalog"
	"github.com/placefolio/placefolio/pkg/config"
	"github.com/placefolio/placefolio/pkg/derived"
	"github.com/placefolio/placefolio/pkg/events"
	"github.com/placefolio/placefolio/pkg/httputil"
	"github.com/placefolio/placefolio/pkg/notify"
	"github.com/placefolio/placefolio/pkg/objects"
	"github.com/placefolio/placefolio/pkg/observability"
	"github.com/placefolio/placefolio/pkg/storage"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		os.Stderr.WriteString("configuration error: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	ctx := context.Background()

	otelProviders, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
	}, logger)
	if err != nil {
		logger.WithError(err).Error("Failed to initialize OpenTelemetry")
		os.Exit(1)
	}

	connections, err := storage.NewConnectionManager(cfg.Database)
	if err != nil {
		logger.WithError(err).Error("Failed to connect to database")
		os.Exit(1)
	}
	db := connections.Primary()

	if err := catalog.RunMigrations(ctx, db); err != nil {
		logger.WithError(err).Error("Failed to run migrations")
		os.Exit(1)
	}

	var redisClient *redis.Client
	if cfg.Redis.URL != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.URL,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			// The cache is correctness-irrelevant; run without it.
			logger.WithError(err).Warn("Redis unreachable, unread counts will hit the database")
			redisClient = nil
		}
	}

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	rules := authz.DefaultRules()
	if cfg.Authz.RulesFile != "" {
		rules, err = authz.LoadRulesFile(cfg.Authz.RulesFile)
		if err != nil {
			logger.WithError(err).Error("Failed to load authorization rules")
			os.Exit(1)
		}
		logger.WithField("path", cfg.Authz.RulesFile).Info("Loaded authorization rule overrides")
	}
	denyLog := authz.NewDenyLog(db)
	evaluator := authz.NewEvaluator(connections.Replica(), rules, denyLog, logger, metrics)

	dispatcher := events.NewDispatcher(ctx, logger, metrics, events.DefaultDispatcherConfig())

	engine := derived.NewEngine(db, dispatcher, logger, cfg.Derived)
	dispatcher.Subscribe(engine,
		events.ReviewCreated, events.ReviewDeleted,
		events.VoteCreated, events.VoteDeleted,
		events.BusinessUpdated,
	)

	notifyStore := notify.NewStore(db, redisClient, logger, metrics)
	fanout := notify.NewFanout(connections.Replica(), notifyStore, logger)
	dispatcher.Subscribe(fanout,
		events.ReviewCreated, events.ReplyCreated,
		events.BusinessHighlyRated, events.BadgeAwarded,
	)

	healthChecker := observability.NewHealthChecker(db, redisClient)
	router := mux.NewRouter()
	observability.RegisterHealthRoutes(router, healthChecker)
	if cfg.Observability.MetricsEnabled {
		router.Handle("/metrics", observability.Handler(registry))
	}

	if cfg.Objects.Bucket != "" {
		objectsClient, err := objects.NewClient(ctx, cfg.Objects, evaluator)
		if err != nil {
			logger.WithError(err).Error("Failed to initialize object storage")
			os.Exit(1)
		}
		router.HandleFunc("/health/objects", func(w http.ResponseWriter, r *http.Request) {
			if err := objectsClient.HealthCheck(r.Context()); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
		}).Methods(http.MethodGet)
	}

	handler := httputil.Chain(
		httputil.RequestIDMiddleware,
		httputil.RecoveryMiddleware(logger),
		httputil.LoggingMiddleware(logger),
	)(router)

	server := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      otelhttp.NewHandler(handler, "placefolio"),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := observability.NewShutdownManager(logger, server, cfg.Server.ShutdownTimeout)
	shutdown.RegisterShutdownFunc(func(shutdownCtx context.Context) error {
		return dispatcher.Shutdown(cfg.Server.ShutdownTimeout)
	})
	shutdown.RegisterShutdownFunc(func(shutdownCtx context.Context) error {
		return connections.Close()
	})
	if redisClient != nil {
		shutdown.RegisterShutdownFunc(func(shutdownCtx context.Context) error {
			return redisClient.Close()
		})
	}
	if otelProviders != nil {
		shutdown.RegisterShutdownFunc(func(shutdownCtx context.Context) error {
			return observability.ShutdownOTel(shutdownCtx, otelProviders, logger)
		})
	}

	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			metrics.CollectDBStats(db)
		}
	}()

	go func() {
		logger.Infof("Placefolio core listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("HTTP server failed")
			os.Exit(1)
		}
	}()

	if err := shutdown.WaitForShutdown(); err != nil {
		logger.WithError(err).Error("Shutdown finished with errors")
		os.Exit(1)
	}
}
