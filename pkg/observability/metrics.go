package observability

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the platform core.
type Metrics struct {
	// Authorization metrics
	AuthzDecisionsTotal *prometheus.CounterVec
	AuthzDuration       *prometheus.HistogramVec

	// Reaction (derived state / fan-out) metrics
	ReactionsTotal   *prometheus.CounterVec
	ReactionDuration *prometheus.HistogramVec
	EventsEmitted    *prometheus.CounterVec

	// Notification metrics
	NotificationsCreated *prometheus.CounterVec

	// Uniqueness guard metrics
	ConflictsTotal *prometheus.CounterVec

	// Reconciliation sweep metrics
	SweepDuration prometheus.Histogram
	SweepErrors   prometheus.Counter

	// Cache metrics
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec

	// Database metrics
	DBConnectionsActive prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		AuthzDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "placefolio_authz_decisions_total",
				Help: "Authorization decisions by resource type, operation and outcome",
			},
			[]string{"resource_type", "operation", "outcome"},
		),
		AuthzDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "placefolio_authz_duration_seconds",
				Help:    "Authorization evaluation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"resource_type"},
		),
		ReactionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "placefolio_reactions_total",
				Help: "Commit-reaction handler invocations by handler, event kind and status",
			},
			[]string{"handler", "kind", "status"},
		),
		ReactionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "placefolio_reaction_duration_seconds",
				Help:    "Commit-reaction handler duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"handler"},
		),
		EventsEmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "placefolio_events_emitted_total",
				Help: "Committed-mutation events emitted by kind",
			},
			[]string{"kind"},
		),
		NotificationsCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "placefolio_notifications_created_total",
				Help: "Notification records created by kind",
			},
			[]string{"kind"},
		),
		ConflictsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "placefolio_uniqueness_conflicts_total",
				Help: "Uniqueness guard conflicts by constraint",
			},
			[]string{"constraint"},
		),
		SweepDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "placefolio_sweep_duration_seconds",
				Help:    "Aggregate reconciliation sweep duration in seconds",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
			},
		),
		SweepErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "placefolio_sweep_errors_total",
				Help: "Aggregate recompute failures during reconciliation sweeps",
			},
		),
		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "placefolio_cache_hits_total",
				Help: "Cache hits by cache name",
			},
			[]string{"cache"},
		),
		CacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "placefolio_cache_misses_total",
				Help: "Cache misses by cache name",
			},
			[]string{"cache"},
		),
		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "placefolio_db_connections_active",
				Help: "Active database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "placefolio_db_connections_idle",
				Help: "Idle database connections",
			},
		),
	}

	registry.MustRegister(
		m.AuthzDecisionsTotal,
		m.AuthzDuration,
		m.ReactionsTotal,
		m.ReactionDuration,
		m.EventsEmitted,
		m.NotificationsCreated,
		m.ConflictsTotal,
		m.SweepDuration,
		m.SweepErrors,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
	)

	return m
}

// Handler returns an HTTP handler serving the registry.
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// CollectDBStats copies connection pool stats into gauges. Call
// periodically or on scrape.
func (m *Metrics) CollectDBStats(db *sql.DB) {
	stats := db.Stats()
	m.DBConnectionsActive.Set(float64(stats.InUse))
	m.DBConnectionsIdle.Set(float64(stats.Idle))
}

// ObserveAuthz records one authorization decision.
func (m *Metrics) ObserveAuthz(resourceType, operation string, allowed bool, elapsed time.Duration) {
	outcome := "deny"
	if allowed {
		outcome = "allow"
	}
	m.AuthzDecisionsTotal.WithLabelValues(resourceType, operation, outcome).Inc()
	m.AuthzDuration.WithLabelValues(resourceType).Observe(elapsed.Seconds())
}

// ObserveReaction records one reaction handler invocation.
func (m *Metrics) ObserveReaction(handler, kind string, err error, elapsed time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.ReactionsTotal.WithLabelValues(handler, kind, status).Inc()
	m.ReactionDuration.WithLabelValues(handler).Observe(elapsed.Seconds())
}
