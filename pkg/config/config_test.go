package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/placefolio/placefolio/pkg/observability"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("PLACEFOLIO_POSTGRES_URL", "postgres://localhost/placefolio")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "9090", cfg.Server.HealthPort)
	assert.Equal(t, observability.InfoLevel, cfg.Observability.LogLevel)
	assert.True(t, cfg.Observability.MetricsEnabled)
	assert.False(t, cfg.Observability.OTelEnabled)
	assert.Equal(t, 5, cfg.RateLimit.MaxAttempts)
	assert.Equal(t, 15*time.Minute, cfg.RateLimit.Window)
	assert.InDelta(t, 4.5, cfg.Derived.HighRatingThreshold, 0.001)
	assert.Equal(t, int64(5), cfg.Derived.HighRatingMinReviews)
	assert.Empty(t, cfg.Ingest)
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("PLACEFOLIO_POSTGRES_URL", "postgres://localhost/placefolio")
	t.Setenv("PLACEFOLIO_PORT", "9000")
	t.Setenv("PLACEFOLIO_LOG_LEVEL", "debug")
	t.Setenv("PLACEFOLIO_RATELIMIT_MAX_ATTEMPTS", "10")
	t.Setenv("PLACEFOLIO_RATELIMIT_WINDOW", "5m")
	t.Setenv("PLACEFOLIO_HIGH_RATING_THRESHOLD", "4.8")
	t.Setenv("PLACEFOLIO_POSTGRES_REPLICA_URLS", "postgres://r1/placefolio, postgres://r2/placefolio")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.Server.Port)
	assert.Equal(t, observability.DebugLevel, cfg.Observability.LogLevel)
	assert.Equal(t, 10, cfg.RateLimit.MaxAttempts)
	assert.Equal(t, 5*time.Minute, cfg.RateLimit.Window)
	assert.InDelta(t, 4.8, cfg.Derived.HighRatingThreshold, 0.001)
	assert.Equal(t,
		[]string{"postgres://r1/placefolio", "postgres://r2/placefolio"},
		cfg.Database.ReplicaURLs,
	)
}

func TestLoadConfig_IngestFeeds(t *testing.T) {
	t.Setenv("PLACEFOLIO_POSTGRES_URL", "postgres://localhost/placefolio")
	t.Setenv("PLACEFOLIO_INGEST_FEEDS", "cityfeed=https://city.example.com/events.json, ticketapi=https://tickets.example.com/feed")
	t.Setenv("PLACEFOLIO_INGEST_TIMEOUT", "10s")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Len(t, cfg.Ingest, 2)
	assert.Equal(t, "cityfeed", cfg.Ingest[0].Source)
	assert.Equal(t, "https://city.example.com/events.json", cfg.Ingest[0].URL)
	assert.Equal(t, 10*time.Second, cfg.Ingest[0].Timeout)
	assert.Equal(t, "ticketapi", cfg.Ingest[1].Source)
}

func TestLoadConfig_MalformedFeedEntriesSkipped(t *testing.T) {
	t.Setenv("PLACEFOLIO_POSTGRES_URL", "postgres://localhost/placefolio")
	t.Setenv("PLACEFOLIO_INGEST_FEEDS", "no-url-here,=https://orphan.example.com,good=https://ok.example.com")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Len(t, cfg.Ingest, 1)
	assert.Equal(t, "good", cfg.Ingest[0].Source)
}

func TestValidate_Failures(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{
			name: "missing postgres url",
			env:  map[string]string{},
		},
		{
			name: "same server and health port",
			env: map[string]string{
				"PLACEFOLIO_POSTGRES_URL": "postgres://localhost/placefolio",
				"PLACEFOLIO_PORT":         "9090",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for key, value := range tt.env {
				t.Setenv(key, value)
			}
			_, err := LoadConfig()
			assert.Error(t, err)
		})
	}
}
