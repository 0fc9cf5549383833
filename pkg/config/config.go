package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/placefolio/placefolio/pkg/derived"
	"github.com/placefolio/placefolio/pkg/ingest"
	"github.com/placefolio/placefolio/pkg/objects"
	"github.com/placefolio/placefolio/pkg/observability"
	"github.com/placefolio/placefolio/pkg/ratelimit"
	"github.com/placefolio/placefolio/pkg/storage"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Database      storage.ConnectionConfig
	Redis         RedisConfig
	Objects       objects.Config
	Observability ObservabilityConfig
	RateLimit     ratelimit.Config
	Derived       derived.Config
	Ingest        []ingest.Config
	Authz         AuthzConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// RedisConfig holds Redis connection settings. Redis backs unread
// notification counts only; the platform runs without it.
type RedisConfig struct {
	URL      string
	Password string
	DB       int
}

// AuthzConfig holds policy settings.
type AuthzConfig struct {
	// RulesFile optionally overrides the built-in rule table.
	RulesFile string
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel
	MetricsEnabled bool

	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Database:      loadDatabaseConfig(),
		Redis:         loadRedisConfig(),
		Objects:       loadObjectsConfig(),
		Observability: loadObservabilityConfig(),
		RateLimit:     loadRateLimitConfig(),
		Derived:       loadDerivedConfig(),
		Ingest:        loadIngestConfig(),
		Authz: AuthzConfig{
			RulesFile: getEnv("PLACEFOLIO_AUTHZ_RULES_FILE", ""),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("PLACEFOLIO_HOST", "0.0.0.0"),
		Port:            getEnv("PLACEFOLIO_PORT", "8080"),
		ReadTimeout:     getEnvDuration("PLACEFOLIO_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("PLACEFOLIO_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("PLACEFOLIO_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("PLACEFOLIO_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("PLACEFOLIO_HEALTH_PORT", "9090"),
	}
}

func loadDatabaseConfig() storage.ConnectionConfig {
	cfg := storage.DefaultConnectionConfig(getEnv("PLACEFOLIO_POSTGRES_URL", ""))

	if replicaURLs := getEnv("PLACEFOLIO_POSTGRES_REPLICA_URLS", ""); replicaURLs != "" {
		for _, url := range strings.Split(replicaURLs, ",") {
			if url = strings.TrimSpace(url); url != "" {
				cfg.ReplicaURLs = append(cfg.ReplicaURLs, url)
			}
		}
	}
	if maxConns := getEnvInt("PLACEFOLIO_POSTGRES_MAX_CONNS", 0); maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	if minConns := getEnvInt("PLACEFOLIO_POSTGRES_MIN_CONNS", 0); minConns > 0 {
		cfg.MinConns = minConns
	}
	if timeout := getEnvDuration("PLACEFOLIO_POSTGRES_TIMEOUT", 0); timeout > 0 {
		cfg.Timeout = timeout
	}

	return cfg
}

func loadRedisConfig() RedisConfig {
	return RedisConfig{
		URL:      getEnv("PLACEFOLIO_REDIS_URL", ""),
		Password: getEnv("PLACEFOLIO_REDIS_PASSWORD", ""),
		DB:       getEnvInt("PLACEFOLIO_REDIS_DB", 0),
	}
}

func loadObjectsConfig() objects.Config {
	return objects.Config{
		Bucket:       getEnv("PLACEFOLIO_S3_BUCKET", ""),
		Region:       getEnv("PLACEFOLIO_S3_REGION", "us-east-1"),
		Endpoint:     getEnv("PLACEFOLIO_S3_ENDPOINT", ""),
		AccessKey:    getEnv("PLACEFOLIO_S3_ACCESS_KEY", ""),
		SecretKey:    getEnv("PLACEFOLIO_S3_SECRET_KEY", ""),
		UsePathStyle: getEnvBool("PLACEFOLIO_S3_USE_PATH_STYLE", false),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           observability.ParseLogLevel(getEnv("PLACEFOLIO_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("PLACEFOLIO_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("PLACEFOLIO_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("PLACEFOLIO_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("PLACEFOLIO_OTEL_SERVICE_NAME", "placefolio-core"),
		OTelServiceVersion: getEnv("PLACEFOLIO_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("PLACEFOLIO_OTEL_INSECURE", true),
	}
}

func loadRateLimitConfig() ratelimit.Config {
	cfg := ratelimit.DefaultConfig()
	if maxAttempts := getEnvInt("PLACEFOLIO_RATELIMIT_MAX_ATTEMPTS", 0); maxAttempts > 0 {
		cfg.MaxAttempts = maxAttempts
	}
	if window := getEnvDuration("PLACEFOLIO_RATELIMIT_WINDOW", 0); window > 0 {
		cfg.Window = window
	}
	if blockDuration := getEnvDuration("PLACEFOLIO_RATELIMIT_BLOCK_DURATION", 0); blockDuration > 0 {
		cfg.BlockDuration = blockDuration
	}
	return cfg
}

func loadDerivedConfig() derived.Config {
	cfg := derived.DefaultConfig()
	if threshold := getEnvFloat("PLACEFOLIO_HIGH_RATING_THRESHOLD", 0); threshold > 0 {
		cfg.HighRatingThreshold = threshold
	}
	if minReviews := getEnvInt("PLACEFOLIO_HIGH_RATING_MIN_REVIEWS", 0); minReviews > 0 {
		cfg.HighRatingMinReviews = int64(minReviews)
	}
	return cfg
}

// loadIngestConfig reads feed definitions. Feeds are configured as
// PLACEFOLIO_INGEST_FEEDS=source1=url1,source2=url2.
func loadIngestConfig() []ingest.Config {
	raw := getEnv("PLACEFOLIO_INGEST_FEEDS", "")
	if raw == "" {
		return nil
	}
	timeout := getEnvDuration("PLACEFOLIO_INGEST_TIMEOUT", 30*time.Second)

	var feeds []ingest.Config
	for _, pair := range strings.Split(raw, ",") {
		source, url, found := strings.Cut(strings.TrimSpace(pair), "=")
		if !found || source == "" || url == "" {
			continue
		}
		feeds = append(feeds, ingest.Config{
			Source:  source,
			URL:     url,
			Timeout: timeout,
		})
	}
	return feeds
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	if c.Database.PrimaryURL == "" {
		return fmt.Errorf("postgres URL is required")
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat returns a float environment variable or a default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
