// Package config provides configuration loading for the sqlsink worker.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Source kinds.
const (
	SourceKafka = "kafka"
	SourceFile  = "file"
)

// Config holds all configuration for the sqlsink worker.
type Config struct {
	// Version is the application version
	Version string

	// Environment is the deployment environment (development, staging, production)
	Environment string

	// LogLevel is the minimum log level (debug, info, warn, error)
	LogLevel string

	// Database is the destination database
	Database DatabaseConfig

	// Source is the record stream configuration
	Source SourceConfig

	// Retry holds retry policy configuration
	Retry RetryConfig

	// Throttle holds record rate limiting configuration
	Throttle ThrottleConfig

	// Checkpoint holds checkpoint audit configuration
	Checkpoint CheckpointConfig

	// DeadLetter holds dead-letter audit configuration
	DeadLetter DeadLetterConfig

	// Health holds health check configuration
	Health HealthConfig

	// Metrics holds metrics configuration
	Metrics MetricsConfig
}

// DatabaseConfig holds the destination database configuration.
type DatabaseConfig struct {
	// URL is the connection string; its scheme selects the backend
	URL string

	// MaxOpenConns is the maximum number of open connections
	MaxOpenConns int

	// StatementTimeout bounds each statement execution
	StatementTimeout time.Duration

	// ConnectTimeout bounds the initial connection
	ConnectTimeout time.Duration
}

// SourceConfig holds the record stream configuration.
type SourceConfig struct {
	// Kind is the source type (kafka or file)
	Kind string

	// Kafka holds Kafka consumer settings
	Kafka KafkaConfig

	// FilePath is the newline-delimited JSON file to read ("-" for stdin)
	FilePath string
}

// KafkaConfig holds Kafka consumer settings.
type KafkaConfig struct {
	// Brokers is the list of seed brokers
	Brokers []string

	// Topic is the topic to consume
	Topic string

	// Group is the consumer group
	Group string

	// ClientID identifies this consumer to the brokers
	ClientID string

	// StartOffset is where a new group starts (earliest or latest)
	StartOffset string
}

// RetryConfig holds retry policy configuration.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts including the first
	MaxAttempts int

	// InitialInterval is the initial backoff interval
	InitialInterval time.Duration

	// MaxInterval is the maximum backoff interval
	MaxInterval time.Duration

	// Multiplier is the backoff multiplier
	Multiplier float64
}

// ThrottleConfig holds record rate limiting configuration.
type ThrottleConfig struct {
	// MaxRecordsPerSecond limits the record rate (0 means unlimited)
	MaxRecordsPerSecond float64

	// Burst is the token bucket size
	Burst int
}

// CheckpointConfig holds checkpoint audit configuration.
type CheckpointConfig struct {
	// Enabled enables checkpoint recording
	Enabled bool

	// DSN is the PostgreSQL connection string of the audit database
	DSN string

	// Interval is the minimum time between saves for one partition; zero
	// saves after every acknowledgment
	Interval time.Duration
}

// DeadLetterConfig holds dead-letter audit configuration.
type DeadLetterConfig struct {
	// Enabled enables the dead-letter table
	Enabled bool

	// DSN is the PostgreSQL connection string of the audit database
	DSN string

	// Retention is how long to keep dead-letter records
	Retention time.Duration

	// CleanupSchedule is the cron expression for expired record cleanup
	CleanupSchedule string
}

// HealthConfig holds health check configuration.
type HealthConfig struct {
	// Enabled enables health check endpoints
	Enabled bool

	// ListenAddr is the address for health check endpoints
	ListenAddr string

	// ReadinessTimeout is how long to wait for readiness checks
	ReadinessTimeout time.Duration
}

// MetricsConfig holds metrics configuration.
type MetricsConfig struct {
	// Enabled exposes /metrics on the health server
	Enabled bool
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Version:     getEnv("SQLSINK_VERSION", "0.1.0"),
		Environment: getEnv("SQLSINK_ENV", "development"),
		LogLevel:    getEnv("SQLSINK_LOG_LEVEL", "info"),

		Database: DatabaseConfig{
			URL:              getEnv("SQLSINK_DATABASE_URL", ""),
			MaxOpenConns:     getIntEnv("SQLSINK_DB_MAX_OPEN_CONNS", 2),
			StatementTimeout: getDurationEnv("SQLSINK_DB_STATEMENT_TIMEOUT", 30*time.Second),
			ConnectTimeout:   getDurationEnv("SQLSINK_DB_CONNECT_TIMEOUT", 10*time.Second),
		},

		Source: SourceConfig{
			Kind: getEnv("SQLSINK_SOURCE", SourceKafka),
			Kafka: KafkaConfig{
				Brokers:     getSliceEnv("SQLSINK_KAFKA_BROKERS", []string{"localhost:9092"}),
				Topic:       getEnv("SQLSINK_KAFKA_TOPIC", ""),
				Group:       getEnv("SQLSINK_KAFKA_GROUP", "sqlsink"),
				ClientID:    getEnv("SQLSINK_KAFKA_CLIENT_ID", "sqlsink-worker"),
				StartOffset: getEnv("SQLSINK_KAFKA_START_OFFSET", "earliest"),
			},
			FilePath: getEnv("SQLSINK_FILE_PATH", "-"),
		},

		Retry: RetryConfig{
			MaxAttempts:     getIntEnv("SQLSINK_RETRY_MAX_ATTEMPTS", 5),
			InitialInterval: getDurationEnv("SQLSINK_RETRY_INITIAL_INTERVAL", 500*time.Millisecond),
			MaxInterval:     getDurationEnv("SQLSINK_RETRY_MAX_INTERVAL", 30*time.Second),
			Multiplier:      getFloatEnv("SQLSINK_RETRY_MULTIPLIER", 2.0),
		},

		Throttle: ThrottleConfig{
			MaxRecordsPerSecond: getFloatEnv("SQLSINK_MAX_RECORDS_PER_SECOND", 0),
			Burst:               getIntEnv("SQLSINK_MAX_RECORDS_BURST", 1),
		},

		Checkpoint: CheckpointConfig{
			Enabled:  getBoolEnv("SQLSINK_CHECKPOINT_ENABLED", false),
			DSN:      getEnv("SQLSINK_CHECKPOINT_DSN", ""),
			Interval: getDurationEnv("SQLSINK_CHECKPOINT_INTERVAL", time.Second),
		},

		DeadLetter: DeadLetterConfig{
			Enabled:         getBoolEnv("SQLSINK_DLQ_ENABLED", false),
			DSN:             getEnv("SQLSINK_DLQ_DSN", ""),
			Retention:       getDurationEnv("SQLSINK_DLQ_RETENTION", 168*time.Hour), // 7 days
			CleanupSchedule: getEnv("SQLSINK_DLQ_CLEANUP_SCHEDULE", "@hourly"),
		},

		Health: HealthConfig{
			Enabled:          getBoolEnv("SQLSINK_HEALTH_ENABLED", true),
			ListenAddr:       getEnv("SQLSINK_HEALTH_LISTEN_ADDR", ":8081"),
			ReadinessTimeout: getDurationEnv("SQLSINK_HEALTH_READINESS_TIMEOUT", 5*time.Second),
		},

		Metrics: MetricsConfig{
			Enabled: getBoolEnv("SQLSINK_METRICS_ENABLED", true),
		},
	}

	return cfg, nil
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Database.URL == "" {
		errs = append(errs, errors.New("SQLSINK_DATABASE_URL is required"))
	}

	switch c.Source.Kind {
	case SourceKafka:
		if len(c.Source.Kafka.Brokers) == 0 {
			errs = append(errs, errors.New("SQLSINK_KAFKA_BROKERS is required for the kafka source"))
		}
		if c.Source.Kafka.Topic == "" {
			errs = append(errs, errors.New("SQLSINK_KAFKA_TOPIC is required for the kafka source"))
		}
		if c.Source.Kafka.Group == "" {
			errs = append(errs, errors.New("SQLSINK_KAFKA_GROUP is required for the kafka source"))
		}
		if c.Source.Kafka.StartOffset != "earliest" && c.Source.Kafka.StartOffset != "latest" {
			errs = append(errs, fmt.Errorf("SQLSINK_KAFKA_START_OFFSET must be earliest or latest, got %q", c.Source.Kafka.StartOffset))
		}
	case SourceFile:
		if c.Source.FilePath == "" {
			errs = append(errs, errors.New("SQLSINK_FILE_PATH is required for the file source"))
		}
	default:
		errs = append(errs, fmt.Errorf("SQLSINK_SOURCE must be kafka or file, got %q", c.Source.Kind))
	}

	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("SQLSINK_RETRY_MAX_ATTEMPTS must be at least 1"))
	}
	if c.Retry.InitialInterval <= 0 || c.Retry.MaxInterval < c.Retry.InitialInterval {
		errs = append(errs, errors.New("retry intervals must be positive with max >= initial"))
	}
	if c.Retry.Multiplier < 1 {
		errs = append(errs, errors.New("SQLSINK_RETRY_MULTIPLIER must be at least 1"))
	}

	if c.Throttle.MaxRecordsPerSecond < 0 {
		errs = append(errs, errors.New("SQLSINK_MAX_RECORDS_PER_SECOND must not be negative"))
	}

	if c.Checkpoint.Enabled && c.Checkpoint.DSN == "" {
		errs = append(errs, errors.New("SQLSINK_CHECKPOINT_DSN is required when checkpoints are enabled"))
	}
	if c.Checkpoint.Interval < 0 {
		errs = append(errs, errors.New("SQLSINK_CHECKPOINT_INTERVAL must not be negative"))
	}

	if c.DeadLetter.Enabled {
		if c.DeadLetter.DSN == "" {
			errs = append(errs, errors.New("SQLSINK_DLQ_DSN is required when the dead-letter table is enabled"))
		}
		if _, err := cron.ParseStandard(c.DeadLetter.CleanupSchedule); err != nil {
			errs = append(errs, fmt.Errorf("SQLSINK_DLQ_CLEANUP_SCHEDULE: %w", err))
		}
	}

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// ParseLogLevel maps debug, info, warn and error to slog levels.
func ParseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("SQLSINK_LOG_LEVEL: unknown level %q", level)
}

// Keys lists the recognized environment variables with their defaults.
func Keys() []Key {
	return []Key{
		{"SQLSINK_DATABASE_URL", "", "destination connection string; scheme selects postgres, mysql or sqlite"},
		{"SQLSINK_DB_MAX_OPEN_CONNS", "2", "maximum open connections"},
		{"SQLSINK_DB_STATEMENT_TIMEOUT", "30s", "per-statement timeout; expiry is retried"},
		{"SQLSINK_DB_CONNECT_TIMEOUT", "10s", "initial connection timeout"},
		{"SQLSINK_SOURCE", SourceKafka, "record source: kafka or file"},
		{"SQLSINK_KAFKA_BROKERS", "localhost:9092", "comma-separated seed brokers"},
		{"SQLSINK_KAFKA_TOPIC", "", "topic to consume"},
		{"SQLSINK_KAFKA_GROUP", "sqlsink", "consumer group"},
		{"SQLSINK_KAFKA_CLIENT_ID", "sqlsink-worker", "client id"},
		{"SQLSINK_KAFKA_START_OFFSET", "earliest", "earliest or latest"},
		{"SQLSINK_FILE_PATH", "-", "newline-delimited JSON file, - for stdin"},
		{"SQLSINK_RETRY_MAX_ATTEMPTS", "5", "attempts for transient failures"},
		{"SQLSINK_RETRY_INITIAL_INTERVAL", "500ms", "first backoff"},
		{"SQLSINK_RETRY_MAX_INTERVAL", "30s", "backoff cap"},
		{"SQLSINK_RETRY_MULTIPLIER", "2", "backoff multiplier"},
		{"SQLSINK_MAX_RECORDS_PER_SECOND", "0", "record rate limit, 0 for unlimited"},
		{"SQLSINK_MAX_RECORDS_BURST", "1", "rate limit burst"},
		{"SQLSINK_CHECKPOINT_ENABLED", "false", "record acknowledged positions"},
		{"SQLSINK_CHECKPOINT_DSN", "", "postgres connection string for checkpoints"},
		{"SQLSINK_CHECKPOINT_INTERVAL", "1s", "minimum time between checkpoint saves per partition, 0 for every ack"},
		{"SQLSINK_DLQ_ENABLED", "false", "record fatal records in the dead-letter table"},
		{"SQLSINK_DLQ_DSN", "", "postgres connection string for the dead-letter table"},
		{"SQLSINK_DLQ_RETENTION", "168h", "dead-letter retention"},
		{"SQLSINK_DLQ_CLEANUP_SCHEDULE", "@hourly", "cron schedule for dead-letter cleanup"},
		{"SQLSINK_HEALTH_ENABLED", "true", "serve health endpoints"},
		{"SQLSINK_HEALTH_LISTEN_ADDR", ":8081", "health server address"},
		{"SQLSINK_HEALTH_READINESS_TIMEOUT", "5s", "timeout for readiness checks"},
		{"SQLSINK_METRICS_ENABLED", "true", "serve /metrics"},
		{"SQLSINK_LOG_LEVEL", "info", "debug, info, warn or error"},
		{"SQLSINK_VERSION", "0.1.0", "version reported in logs"},
		{"SQLSINK_ENV", "development", "deployment environment reported in logs"},
	}
}

// Key describes one environment variable.
type Key struct {
	Name        string `json:"name"`
	Default     string `json:"default,omitempty"`
	Description string `json:"description"`
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getSliceEnv(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		var result []string
		for _, v := range splitAndTrim(value, ",") {
			if v != "" {
				result = append(result, v)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}

func splitAndTrim(s, sep string) []string {
	parts := make([]string, 0)
	for _, p := range strings.Split(s, sep) {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}
