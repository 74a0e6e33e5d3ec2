// Package main provides the entry point for the sqlsink worker. The worker
// consumes JSON row operations from a record stream and applies them, one at
// a time, to a PostgreSQL, MySQL, or SQLite database.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/janovincze/sqlsink/internal/backend"
	"github.com/janovincze/sqlsink/internal/checkpoint"
	"github.com/janovincze/sqlsink/internal/config"
	"github.com/janovincze/sqlsink/internal/deadletter"
	"github.com/janovincze/sqlsink/internal/health"
	"github.com/janovincze/sqlsink/internal/metrics"
	"github.com/janovincze/sqlsink/internal/pipeline"
	"github.com/janovincze/sqlsink/internal/stream"
)

var version = "dev"

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "metadata":
			if err := printMetadata(os.Stdout); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			return
		case "version", "-v", "--version":
			fmt.Printf("sqlsink-worker version %s\n", version)
			return
		case "run":
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
			fmt.Fprintln(os.Stderr, "Usage: sqlsink-worker [run|metadata|version]")
			os.Exit(2)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	if err != nil {
		logger.Warn("falling back to info logging", "error", err)
	}

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("worker failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("starting sqlsink worker",
		"version", cfg.Version,
		"environment", cfg.Environment,
		"source", cfg.Source.Kind,
	)

	registry := metrics.NewRegistry()
	m := metrics.New(registry)

	handle, err := backend.Open(ctx, cfg.Database.URL, backend.Options{
		MaxOpenConns:     cfg.Database.MaxOpenConns,
		ConnectTimeout:   cfg.Database.ConnectTimeout,
		StatementTimeout: cfg.Database.StatementTimeout,
		Logger:           logger,
	})
	if err != nil {
		return fmt.Errorf("open backend: %w", err)
	}
	defer handle.Close()
	logger.Info("connected to database", "backend", handle.Kind())

	src, err := openSource(cfg, logger)
	if err != nil {
		return err
	}
	defer src.Close()

	deps := pipeline.Dependencies{Metrics: m}

	if cfg.Checkpoint.Enabled {
		cps, err := checkpoint.NewPostgresManager(ctx, checkpoint.PostgresConfig{
			DSN:          cfg.Checkpoint.DSN,
			MaxOpenConns: 2,
		}, logger)
		if err != nil {
			return fmt.Errorf("create checkpoint manager: %w", err)
		}
		defer cps.Close()
		deps.Checkpoints = cps
	}

	if cfg.DeadLetter.Enabled {
		dlq, err := deadletter.Open(ctx, deadletter.PostgresConfig{
			DSN:       cfg.DeadLetter.DSN,
			Retention: cfg.DeadLetter.Retention,
		}, logger)
		if err != nil {
			return fmt.Errorf("create dead-letter manager: %w", err)
		}
		defer dlq.Close()
		deps.DeadLetters = dlq

		janitor, err := deadletter.NewJanitor(dlq, cfg.DeadLetter.CleanupSchedule, logger)
		if err != nil {
			return err
		}
		janitor.Start()
		defer janitor.Stop()
	}

	p := pipeline.New(src, handle, pipelineConfig(cfg), deps, logger)

	if cfg.Health.Enabled {
		server := newHealthServer(cfg, handle, p, registry, logger)
		go func() {
			if err := server.Start(); err != nil {
				logger.Error("health server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Stop(shutdownCtx); err != nil {
				logger.Warn("health server shutdown", "error", err)
			}
		}()
	}

	logger.Info("pipeline configured",
		"run_id", p.RunID(),
		"backend", handle.Kind(),
		"source", src.Name(),
		"checkpoint_enabled", cfg.Checkpoint.Enabled,
		"checkpoint_interval", cfg.Checkpoint.Interval,
		"dead_letter_enabled", cfg.DeadLetter.Enabled,
		"max_records_per_second", cfg.Throttle.MaxRecordsPerSecond,
	)

	if err := p.Run(ctx); err != nil {
		return err
	}

	logger.Info("sqlsink worker stopped gracefully")
	return nil
}

func pipelineConfig(cfg *config.Config) pipeline.Config {
	pc := pipeline.DefaultConfig()
	pc.Retry = pipeline.RetryPolicy{
		MaxAttempts:     cfg.Retry.MaxAttempts,
		InitialInterval: cfg.Retry.InitialInterval,
		MaxInterval:     cfg.Retry.MaxInterval,
		Multiplier:      cfg.Retry.Multiplier,
		Jitter:          true,
	}
	pc.MaxRecordsPerSecond = cfg.Throttle.MaxRecordsPerSecond
	pc.Burst = cfg.Throttle.Burst
	pc.CheckpointInterval = cfg.Checkpoint.Interval
	pc.DeadLetterRetention = cfg.DeadLetter.Retention
	return pc
}

func openSource(cfg *config.Config, logger *slog.Logger) (stream.Source, error) {
	switch cfg.Source.Kind {
	case config.SourceKafka:
		src, err := stream.NewKafkaSource(stream.KafkaConfig{
			Brokers:     cfg.Source.Kafka.Brokers,
			Topic:       cfg.Source.Kafka.Topic,
			Group:       cfg.Source.Kafka.Group,
			ClientID:    cfg.Source.Kafka.ClientID,
			StartOffset: cfg.Source.Kafka.StartOffset,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("create kafka source: %w", err)
		}
		return src, nil
	case config.SourceFile:
		src, err := stream.OpenFile(cfg.Source.FilePath)
		if err != nil {
			return nil, err
		}
		return src, nil
	default:
		return nil, fmt.Errorf("unknown source %q", cfg.Source.Kind)
	}
}

func newHealthServer(cfg *config.Config, handle *backend.Handle, p *pipeline.Pipeline, registry *prometheus.Registry, logger *slog.Logger) *health.Server {
	checks := health.NewChecks(cfg.Health.ReadinessTimeout, logger)
	checks.Register(string(handle.Kind()), health.Database(handle.Ping))
	checks.Register("pipeline", health.Loop(func() (string, bool) {
		state := p.State()
		return state.String(), state == pipeline.StateTerminated
	}))

	serverCfg := health.DefaultServerConfig()
	serverCfg.ListenAddr = cfg.Health.ListenAddr
	if cfg.Metrics.Enabled {
		serverCfg.Gatherer = registry
	}
	return health.NewServer(checks, serverCfg, logger)
}

type metadata struct {
	Name          string       `json:"name"`
	Version       string       `json:"version"`
	Direction     string       `json:"direction"`
	Description   string       `json:"description"`
	Backends      []string     `json:"backends"`
	Configuration []config.Key `json:"configuration"`
}

func printMetadata(w io.Writer) error {
	doc := metadata{
		Name:          "sqlsink",
		Version:       version,
		Direction:     "Sink",
		Description:   "Applies JSON row operations from a record stream to PostgreSQL, MySQL, or SQLite.",
		Backends:      backend.Schemes(),
		Configuration: config.Keys(),
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	return nil
}
