package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
)

// Schema creates the checkpoint table.
const Schema = `
CREATE SCHEMA IF NOT EXISTS sqlsink;
CREATE TABLE IF NOT EXISTS sqlsink.checkpoints (
	source_id     TEXT PRIMARY KEY,
	record_offset BIGINT NOT NULL,
	run_id        TEXT,
	committed_at  TIMESTAMPTZ NOT NULL
);
`

// PostgresManager implements checkpoint persistence using PostgreSQL.
type PostgresManager struct {
	db     *sql.DB
	logger *slog.Logger
}

// PostgresConfig holds configuration for the PostgreSQL checkpoint manager.
type PostgresConfig struct {
	// DSN is the PostgreSQL connection string.
	DSN string

	// MaxOpenConns is the maximum number of open connections.
	MaxOpenConns int

	// ConnMaxLifetime is the maximum lifetime of a connection.
	ConnMaxLifetime time.Duration
}

// NewPostgresManager connects to the audit database and creates the
// checkpoint table if needed.
func NewPostgresManager(ctx context.Context, cfg PostgresConfig, logger *slog.Logger) (*PostgresManager, error) {
	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	m := NewPostgresManagerWithDB(db, logger)
	if err := m.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return m, nil
}

// NewPostgresManagerWithDB wraps an existing connection pool.
func NewPostgresManagerWithDB(db *sql.DB, logger *slog.Logger) *PostgresManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresManager{
		db:     db,
		logger: logger.With("component", "checkpoint-manager"),
	}
}

// EnsureSchema creates the checkpoint table if it does not exist.
func (m *PostgresManager) EnsureSchema(ctx context.Context) error {
	if _, err := m.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("create checkpoint schema: %w", err)
	}
	return nil
}

// Save persists a checkpoint to the database.
func (m *PostgresManager) Save(ctx context.Context, checkpoint Checkpoint) error {
	query := `
		INSERT INTO sqlsink.checkpoints (source_id, record_offset, run_id, committed_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (source_id)
		DO UPDATE SET
			record_offset = EXCLUDED.record_offset,
			run_id = EXCLUDED.run_id,
			committed_at = EXCLUDED.committed_at
	`

	committedAt := checkpoint.CommittedAt
	if committedAt.IsZero() {
		committedAt = time.Now()
	}

	_, err := m.db.ExecContext(ctx, query,
		checkpoint.SourceID,
		checkpoint.Offset,
		nullableString(checkpoint.RunID),
		committedAt,
	)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}

	m.logger.Debug("checkpoint saved",
		"source_id", checkpoint.SourceID,
		"offset", checkpoint.Offset,
	)

	return nil
}

// Load retrieves the latest checkpoint for a source.
func (m *PostgresManager) Load(ctx context.Context, sourceID string) (*Checkpoint, error) {
	query := `
		SELECT source_id, record_offset, run_id, committed_at
		FROM sqlsink.checkpoints
		WHERE source_id = $1
	`

	var checkpoint Checkpoint
	var runID sql.NullString

	err := m.db.QueryRowContext(ctx, query, sourceID).Scan(
		&checkpoint.SourceID,
		&checkpoint.Offset,
		&runID,
		&checkpoint.CommittedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	checkpoint.RunID = runID.String

	return &checkpoint, nil
}

// List returns every stored checkpoint ordered by source.
func (m *PostgresManager) List(ctx context.Context) ([]Checkpoint, error) {
	query := `
		SELECT source_id, record_offset, run_id, committed_at
		FROM sqlsink.checkpoints
		ORDER BY source_id
	`

	rows, err := m.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var checkpoints []Checkpoint
	for rows.Next() {
		var cp Checkpoint
		var runID sql.NullString
		if err := rows.Scan(&cp.SourceID, &cp.Offset, &runID, &cp.CommittedAt); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		cp.RunID = runID.String
		checkpoints = append(checkpoints, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoints: %w", err)
	}
	return checkpoints, nil
}

// Delete removes a checkpoint for a source.
func (m *PostgresManager) Delete(ctx context.Context, sourceID string) error {
	query := `DELETE FROM sqlsink.checkpoints WHERE source_id = $1`

	_, err := m.db.ExecContext(ctx, query, sourceID)
	if err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}

	m.logger.Debug("checkpoint deleted", "source_id", sourceID)

	return nil
}

// Close closes the database connection.
func (m *PostgresManager) Close() error {
	return m.db.Close()
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Ensure PostgresManager implements Manager interface.
var _ Manager = (*PostgresManager)(nil)
