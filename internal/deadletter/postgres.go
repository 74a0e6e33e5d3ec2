package deadletter

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
	"github.com/lib/pq"
)

// Schema creates the dead-letter table.
const Schema = `
CREATE SCHEMA IF NOT EXISTS sqlsink;
CREATE TABLE IF NOT EXISTS sqlsink.dead_letter_records (
	id            BIGSERIAL PRIMARY KEY,
	run_id        TEXT NOT NULL,
	source_id     TEXT NOT NULL,
	record_offset BIGINT NOT NULL,
	backend       TEXT NOT NULL,
	operation     TEXT,
	table_name    TEXT,
	columns       TEXT[],
	payload       BYTEA NOT NULL,
	error_message TEXT NOT NULL,
	error_type    TEXT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL,
	expires_at    TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS dead_letter_records_source_idx ON sqlsink.dead_letter_records (source_id);
`

const selectColumns = `
	SELECT id, run_id, source_id, record_offset, backend, operation, table_name,
	       columns, payload, error_message, error_type, created_at, expires_at
	FROM sqlsink.dead_letter_records
`

// PostgresManager implements Manager using PostgreSQL.
type PostgresManager struct {
	db        *sql.DB
	logger    *slog.Logger
	retention time.Duration
}

// PostgresConfig holds configuration for the PostgreSQL dead-letter manager.
type PostgresConfig struct {
	// DSN is the PostgreSQL connection string.
	DSN string

	// Retention is how long to keep records.
	Retention time.Duration
}

// Open connects to cfg.DSN, creates the table if needed, and returns the
// manager. The manager owns the connection.
func Open(ctx context.Context, cfg PostgresConfig, logger *slog.Logger) (*PostgresManager, error) {
	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create dead letter schema: %w", err)
	}
	return NewPostgresManager(db, cfg, logger), nil
}

// NewPostgresManager creates a new PostgreSQL-backed dead-letter manager.
func NewPostgresManager(db *sql.DB, cfg PostgresConfig, logger *slog.Logger) *PostgresManager {
	if logger == nil {
		logger = slog.Default()
	}

	return &PostgresManager{
		db:        db,
		logger:    logger.With("component", "dlq-manager"),
		retention: cfg.Retention,
	}
}

// Write adds a failed record. ExpiresAt defaults to CreatedAt plus the
// configured retention.
func (m *PostgresManager) Write(ctx context.Context, record FailedRecord) error {
	query := `
		INSERT INTO sqlsink.dead_letter_records (
			run_id, source_id, record_offset, backend, operation, table_name,
			columns, payload, error_message, error_type, created_at, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id
	`

	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	if record.ExpiresAt == nil && m.retention > 0 {
		expiresAt := record.CreatedAt.Add(m.retention)
		record.ExpiresAt = &expiresAt
	}

	var id int64
	err := m.db.QueryRowContext(ctx, query,
		record.RunID,
		record.SourceID,
		record.Offset,
		record.Backend,
		nullableString(record.Operation),
		nullableString(record.TableName),
		pq.Array(record.Columns),
		record.Payload,
		record.ErrorMessage,
		string(record.ErrorType),
		record.CreatedAt,
		record.ExpiresAt,
	).Scan(&id)
	if err != nil {
		return fmt.Errorf("insert dead letter record: %w", err)
	}

	m.logger.Info("record added to dead-letter table",
		"id", id,
		"source_id", record.SourceID,
		"offset", record.Offset,
		"error_type", record.ErrorType,
	)

	return nil
}

// Read retrieves failed records, oldest first.
func (m *PostgresManager) Read(ctx context.Context, limit int) ([]FailedRecord, error) {
	query := selectColumns + `
		ORDER BY created_at ASC
		LIMIT $1
	`
	return m.queryRecords(ctx, query, limit)
}

// ReadBySource retrieves failed records for one partition.
func (m *PostgresManager) ReadBySource(ctx context.Context, sourceID string, limit int) ([]FailedRecord, error) {
	query := selectColumns + `
		WHERE source_id = $1
		ORDER BY record_offset ASC
		LIMIT $2
	`
	return m.queryRecords(ctx, query, sourceID, limit)
}

func (m *PostgresManager) queryRecords(ctx context.Context, query string, args ...any) ([]FailedRecord, error) {
	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query dead letter records: %w", err)
	}
	defer rows.Close()

	var records []FailedRecord
	for rows.Next() {
		var rec FailedRecord
		var op, table sql.NullString
		var errorType string
		var expiresAt sql.NullTime

		err := rows.Scan(
			&rec.ID,
			&rec.RunID,
			&rec.SourceID,
			&rec.Offset,
			&rec.Backend,
			&op,
			&table,
			pq.Array(&rec.Columns),
			&rec.Payload,
			&rec.ErrorMessage,
			&errorType,
			&rec.CreatedAt,
			&expiresAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan dead letter record: %w", err)
		}

		rec.Operation = op.String
		rec.TableName = table.String
		rec.ErrorType = ErrorType(errorType)
		if expiresAt.Valid {
			rec.ExpiresAt = &expiresAt.Time
		}

		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead letter records: %w", err)
	}

	return records, nil
}

// Delete removes a record.
func (m *PostgresManager) Delete(ctx context.Context, id int64) error {
	query := `DELETE FROM sqlsink.dead_letter_records WHERE id = $1`

	result, err := m.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("delete dead letter record: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("dead letter record not found: %d", id)
	}

	m.logger.Debug("record deleted from dead-letter table", "id", id)
	return nil
}

// Cleanup removes expired records.
func (m *PostgresManager) Cleanup(ctx context.Context) (int64, error) {
	query := `
		DELETE FROM sqlsink.dead_letter_records
		WHERE expires_at IS NOT NULL AND expires_at < $1
	`

	result, err := m.db.ExecContext(ctx, query, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("cleanup expired records: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}

	if rowsAffected > 0 {
		m.logger.Info("cleaned up expired dead-letter records", "count", rowsAffected)
	}

	return rowsAffected, nil
}

// Count returns the number of stored records.
func (m *PostgresManager) Count(ctx context.Context) (int64, error) {
	query := `SELECT COUNT(*) FROM sqlsink.dead_letter_records`

	var count int64
	if err := m.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("count dead letter records: %w", err)
	}

	return count, nil
}

// Close closes the database connection.
func (m *PostgresManager) Close() error {
	return m.db.Close()
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Ensure PostgresManager implements Manager.
var _ Manager = (*PostgresManager)(nil)
