package backend

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/janovincze/sqlsink/internal/operation"
)

// sqlExecutor runs statements through database/sql. The MySQL and SQLite
// adapters share it and differ only in dialect and error classification.
type sqlExecutor struct {
	db        *sql.DB
	kind      Kind
	dialect   dialect
	transient func(error) bool
	logger    *slog.Logger
}

// Kind implements Adapter.
func (s *sqlExecutor) Kind() Kind {
	return s.kind
}

// Execute implements Adapter.
func (s *sqlExecutor) Execute(ctx context.Context, op operation.Operation) (Result, error) {
	stmt, err := s.dialect.build(op)
	if err != nil {
		return Result{}, &ExecError{Kind: s.kind, Operation: op.Summary(), Err: err}
	}

	res, err := s.db.ExecContext(ctx, stmt.query, stmt.args...)
	if err != nil {
		return Result{}, &ExecError{
			Kind:      s.kind,
			Transient: ctx.Err() == nil && s.transient(err),
			Operation: op.Summary(),
			Err:       err,
		}
	}

	n, err := res.RowsAffected()
	if err != nil {
		// The statement committed; only the count is unknown.
		s.logger.Warn("rows affected unavailable", "operation", op.Summary(), "error", err)
		return Result{RowsAffected: -1}, nil
	}
	return Result{RowsAffected: n}, nil
}

// Ping implements Adapter.
func (s *sqlExecutor) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close implements Adapter.
func (s *sqlExecutor) Close() error {
	return s.db.Close()
}
