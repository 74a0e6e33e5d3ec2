package backend

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/janovincze/sqlsink/internal/operation"
)

var postgresDialect = dialect{
	quoteIdent: func(ident string) string {
		return pgx.Identifier{ident}.Sanitize()
	},
	placeholder:  dollarPlaceholder,
	upsertClause: onConflictClause,
}

// transientPostgresCodes are SQLSTATE codes that clear on retry. Class 08
// (connection exception) is matched by prefix.
var transientPostgresCodes = map[string]struct{}{
	"40001": {}, // serialization_failure
	"40P01": {}, // deadlock_detected
	"55P03": {}, // lock_not_available
	"57014": {}, // query_canceled
	"57P01": {}, // admin_shutdown
	"57P02": {}, // crash_shutdown
	"57P03": {}, // cannot_connect_now
	"53300": {}, // too_many_connections
}

// Postgres executes operations through a pgx connection pool.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func connectPostgres(ctx context.Context, dsn string, opts Options) (Adapter, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, &ConnectError{Kind: KindPostgres, Reason: "invalid connection string", Err: err}
	}
	if opts.MaxOpenConns > 0 {
		cfg.MaxConns = int32(opts.MaxOpenConns)
	}
	if opts.ConnectTimeout > 0 {
		cfg.ConnConfig.ConnectTimeout = opts.ConnectTimeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, &ConnectError{Kind: KindPostgres, Reason: "invalid connection string", Err: err}
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, &ConnectError{Kind: KindPostgres, Reason: postgresConnectReason(err), Err: err}
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("connected to postgres",
		"host", cfg.ConnConfig.Host,
		"database", cfg.ConnConfig.Database,
		"max_conns", cfg.MaxConns,
	)

	return &Postgres{pool: pool, logger: logger}, nil
}

// Kind implements Adapter.
func (p *Postgres) Kind() Kind {
	return KindPostgres
}

// Execute implements Adapter.
func (p *Postgres) Execute(ctx context.Context, op operation.Operation) (Result, error) {
	stmt, err := postgresDialect.build(op)
	if err != nil {
		return Result{}, &ExecError{Kind: KindPostgres, Operation: op.Summary(), Err: err}
	}

	tag, err := p.pool.Exec(ctx, stmt.query, stmt.args...)
	if err != nil {
		return Result{}, &ExecError{
			Kind:      KindPostgres,
			Transient: ctx.Err() == nil && isTransientPostgres(err),
			Operation: op.Summary(),
			Err:       err,
		}
	}
	return Result{RowsAffected: tag.RowsAffected()}, nil
}

// Ping implements Adapter.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close implements Adapter.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func isTransientPostgres(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if strings.HasPrefix(pgErr.Code, "08") {
			return true
		}
		_, ok := transientPostgresCodes[pgErr.Code]
		return ok
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

func postgresConnectReason(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && strings.HasPrefix(pgErr.Code, "28") {
		return "authentication failed"
	}
	return "unreachable"
}
