package backend

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var sqliteDialect = dialect{
	quoteIdent:   quoteWith(`"`),
	placeholder:  questionPlaceholder,
	upsertClause: onConflictClause,
}

// SQLite executes operations against a local database file through the
// pure-Go modernc driver. It holds a single connection.
type SQLite struct {
	sqlExecutor
}

func connectSQLite(ctx context.Context, dsn string, opts Options) (Adapter, error) {
	path := sqlitePath(dsn)
	if path == "" {
		return nil, &ConnectError{Kind: KindSQLite, Reason: "invalid connection string", Err: errors.New("missing database path")}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, &ConnectError{Kind: KindSQLite, Reason: "invalid connection string", Err: err}
	}
	// One connection keeps ":memory:" databases alive and serializes writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, &ConnectError{Kind: KindSQLite, Reason: "unreachable", Err: err}
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("opened sqlite database", "path", path)

	return newSQLite(db, logger), nil
}

func newSQLite(db *sql.DB, logger *slog.Logger) *SQLite {
	return &SQLite{sqlExecutor{
		db:        db,
		kind:      KindSQLite,
		dialect:   sqliteDialect,
		transient: isTransientSQLite,
		logger:    logger,
	}}
}

// sqlitePath maps sqlite://path and sqlite3://path to the driver's file name
// and adds a busy timeout unless one is configured. "file:" URIs pass through.
func sqlitePath(dsn string) string {
	path := dsn
	for _, prefix := range []string{"sqlite://", "sqlite3://"} {
		if len(dsn) >= len(prefix) && strings.EqualFold(dsn[:len(prefix)], prefix) {
			path = dsn[len(prefix):]
			break
		}
	}
	if path == "" {
		return ""
	}
	if strings.Contains(path, "busy_timeout") {
		return path
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=busy_timeout(5000)"
}

func isTransientSQLite(err error) bool {
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() & 0xff {
		case int(sqlite3.SQLITE_BUSY), int(sqlite3.SQLITE_LOCKED):
			return true
		}
	}
	return false
}
