// Package backend executes operations against relational databases. Each
// supported engine is one Adapter implementation; the engine is chosen once
// from the connection string's scheme.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/janovincze/sqlsink/internal/operation"
)

// Kind identifies a backend engine.
type Kind string

const (
	KindPostgres Kind = "postgres"
	KindMySQL    Kind = "mysql"
	KindSQLite   Kind = "sqlite"
)

// Result describes the outcome of a successful Execute.
type Result struct {
	// RowsAffected is the number of rows the statement changed.
	RowsAffected int64
}

// Adapter executes operations against one database engine.
type Adapter interface {
	// Kind returns the static backend identifier.
	Kind() Kind

	// Execute translates op into one parameterized statement and runs it
	// with implicit commit. Failures are returned as *ExecError.
	Execute(ctx context.Context, op operation.Operation) (Result, error)

	// Ping verifies the connection is usable.
	Ping(ctx context.Context) error

	// Close releases the connection.
	Close() error
}

// Options tunes how an adapter connects and executes.
type Options struct {
	// MaxOpenConns caps the connection pool. SQLite always uses one connection.
	MaxOpenConns int

	// ConnectTimeout bounds the initial connection attempt.
	ConnectTimeout time.Duration

	// StatementTimeout bounds each Execute. Expiry is a transient error.
	StatementTimeout time.Duration

	// Logger receives adapter diagnostics.
	Logger *slog.Logger
}

// Connector opens an Adapter for a connection string.
type Connector func(ctx context.Context, dsn string, opts Options) (Adapter, error)

type registration struct {
	kind    Kind
	connect Connector
}

var (
	registryMu sync.RWMutex
	registry   = map[string]registration{}
)

func init() {
	Register("postgres", KindPostgres, connectPostgres)
	Register("postgresql", KindPostgres, connectPostgres)
	Register("mysql", KindMySQL, connectMySQL)
	Register("sqlite", KindSQLite, connectSQLite)
	Register("sqlite3", KindSQLite, connectSQLite)
	Register("file", KindSQLite, connectSQLite)
}

// Register makes a backend available under a connection string scheme.
// Registering an existing scheme replaces it.
func Register(scheme string, kind Kind, connect Connector) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[strings.ToLower(scheme)] = registration{kind: kind, connect: connect}
}

// Schemes returns the registered schemes in sorted order.
func Schemes() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	schemes := make([]string, 0, len(registry))
	for s := range registry {
		schemes = append(schemes, s)
	}
	sort.Strings(schemes)
	return schemes
}

// Scheme extracts the lowercased scheme of a connection string: the part
// before "://", or "file" for SQLite "file:" URIs.
func Scheme(dsn string) string {
	if idx := strings.Index(dsn, "://"); idx > 0 {
		return strings.ToLower(dsn[:idx])
	}
	if strings.HasPrefix(strings.ToLower(dsn), "file:") {
		return "file"
	}
	return ""
}

// Open selects the adapter for dsn's scheme, connects it, and returns the
// Handle. An unknown scheme fails with *UnsupportedBackendError before any
// connection is attempted.
func Open(ctx context.Context, dsn string, opts Options) (*Handle, error) {
	scheme := Scheme(dsn)

	registryMu.RLock()
	reg, ok := registry[scheme]
	registryMu.RUnlock()
	if !ok {
		return nil, &UnsupportedBackendError{Scheme: scheme}
	}

	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	connectCtx := ctx
	if opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		connectCtx, cancel = context.WithTimeout(ctx, opts.ConnectTimeout)
		defer cancel()
	}

	adapter, err := reg.connect(connectCtx, dsn, opts)
	if err != nil {
		var connErr *ConnectError
		if errors.As(err, &connErr) {
			return nil, err
		}
		return nil, &ConnectError{Kind: reg.kind, Reason: "connect failed", Err: err}
	}

	return newHandle(adapter, opts), nil
}

// Handle is the process's single database binding. It is created once by
// Open and is safe to use from one goroutine at a time plus health checks.
type Handle struct {
	adapter Adapter
	kind    Kind
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// NewHandle wraps an already-connected adapter. It is mainly useful for
// adapters built outside the registry.
func NewHandle(adapter Adapter, opts Options) *Handle {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return newHandle(adapter, opts)
}

func newHandle(adapter Adapter, opts Options) *Handle {
	return &Handle{
		adapter: adapter,
		kind:    adapter.Kind(),
		timeout: opts.StatementTimeout,
		logger:  opts.Logger.With("component", "backend", "backend", string(adapter.Kind())),
	}
}

// Kind returns the backend identifier.
func (h *Handle) Kind() Kind {
	return h.kind
}

// Execute runs op. A zero-row Update or Delete is a successful no-op.
func (h *Handle) Execute(ctx context.Context, op operation.Operation) (Result, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return Result{}, &ExecError{Kind: h.kind, Operation: op.Summary(), Err: ErrClosed}
	}

	if err := op.Validate(); err != nil {
		return Result{}, &ExecError{Kind: h.kind, Operation: op.Summary(), Err: err}
	}

	execCtx := ctx
	cancel := func() {}
	if h.timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, h.timeout)
	}
	res, err := h.adapter.Execute(execCtx, op)
	timedOut := ctx.Err() == nil && errors.Is(execCtx.Err(), context.DeadlineExceeded)
	cancel()

	if err != nil {
		var execErr *ExecError
		if !errors.As(err, &execErr) {
			execErr = &ExecError{Kind: h.kind, Operation: op.Summary(), Err: err}
		}
		switch {
		case timedOut:
			execErr.Transient = true
			execErr.Err = fmt.Errorf("statement timeout after %s: %w", h.timeout, execErr.Err)
		case ctx.Err() != nil:
			// Drivers report a connection torn down by the caller's
			// cancellation as retryable; retrying cannot help.
			execErr.Transient = false
		}
		return Result{}, execErr
	}

	if res.RowsAffected == 0 && (op.Kind == operation.KindUpdate || op.Kind == operation.KindDelete) {
		h.logger.Info("no rows matched, treating as no-op",
			"operation", op.Summary(),
		)
	}
	return res, nil
}

// Ping checks the connection.
func (h *Handle) Ping(ctx context.Context) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return ErrClosed
	}
	return h.adapter.Ping(ctx)
}

// Close closes the underlying connection. It is idempotent.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	return h.adapter.Close()
}
