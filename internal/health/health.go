// Package health serves liveness, readiness, and Prometheus metrics for the
// worker over HTTP.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Status is the health of one check or of the whole worker.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// ErrLoopTerminated is reported by Loop once the consumption loop has stopped
// on a failed record.
var ErrLoopTerminated = errors.New("consumption loop terminated")

// CheckFunc checks one dependency. A non-nil error marks it unhealthy; detail
// is reported either way.
type CheckFunc func(ctx context.Context) (detail string, err error)

// CheckResult is the outcome of one check.
type CheckResult struct {
	Status   Status        `json:"status"`
	Detail   string        `json:"detail,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration_ns"`
}

// Report is the outcome of every registered check.
type Report struct {
	Status    Status                 `json:"status"`
	Checks    map[string]CheckResult `json:"checks"`
	Timestamp time.Time              `json:"timestamp"`
}

// Healthy reports whether every check passed.
func (r Report) Healthy() bool {
	return r.Status == StatusHealthy
}

// Checks holds named checks and runs them on demand.
type Checks struct {
	mu      sync.RWMutex
	funcs   map[string]CheckFunc
	timeout time.Duration
	logger  *slog.Logger
}

// NewChecks creates an empty set. Each check runs under timeout; zero or less
// means five seconds.
func NewChecks(timeout time.Duration, logger *slog.Logger) *Checks {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Checks{
		funcs:   make(map[string]CheckFunc),
		timeout: timeout,
		logger:  logger.With("component", "health"),
	}
}

// Register adds fn under name, replacing any check of the same name.
func (c *Checks) Register(name string, fn CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.funcs[name] = fn
}

// Run executes every check in name order. One failing check makes the report
// unhealthy.
func (c *Checks) Run(ctx context.Context) Report {
	c.mu.RLock()
	names := make([]string, 0, len(c.funcs))
	for name := range c.funcs {
		names = append(names, name)
	}
	funcs := make(map[string]CheckFunc, len(c.funcs))
	for name, fn := range c.funcs {
		funcs[name] = fn
	}
	c.mu.RUnlock()
	sort.Strings(names)

	report := Report{
		Status:    StatusHealthy,
		Checks:    make(map[string]CheckResult, len(names)),
		Timestamp: time.Now().UTC(),
	}
	for _, name := range names {
		checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
		start := time.Now()
		detail, err := funcs[name](checkCtx)
		cancel()

		result := CheckResult{Status: StatusHealthy, Detail: detail, Duration: time.Since(start)}
		if err != nil {
			result.Status = StatusUnhealthy
			result.Error = err.Error()
			report.Status = StatusUnhealthy
			c.logger.Warn("health check failed", "check", name, "error", err)
		}
		report.Checks[name] = result
	}
	return report
}

// Database checks a connection with ping.
func Database(ping func(ctx context.Context) error) CheckFunc {
	return func(ctx context.Context) (string, error) {
		if err := ping(ctx); err != nil {
			return "ping failed", err
		}
		return "ping ok", nil
	}
}

// LoopState reports the consumption loop's current state name and whether it
// has terminated.
type LoopState func() (state string, terminated bool)

// Loop fails once the consumption loop has terminated.
func Loop(state LoopState) CheckFunc {
	return func(context.Context) (string, error) {
		s, terminated := state()
		if terminated {
			return s, ErrLoopTerminated
		}
		return s, nil
	}
}

// ServerConfig holds configuration for the health server.
type ServerConfig struct {
	ListenAddr   string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Gatherer is exposed on /metrics when set.
	Gatherer prometheus.Gatherer
}

// DefaultServerConfig returns a ServerConfig with sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:   ":8081",
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Server exposes the checks and metrics over HTTP.
type Server struct {
	checks *Checks
	logger *slog.Logger
	server *http.Server
}

// NewServer creates a health server for checks.
func NewServer(checks *Checks, cfg ServerConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		checks: checks,
		logger: logger.With("component", "health-server"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /health/live", s.handleLive)
	mux.HandleFunc("GET /health/ready", s.handleReady)
	if cfg.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	s.server = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start serves until Stop is called. It returns nil after a clean Stop.
func (s *Server) Start() error {
	s.logger.Info("starting health server", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the server down, waiting for in-flight requests until ctx ends.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.checks.Run(r.Context())
	s.writeJSON(w, statusCode(report.Healthy()), report)
}

// handleLive answers as long as the process serves HTTP.
func (s *Server) handleLive(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ready := s.checks.Run(r.Context()).Healthy()
	status := "ready"
	if !ready {
		status = "not_ready"
	}
	s.writeJSON(w, statusCode(ready), map[string]string{"status": status})
}

func statusCode(ok bool) int {
	if ok {
		return http.StatusOK
	}
	return http.StatusServiceUnavailable
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("failed to encode health response", "error", err)
	}
}
