package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func fixed(detail string, err error) CheckFunc {
	return func(context.Context) (string, error) { return detail, err }
}

func serve(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestChecks_Run(t *testing.T) {
	tests := []struct {
		name   string
		checks map[string]CheckFunc
		want   Status
	}{
		{"no checks", nil, StatusHealthy},
		{"all passing", map[string]CheckFunc{"sqlite": fixed("ping ok", nil), "pipeline": fixed("awaiting_record", nil)}, StatusHealthy},
		{"one failing", map[string]CheckFunc{"sqlite": fixed("ping failed", errors.New("database is closed")), "pipeline": fixed("executing", nil)}, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checks := NewChecks(time.Second, nil)
			for name, fn := range tt.checks {
				checks.Register(name, fn)
			}

			report := checks.Run(context.Background())
			if report.Status != tt.want {
				t.Errorf("Status = %v, want %v", report.Status, tt.want)
			}
			if len(report.Checks) != len(tt.checks) {
				t.Errorf("got %d results, want %d", len(report.Checks), len(tt.checks))
			}
		})
	}
}

func TestChecks_RegisterReplaces(t *testing.T) {
	checks := NewChecks(0, nil)
	if checks.timeout != 5*time.Second {
		t.Errorf("default timeout = %v, want 5s", checks.timeout)
	}

	checks.Register("postgres", fixed("", errors.New("refused")))
	checks.Register("postgres", fixed("ping ok", nil))

	report := checks.Run(context.Background())
	if !report.Healthy() || report.Checks["postgres"].Detail != "ping ok" {
		t.Errorf("report = %+v", report)
	}
}

func TestChecks_Timeout(t *testing.T) {
	checks := NewChecks(10*time.Millisecond, nil)
	checks.Register("mysql", Database(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	result := checks.Run(context.Background()).Checks["mysql"]
	if result.Status != StatusUnhealthy || !strings.Contains(result.Error, "deadline") {
		t.Errorf("result = %+v, want unhealthy deadline error", result)
	}
}

func TestDatabase(t *testing.T) {
	if detail, err := Database(func(context.Context) error { return nil })(context.Background()); err != nil || detail != "ping ok" {
		t.Errorf("Database() = %q, %v", detail, err)
	}
	refused := errors.New("connection refused")
	if _, err := Database(func(context.Context) error { return refused })(context.Background()); !errors.Is(err, refused) {
		t.Errorf("Database() error = %v, want %v", err, refused)
	}
}

func TestLoop(t *testing.T) {
	tests := []struct {
		state      string
		terminated bool
		wantErr    bool
	}{
		{"awaiting_record", false, false},
		{"executing", false, false},
		{"terminated", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.state, func(t *testing.T) {
			detail, err := Loop(func() (string, bool) { return tt.state, tt.terminated })(context.Background())
			if detail != tt.state {
				t.Errorf("detail = %q, want %q", detail, tt.state)
			}
			if got := errors.Is(err, ErrLoopTerminated); got != tt.wantErr {
				t.Errorf("error = %v, want terminated %v", err, tt.wantErr)
			}
		})
	}
}

func TestServer_Endpoints(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		failing bool
		code    int
		body    string
	}{
		{"live while unhealthy", "/health/live", true, http.StatusOK, `"alive"`},
		{"ready", "/health/ready", false, http.StatusOK, `"ready"`},
		{"not ready", "/health/ready", true, http.StatusServiceUnavailable, `"not_ready"`},
		{"health", "/health", false, http.StatusOK, `"healthy"`},
		{"health unhealthy", "/health", true, http.StatusServiceUnavailable, `"unhealthy"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checks := NewChecks(time.Second, nil)
			checks.Register("pipeline", Loop(func() (string, bool) { return "awaiting_record", tt.failing }))
			server := NewServer(checks, DefaultServerConfig(), nil)

			w := serve(t, server, tt.path)
			if w.Code != tt.code {
				t.Errorf("status = %d, want %d", w.Code, tt.code)
			}
			if ct := w.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q", ct)
			}
			if !strings.Contains(w.Body.String(), tt.body) {
				t.Errorf("body = %q, want %s", w.Body.String(), tt.body)
			}
		})
	}
}

func TestServer_HealthReport(t *testing.T) {
	checks := NewChecks(time.Second, nil)
	checks.Register("sqlite", fixed("ping ok", nil))
	checks.Register("pipeline", fixed("terminated", ErrLoopTerminated))
	server := NewServer(checks, DefaultServerConfig(), nil)

	w := serve(t, server, "/health")

	var report Report
	if err := json.NewDecoder(w.Body).Decode(&report); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if report.Status != StatusUnhealthy || len(report.Checks) != 2 {
		t.Errorf("report = %+v", report)
	}
	if got := report.Checks["pipeline"].Error; got != ErrLoopTerminated.Error() {
		t.Errorf("pipeline error = %q", got)
	}
}

func TestServer_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "sqlsink_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	cfg := DefaultServerConfig()
	cfg.Gatherer = reg
	server := NewServer(NewChecks(time.Second, nil), cfg, nil)

	w := serve(t, server, "/metrics")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "sqlsink_test_total 1") {
		t.Errorf("metrics output missing counter:\n%s", w.Body.String())
	}

	bare := NewServer(NewChecks(time.Second, nil), DefaultServerConfig(), nil)
	if w := serve(t, bare, "/metrics"); w.Code != http.StatusNotFound {
		t.Errorf("status without a gatherer = %d, want 404", w.Code)
	}
}
