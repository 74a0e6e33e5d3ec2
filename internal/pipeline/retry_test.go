package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/janovincze/sqlsink/internal/backend"
	"github.com/janovincze/sqlsink/internal/metrics"
)

func transientErr(msg string) error {
	return &backend.ExecError{Kind: backend.KindPostgres, Transient: true, Err: errors.New(msg)}
}

func permanentErr(msg string) error {
	return &backend.ExecError{Kind: backend.KindMySQL, Err: errors.New(msg)}
}

// recordingRetryer returns a Retryer whose sleeps are recorded instead of
// waited out.
func recordingRetryer(policy RetryPolicy) (*Retryer, *[]time.Duration) {
	var waits []time.Duration
	r := NewRetryer(policy, nil)
	r.sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return ctx.Err()
	}
	return r, &waits
}

func TestRetryer_Execute(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, InitialInterval: 10 * time.Millisecond, Multiplier: 2}

	tests := []struct {
		name          string
		failures      []error
		wantCalls     int
		wantErr       bool
		wantExhausted bool
		wantWaits     []time.Duration
	}{
		{
			name:      "first try",
			wantCalls: 1,
		},
		{
			name:      "transient then success",
			failures:  []error{transientErr("connection reset"), transientErr("connection reset")},
			wantCalls: 3,
			wantWaits: []time.Duration{10 * time.Millisecond, 20 * time.Millisecond},
		},
		{
			name:          "transient exhausted",
			failures:      []error{transientErr("deadlock"), transientErr("deadlock"), transientErr("deadlock")},
			wantCalls:     3,
			wantErr:       true,
			wantExhausted: true,
			wantWaits:     []time.Duration{10 * time.Millisecond, 20 * time.Millisecond},
		},
		{
			name:      "permanent",
			failures:  []error{permanentErr("duplicate entry")},
			wantCalls: 1,
			wantErr:   true,
		},
		{
			name:      "unclassified is not retried",
			failures:  []error{errors.New("unknown")},
			wantCalls: 1,
			wantErr:   true,
		},
		{
			name:      "permanent after transient",
			failures:  []error{transientErr("lock timeout"), permanentErr("foreign key")},
			wantCalls: 2,
			wantErr:   true,
			wantWaits: []time.Duration{10 * time.Millisecond},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			retryer, waits := recordingRetryer(policy)
			calls := 0

			err := retryer.Execute(context.Background(), func(ctx context.Context) error {
				calls++
				if calls <= len(tt.failures) {
					return tt.failures[calls-1]
				}
				return nil
			})

			if calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", calls, tt.wantCalls)
			}
			if len(*waits) != len(tt.wantWaits) {
				t.Fatalf("waits = %v, want %v", *waits, tt.wantWaits)
			}
			for i, w := range tt.wantWaits {
				if (*waits)[i] != w {
					t.Errorf("wait %d = %v, want %v", i, (*waits)[i], w)
				}
			}

			if !tt.wantErr {
				if err != nil {
					t.Fatalf("Execute() error = %v", err)
				}
				return
			}
			var retryErr *RetryError
			if !errors.As(err, &retryErr) {
				t.Fatalf("Execute() error = %T, want *RetryError", err)
			}
			if retryErr.Attempts != tt.wantCalls {
				t.Errorf("Attempts = %d, want %d", retryErr.Attempts, tt.wantCalls)
			}
			if retryErr.Exhausted != tt.wantExhausted {
				t.Errorf("Exhausted = %v, want %v", retryErr.Exhausted, tt.wantExhausted)
			}
			if !errors.Is(err, tt.failures[len(tt.failures)-1]) {
				t.Errorf("error chain %v does not hold the last failure", err)
			}
		})
	}
}

func TestRetryer_CountsRetries(t *testing.T) {
	retryer, _ := recordingRetryer(RetryPolicy{MaxAttempts: 4, InitialInterval: time.Millisecond, Multiplier: 2})
	m := metrics.New(nil)
	retryer.SetMetrics(m, "sqlite")

	calls := 0
	_ = retryer.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return transientErr("database is locked")
		}
		return nil
	})

	if got := testutil.ToFloat64(m.RetriesTotal.WithLabelValues("sqlite")); got != 2 {
		t.Errorf("retries metric = %v, want 2", got)
	}
}

func TestRetryer_CancelledWhileWaiting(t *testing.T) {
	retryer := NewRetryer(RetryPolicy{MaxAttempts: 5, InitialInterval: time.Second, Multiplier: 2}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := retryer.Execute(ctx, func(ctx context.Context) error {
		return transientErr("server closed the connection")
	})

	var retryErr *RetryError
	if !errors.As(err, &retryErr) {
		t.Fatalf("Execute() error = %T, want *RetryError", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled in chain", err)
	}
	if retryErr.Attempts != 1 || retryErr.Exhausted {
		t.Errorf("Attempts = %d Exhausted = %v, want 1 false", retryErr.Attempts, retryErr.Exhausted)
	}
}

func TestRetryer_Backoff(t *testing.T) {
	retryer := NewRetryer(RetryPolicy{
		MaxAttempts:     6,
		InitialInterval: 250 * time.Millisecond,
		MaxInterval:     time.Second,
		Multiplier:      2,
	}, nil)

	want := []time.Duration{
		250 * time.Millisecond,
		500 * time.Millisecond,
		time.Second,
		time.Second,
	}
	for i, w := range want {
		if got := retryer.calculateBackoff(i + 1); got != w {
			t.Errorf("calculateBackoff(%d) = %v, want %v", i+1, got, w)
		}
	}

	jittered := NewRetryer(RetryPolicy{MaxAttempts: 2, InitialInterval: 200 * time.Millisecond, Multiplier: 2, Jitter: true}, nil)
	for i := 0; i < 50; i++ {
		if got := jittered.calculateBackoff(1); got < 150*time.Millisecond || got > 250*time.Millisecond {
			t.Fatalf("jittered backoff = %v, want 150ms..250ms", got)
		}
	}

	zero := NewRetryer(RetryPolicy{MaxAttempts: 2, Multiplier: 2, Jitter: true}, nil)
	if got := zero.calculateBackoff(1); got != 0 {
		t.Errorf("zero interval backoff = %v, want 0", got)
	}
}

func TestNewRetryer_Defaults(t *testing.T) {
	if got := NewRetryer(RetryPolicy{}, nil).policy.MaxAttempts; got != 1 {
		t.Errorf("MaxAttempts = %d, want 1", got)
	}

	p := DefaultRetryPolicy()
	if p.MaxAttempts != 5 || p.InitialInterval != 500*time.Millisecond || p.MaxInterval != 30*time.Second || !p.Jitter {
		t.Errorf("DefaultRetryPolicy() = %+v", p)
	}
}

func TestRetryError_Message(t *testing.T) {
	cause := permanentErr("syntax error")
	err := &RetryError{Err: cause, Attempts: 2}

	if got, want := err.Error(), "failed after 2 attempts: "+cause.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if !errors.Is(err, cause) {
		t.Error("RetryError does not unwrap to its cause")
	}
}

func TestExecuteWithResult(t *testing.T) {
	retryer, _ := recordingRetryer(RetryPolicy{MaxAttempts: 2, InitialInterval: time.Millisecond, Multiplier: 2})
	calls := 0

	got, err := ExecuteWithResult(context.Background(), retryer, func(ctx context.Context) (backend.Result, error) {
		calls++
		if calls == 1 {
			return backend.Result{}, transientErr("too many connections")
		}
		return backend.Result{RowsAffected: 1}, nil
	})
	if err != nil {
		t.Fatalf("ExecuteWithResult() error = %v", err)
	}
	if got.RowsAffected != 1 {
		t.Errorf("RowsAffected = %d, want 1", got.RowsAffected)
	}
}
