// Package pipeline runs the consumption loop: take a record, decode it into
// an operation, execute it against the database, and acknowledge it.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/janovincze/sqlsink/internal/backend"
	"github.com/janovincze/sqlsink/internal/checkpoint"
	"github.com/janovincze/sqlsink/internal/deadletter"
	"github.com/janovincze/sqlsink/internal/metrics"
	"github.com/janovincze/sqlsink/internal/operation"
	"github.com/janovincze/sqlsink/internal/stream"
)

// auditTimeout bounds checkpoint and dead-letter writes.
const auditTimeout = 10 * time.Second

// Executor applies a decoded operation. *backend.Handle implements it.
type Executor interface {
	Kind() backend.Kind
	Execute(ctx context.Context, op operation.Operation) (backend.Result, error)
}

// Config holds pipeline configuration.
type Config struct {
	// Retry bounds retries of transient execute failures.
	Retry RetryPolicy

	// MaxRecordsPerSecond throttles record intake. Zero disables throttling.
	MaxRecordsPerSecond float64

	// Burst is the throttle burst size.
	Burst int

	// CheckpointInterval is the minimum time between checkpoint saves for
	// one partition. Zero saves after every acknowledgment.
	CheckpointInterval time.Duration

	// DeadLetterRetention is how long dead-letter entries are kept.
	DeadLetterRetention time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Retry:               DefaultRetryPolicy(),
		Burst:               1,
		DeadLetterRetention: 7 * 24 * time.Hour,
	}
}

// Dependencies are the optional collaborators of a Pipeline.
type Dependencies struct {
	// Decoder defaults to operation.JSONDecoder.
	Decoder operation.Decoder

	// Checkpoints records acknowledged positions when set.
	Checkpoints checkpoint.Manager

	// DeadLetters records the record that terminated the loop when set.
	DeadLetters deadletter.Manager

	// Metrics defaults to an unregistered set.
	Metrics *metrics.Metrics
}

// Stats holds pipeline statistics.
type Stats struct {
	RunID             string
	RecordsApplied    int64
	NoopMutations     int64
	Retries           int64
	LastAckedPosition string
	LastRecordTime    time.Time
	LastCheckpointAt  time.Time
	CheckpointErrors  int64
}

// Pipeline consumes one source and applies its operations to one backend,
// strictly one record at a time.
type Pipeline struct {
	source      stream.Source
	executor    Executor
	decoder     operation.Decoder
	checkpoints checkpoint.Manager
	deadLetters deadletter.Manager
	metrics     *metrics.Metrics
	retryer     *Retryer
	limiter     *rate.Limiter
	state       *StateMachine
	logger      *slog.Logger
	config      Config
	runID       string

	mu            sync.RWMutex
	running       bool
	stats         Stats
	lastSavedAt   map[string]time.Time
	pendingOffset map[string]int64
}

// New creates a new Pipeline.
func New(src stream.Source, exec Executor, cfg Config, deps Dependencies, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Decoder == nil {
		deps.Decoder = operation.JSONDecoder{}
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New(nil)
	}

	runID := uuid.NewString()
	logger = logger.With("component", "pipeline", "run_id", runID)

	retryer := NewRetryer(cfg.Retry, logger)
	retryer.SetMetrics(deps.Metrics, string(exec.Kind()))

	var limiter *rate.Limiter
	if cfg.MaxRecordsPerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.MaxRecordsPerSecond), burst)
	}

	p := &Pipeline{
		source:        src,
		executor:      exec,
		decoder:       deps.Decoder,
		checkpoints:   deps.Checkpoints,
		deadLetters:   deps.DeadLetters,
		metrics:       deps.Metrics,
		retryer:       retryer,
		limiter:       limiter,
		state:         NewStateMachine(),
		logger:        logger,
		config:        cfg,
		runID:         runID,
		stats:         Stats{RunID: runID},
		lastSavedAt:   make(map[string]time.Time),
		pendingOffset: make(map[string]int64),
	}

	p.state.AddListener(func(_, to State) {
		p.metrics.PipelineState.Set(float64(to))
	})

	return p
}

// RunID returns the identifier of this pipeline run.
func (p *Pipeline) RunID() string {
	return p.runID
}

// State returns the current loop state.
func (p *Pipeline) State() State {
	return p.state.State()
}

// Stats returns the current pipeline statistics.
func (p *Pipeline) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stats
}

// Run consumes records until the source ends, ctx is cancelled, or a record
// fails. It returns nil for the first two and a *TerminalError otherwise.
//
// ctx is only observed while waiting for a record. Once a record has been
// taken, its execution and acknowledgment run to completion.
func (p *Pipeline) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("pipeline already running")
	}
	if p.state.IsTerminal() {
		p.mu.Unlock()
		return fmt.Errorf("pipeline already terminated")
	}
	p.running = true
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
	}()

	p.logger.Info("starting pipeline",
		"source", p.source.Name(),
		"backend", p.executor.Kind(),
	)

	p.logCheckpoints(ctx)

	if err := p.state.Transition(StateAwaitingRecord); err != nil {
		return err
	}

	for {
		if err := p.waitForRecord(ctx); err != nil {
			return p.shutdown("shutdown requested")
		}

		rec, err := p.source.Next(ctx)
		if err != nil {
			if errors.Is(err, stream.ErrEndOfStream) {
				return p.shutdown("end of stream")
			}
			if ctx.Err() != nil {
				return p.shutdown("shutdown requested")
			}
			return p.terminate(&TerminalError{
				Stage:   StageReceive,
				Backend: p.executor.Kind(),
				Err:     err,
			}, stream.Record{}, operation.Operation{}, "")
		}

		// The record is ours now; shutdown no longer interrupts it.
		if err := p.process(context.WithoutCancel(ctx), rec); err != nil {
			return err
		}
	}
}

func (p *Pipeline) waitForRecord(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.limiter == nil {
		return nil
	}
	return p.limiter.Wait(ctx)
}

// process decodes, executes, and acknowledges one record, leaving the loop
// in StateAwaitingRecord on success.
func (p *Pipeline) process(ctx context.Context, rec stream.Record) error {
	kind := p.executor.Kind()

	if err := p.state.Transition(StateDecoding); err != nil {
		return err
	}
	op, err := p.decoder.Decode(rec.Payload)
	if err != nil {
		p.metrics.DecodeErrorsTotal.Inc()
		return p.terminate(&TerminalError{
			Stage:    StageDecode,
			Position: rec.Position(),
			Backend:  kind,
			Err:      err,
		}, rec, operation.Operation{}, deadletter.ErrorTypeDecode)
	}

	p.logger.Debug("operation decoded",
		"position", rec.Position(),
		"operation", op.Summary(),
	)

	if err := p.state.Transition(StateExecuting); err != nil {
		return err
	}
	res, err := p.execute(ctx, op)
	if err != nil {
		errType := deadletter.ErrorTypePermanent
		var retryErr *RetryError
		if errors.As(err, &retryErr) && retryErr.Exhausted {
			errType = deadletter.ErrorTypeTransientExhausted
		}
		p.metrics.RecordsTotal.WithLabelValues(string(kind), op.Table, string(op.Kind), metrics.StatusFailed).Inc()
		p.metrics.ExecErrorsTotal.WithLabelValues(string(kind), string(errType)).Inc()
		return p.terminate(&TerminalError{
			Stage:     StageExecute,
			Position:  rec.Position(),
			Operation: op.Summary(),
			Backend:   kind,
			Err:       err,
		}, rec, op, errType)
	}

	p.metrics.RecordsTotal.WithLabelValues(string(kind), op.Table, string(op.Kind), metrics.StatusApplied).Inc()
	noop := res.RowsAffected == 0 && (op.Kind == operation.KindUpdate || op.Kind == operation.KindDelete)
	if noop {
		p.metrics.NoopMutationsTotal.WithLabelValues(string(kind), string(op.Kind)).Inc()
	}

	p.logger.Debug("operation executed",
		"position", rec.Position(),
		"operation", op.Summary(),
		"rows_affected", res.RowsAffected,
	)

	if err := p.state.Transition(StateAcknowledging); err != nil {
		return err
	}
	if err := p.source.Ack(ctx, rec); err != nil {
		// The operation is applied; a redelivery will replay it.
		return p.terminate(&TerminalError{
			Stage:     StageAcknowledge,
			Position:  rec.Position(),
			Operation: op.Summary(),
			Backend:   kind,
			Err:       err,
		}, rec, op, "")
	}

	p.metrics.LastAckedOffset.WithLabelValues(strconv.Itoa(int(rec.Partition))).Set(float64(rec.Offset))

	p.mu.Lock()
	p.stats.RecordsApplied++
	if noop {
		p.stats.NoopMutations++
	}
	p.stats.LastAckedPosition = rec.Position()
	p.stats.LastRecordTime = time.Now()
	p.mu.Unlock()

	p.saveCheckpoint(ctx, rec)

	return p.state.Transition(StateAwaitingRecord)
}

func (p *Pipeline) execute(ctx context.Context, op operation.Operation) (backend.Result, error) {
	attempts := 0
	res, err := ExecuteWithResult(ctx, p.retryer, func(ctx context.Context) (backend.Result, error) {
		attempts++
		start := time.Now()
		res, err := p.executor.Execute(ctx, op)
		if err == nil {
			p.metrics.ExecuteDuration.WithLabelValues(string(p.executor.Kind()), string(op.Kind)).Observe(time.Since(start).Seconds())
		}
		return res, err
	})
	if attempts > 1 {
		p.mu.Lock()
		p.stats.Retries += int64(attempts - 1)
		p.mu.Unlock()
	}
	return res, err
}

// saveCheckpoint records the acknowledged position. Failures are logged;
// the source's own acknowledgment is authoritative.
func (p *Pipeline) saveCheckpoint(ctx context.Context, rec stream.Record) {
	if p.checkpoints == nil {
		return
	}

	sourceID := rec.SourceID()
	now := time.Now()

	p.mu.Lock()
	p.pendingOffset[sourceID] = rec.Offset
	last, seen := p.lastSavedAt[sourceID]
	p.mu.Unlock()

	if seen && p.config.CheckpointInterval > 0 && now.Sub(last) < p.config.CheckpointInterval {
		return
	}

	p.flushCheckpoint(ctx, sourceID, rec.Offset, now)
}

func (p *Pipeline) flushCheckpoint(ctx context.Context, sourceID string, offset int64, now time.Time) {
	ctx, cancel := context.WithTimeout(ctx, auditTimeout)
	defer cancel()

	err := p.checkpoints.Save(ctx, checkpoint.Checkpoint{
		SourceID:    sourceID,
		Offset:      offset,
		RunID:       p.runID,
		CommittedAt: now,
	})
	if err != nil {
		p.metrics.CheckpointErrorsTotal.Inc()
		p.mu.Lock()
		p.stats.CheckpointErrors++
		p.mu.Unlock()
		p.logger.Warn("failed to save checkpoint",
			"source_id", sourceID,
			"offset", offset,
			"error", err,
		)
		return
	}

	p.mu.Lock()
	p.lastSavedAt[sourceID] = now
	delete(p.pendingOffset, sourceID)
	p.stats.LastCheckpointAt = now
	p.mu.Unlock()
}

// flushPendingCheckpoints saves positions skipped by the checkpoint interval.
func (p *Pipeline) flushPendingCheckpoints() {
	if p.checkpoints == nil {
		return
	}

	p.mu.RLock()
	pending := make(map[string]int64, len(p.pendingOffset))
	for id, off := range p.pendingOffset {
		pending[id] = off
	}
	p.mu.RUnlock()

	now := time.Now()
	for id, off := range pending {
		p.flushCheckpoint(context.Background(), id, off, now)
	}
}

func (p *Pipeline) logCheckpoints(ctx context.Context) {
	if p.checkpoints == nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, auditTimeout)
	defer cancel()

	checkpoints, err := p.checkpoints.List(ctx)
	if err != nil {
		p.logger.Warn("failed to load checkpoints", "error", err)
		return
	}
	if len(checkpoints) == 0 {
		p.logger.Info("no previous checkpoint, starting from the source's committed position")
		return
	}
	for _, cp := range checkpoints {
		p.logger.Info("resuming after checkpoint",
			"source_id", cp.SourceID,
			"offset", cp.Offset,
			"previous_run_id", cp.RunID,
			"committed_at", cp.CommittedAt,
		)
	}
}

// shutdown is the normal termination path.
func (p *Pipeline) shutdown(reason string) error {
	p.flushPendingCheckpoints()
	if err := p.state.Transition(StateTerminated); err != nil {
		return err
	}

	stats := p.Stats()
	p.logger.Info("pipeline stopped",
		"reason", reason,
		"records_applied", stats.RecordsApplied,
		"noop_mutations", stats.NoopMutations,
		"retries", stats.Retries,
		"last_acked", stats.LastAckedPosition,
	)
	return nil
}

// terminate records the failing record in the dead-letter table when errType
// is set, then stops the loop with termErr.
func (p *Pipeline) terminate(termErr *TerminalError, rec stream.Record, op operation.Operation, errType deadletter.ErrorType) error {
	if p.deadLetters != nil && errType != "" {
		p.writeDeadLetter(rec, op, termErr.Err, errType)
	}
	p.flushPendingCheckpoints()

	// Every state may move to Terminated.
	_ = p.state.Transition(StateTerminated)

	p.logger.Error("pipeline terminated",
		"stage", termErr.Stage,
		"position", termErr.Position,
		"operation", termErr.Operation,
		"backend", termErr.Backend,
		"error", termErr.Err,
	)
	return termErr
}

func (p *Pipeline) writeDeadLetter(rec stream.Record, op operation.Operation, cause error, errType deadletter.ErrorType) {
	ctx, cancel := context.WithTimeout(context.Background(), auditTimeout)
	defer cancel()

	failed := deadletter.NewFailedRecord(rec, op, cause, errType, p.runID, string(p.executor.Kind()), p.config.DeadLetterRetention)
	if err := p.deadLetters.Write(ctx, failed); err != nil {
		p.logger.Error("failed to write dead-letter record",
			"position", rec.Position(),
			"error", err,
		)
		return
	}
	p.metrics.DeadLettersTotal.WithLabelValues(string(errType)).Inc()
}
