package deadletter

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// cleanupTimeout bounds one scheduled cleanup.
const cleanupTimeout = time.Minute

// Janitor removes expired dead-letter records on a cron schedule.
type Janitor struct {
	manager Manager
	cron    *cron.Cron
	logger  *slog.Logger
}

// NewJanitor schedules manager.Cleanup using a standard five-field cron
// expression or a descriptor such as "@hourly".
func NewJanitor(manager Manager, schedule string, logger *slog.Logger) (*Janitor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	j := &Janitor{
		manager: manager,
		cron:    cron.New(),
		logger:  logger.With("component", "dlq-janitor"),
	}
	if _, err := j.cron.AddFunc(schedule, j.runOnce); err != nil {
		return nil, fmt.Errorf("parse cleanup schedule %q: %w", schedule, err)
	}
	return j, nil
}

// Start runs the schedule in the background.
func (j *Janitor) Start() {
	j.cron.Start()
	j.logger.Info("dead-letter janitor started")
}

// Stop halts the schedule and waits for a running cleanup to finish.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
	j.logger.Info("dead-letter janitor stopped")
}

func (j *Janitor) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	n, err := j.manager.Cleanup(ctx)
	if err != nil {
		j.logger.Error("dead-letter cleanup failed", "error", err)
		return
	}
	j.logger.Debug("dead-letter cleanup finished", "removed", n)
}
