// Package checkpoint records the last acknowledged stream position per
// partition. The stream's own acknowledgment stays authoritative; checkpoints
// are an audit trail that tells an operator where replay will begin.
package checkpoint

import (
	"context"
	"time"
)

// Checkpoint is the last acknowledged position of one partition.
type Checkpoint struct {
	// SourceID identifies the partition (topic/partition).
	SourceID string `json:"source_id"`

	// Offset is the offset of the last acknowledged record.
	Offset int64 `json:"offset"`

	// RunID identifies the worker run that acknowledged the record.
	RunID string `json:"run_id,omitempty"`

	// CommittedAt is when this checkpoint was committed.
	CommittedAt time.Time `json:"committed_at"`
}

// Manager handles checkpoint persistence and retrieval.
type Manager interface {
	// Save persists a checkpoint.
	Save(ctx context.Context, checkpoint Checkpoint) error

	// Load retrieves the latest checkpoint for a source, or nil if none.
	Load(ctx context.Context, sourceID string) (*Checkpoint, error)

	// List returns every stored checkpoint.
	List(ctx context.Context) ([]Checkpoint, error)

	// Delete removes a checkpoint for a source.
	Delete(ctx context.Context, sourceID string) error

	// Close releases any resources held by the manager.
	Close() error
}
