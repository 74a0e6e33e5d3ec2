// Package deadletter keeps an audit trail of records that stopped the
// consumption loop, so an operator can inspect and replay them.
package deadletter

import (
	"context"
	"time"

	"github.com/janovincze/sqlsink/internal/operation"
	"github.com/janovincze/sqlsink/internal/stream"
)

// ErrorType classifies why the record failed.
type ErrorType string

const (
	// ErrorTypeDecode indicates the payload was not a valid operation.
	ErrorTypeDecode ErrorType = "decode"
	// ErrorTypePermanent indicates the database rejected the operation.
	ErrorTypePermanent ErrorType = "permanent"
	// ErrorTypeTransientExhausted indicates retries of a transient failure ran out.
	ErrorTypeTransientExhausted ErrorType = "transient_exhausted"
)

// FailedRecord is one record that terminated the loop.
type FailedRecord struct {
	// ID is the unique identifier for this dead-letter entry.
	ID int64 `json:"id"`

	// RunID identifies the worker run that failed.
	RunID string `json:"run_id"`

	// SourceID identifies the partition (topic/partition).
	SourceID string `json:"source_id"`

	// Offset is the record's offset within its partition.
	Offset int64 `json:"offset"`

	// Backend is the destination backend kind.
	Backend string `json:"backend"`

	// Operation is the operation kind, empty when decoding failed.
	Operation string `json:"operation,omitempty"`

	// TableName is the target table, empty when decoding failed.
	TableName string `json:"table_name,omitempty"`

	// Columns lists the column names the operation touched.
	Columns []string `json:"columns,omitempty"`

	// Payload is the raw record payload.
	Payload []byte `json:"payload"`

	// ErrorMessage is the error that caused the failure.
	ErrorMessage string `json:"error_message"`

	// ErrorType classifies the failure.
	ErrorType ErrorType `json:"error_type"`

	// CreatedAt is when the record was added.
	CreatedAt time.Time `json:"created_at"`

	// ExpiresAt is when the record will be deleted.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Manager defines the dead-letter store operations.
type Manager interface {
	// Write adds a failed record.
	Write(ctx context.Context, record FailedRecord) error

	// Read retrieves failed records, oldest first.
	Read(ctx context.Context, limit int) ([]FailedRecord, error)

	// ReadBySource retrieves failed records for one partition.
	ReadBySource(ctx context.Context, sourceID string, limit int) ([]FailedRecord, error)

	// Delete removes a record.
	Delete(ctx context.Context, id int64) error

	// Cleanup removes expired records and returns how many were removed.
	Cleanup(ctx context.Context) (int64, error)

	// Count returns the number of stored records.
	Count(ctx context.Context) (int64, error)

	// Close releases any resources held by the manager.
	Close() error
}

// NewFailedRecord builds a FailedRecord from the record that failed. op is
// the zero Operation when the payload never decoded.
func NewFailedRecord(rec stream.Record, op operation.Operation, err error, errType ErrorType, runID, backend string, retention time.Duration) FailedRecord {
	now := time.Now().UTC()
	failed := FailedRecord{
		RunID:     runID,
		SourceID:  rec.SourceID(),
		Offset:    rec.Offset,
		Backend:   backend,
		Operation: string(op.Kind),
		TableName: op.Table,
		Columns:   op.ColumnNames(),
		Payload:   rec.Payload,
		ErrorType: errType,
		CreatedAt: now,
	}
	if err != nil {
		failed.ErrorMessage = err.Error()
	}
	if retention > 0 {
		expiresAt := now.Add(retention)
		failed.ExpiresAt = &expiresAt
	}
	return failed
}
