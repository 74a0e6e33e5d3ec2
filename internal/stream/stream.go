// Package stream provides the record sources the consumption loop reads from.
package stream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
)

// ErrEndOfStream is returned by Next when a finite source is exhausted.
var ErrEndOfStream = errors.New("end of stream")

// Record is one payload read from a source together with its position.
type Record struct {
	// Topic is the stream name (Kafka topic or file name).
	Topic string

	// Partition is the partition the record was read from.
	Partition int32

	// Offset is the record's position within its partition.
	Offset int64

	// Key is the optional record key.
	Key []byte

	// Payload is the encoded operation.
	Payload []byte

	// Timestamp is the record's broker or read time.
	Timestamp time.Time

	kafka *kgo.Record
}

// SourceID identifies the partition the record belongs to.
func (r Record) SourceID() string {
	return fmt.Sprintf("%s/%d", r.Topic, r.Partition)
}

// Position renders topic/partition@offset for logs and errors.
func (r Record) Position() string {
	return fmt.Sprintf("%s/%d@%d", r.Topic, r.Partition, r.Offset)
}

// Source delivers records one at a time. Records within a partition are
// delivered in order, and a record that is not acknowledged is delivered
// again after restart.
type Source interface {
	// Next blocks until a record is available, ctx is cancelled, or the
	// source is exhausted (ErrEndOfStream).
	Next(ctx context.Context) (Record, error)

	// Ack marks the record as durably applied.
	Ack(ctx context.Context, rec Record) error

	// Close releases the source.
	Close() error

	// Name returns the name/identifier of this source.
	Name() string
}
