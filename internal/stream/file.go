package stream

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileSource reads newline-delimited payloads from a file or stdin. Each
// non-blank line is one record; its offset is the 1-based line number.
type FileSource struct {
	name   string
	reader *bufio.Reader
	closer io.Closer

	line int64

	mu        sync.Mutex
	lastAcked int64
}

// OpenFile opens path as a FileSource. "-" reads stdin.
func OpenFile(path string) (*FileSource, error) {
	if path == "-" {
		return NewReaderSource("stdin", os.Stdin), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open record file: %w", err)
	}
	src := NewReaderSource(filepath.Base(path), f)
	src.closer = f
	return src, nil
}

// NewReaderSource reads records from r.
func NewReaderSource(name string, r io.Reader) *FileSource {
	return &FileSource{
		name:   name,
		reader: bufio.NewReader(r),
	}
}

// Name implements Source.
func (s *FileSource) Name() string {
	return "file:" + s.name
}

// Next implements Source.
func (s *FileSource) Next(ctx context.Context) (Record, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Record{}, err
		}

		line, err := s.reader.ReadBytes('\n')
		if len(line) > 0 {
			s.line++
		}
		payload := bytes.TrimSpace(line)
		if len(payload) > 0 {
			return Record{
				Topic:     s.name,
				Offset:    s.line,
				Payload:   payload,
				Timestamp: time.Now().UTC(),
			}, nil
		}

		if errors.Is(err, io.EOF) {
			return Record{}, ErrEndOfStream
		}
		if err != nil {
			return Record{}, fmt.Errorf("read %s line %d: %w", s.name, s.line+1, err)
		}
	}
}

// Ack records the line as applied.
func (s *FileSource) Ack(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.Offset > s.lastAcked {
		s.lastAcked = rec.Offset
	}
	return nil
}

// LastAcked returns the highest acknowledged line number.
func (s *FileSource) LastAcked() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAcked
}

// Close closes the underlying file. Stdin is left open.
func (s *FileSource) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}
