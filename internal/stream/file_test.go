package stream

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFileSource_ReadsLines(t *testing.T) {
	input := "{\"a\":1}\n\n   \n{\"b\":2}\n{\"c\":3}"
	src := NewReaderSource("ops.ndjson", strings.NewReader(input))
	ctx := context.Background()

	want := []struct {
		offset  int64
		payload string
	}{
		{1, `{"a":1}`},
		{4, `{"b":2}`},
		{5, `{"c":3}`},
	}
	for _, w := range want {
		rec, err := src.Next(ctx)
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		if rec.Offset != w.offset || string(rec.Payload) != w.payload {
			t.Errorf("Next() = %d %q, want %d %q", rec.Offset, rec.Payload, w.offset, w.payload)
		}
		if rec.Topic != "ops.ndjson" || rec.Partition != 0 {
			t.Errorf("unexpected position %s", rec.Position())
		}
	}

	if _, err := src.Next(ctx); !errors.Is(err, ErrEndOfStream) {
		t.Errorf("Next() at EOF error = %v, want ErrEndOfStream", err)
	}
}

func TestFileSource_Empty(t *testing.T) {
	src := NewReaderSource("empty", strings.NewReader(""))
	if _, err := src.Next(context.Background()); !errors.Is(err, ErrEndOfStream) {
		t.Errorf("Next() error = %v, want ErrEndOfStream", err)
	}
}

func TestFileSource_Ack(t *testing.T) {
	src := NewReaderSource("ops", strings.NewReader("x\ny\n"))
	ctx := context.Background()

	first, _ := src.Next(ctx)
	second, _ := src.Next(ctx)

	if err := src.Ack(ctx, second); err != nil {
		t.Fatalf("Ack() error = %v", err)
	}
	if err := src.Ack(ctx, first); err != nil {
		t.Fatalf("Ack() error = %v", err)
	}
	if got := src.LastAcked(); got != 2 {
		t.Errorf("LastAcked() = %d, want 2", got)
	}
}

func TestFileSource_CancelledContext(t *testing.T) {
	src := NewReaderSource("ops", strings.NewReader("x\n"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := src.Next(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Next() error = %v, want context.Canceled", err)
	}
}

func TestOpenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "replay.ndjson")
	if err := os.WriteFile(path, []byte("{\"Delete\":{}}\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	src, err := OpenFile(path)
	if err != nil {
		t.Fatalf("OpenFile() error = %v", err)
	}
	defer src.Close()

	if src.Name() != "file:replay.ndjson" {
		t.Errorf("Name() = %q", src.Name())
	}
	rec, err := src.Next(context.Background())
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if string(rec.Payload) != `{"Delete":{}}` {
		t.Errorf("payload = %q", rec.Payload)
	}

	if _, err := OpenFile(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("expected error for missing file")
	}
}
