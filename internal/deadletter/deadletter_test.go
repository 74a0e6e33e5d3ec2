package deadletter

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/janovincze/sqlsink/internal/operation"
	"github.com/janovincze/sqlsink/internal/stream"
)

func TestNewFailedRecord(t *testing.T) {
	rec := stream.Record{Topic: "ops", Partition: 2, Offset: 41, Payload: []byte(`{"Delete":{}}`)}
	op := operation.NewUpdate("users",
		[]operation.Column{{Name: "name", Value: operation.Text("Bea")}},
		[]operation.Column{{Name: "id", Value: operation.Integer(1)}},
	)

	failed := NewFailedRecord(rec, op, errors.New("null value in column"), ErrorTypePermanent, "run-1", "postgres", time.Hour)

	if failed.SourceID != "ops/2" || failed.Offset != 41 {
		t.Errorf("position = %s@%d", failed.SourceID, failed.Offset)
	}
	if failed.Operation != "Update" || failed.TableName != "users" {
		t.Errorf("operation = %s %s", failed.Operation, failed.TableName)
	}
	if len(failed.Columns) != 2 || failed.Columns[0] != "name" || failed.Columns[1] != "id" {
		t.Errorf("Columns = %v", failed.Columns)
	}
	if failed.ErrorMessage != "null value in column" || failed.ErrorType != ErrorTypePermanent {
		t.Errorf("error = %q (%s)", failed.ErrorMessage, failed.ErrorType)
	}
	if failed.ExpiresAt == nil || failed.ExpiresAt.Sub(failed.CreatedAt) != time.Hour {
		t.Errorf("ExpiresAt = %v, CreatedAt = %v", failed.ExpiresAt, failed.CreatedAt)
	}
}

func TestNewFailedRecord_DecodeFailure(t *testing.T) {
	rec := stream.Record{Topic: "ops", Offset: 3, Payload: []byte("not json")}

	failed := NewFailedRecord(rec, operation.Operation{}, errors.New("bad payload"), ErrorTypeDecode, "run-1", "sqlite", 0)

	if failed.Operation != "" || failed.TableName != "" || len(failed.Columns) != 0 {
		t.Errorf("expected no operation details, got %+v", failed)
	}
	if failed.ExpiresAt != nil {
		t.Errorf("ExpiresAt = %v, want nil without retention", failed.ExpiresAt)
	}
	if string(failed.Payload) != "not json" {
		t.Errorf("Payload = %q", failed.Payload)
	}
}

func TestPostgresManager_Write(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()

	m := NewPostgresManager(db, PostgresConfig{Retention: time.Hour}, nil)
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO sqlsink.dead_letter_records")).
		WithArgs("run-1", "ops/0", int64(7), "mysql", "Insert", "users",
			sqlmock.AnyArg(), []byte("{}"), "duplicate entry", "permanent", created, created.Add(time.Hour)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))

	err = m.Write(context.Background(), FailedRecord{
		RunID:        "run-1",
		SourceID:     "ops/0",
		Offset:       7,
		Backend:      "mysql",
		Operation:    "Insert",
		TableName:    "users",
		Columns:      []string{"id", "name"},
		Payload:      []byte("{}"),
		ErrorMessage: "duplicate entry",
		ErrorType:    ErrorTypePermanent,
		CreatedAt:    created,
	})
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresManager_ReadBySource(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()

	m := NewPostgresManager(db, PostgresConfig{Retention: 7 * 24 * time.Hour}, nil)
	created := time.Now().UTC()

	rows := sqlmock.NewRows([]string{
		"id", "run_id", "source_id", "record_offset", "backend", "operation", "table_name",
		"columns", "payload", "error_message", "error_type", "created_at", "expires_at",
	}).
		AddRow(int64(1), "run-1", "ops/0", int64(7), "sqlite", "Upsert", "users", "{id,name}", []byte("{}"), "boom", "permanent", created, nil).
		AddRow(int64(2), "run-2", "ops/0", int64(9), "sqlite", nil, nil, nil, []byte("??"), "bad", "decode", created, created)

	mock.ExpectQuery("FROM sqlsink.dead_letter_records").WithArgs("ops/0", 10).WillReturnRows(rows)

	records, err := m.ReadBySource(context.Background(), "ops/0", 10)
	if err != nil {
		t.Fatalf("ReadBySource() error = %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	if got := records[0].Columns; len(got) != 2 || got[0] != "id" || got[1] != "name" {
		t.Errorf("Columns = %v", got)
	}
	if records[0].ExpiresAt != nil {
		t.Error("expected nil ExpiresAt for first record")
	}
	if records[1].ErrorType != ErrorTypeDecode || records[1].Operation != "" || records[1].ExpiresAt == nil {
		t.Errorf("second record = %+v", records[1])
	}
}

func TestPostgresManager_CleanupAndCount(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()

	m := NewPostgresManager(db, PostgresConfig{Retention: 7 * 24 * time.Hour}, nil)

	mock.ExpectExec("DELETE FROM sqlsink.dead_letter_records").WithArgs(sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM sqlsink.dead_letter_records")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(5)))

	n, err := m.Cleanup(context.Background())
	if err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if n != 3 {
		t.Errorf("Cleanup() = %d, want 3", n)
	}

	count, err := m.Count(context.Background())
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if count != 5 {
		t.Errorf("Count() = %d, want 5", count)
	}
}

func TestPostgresManager_DeleteMissing(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()

	m := NewPostgresManager(db, PostgresConfig{Retention: 7 * 24 * time.Hour}, nil)
	mock.ExpectExec("DELETE FROM sqlsink.dead_letter_records WHERE id").WithArgs(int64(99)).WillReturnResult(sqlmock.NewResult(0, 0))

	if err := m.Delete(context.Background(), 99); err == nil {
		t.Error("expected error deleting a missing record")
	}
}

type countingManager struct {
	Manager
	mu    sync.Mutex
	calls int
	err   error
}

func (c *countingManager) Cleanup(context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return 2, c.err
}

func TestJanitor_RunOnce(t *testing.T) {
	mgr := &countingManager{}
	j, err := NewJanitor(mgr, "@hourly", nil)
	if err != nil {
		t.Fatalf("NewJanitor() error = %v", err)
	}

	j.runOnce()
	mgr.err = errors.New("database down")
	j.runOnce()

	if mgr.calls != 2 {
		t.Errorf("Cleanup called %d times, want 2", mgr.calls)
	}
}

func TestJanitor_InvalidSchedule(t *testing.T) {
	if _, err := NewJanitor(&countingManager{}, "whenever", nil); err == nil {
		t.Error("expected error for invalid schedule")
	}
}

func TestJanitor_StartStop(t *testing.T) {
	j, err := NewJanitor(&countingManager{}, "*/5 * * * *", nil)
	if err != nil {
		t.Fatalf("NewJanitor() error = %v", err)
	}
	j.Start()
	j.Stop()
}
