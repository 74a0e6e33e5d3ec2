package backend

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/janovincze/sqlsink/internal/operation"
)

func openSQLite(t *testing.T) (*Handle, *sql.DB) {
	t.Helper()

	h, err := Open(context.Background(), "sqlite://:memory:", Options{})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { h.Close() })

	lite, ok := h.adapter.(*SQLite)
	if !ok {
		t.Fatalf("adapter is %T, want *SQLite", h.adapter)
	}
	if _, err := lite.db.Exec(`CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT NOT NULL, avatar BLOB, email TEXT)`); err != nil {
		t.Fatalf("create table: %v", err)
	}
	return h, lite.db
}

func userName(t *testing.T, db *sql.DB, id int64) (string, bool) {
	t.Helper()
	var name string
	err := db.QueryRow(`SELECT name FROM users WHERE id = ?`, id).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false
	}
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	return name, true
}

func countUsers(t *testing.T, db *sql.DB) int {
	t.Helper()
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

func TestSQLite_InsertUpdateDelete(t *testing.T) {
	h, db := openSQLite(t)
	ctx := context.Background()

	if h.Kind() != KindSQLite {
		t.Errorf("Kind() = %s, want sqlite", h.Kind())
	}

	res, err := h.Execute(ctx, operation.NewInsert("users",
		operation.Column{Name: "id", Value: operation.Integer(1)},
		operation.Column{Name: "name", Value: operation.Text("Ann")},
	))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if res.RowsAffected != 1 {
		t.Errorf("insert RowsAffected = %d, want 1", res.RowsAffected)
	}
	if name, _ := userName(t, db, 1); name != "Ann" {
		t.Errorf("name after insert = %q, want Ann", name)
	}

	res, err = h.Execute(ctx, operation.NewUpdate("users",
		[]operation.Column{{Name: "name", Value: operation.Text("Bea")}},
		[]operation.Column{{Name: "id", Value: operation.Integer(1)}},
	))
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if res.RowsAffected != 1 {
		t.Errorf("update RowsAffected = %d, want 1", res.RowsAffected)
	}
	if name, _ := userName(t, db, 1); name != "Bea" {
		t.Errorf("name after update = %q, want Bea", name)
	}

	res, err = h.Execute(ctx, operation.NewDelete("users", operation.Column{Name: "id", Value: operation.Integer(1)}))
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if res.RowsAffected != 1 {
		t.Errorf("delete RowsAffected = %d, want 1", res.RowsAffected)
	}
	if _, ok := userName(t, db, 1); ok {
		t.Error("row still present after delete")
	}
}

func TestSQLite_DeleteMissingRowIsNoOp(t *testing.T) {
	h, db := openSQLite(t)

	res, err := h.Execute(context.Background(), operation.NewDelete("users", operation.Column{Name: "id", Value: operation.Integer(99)}))
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if res.RowsAffected != 0 {
		t.Errorf("RowsAffected = %d, want 0", res.RowsAffected)
	}
	if n := countUsers(t, db); n != 0 {
		t.Errorf("table has %d rows, want 0", n)
	}
}

func TestSQLite_UpsertIsIdempotent(t *testing.T) {
	h, db := openSQLite(t)
	ctx := context.Background()

	first := operation.NewUpsert("users",
		[]operation.Column{{Name: "id", Value: operation.Integer(1)}, {Name: "name", Value: operation.Text("Ann")}},
		"id",
	)
	second := operation.NewUpsert("users",
		[]operation.Column{{Name: "id", Value: operation.Integer(1)}, {Name: "name", Value: operation.Text("Cat")}},
		"id",
	)

	for i, op := range []operation.Operation{first, first, second} {
		if _, err := h.Execute(ctx, op); err != nil {
			t.Fatalf("upsert %d: %v", i, err)
		}
	}

	if n := countUsers(t, db); n != 1 {
		t.Errorf("table has %d rows, want 1", n)
	}
	if name, _ := userName(t, db, 1); name != "Cat" {
		t.Errorf("name = %q, want Cat", name)
	}
}

func TestSQLite_NotNullViolationIsPermanent(t *testing.T) {
	h, _ := openSQLite(t)

	_, err := h.Execute(context.Background(), operation.NewInsert("users",
		operation.Column{Name: "id", Value: operation.Integer(2)},
		operation.Column{Name: "name", Value: operation.Null()},
	))
	if err == nil {
		t.Fatal("expected constraint violation")
	}
	var execErr *ExecError
	if !errors.As(err, &execErr) {
		t.Fatalf("expected ExecError, got %T", err)
	}
	if execErr.Transient {
		t.Errorf("constraint violation classified as transient: %v", err)
	}
	if execErr.Kind != KindSQLite {
		t.Errorf("Kind = %s, want sqlite", execErr.Kind)
	}
}

func TestSQLite_NullKeyMatchesNullColumn(t *testing.T) {
	h, db := openSQLite(t)
	ctx := context.Background()

	if _, err := h.Execute(ctx, operation.NewInsert("users",
		operation.Column{Name: "id", Value: operation.Integer(3)},
		operation.Column{Name: "name", Value: operation.Text("Dee")},
		operation.Column{Name: "email", Value: operation.Null()},
	)); err != nil {
		t.Fatalf("insert: %v", err)
	}

	res, err := h.Execute(ctx, operation.NewDelete("users", operation.Column{Name: "email", Value: operation.Null()}))
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if res.RowsAffected != 1 {
		t.Errorf("RowsAffected = %d, want 1", res.RowsAffected)
	}
	if n := countUsers(t, db); n != 0 {
		t.Errorf("table has %d rows, want 0", n)
	}
}

func TestSQLite_BytesAndQualifiedTable(t *testing.T) {
	h, db := openSQLite(t)

	avatar := []byte{0x00, 0xff, 0x10}
	if _, err := h.Execute(context.Background(), operation.NewInsert("main.users",
		operation.Column{Name: "id", Value: operation.Integer(4)},
		operation.Column{Name: "name", Value: operation.Text("Eve")},
		operation.Column{Name: "avatar", Value: operation.Bytes(avatar)},
	)); err != nil {
		t.Fatalf("insert: %v", err)
	}

	var got []byte
	if err := db.QueryRow(`SELECT avatar FROM users WHERE id = 4`).Scan(&got); err != nil {
		t.Fatalf("select: %v", err)
	}
	if string(got) != string(avatar) {
		t.Errorf("avatar = %x, want %x", got, avatar)
	}
}

func TestSQLite_MissingTableIsPermanent(t *testing.T) {
	h, _ := openSQLite(t)

	_, err := h.Execute(context.Background(), operation.NewDelete("orders", operation.Column{Name: "id", Value: operation.Integer(1)}))
	if err == nil {
		t.Fatal("expected error for missing table")
	}
	if IsTransient(err) {
		t.Errorf("missing table classified as transient: %v", err)
	}
}

func TestSQLitePath(t *testing.T) {
	tests := []struct {
		dsn  string
		want string
	}{
		{"sqlite://:memory:", ":memory:?_pragma=busy_timeout(5000)"},
		{"sqlite:///var/lib/app.db", "/var/lib/app.db?_pragma=busy_timeout(5000)"},
		{"sqlite3://app.db?_pragma=journal_mode(WAL)", "app.db?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"},
		{"file:app.db?_pragma=busy_timeout(100)", "file:app.db?_pragma=busy_timeout(100)"},
		{"sqlite://", ""},
	}

	for _, tt := range tests {
		t.Run(tt.dsn, func(t *testing.T) {
			if got := sqlitePath(tt.dsn); got != tt.want {
				t.Errorf("sqlitePath(%q) = %q, want %q", tt.dsn, got, tt.want)
			}
		})
	}
}
