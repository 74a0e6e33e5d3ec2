// Package operation defines the canonical, backend-agnostic representation of a
// single database mutation carried by a stream record.
package operation

import (
	"bytes"
	"fmt"
	"strings"
	"time"
)

// Kind identifies the Operation variant.
type Kind string

const (
	// KindInsert inserts one row.
	KindInsert Kind = "Insert"
	// KindUpdate updates the rows matching Key.
	KindUpdate Kind = "Update"
	// KindDelete deletes the rows matching Key.
	KindDelete Kind = "Delete"
	// KindUpsert inserts one row or updates the row matching ConflictKey.
	KindUpsert Kind = "Upsert"
)

// Valid reports whether k is one of the recognized variants.
func (k Kind) Valid() bool {
	switch k {
	case KindInsert, KindUpdate, KindDelete, KindUpsert:
		return true
	}
	return false
}

// ValueKind identifies the type carried by a Value.
type ValueKind uint8

const (
	ValueNull ValueKind = iota
	ValueInteger
	ValueFloat
	ValueText
	ValueBoolean
	ValueBytes
	ValueTimestamp
)

var valueKindNames = [...]string{
	ValueNull:      "Null",
	ValueInteger:   "Integer",
	ValueFloat:     "Float",
	ValueText:      "Text",
	ValueBoolean:   "Boolean",
	ValueBytes:     "Bytes",
	ValueTimestamp: "Timestamp",
}

// String returns the wire tag of the kind.
func (k ValueKind) String() string {
	if int(k) < len(valueKindNames) {
		return valueKindNames[k]
	}
	return "unknown"
}

// parseValueKind maps a wire tag to its ValueKind.
func parseValueKind(tag string) (ValueKind, bool) {
	for i, name := range valueKindNames {
		if name == tag {
			return ValueKind(i), true
		}
	}
	return 0, false
}

// Value is a scalar column value. The zero Value is Null.
type Value struct {
	kind ValueKind
	i    int64
	f    float64
	s    string
	b    bool
	raw  []byte
	t    time.Time
}

// Null returns the SQL NULL value.
func Null() Value { return Value{} }

// Integer returns an integer value.
func Integer(v int64) Value { return Value{kind: ValueInteger, i: v} }

// Float returns a floating point value.
func Float(v float64) Value { return Value{kind: ValueFloat, f: v} }

// Text returns a text value.
func Text(v string) Value { return Value{kind: ValueText, s: v} }

// Boolean returns a boolean value.
func Boolean(v bool) Value { return Value{kind: ValueBoolean, b: v} }

// Bytes returns a binary value. The slice is copied.
func Bytes(v []byte) Value {
	return Value{kind: ValueBytes, raw: append([]byte{}, v...)}
}

// Timestamp returns a timestamp value normalized to UTC.
func Timestamp(v time.Time) Value {
	return Value{kind: ValueTimestamp, t: v.UTC()}
}

// Kind returns the value's type tag.
func (v Value) Kind() ValueKind { return v.kind }

// IsNull reports whether v is NULL.
func (v Value) IsNull() bool { return v.kind == ValueNull }

// Any returns the value as a driver argument: nil, int64, float64, string,
// bool, []byte or time.Time.
func (v Value) Any() any {
	switch v.kind {
	case ValueInteger:
		return v.i
	case ValueFloat:
		return v.f
	case ValueText:
		return v.s
	case ValueBoolean:
		return v.b
	case ValueBytes:
		return append([]byte{}, v.raw...)
	case ValueTimestamp:
		return v.t
	default:
		return nil
	}
}

// Equal reports whether two values have the same kind and payload.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case ValueNull:
		return true
	case ValueInteger:
		return v.i == o.i
	case ValueFloat:
		return v.f == o.f
	case ValueText:
		return v.s == o.s
	case ValueBoolean:
		return v.b == o.b
	case ValueBytes:
		return bytes.Equal(v.raw, o.raw)
	case ValueTimestamp:
		return v.t.Equal(o.t)
	}
	return false
}

// String renders the value for diagnostics.
func (v Value) String() string {
	switch v.kind {
	case ValueNull:
		return "NULL"
	case ValueText:
		return fmt.Sprintf("%q", v.s)
	case ValueBytes:
		return fmt.Sprintf("<%d bytes>", len(v.raw))
	case ValueTimestamp:
		return v.t.Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(v.Any())
	}
}

// Column is a named value.
type Column struct {
	Name  string
	Value Value
}

// Operation is one decoded mutation. It is treated as immutable once decoded.
//
// Which fields are populated depends on Kind:
//
//	Insert: Table, Columns
//	Update: Table, Set, Key
//	Delete: Table, Key
//	Upsert: Table, Columns, ConflictKey
type Operation struct {
	// Kind is the variant tag.
	Kind Kind

	// Table is the target table, optionally schema-qualified.
	Table string

	// Columns holds the row for Insert and Upsert.
	Columns []Column

	// Set holds the assignments for Update.
	Set []Column

	// Key holds the AND-conjunction filter for Update and Delete.
	Key []Column

	// ConflictKey names the unique columns an Upsert resolves on.
	ConflictKey []string
}

// NewInsert builds an Insert operation.
func NewInsert(table string, columns ...Column) Operation {
	return Operation{Kind: KindInsert, Table: table, Columns: columns}
}

// NewUpdate builds an Update operation.
func NewUpdate(table string, set, key []Column) Operation {
	return Operation{Kind: KindUpdate, Table: table, Set: set, Key: key}
}

// NewDelete builds a Delete operation.
func NewDelete(table string, key ...Column) Operation {
	return Operation{Kind: KindDelete, Table: table, Key: key}
}

// NewUpsert builds an Upsert operation.
func NewUpsert(table string, columns []Column, conflictKey ...string) Operation {
	return Operation{Kind: KindUpsert, Table: table, Columns: columns, ConflictKey: conflictKey}
}

// ColumnNames returns every column name the operation touches, in order,
// without duplicates.
func (op Operation) ColumnNames() []string {
	seen := make(map[string]struct{})
	var names []string
	add := func(name string) {
		if _, ok := seen[name]; ok {
			return
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	for _, c := range op.Columns {
		add(c.Name)
	}
	for _, c := range op.Set {
		add(c.Name)
	}
	for _, c := range op.Key {
		add(c.Name)
	}
	return names
}

// Summary renders the operation without column values, for logs and errors.
func (op Operation) Summary() string {
	var sb strings.Builder
	sb.WriteString(string(op.Kind))
	sb.WriteString(" ")
	sb.WriteString(op.Table)
	switch op.Kind {
	case KindInsert:
		fmt.Fprintf(&sb, " columns=%v", names(op.Columns))
	case KindUpdate:
		fmt.Fprintf(&sb, " set=%v key=%v", names(op.Set), names(op.Key))
	case KindDelete:
		fmt.Fprintf(&sb, " key=%v", names(op.Key))
	case KindUpsert:
		fmt.Fprintf(&sb, " columns=%v conflict_key=%v", names(op.Columns), op.ConflictKey)
	}
	return sb.String()
}

// Equal reports whether two operations are identical.
func Equal(a, b Operation) bool {
	if a.Kind != b.Kind || a.Table != b.Table {
		return false
	}
	if !columnsEqual(a.Columns, b.Columns) || !columnsEqual(a.Set, b.Set) || !columnsEqual(a.Key, b.Key) {
		return false
	}
	if len(a.ConflictKey) != len(b.ConflictKey) {
		return false
	}
	for i := range a.ConflictKey {
		if a.ConflictKey[i] != b.ConflictKey[i] {
			return false
		}
	}
	return true
}

func columnsEqual(a, b []Column) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Name != b[i].Name || !a[i].Value.Equal(b[i].Value) {
			return false
		}
	}
	return true
}

func names(cols []Column) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = c.Name
	}
	return out
}
