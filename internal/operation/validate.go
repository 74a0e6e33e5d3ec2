package operation

import (
	"fmt"
	"strings"
)

// MaxIdentifierLength is the longest identifier part accepted. It matches the
// Postgres limit, which is the tightest of the supported backends.
const MaxIdentifierLength = 63

// ValidateIdentifier checks that name is a plain SQL identifier: a letter or
// underscore followed by letters, digits, underscores or dollar signs.
func ValidateIdentifier(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidIdentifier)
	}
	if len(name) > MaxIdentifierLength {
		return fmt.Errorf("%w: %q exceeds %d bytes", ErrInvalidIdentifier, name, MaxIdentifierLength)
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c == '_', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		case i > 0 && (c >= '0' && c <= '9' || c == '$'):
		default:
			return fmt.Errorf("%w: %q", ErrInvalidIdentifier, name)
		}
	}
	return nil
}

// ValidateTableName checks a table name, which may be qualified once as
// schema.table.
func ValidateTableName(name string) error {
	parts := TableParts(name)
	if len(parts) > 2 {
		return fmt.Errorf("%w: %q has too many qualifiers", ErrInvalidIdentifier, name)
	}
	for _, part := range parts {
		if err := ValidateIdentifier(part); err != nil {
			return err
		}
	}
	return nil
}

// TableParts splits a possibly qualified table name on dots.
func TableParts(name string) []string {
	return strings.Split(name, ".")
}

// Validate enforces the structural invariants of the operation's variant.
func (op Operation) Validate() error {
	if !op.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownVariant, op.Kind)
	}
	if err := ValidateTableName(op.Table); err != nil {
		return fmt.Errorf("table: %w", err)
	}

	switch op.Kind {
	case KindInsert:
		if err := validateColumns("columns", op.Columns, ErrEmptyColumns); err != nil {
			return err
		}
	case KindUpdate:
		if err := validateColumns("set", op.Set, ErrEmptyColumns); err != nil {
			return err
		}
		if err := validateColumns("key", op.Key, ErrEmptyKey); err != nil {
			return err
		}
	case KindDelete:
		if err := validateColumns("key", op.Key, ErrEmptyKey); err != nil {
			return err
		}
	case KindUpsert:
		if err := validateColumns("columns", op.Columns, ErrEmptyColumns); err != nil {
			return err
		}
		if err := validateConflictKey(op.ConflictKey, op.Columns); err != nil {
			return err
		}
	}
	return nil
}

func validateColumns(field string, cols []Column, empty error) error {
	if len(cols) == 0 {
		return fmt.Errorf("%s: %w", field, empty)
	}
	seen := make(map[string]struct{}, len(cols))
	for _, c := range cols {
		if err := ValidateIdentifier(c.Name); err != nil {
			return fmt.Errorf("%s: %w", field, err)
		}
		if _, ok := seen[c.Name]; ok {
			return fmt.Errorf("%s: %w: %q", field, ErrDuplicateColumn, c.Name)
		}
		seen[c.Name] = struct{}{}
	}
	return nil
}

func validateConflictKey(key []string, cols []Column) error {
	if len(key) == 0 {
		return fmt.Errorf("conflict_key: %w", ErrEmptyKey)
	}
	written := make(map[string]struct{}, len(cols))
	for _, c := range cols {
		written[c.Name] = struct{}{}
	}
	seen := make(map[string]struct{}, len(key))
	for _, name := range key {
		if err := ValidateIdentifier(name); err != nil {
			return fmt.Errorf("conflict_key: %w", err)
		}
		if _, ok := seen[name]; ok {
			return fmt.Errorf("conflict_key: %w: %q", ErrDuplicateColumn, name)
		}
		seen[name] = struct{}{}
		if _, ok := written[name]; !ok {
			return fmt.Errorf("%w: %q", ErrConflictKeyNotInColumns, name)
		}
	}
	return nil
}
