package operation

import (
	"errors"
	"fmt"
)

var (
	// ErrDecode matches every DecodeError via errors.Is.
	ErrDecode = errors.New("operation: decode failed")

	// ErrUnknownVariant is returned for an operation tag outside the closed set.
	ErrUnknownVariant = errors.New("operation: unknown variant")

	// ErrUnknownValueKind is returned for a value tag outside the seven kinds.
	ErrUnknownValueKind = errors.New("operation: unknown value kind")

	// ErrNestedValue is returned for array or multi-key object values.
	ErrNestedValue = errors.New("operation: nested values are not supported")

	// ErrTypeMismatch is returned when a field or value payload has the wrong JSON type.
	ErrTypeMismatch = errors.New("operation: type mismatch")

	// ErrInvalidIdentifier is returned for a table or column name that is not a safe identifier.
	ErrInvalidIdentifier = errors.New("operation: invalid identifier")

	// ErrEmptyColumns is returned when an Insert/Upsert has no columns or an Update has no assignments.
	ErrEmptyColumns = errors.New("operation: no columns")

	// ErrEmptyKey is returned when an Update/Delete has no key or an Upsert has no conflict key.
	ErrEmptyKey = errors.New("operation: empty key")

	// ErrDuplicateColumn is returned when a column appears twice in one list.
	ErrDuplicateColumn = errors.New("operation: duplicate column")

	// ErrConflictKeyNotInColumns is returned when an Upsert conflict column is not written.
	ErrConflictKeyNotInColumns = errors.New("operation: conflict key column missing from columns")
)

// DecodeError reports a payload that could not be turned into an Operation.
type DecodeError struct {
	// Reason is a short description of what was being decoded.
	Reason string

	// Err is the underlying cause.
	Err error
}

func (e *DecodeError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("decode operation: %s", e.Reason)
	}
	return fmt.Sprintf("decode operation: %s: %v", e.Reason, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Is makes every DecodeError match ErrDecode.
func (e *DecodeError) Is(target error) bool {
	return target == ErrDecode
}

func decodeErr(reason string, err error) error {
	return &DecodeError{Reason: reason, Err: err}
}
