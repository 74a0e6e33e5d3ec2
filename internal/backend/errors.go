package backend

import (
	"errors"
	"fmt"
)

// ErrClosed is returned when executing against a closed handle.
var ErrClosed = errors.New("backend: handle closed")

// ConnectError reports a failure to establish the initial connection.
type ConnectError struct {
	// Kind is the backend that failed to connect.
	Kind Kind

	// Reason is a short classification (unreachable, authentication failed, invalid connection string).
	Reason string

	// Err is the underlying driver error.
	Err error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %s: %v", e.Kind, e.Reason, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// UnsupportedBackendError is returned when no adapter is registered for a
// connection string's scheme.
type UnsupportedBackendError struct {
	Scheme string
}

func (e *UnsupportedBackendError) Error() string {
	if e.Scheme == "" {
		return "unsupported backend: connection string has no scheme"
	}
	return fmt.Sprintf("unsupported backend scheme %q", e.Scheme)
}

// ExecError reports a failed Execute. Transient errors are expected to clear
// on retry (connection loss, deadlock, serialization conflict, lock or
// statement timeout); everything else is permanent.
type ExecError struct {
	// Kind is the backend the statement ran against.
	Kind Kind

	// Transient marks the error as retryable.
	Transient bool

	// Operation is the summary of the failed operation.
	Operation string

	// Err is the underlying driver error.
	Err error
}

func (e *ExecError) Error() string {
	class := "permanent"
	if e.Transient {
		class = "transient"
	}
	return fmt.Sprintf("execute %s on %s (%s): %v", e.Operation, e.Kind, class, e.Err)
}

func (e *ExecError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether the error is transient.
func (e *ExecError) IsRetryable() bool {
	return e.Transient
}

// IsTransient reports whether err carries a transient ExecError.
func IsTransient(err error) bool {
	var execErr *ExecError
	return errors.As(err, &execErr) && execErr.Transient
}
