package pipeline

import (
	"fmt"
	"strings"

	"github.com/janovincze/sqlsink/internal/backend"
)

// Stage names the loop step that failed.
type Stage string

const (
	StageReceive     Stage = "receive"
	StageDecode      Stage = "decode"
	StageExecute     Stage = "execute"
	StageAcknowledge Stage = "acknowledge"
)

// TerminalError stops the loop abnormally. Position and Operation are empty
// when the failure happened before they were known.
type TerminalError struct {
	Stage     Stage
	Position  string
	Operation string
	Backend   backend.Kind
	Err       error
}

func (e *TerminalError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "pipeline terminated during %s", e.Stage)
	if e.Position != "" {
		fmt.Fprintf(&sb, " at %s", e.Position)
	}
	if e.Operation != "" {
		fmt.Fprintf(&sb, " (%s on %s)", e.Operation, e.Backend)
	}
	fmt.Fprintf(&sb, ": %v", e.Err)
	return sb.String()
}

func (e *TerminalError) Unwrap() error {
	return e.Err
}
