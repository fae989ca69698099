package pipeline

import (
	"fmt"

	"github.com/pkg/errors"

	"fluxweaver/internal/core"
)

// ErrNoUsableData is returned (wrapped) when no year survived loading, or the
// requested year was excluded.
var ErrNoUsableData = errors.New("no usable data")

// StageExecutionError is a failure reported by the stage executor. It is
// fatal; the run ledger is left as last successfully written.
type StageExecutionError struct {
	Stage core.Stage
	Cause error
}

func (e *StageExecutionError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Cause)
}

func (e *StageExecutionError) Unwrap() error { return e.Cause }
