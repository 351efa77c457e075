package kit

import (
	"errors"
	"fmt"

	"github.com/saryou/taskkit/internal/task"
)

// Sentinel errors for kit operations: package-level vars for the
// no-data cases, one struct type for the descriptor-carrying case.
var (
	ErrHandlerNotRegistered = errors.New("taskkit: no handler registered for group/name")
	ErrTimedOut             = errors.New("taskkit: timed out waiting for task result")
	ErrDiscarded            = errors.New("taskkit: task was discarded, no result available")
)

// TaskFailedError wraps the ErrorDescriptor a handler produced when a
// task was failed permanently.
type TaskFailedError struct {
	Descriptor task.ErrorDescriptor
}

func (e *TaskFailedError) Error() string {
	return fmt.Sprintf("taskkit: task failed: %s: %s", e.Descriptor.Type, e.Descriptor.Message)
}
