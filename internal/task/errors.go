package task

import (
	"errors"
	"fmt"
)

// Sentinel errors for task lifecycle contract violations.
var (
	// ErrLifecycle indicates a state transition that the task state machine
	// does not allow, such as finishing a task that was never started.
	ErrLifecycle = errors.New("invalid task lifecycle transition")
	// ErrRelativePath indicates a diagnostic was reported with a relative file
	// path. Ledger paths must be absolute so they survive across cycles.
	ErrRelativePath = errors.New("diagnostic path must be absolute")
)

// LifecycleError records which operation was attempted on which task and the
// state the task was in at the time.
type LifecycleError struct {
	Task  string
	Op    string
	State State
}

// Error returns a human-readable description of the violation.
func (e *LifecycleError) Error() string {
	return fmt.Sprintf("task %q: %s called in state %s", e.Task, e.Op, e.State)
}

// Unwrap returns ErrLifecycle so callers can match with errors.Is.
func (e *LifecycleError) Unwrap() error {
	return ErrLifecycle
}
