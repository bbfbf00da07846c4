// Package task implements the lifecycle of one schedulable unit of build
// work and the diagnostics ledger it accumulates while running.
//
// A task moves Idle -> Working on Start and Working -> {OK, HasWarnings,
// HasErrors} on Finish. Diagnostics may only be reported while the task is
// Working, so Finish always observes a ledger with no concurrent writers.
package task

import (
	"fmt"
	"sync"

	"github.com/papapumpkin/pulsar/internal/buildctx"
)

// State is the lifecycle state of a task.
type State int

const (
	StateIdle State = iota // Created, never started.
	StateWorking
	StateOK
	StateHasErrors
	StateHasWarnings
)

// String returns the lowercase name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWorking:
		return "working"
	case StateOK:
		return "ok"
	case StateHasErrors:
		return "errors"
	case StateHasWarnings:
		return "warnings"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ParseState is the inverse of State.String.
func ParseState(s string) (State, bool) {
	for st := StateIdle; st <= StateHasWarnings; st++ {
		if st.String() == s {
			return st, true
		}
	}
	return StateIdle, false
}

// Transition describes a state change delivered to an Observer.
type Transition struct {
	Task    string
	From    State
	To      State
	Entries []Entry // Ledger snapshot; populated only when To is a finished state.
}

// Observer is notified synchronously after every Start and Finish.
// Implementations must not call back into the task.
type Observer func(Transition)

// Task is one named unit of build work.
type Task struct {
	name    string
	options any
	ctx     buildctx.Context

	mu       sync.Mutex
	state    State
	entries  []Entry
	observer Observer
}

// New creates an idle task. options is opaque caller configuration and may
// be nil; bctx gives the task path resolution and file matching.
func New(name string, options any, bctx buildctx.Context) *Task {
	return &Task{
		name:    name,
		options: options,
		ctx:     bctx,
	}
}

// Name returns the task's identity.
func (t *Task) Name() string { return t.name }

// Options returns the configuration the task was created with.
func (t *Task) Options() any { return t.options }

// Context returns the shared build context.
func (t *Task) Context() buildctx.Context { return t.ctx }

// OnTransition registers the state-change observer, replacing any previous one.
func (t *Task) OnTransition(o Observer) {
	t.mu.Lock()
	t.observer = o
	t.mu.Unlock()
}

// State returns the current lifecycle state.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Failed reports whether the last finished run recorded any errors.
func (t *Task) Failed() bool {
	return t.State() == StateHasErrors
}

// Start moves the task into Working. Calling Start on a task that is already
// Working is a contract violation and returns a *LifecycleError.
func (t *Task) Start() error {
	t.mu.Lock()
	if t.state == StateWorking {
		err := &LifecycleError{Task: t.name, Op: "start", State: t.state}
		t.mu.Unlock()
		return err
	}
	tr := Transition{Task: t.name, From: t.state, To: StateWorking}
	t.state = StateWorking
	obs := t.observer
	t.mu.Unlock()

	if obs != nil {
		obs(tr)
	}
	return nil
}

// Finish computes the final state from the ledger and leaves Working.
// Calling Finish on a task that is not Working returns a *LifecycleError.
func (t *Task) Finish() (State, error) {
	t.mu.Lock()
	if t.state != StateWorking {
		err := &LifecycleError{Task: t.name, Op: "finish", State: t.state}
		st := t.state
		t.mu.Unlock()
		return st, err
	}
	next := severityOf(t.entries)
	tr := Transition{Task: t.name, From: t.state, To: next, Entries: t.snapshotLocked()}
	t.state = next
	obs := t.observer
	t.mu.Unlock()

	if obs != nil {
		obs(tr)
	}
	return next, nil
}

// Report appends e to the ledger. It is only legal while the task is Working.
func (t *Task) Report(e Entry) error {
	if err := e.validate(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateWorking {
		return &LifecycleError{Task: t.name, Op: "report", State: t.state}
	}
	t.entries = append(t.entries, e)
	return nil
}

// Errorf reports a task-scoped error. A lifecycle violation is dropped; use
// Report directly when the caller needs to observe it.
func (t *Task) Errorf(format string, args ...any) {
	_ = t.Report(Entry{Message: fmt.Sprintf(format, args...), Severity: SeverityError})
}

// Warnf reports a task-scoped warning.
func (t *Task) Warnf(format string, args ...any) {
	_ = t.Report(Entry{Message: fmt.Sprintf(format, args...), Severity: SeverityWarning})
}

// RemoveErrors clears the ledger. It may be called in any state.
func (t *Task) RemoveErrors() {
	t.mu.Lock()
	t.entries = nil
	t.mu.Unlock()
}

// Entries returns a copy of the ledger in report order.
func (t *Task) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *Task) snapshotLocked() []Entry {
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}
