// Package watch turns filesystem events into bounded build cycles.
//
// A Watcher adapts fsnotify into a stream of Events. A Scheduler consumes
// that stream for one task, runs per-file callbacks, and keeps the task's
// diagnostics correct across cycles: files not touched by a cycle keep the
// diagnostics they had before it.
package watch

import "fmt"

// EventKind describes a file change.
type EventKind int

const (
	EventAdd EventKind = iota
	EventChange
	EventRemove
)

// String returns "add", "change" or "remove".
func (k EventKind) String() string {
	switch k {
	case EventAdd:
		return "add"
	case EventChange:
		return "change"
	case EventRemove:
		return "remove"
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event is one change to one file. Path is absolute.
type Event struct {
	Kind EventKind
	Path string
}
