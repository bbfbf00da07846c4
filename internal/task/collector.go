package task

import (
	"fmt"
	"sync"
)

// Collector is a file-scoped Reporter. Entries reported through Errorf and
// Warnf are tagged with the collector's path; Report accepts entries for any
// path so a transform may attribute a problem to a file it imported.
//
// A Collector never touches a task ledger. The owner flushes Entries into the
// task once the callback that used it has returned.
type Collector struct {
	path string

	mu      sync.Mutex
	entries []Entry
}

// NewCollector creates a collector for diagnostics about path.
func NewCollector(path string) *Collector {
	return &Collector{path: path}
}

// Path returns the file the collector is scoped to.
func (c *Collector) Path() string { return c.path }

// Report buffers e. An empty path is filled with the collector's own path.
func (c *Collector) Report(e Entry) error {
	if e.Path == "" {
		e.Path = c.path
	}
	if err := e.validate(); err != nil {
		return err
	}
	c.mu.Lock()
	c.entries = append(c.entries, e)
	c.mu.Unlock()
	return nil
}

// Errorf buffers an error-severity entry for the collector's file.
func (c *Collector) Errorf(format string, args ...any) {
	_ = c.Report(Entry{Message: fmt.Sprintf(format, args...), Severity: SeverityError})
}

// Warnf buffers a warning-severity entry for the collector's file.
func (c *Collector) Warnf(format string, args ...any) {
	_ = c.Report(Entry{Message: fmt.Sprintf(format, args...), Severity: SeverityWarning})
}

// Entries returns a copy of the buffered entries in report order.
func (c *Collector) Entries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Entry, len(c.entries))
	copy(out, c.entries)
	return out
}
