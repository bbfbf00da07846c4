package task

import (
	"fmt"
	"path/filepath"
)

// Severity classifies a ledger entry.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Entry is one diagnostic in a task's ledger. Path is empty for diagnostics
// that belong to a whole group or task rather than a single source file.
type Entry struct {
	Path     string   `json:"path,omitempty"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// String formats the entry as "path: severity: message".
func (e Entry) String() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %s", e.Severity, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Path, e.Severity, e.Message)
}

func (e Entry) validate() error {
	if e.Path != "" && !filepath.IsAbs(e.Path) {
		return fmt.Errorf("%w: %q", ErrRelativePath, e.Path)
	}
	return nil
}

// Reporter accepts diagnostics. *Task reports into its own ledger with no file
// scope; *Collector buffers entries for a single file.
type Reporter interface {
	Report(e Entry) error
	Errorf(format string, args ...any)
	Warnf(format string, args ...any)
}

// severityOf derives the aggregate state from a set of entries. Errors win
// over warnings, warnings over a clean ledger.
func severityOf(entries []Entry) State {
	state := StateOK
	for _, e := range entries {
		switch e.Severity {
		case SeverityError:
			return StateHasErrors
		case SeverityWarning:
			state = StateHasWarnings
		}
	}
	return state
}
