// Package ui renders human-readable build progress to a terminal.
package ui

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/papapumpkin/pulsar/internal/task"
)

// Row is one line of a build summary.
type Row struct {
	Task     string
	State    task.State
	Errors   int
	Warnings int
	Duration time.Duration
}

// Printer writes styled output to w.
type Printer struct {
	w  io.Writer
	st styles
}

// New creates a printer for w.
func New(w io.Writer) *Printer {
	return &Printer{w: w, st: newStyles(lipgloss.NewRenderer(w))}
}

func (p *Printer) stateLabel(s task.State) string {
	switch s {
	case task.StateOK:
		return p.st.ok.Render(iconOK + " " + s.String())
	case task.StateHasErrors:
		return p.st.errors.Render(iconErrors + " " + s.String())
	case task.StateHasWarnings:
		return p.st.warnings.Render(iconWarnings + " " + s.String())
	case task.StateWorking:
		return p.st.working.Render(iconWorking + " " + s.String())
	default:
		return p.st.muted.Render(iconIdle + " " + s.String())
	}
}

// Transition prints a task leaving or entering Working.
func (p *Printer) Transition(tr task.Transition) {
	fmt.Fprintf(p.w, "%s %s\n", p.st.task.Render(tr.Task), p.stateLabel(tr.To))
	if tr.To != task.StateWorking {
		p.Diagnostics(tr.Entries)
	}
}

// Diagnostics prints one line per entry, errors first.
func (p *Printer) Diagnostics(entries []task.Entry) {
	for _, sev := range []task.Severity{task.SeverityError, task.SeverityWarning} {
		for _, e := range entries {
			if e.Severity != sev {
				continue
			}
			mark := p.st.errors.Render("  • ")
			if sev == task.SeverityWarning {
				mark = p.st.warnings.Render("  • ")
			}
			where := ""
			if e.Path != "" {
				where = p.st.muted.Render(e.Path+": ")
			}
			fmt.Fprintf(p.w, "%s%s%s\n", mark, where, e.Message)
		}
	}
}

// Summary prints a table of final task states.
func (p *Printer) Summary(rows []Row) {
	fmt.Fprintln(p.w, p.st.heading.Render("build summary"))
	if len(rows) == 0 {
		fmt.Fprintln(p.w, p.st.muted.Render("  (no tasks)"))
		return
	}
	for _, r := range rows {
		counts := p.st.muted.Render(fmt.Sprintf("%d error(s), %d warning(s)", r.Errors, r.Warnings))
		dur := ""
		if r.Duration > 0 {
			dur = p.st.muted.Render(" in " + r.Duration.Round(time.Millisecond).String())
		}
		fmt.Fprintf(p.w, "  %s %s  %s%s\n", p.st.task.Render(r.Task), p.stateLabel(r.State), counts, dur)
	}
}

// Watching announces that the session is waiting for changes.
func (p *Printer) Watching(root string) {
	fmt.Fprintf(p.w, "%s %s\n", p.st.heading.Render("watching"), root)
}

// Settled prints a watch burst coming to rest.
func (p *Printer) Settled(cycles int, starved bool) {
	if starved {
		fmt.Fprintln(p.w, p.st.warnings.Render(fmt.Sprintf("%s still busy after %d chained cycle(s)", iconWarnings, cycles)))
		return
	}
	fmt.Fprintln(p.w, p.st.muted.Render(fmt.Sprintf("settled after %d cycle(s)", cycles)))
}

// ValidateResult prints the outcome of validating a manifest.
func (p *Printer) ValidateResult(path string, collections int, errs []error) {
	if len(errs) == 0 {
		fmt.Fprintf(p.w, "%s %s\n", p.st.ok.Render(iconOK+" "+path), fmt.Sprintf("%d collection(s), no errors", collections))
		return
	}
	fmt.Fprintf(p.w, "%s %d error(s):\n", p.st.errors.Render(iconErrors+" "+path), len(errs))
	for _, e := range errs {
		fmt.Fprintf(p.w, "%s%s\n", p.st.errors.Render("  • "), e.Error())
	}
}

// Error prints a top-level failure.
func (p *Printer) Error(msg string) {
	fmt.Fprintf(p.w, "%s%s\n", p.st.errors.Render("error: "), strings.TrimSpace(msg))
}
