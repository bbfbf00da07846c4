package ui

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/papapumpkin/pulsar/internal/task"
)

func TestPrinter_TransitionListsDiagnostics(t *testing.T) {
	var buf bytes.Buffer
	p := New(&buf)

	p.Transition(task.Transition{
		Task: "strings",
		From: task.StateWorking,
		To:   task.StateHasErrors,
		Entries: []task.Entry{
			{Path: "/p/a.json", Message: "minor", Severity: task.SeverityWarning},
			{Path: "/p/b.json", Message: "broken", Severity: task.SeverityError},
		},
	})

	out := buf.String()
	for _, want := range []string{"strings", "errors", "/p/b.json: broken", "/p/a.json: minor"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Index(out, "broken") > strings.Index(out, "minor") {
		t.Errorf("errors should be listed before warnings:\n%s", out)
	}
}

func TestPrinter_Summary(t *testing.T) {
	var buf bytes.Buffer
	New(&buf).Summary([]Row{
		{Task: "docs", State: task.StateOK, Duration: 12 * time.Millisecond},
		{Task: "strings", State: task.StateHasWarnings, Warnings: 2},
	})

	out := buf.String()
	for _, want := range []string{"build summary", "docs", "ok", "in 12ms", "0 error(s), 2 warning(s)"} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
}

func TestPrinter_ValidateResult(t *testing.T) {
	var buf bytes.Buffer
	p := New(&buf)
	p.ValidateResult("pulsar.toml", 2, nil)
	p.ValidateResult("pulsar.toml", 2, []error{errors.New("collection \"x\": include is required")})

	out := buf.String()
	if !strings.Contains(out, "2 collection(s), no errors") {
		t.Errorf("missing success line:\n%s", out)
	}
	if !strings.Contains(out, "1 error(s)") || !strings.Contains(out, "include is required") {
		t.Errorf("missing failure details:\n%s", out)
	}
}

func TestPrinter_NoColorForPlainWriter(t *testing.T) {
	var buf bytes.Buffer
	New(&buf).Error("boom")
	if strings.Contains(buf.String(), "\x1b[") {
		t.Errorf("plain writer should not get ANSI codes: %q", buf.String())
	}
}
