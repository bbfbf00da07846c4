package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/cobra"
)

const sampleTelemetry = `{"ts":"2026-03-01T10:00:00Z","kind":"session_start","session":"8f2d41aa-1111-2222-3333-444455556666","data":{"root":"/work","collections":2}}
{"ts":"2026-03-01T10:00:01Z","kind":"cycle_start","session":"8f2d41aa-1111-2222-3333-444455556666","task":"strings","data":{"initial":true}}
{"ts":"2026-03-01T10:00:01Z","kind":"task_state","session":"8f2d41aa-1111-2222-3333-444455556666","task":"strings","data":{"from":"Idle","to":"Working","entries":0}}
{"ts":"2026-03-01T10:00:02Z","kind":"cycle_done","session":"8f2d41aa-1111-2222-3333-444455556666","task":"levels","data":{"cycle":1,"initial":true,"events":3,"restored":0,"state":"HasErrors","duration_ms":12}}
{"ts":"2026-03-01T10:00:03Z","kind":"watch_settled","session":"0b7c9e10-aaaa-bbbb-cccc-ddddeeeeffff","task":"levels","data":{"cycles":16,"starved":true}}
not json
`

func TestPrintEvent(t *testing.T) {
	t.Parallel()

	lines := strings.Split(strings.TrimSpace(sampleTelemetry), "\n")
	tests := []struct {
		name   string
		filter eventFilter
		want   []string
	}{
		{
			name: "all events",
			want: []string{
				"[10:00:00] 8f2d41aa session started: 2 collection(s) in /work",
				"[10:00:01] 8f2d41aa strings initial build started",
				"[10:00:01] 8f2d41aa strings Idle -> Working (0 entries)",
				"[10:00:02] 8f2d41aa levels cycle 1 done: HasErrors, 3 event(s), 0 restored, 12ms",
				"[10:00:03] 0b7c9e10 levels still busy after 16 chained cycle(s)",
				"??? not json",
			},
		},
		{
			name:   "task keeps session starts",
			filter: eventFilter{task: "levels", session: "8f2d41aa-1111-2222-3333-444455556666"},
			want: []string{
				"[10:00:00] session started: 2 collection(s) in /work",
				"[10:00:02] levels cycle 1 done: HasErrors, 3 event(s), 0 restored, 12ms",
				"??? not json",
			},
		},
		{
			name:   "kinds",
			filter: eventFilter{kinds: []string{"task_state", "watch_settled"}},
			want: []string{
				"[10:00:01] 8f2d41aa strings Idle -> Working (0 entries)",
				"[10:00:03] 0b7c9e10 levels still busy after 16 chained cycle(s)",
				"??? not json",
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			var buf bytes.Buffer
			for _, line := range lines {
				printEvent(&buf, line, tc.filter)
			}
			got := strings.Split(strings.TrimSpace(buf.String()), "\n")
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("printed events mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDescribeEvent_UnknownKind(t *testing.T) {
	t.Parallel()

	got := describeEvent("custom", map[string]any{"b": 2, "a": "x"})
	if got != "custom a=x b=2" {
		t.Errorf("describeEvent = %q", got)
	}
}

// telemetryCommand returns a fresh telemetry command with flags set.
func telemetryCommand(t *testing.T, out *bytes.Buffer, flags map[string]string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "telemetry"}
	addTelemetryFlags(cmd)
	cmd.SetOut(out)
	for name, val := range flags {
		if err := cmd.Flags().Set(name, val); err != nil {
			t.Fatal(err)
		}
	}
	return cmd
}

func TestRunTelemetry_ReadsFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "events.jsonl")
	if err := os.WriteFile(path, []byte(sampleTelemetry), 0o644); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	cmd := telemetryCommand(t, &out, map[string]string{"file": path, "kind": "watch_settled"})
	if err := runTelemetry(cmd, nil); err != nil {
		t.Fatalf("runTelemetry: %v", err)
	}
	want := "[10:00:03] 0b7c9e10 levels still busy after 16 chained cycle(s)\n??? not json"
	if got := strings.TrimSpace(out.String()); got != want {
		t.Errorf("output = %q, want %q", got, want)
	}
}

func TestRunTelemetry_RejectsUnknownKind(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	cmd := telemetryCommand(t, &out, map[string]string{"file": "unused.jsonl", "kind": "nope"})
	err := runTelemetry(cmd, nil)
	if err == nil || !strings.Contains(err.Error(), `unknown event kind "nope"`) {
		t.Errorf("runTelemetry error = %v", err)
	}
}
