package cmd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/papapumpkin/pulsar/internal/config"
	"github.com/papapumpkin/pulsar/internal/telemetry"
)

var telemetryCmd = &cobra.Command{
	Use:   "telemetry",
	Short: "View recorded build telemetry",
	Long: `Reads the JSONL telemetry file named by the telemetry setting and prints
one line per event: session starts, cycle boundaries, task state changes and
watch settling.

Events can be narrowed with --session, --task and --kind.
With --follow (-f), watches the file for new events (like tail -f).`,
	RunE: runTelemetry,
}

func init() {
	addTelemetryFlags(telemetryCmd)
	rootCmd.AddCommand(telemetryCmd)
}

func addTelemetryFlags(cmd *cobra.Command) {
	cmd.Flags().String("file", "", "telemetry file (default: the telemetry setting)")
	cmd.Flags().String("session", "", "only show events of this session id")
	cmd.Flags().String("task", "", "only show events of this collection")
	cmd.Flags().StringSlice("kind", nil, "only show these event kinds ("+strings.Join(telemetry.Kinds(), ", ")+")")
	cmd.Flags().BoolP("follow", "f", false, "follow the file for new events")
}

// eventFilter selects the events a telemetry listing prints. Zero fields
// match everything.
type eventFilter struct {
	session string
	task    string
	kinds   []string
}

func filterFromFlags(cmd *cobra.Command) (eventFilter, error) {
	var f eventFilter
	f.session, _ = cmd.Flags().GetString("session")
	f.task, _ = cmd.Flags().GetString("task")
	f.kinds, _ = cmd.Flags().GetStringSlice("kind")
	for _, k := range f.kinds {
		if !slices.Contains(telemetry.Kinds(), k) {
			return f, fmt.Errorf("telemetry: unknown event kind %q (known: %s)", k, strings.Join(telemetry.Kinds(), ", "))
		}
	}
	return f, nil
}

func (f eventFilter) match(evt telemetry.Event) bool {
	if f.session != "" && evt.SessionID != f.session {
		return false
	}
	// Session starts belong to no task but frame the listing.
	if f.task != "" && evt.Task != f.task && evt.Kind != telemetry.KindSessionStart {
		return false
	}
	return len(f.kinds) == 0 || slices.Contains(f.kinds, evt.Kind)
}

func runTelemetry(cmd *cobra.Command, _ []string) error {
	filter, err := filterFromFlags(cmd)
	if err != nil {
		return err
	}
	path, err := resolveTelemetryPath(cmd)
	if err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("telemetry: open %s: %w", path, err)
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	printLines(cmd.OutOrStdout(), reader, filter)

	if follow, _ := cmd.Flags().GetBool("follow"); !follow {
		return nil
	}
	return followFile(cmd, reader, path, filter)
}

// printLines prints every line available from r.
func printLines(w io.Writer, r *bufio.Reader, filter eventFilter) {
	for {
		line, err := r.ReadString('\n')
		if line = strings.TrimSpace(line); line != "" {
			printEvent(w, line, filter)
		}
		if err != nil {
			return
		}
	}
}

// followFile prints lines appended to path until the command's context is
// done.
func followFile(cmd *cobra.Command, r *bufio.Reader, path string, filter eventFilter) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("telemetry: create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return fmt.Errorf("telemetry: watch %s: %w", path, err)
	}

	ctx := cmd.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Write) {
				printLines(cmd.OutOrStdout(), r, filter)
			}
		}
	}
}

// printEvent decodes one JSONL line and prints it if filter matches.
func printEvent(w io.Writer, line string, filter eventFilter) {
	var evt telemetry.Event
	if err := json.Unmarshal([]byte(line), &evt); err != nil {
		fmt.Fprintf(w, "??? %s\n", line)
		return
	}
	if !filter.match(evt) {
		return
	}

	parts := []string{fmt.Sprintf("[%s]", evt.Timestamp.Format(time.TimeOnly))}
	if filter.session == "" && evt.SessionID != "" {
		parts = append(parts, shortID(evt.SessionID))
	}
	if evt.Task != "" {
		parts = append(parts, evt.Task)
	}
	data, _ := evt.Data.(map[string]any)
	parts = append(parts, describeEvent(evt.Kind, data))
	fmt.Fprintln(w, strings.Join(parts, " "))
}

// describeEvent summarizes the payload of the kinds a session records and
// falls back to key=value pairs for anything else.
func describeEvent(kind string, data map[string]any) string {
	switch kind {
	case telemetry.KindSessionStart:
		return fmt.Sprintf("session started: %v collection(s) in %v", data["collections"], data["root"])
	case telemetry.KindCycleStart:
		if data["initial"] == true {
			return "initial build started"
		}
		return "cycle started"
	case telemetry.KindTaskState:
		return fmt.Sprintf("%v -> %v (%v entries)", data["from"], data["to"], data["entries"])
	case telemetry.KindCycleDone:
		return fmt.Sprintf("cycle %v done: %v, %v event(s), %v restored, %vms",
			data["cycle"], data["state"], data["events"], data["restored"], data["duration_ms"])
	case telemetry.KindWatchSettled:
		if data["starved"] == true {
			return fmt.Sprintf("still busy after %v chained cycle(s)", data["cycles"])
		}
		return fmt.Sprintf("settled after %v cycle(s)", data["cycles"])
	}
	if len(data) == 0 {
		return kind
	}
	return kind + " " + formatDataMap(data)
}

// formatDataMap formats a data map as key=value pairs sorted by key.
func formatDataMap(m map[string]any) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, len(keys))
	for i, k := range keys {
		pairs[i] = fmt.Sprintf("%s=%v", k, m[k])
	}
	return strings.Join(pairs, " ")
}

// shortID trims a uuid to its first group for display.
func shortID(id string) string {
	if i := strings.IndexByte(id, '-'); i > 0 {
		return id[:i]
	}
	return id
}

// resolveTelemetryPath returns --file, or the configured telemetry file.
func resolveTelemetryPath(cmd *cobra.Command) (string, error) {
	if p, _ := cmd.Flags().GetString("file"); p != "" {
		return p, nil
	}
	cfg, err := config.Load()
	if err != nil {
		return "", fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Telemetry == "" {
		return "", fmt.Errorf("telemetry: no file configured; set telemetry in .pulsar.yaml or pass --file")
	}
	return cfg.Telemetry, nil
}
