package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/papapumpkin/pulsar/internal/config"
	"github.com/papapumpkin/pulsar/internal/store"
	"github.com/papapumpkin/pulsar/internal/task"
	"github.com/papapumpkin/pulsar/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the last recorded result of every collection",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().Bool("json", false, "output status as JSON to stdout")
	statusCmd.Flags().BoolP("diagnostics", "d", false, "list each task's diagnostics")
	statusCmd.Flags().String("state-db", ".pulsar/state.db", "SQLite database recording build results")
	statusCmd.Flags().Int("prune", 0, "keep only the newest N builds per task (0 keeps all)")
	rootCmd.AddCommand(statusCmd)
}

// statusJSON is the structured representation of status for --json output.
type statusJSON struct {
	Task        string       `json:"task"`
	Session     string       `json:"session"`
	State       string       `json:"state"`
	Cycle       int          `json:"cycle"`
	Initial     bool         `json:"initial"`
	StartedAt   time.Time    `json:"started_at"`
	DurationMs  int64        `json:"duration_ms"`
	Diagnostics []task.Entry `json:"diagnostics,omitempty"`
}

func runStatus(cmd *cobra.Command, _ []string) error {
	_ = viper.BindPFlag("state_db", cmd.Flags().Lookup("state-db"))
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	printer := ui.New(cmd.ErrOrStderr())

	if _, err := os.Stat(cfg.StateDB); errors.Is(err, os.ErrNotExist) {
		printer.Error(fmt.Sprintf("no builds recorded in %s; run pulsar build first", cfg.StateDB))
		return fmt.Errorf("%w: %w", errReported, err)
	}
	st, err := store.Open(cmd.Context(), cfg.StateDB)
	if err != nil {
		return reportError(printer, err)
	}
	defer st.Close()

	if keep, _ := cmd.Flags().GetInt("prune"); keep > 0 {
		n, err := st.Prune(cmd.Context(), keep)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "pruned %d build(s)\n", n)
	}

	builds, err := st.LastBuilds(cmd.Context())
	if err != nil {
		return err
	}
	for i := range builds {
		if builds[i].Diagnostics, err = st.Diagnostics(cmd.Context(), builds[i].Task); err != nil {
			return err
		}
	}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return writeStatusJSON(cmd.OutOrStdout(), builds)
	}

	rows := make([]ui.Row, 0, len(builds))
	for _, b := range builds {
		state, _ := task.ParseState(b.State)
		row := ui.Row{Task: b.Task, State: state, Duration: b.Duration}
		for _, e := range b.Diagnostics {
			if e.Severity == task.SeverityError {
				row.Errors++
			} else {
				row.Warnings++
			}
		}
		rows = append(rows, row)
	}
	printer.Summary(rows)
	if showDiags, _ := cmd.Flags().GetBool("diagnostics"); showDiags {
		for _, b := range builds {
			printer.Diagnostics(b.Diagnostics)
		}
	}
	return nil
}

func writeStatusJSON(w io.Writer, builds []store.Build) error {
	out := make([]statusJSON, 0, len(builds))
	for _, b := range builds {
		out = append(out, statusJSON{
			Task:        b.Task,
			Session:     b.Session,
			State:       b.State,
			Cycle:       b.Cycle,
			Initial:     b.Initial,
			StartedAt:   b.StartedAt,
			DurationMs:  b.Duration.Milliseconds(),
			Diagnostics: b.Diagnostics,
		})
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
