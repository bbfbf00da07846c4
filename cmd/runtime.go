package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/papapumpkin/pulsar/internal/config"
	"github.com/papapumpkin/pulsar/internal/logging"
	"github.com/papapumpkin/pulsar/internal/session"
	"github.com/papapumpkin/pulsar/internal/store"
	"github.com/papapumpkin/pulsar/internal/task"
	"github.com/papapumpkin/pulsar/internal/telemetry"
	"github.com/papapumpkin/pulsar/internal/ui"
	"github.com/papapumpkin/pulsar/internal/watch"
)

// runtime bundles what the build and watch commands share.
type runtime struct {
	cfg       config.Config
	sessionID string
	logger    *slog.Logger
	printer   *ui.Printer
	emitter   *telemetry.Emitter
	store     *store.Store
	session   *session.Session
}

// openRuntime loads configuration and the manifest and constructs the
// session with telemetry and build persistence attached.
func openRuntime(cmd *cobra.Command) (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := logging.New(cmd.ErrOrStderr(), logging.Options{Format: cfg.LogFormat, Verbose: cfg.Verbose})
	if err != nil {
		return nil, err
	}

	rt := &runtime{
		cfg:       cfg,
		sessionID: telemetry.NewSessionID(),
		logger:    logger,
		printer:   ui.New(cmd.ErrOrStderr()),
	}
	ok := false
	defer func() {
		if !ok {
			rt.Close()
		}
	}()

	if cfg.Telemetry != "" {
		if err := ensureParent(cfg.Telemetry); err != nil {
			return nil, err
		}
		if rt.emitter, err = telemetry.NewEmitter(cfg.Telemetry, rt.sessionID); err != nil {
			return nil, err
		}
	}
	if cfg.StateDB != "" {
		if err := ensureParent(cfg.StateDB); err != nil {
			return nil, err
		}
		if rt.store, err = store.Open(cmd.Context(), cfg.StateDB); err != nil {
			return nil, err
		}
	}

	m, err := session.LoadManifest(cfg.Manifest)
	if err != nil {
		return nil, err
	}
	rt.session, err = session.New(cmd.Context(), m, session.Options{
		Concurrency:      cfg.Concurrency,
		MaxChainedCycles: cfg.MaxChainedCycles,
		Debounce:         cfg.Debounce,
		Logger:           logger,
		Telemetry:        rt.emitter,
		Observer:         rt.printer.Transition,
		OnCycle:          rt.saveBuild,
		OnSettled: func(_ string, chained int, starved bool) {
			rt.printer.Settled(chained, starved)
		},
	})
	if err != nil {
		return nil, err
	}
	ok = true
	return rt, nil
}

// saveBuild persists one finished cycle. Persistence failures are logged
// and never fail the build.
func (rt *runtime) saveBuild(name string, cs watch.CycleStats, entries []task.Entry) {
	if rt.store == nil {
		return
	}
	_, err := rt.store.SaveBuild(context.Background(), store.Build{
		Session:     rt.sessionID,
		Task:        name,
		State:       cs.State.String(),
		Cycle:       cs.Cycle,
		Initial:     cs.Initial,
		Duration:    cs.Duration,
		StartedAt:   time.Now().Add(-cs.Duration),
		Diagnostics: entries,
	})
	if err != nil {
		rt.logger.Warn("recording build", "task", name, "error", err)
	}
}

// summarize prints the result table and reports whether the build failed.
func (rt *runtime) summarize(res *session.Result) bool {
	rows := make([]ui.Row, 0, len(res.Tasks))
	for _, t := range res.Tasks {
		errs, warns := t.Counts()
		rows = append(rows, ui.Row{Task: t.Name, State: t.State, Errors: errs, Warnings: warns, Duration: t.Duration})
	}
	rt.printer.Summary(rows)
	return res.Failed()
}

func (rt *runtime) Close() {
	if rt.store != nil {
		rt.store.Close()
	}
	rt.emitter.Close()
}

func ensureParent(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", path, err)
	}
	return nil
}
