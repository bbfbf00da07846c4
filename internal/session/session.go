// Package session wires one build: a task, collection service, and
// watch-cycle scheduler per manifest collection, sharing a build context
// and a named registry.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/papapumpkin/pulsar/internal/buildctx"
	"github.com/papapumpkin/pulsar/internal/collection"
	"github.com/papapumpkin/pulsar/internal/document"
	"github.com/papapumpkin/pulsar/internal/logging"
	"github.com/papapumpkin/pulsar/internal/output"
	"github.com/papapumpkin/pulsar/internal/plugins"
	"github.com/papapumpkin/pulsar/internal/task"
	"github.com/papapumpkin/pulsar/internal/telemetry"
	"github.com/papapumpkin/pulsar/internal/watch"
)

// TaskPrefix prefixes registry ids that resolve to a *task.Task. A bare
// collection name resolves to its *collection.Service.
const TaskPrefix = "task:"

// Options tunes a Session.
type Options struct {
	Concurrency      int
	MaxChainedCycles int
	Debounce         time.Duration
	Logger           *slog.Logger
	Telemetry        *telemetry.Emitter
	// Observer receives every task transition.
	Observer task.Observer
	// OnCycle is called after every finished cycle with the task's ledger.
	OnCycle func(name string, cs watch.CycleStats, entries []task.Entry)
	// OnSettled is called when a task's watch burst comes to rest.
	OnSettled func(name string, chained int, starved bool)
	// Writer builds the output writer of a collection. Defaults to an
	// output.FileWriter on dir.
	Writer func(spec CollectionSpec, dir string) output.Writer
}

// Session owns every collection of one manifest.
type Session struct {
	manifest *Manifest
	bctx     *buildctx.Local
	opts     Options
	log      *slog.Logger

	units  []*unit
	byName map[string]*unit

	mu    sync.Mutex
	built bool
}

// unit is everything one collection needs.
type unit struct {
	spec      CollectionSpec
	outDir    string // Absolute.
	task      *task.Task
	svc       *collection.Service
	sched     *watch.Scheduler
	writer    output.Writer
	initDiags []task.Entry

	mu        sync.Mutex
	artifacts map[string]*document.Document
}

// New validates m and builds every collection. Schema and bootstrap taps
// run here; their diagnostics are reported in the first build.
func New(ctx context.Context, m *Manifest, opts Options) (*Session, error) {
	if verrs := ValidateManifest(m); len(verrs) > 0 {
		errs := []error{ErrInvalidManifest}
		for _, ve := range verrs {
			errs = append(errs, ve)
		}
		return nil, errors.Join(errs...)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	if opts.Writer == nil {
		opts.Writer = func(spec CollectionSpec, dir string) output.Writer {
			return output.NewFileWriter(dir, spec.OutputFormat())
		}
	}

	bctx, err := buildctx.NewLocal(m.RootDir(), m.IgnoreNames()...)
	if err != nil {
		return nil, err
	}
	s := &Session{
		manifest: m,
		bctx:     bctx,
		opts:     opts,
		log:      logging.Component(opts.Logger, "session"),
		byName:   make(map[string]*unit, len(m.Collections)),
	}
	for _, spec := range m.Collections {
		u, err := s.newUnit(ctx, spec)
		if err != nil {
			return nil, err
		}
		s.units = append(s.units, u)
		s.byName[spec.Name] = u
	}
	_ = opts.Telemetry.Record(telemetry.KindSessionStart, "", map[string]any{
		"root":        bctx.Root(),
		"collections": len(s.units),
	})
	return s, nil
}

func (s *Session) newUnit(ctx context.Context, spec CollectionSpec) (*unit, error) {
	group, err := collection.ParseGroupFunc(spec.Group)
	if err != nil {
		return nil, err
	}
	var ps []collection.Plugin
	for _, name := range spec.Plugins {
		p, err := plugins.Lookup(name)
		if err != nil {
			return nil, err
		}
		ps = append(ps, p)
	}

	u := &unit{
		spec:   spec,
		outDir: s.bctx.Resolve(filepath.ToSlash(spec.OutputDir())),
		task:   task.New(spec.Name, spec, s.bctx),
	}
	u.writer = s.opts.Writer(spec, u.outDir)
	u.task.OnTransition(s.observe)
	u.svc = collection.New(collection.Options{
		Name:     spec.Name,
		Context:  s.bctx,
		Group:    group,
		Schema:   spec.DocumentSchema(),
		Plugins:  ps,
		Registry: s,
		Logger:   s.opts.Logger,
	})

	col := task.NewCollector("")
	if err := u.svc.Init(ctx, col); err != nil {
		return nil, err
	}
	u.initDiags = col.Entries()

	name := spec.Name
	u.sched = watch.NewScheduler(u.task, watch.Callbacks{
		Transform:   u.svc.LoadFile,
		Remove:      u.svc.UnloadFile,
		BeforeWatch: func(_ context.Context, initial bool) error { return s.beforeWatch(u, initial) },
		AfterWatch:  func(ctx context.Context, _ bool) error { return u.emit(ctx) },
	}, watch.Options{
		Concurrency:      s.opts.Concurrency,
		MaxChainedCycles: s.opts.MaxChainedCycles,
		Logger:           s.opts.Logger,
		OnCycle:          func(cs watch.CycleStats) { s.cycleDone(u, cs) },
		OnSettled: func(chained int, starved bool) {
			_ = s.opts.Telemetry.Record(telemetry.KindWatchSettled, name, map[string]any{
				"cycles":  chained,
				"starved": starved,
			})
			if s.opts.OnSettled != nil {
				s.opts.OnSettled(name, chained, starved)
			}
		},
	})
	u.svc.SetTrigger(u.sched.Trigger)
	return u, nil
}

func (s *Session) observe(tr task.Transition) {
	_ = s.opts.Telemetry.Record(telemetry.KindTaskState, tr.Task, map[string]any{
		"from":    tr.From.String(),
		"to":      tr.To.String(),
		"entries": len(tr.Entries),
	})
	if s.opts.Observer != nil {
		s.opts.Observer(tr)
	}
}

func (s *Session) beforeWatch(u *unit, initial bool) error {
	_ = s.opts.Telemetry.Record(telemetry.KindCycleStart, u.spec.Name, map[string]any{"initial": initial})
	// Init diagnostics have no file to be restored from, so every cycle
	// reports them again after RemoveErrors.
	for _, e := range u.initDiags {
		if err := u.task.Report(e); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) cycleDone(u *unit, cs watch.CycleStats) {
	_ = s.opts.Telemetry.Record(telemetry.KindCycleDone, u.spec.Name, map[string]any{
		"cycle":       cs.Cycle,
		"initial":     cs.Initial,
		"events":      cs.Events,
		"restored":    cs.Restored,
		"state":       cs.State.String(),
		"duration_ms": cs.Duration.Milliseconds(),
	})
	if s.opts.OnCycle != nil {
		s.opts.OnCycle(u.spec.Name, cs, u.task.Entries())
	}
}

// emit merges every group and hands the artifacts to the writer. Writer
// failures are recorded as task-scoped errors naming the output path.
func (u *unit) emit(ctx context.Context) error {
	artifacts, err := u.svc.Emit(ctx, u.task)
	if err != nil {
		return err
	}
	u.mu.Lock()
	u.artifacts = artifacts
	u.mu.Unlock()

	if err := u.writer.Write(ctx, artifacts); err != nil {
		for _, e := range splitErrors(err) {
			u.task.Errorf("%v", e)
		}
	}
	return nil
}

func splitErrors(err error) []error {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		return joined.Unwrap()
	}
	return []error{err}
}

// Root returns the absolute build root.
func (s *Session) Root() string { return s.bctx.Root() }

// Names lists the collection names in manifest order.
func (s *Session) Names() []string {
	out := make([]string, len(s.units))
	for i, u := range s.units {
		out[i] = u.spec.Name
	}
	return out
}

// Task returns the task of the named collection.
func (s *Session) Task(name string) (*task.Task, bool) {
	u, ok := s.byName[name]
	if !ok {
		return nil, false
	}
	return u.task, true
}

// Service returns the collection service of the named collection.
func (s *Session) Service(name string) (*collection.Service, bool) {
	u, ok := s.byName[name]
	if !ok {
		return nil, false
	}
	return u.svc, true
}

// Lookup implements collection.Registry. A collection name yields its
// *collection.Service; TaskPrefix plus a name yields its *task.Task.
func (s *Session) Lookup(id string) (any, bool) {
	if name, ok := strings.CutPrefix(id, TaskPrefix); ok {
		return s.Task(name)
	}
	return s.Service(id)
}

// Artifacts returns the artifacts emitted by the named collection's last
// cycle.
func (s *Session) Artifacts(name string) map[string]*document.Document {
	u, ok := s.byName[name]
	if !ok {
		return nil
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.artifacts
}

// TaskResult is the outcome of one collection's build.
type TaskResult struct {
	Name     string
	State    task.State
	Entries  []task.Entry
	Duration time.Duration
}

// Counts returns the number of error and warning entries.
func (r TaskResult) Counts() (errs, warns int) {
	for _, e := range r.Entries {
		if e.Severity == task.SeverityError {
			errs++
		} else {
			warns++
		}
	}
	return errs, warns
}

// Result is the outcome of a Build.
type Result struct {
	Tasks []TaskResult
}

// Failed reports whether any task finished with errors.
func (r *Result) Failed() bool {
	for _, t := range r.Tasks {
		if t.State == task.StateHasErrors {
			return true
		}
	}
	return false
}

// Build discovers every collection's files and runs the initial pass of
// all collections concurrently. It returns an error only for discovery
// failures and task lifecycle violations; build problems are in the
// Result.
func (s *Session) Build(ctx context.Context) (*Result, error) {
	results := make([]TaskResult, len(s.units))
	p := pool.New().WithErrors().WithContext(ctx)
	for i, u := range s.units {
		p.Go(func(ctx context.Context) error {
			started := time.Now()
			paths, err := s.discover(u)
			if err != nil {
				return fmt.Errorf("collection %s: %w", u.spec.Name, err)
			}
			if err := u.sched.Initial(ctx, paths); err != nil {
				return fmt.Errorf("collection %s: %w", u.spec.Name, err)
			}
			results[i] = TaskResult{
				Name:     u.spec.Name,
				State:    u.task.State(),
				Entries:  u.task.Entries(),
				Duration: time.Since(started),
			}
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.built = true
	s.mu.Unlock()
	return &Result{Tasks: results}, nil
}

func (s *Session) discover(u *unit) ([]string, error) {
	found, err := s.bctx.Discover(u.spec.Include)
	if err != nil {
		return nil, err
	}
	out := found[:0]
	for _, p := range found {
		if !s.isOutput(p) {
			out = append(out, p)
		}
	}
	return out, nil
}

// isOutput reports whether p lives in any collection's output directory.
func (s *Session) isOutput(p string) bool {
	for _, u := range s.units {
		if within(u.outDir, p) {
			return true
		}
	}
	return false
}

func within(dir, p string) bool {
	rel, err := filepath.Rel(dir, p)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// Watch runs Build if it has not run yet, then watches the build root and
// feeds each collection's scheduler the events matching its include
// patterns until ctx is done.
func (s *Session) Watch(ctx context.Context) error {
	s.mu.Lock()
	built := s.built
	s.mu.Unlock()
	if !built {
		if _, err := s.Build(ctx); err != nil {
			return err
		}
	}

	w, err := watch.NewWatcher(s.bctx.Root(), watch.WatcherOptions{
		Debounce: s.opts.Debounce,
		Match:    s.watched,
		Skip:     s.skipDir,
		Logger:   s.opts.Logger,
	})
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	if err := w.Start(); err != nil {
		return fmt.Errorf("starting watcher: %w", err)
	}
	defer w.Stop()

	chans := make([]chan watch.Event, len(s.units))
	p := pool.New().WithErrors()
	for i, u := range s.units {
		ch := make(chan watch.Event, 64)
		chans[i] = ch
		p.Go(func() error { return u.sched.Watch(ctx, ch) })
	}
	s.log.Info("watching", "root", s.bctx.Root(), "collections", len(s.units))

	s.fanOut(ctx, w.Events, chans)
	for _, ch := range chans {
		close(ch)
	}
	return p.Wait()
}

// fanOut routes every watcher event to the collections whose include
// patterns match it.
func (s *Session) fanOut(ctx context.Context, events <-chan watch.Event, chans []chan watch.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			for i, u := range s.units {
				if !s.bctx.Match(u.spec.Include, ev.Path) {
					continue
				}
				select {
				case chans[i] <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

func (s *Session) watched(p string) bool {
	if s.isOutput(p) {
		return false
	}
	for _, u := range s.units {
		if s.bctx.Match(u.spec.Include, p) {
			return true
		}
	}
	return false
}

func (s *Session) skipDir(dir string) bool {
	return s.bctx.Ignored(filepath.Base(dir)) || s.isOutput(dir)
}
