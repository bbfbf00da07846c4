package watch

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/sourcegraph/conc/panics"
	"golang.org/x/sync/semaphore"

	"github.com/papapumpkin/pulsar/internal/task"
)

// FileFunc handles one file. Diagnostics for the file go to rep; a returned
// error is recorded as an error entry for the file.
type FileFunc func(ctx context.Context, path string, rep task.Reporter) error

// CycleHook runs at the start or end of a cycle. initial is true only for
// the pass that precedes watching.
type CycleHook func(ctx context.Context, initial bool) error

// Callbacks are the task-specific parts of a Scheduler.
type Callbacks struct {
	Transform   FileFunc // add and change events
	Remove      FileFunc // remove events
	BeforeWatch CycleHook
	AfterWatch  CycleHook
}

// CycleStats summarizes one finished cycle.
type CycleStats struct {
	Cycle    int
	Initial  bool
	Events   int
	Restored int // Files whose diagnostics were carried over untouched.
	State    task.State
	Duration time.Duration
}

// Options tunes a Scheduler.
type Options struct {
	// Concurrency bounds in-flight file callbacks. Zero means unbounded.
	Concurrency int
	// MaxChainedCycles bounds how many cycles may run back to back before
	// the scheduler reports itself settled. Zero means DefaultMaxChainedCycles.
	MaxChainedCycles int
	Logger           *slog.Logger
	// OnCycle is called after every Finish.
	OnCycle func(CycleStats)
	// OnSettled is called when the scheduler returns to idle. starved is
	// true when it was forced there by MaxChainedCycles.
	OnSettled func(chained int, starved bool)
}

// DefaultMaxChainedCycles is used when Options.MaxChainedCycles is zero.
const DefaultMaxChainedCycles = 16

// Scheduler drives one task through watch cycles.
type Scheduler struct {
	task *task.Task
	cb   Callbacks
	opts Options
	log  *slog.Logger
	sem  *semaphore.Weighted

	mu sync.Mutex
	// fileEntries holds the diagnostics each file contributed the last time
	// it was processed.
	fileEntries map[string][]task.Entry
	touched     map[string]bool
	triggered   []Event
	cycle       int

	triggerCh chan struct{}
}

// NewScheduler creates a scheduler for t.
func NewScheduler(t *task.Task, cb Callbacks, opts Options) *Scheduler {
	if opts.MaxChainedCycles <= 0 {
		opts.MaxChainedCycles = DefaultMaxChainedCycles
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	s := &Scheduler{
		task:        t,
		cb:          cb,
		opts:        opts,
		log:         opts.Logger.With("task", t.Name()),
		fileEntries: make(map[string][]task.Entry),
		touched:     make(map[string]bool),
		triggerCh:   make(chan struct{}, 1),
	}
	if opts.Concurrency > 0 {
		s.sem = semaphore.NewWeighted(int64(opts.Concurrency))
	}
	return s
}

// Trigger queues a change event for path. It never blocks and may be
// called from inside a callback; the event joins the running cycle or
// starts the next one.
func (s *Scheduler) Trigger(path string) {
	s.mu.Lock()
	s.triggered = append(s.triggered, Event{Kind: EventChange, Path: path})
	s.mu.Unlock()
	select {
	case s.triggerCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) takeTriggered() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.triggered
	s.triggered = nil
	return out
}

// Run performs the initial pass over paths and then watches events until
// the channel closes or ctx is done.
func (s *Scheduler) Run(ctx context.Context, paths []string, events <-chan Event) error {
	if err := s.Initial(ctx, paths); err != nil {
		return err
	}
	return s.Watch(ctx, events)
}

// Initial runs one cycle that transforms every path, bracketed by the
// BeforeWatch(true) and AfterWatch(true) hooks.
func (s *Scheduler) Initial(ctx context.Context, paths []string) error {
	batch := make([]Event, len(paths))
	for i, p := range paths {
		batch[i] = Event{Kind: EventAdd, Path: p}
	}
	leftover, err := s.runCycle(ctx, true, batch, nil)
	if err != nil {
		return err
	}
	// Reprocess requests raised during the initial pass start the first
	// watch cycle.
	s.mu.Lock()
	s.triggered = append(leftover, s.triggered...)
	s.mu.Unlock()
	return nil
}

// Watch consumes events until the channel closes or ctx is done, running a
// cycle for each burst. It only returns an error for task lifecycle
// violations.
func (s *Scheduler) Watch(ctx context.Context, events <-chan Event) error {
	for {
		batch, ok := s.waitForWork(ctx, events)
		if !ok {
			return nil
		}
		chained := 0
		for len(batch) > 0 {
			next, err := s.runCycle(ctx, false, batch, events)
			if err != nil {
				return err
			}
			chained++
			batch = next
			if len(batch) > 0 && chained >= s.opts.MaxChainedCycles {
				s.log.Warn("watch cycles keep chaining without going idle", "cycles", chained, "pending", len(batch))
				s.settled(chained, true)
				chained = 0
			}
		}
		s.settled(chained, false)
	}
}

func (s *Scheduler) settled(chained int, starved bool) {
	if s.opts.OnSettled != nil {
		s.opts.OnSettled(chained, starved)
	}
}

// waitForWork blocks until the first event of a new cycle.
func (s *Scheduler) waitForWork(ctx context.Context, events <-chan Event) ([]Event, bool) {
	if batch := s.takeTriggered(); len(batch) > 0 {
		return batch, true
	}
	for {
		select {
		case <-ctx.Done():
			return nil, false
		case ev, ok := <-events:
			if !ok {
				return nil, false
			}
			return []Event{ev}, true
		case <-s.triggerCh:
			if batch := s.takeTriggered(); len(batch) > 0 {
				return batch, true
			}
		}
	}
}

// runCycle executes one full cycle and returns any events that arrived
// after work drained, which the caller turns into a chained cycle.
func (s *Scheduler) runCycle(ctx context.Context, initial bool, batch []Event, events <-chan Event) ([]Event, error) {
	started := time.Now()

	if err := s.task.Start(); err != nil {
		return nil, err
	}
	s.task.RemoveErrors()
	s.mu.Lock()
	s.touched = make(map[string]bool)
	s.cycle++
	cycle := s.cycle
	s.mu.Unlock()

	s.log.Debug("cycle start", "cycle", cycle, "initial", initial, "events", len(batch))
	s.runHook(ctx, "beforeWatch", s.cb.BeforeWatch, initial)

	// Events for a path that is already being processed are coalesced and
	// run once the in-flight callback returns, so one file never has two
	// callbacks racing on its state.
	done := make(chan string)
	running := make(map[string]bool)
	queued := make(map[string]Event)
	inflight, total := 0, 0
	launch := func(ev Event) {
		running[ev.Path] = true
		inflight++
		go func() {
			s.process(ctx, ev)
			done <- ev.Path
		}()
	}
	dispatch := func(ev Event) {
		ev.Path = s.resolve(ev.Path)
		total++
		if running[ev.Path] {
			queued[ev.Path] = ev
			return
		}
		launch(ev)
	}
	for _, ev := range batch {
		dispatch(ev)
	}
	for {
		if inflight == 0 {
			// Reprocess requests raised by the last callbacks join this cycle.
			for _, ev := range s.takeTriggered() {
				dispatch(ev)
			}
			if inflight == 0 {
				break
			}
		}
		select {
		case path := <-done:
			inflight--
			delete(running, path)
			if ev, ok := queued[path]; ok {
				delete(queued, path)
				launch(ev)
			}
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			dispatch(ev)
		case <-s.triggerCh:
			for _, ev := range s.takeTriggered() {
				dispatch(ev)
			}
		}
	}

	restored := s.commitEntries()
	s.runHook(ctx, "afterWatch", s.cb.AfterWatch, initial)

	state, err := s.task.Finish()
	if err != nil {
		return nil, err
	}
	s.log.Debug("cycle done", "cycle", cycle, "state", state.String(), "events", total, "restored", restored)
	if s.opts.OnCycle != nil {
		s.opts.OnCycle(CycleStats{
			Cycle:    cycle,
			Initial:  initial,
			Events:   total,
			Restored: restored,
			State:    state,
			Duration: time.Since(started),
		})
	}
	return s.drain(events), nil
}

// drain collects whatever is already queued without blocking.
func (s *Scheduler) drain(events <-chan Event) []Event {
	next := s.takeTriggered()
	if events == nil {
		return next
	}
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return next
			}
			next = append(next, ev)
		default:
			return next
		}
	}
}

func (s *Scheduler) resolve(path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	if bctx := s.task.Context(); bctx != nil {
		return bctx.Resolve(path)
	}
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}

// process runs the callback for one event and stores the diagnostics it
// produced as that file's contribution, replacing the previous one.
func (s *Scheduler) process(ctx context.Context, ev Event) {
	col := task.NewCollector(ev.Path)

	fn := s.cb.Transform
	if ev.Kind == EventRemove {
		fn = s.cb.Remove
	}
	if fn != nil {
		if err := s.acquire(ctx); err != nil {
			col.Errorf("%v", err)
		} else {
			var cbErr error
			recovered := panics.Try(func() { cbErr = fn(ctx, ev.Path, col) })
			s.release()
			if recovered != nil {
				cbErr = recovered.AsError()
			}
			if cbErr != nil {
				col.Errorf("%v", cbErr)
			}
		}
	}

	entries := col.Entries()
	s.mu.Lock()
	s.touched[ev.Path] = true
	if len(entries) > 0 {
		s.fileEntries[ev.Path] = entries
	} else {
		delete(s.fileEntries, ev.Path)
	}
	s.mu.Unlock()
}

func (s *Scheduler) acquire(ctx context.Context) error {
	if s.sem == nil {
		return nil
	}
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("waiting for a transform slot: %w", err)
	}
	return nil
}

func (s *Scheduler) release() {
	if s.sem != nil {
		s.sem.Release(1)
	}
}

// commitEntries appends every stored per-file contribution to the ledger
// in path order: the fresh ones from files processed this cycle and the
// carried-over ones from files it did not visit. It returns how many files
// were carried over.
func (s *Scheduler) commitEntries() int {
	s.mu.Lock()
	paths := make([]string, 0, len(s.fileEntries))
	for path := range s.fileEntries {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	var carry []task.Entry
	restored := 0
	for _, path := range paths {
		if !s.touched[path] {
			restored++
		}
		carry = append(carry, s.fileEntries[path]...)
	}
	s.mu.Unlock()

	for _, e := range carry {
		if err := s.task.Report(e); err != nil {
			s.log.Error("dropping diagnostic", "path", e.Path, "error", err)
		}
	}
	return restored
}

func (s *Scheduler) runHook(ctx context.Context, name string, h CycleHook, initial bool) {
	if h == nil {
		return
	}
	var err error
	if recovered := panics.Try(func() { err = h(ctx, initial) }); recovered != nil {
		err = recovered.AsError()
	}
	if err != nil {
		s.task.Errorf("%s: %v", name, err)
	}
}

// FileEntries returns the stored per-file diagnostics for path.
func (s *Scheduler) FileEntries(path string) []task.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]task.Entry, len(s.fileEntries[path]))
	copy(out, s.fileEntries[path])
	return out
}
