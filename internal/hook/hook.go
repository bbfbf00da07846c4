// Package hook provides named, stage-ordered callback registries that
// plugins tap into. A Series hook runs its taps one after another so each
// tap sees the mutations of the taps before it; a Parallel hook starts all
// taps together and waits for every one of them.
//
// Taps run in ascending stage order. Taps sharing a stage run in the order
// they were registered. Framework code brackets plugin taps by registering
// at StageDefaults and StageCollect.
package hook

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/papapumpkin/pulsar/internal/task"
)

// Reserved stages for framework-owned taps.
const (
	// StageDefaults runs before any plugin tap and seeds default state.
	StageDefaults = -1 << 30
	// StageCollect runs after every plugin tap and observes final state.
	StageCollect = 1 << 30
)

// Host is the service surface available to plugins at registration time
// and to every tap invocation.
type Host interface {
	// Lookup returns another registered service by identity.
	Lookup(id string) (any, bool)
	// Reprocess asks the owning scheduler to run the file at path through
	// its transform again, e.g. after external state a plugin depends on
	// changed.
	Reprocess(path string)
	// ContextPath returns the absolute build root.
	ContextPath() string
}

// API is passed to every tap. Its Reporter is scoped to the file or stage
// that triggered the hook call.
type API interface {
	Host
	Reporter() task.Reporter
}

// Func is a tap callback. Returning an error signals a contract violation
// and aborts the hook call; recoverable problems go through api.Reporter.
type Func[A any] func(ctx context.Context, arg A, api API) error

// TapInfo describes a registered tap.
type TapInfo struct {
	Name  string
	Stage int
}

// TapError wraps an error returned by a tap.
type TapError struct {
	Hook string
	Tap  string
	Err  error
}

// Error returns "hook <hook>: tap <tap>: <err>".
func (e *TapError) Error() string {
	return fmt.Sprintf("hook %s: tap %s: %v", e.Hook, e.Tap, e.Err)
}

// Unwrap returns the tap's error.
func (e *TapError) Unwrap() error { return e.Err }

type tap[A any] struct {
	info TapInfo
	fn   Func[A]
}

// registry holds the sorted tap list shared by Series and Parallel.
type registry[A any] struct {
	name string

	mu   sync.RWMutex
	taps []tap[A]
}

// Name returns the hook's name.
func (r *registry[A]) Name() string { return r.name }

// Tap registers fn at stage 0.
func (r *registry[A]) Tap(name string, fn Func[A]) {
	r.TapStage(name, 0, fn)
}

// TapStage registers fn at the given stage.
func (r *registry[A]) TapStage(name string, stage int, fn Func[A]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.taps = append(r.taps, tap[A]{info: TapInfo{Name: name, Stage: stage}, fn: fn})
	// Stable sort keeps registration order among equal stages.
	sort.SliceStable(r.taps, func(i, j int) bool {
		return r.taps[i].info.Stage < r.taps[j].info.Stage
	})
}

// Taps returns the registered taps in execution order.
func (r *registry[A]) Taps() []TapInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]TapInfo, len(r.taps))
	for i, t := range r.taps {
		out[i] = t.info
	}
	return out
}

// Len returns the number of registered taps.
func (r *registry[A]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.taps)
}

func (r *registry[A]) snapshot() []tap[A] {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]tap[A], len(r.taps))
	copy(out, r.taps)
	return out
}

// Series is a sequential hook.
type Series[A any] struct {
	registry[A]
}

// NewSeries creates an empty sequential hook.
func NewSeries[A any](name string) *Series[A] {
	return &Series[A]{registry: registry[A]{name: name}}
}

// Call runs every tap in stage order, waiting for each before starting the
// next. It stops at the first tap error or when ctx is done.
func (h *Series[A]) Call(ctx context.Context, arg A, api API) error {
	for _, t := range h.snapshot() {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("hook %s cancelled: %w", h.name, err)
		}
		if err := t.fn(ctx, arg, api); err != nil {
			return &TapError{Hook: h.name, Tap: t.info.Name, Err: err}
		}
	}
	return nil
}

// Parallel is a concurrent hook.
type Parallel[A any] struct {
	registry[A]
}

// NewParallel creates an empty concurrent hook.
func NewParallel[A any](name string) *Parallel[A] {
	return &Parallel[A]{registry: registry[A]{name: name}}
}

// Call starts every tap at once and waits for all of them. The first tap
// error is returned; the context passed to the remaining taps is cancelled.
func (h *Parallel[A]) Call(ctx context.Context, arg A, api API) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, t := range h.snapshot() {
		g.Go(func() error {
			if err := t.fn(gctx, arg, api); err != nil {
				return &TapError{Hook: h.name, Tap: t.info.Name, Err: err}
			}
			return nil
		})
	}
	return g.Wait()
}
