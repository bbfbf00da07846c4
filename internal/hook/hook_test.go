package hook

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/papapumpkin/pulsar/internal/task"
)

type fakeAPI struct {
	rep *task.Collector
}

func (fakeAPI) Lookup(string) (any, bool) { return nil, false }
func (fakeAPI) Reprocess(string)          {}
func (fakeAPI) ContextPath() string       { return "/root" }
func (a fakeAPI) Reporter() task.Reporter { return a.rep }

func newFakeAPI() fakeAPI {
	return fakeAPI{rep: task.NewCollector("/root/file.json")}
}

func TestSeries_StageOrder(t *testing.T) {
	t.Parallel()

	h := NewSeries[*[]string]("order")
	record := func(name string) Func[*[]string] {
		return func(_ context.Context, log *[]string, _ API) error {
			*log = append(*log, name)
			return nil
		}
	}
	// Registered out of order on purpose.
	h.TapStage("late", 1000, record("late"))
	h.Tap("zero-a", record("zero-a"))
	h.TapStage("first", -1000, record("first"))
	h.Tap("zero-b", record("zero-b"))
	h.TapStage("early", -10, record("early"))

	var log []string
	if err := h.Call(context.Background(), &log, newFakeAPI()); err != nil {
		t.Fatalf("Call: %v", err)
	}
	want := []string{"first", "early", "zero-a", "zero-b", "late"}
	if diff := cmp.Diff(want, log); diff != "" {
		t.Errorf("execution order mismatch (-want +got):\n%s", diff)
	}

	wantTaps := []TapInfo{
		{"first", -1000}, {"early", -10}, {"zero-a", 0}, {"zero-b", 0}, {"late", 1000},
	}
	if diff := cmp.Diff(wantTaps, h.Taps()); diff != "" {
		t.Errorf("Taps() mismatch (-want +got):\n%s", diff)
	}
}

func TestSeries_DefaultsSeenByLaterStage(t *testing.T) {
	t.Parallel()

	type schema struct{ base bool }
	h := NewSeries[*schema]("schema")
	h.Tap("user", func(_ context.Context, s *schema, _ API) error {
		if !s.base {
			return errors.New("schema.base not seeded")
		}
		return nil
	})
	h.TapStage("defaults", -1000, func(_ context.Context, s *schema, _ API) error {
		s.base = true
		return nil
	})

	if err := h.Call(context.Background(), &schema{}, newFakeAPI()); err != nil {
		t.Fatalf("Call: %v", err)
	}
}

func TestSeries_StopsAtFirstError(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	h := NewSeries[*int]("transform")
	h.Tap("inc", func(_ context.Context, n *int, _ API) error { *n++; return nil })
	h.Tap("fail", func(context.Context, *int, API) error { return boom })
	h.Tap("never", func(_ context.Context, n *int, _ API) error { *n += 100; return nil })

	n := 0
	err := h.Call(context.Background(), &n, newFakeAPI())
	var te *TapError
	if !errors.As(err, &te) {
		t.Fatalf("got %v, want *TapError", err)
	}
	if te.Hook != "transform" || te.Tap != "fail" || !errors.Is(err, boom) {
		t.Errorf("TapError = %+v", te)
	}
	if n != 1 {
		t.Errorf("n = %d, want 1 (later taps must not run)", n)
	}
}

func TestSeries_ReporterDoesNotAbort(t *testing.T) {
	t.Parallel()

	h := NewSeries[*int]("validate")
	h.Tap("warn", func(_ context.Context, _ *int, api API) error {
		api.Reporter().Warnf("suspicious")
		return nil
	})
	h.Tap("after", func(_ context.Context, n *int, _ API) error { *n = 7; return nil })

	api := newFakeAPI()
	n := 0
	if err := h.Call(context.Background(), &n, api); err != nil {
		t.Fatal(err)
	}
	if n != 7 || len(api.rep.Entries()) != 1 {
		t.Errorf("n=%d entries=%v", n, api.rep.Entries())
	}
}

func TestParallel_RunsTapsConcurrently(t *testing.T) {
	t.Parallel()

	h := NewParallel[struct{}]("bootstrap")
	var wg sync.WaitGroup
	wg.Add(2)
	barrier := func(context.Context, struct{}, API) error {
		wg.Done()
		done := make(chan struct{})
		go func() { wg.Wait(); close(done) }()
		select {
		case <-done:
			return nil
		case <-time.After(2 * time.Second):
			return errors.New("peer tap never started")
		}
	}
	h.Tap("a", barrier)
	h.Tap("b", barrier)

	if err := h.Call(context.Background(), struct{}{}, newFakeAPI()); err != nil {
		t.Fatalf("Call: %v", err)
	}
}

func TestParallel_ReturnsTapError(t *testing.T) {
	t.Parallel()

	h := NewParallel[struct{}]("bootstrap")
	h.Tap("ok", func(context.Context, struct{}, API) error { return nil })
	h.Tap("bad", func(context.Context, struct{}, API) error { return errors.New("no") })

	err := h.Call(context.Background(), struct{}{}, newFakeAPI())
	var te *TapError
	if !errors.As(err, &te) || te.Tap != "bad" {
		t.Fatalf("got %v, want TapError from tap bad", err)
	}
}
