package collection

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/papapumpkin/pulsar/internal/buildctx"
	"github.com/papapumpkin/pulsar/internal/document"
	"github.com/papapumpkin/pulsar/internal/hook"
	"github.com/papapumpkin/pulsar/internal/task"
)

func startedTask(t *testing.T) *task.Task {
	t.Helper()
	tk := task.New("test", nil, nil)
	if err := tk.Start(); err != nil {
		t.Fatal(err)
	}
	return tk
}

func doc(kv ...any) *document.Document {
	d := document.New()
	for i := 0; i+1 < len(kv); i += 2 {
		d.Set(kv[i].(string), kv[i+1])
	}
	return d
}

func newService(t *testing.T, opts Options) (*Service, string) {
	t.Helper()
	root := t.TempDir()
	bctx, err := buildctx.NewLocal(root)
	if err != nil {
		t.Fatal(err)
	}
	opts.Context = bctx
	if opts.Name == "" {
		opts.Name = "strings"
	}
	s := New(opts)
	if err := s.Init(context.Background(), startedTask(t)); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return s, root
}

func writeFile(t *testing.T, root, rel, content string) string {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestService_GroupMembership(t *testing.T) {
	t.Parallel()

	s, _ := newService(t, Options{})
	s.AddFile("a/b.txt", doc("x", 1))
	s.AddFile("a/c.txt", doc("y", 2))
	s.AddFile("z/d.txt", doc("z", 3))
	s.RemoveFile("a/b.txt")

	want := map[string][]string{
		"a": {"a/c.txt"},
		"z": {"z/d.txt"},
	}
	if diff := cmp.Diff(want, s.Groups()); diff != "" {
		t.Errorf("Groups mismatch (-want +got):\n%s", diff)
	}

	s.RemoveFile("z/d.txt")
	if _, ok := s.Groups()["z"]; ok {
		t.Error("empty group z was not deleted")
	}
}

func TestGroupFuncs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		fn   GroupFunc
		rel  string
		want string
	}{
		{ByDir, "a/b.txt", "a"},
		{ByDir, "a/x/y.json", "a"},
		{ByDir, "top.json", "top"},
		{ByBaseName, "ui/en.json", "en"},
		{ByBaseName, "game/sub/en.yaml", "en"},
	}
	for _, tt := range tests {
		if got := tt.fn(tt.rel); got != tt.want {
			t.Errorf("group(%q) = %q, want %q", tt.rel, got, tt.want)
		}
	}
	if _, err := ParseGroupFunc("nope"); !errors.Is(err, ErrUnknownGrouping) {
		t.Errorf("ParseGroupFunc(nope): got %v", err)
	}
}

func TestService_EmitMergeConflict(t *testing.T) {
	t.Parallel()

	s, _ := newService(t, Options{})
	s.AddFile("a/one.json", doc("foo", 1, "bar", true))
	s.AddFile("a/two.json", doc("foo", 2, "baz", "x"))
	s.AddFile("b/solo.json", doc("foo", 3))

	tk := startedTask(t)
	out, err := s.Emit(context.Background(), tk)
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}

	entries := tk.Entries()
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want exactly 1: %v", len(entries), entries)
	}
	e := entries[0]
	if e.Path != "" || e.Severity != task.SeverityError {
		t.Errorf("conflict entry should be a group-scoped error, got %+v", e)
	}
	for _, want := range []string{`"foo"`, "a/one.json", "a/two.json"} {
		if !strings.Contains(e.Message, want) {
			t.Errorf("conflict message %q does not mention %s", e.Message, want)
		}
	}

	a := out["a"]
	if diff := cmp.Diff([]string{"foo", "bar", "baz"}, a.Keys()); diff != "" {
		t.Errorf("merged keys mismatch (-want +got):\n%s", diff)
	}
	if v, _ := a.Get("foo"); v != 2 {
		t.Errorf("foo = %v, want last file in path order to win (2)", v)
	}
	if v, _ := out["b"].Get("foo"); v != 3 {
		t.Errorf("group b foo = %v", v)
	}
}

func TestService_EmitReportsGroupsInOrder(t *testing.T) {
	t.Parallel()

	groups := []string{"ar", "de", "en", "es", "fr", "ja", "ko", "pt"}
	var want []string
	s, _ := newService(t, Options{})
	for _, g := range groups {
		s.AddFile(g+"/one.json", doc("title", 1))
		s.AddFile(g+"/two.json", doc("title", 2))
		want = append(want, g)
	}

	for i := 0; i < 5; i++ {
		tk := startedTask(t)
		if _, err := s.Emit(context.Background(), tk); err != nil {
			t.Fatalf("Emit: %v", err)
		}
		var got []string
		for _, e := range tk.Entries() {
			for _, g := range groups {
				if strings.Contains(e.Message, `group "`+g+`"`) {
					got = append(got, g)
				}
			}
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("run %d: conflict order mismatch (-want +got):\n%s", i, diff)
		}
	}
}

func TestService_EmitNoConflict(t *testing.T) {
	t.Parallel()

	s, _ := newService(t, Options{})
	s.AddFile("a/one.json", doc("x", 1))
	s.AddFile("a/two.json", doc("y", 2))

	tk := startedTask(t)
	if _, err := s.Emit(context.Background(), tk); err != nil {
		t.Fatal(err)
	}
	if n := len(tk.Entries()); n != 0 {
		t.Errorf("got %d entries, want 0", n)
	}
}

func TestService_TransformWorksOnCopies(t *testing.T) {
	t.Parallel()

	plugin := func(h *Hooks, _ PluginAPI) {
		h.Transform.Tap("mutate", func(_ context.Context, ga *GroupArgs, _ hook.API) error {
			for p, d := range ga.Files {
				d.Set("touched", p)
			}
			ga.Files["a/injected.json"] = doc("injected", true)
			return nil
		})
	}
	s, _ := newService(t, Options{Plugins: []Plugin{plugin}})
	s.AddFile("a/one.json", doc("x", 1))

	for i := 0; i < 2; i++ {
		out, err := s.Emit(context.Background(), startedTask(t))
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff([]string{"injected", "x", "touched"}, out["a"].Keys()); diff != "" {
			t.Errorf("emit %d keys mismatch (-want +got):\n%s", i, diff)
		}
	}

	files, _ := s.Group("a")
	if len(files) != 1 || files["a/one.json"].Has("touched") {
		t.Errorf("transform mutated source of truth: %v", s.Groups())
	}
}

func TestService_EmitHookAdjustsArtifact(t *testing.T) {
	t.Parallel()

	var sources []string
	plugin := func(h *Hooks, _ PluginAPI) {
		h.Emit.Tap("stamp", func(_ context.Context, aa *ArtifactArgs, _ hook.API) error {
			aa.Artifact.Set("group", aa.Group)
			sources = aa.Sources
			return nil
		})
	}
	s, _ := newService(t, Options{Plugins: []Plugin{plugin}})
	s.AddFile("ui/b.json", doc("k", 1))
	s.AddFile("ui/a.json", doc("j", 1))

	out, err := s.Emit(context.Background(), startedTask(t))
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := out["ui"].Get("group"); v != "ui" {
		t.Errorf("group = %v", v)
	}
	if diff := cmp.Diff([]string{"ui/a.json", "ui/b.json"}, sources); diff != "" {
		t.Errorf("sources mismatch (-want +got):\n%s", diff)
	}
}

func TestService_TapErrorPropagates(t *testing.T) {
	t.Parallel()

	boom := errors.New("contract broken")
	plugin := func(h *Hooks, _ PluginAPI) {
		h.Transform.Tap("broken", func(context.Context, *GroupArgs, hook.API) error { return boom })
	}
	s, _ := newService(t, Options{Plugins: []Plugin{plugin}})
	s.AddFile("a/x.json", doc("k", 1))

	if _, err := s.Emit(context.Background(), startedTask(t)); !errors.Is(err, boom) {
		t.Errorf("Emit: got %v, want wrapped tap error", err)
	}
}

func TestService_SchemaStages(t *testing.T) {
	t.Parallel()

	declared := document.NewSchema()
	declared.Define("title", document.Field{Kind: document.KindString, Required: true})

	var sawDefault bool
	plugin := func(h *Hooks, _ PluginAPI) {
		h.Schema.Tap("extend", func(_ context.Context, sc *document.Schema, _ hook.API) error {
			_, sawDefault = sc.Fields["title"]
			sc.Define("icon", document.Field{Kind: document.KindString})
			return nil
		})
	}
	s, _ := newService(t, Options{Schema: declared, Plugins: []Plugin{plugin}})

	if !sawDefault {
		t.Error("plugin schema tap ran before framework defaults")
	}
	final := s.FinalSchema()
	if _, ok := final.Fields["icon"]; !ok {
		t.Error("final schema is missing plugin field")
	}
	if _, ok := final.Fields["title"]; !ok {
		t.Error("final schema is missing declared field")
	}
}

func TestService_LoadFileValidation(t *testing.T) {
	t.Parallel()

	declared := document.NewSchema()
	declared.AllowUnknown = false
	declared.Define("title", document.Field{Kind: document.KindString, Required: true})
	s, root := newService(t, Options{Schema: declared})

	good := writeFile(t, root, "menu/good.json", `{"title": "ok"}`)
	warn := writeFile(t, root, "menu/warn.json", `{"title": "ok", "extra": 1}`)
	bad := writeFile(t, root, "menu/bad.json", `{"title": 5}`)
	broken := writeFile(t, root, "menu/broken.json", `{not json`)

	for _, p := range []string{good, warn, bad} {
		c := task.NewCollector(p)
		if err := s.LoadFile(context.Background(), p, c); err != nil {
			t.Fatalf("LoadFile(%s): %v", p, err)
		}
		switch p {
		case good:
			if n := len(c.Entries()); n != 0 {
				t.Errorf("good: %d entries", n)
			}
		case warn:
			if es := c.Entries(); len(es) != 1 || es[0].Severity != task.SeverityWarning {
				t.Errorf("warn: entries %v", es)
			}
		case bad:
			if es := c.Entries(); len(es) != 1 || es[0].Severity != task.SeverityError || es[0].Path != bad {
				t.Errorf("bad: entries %v", es)
			}
		}
	}
	if err := s.LoadFile(context.Background(), broken, task.NewCollector(broken)); err == nil {
		t.Error("LoadFile(broken) returned nil error")
	}

	want := map[string][]string{"menu": {"menu/good.json", "menu/warn.json"}}
	if diff := cmp.Diff(want, s.Groups()); diff != "" {
		t.Errorf("invalid files should be dropped (-want +got):\n%s", diff)
	}
}

func TestService_LoadFileIdempotent(t *testing.T) {
	t.Parallel()

	s, root := newService(t, Options{})
	p := writeFile(t, root, "a/x.json", `{"k": "v", "n": 1}`)

	var prev []byte
	for i := 0; i < 2; i++ {
		if err := s.LoadFile(context.Background(), p, task.NewCollector(p)); err != nil {
			t.Fatal(err)
		}
		out, err := s.Emit(context.Background(), startedTask(t))
		if err != nil {
			t.Fatal(err)
		}
		b, err := out["a"].MarshalJSON()
		if err != nil {
			t.Fatal(err)
		}
		if prev != nil && string(prev) != string(b) {
			t.Errorf("artifact changed on identical reload: %s vs %s", prev, b)
		}
		prev = b
	}
}

func TestService_LoadBeforeInit(t *testing.T) {
	t.Parallel()

	s := New(Options{Name: "x"})
	if err := s.LoadFile(context.Background(), "/tmp/a.json", task.NewCollector("/tmp/a.json")); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("got %v, want ErrNotInitialized", err)
	}
}

func TestService_EmitSerialized(t *testing.T) {
	t.Parallel()

	var active, maxActive atomic.Int32
	plugin := func(h *Hooks, _ PluginAPI) {
		h.Transform.Tap("slow", func(context.Context, *GroupArgs, hook.API) error {
			n := active.Add(1)
			for {
				m := maxActive.Load()
				if n <= m || maxActive.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			active.Add(-1)
			return nil
		})
	}
	s, _ := newService(t, Options{Plugins: []Plugin{plugin}})
	s.AddFile("only/x.json", doc("k", 1))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tk := task.New("emit", nil, nil)
			_ = tk.Start()
			if _, err := s.Emit(context.Background(), tk); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	if maxActive.Load() != 1 {
		t.Errorf("overlapping emits on a single group: max active = %d", maxActive.Load())
	}
}

func TestService_ReprocessUsesTrigger(t *testing.T) {
	t.Parallel()

	var api PluginAPI
	s, root := newService(t, Options{Plugins: []Plugin{func(_ *Hooks, a PluginAPI) { api = a }}})

	var got []string
	s.SetTrigger(func(p string) { got = append(got, p) })
	api.Reprocess("a/x.json")

	want := []string{filepath.Join(root, "a", "x.json")}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("trigger mismatch (-want +got):\n%s", diff)
	}
	if api.ContextPath() != root {
		t.Errorf("ContextPath = %q, want %q", api.ContextPath(), root)
	}
}

func TestConflicts(t *testing.T) {
	t.Parallel()

	files := Files{
		"g/c.json": doc("a", 1, "b", 1),
		"g/a.json": doc("a", 1),
		"g/b.json": doc("b", 1, "a", 1),
	}
	want := []Conflict{
		{Key: "a", Paths: []string{"g/a.json", "g/b.json", "g/c.json"}},
		{Key: "b", Paths: []string{"g/b.json", "g/c.json"}},
	}
	if diff := cmp.Diff(want, Conflicts(files)); diff != "" {
		t.Errorf("Conflicts mismatch (-want +got):\n%s", diff)
	}
}
