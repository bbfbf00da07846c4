package document

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestDocument_SetKeepsInsertionOrder(t *testing.T) {
	t.Parallel()

	d := New()
	d.Set("zeta", 1)
	d.Set("alpha", 2)
	d.Set("zeta", 3)
	d.Set("mid", 4)
	d.Delete("alpha")
	d.Delete("missing")

	if diff := cmp.Diff([]string{"zeta", "mid"}, d.Keys()); diff != "" {
		t.Errorf("Keys mismatch (-want +got):\n%s", diff)
	}
	if v, _ := d.Get("zeta"); v != 3 {
		t.Errorf("zeta = %v, want 3", v)
	}
}

func TestDocument_CloneIsDeep(t *testing.T) {
	t.Parallel()

	inner := New()
	inner.Set("x", "1")
	orig := New()
	orig.Set("doc", inner)
	orig.Set("map", map[string]any{"k": []any{"a"}})
	orig.Set("list", []any{map[string]any{"n": 1}})

	c := orig.Clone()
	cd, _ := c.Get("doc")
	cd.(*Document).Set("x", "changed")
	cm, _ := c.Get("map")
	cm.(map[string]any)["k"].([]any)[0] = "changed"
	cl, _ := c.Get("list")
	cl.([]any)[0].(map[string]any)["n"] = 2
	c.Set("new", true)

	if v, _ := inner.Get("x"); v != "1" {
		t.Errorf("nested document mutated through clone: %v", v)
	}
	om, _ := orig.Get("map")
	if om.(map[string]any)["k"].([]any)[0] != "a" {
		t.Error("nested slice mutated through clone")
	}
	ol, _ := orig.Get("list")
	if ol.([]any)[0].(map[string]any)["n"] != 1 {
		t.Error("map inside slice mutated through clone")
	}
	if orig.Has("new") {
		t.Error("key added to clone leaked into original")
	}
}

func TestDocument_MergeLastWins(t *testing.T) {
	t.Parallel()

	a := New()
	a.Set("shared", "a")
	a.Set("onlyA", 1)
	b := New()
	b.Set("onlyB", 2)
	b.Set("shared", "b")

	a.Merge(b)
	if diff := cmp.Diff([]string{"shared", "onlyA", "onlyB"}, a.Keys()); diff != "" {
		t.Errorf("Keys mismatch (-want +got):\n%s", diff)
	}
	if v, _ := a.Get("shared"); v != "b" {
		t.Errorf("shared = %v, want b", v)
	}
}

func TestDecode_JSONPreservesOrder(t *testing.T) {
	t.Parallel()

	d, err := Decode(FormatJSON, []byte(`{"b": 1, "a": {"y": 2.5, "x": [true, "s"]}, "c": null}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if diff := cmp.Diff([]string{"b", "a", "c"}, d.Keys()); diff != "" {
		t.Errorf("Keys mismatch (-want +got):\n%s", diff)
	}
	if v, _ := d.Get("b"); v != int64(1) {
		t.Errorf("b = %#v, want int64(1)", v)
	}
	nested, _ := d.Get("a")
	nd, ok := nested.(*Document)
	if !ok {
		t.Fatalf("a is %T, want *Document", nested)
	}
	if diff := cmp.Diff([]string{"y", "x"}, nd.Keys()); diff != "" {
		t.Errorf("nested Keys mismatch (-want +got):\n%s", diff)
	}

	out, err := Encode(FormatJSON, d)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if strings.Index(string(out), `"b"`) > strings.Index(string(out), `"a"`) {
		t.Errorf("encoded order lost:\n%s", out)
	}
}

func TestDecode_RejectsNonObject(t *testing.T) {
	t.Parallel()

	if _, err := Decode(FormatJSON, []byte(`[1,2]`)); !errors.Is(err, ErrShape) {
		t.Errorf("JSON array: got %v, want ErrShape", err)
	}
	if _, err := Decode(FormatYAML, []byte("- a\n- b\n")); !errors.Is(err, ErrShape) {
		t.Errorf("YAML sequence: got %v, want ErrShape", err)
	}
}

func TestDecode_RejectsTrailingData(t *testing.T) {
	t.Parallel()

	for _, src := range []string{`{"a": 1} {"b": 2}`, `{"a": 1} 7`, `{"a": 1}}`} {
		if _, err := Decode(FormatJSON, []byte(src)); !errors.Is(err, ErrShape) {
			t.Errorf("Decode(%q): got %v, want ErrShape", src, err)
		}
	}
	if _, err := Decode(FormatJSON, []byte("{\"a\": 1}\n\n")); err != nil {
		t.Errorf("trailing whitespace: unexpected error %v", err)
	}
}

func TestDecode_YAMLPreservesOrder(t *testing.T) {
	t.Parallel()

	d, err := Decode(FormatYAML, []byte("second: 2\nfirst:\n  z: a\n  y: b\nlist: [1, two]\n"))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if diff := cmp.Diff([]string{"second", "first", "list"}, d.Keys()); diff != "" {
		t.Errorf("Keys mismatch (-want +got):\n%s", diff)
	}
	if v, _ := d.Get("second"); v != int64(2) {
		t.Errorf("second = %#v", v)
	}

	out, err := Encode(FormatYAML, d)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !strings.HasPrefix(string(out), "second: 2\nfirst:\n") {
		t.Errorf("YAML output order lost:\n%s", out)
	}
}

func TestDecode_TOMLSorted(t *testing.T) {
	t.Parallel()

	d, err := Decode(FormatTOML, []byte("b = 1\na = \"x\"\n[t]\nk = true\n"))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if diff := cmp.Diff([]string{"a", "b", "t"}, d.Keys()); diff != "" {
		t.Errorf("Keys mismatch (-want +got):\n%s", diff)
	}
	if KindOf(mustGet(t, d, "t")) != KindTable {
		t.Errorf("t kind = %s", KindOf(mustGet(t, d, "t")))
	}
}

func TestFileLoader(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "en.json")
	if err := os.WriteFile(path, []byte(`{"hello":"world"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	d, err := FileLoader{}.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if v, _ := d.Get("hello"); v != "world" {
		t.Errorf("hello = %v", v)
	}

	if _, err := (FileLoader{}).Load(filepath.Join(dir, "x.ini")); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("unknown ext: got %v", err)
	}
	if _, err := (FileLoader{}).Load(filepath.Join(dir, "missing.json")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("missing file: got %v", err)
	}
}

func mustGet(t *testing.T, d *Document, key string) any {
	t.Helper()
	v, ok := d.Get(key)
	if !ok {
		t.Fatalf("key %q missing", key)
	}
	return v
}
