package session

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/papapumpkin/pulsar/internal/collection"
	"github.com/papapumpkin/pulsar/internal/document"
	"github.com/papapumpkin/pulsar/internal/plugins"
)

// DefaultIgnore lists directory names never watched or discovered.
var DefaultIgnore = []string{".git", ".pulsar", "node_modules"}

// Manifest is the parsed pulsar.toml.
type Manifest struct {
	// Root is the build root relative to the manifest's directory.
	Root        string           `toml:"root"`
	Ignore      []string         `toml:"ignore"`
	Collections []CollectionSpec `toml:"collection"`

	// Path is the manifest file the values were read from.
	Path string `toml:"-"`
}

// CollectionSpec is one [[collection]] block.
type CollectionSpec struct {
	Name    string     `toml:"name"`
	Include []string   `toml:"include"`
	Group   string     `toml:"group"`  // "dir" (default) or "basename"
	Output  string     `toml:"output"` // Relative to the build root; defaults to dist/<name>.
	Format  string     `toml:"format"` // Output format; defaults to json.
	Plugins []string   `toml:"plugins"`
	Schema  SchemaSpec `toml:"schema"`
}

// SchemaSpec declares the fields a collection's documents may carry.
type SchemaSpec struct {
	AllowUnknown *bool                     `toml:"allow_unknown"`
	Fields       map[string]document.Field `toml:"fields"`
}

// LoadManifest reads and parses the manifest at path. It does not
// validate; call ValidateManifest.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	m.Path = path
	return &m, nil
}

// RootDir returns the absolute build root.
func (m *Manifest) RootDir() string {
	base := filepath.Dir(m.Path)
	if m.Root == "" {
		return base
	}
	if filepath.IsAbs(m.Root) {
		return m.Root
	}
	return filepath.Join(base, m.Root)
}

// IgnoreNames returns DefaultIgnore plus the manifest's own entries.
func (m *Manifest) IgnoreNames() []string {
	out := append([]string(nil), DefaultIgnore...)
	return append(out, m.Ignore...)
}

// OutputDir returns the output directory of c relative to the build root.
func (c CollectionSpec) OutputDir() string {
	if c.Output != "" {
		return filepath.Clean(filepath.FromSlash(c.Output))
	}
	return filepath.Join("dist", c.Name)
}

// OutputFormat returns the declared format, defaulting to JSON.
func (c CollectionSpec) OutputFormat() document.Format {
	if c.Format == "" {
		return document.FormatJSON
	}
	f, err := document.ParseFormat(c.Format)
	if err != nil {
		return document.FormatJSON
	}
	return f
}

// DocumentSchema converts the declared schema. Unknown keys are allowed
// unless allow_unknown is set to false.
func (c CollectionSpec) DocumentSchema() *document.Schema {
	s := document.NewSchema()
	if c.Schema.AllowUnknown != nil {
		s.AllowUnknown = *c.Schema.AllowUnknown
	}
	for name, f := range c.Schema.Fields {
		s.Define(name, f)
	}
	return s
}

// ValidateManifest checks m and returns every problem found.
func ValidateManifest(m *Manifest) []*ValidationError {
	src := filepath.Base(m.Path)
	if src == "." || src == "" {
		src = "pulsar.toml"
	}
	var errs []*ValidationError
	add := func(coll, field string, err error) {
		errs = append(errs, &ValidationError{SourceFile: src, Collection: coll, Field: field, Err: err})
	}

	if len(m.Collections) == 0 {
		add("", "collection", ErrNoCollections)
		return errs
	}

	names := make(map[string]bool)
	outputs := make(map[string]string) // output dir -> collection
	for i, c := range m.Collections {
		label := c.Name
		if c.Name == "" {
			label = fmt.Sprintf("#%d", i+1)
			add(label, "name", fmt.Errorf("%w: name", ErrMissingField))
		} else if strings.ContainsAny(c.Name, `/\`) {
			add(label, "name", fmt.Errorf("%w: name %q must not contain path separators", ErrInvalidValue, c.Name))
		} else if names[c.Name] {
			add(label, "name", fmt.Errorf("%w: %q", ErrDuplicateName, c.Name))
		}
		names[c.Name] = true

		if len(c.Include) == 0 {
			add(label, "include", fmt.Errorf("%w: include", ErrMissingField))
		}
		for _, pat := range c.Include {
			if strings.TrimSpace(pat) == "" || filepath.IsAbs(pat) {
				add(label, "include", fmt.Errorf("%w: include pattern %q must be a relative glob", ErrInvalidValue, pat))
			}
		}
		if _, err := collection.ParseGroupFunc(c.Group); err != nil {
			add(label, "group", fmt.Errorf("%w: %w", ErrInvalidValue, err))
		}
		if c.Format != "" {
			if _, err := document.ParseFormat(c.Format); err != nil {
				add(label, "format", fmt.Errorf("%w: %w", ErrInvalidValue, err))
			}
		}
		for _, p := range c.Plugins {
			if _, err := plugins.Lookup(p); err != nil {
				add(label, "plugins", fmt.Errorf("%w: %w", ErrInvalidValue, err))
			}
		}
		for field, f := range c.Schema.Fields {
			if f.Kind != "" && !f.Kind.Valid() {
				add(label, "schema.fields."+field, fmt.Errorf("%w: kind %q", ErrInvalidValue, f.Kind))
			}
		}

		out := c.OutputDir()
		if filepath.IsAbs(out) || out == ".." || strings.HasPrefix(out, ".."+string(filepath.Separator)) {
			add(label, "output", fmt.Errorf("%w: output %q must stay inside the build root", ErrInvalidValue, c.Output))
		} else if prev, ok := outputs[out]; ok {
			add(label, "output", fmt.Errorf("%w: %s (also used by %s)", ErrOutputOverlap, out, prev))
		}
		outputs[out] = label
	}
	return errs
}
