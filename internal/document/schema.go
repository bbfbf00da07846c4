package document

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Kind is the structural type of a field value.
type Kind string

const (
	KindAny    Kind = "any"
	KindString Kind = "string"
	KindNumber Kind = "number"
	KindBool   Kind = "bool"
	KindTable  Kind = "table"
	KindList   Kind = "list"
)

// Field describes one top-level key.
type Field struct {
	Kind        Kind   `toml:"kind"`
	Required    bool   `toml:"required"`
	Description string `toml:"description,omitempty"`
}

// Schema is the set of known top-level keys for documents of one
// collection. Plugins extend it during the schema hook; after that it is
// treated as read-only.
type Schema struct {
	Fields       map[string]Field `toml:"fields"`
	AllowUnknown bool             `toml:"allow_unknown"`
}

// NewSchema returns an empty schema that allows unknown keys.
func NewSchema() *Schema {
	return &Schema{Fields: make(map[string]Field), AllowUnknown: true}
}

// Define adds or replaces a field.
func (s *Schema) Define(name string, f Field) {
	if s.Fields == nil {
		s.Fields = make(map[string]Field)
	}
	if f.Kind == "" {
		f.Kind = KindAny
	}
	s.Fields[name] = f
}

// Clone returns an independent copy.
func (s *Schema) Clone() *Schema {
	if s == nil {
		return nil
	}
	out := &Schema{Fields: make(map[string]Field, len(s.Fields)), AllowUnknown: s.AllowUnknown}
	for k, f := range s.Fields {
		out.Fields[k] = f
	}
	return out
}

// Violation is one schema mismatch found in a document.
type Violation struct {
	Key     string
	Message string
	Warning bool // Unknown keys are warnings; everything else is an error.
}

// Validate checks d against the schema. Violations come back sorted by key
// so repeated runs report identically.
func (s *Schema) Validate(d *Document) []Violation {
	if s == nil {
		return nil
	}
	var out []Violation
	for name, f := range s.Fields {
		v, ok := d.Get(name)
		if !ok {
			if f.Required {
				out = append(out, Violation{Key: name, Message: fmt.Sprintf("missing required key %q", name)})
			}
			continue
		}
		if got := KindOf(v); !f.Kind.accepts(got) {
			out = append(out, Violation{
				Key:     name,
				Message: fmt.Sprintf("key %q: expected %s, got %s", name, f.Kind, got),
			})
		}
	}
	if !s.AllowUnknown {
		d.Range(func(k string, _ any) bool {
			if _, known := s.Fields[k]; !known {
				out = append(out, Violation{Key: k, Message: fmt.Sprintf("unknown key %q", k), Warning: true})
			}
			return true
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (k Kind) accepts(got Kind) bool {
	return k == KindAny || k == "" || k == got
}

// Valid reports whether k is a known kind name.
func (k Kind) Valid() bool {
	switch k {
	case KindAny, KindString, KindNumber, KindBool, KindTable, KindList:
		return true
	}
	return false
}

// KindOf classifies a loaded value.
func KindOf(v any) Kind {
	switch v.(type) {
	case string:
		return KindString
	case bool:
		return KindBool
	case int, int32, int64, uint, uint32, uint64, float32, float64, json.Number:
		return KindNumber
	case *Document, map[string]any:
		return KindTable
	case []any, []string, []map[string]any:
		return KindList
	}
	return KindAny
}
