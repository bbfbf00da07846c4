package document

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"go.yaml.in/yaml/v3"
)

// Format names a serialization format.
type Format string

const (
	FormatJSON Format = "json"
	FormatTOML Format = "toml"
	FormatYAML Format = "yaml"
)

// Ext returns the canonical file extension for f, including the dot.
func (f Format) Ext() string {
	return "." + string(f)
}

// FormatOf infers the format from a file extension.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, nil
	case ".toml":
		return FormatTOML, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Base(path))
}

// ParseFormat validates a format name from configuration.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case FormatJSON, FormatTOML, FormatYAML:
		return f, nil
	case "yml":
		return FormatYAML, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, s)
}

// Loader turns a source path into a document.
type Loader interface {
	Load(path string) (*Document, error)
}

// LoaderFunc adapts a function to the Loader interface.
type LoaderFunc func(path string) (*Document, error)

// Load calls f.
func (f LoaderFunc) Load(path string) (*Document, error) { return f(path) }

// FileLoader reads files from disk and decodes them by extension.
type FileLoader struct{}

// Load implements Loader.
func (FileLoader) Load(path string) (*Document, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", filepath.Base(path), err)
	}
	doc, err := Decode(format, data)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", filepath.Base(path), err)
	}
	return doc, nil
}

// Decode parses data in the given format.
func Decode(format Format, data []byte) (*Document, error) {
	switch format {
	case FormatJSON:
		d := New()
		if err := d.UnmarshalJSON(data); err != nil {
			return nil, err
		}
		return d, nil
	case FormatTOML:
		// go-toml does not expose key order through Unmarshal, so TOML
		// documents come out sorted.
		var m map[string]any
		if err := toml.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		return FromMap(m), nil
	case FormatYAML:
		var root yaml.Node
		if err := yaml.Unmarshal(data, &root); err != nil {
			return nil, err
		}
		if len(root.Content) == 0 {
			return New(), nil
		}
		node := root.Content[0]
		if node.Kind != yaml.MappingNode {
			return nil, fmt.Errorf("%w: top level must be a mapping", ErrShape)
		}
		return documentFromNode(node)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
}

// Encode serializes d in the given format.
func Encode(format Format, d *Document) ([]byte, error) {
	switch format {
	case FormatJSON:
		b, err := d.MarshalJSON()
		if err != nil {
			return nil, err
		}
		var buf bytes.Buffer
		if err := json.Indent(&buf, b, "", "  "); err != nil {
			return nil, err
		}
		buf.WriteByte('\n')
		return buf.Bytes(), nil
	case FormatTOML:
		return toml.Marshal(d.ToMap())
	case FormatYAML:
		node, err := d.YAMLNode()
		if err != nil {
			return nil, err
		}
		return yaml.Marshal(node)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
}

func documentFromNode(n *yaml.Node) (*Document, error) {
	d := New()
	for i := 0; i+1 < len(n.Content); i += 2 {
		key := n.Content[i].Value
		v, err := valueFromNode(n.Content[i+1])
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", key, err)
		}
		d.Set(key, v)
	}
	return d, nil
}

func valueFromNode(n *yaml.Node) (any, error) {
	switch n.Kind {
	case yaml.MappingNode:
		return documentFromNode(n)
	case yaml.SequenceNode:
		list := make([]any, 0, len(n.Content))
		for _, c := range n.Content {
			v, err := valueFromNode(c)
			if err != nil {
				return nil, err
			}
			list = append(list, v)
		}
		return list, nil
	case yaml.AliasNode:
		return valueFromNode(n.Alias)
	default:
		var v any
		if err := n.Decode(&v); err != nil {
			return nil, err
		}
		if i, ok := v.(int); ok {
			return int64(i), nil
		}
		return v, nil
	}
}

// YAMLNode builds an order-preserving YAML mapping node.
func (d *Document) YAMLNode() (*yaml.Node, error) {
	node := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	for _, k := range d.keys {
		var vn *yaml.Node
		switch v := d.values[k].(type) {
		case *Document:
			n, err := v.YAMLNode()
			if err != nil {
				return nil, err
			}
			vn = n
		default:
			vn = &yaml.Node{}
			if err := vn.Encode(plainValue(v)); err != nil {
				return nil, fmt.Errorf("encoding key %q: %w", k, err)
			}
		}
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: k},
			vn,
		)
	}
	return node, nil
}
