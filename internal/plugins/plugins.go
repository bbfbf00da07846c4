// Package plugins provides the built-in collection plugins that a manifest
// can enable by name.
package plugins

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/papapumpkin/pulsar/internal/collection"
	"github.com/papapumpkin/pulsar/internal/document"
	"github.com/papapumpkin/pulsar/internal/hook"
)

// ErrUnknownPlugin is returned by Lookup for names it does not know.
var ErrUnknownPlugin = errors.New("unknown plugin")

// SourcesKey is the artifact key written by the source-list plugin.
const SourcesKey = "$sources"

var builtin = map[string]collection.Plugin{
	"strip-private": StripPrivate,
	"sort-keys":     SortKeys,
	"no-empty":      NoEmpty,
	"source-list":   SourceList,
}

// Lookup returns the built-in plugin registered under name.
func Lookup(name string) (collection.Plugin, error) {
	p, ok := builtin[name]
	if !ok {
		return nil, fmt.Errorf("%w %q (known: %s)", ErrUnknownPlugin, name, strings.Join(Names(), ", "))
	}
	return p, nil
}

// Names lists the built-in plugin names in sorted order.
func Names() []string {
	out := make([]string, 0, len(builtin))
	for name := range builtin {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// StripPrivate removes top-level keys starting with an underscore before
// a file is validated, so they never reach the merged artifact.
func StripPrivate(h *collection.Hooks, _ collection.PluginAPI) {
	h.Preprocess.Tap("strip-private", func(_ context.Context, fa *collection.FileArgs, _ hook.API) error {
		if fa.Doc == nil {
			return nil
		}
		for _, k := range fa.Doc.Keys() {
			if strings.HasPrefix(k, "_") {
				fa.Doc.Delete(k)
			}
		}
		return nil
	})
}

// SortKeys orders every artifact's keys lexically, nested tables included.
func SortKeys(h *collection.Hooks, _ collection.PluginAPI) {
	h.Emit.Tap("sort-keys", func(_ context.Context, aa *collection.ArtifactArgs, _ hook.API) error {
		sortDeep(aa.Artifact)
		return nil
	})
}

func sortDeep(d *document.Document) {
	if d == nil {
		return
	}
	d.Sort()
	d.Range(func(_ string, v any) bool {
		if nested, ok := v.(*document.Document); ok {
			sortDeep(nested)
		}
		return true
	})
}

// NoEmpty warns about top-level string values that are empty or only
// whitespace.
func NoEmpty(h *collection.Hooks, _ collection.PluginAPI) {
	h.Validate.Tap("no-empty", func(_ context.Context, fa *collection.FileArgs, api hook.API) error {
		fa.Doc.Range(func(k string, v any) bool {
			if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
				api.Reporter().Warnf("key %q has an empty value", k)
			}
			return true
		})
		return nil
	})
}

// SourceList records the contributing files of each artifact under
// SourcesKey. It runs last so it sees the final source list.
func SourceList(h *collection.Hooks, _ collection.PluginAPI) {
	h.Emit.TapStage("source-list", hook.StageCollect, func(_ context.Context, aa *collection.ArtifactArgs, _ hook.API) error {
		sources := make([]any, len(aa.Sources))
		for i, p := range aa.Sources {
			sources[i] = p
		}
		aa.Artifact.Set(SourcesKey, sources)
		return nil
	})
}
