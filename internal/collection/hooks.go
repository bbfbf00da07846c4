package collection

import (
	"github.com/papapumpkin/pulsar/internal/document"
	"github.com/papapumpkin/pulsar/internal/hook"
)

// Files maps a slash-separated path relative to the build root to the
// document loaded from it. One Files value is one group.
type Files map[string]*document.Document

// Clone deep-copies every document.
func (f Files) Clone() Files {
	out := make(Files, len(f))
	for p, d := range f {
		out[p] = d.Clone()
	}
	return out
}

// BootstrapArgs is passed to Bootstrap taps.
type BootstrapArgs struct {
	Collection string
}

// FileArgs is passed to Preprocess and Validate taps for a single file.
// Taps may replace Doc; setting it to nil drops the file.
type FileArgs struct {
	Path   string // Relative, slash-separated.
	Abs    string
	Group  string
	Doc    *document.Document
	Schema *document.Schema // Final schema. Read-only.
}

// GroupArgs is passed to Transform taps. Files is a private copy; taps may
// mutate, add, or delete entries.
type GroupArgs struct {
	Group string
	Files Files
}

// ArtifactArgs is passed to Emit taps with the merged artifact.
type ArtifactArgs struct {
	Group    string
	Artifact *document.Document
	Sources  []string // Contributing paths in merge order.
}

// Hooks are the extension points of a collection service.
type Hooks struct {
	Bootstrap  *hook.Parallel[*BootstrapArgs]
	Schema     *hook.Series[*document.Schema]
	Preprocess *hook.Series[*FileArgs]
	Validate   *hook.Series[*FileArgs]
	Transform  *hook.Series[*GroupArgs]
	Emit       *hook.Series[*ArtifactArgs]
}

func newHooks() *Hooks {
	return &Hooks{
		Bootstrap:  hook.NewParallel[*BootstrapArgs]("bootstrap"),
		Schema:     hook.NewSeries[*document.Schema]("schema"),
		Preprocess: hook.NewSeries[*FileArgs]("preprocess"),
		Validate:   hook.NewSeries[*FileArgs]("validate"),
		Transform:  hook.NewSeries[*GroupArgs]("transform"),
		Emit:       hook.NewSeries[*ArtifactArgs]("emit"),
	}
}

// Describe lists every hook's taps in execution order, keyed by hook name.
func (h *Hooks) Describe() map[string][]hook.TapInfo {
	return map[string][]hook.TapInfo{
		h.Bootstrap.Name():  h.Bootstrap.Taps(),
		h.Schema.Name():     h.Schema.Taps(),
		h.Preprocess.Name(): h.Preprocess.Taps(),
		h.Validate.Name():   h.Validate.Taps(),
		h.Transform.Name():  h.Transform.Taps(),
		h.Emit.Name():       h.Emit.Taps(),
	}
}
