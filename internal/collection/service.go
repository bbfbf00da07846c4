// Package collection implements collection services: in-memory sets of
// loaded files grouped by a derived key, run through a staged hook pipeline
// and merged into one artifact per group with key-collision detection.
package collection

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/sourcegraph/conc/pool"

	"github.com/papapumpkin/pulsar/internal/buildctx"
	"github.com/papapumpkin/pulsar/internal/cache"
	"github.com/papapumpkin/pulsar/internal/document"
	"github.com/papapumpkin/pulsar/internal/hook"
	"github.com/papapumpkin/pulsar/internal/task"
)

// Registry resolves other services by identity. Defined here, where it is
// consumed, rather than in the session package.
type Registry interface {
	Lookup(id string) (any, bool)
}

// PluginAPI is handed to plugins at registration time.
type PluginAPI interface {
	hook.Host
	// Name returns the collection name.
	Name() string
	// Cache returns the service-owned cache for plugin data.
	Cache() *cache.Store[any]
}

// Plugin registers taps on a service's hooks. It is called exactly once,
// synchronously, from New, before any file has been loaded.
type Plugin func(h *Hooks, api PluginAPI)

// Options configures a Service.
type Options struct {
	Name     string
	Context  buildctx.Context
	Group    GroupFunc       // Defaults to ByDir.
	Loader   document.Loader // Defaults to document.FileLoader.
	Schema   *document.Schema
	Plugins  []Plugin
	Registry Registry
	Logger   *slog.Logger
}

// Service owns the files of one collection.
type Service struct {
	name     string
	bctx     buildctx.Context
	group    GroupFunc
	loader   document.Loader
	declared *document.Schema
	registry Registry
	hooks    *Hooks
	cache    *cache.Store[any]
	logger   *slog.Logger

	mu      sync.Mutex
	groups  map[string]Files
	final   *document.Schema
	trigger func(path string)

	// emitMu serializes Emit so overlapping merges never run against the
	// same groups.
	emitMu sync.Mutex
}

// New creates a service, registers the framework taps, and runs every
// plugin's registration function.
func New(opts Options) *Service {
	if opts.Group == nil {
		opts.Group = ByDir
	}
	if opts.Loader == nil {
		opts.Loader = document.FileLoader{}
	}
	if opts.Schema == nil {
		opts.Schema = document.NewSchema()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	s := &Service{
		name:     opts.Name,
		bctx:     opts.Context,
		group:    opts.Group,
		loader:   opts.Loader,
		declared: opts.Schema.Clone(),
		registry: opts.Registry,
		hooks:    newHooks(),
		cache:    cache.New[any](),
		logger:   opts.Logger.With("collection", opts.Name),
		groups:   make(map[string]Files),
	}
	s.registerFramework()
	for _, p := range opts.Plugins {
		p(s.hooks, s)
	}
	return s
}

func (s *Service) registerFramework() {
	s.hooks.Schema.TapStage("pulsar:defaults", hook.StageDefaults, func(_ context.Context, sc *document.Schema, _ hook.API) error {
		for name, f := range s.declared.Fields {
			sc.Define(name, f)
		}
		sc.AllowUnknown = s.declared.AllowUnknown
		return nil
	})
	s.hooks.Schema.TapStage("pulsar:collect", hook.StageCollect, func(_ context.Context, sc *document.Schema, _ hook.API) error {
		s.mu.Lock()
		s.final = sc.Clone()
		s.mu.Unlock()
		return nil
	})
	s.hooks.Validate.TapStage("pulsar:schema", hook.StageDefaults, func(_ context.Context, fa *FileArgs, api hook.API) error {
		for _, v := range fa.Schema.Validate(fa.Doc) {
			if v.Warning {
				api.Reporter().Warnf("%s", v.Message)
			} else {
				api.Reporter().Errorf("%s", v.Message)
			}
		}
		return nil
	})
}

// Name implements PluginAPI.
func (s *Service) Name() string { return s.name }

// Cache implements PluginAPI.
func (s *Service) Cache() *cache.Store[any] { return s.cache }

// Hooks exposes the service's hooks for introspection.
func (s *Service) Hooks() *Hooks { return s.hooks }

// Lookup implements hook.Host.
func (s *Service) Lookup(id string) (any, bool) {
	if s.registry == nil {
		return nil, false
	}
	return s.registry.Lookup(id)
}

// ContextPath implements hook.Host.
func (s *Service) ContextPath() string {
	if s.bctx == nil {
		return ""
	}
	return s.bctx.Root()
}

// Reprocess implements hook.Host. It is a no-op until SetTrigger is called.
func (s *Service) Reprocess(p string) {
	s.mu.Lock()
	fn := s.trigger
	s.mu.Unlock()
	if fn == nil {
		s.logger.Debug("reprocess requested without a scheduler", "path", p)
		return
	}
	if s.bctx != nil {
		p = s.bctx.Resolve(p)
	}
	fn(p)
}

// SetTrigger wires Reprocess to the scheduler that feeds this service.
func (s *Service) SetTrigger(fn func(path string)) {
	s.mu.Lock()
	s.trigger = fn
	s.mu.Unlock()
}

// Init runs the schema hook and then the bootstrap hook. It must be called
// once before LoadFile. rep receives diagnostics raised by those taps.
func (s *Service) Init(ctx context.Context, rep task.Reporter) error {
	api := s.api(rep)
	if err := s.hooks.Schema.Call(ctx, document.NewSchema(), api); err != nil {
		return fmt.Errorf("collection %s: %w", s.name, err)
	}
	if err := s.hooks.Bootstrap.Call(ctx, &BootstrapArgs{Collection: s.name}, api); err != nil {
		return fmt.Errorf("collection %s: %w", s.name, err)
	}
	return nil
}

// FinalSchema returns the schema as extended by every plugin, or nil
// before Init.
func (s *Service) FinalSchema() *document.Schema {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.final
}

// GroupOf returns the group key for a path.
func (s *Service) GroupOf(p string) string {
	return s.group(s.key(p))
}

// key normalizes p to the relative slash form used in Files.
func (s *Service) key(p string) string {
	if filepath.IsAbs(p) && s.bctx != nil {
		if rel, err := s.bctx.Rel(p); err == nil {
			return rel
		}
	}
	return path.Clean(filepath.ToSlash(p))
}

// AddFile inserts or replaces the document for p in its group.
func (s *Service) AddFile(p string, doc *document.Document) {
	p = s.key(p)
	g := s.group(p)
	s.mu.Lock()
	defer s.mu.Unlock()
	files, ok := s.groups[g]
	if !ok {
		files = make(Files)
		s.groups[g] = files
	}
	files[p] = doc
}

// RemoveFile deletes p. A group left empty is deleted.
func (s *Service) RemoveFile(p string) {
	p = s.key(p)
	g := s.group(p)
	s.mu.Lock()
	defer s.mu.Unlock()
	files, ok := s.groups[g]
	if !ok {
		return
	}
	delete(files, p)
	if len(files) == 0 {
		delete(s.groups, g)
	}
}

// Groups returns each group key with its sorted member paths.
func (s *Service) Groups() map[string][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]string, len(s.groups))
	for g, files := range s.groups {
		out[g] = sortedPaths(files)
	}
	return out
}

// Group returns a deep copy of one group's files.
func (s *Service) Group(key string) (Files, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	files, ok := s.groups[key]
	if !ok {
		return nil, false
	}
	return files.Clone(), true
}

// LoadFile is the per-file transform: it loads abs, runs the preprocess and
// validate hooks, and adds the result to its group. A file that raises any
// error while loading is dropped from its group so the merged artifact only
// contains valid sources.
func (s *Service) LoadFile(ctx context.Context, abs string, rep task.Reporter) error {
	final := s.FinalSchema()
	if final == nil {
		return ErrNotInitialized
	}
	rel := s.key(abs)

	doc, err := s.loader.Load(abs)
	if err != nil {
		s.RemoveFile(rel)
		return err
	}

	cr := &countingReporter{Reporter: rep}
	api := s.api(cr)
	fa := &FileArgs{Path: rel, Abs: abs, Group: s.group(rel), Doc: doc, Schema: final}
	if err := s.hooks.Preprocess.Call(ctx, fa, api); err != nil {
		s.RemoveFile(rel)
		return err
	}
	if fa.Doc != nil {
		if err := s.hooks.Validate.Call(ctx, fa, api); err != nil {
			s.RemoveFile(rel)
			return err
		}
	}
	if fa.Doc == nil || cr.failed() {
		s.RemoveFile(rel)
		return nil
	}
	s.AddFile(rel, fa.Doc)
	return nil
}

// UnloadFile is the per-file removal callback.
func (s *Service) UnloadFile(_ context.Context, abs string, _ task.Reporter) error {
	s.RemoveFile(abs)
	return nil
}

type emitted struct {
	group    string
	artifact *document.Document
}

// Emit merges every group into one artifact. Groups are processed
// concurrently on private deep copies. Keys defined by more than one file
// in a group are reported to rep as group-scoped errors; the merge still
// completes with the last file in path order winning.
//
// Concurrent Emit calls are serialized.
func (s *Service) Emit(ctx context.Context, rep task.Reporter) (map[string]*document.Document, error) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	snapshot := make(map[string]Files, len(s.groups))
	for g, files := range s.groups {
		snapshot[g] = files.Clone()
	}
	s.mu.Unlock()

	// Each group reports into its own collector; they are replayed in
	// group order so the ledger does not depend on goroutine scheduling.
	cols := make(map[string]*task.Collector, len(snapshot))
	for g := range snapshot {
		cols[g] = task.NewCollector("")
	}
	p := pool.NewWithResults[emitted]().WithContext(ctx)
	for g, files := range snapshot {
		p.Go(func(ctx context.Context) (emitted, error) {
			art, err := s.emitGroup(ctx, g, files, cols[g])
			return emitted{group: g, artifact: art}, err
		})
	}
	results, err := p.Wait()
	for _, g := range sortedGroups(cols) {
		for _, e := range cols[g].Entries() {
			_ = rep.Report(e)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("collection %s: %w", s.name, err)
	}

	out := make(map[string]*document.Document, len(results))
	for _, r := range results {
		if r.artifact != nil {
			out[r.group] = r.artifact
		}
	}
	s.logger.Debug("emitted collection", "groups", len(out))
	return out, nil
}

func (s *Service) emitGroup(ctx context.Context, group string, files Files, rep task.Reporter) (*document.Document, error) {
	api := s.api(rep)
	ga := &GroupArgs{Group: group, Files: files}
	if err := s.hooks.Transform.Call(ctx, ga, api); err != nil {
		return nil, err
	}

	paths := sortedPaths(ga.Files)
	for _, c := range Conflicts(ga.Files) {
		rep.Errorf("key %q is defined by more than one file in group %q: %s",
			c.Key, group, strings.Join(c.Paths, ", "))
	}

	merged := document.New()
	for _, p := range paths {
		merged.Merge(ga.Files[p])
	}

	aa := &ArtifactArgs{Group: group, Artifact: merged, Sources: paths}
	if err := s.hooks.Emit.Call(ctx, aa, api); err != nil {
		return nil, err
	}
	return aa.Artifact, nil
}

// Conflict is a top-level key defined by more than one file of a group.
type Conflict struct {
	Key   string
	Paths []string // Sorted.
}

// Conflicts builds the key multiplicity table for files and returns every
// key with more than one defining file, in first-seen order.
func Conflicts(files Files) []Conflict {
	owners := make(map[string][]string)
	var order []string
	for _, p := range sortedPaths(files) {
		for _, k := range files[p].Keys() {
			if _, seen := owners[k]; !seen {
				order = append(order, k)
			}
			owners[k] = append(owners[k], p)
		}
	}
	var out []Conflict
	for _, k := range order {
		if len(owners[k]) > 1 {
			out = append(out, Conflict{Key: k, Paths: owners[k]})
		}
	}
	return out
}

// sortedPaths returns the paths of files with a non-nil document.
func sortedPaths(files Files) []string {
	out := make([]string, 0, len(files))
	for p, d := range files {
		if d != nil {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

func sortedGroups(cols map[string]*task.Collector) []string {
	out := make([]string, 0, len(cols))
	for g := range cols {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

func (s *Service) api(rep task.Reporter) hook.API {
	return callAPI{Service: s, rep: rep}
}

// callAPI binds a reporter to one hook invocation.
type callAPI struct {
	*Service
	rep task.Reporter
}

func (a callAPI) Reporter() task.Reporter { return a.rep }

// countingReporter forwards to a Reporter and remembers whether any error
// went through it.
type countingReporter struct {
	task.Reporter

	mu     sync.Mutex
	errors int
}

func (c *countingReporter) Report(e task.Entry) error {
	if e.Severity == task.SeverityError {
		c.mu.Lock()
		c.errors++
		c.mu.Unlock()
	}
	return c.Reporter.Report(e)
}

func (c *countingReporter) Errorf(format string, args ...any) {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
	c.Reporter.Errorf(format, args...)
}

func (c *countingReporter) failed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errors > 0
}
