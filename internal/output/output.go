// Package output writes merged collection artifacts to disk.
package output

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/papapumpkin/pulsar/internal/document"
)

// ErrBadGroup is returned for group keys that cannot name an output file.
var ErrBadGroup = errors.New("group key cannot be used as a file name")

// Writer persists the artifacts of one collection, keyed by group.
type Writer interface {
	Write(ctx context.Context, artifacts map[string]*document.Document) error
}

// WriteError names the output file that could not be written.
type WriteError struct {
	Path string
	Err  error
}

func (e *WriteError) Error() string { return fmt.Sprintf("writing %s: %v", e.Path, e.Err) }

func (e *WriteError) Unwrap() error { return e.Err }

// FileWriter writes each artifact to <Dir>/<group>.<ext>. Files it wrote
// for groups that no longer exist are removed on the next Write.
type FileWriter struct {
	Dir    string
	Format document.Format

	mu      sync.Mutex
	written map[string]bool
}

// NewFileWriter creates a writer for dir in the given format.
func NewFileWriter(dir string, format document.Format) *FileWriter {
	return &FileWriter{Dir: dir, Format: format, written: make(map[string]bool)}
}

// Path returns the output path for group.
func (w *FileWriter) Path(group string) string {
	return filepath.Join(w.Dir, group+w.Format.Ext())
}

// Write serializes every artifact atomically. It keeps going after a
// failure and returns all failures joined, each a *WriteError.
func (w *FileWriter) Write(ctx context.Context, artifacts map[string]*document.Document) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := os.MkdirAll(w.Dir, 0755); err != nil {
		return &WriteError{Path: w.Dir, Err: err}
	}

	groups := make([]string, 0, len(artifacts))
	for g := range artifacts {
		groups = append(groups, g)
	}
	sort.Strings(groups)

	var errs []error
	current := make(map[string]bool, len(groups))
	for _, g := range groups {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		path := w.Path(g)
		if !validGroup(g) {
			errs = append(errs, &WriteError{Path: path, Err: fmt.Errorf("%w: %q", ErrBadGroup, g)})
			continue
		}
		current[path] = true
		if err := w.writeOne(path, artifacts[g]); err != nil {
			errs = append(errs, &WriteError{Path: path, Err: err})
		}
	}

	for path := range w.written {
		if current[path] {
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, &WriteError{Path: path, Err: err})
			continue
		}
		delete(w.written, path)
	}
	for path := range current {
		w.written[path] = true
	}
	return errors.Join(errs...)
}

func (w *FileWriter) writeOne(path string, d *document.Document) error {
	data, err := document.Encode(w.Format, d)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}

func validGroup(g string) bool {
	return g != "" && g != "." && g != ".." && !strings.ContainsAny(g, `/\`)
}

// Discard is a Writer that drops every artifact.
type Discard struct{}

// Write implements Writer.
func (Discard) Write(context.Context, map[string]*document.Document) error { return nil }
