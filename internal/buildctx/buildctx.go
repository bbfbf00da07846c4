// Package buildctx provides the shared build context tasks compose with:
// path resolution against the project root and include-pattern matching.
package buildctx

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// ErrOutsideRoot indicates a path does not live under the build root.
var ErrOutsideRoot = errors.New("path is outside the build root")

// Context is what a task needs from its surroundings.
type Context interface {
	// Root returns the absolute project root.
	Root() string
	// Resolve returns p as an absolute, cleaned path. Relative paths are
	// interpreted against Root.
	Resolve(p string) string
	// Rel returns p relative to Root using forward slashes.
	Rel(p string) (string, error)
	// Match reports whether p matches any of the include patterns.
	Match(patterns []string, p string) bool
	// Discover walks Root and returns the sorted absolute paths of every
	// regular file matching patterns.
	Discover(patterns []string) ([]string, error)
}

// Local is a Context over the OS filesystem.
type Local struct {
	root   string
	ignore map[string]bool
}

// NewLocal creates a Local context rooted at root. Directories named in
// ignore (base names, e.g. ".git") are skipped by Discover.
func NewLocal(root string, ignore ...string) (*Local, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving build root: %w", err)
	}
	l := &Local{root: abs, ignore: make(map[string]bool, len(ignore))}
	for _, name := range ignore {
		l.ignore[name] = true
	}
	return l, nil
}

// Root returns the absolute build root.
func (l *Local) Root() string { return l.root }

// Resolve implements Context.
func (l *Local) Resolve(p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(l.root, filepath.FromSlash(p))
}

// Rel implements Context.
func (l *Local) Rel(p string) (string, error) {
	rel, err := filepath.Rel(l.root, l.Resolve(p))
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, p)
	}
	rel = filepath.ToSlash(rel)
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, p)
	}
	return rel, nil
}

// Ignored reports whether a directory base name is excluded from discovery.
func (l *Local) Ignored(name string) bool {
	return l.ignore[name]
}

// Match implements Context.
func (l *Local) Match(patterns []string, p string) bool {
	rel, err := l.Rel(p)
	if err != nil {
		return false
	}
	for _, pat := range patterns {
		if MatchPattern(pat, rel) {
			return true
		}
	}
	return false
}

// Discover implements Context.
func (l *Local) Discover(patterns []string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(l.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != l.root && l.ignore[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if l.Match(patterns, p) {
			out = append(out, p)
		}
		return nil
	})
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("discovering files under %s: %w", l.root, err)
	}
	sort.Strings(out)
	return out, nil
}

// MatchPattern matches a slash-separated relative path against a glob.
// Each segment follows path.Match syntax; a "**" segment matches zero or
// more whole segments. Malformed patterns never match.
func MatchPattern(pattern, rel string) bool {
	return matchSegments(strings.Split(pattern, "/"), strings.Split(rel, "/"))
}

func matchSegments(pat, segs []string) bool {
	for len(pat) > 0 {
		if pat[0] == "**" {
			rest := pat[1:]
			if len(rest) == 0 {
				return true
			}
			for i := 0; i <= len(segs); i++ {
				if matchSegments(rest, segs[i:]) {
					return true
				}
			}
			return false
		}
		if len(segs) == 0 {
			return false
		}
		ok, err := path.Match(pat[0], segs[0])
		if err != nil || !ok {
			return false
		}
		pat, segs = pat[1:], segs[1:]
	}
	return len(segs) == 0
}
