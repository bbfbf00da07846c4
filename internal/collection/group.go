package collection

import (
	"fmt"
	"path"
	"strings"
)

// GroupFunc derives the group key for a slash-separated path relative to
// the build root. It must be pure: the same path always yields the same key.
type GroupFunc func(rel string) string

// ByDir groups files by their first path segment. Files at the top level
// form a group named after their base name without extension.
func ByDir(rel string) string {
	rel = path.Clean(rel)
	if i := strings.IndexByte(rel, '/'); i >= 0 {
		return rel[:i]
	}
	return trimExt(rel)
}

// ByBaseName groups files by base name without extension, so
// "ui/en.json" and "game/en.json" merge into group "en".
func ByBaseName(rel string) string {
	return trimExt(path.Base(rel))
}

func trimExt(name string) string {
	return strings.TrimSuffix(name, path.Ext(name))
}

// ParseGroupFunc resolves a grouping strategy by its configuration name.
func ParseGroupFunc(name string) (GroupFunc, error) {
	switch name {
	case "", "dir":
		return ByDir, nil
	case "basename":
		return ByBaseName, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownGrouping, name)
}
