package arch_test

import (
	"path/filepath"
	"testing"
)

// layers assigns each internal package to a layer. A package may import
// packages at its own layer or below.
var layers = map[string]int{
	"buildctx":  0,
	"cache":     0,
	"config":    0,
	"document":  0,
	"logging":   0,
	"telemetry": 0,

	"task": 1,

	"hook":   2,
	"output": 2,
	"store":  2,
	"ui":     2,
	"watch":  2,

	"collection": 3,

	"plugins": 4,

	"session": 5,
}

// TestDependencyLayering verifies that no internal package imports a package
// from a higher layer.
func TestDependencyLayering(t *testing.T) {
	t.Parallel()

	dir := internalDirPath(t)
	for _, pkg := range internalPackages(t) {
		importerLayer, ok := layers[pkg]
		if !ok {
			continue // caught by TestNoUnknownPackages
		}
		for _, imp := range importsOf(t, filepath.Join(dir, pkg)) {
			importedLayer, ok := layers[imp]
			if !ok || importerLayer >= importedLayer {
				continue
			}
			t.Errorf("layer violation: %s (layer %d) imports %s (layer %d)",
				pkg, importerLayer, imp, importedLayer)
		}
	}
}

// TestNoUnknownPackages forces new packages to be placed in the layer map.
func TestNoUnknownPackages(t *testing.T) {
	t.Parallel()

	for _, pkg := range internalPackages(t) {
		if _, ok := layers[pkg]; !ok {
			t.Errorf("package %s has no layer assignment; add it to the layers map", pkg)
		}
	}
}

// TestLayersAreCurrent catches layer entries for packages that no longer exist.
func TestLayersAreCurrent(t *testing.T) {
	t.Parallel()

	present := make(map[string]bool)
	for _, pkg := range internalPackages(t) {
		present[pkg] = true
	}
	for pkg := range layers {
		if !present[pkg] {
			t.Errorf("layers lists %s but internal/%s does not exist", pkg, pkg)
		}
	}
}
