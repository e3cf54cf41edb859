// Package trustpkg implements the package manager's metadata layer: a
// built-in catalog, dependency-graph resolution, and install/removal state
// tracked as marker files on a mounted internal/vfs filesystem. This is a
// supplemented feature (see SPEC_FULL.md) — the original's catalog text and
// install UX (colourized listings, progress animation) are out of scope;
// only the dependency-resolution and version-compare logic a VFS consumer
// needs is ported.
package trustpkg

import (
	"errors"
	"fmt"
	"io/fs"
	"sort"

	"golang.org/x/mod/semver"

	"github.com/trustos/trustos/internal/vfs"
)

// Category classifies a Package, mirroring the original catalog's grouping.
type Category int

const (
	CategorySystem Category = iota
	CategoryNetwork
	CategorySecurity
	CategoryDevelopment
	CategoryGames
	CategoryMultimedia
	CategoryUtilities
)

// Package is one catalog entry.
type Package struct {
	Name         string
	Version      string // semver without the "v" prefix, e.g. "1.0.0"
	Description  string
	Category     Category
	SizeKB       uint32
	Dependencies []string
	Core         bool // pre-installed, cannot be removed
}

// markerDir is where install-state marker files live, matching the
// original's /var/trustpkg/<name> convention.
const markerDir = "/var/trustpkg"

var (
	ErrNotFound         = errors.New("trustpkg: package not found")
	ErrAlreadyInstalled = errors.New("trustpkg: package already installed")
	ErrNotInstalled     = errors.New("trustpkg: package not installed")
	ErrCorePackage      = errors.New("trustpkg: cannot remove a core package")
	ErrCyclicDependency = errors.New("trustpkg: cyclic dependency")
)

// Catalog holds the built-in package set and resolves it against a VFS for
// install-state marker files.
type Catalog struct {
	packages map[string]Package
	fs       *vfs.VFS
}

// NewCatalog builds a Catalog over the built-in package set, using fsys to
// record and query install markers under markerDir.
func NewCatalog(fsys *vfs.VFS, packages []Package) (*Catalog, error) {
	c := &Catalog{packages: make(map[string]Package, len(packages)), fs: fsys}
	for _, p := range packages {
		if !semver.IsValid("v" + p.Version) {
			return nil, fmt.Errorf("trustpkg: package %q has invalid version %q", p.Name, p.Version)
		}
		c.packages[p.Name] = p
	}
	if err := fsys.MkdirAll(markerDir, 0o755); err != nil {
		return nil, fmt.Errorf("trustpkg: prepare marker directory: %w", err)
	}
	return c, nil
}

// Lookup returns the catalog entry for name.
func (c *Catalog) Lookup(name string) (Package, bool) {
	p, ok := c.packages[name]
	return p, ok
}

// All returns every catalog package sorted by name.
func (c *Catalog) All() []Package {
	out := make([]Package, 0, len(c.packages))
	for _, p := range c.packages {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func markerPath(name string) string { return markerDir + "/" + name }

// IsInstalled reports whether name is a core package or has an install
// marker recorded on the filesystem.
func (c *Catalog) IsInstalled(name string) bool {
	p, ok := c.packages[name]
	if ok && p.Core {
		return true
	}
	_, err := c.fs.Stat(markerPath(name))
	return err == nil
}

// Resolve returns the install order for name's full dependency graph —
// every not-yet-installed dependency, topologically sorted so each entry
// only depends on entries earlier in the returned slice, followed by name
// itself. It detects cycles rather than looping forever.
func (c *Catalog) Resolve(name string) ([]string, error) {
	if _, ok := c.packages[name]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}

	var order []string
	state := make(map[string]int) // 0=unvisited, 1=visiting, 2=done

	var visit func(n string) error
	visit = func(n string) error {
		switch state[n] {
		case 2:
			return nil
		case 1:
			return fmt.Errorf("%w: %q", ErrCyclicDependency, n)
		}
		state[n] = 1
		pkg, ok := c.packages[n]
		if !ok {
			return fmt.Errorf("%w: %q", ErrNotFound, n)
		}
		for _, dep := range pkg.Dependencies {
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[n] = 2
		if !c.IsInstalled(n) {
			order = append(order, n)
		}
		return nil
	}

	if err := visit(name); err != nil {
		return nil, err
	}
	return order, nil
}

// Install resolves name's dependency graph and writes an install marker for
// every package in the resolution order that isn't already installed.
func (c *Catalog) Install(name string) error {
	if c.IsInstalled(name) {
		return fmt.Errorf("%w: %q", ErrAlreadyInstalled, name)
	}
	order, err := c.Resolve(name)
	if err != nil {
		return err
	}
	for _, pkgName := range order {
		pkg := c.packages[pkgName]
		f, err := c.fs.Open(markerPath(pkgName), vfs.WRONLY|vfs.CREAT|vfs.TRUNC, 0o644)
		if err != nil {
			return fmt.Errorf("trustpkg: install %q: %w", pkgName, err)
		}
		if _, err := f.Write([]byte(pkgName + "@" + pkg.Version + "\n")); err != nil {
			return fmt.Errorf("trustpkg: write marker for %q: %w", pkgName, err)
		}
	}
	return nil
}

// Remove deletes name's install marker. Core packages can never be removed.
func (c *Catalog) Remove(name string) error {
	pkg, ok := c.packages[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	if pkg.Core {
		return fmt.Errorf("%w: %q", ErrCorePackage, name)
	}
	if !c.IsInstalled(name) {
		return fmt.Errorf("%w: %q", ErrNotInstalled, name)
	}
	if err := c.fs.Unlink(markerPath(name)); err != nil {
		return fmt.Errorf("trustpkg: remove %q: %w", name, err)
	}
	return nil
}

// InstalledVersion reports the version recorded in name's install marker
// (core packages report their catalog version directly, since they never
// have a marker file).
func (c *Catalog) InstalledVersion(name string) (string, error) {
	pkg, ok := c.packages[name]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	if pkg.Core {
		return pkg.Version, nil
	}
	f, err := c.fs.Open(markerPath(name), vfs.RDONLY, 0)
	if err != nil {
		if errors.Is(err, vfs.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
			return "", ErrNotInstalled
		}
		return "", err
	}
	buf := make([]byte, 256)
	n, _ := f.Read(buf)
	return parseMarkerVersion(string(buf[:n])), nil
}

func parseMarkerVersion(marker string) string {
	for i := 0; i < len(marker); i++ {
		if marker[i] == '@' {
			j := i + 1
			for j < len(marker) && marker[j] != '\n' {
				j++
			}
			return marker[i+1 : j]
		}
	}
	return ""
}

// Outdated reports every installed package whose recorded marker version
// is older, by semver.Compare, than the catalog's current version — the
// DOMAIN STACK's use of golang.org/x/mod/semver for metadata version
// comparison.
func (c *Catalog) Outdated() ([]string, error) {
	var stale []string
	for _, p := range c.All() {
		if !c.IsInstalled(p.Name) {
			continue
		}
		installed, err := c.InstalledVersion(p.Name)
		if err != nil || installed == "" {
			continue
		}
		if semver.Compare("v"+installed, "v"+p.Version) < 0 {
			stale = append(stale, p.Name)
		}
	}
	sort.Strings(stale)
	return stale, nil
}
