package trustpkg

import (
	"errors"
	"testing"

	"github.com/trustos/trustos/internal/vfs"
)

func newTestFS(t *testing.T) *vfs.VFS {
	t.Helper()
	v := vfs.New()
	if err := v.Mounts.Mount("/", vfs.NewMemFS()); err != nil {
		t.Fatalf("mount memfs: %v", err)
	}
	return v
}

func testPackages() []Package {
	return []Package{
		{Name: "coreutils", Version: "1.0.0", Category: CategorySystem, Core: true},
		{Name: "netstack", Version: "1.0.0", Category: CategoryNetwork, Core: true},
		{Name: "curl", Version: "1.0.0", Category: CategoryNetwork, Dependencies: []string{"netstack"}},
		{Name: "browser", Version: "1.0.0", Category: CategoryNetwork, Dependencies: []string{"netstack", "curl"}},
	}
}

func TestResolveOrdersDependenciesBeforeTarget(t *testing.T) {
	cat, err := NewCatalog(newTestFS(t), testPackages())
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}

	order, err := cat.Resolve("browser")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	// netstack is Core (already installed), so it should be skipped; curl
	// should precede browser.
	if len(order) != 2 || order[0] != "curl" || order[1] != "browser" {
		t.Fatalf("Resolve order = %v, want [curl browser]", order)
	}
}

func TestResolveDetectsCycle(t *testing.T) {
	packages := []Package{
		{Name: "a", Version: "1.0.0", Dependencies: []string{"b"}},
		{Name: "b", Version: "1.0.0", Dependencies: []string{"a"}},
	}
	cat, err := NewCatalog(newTestFS(t), packages)
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	if _, err := cat.Resolve("a"); !errors.Is(err, ErrCyclicDependency) {
		t.Fatalf("Resolve: err = %v, want ErrCyclicDependency", err)
	}
}

func TestInstallWritesMarkersForDependencies(t *testing.T) {
	cat, err := NewCatalog(newTestFS(t), testPackages())
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}

	if err := cat.Install("browser"); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if !cat.IsInstalled("curl") {
		t.Fatal("curl should be installed as a browser dependency")
	}
	if !cat.IsInstalled("browser") {
		t.Fatal("browser should be installed")
	}

	if err := cat.Install("browser"); !errors.Is(err, ErrAlreadyInstalled) {
		t.Fatalf("second Install: err = %v, want ErrAlreadyInstalled", err)
	}
}

func TestRemoveRejectsCorePackage(t *testing.T) {
	cat, err := NewCatalog(newTestFS(t), testPackages())
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	if err := cat.Remove("coreutils"); !errors.Is(err, ErrCorePackage) {
		t.Fatalf("Remove: err = %v, want ErrCorePackage", err)
	}
}

func TestRemoveUninstallsAndCanReinstall(t *testing.T) {
	cat, err := NewCatalog(newTestFS(t), testPackages())
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	if err := cat.Install("curl"); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if err := cat.Remove("curl"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if cat.IsInstalled("curl") {
		t.Fatal("curl should no longer be installed")
	}
	if err := cat.Install("curl"); err != nil {
		t.Fatalf("reinstall curl: %v", err)
	}
}

func TestOutdatedReportsOlderInstalledVersion(t *testing.T) {
	fsys := newTestFS(t)
	cat, err := NewCatalog(fsys, []Package{
		{Name: "tls13", Version: "1.1.0"},
	})
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	if err := cat.Install("tls13"); err != nil {
		t.Fatalf("Install: %v", err)
	}

	// Simulate a catalog refresh bumping the available version.
	cat.packages["tls13"] = Package{Name: "tls13", Version: "1.2.0"}

	stale, err := cat.Outdated()
	if err != nil {
		t.Fatalf("Outdated: %v", err)
	}
	if len(stale) != 1 || stale[0] != "tls13" {
		t.Fatalf("Outdated = %v, want [tls13]", stale)
	}
}

func TestResolveUnknownPackage(t *testing.T) {
	cat, err := NewCatalog(newTestFS(t), testPackages())
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	if _, err := cat.Resolve("doesnotexist"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Resolve: err = %v, want ErrNotFound", err)
	}
}
