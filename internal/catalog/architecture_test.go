package catalog

import (
	"sort"
	"strings"
	"testing"

	"golang.org/x/tools/go/packages"
)

// TestOnlyCatalogImportsPersistence keeps the persistence backends behind
// catalog.Open and catalog.NewMemory.
func TestOnlyCatalogImportsPersistence(t *testing.T) {
	const (
		infraPrefix = "bayesfitness/internal/infra/persistence"
		allowed     = "bayesfitness/internal/catalog"
	)

	cfg := &packages.Config{Mode: packages.NeedName | packages.NeedImports, Tests: true}
	pkgs, err := packages.Load(cfg, "bayesfitness/...")
	if err != nil {
		t.Fatalf("load packages: %v", err)
	}
	if len(pkgs) == 0 {
		t.Fatalf("no packages loaded")
	}

	var violations []string
	for _, pkg := range pkgs {
		if strings.HasPrefix(pkg.PkgPath, allowed) || strings.HasPrefix(pkg.PkgPath, infraPrefix) {
			continue
		}
		for importPath := range pkg.Imports {
			if importPath == infraPrefix || strings.HasPrefix(importPath, infraPrefix+"/") {
				violations = append(violations, pkg.PkgPath+": "+importPath)
			}
		}
	}
	if len(violations) > 0 {
		sort.Strings(violations)
		t.Fatalf("persistence backends imported outside catalog:\n%s", strings.Join(violations, "\n"))
	}
}
