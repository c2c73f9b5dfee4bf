package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func TestStorageImport(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"bayesfitness/internal/blob", true},
		{"bayesfitness/internal/blob/core", true},
		{"bayesfitness/internal/infra/persistence/sqlite", true},
		{"bayesfitness/internal/catalog", true},
		{"bayesfitness/internal/model", false},
		{"bayesfitness/internal/quantile", false},
		{"gonum.org/v1/gonum/mat", false},
	}
	for _, c := range cases {
		if got := StorageImport(c.in); got != c.want {
			t.Fatalf("StorageImport(%q)=%v want %v", c.in, got, c.want)
		}
	}
}

func TestInternalImport(t *testing.T) {
	if !InternalImport("bayesfitness/internal/model") || InternalImport("bayesfitness/pkg/fiterr") {
		t.Fatalf("InternalImport misclassified paths")
	}
}

type recorder struct{ msg string }

func (r *recorder) Fatalf(format string, args ...any) { r.msg = fmt.Sprintf(format, args...) }

func TestDirectImportViolations(t *testing.T) {
	dir := t.TempDir()
	write := func(name, src string) {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(src), 0o600); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	write("a.go", "package tmp\nimport \"bayesfitness/internal/blob\"\nvar _ = blob.DriverS3\n")
	write("a_test.go", "package tmp\nimport \"bayesfitness/internal/catalog\"\n")
	write("b.go", "package tmp\nimport \"fmt\"\nfunc X() { fmt.Println(1) }\n")

	viols, err := directImportViolations(dir, StorageImport)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(viols) != 1 || viols[0] != "bayesfitness/internal/blob (in a.go)" {
		t.Fatalf("unexpected violations %v", viols)
	}

	var r recorder
	failIfViolations(&r, "direct import", "pure core", viols)
	if r.msg == "" {
		t.Fatalf("expected failure message")
	}
	AssertNoDirectImports(t, dir, func(string) bool { return false }, "none")
}

func TestAssertNoTransitiveDependencyUsesGoList(t *testing.T) {
	prev := goListDeps
	t.Cleanup(func() { goListDeps = prev })
	goListDeps = func(string) ([]byte, error) {
		return []byte("fmt\nbayesfitness/internal/model\n\n"), nil
	}
	AssertNoTransitiveDependency(t, "./...", StorageImport, "model stays pure")
}
