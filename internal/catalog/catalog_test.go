package catalog

import (
	"context"
	"path/filepath"
	"testing"
)

func TestOpenDrivers(t *testing.T) {
	ctx := context.Background()
	mem, err := Open(ctx, Config{Driver: DriverMemory})
	if err != nil || mem.Driver() != DriverMemory {
		t.Fatalf("memory: %v %v", mem, err)
	}
	lite, err := Open(ctx, Config{SQLitePath: filepath.Join(t.TempDir(), "c.db")})
	if err != nil {
		t.Fatalf("sqlite: %v", err)
	}
	t.Cleanup(func() { _ = lite.Close() })
	if lite.Driver() != DriverSQLite {
		t.Fatalf("expected sqlite default, got %s", lite.Driver())
	}
	if _, err := Open(ctx, Config{Driver: "mongo"}); err == nil {
		t.Fatalf("expected unknown driver error")
	}
}
