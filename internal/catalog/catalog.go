// Package catalog re-exports the run catalog types and opens a configured backend.
package catalog

import (
	"context"
	"fmt"

	"bayesfitness/internal/catalog/core"
	"bayesfitness/internal/infra/persistence/memory"
	"bayesfitness/internal/infra/persistence/postgres"
	"bayesfitness/internal/infra/persistence/sqlite"
)

type (
	// Driver identifies a catalog backend.
	Driver = core.Driver
	// Record describes one fitting run.
	Record = core.Record
	// Filter narrows List results.
	Filter = core.Filter
	// Status is the outcome of a run.
	Status = core.Status
	// Store is implemented by every catalog backend.
	Store = core.Store
)

const (
	DriverMemory   = core.DriverMemory
	DriverSQLite   = core.DriverSQLite
	DriverPostgres = core.DriverPostgres

	StatusSucceeded = core.StatusSucceeded
	StatusFailed    = core.StatusFailed
)

var (
	ErrDuplicate = core.ErrDuplicate
	ErrNotFound  = core.ErrNotFound
)

// Config selects a catalog backend.
type Config struct {
	Driver      Driver
	SQLitePath  string
	PostgresDSN string
}

// NewMemory returns a catalog that lives only for the process.
func NewMemory() Store { return memory.NewStore() }

// Open constructs the configured catalog. An empty driver selects sqlite.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case DriverMemory:
		return memory.NewStore(), nil
	case "", DriverSQLite:
		return sqlite.NewStore(cfg.SQLitePath)
	case DriverPostgres:
		return postgres.NewStore(ctx, cfg.PostgresDSN)
	default:
		return nil, fmt.Errorf("unknown catalog driver %q", cfg.Driver)
	}
}
