// Package core defines the run catalog record and the store contract its
// backends implement.
package core

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Driver identifies a catalog backend.
type Driver string

const (
	DriverMemory   Driver = "memory"   // in-memory only (tests / ephemeral)
	DriverSQLite   Driver = "sqlite"   // embedded sqlite file
	DriverPostgres Driver = "postgres" // PostgreSQL server
)

// Status is the outcome of a recorded run.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Record describes one fitting run and where its artifact lives.
type Record struct {
	RunID       uuid.UUID     `json:"run_id"`
	Name        string        `json:"name"`
	Model       string        `json:"model"`
	Method      string        `json:"method"`
	Status      Status        `json:"status"`
	ArtifactKey string        `json:"artifact_key,omitempty"`
	BlobDriver  string        `json:"blob_driver,omitempty"`
	Dim         int           `json:"dim"`
	NumMutants  int           `json:"num_mutants"`
	Objective   float64       `json:"objective"`
	Error       string        `json:"error,omitempty"`
	Duration    time.Duration `json:"duration"`
	CreatedAt   time.Time     `json:"created_at"`
}

// Filter narrows List results. Empty fields match everything.
type Filter struct {
	NamePrefix string
	Model      string
	Status     Status
}

// Matches reports whether r passes f.
func (f Filter) Matches(r Record) bool {
	switch {
	case !strings.HasPrefix(r.Name, f.NamePrefix):
		return false
	case f.Model != "" && r.Model != f.Model:
		return false
	case f.Status != "" && r.Status != f.Status:
		return false
	}
	return true
}

// Store records runs. Add rejects a duplicate run id with ErrDuplicate.
type Store interface {
	Add(ctx context.Context, r Record) error
	Get(ctx context.Context, id uuid.UUID) (Record, error)
	List(ctx context.Context, f Filter) ([]Record, error)
	Close() error
	Driver() Driver
}

var (
	ErrDuplicate = errors.New("catalog: duplicate run id")
	ErrNotFound  = errors.New("catalog: run not found")
)
