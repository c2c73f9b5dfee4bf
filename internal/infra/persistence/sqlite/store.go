// Package sqlite persists the run catalog to an embedded SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"bayesfitness/internal/catalog/core"
	"bayesfitness/internal/infra/persistence/memory"
)

// Store keeps records in memory and writes each one to a `runs` table as
// a JSON payload. Existing rows are loaded on open.
type Store struct {
	*memory.Store
	db   *sql.DB
	path string
}

var _ core.Store = (*Store)(nil)

// NewStore opens (creating if needed) the catalog database at path.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = "bayesfitness.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		created_at TEXT NOT NULL,
		payload BLOB NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create runs table: %w", err)
	}
	s := &Store{Store: memory.NewStore(), db: db, path: path}
	if err := s.load(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	rows, err := s.db.Query(`SELECT run_id, payload FROM runs`)
	if err != nil {
		return fmt.Errorf("select runs: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var records []core.Record
	for rows.Next() {
		var id string
		var payload []byte
		if err := rows.Scan(&id, &payload); err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		var r core.Record
		if err := json.Unmarshal(payload, &r); err != nil {
			return fmt.Errorf("decode run %s: %w", id, err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate runs: %w", err)
	}
	s.Import(records)
	return nil
}

// Driver implements core.Store.
func (s *Store) Driver() core.Driver { return core.DriverSQLite }

// Add records r in memory, then writes it; a failed write undoes the add.
func (s *Store) Add(ctx context.Context, r core.Record) error {
	if err := s.Store.Add(ctx, r); err != nil {
		return err
	}
	payload, err := json.Marshal(r)
	if err == nil {
		_, err = s.db.ExecContext(ctx, `INSERT INTO runs(run_id,name,created_at,payload) VALUES(?,?,?,?)`,
			r.RunID.String(), r.Name, r.CreatedAt.UTC().Format("2006-01-02T15:04:05.000000000Z"), payload)
	}
	if err != nil {
		s.Remove(r.RunID)
		return fmt.Errorf("insert run %s: %w", r.RunID, err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying sql.DB for tests.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }
