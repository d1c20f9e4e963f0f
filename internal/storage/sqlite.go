// Package storage opens and bootstraps the SQLite database backing the job
// journal.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Open opens (and creates if needed) the journal database at path and
// ensures the schema exists. The path must live on a local filesystem;
// SQLite's locking is unreliable over network mounts.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("journal path is empty")
	}
	if err := checkJournalFilesystem(path); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal db: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON;",
		"PRAGMA busy_timeout = 5000;",
	} {
		if _, err := db.ExecContext(pctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}
	if err := Bootstrap(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Bootstrap creates the journal tables and indexes if missing.
func Bootstrap(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS job_runs (
  run_id      TEXT PRIMARY KEY,
  slot        INTEGER NOT NULL,
  pid         INTEGER NOT NULL,
  name        TEXT NOT NULL,
  argv        JSON NOT NULL,
  started_at  TEXT NOT NULL,
  exited_at   TEXT,
  exit_code   INTEGER,
  last_signal TEXT
);`,
		`CREATE TABLE IF NOT EXISTS job_output (
  run_id TEXT NOT NULL REFERENCES job_runs(run_id),
  stream TEXT NOT NULL,
  data   BLOB NOT NULL,
  at     TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS job_runs_started_at_idx ON job_runs(started_at);`,
		`CREATE INDEX IF NOT EXISTS job_output_run_id_idx ON job_output(run_id);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap journal schema: %w", err)
		}
	}
	return nil
}
