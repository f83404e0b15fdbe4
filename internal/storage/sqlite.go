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

// OpenSQLite opens (and creates if needed) the daemon ledger at path and
// ensures required tables exist.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Basic health check + apply a few safe pragmas.
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(pctx, "PRAGMA foreign_keys = ON;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign_keys: %w", err)
	}
	if _, err := db.ExecContext(pctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates the ledger tables/indexes if missing. The
// daemons table is the pool's durable shadow: the reaper and the CLI read
// it when no live session is around to ask.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS daemons (
  daemon_id       TEXT PRIMARY KEY,
  session_id      TEXT NOT NULL,
  pid             INTEGER NOT NULL,
  fingerprint_key TEXT NOT NULL,
  log_level       TEXT NOT NULL,
  keep_alive      TEXT NOT NULL,
  state           TEXT NOT NULL,
  started_at      TEXT NOT NULL,
  last_used_at    TEXT,
  stopped_at      TEXT,
  stop_reason     TEXT
);`,
		`CREATE INDEX IF NOT EXISTS daemons_state_idx ON daemons(state);`,
		`CREATE INDEX IF NOT EXISTS daemons_session_state_idx ON daemons(session_id, state);`,
		`CREATE INDEX IF NOT EXISTS daemons_fingerprint_idx ON daemons(fingerprint_key);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
