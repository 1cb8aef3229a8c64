// Package sqlitestore implements the durable request store on SQLite.
// It owns the request, batch, state history, and log tables and is the
// record the in-memory layers rebuild from after a restart.
package sqlitestore

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/bindery-io/bindery/internal/boundaries/out"
)

// Ensure Store implements out.RequestStore.
var _ out.RequestStore = (*Store)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS batches (
	id          TEXT PRIMARY KEY,
	annotations TEXT NOT NULL DEFAULT '{}',
	created     INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS requests (
	id                    TEXT PRIMARY KEY,
	batch_id              TEXT NOT NULL REFERENCES batches(id) ON DELETE CASCADE,
	position              INTEGER NOT NULL DEFAULT 0,
	kind                  TEXT NOT NULL,
	target                TEXT NOT NULL,
	lock_key              TEXT NOT NULL,
	architecture          TEXT NOT NULL DEFAULT '',
	params                TEXT NOT NULL,
	state                 TEXT NOT NULL,
	state_reason          TEXT NOT NULL DEFAULT '',
	from_index_resolved   TEXT NOT NULL DEFAULT '',
	binary_image_resolved TEXT NOT NULL DEFAULT '',
	result                TEXT,
	created               INTEGER NOT NULL,
	updated               INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_requests_state_created ON requests(state, created);
CREATE INDEX IF NOT EXISTS idx_requests_batch ON requests(batch_id, position);
CREATE INDEX IF NOT EXISTS idx_requests_kind_target ON requests(kind, target);

CREATE TABLE IF NOT EXISTS request_states (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	request_id TEXT NOT NULL REFERENCES requests(id) ON DELETE CASCADE,
	state      TEXT NOT NULL,
	reason     TEXT NOT NULL,
	updated    INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_request_states_request ON request_states(request_id, id);

CREATE TABLE IF NOT EXISTS request_logs (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	request_id TEXT NOT NULL REFERENCES requests(id) ON DELETE CASCADE,
	line       TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_request_logs_request ON request_logs(request_id, id);
`

// Store is the SQLite-backed request store.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and bootstraps the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// modernc.org/sqlite allows one writer; a single connection avoids
	// SQLITE_BUSY between the workers, the sweeper, and the API.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to bootstrap schema: %w", err)
	}

	log.Debug().Str("path", path).Msg("Request store initialized")
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
