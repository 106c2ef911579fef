// Package storage owns the kernel's durable sqlite store. Only audit
// entries, capability revocations, and the redaction salt survive a
// restart; objects and transactions are process-local.
package storage

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store wraps the sqlite database. All access is serialized through a
// single connection; the audit writer owns its rows exclusively.
type Store struct {
	db   *sql.DB
	path string
}

const schema = `
CREATE TABLE IF NOT EXISTS entries (
	id TEXT PRIMARY KEY,
	ts REAL NOT NULL,
	principal TEXT NOT NULL,
	op TEXT NOT NULL,
	object TEXT,
	args BLOB NOT NULL,
	result TEXT NOT NULL,
	error_kind TEXT,
	tx_id TEXT,
	cp_id TEXT,
	provenance TEXT NOT NULL,
	risk_tier TEXT,
	prev_id TEXT
);
CREATE INDEX IF NOT EXISTS idx_entries_principal_ts ON entries(principal, ts);
CREATE INDEX IF NOT EXISTS idx_entries_op ON entries(op);
CREATE INDEX IF NOT EXISTS idx_entries_tx ON entries(tx_id);

CREATE TABLE IF NOT EXISTS revocations (
	cap_id TEXT PRIMARY KEY,
	principal TEXT NOT NULL,
	operation TEXT NOT NULL DEFAULT '',
	resource TEXT NOT NULL DEFAULT '',
	granted_by TEXT NOT NULL DEFAULT '',
	scope TEXT NOT NULL DEFAULT '',
	revoked_at REAL NOT NULL,
	reason TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_revocations_principal ON revocations(principal);

CREATE TABLE IF NOT EXISTS kernel_meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// Open opens (creating if needed) the store at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}
	// A single connection keeps the writer serialized and makes the
	// in-memory DSN behave as one database.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate store %s: %w", path, err)
	}
	return &Store{db: db, path: path}, nil
}

// OpenMemory opens an ephemeral in-memory store (tests, dry runs).
func OpenMemory() (*Store, error) {
	return Open(":memory:")
}

// Path returns the database path.
func (s *Store) Path() string { return s.path }

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Salt returns the process-redaction salt, creating and persisting one
// on first use. The salt never leaves the store except to the redactor.
func (s *Store) Salt() (string, error) {
	var salt string
	err := s.db.QueryRow(`SELECT value FROM kernel_meta WHERE key = 'redaction_salt'`).Scan(&salt)
	if err == nil {
		return salt, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("load salt: %w", err)
	}

	salt = strings.ReplaceAll(uuid.New().String(), "-", "")
	if _, err := s.db.Exec(
		`INSERT INTO kernel_meta (key, value) VALUES ('redaction_salt', ?)`, salt,
	); err != nil {
		return "", fmt.Errorf("persist salt: %w", err)
	}
	return salt, nil
}
