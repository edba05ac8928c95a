// Package store is the relational persistence layer for licenses, devices,
// owner profiles, sessions, and the audit trail. It is backed by SQLite.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS profiles (
	id             TEXT PRIMARY KEY,
	email          TEXT NOT NULL UNIQUE,
	password_hash  TEXT NOT NULL DEFAULT '',
	role           TEXT NOT NULL DEFAULT 'user',
	status         TEXT NOT NULL DEFAULT 'active',
	email_verified INTEGER NOT NULL DEFAULT 0,
	created_at     TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS licenses (
	id           TEXT PRIMARY KEY,
	user_id      TEXT NOT NULL REFERENCES profiles(id),
	license_key  TEXT NOT NULL UNIQUE,
	license_type TEXT NOT NULL DEFAULT 'standard',
	status       TEXT NOT NULL DEFAULT 'active',
	activated_at TIMESTAMP,
	expires_at   TIMESTAMP NOT NULL,
	max_devices  INTEGER NOT NULL DEFAULT 3,
	created_at   TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS license_devices (
	id                 TEXT PRIMARY KEY,
	license_id         TEXT NOT NULL REFERENCES licenses(id) ON DELETE CASCADE,
	device_fingerprint TEXT NOT NULL,
	device_name        TEXT NOT NULL DEFAULT '',
	activated_at       TIMESTAMP NOT NULL,
	last_seen_at       TIMESTAMP NOT NULL,
	UNIQUE(license_id, device_fingerprint)
);

CREATE TABLE IF NOT EXISTS audit_log (
	id          TEXT PRIMARY KEY,
	event_type  TEXT NOT NULL,
	user_id     TEXT,
	ip          TEXT,
	user_agent  TEXT,
	payload     TEXT,
	success     INTEGER NOT NULL,
	error       TEXT,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	created_at  TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_user_event ON audit_log(user_id, event_type, created_at);

CREATE TABLE IF NOT EXISTS sessions (
	token_hash TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL REFERENCES profiles(id),
	created_at TIMESTAMP NOT NULL,
	expires_at TIMESTAMP NOT NULL
);
`

// Open opens (creating if needed) the SQLite database at path and applies
// the schema.
func Open(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("mkdir db dir: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return db, nil
}

// OpenInMemory opens a throwaway in-memory database, for tests.
func OpenInMemory() (*sql.DB, error) {
	db, err := sql.Open("sqlite", "file::memory:?_pragma=foreign_keys(1)")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return db, nil
}
