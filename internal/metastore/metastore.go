// Package metastore centralises the SQLite runtime database.  Overlay,
// share, and session stores all run against the one file under
// <storage_root>/runtime/meta.sqlite3; they hold no state beyond the
// shared *sqlx.DB this package hands out.
//
// Public entry points:
//
//	Open(path)                    – opens (and migrates) with pool defaults.
//	OpenWithOptions(path, o, i)   – fine-grained pool control.
//
// Both helpers Ping and run the idempotent schema bootstrap before
// returning, so callers can fail fast during boot.  Callers should
// Close() the returned *sqlx.DB when no longer needed.
package metastore

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// schema is applied on every open.  All statements are idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS overrides (
		route_id       TEXT NOT NULL,
		row_key        TEXT NOT NULL,
		column_name    TEXT NOT NULL,
		value_json     TEXT NOT NULL,
		reason         TEXT,
		author         TEXT,
		author_user_id TEXT,
		created_at     TIMESTAMP NOT NULL,
		updated_at     TIMESTAMP NOT NULL,
		PRIMARY KEY (route_id, row_key, column_name)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_overrides_route ON overrides (route_id)`,

	`CREATE TABLE IF NOT EXISTS shares (
		token_hash      TEXT PRIMARY KEY,
		route_id        TEXT NOT NULL,
		params_json     TEXT NOT NULL,
		format          TEXT NOT NULL,
		created_at      TIMESTAMP NOT NULL,
		expires_at      TIMESTAMP NOT NULL,
		created_by_hash TEXT,
		user_agent_hash TEXT,
		ip_prefix       TEXT,
		max_uses        INTEGER NOT NULL,
		uses            INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_shares_expiry ON shares (expires_at)`,

	`CREATE TABLE IF NOT EXISTS sessions (
		token_hash   TEXT PRIMARY KEY,
		email        TEXT NOT NULL,
		email_hash   TEXT NOT NULL,
		display_name TEXT,
		created_at   TIMESTAMP NOT NULL,
		expires_at   TIMESTAMP NOT NULL,
		user_agent   TEXT,
		ip_prefix    TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_expiry ON sessions (expires_at)`,
}

// Open returns a migrated *sqlx.DB with sane defaults: 8 max open, 2
// idle, 30-minute connection lifetime.
func Open(path string) (*sqlx.DB, error) {
	return OpenWithOptions(path, 8, 2)
}

// OpenWithOptions lets callers tune maxOpen and maxIdle per pool.  The
// database runs in WAL mode with foreign keys on and a five-second
// busy timeout, so concurrent readers never block on the writer.
func OpenWithOptions(path string, maxOpen, maxIdle int) (*sqlx.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("runtime dir: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000&_loc=UTC", path)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("meta schema: %w", err)
		}
	}
	return db, nil
}
