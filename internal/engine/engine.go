// internal/engine/engine.go
//
// Embedded DuckDB engine.
//
// Context
// -------
// One process owns one DuckDB database (in-memory by default, file-backed
// when `engine.path` is set).  Requests never share connections: the
// executor acquires a Session bound to a single *sql.Conn, registers any
// dependency relations on it, runs exactly one query, and releases it.
// Temporary tables and views are connection-scoped in DuckDB, so two
// concurrent requests can both register an alias `base` without seeing
// each other.
//
// Boot applies the Parquet extension plus a couple of engine pragmas,
// then any operator-supplied statements from `engine.boot_sql`.
//
// Notes
// -----
// • Acquire counts connections; the cache-reuse tests assert on it.
// • Oxford commas, two spaces after periods.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	_ "github.com/marcboeker/go-duckdb/v2"
	"go.uber.org/zap"

	"github.com/yanizio/querydeck/internal/metrics"
)

// Engine wraps the process-wide DuckDB handle.
type Engine struct {
	db       *sql.DB
	connects atomic.Int64
}

// Open connects to DuckDB at path ("" = in-memory), applies bootstrap
// statements, and verifies the handle with a Ping.
func Open(path string, maxConns int, bootSQL []string) (*Engine, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping duckdb: %w", err)
	}

	if maxConns <= 0 {
		maxConns = 8
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)
	db.SetConnMaxLifetime(time.Hour)

	for _, stmt := range []string{
		"INSTALL parquet",
		"LOAD parquet",
		"SET enable_progress_bar = false",
		"SET enable_object_cache = true",
	} {
		if _, err := db.Exec(stmt); err != nil {
			// Extensions may be statically linked; a failed INSTALL is
			// informational, a failed LOAD is not.
			zap.S().Debugw("engine bootstrap statement failed", "stmt", stmt, "err", err)
		}
	}
	for _, stmt := range bootSQL {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("engine boot_sql %q: %w", stmt, err)
		}
	}

	return &Engine{db: db}, nil
}

// Close releases the database handle.
func (e *Engine) Close() error { return e.db.Close() }

// Connects reports how many sessions have been acquired since Open.
func (e *Engine) Connects() int64 { return e.connects.Load() }

// Acquire returns a Session pinned to one fresh connection.  The caller
// must Close it.
func (e *Engine) Acquire(ctx context.Context) (*Session, error) {
	conn, err := e.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire engine connection: %w", err)
	}
	e.connects.Add(1)
	metrics.EngineConnectsTotal.Inc()
	return &Session{conn: conn}, nil
}

/*──────────────────────────── SQL helpers ─────────────────────────────────*/

// quoteIdent quotes an identifier, doubling embedded quotes.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// quoteString single-quotes a literal, doubling embedded quotes.
func quoteString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
