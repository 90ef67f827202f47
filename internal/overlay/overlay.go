// internal/overlay/overlay.go
//
// Cell-level override store.
//
// Context
// -------
// An override pins one cell of one logical row of a route's result to a
// fixed value.  Rows are addressed by row_key, a deterministic hash of
// the route's declared key columns, so overrides survive re-ordering
// and re-materialisation of the underlying data.  Records live in the
// shared runtime SQLite database; Apply stamps them onto a result table
// after the cache or engine has produced it.
//
// Notes
// -----
// • Key hashing and cell matching use the same canonical value
//   encoding as the cache's invariant tokens, so "5" the JSON number
//   and 5 the BIGINT land on the same row_key.
// • Oxford commas, two spaces after periods.
package overlay

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/yanizio/querydeck/internal/cache"
	"github.com/yanizio/querydeck/internal/tab"
)

// Record is one stored override.
type Record struct {
	RouteID      string    `db:"route_id"`
	RowKey       string    `db:"row_key"`
	Column       string    `db:"column_name"`
	ValueJSON    string    `db:"value_json"`
	Reason       *string   `db:"reason"`
	Author       *string   `db:"author"`
	AuthorUserID *string   `db:"author_user_id"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

// Value decodes the stored JSON value.
func (r *Record) Value() (any, error) {
	var v any
	if err := json.Unmarshal([]byte(r.ValueJSON), &v); err != nil {
		return nil, fmt.Errorf("override value: %w", err)
	}
	return v, nil
}

// Store persists overrides in the shared runtime database.
type Store struct {
	db *sqlx.DB
}

// NewStore wraps the shared meta database.
func NewStore(db *sqlx.DB) *Store { return &Store{db: db} }

// Upsert sets or replaces the record for (route_id, row_key, column).
// created_at is kept from the first write; updated_at always moves.
func (s *Store) Upsert(ctx context.Context, routeID, rowKey, column string, value any, reason, author, authorUserID *string) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode override: %w", err)
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO overrides (route_id, row_key, column_name, value_json, reason, author, author_user_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (route_id, row_key, column_name) DO UPDATE SET
		   value_json = excluded.value_json,
		   reason = excluded.reason,
		   author = excluded.author,
		   author_user_id = excluded.author_user_id,
		   updated_at = excluded.updated_at`,
		routeID, rowKey, column, string(raw), reason, author, authorUserID, now, now)
	return err
}

// Remove deletes one record, reporting whether it existed.
func (s *Store) Remove(ctx context.Context, routeID, rowKey, column string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM overrides WHERE route_id = ? AND row_key = ? AND column_name = ?`,
		routeID, rowKey, column)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListForRoute returns the route's records in insertion order.
func (s *Store) ListForRoute(ctx context.Context, routeID string) ([]Record, error) {
	var out []Record
	err := s.db.SelectContext(ctx, &out,
		`SELECT route_id, row_key, column_name, value_json, reason, author, author_user_id, created_at, updated_at
		 FROM overrides WHERE route_id = ? ORDER BY rowid`, routeID)
	return out, err
}

/*──────────────────────────── row keys ────────────────────────────────────*/

// rowKeyLen is the hex length kept from the digest.
const rowKeyLen = 32

// RowKey hashes the key-column values of one logical row.  The hash is
// order-sensitive and length-prefixed, so ("ab","c") and ("a","bc")
// cannot collide.
func RowKey(values []any) string {
	h := sha256.New()
	for _, v := range values {
		tok := cache.Token(v, false)
		fmt.Fprintf(h, "%d:", len(tok))
		h.Write([]byte(tok))
	}
	return hex.EncodeToString(h.Sum(nil))[:rowKeyLen]
}

// RowKeyFromTable computes the key for one table row given the declared
// key columns.  The second result is false when a key column is absent.
func RowKeyFromTable(t *tab.Table, row int, keyColumns []string) (string, bool) {
	values := make([]any, len(keyColumns))
	for i, name := range keyColumns {
		ci := t.ColIndex(name)
		if ci < 0 {
			return "", false
		}
		values[i] = t.Cell(row, ci)
	}
	return RowKey(values), true
}

/*──────────────────────────── application ─────────────────────────────────*/

// Apply stamps matching records onto t in place and returns it.  Rows
// without a matching key pass through untouched; records whose value
// cannot be coerced to the target column's type are skipped with a
// warning rather than failing the request.
func Apply(t *tab.Table, keyColumns []string, records []Record) *tab.Table {
	if len(records) == 0 || t.NumRows() == 0 || len(keyColumns) == 0 {
		return t
	}
	for _, name := range keyColumns {
		if t.ColIndex(name) < 0 {
			zap.S().Warnw("override key column missing from result", "column", name)
			return t
		}
	}

	byKey := make(map[string][]*Record, len(records))
	for i := range records {
		byKey[records[i].RowKey] = append(byKey[records[i].RowKey], &records[i])
	}

	for r := 0; r < t.NumRows(); r++ {
		key, ok := RowKeyFromTable(t, r, keyColumns)
		if !ok {
			return t
		}
		for _, rec := range byKey[key] {
			ci := t.ColIndex(rec.Column)
			if ci < 0 {
				zap.S().Warnw("override targets unknown column",
					"route", rec.RouteID, "column", rec.Column)
				continue
			}
			raw, err := rec.Value()
			if err != nil {
				zap.S().Warnw("override value undecodable",
					"route", rec.RouteID, "row_key", rec.RowKey, "error", err)
				continue
			}
			v, err := coerceCell(raw, t.Cols[ci].Type)
			if err != nil {
				zap.S().Warnw("override value does not fit column",
					"route", rec.RouteID, "column", rec.Column, "error", err)
				continue
			}
			t.SetCell(r, ci, v)
		}
	}
	return t
}

// coerceCell fits a decoded JSON value into a table column.  JSON
// numbers arrive as float64 and need narrowing for integer columns.
func coerceCell(v any, want tab.Type) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch want {
	case tab.String:
		if s, ok := v.(string); ok {
			return s, nil
		}
		return cache.Sample(v), nil
	case tab.Int:
		switch n := v.(type) {
		case float64:
			if n != math.Trunc(n) {
				return nil, fmt.Errorf("%v is not integral", n)
			}
			return int64(n), nil
		case int64:
			return n, nil
		}
		return nil, fmt.Errorf("%T is not numeric", v)
	case tab.Float:
		switch n := v.(type) {
		case float64:
			return n, nil
		case int64:
			return float64(n), nil
		}
		return nil, fmt.Errorf("%T is not numeric", v)
	case tab.Bool:
		if b, ok := v.(bool); ok {
			return b, nil
		}
		return nil, fmt.Errorf("%T is not a bool", v)
	case tab.Time:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%T is not a timestamp", v)
		}
		ts, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return nil, err
		}
		return ts.UTC(), nil
	}
	return nil, fmt.Errorf("unhandled column type %v", want)
}
