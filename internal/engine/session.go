// internal/engine/session.go
//
// Per-request engine session: relation registration and querying.
//
// Context
// -------
// A Session wraps one *sql.Conn.  Dependency results are registered as
// TEMPORARY tables (mode=relation) or TEMPORARY views over Parquet
// files (mode=parquet_path); both vanish when the connection closes.
// Query returns a streaming batch iterator so materialisation never
// holds a full result set in memory.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"strings"
	"time"

	duckdb "github.com/marcboeker/go-duckdb/v2"

	"github.com/yanizio/querydeck/internal/tab"
)

// insertChunkRows bounds multi-row INSERT statements when registering
// relations.
const insertChunkRows = 200

// Session is one pinned connection.  Not safe for concurrent use.
type Session struct {
	conn *sql.Conn
}

// Close releases the underlying connection back to the pool, dropping
// all temporary relations registered on it.
func (s *Session) Close() error { return s.conn.Close() }

// Exec runs one statement on the pinned connection.
func (s *Session) Exec(ctx context.Context, query string, args ...any) error {
	_, err := s.conn.ExecContext(ctx, query, args...)
	return err
}

// RegisterTable materialises t as a TEMPORARY table named alias on this
// session's connection.
func (s *Session) RegisterTable(ctx context.Context, alias string, t *tab.Table) error {
	cols := make([]string, len(t.Cols))
	for i, c := range t.Cols {
		cols[i] = quoteIdent(c.Name) + " " + sqlTypeOf(c.Type)
	}
	create := fmt.Sprintf("CREATE OR REPLACE TEMPORARY TABLE %s (%s)",
		quoteIdent(alias), strings.Join(cols, ", "))
	if err := s.Exec(ctx, create); err != nil {
		return fmt.Errorf("register relation %s: %w", alias, err)
	}

	n := t.NumRows()
	if n == 0 {
		return nil
	}

	placeholderRow := "(" + strings.TrimSuffix(strings.Repeat("?,", len(t.Cols)), ",") + ")"
	for start := 0; start < n; start += insertChunkRows {
		end := start + insertChunkRows
		if end > n {
			end = n
		}
		rows := make([]string, end-start)
		args := make([]any, 0, (end-start)*len(t.Cols))
		for r := start; r < end; r++ {
			rows[r-start] = placeholderRow
			for c := range t.Cols {
				args = append(args, t.Cell(r, c))
			}
		}
		insert := fmt.Sprintf("INSERT INTO %s VALUES %s", quoteIdent(alias), strings.Join(rows, ","))
		if _, err := s.conn.ExecContext(ctx, insert, args...); err != nil {
			return fmt.Errorf("populate relation %s: %w", alias, err)
		}
	}
	return nil
}

// RegisterParquetView exposes the given Parquet files as a TEMPORARY
// view named alias, preserving file order.
func (s *Session) RegisterParquetView(ctx context.Context, alias string, files []string) error {
	if len(files) == 0 {
		return fmt.Errorf("register view %s: no files", alias)
	}
	quoted := make([]string, len(files))
	for i, f := range files {
		quoted[i] = quoteString(f)
	}
	view := fmt.Sprintf(
		"CREATE OR REPLACE TEMPORARY VIEW %s AS SELECT * FROM read_parquet([%s])",
		quoteIdent(alias), strings.Join(quoted, ", "))
	if err := s.Exec(ctx, view); err != nil {
		return fmt.Errorf("register view %s: %w", alias, err)
	}
	return nil
}

// Query executes bindSQL with positional args and returns the batch
// iterator.  The iterator owns the sql.Rows and must be Closed.
func (s *Session) Query(ctx context.Context, bindSQL string, args []any) (*Rows, error) {
	rows, err := s.conn.QueryContext(ctx, bindSQL, args...)
	if err != nil {
		return nil, err
	}

	colTypes, err := rows.ColumnTypes()
	if err != nil {
		rows.Close()
		return nil, err
	}

	schema := make([]tab.Column, len(colTypes))
	for i, ct := range colTypes {
		schema[i] = tab.Column{Name: ct.Name(), Type: tabTypeOf(ct.DatabaseTypeName())}
	}
	return &Rows{rows: rows, schema: schema}, nil
}

/*──────────────────────────── batch iterator ──────────────────────────────*/

// Rows streams query results as tab.Table batches.
type Rows struct {
	rows   *sql.Rows
	schema []tab.Column
	done   bool
}

// Schema returns a zero-row table carrying the result's column layout.
func (r *Rows) Schema() *tab.Table {
	cols := make([]tab.Column, len(r.schema))
	copy(cols, r.schema)
	return &tab.Table{Cols: cols}
}

// Close releases the underlying cursor.
func (r *Rows) Close() error { return r.rows.Close() }

// Next returns the next batch of up to limit rows.  (nil, nil) signals
// exhaustion.
func (r *Rows) Next(limit int) (*tab.Table, error) {
	if r.done {
		return nil, nil
	}
	if limit <= 0 {
		limit = 4096
	}

	batch := r.Schema()
	raw := make([]any, len(r.schema))
	ptrs := make([]any, len(r.schema))
	for i := range raw {
		ptrs[i] = &raw[i]
	}

	for batch.NumRows() < limit {
		if !r.rows.Next() {
			r.done = true
			if err := r.rows.Err(); err != nil {
				return nil, err
			}
			break
		}
		if err := r.rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		vals := make([]any, len(raw))
		for i, v := range raw {
			vals[i] = normalizeValue(v, r.schema[i].Type)
		}
		if err := batch.AppendRow(vals); err != nil {
			return nil, err
		}
	}

	if batch.NumRows() == 0 {
		return nil, nil
	}
	return batch, nil
}

/*──────────────────────────── type mapping ────────────────────────────────*/

// sqlTypeOf maps a tab type onto the DuckDB column type used when
// registering relations.
func sqlTypeOf(t tab.Type) string {
	switch t {
	case tab.Bool:
		return "BOOLEAN"
	case tab.Int:
		return "BIGINT"
	case tab.Float:
		return "DOUBLE"
	case tab.Time:
		return "TIMESTAMP"
	default:
		return "VARCHAR"
	}
}

// tabTypeOf maps a DuckDB DatabaseTypeName onto a tab type.  Unknowns
// degrade to String.
func tabTypeOf(dbType string) tab.Type {
	up := strings.ToUpper(dbType)
	switch {
	case up == "BOOLEAN":
		return tab.Bool
	case up == "TINYINT", up == "SMALLINT", up == "INTEGER", up == "BIGINT",
		up == "HUGEINT", up == "UTINYINT", up == "USMALLINT", up == "UINTEGER", up == "UBIGINT":
		return tab.Int
	case up == "FLOAT", up == "DOUBLE", up == "REAL", strings.HasPrefix(up, "DECIMAL"):
		return tab.Float
	case up == "DATE", strings.HasPrefix(up, "TIMESTAMP"):
		return tab.Time
	default:
		return tab.String
	}
}

// normalizeValue folds driver values into the five tab scalars.  The
// declared column type wins; lossy surprises degrade to strings rather
// than failing the whole batch.
func normalizeValue(v any, want tab.Type) any {
	if v == nil {
		return nil
	}
	switch val := v.(type) {
	case int64:
		if want == tab.Float {
			return float64(val)
		}
		return val
	case int32:
		return int64(val)
	case int16:
		return int64(val)
	case int8:
		return int64(val)
	case int:
		return int64(val)
	case uint64:
		return int64(val)
	case uint32:
		return int64(val)
	case uint16:
		return int64(val)
	case uint8:
		return int64(val)
	case float64:
		return val
	case float32:
		return float64(val)
	case bool:
		return val
	case string:
		return val
	case []byte:
		return string(val)
	case time.Time:
		return val.UTC()
	case *big.Int:
		if val.IsInt64() {
			return val.Int64()
		}
		return val.String()
	case duckdb.Decimal:
		return val.Float64()
	default:
		return fmt.Sprint(val)
	}
}
