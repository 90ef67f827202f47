// internal/tab/tab.go
//
// In-memory columnar table.
//
// Context
// -------
// Result data moves between the SQL engine, the page cache, the overlay
// store, and the response encoders.  All of them speak this one shape: a
// list of named, typed columns whose values are Go scalars (nil = NULL).
// Five value types cover everything a route can produce; the engine maps
// driver values into them, and the Arrow bridge in arrow.go maps them
// onto Parquet and IPC without loss.
//
// Tables are cheap to build row-wise and column-wise.  Slice copies the
// backing slices, so callers may mutate a slice (overlay application
// does) without corrupting cached batches.
//
// Notes
// -----
// • Time values are always UTC.
// • Oxford commas, two spaces after periods.
package tab

import (
	"fmt"
	"time"
)

// Type enumerates column value types.
type Type int

const (
	String Type = iota
	Int
	Float
	Bool
	Time
)

// String renders the lowercase type name used in manifests and logs.
func (t Type) String() string {
	switch t {
	case String:
		return "string"
	case Int:
		return "int"
	case Float:
		return "float"
	case Bool:
		return "bool"
	case Time:
		return "time"
	}
	return "unknown"
}

// Column is one named column.  Values holds nil for NULL, otherwise a
// scalar of the Go type implied by Type (string, int64, float64, bool,
// or time.Time).
type Column struct {
	Name   string
	Type   Type
	Values []any
}

// Table is an ordered set of equal-length columns.
type Table struct {
	Cols []Column
}

// New builds a table; columns must already be equal length.
func New(cols ...Column) *Table { return &Table{Cols: cols} }

// NumRows returns the row count (zero for an empty table).
func (t *Table) NumRows() int {
	if t == nil || len(t.Cols) == 0 {
		return 0
	}
	return len(t.Cols[0].Values)
}

// NumCols returns the column count.
func (t *Table) NumCols() int {
	if t == nil {
		return 0
	}
	return len(t.Cols)
}

// ColIndex returns the position of the named column, or -1.
func (t *Table) ColIndex(name string) int {
	for i := range t.Cols {
		if t.Cols[i].Name == name {
			return i
		}
	}
	return -1
}

// ColNames returns the column names in declaration order.
func (t *Table) ColNames() []string {
	names := make([]string, len(t.Cols))
	for i := range t.Cols {
		names[i] = t.Cols[i].Name
	}
	return names
}

// Cell returns the value at (row, col).
func (t *Table) Cell(row, col int) any { return t.Cols[col].Values[row] }

// SetCell replaces the value at (row, col).
func (t *Table) SetCell(row, col int, v any) { t.Cols[col].Values[row] = v }

// Row copies one row into a fresh slice, column order.
func (t *Table) Row(row int) []any {
	out := make([]any, len(t.Cols))
	for i := range t.Cols {
		out[i] = t.Cols[i].Values[row]
	}
	return out
}

// AppendRow appends one row; vals must match the column count.
func (t *Table) AppendRow(vals []any) error {
	if len(vals) != len(t.Cols) {
		return fmt.Errorf("row has %d values, table has %d columns", len(vals), len(t.Cols))
	}
	for i := range t.Cols {
		t.Cols[i].Values = append(t.Cols[i].Values, vals[i])
	}
	return nil
}

// AppendTable concatenates other's rows onto t.  Schemas must agree in
// name, order, and type.
func (t *Table) AppendTable(other *Table) error {
	if other == nil || other.NumRows() == 0 {
		return nil
	}
	if len(t.Cols) != len(other.Cols) {
		return fmt.Errorf("column count mismatch: %d vs %d", len(t.Cols), len(other.Cols))
	}
	for i := range t.Cols {
		if t.Cols[i].Name != other.Cols[i].Name || t.Cols[i].Type != other.Cols[i].Type {
			return fmt.Errorf("column %d mismatch: %s/%s vs %s/%s",
				i, t.Cols[i].Name, t.Cols[i].Type, other.Cols[i].Name, other.Cols[i].Type)
		}
		t.Cols[i].Values = append(t.Cols[i].Values, other.Cols[i].Values...)
	}
	return nil
}

// Slice returns rows [offset, offset+limit) as a new table with copied
// backing slices.  Out-of-range offsets yield an empty table with the
// same schema; limit < 0 means "to the end".
func (t *Table) Slice(offset, limit int) *Table {
	n := t.NumRows()
	if offset < 0 {
		offset = 0
	}
	if offset > n {
		offset = n
	}
	end := n
	if limit >= 0 && offset+limit < n {
		end = offset + limit
	}

	out := &Table{Cols: make([]Column, len(t.Cols))}
	for i := range t.Cols {
		vals := make([]any, end-offset)
		copy(vals, t.Cols[i].Values[offset:end])
		out.Cols[i] = Column{Name: t.Cols[i].Name, Type: t.Cols[i].Type, Values: vals}
	}
	return out
}

// Empty returns a zero-row table with t's schema.
func (t *Table) Empty() *Table { return t.Slice(0, 0) }

// FilterRows returns a new table containing only rows for which keep
// returns true.  Row indices refer to t.
func (t *Table) FilterRows(keep func(row int) bool) *Table {
	out := &Table{Cols: make([]Column, len(t.Cols))}
	for i := range t.Cols {
		out.Cols[i] = Column{Name: t.Cols[i].Name, Type: t.Cols[i].Type}
	}
	for r := 0; r < t.NumRows(); r++ {
		if !keep(r) {
			continue
		}
		for i := range t.Cols {
			out.Cols[i].Values = append(out.Cols[i].Values, t.Cols[i].Values[r])
		}
	}
	return out
}

// TypeOfValue infers the column type for a Go scalar.  Used by the
// engine when the driver reports no useful type metadata.
func TypeOfValue(v any) (Type, bool) {
	switch v.(type) {
	case string, []byte:
		return String, true
	case int64, int32, int:
		return Int, true
	case float64, float32:
		return Float, true
	case bool:
		return Bool, true
	case time.Time:
		return Time, true
	}
	return String, false
}
