// internal/tab/tab_test.go
//
// Unit-tests for the columnar table and its Arrow bridge.
//
// Run: go test ./internal/tab -v

package tab

import (
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
)

func sampleTable() *Table {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return New(
		Column{Name: "name", Type: String, Values: []any{"a", "b", nil}},
		Column{Name: "n", Type: Int, Values: []any{int64(1), nil, int64(3)}},
		Column{Name: "score", Type: Float, Values: []any{1.5, 2.5, nil}},
		Column{Name: "ok", Type: Bool, Values: []any{true, nil, false}},
		Column{Name: "at", Type: Time, Values: []any{ts, nil, ts.Add(time.Hour)}},
	)
}

func TestSliceCopiesBacking(t *testing.T) {
	tbl := sampleTable()
	s := tbl.Slice(0, 2)
	if s.NumRows() != 2 {
		t.Fatalf("slice rows = %d, want 2", s.NumRows())
	}
	s.SetCell(0, 0, "mutated")
	if tbl.Cell(0, 0) != "a" {
		t.Fatalf("mutating a slice leaked into the source table")
	}
}

func TestSliceBounds(t *testing.T) {
	tbl := sampleTable()
	if got := tbl.Slice(10, 5).NumRows(); got != 0 {
		t.Fatalf("offset past end: rows = %d, want 0", got)
	}
	if got := tbl.Slice(0, 0).NumRows(); got != 0 {
		t.Fatalf("limit 0: rows = %d, want 0", got)
	}
	if got := tbl.Slice(1, -1).NumRows(); got != 2 {
		t.Fatalf("negative limit: rows = %d, want 2", got)
	}
}

func TestFilterRows(t *testing.T) {
	tbl := sampleTable()
	got := tbl.FilterRows(func(row int) bool { return tbl.Cell(row, 0) == "b" })
	if got.NumRows() != 1 || got.Cell(0, 1) != nil {
		t.Fatalf("filtered table wrong: rows=%d cell=%v", got.NumRows(), got.Cell(0, 1))
	}
}

func TestArrowRoundTrip(t *testing.T) {
	tbl := sampleTable()

	rec, err := tbl.Record(memory.DefaultAllocator)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	defer rec.Release()

	back, err := FromRecord(rec)
	if err != nil {
		t.Fatalf("FromRecord: %v", err)
	}

	if back.NumRows() != tbl.NumRows() || back.NumCols() != tbl.NumCols() {
		t.Fatalf("shape changed: %dx%d vs %dx%d",
			back.NumRows(), back.NumCols(), tbl.NumRows(), tbl.NumCols())
	}
	for c := range tbl.Cols {
		for r := 0; r < tbl.NumRows(); r++ {
			want, got := tbl.Cell(r, c), back.Cell(r, c)
			if wt, ok := want.(time.Time); ok {
				if got == nil || !got.(time.Time).Equal(wt) {
					t.Fatalf("col %s row %d: %v != %v", tbl.Cols[c].Name, r, got, want)
				}
				continue
			}
			if got != want {
				t.Fatalf("col %s row %d: %#v != %#v", tbl.Cols[c].Name, r, got, want)
			}
		}
	}
}

func TestSchemaRoundTrip(t *testing.T) {
	schema := sampleTable().Schema()

	encoded, err := MarshalSchema(schema)
	if err != nil {
		t.Fatalf("MarshalSchema: %v", err)
	}
	back, err := UnmarshalSchema(encoded)
	if err != nil {
		t.Fatalf("UnmarshalSchema: %v", err)
	}
	if !schema.Equal(back) {
		t.Fatalf("schema changed across IPC round-trip:\n%v\nvs\n%v", schema, back)
	}
}

func TestAppendTableSchemaMismatch(t *testing.T) {
	a := New(Column{Name: "x", Type: Int, Values: []any{int64(1)}})
	b := New(Column{Name: "x", Type: String, Values: []any{"1"}})
	if err := a.AppendTable(b); err == nil {
		t.Fatalf("expected schema mismatch error")
	}
}
