// internal/overlay/overlay_test.go
//
// Unit-tests for the override store using sqlmock, plus pure tests for
// row keys and table application.
//
// Run: go test ./internal/overlay -v

package overlay

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/yanizio/querydeck/internal/tab"
)

func sampleTime() time.Time {
	return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
}

func mockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return sqlx.NewDb(db, "sqlite3"), mock
}

func TestUpsert(t *testing.T) {
	db, mock := mockDB(t)
	store := NewStore(db)

	mock.ExpectExec(regexp.QuoteMeta(
		`INSERT INTO overrides (route_id, row_key, column_name, value_json, reason, author, author_user_id, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT (route_id, row_key, column_name) DO UPDATE SET value_json = excluded.value_json, reason = excluded.reason, author = excluded.author, author_user_id = excluded.author_user_id, updated_at = excluded.updated_at`,
	)).
		WithArgs("greet", "abc123", "note", `"hi"`, nil, nil, nil,
			sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := store.Upsert(context.Background(), "greet", "abc123", "note", "hi", nil, nil, nil); err != nil {
		t.Fatalf("Upsert error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet SQL expectations: %v", err)
	}
}

func TestRemove(t *testing.T) {
	db, mock := mockDB(t)
	store := NewStore(db)

	mock.ExpectExec(regexp.QuoteMeta(
		`DELETE FROM overrides WHERE route_id = ? AND row_key = ? AND column_name = ?`,
	)).
		WithArgs("greet", "abc123", "note").
		WillReturnResult(sqlmock.NewResult(0, 1))

	removed, err := store.Remove(context.Background(), "greet", "abc123", "note")
	if err != nil {
		t.Fatalf("Remove error: %v", err)
	}
	if !removed {
		t.Fatal("expected removed = true")
	}

	mock.ExpectExec(regexp.QuoteMeta(
		`DELETE FROM overrides WHERE route_id = ? AND row_key = ? AND column_name = ?`,
	)).
		WithArgs("greet", "miss", "note").
		WillReturnResult(sqlmock.NewResult(0, 0))

	removed, err = store.Remove(context.Background(), "greet", "miss", "note")
	if err != nil {
		t.Fatalf("Remove error: %v", err)
	}
	if removed {
		t.Fatal("expected removed = false for missing record")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet SQL expectations: %v", err)
	}
}

func TestListForRoute(t *testing.T) {
	db, mock := mockDB(t)
	store := NewStore(db)

	cols := []string{"route_id", "row_key", "column_name", "value_json",
		"reason", "author", "author_user_id", "created_at", "updated_at"}
	mock.ExpectQuery(regexp.QuoteMeta(
		`SELECT route_id, row_key, column_name, value_json, reason, author, author_user_id, created_at, updated_at FROM overrides WHERE route_id = ? ORDER BY rowid`,
	)).
		WithArgs("greet").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("greet", "k1", "note", `"hi"`, nil, nil, nil, sampleTime(), sampleTime()).
			AddRow("greet", "k2", "note", `"yo"`, nil, nil, nil, sampleTime(), sampleTime()))

	got, err := store.ListForRoute(context.Background(), "greet")
	if err != nil {
		t.Fatalf("ListForRoute error: %v", err)
	}
	if len(got) != 2 || got[0].RowKey != "k1" || got[1].RowKey != "k2" {
		t.Fatalf("unexpected result: %#v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet SQL expectations: %v", err)
	}
}

func TestRowKeyDeterminism(t *testing.T) {
	a := RowKey([]any{"Hello, world", int64(1)})
	b := RowKey([]any{"Hello, world", int64(1)})
	if a != b {
		t.Fatal("identical inputs produced different keys")
	}
	if a == RowKey([]any{int64(1), "Hello, world"}) {
		t.Fatal("key is not order-sensitive")
	}
	// Length prefixing keeps adjacent strings from merging.
	if RowKey([]any{"ab", "c"}) == RowKey([]any{"a", "bc"}) {
		t.Fatal("boundary collision between adjacent values")
	}
	// JSON numbers (float64) and engine integers (int64) must agree.
	if RowKey([]any{float64(5)}) != RowKey([]any{int64(5)}) {
		t.Fatal("numeric encodings disagree across write and apply paths")
	}
	if len(a) != rowKeyLen {
		t.Fatalf("key length = %d", len(a))
	}
}

func TestApply(t *testing.T) {
	tbl := &tab.Table{Cols: []tab.Column{
		{Name: "g", Type: tab.String, Values: []any{"Hello, world", "Hi there"}},
		{Name: "note", Type: tab.String, Values: []any{nil, nil}},
		{Name: "n", Type: tab.Int, Values: []any{int64(1), int64(2)}},
	}}

	key, ok := RowKeyFromTable(tbl, 0, []string{"g"})
	if !ok {
		t.Fatal("key column lookup failed")
	}
	records := []Record{
		{RouteID: "greet", RowKey: key, Column: "note", ValueJSON: `"hi"`},
		{RouteID: "greet", RowKey: key, Column: "n", ValueJSON: `7`},
		{RouteID: "greet", RowKey: "no-such-row", Column: "note", ValueJSON: `"never"`},
	}

	got := Apply(tbl, []string{"g"}, records)
	if got.Cell(0, 1) != "hi" {
		t.Fatalf("note cell = %v", got.Cell(0, 1))
	}
	if got.Cell(0, 2) != int64(7) {
		t.Fatalf("n cell = %v", got.Cell(0, 2))
	}
	// The unmatched row passes through untouched.
	if got.Cell(1, 1) != nil || got.Cell(1, 2) != int64(2) {
		t.Fatalf("second row mutated: %v %v", got.Cell(1, 1), got.Cell(1, 2))
	}
}

func TestApplySkipsUncoercibleValues(t *testing.T) {
	tbl := &tab.Table{Cols: []tab.Column{
		{Name: "g", Type: tab.String, Values: []any{"x"}},
		{Name: "n", Type: tab.Int, Values: []any{int64(1)}},
	}}
	key, _ := RowKeyFromTable(tbl, 0, []string{"g"})

	got := Apply(tbl, []string{"g"}, []Record{
		{RouteID: "r", RowKey: key, Column: "n", ValueJSON: `1.5`},
	})
	if got.Cell(0, 1) != int64(1) {
		t.Fatalf("fractional override applied to int column: %v", got.Cell(0, 1))
	}
}

func TestApplyWithoutKeyColumn(t *testing.T) {
	tbl := &tab.Table{Cols: []tab.Column{
		{Name: "a", Type: tab.String, Values: []any{"x"}},
	}}
	got := Apply(tbl, []string{"missing"}, []Record{
		{RouteID: "r", RowKey: "k", Column: "a", ValueJSON: `"v"`},
	})
	if got.Cell(0, 0) != "x" {
		t.Fatal("table mutated despite missing key column")
	}
}
