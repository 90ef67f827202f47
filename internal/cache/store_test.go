// internal/cache/store_test.go
package cache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/yanizio/querydeck/internal/qerr"
	"github.com/yanizio/querydeck/internal/tab"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

// idTable builds a two-column table with ids 0..n-1 and the given c
// values (cycled).
func idTable(n int, cvals ...string) *tab.Table {
	ids := make([]any, n)
	cs := make([]any, n)
	for i := 0; i < n; i++ {
		ids[i] = int64(i)
		if len(cvals) > 0 {
			cs[i] = cvals[i%len(cvals)]
		}
	}
	cols := []tab.Column{{Name: "id", Type: tab.Int, Values: ids}}
	if len(cvals) > 0 {
		cols = append(cols, tab.Column{Name: "c", Type: tab.String, Values: cs})
	}
	return &tab.Table{Cols: cols}
}

func materialize(t *testing.T, s *Store, route, fp string, rpp int, invs []InvariantColumn, data *tab.Table) *Manifest {
	t.Helper()
	w, err := s.NewWriter(route, fp, rpp, invs, data.Empty())
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	if data.NumRows() > 0 {
		if err := w.Write(data); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	m, err := w.Commit()
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	return m
}

func ids(t *testing.T, tbl *tab.Table) []int64 {
	t.Helper()
	ci := tbl.ColIndex("id")
	if ci < 0 {
		t.Fatalf("no id column in %v", tbl.ColNames())
	}
	out := make([]int64, tbl.NumRows())
	for i := range out {
		out[i] = tbl.Cell(i, ci).(int64)
	}
	return out
}

func TestMaterializeAndSliceByOffset(t *testing.T) {
	s := newTestStore(t)
	m := materialize(t, s, "r", "fp", 2, nil, idTable(5))

	if len(m.Pages) != 3 || m.TotalRows != 5 {
		t.Fatalf("pages = %d, total = %d", len(m.Pages), m.TotalRows)
	}
	if m.Pages[0].Rows != 2 || m.Pages[2].Rows != 1 {
		t.Fatalf("page rows = %+v", m.Pages)
	}

	ctx := context.Background()
	all, err := s.FetchSlice(ctx, "r", "fp", 0, -1, nil)
	if err != nil {
		t.Fatalf("fetch all: %v", err)
	}
	if got := ids(t, all); len(got) != 5 || got[0] != 0 || got[4] != 4 {
		t.Fatalf("all rows = %v", got)
	}

	tail, err := s.FetchSlice(ctx, "r", "fp", 3, 2, nil)
	if err != nil {
		t.Fatalf("fetch tail: %v", err)
	}
	if got := ids(t, tail); len(got) != 2 || got[0] != 3 || got[1] != 4 {
		t.Fatalf("tail rows = %v", got)
	}

	past, err := s.FetchSlice(ctx, "r", "fp", 10, 5, nil)
	if err != nil || past.NumRows() != 0 {
		t.Fatalf("past-end slice = %d rows, err %v", past.NumRows(), err)
	}
}

func TestZeroLimitReadsNoPages(t *testing.T) {
	s := newTestStore(t)
	materialize(t, s, "r", "fp", 2, nil, idTable(5))

	// Wreck every page; a zero-limit fetch must not notice.
	dir := s.Dir("r", "fp")
	for i := 0; i < 3; i++ {
		if err := os.WriteFile(PagePath(dir, i), []byte("junk"), 0o644); err != nil {
			t.Fatalf("corrupt page: %v", err)
		}
	}

	got, err := s.FetchSlice(context.Background(), "r", "fp", 0, 0, nil)
	if err != nil {
		t.Fatalf("zero-limit fetch: %v", err)
	}
	if got.NumRows() != 0 || got.ColIndex("id") < 0 {
		t.Fatalf("zero-limit result: %d rows, cols %v", got.NumRows(), got.ColNames())
	}
}

func TestSinglePageRows(t *testing.T) {
	s := newTestStore(t)
	m := materialize(t, s, "r", "one", 1, nil, idTable(3))
	if len(m.Pages) != 3 {
		t.Fatalf("pages = %d, want 3", len(m.Pages))
	}
	mid, err := s.FetchSlice(context.Background(), "r", "one", 1, 1, nil)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if got := ids(t, mid); len(got) != 1 || got[0] != 1 {
		t.Fatalf("middle row = %v", got)
	}
}

func TestEmptyMaterialization(t *testing.T) {
	s := newTestStore(t)
	m := materialize(t, s, "r", "empty", 2, nil, idTable(0))
	if len(m.Pages) != 0 || m.TotalRows != 0 {
		t.Fatalf("manifest = %+v", m)
	}
	got, err := s.FetchSlice(context.Background(), "r", "empty", 0, -1, nil)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if got.NumRows() != 0 || got.ColIndex("id") < 0 {
		t.Fatalf("empty result lost its schema: %v", got.ColNames())
	}
}

func TestInvariantIndexObservations(t *testing.T) {
	s := newTestStore(t)
	invs := []InvariantColumn{{Param: "c", Column: "c"}}
	m := materialize(t, s, "r", "inv", 1, invs, idTable(3, "A", "B", "A"))

	byToken := m.InvariantIndex["c"]
	if byToken == nil {
		t.Fatal("no index for c")
	}
	a := byToken["str:A"]
	if a == nil || len(a.Pages) != 2 || a.Pages[0] != 0 || a.Pages[1] != 2 {
		t.Fatalf("str:A entry = %+v", a)
	}
	if a.Sample != "A" {
		t.Fatalf("sample = %q", a.Sample)
	}
	b := byToken["str:B"]
	if b == nil || len(b.Pages) != 1 || b.Pages[0] != 1 {
		t.Fatalf("str:B entry = %+v", b)
	}
}

func TestFilteredReads(t *testing.T) {
	s := newTestStore(t)
	invs := []InvariantColumn{{Param: "c", Column: "c"}}
	materialize(t, s, "r", "inv", 1, invs, idTable(3, "A", "B", "A"))
	ctx := context.Background()

	one := func(tokens ...string) []Filter {
		return []Filter{{Param: "c", Column: "c", Tokens: tokens}}
	}

	bRows, err := s.FetchSlice(ctx, "r", "inv", 0, -1, one("str:B"))
	if err != nil {
		t.Fatalf("fetch B: %v", err)
	}
	if got := ids(t, bRows); len(got) != 1 || got[0] != 1 {
		t.Fatalf("B rows = %v", got)
	}

	union, err := s.FetchSlice(ctx, "r", "inv", 0, -1, one("str:A", "str:B"))
	if err != nil {
		t.Fatalf("fetch union: %v", err)
	}
	if union.NumRows() != 3 {
		t.Fatalf("union rows = %d", union.NumRows())
	}

	// Offset counts filtered rows, not raw rows.
	second, err := s.FetchSlice(ctx, "r", "inv", 1, 1, one("str:A"))
	if err != nil {
		t.Fatalf("fetch offset: %v", err)
	}
	if got := ids(t, second); len(got) != 1 || got[0] != 2 {
		t.Fatalf("second A row = %v", got)
	}

	if _, err := s.FetchSlice(ctx, "r", "inv", 0, -1, one("str:Z")); !errors.Is(err, ErrUnknownToken) {
		t.Fatalf("unknown token error = %v", err)
	}
}

func TestCaseInsensitiveIndex(t *testing.T) {
	s := newTestStore(t)
	invs := []InvariantColumn{{Param: "c", Column: "c", CaseInsensitive: true}}
	m := materialize(t, s, "r", "ci", 1, invs, idTable(2, "Mix", "mix"))

	entry := m.InvariantIndex["c"]["str:mix"]
	if entry == nil || len(entry.Pages) != 2 {
		t.Fatalf("folded entry = %+v", entry)
	}
	if entry.Sample != "Mix" {
		t.Fatalf("sample lost original case: %q", entry.Sample)
	}

	got, err := s.FetchSlice(context.Background(), "r", "ci", 0, -1,
		[]Filter{{Param: "c", Column: "c", Tokens: []string{"str:mix"}, CaseInsensitive: true}})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if got.NumRows() != 2 {
		t.Fatalf("folded fetch rows = %d", got.NumRows())
	}
}

func TestFilterIntersection(t *testing.T) {
	s := newTestStore(t)
	data := &tab.Table{Cols: []tab.Column{
		{Name: "id", Type: tab.Int, Values: []any{int64(0), int64(1), int64(2), int64(3)}},
		{Name: "c", Type: tab.String, Values: []any{"A", "A", "B", "B"}},
		{Name: "d", Type: tab.String, Values: []any{"x", "y", "x", "y"}},
	}}
	invs := []InvariantColumn{
		{Param: "c", Column: "c"},
		{Param: "d", Column: "d"},
	}
	materialize(t, s, "r", "two", 1, invs, data)

	got, err := s.FetchSlice(context.Background(), "r", "two", 0, -1, []Filter{
		{Param: "c", Column: "c", Tokens: []string{"str:A"}},
		{Param: "d", Column: "d", Tokens: []string{"str:y"}},
	})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if got := ids(t, got); len(got) != 1 || got[0] != 1 {
		t.Fatalf("intersection rows = %v", got)
	}
}

func TestNullTokenRoundTrip(t *testing.T) {
	s := newTestStore(t)
	data := &tab.Table{Cols: []tab.Column{
		{Name: "id", Type: tab.Int, Values: []any{int64(0), int64(1)}},
		{Name: "c", Type: tab.String, Values: []any{nil, "A"}},
	}}
	materialize(t, s, "r", "nul", 1, []InvariantColumn{{Param: "c", Column: "c"}}, data)

	got, err := s.FetchSlice(context.Background(), "r", "nul", 0, -1,
		[]Filter{{Param: "c", Column: "c", Tokens: []string{TokenNull}}})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if got := ids(t, got); len(got) != 1 || got[0] != 0 {
		t.Fatalf("null rows = %v", got)
	}
}

func TestCorruptPageSurfacesAndQuarantines(t *testing.T) {
	s := newTestStore(t)
	materialize(t, s, "r", "bad", 2, nil, idTable(5))

	if err := os.WriteFile(PagePath(s.Dir("r", "bad"), 0), []byte("junk"), 0o644); err != nil {
		t.Fatalf("corrupt: %v", err)
	}
	_, err := s.FetchSlice(context.Background(), "r", "bad", 0, -1, nil)
	if !qerr.IsCode(err, qerr.CodeCacheCorrupted) {
		t.Fatalf("corruption error = %v", err)
	}

	s.Quarantine("r", "bad")
	if _, err := s.Lookup("r", "bad"); !os.IsNotExist(err) {
		t.Fatalf("lookup after quarantine = %v", err)
	}
}

func TestManifestLRUServesHotKeys(t *testing.T) {
	s := newTestStore(t)
	materialize(t, s, "r", "hot", 2, nil, idTable(3))

	// Commit seeded the LRU, so repeat lookups skip the file entirely.
	if err := os.Remove(filepath.Join(s.Dir("r", "hot"), manifestName)); err != nil {
		t.Fatalf("remove manifest: %v", err)
	}
	m, err := s.Lookup("r", "hot")
	if err != nil || m.TotalRows != 3 {
		t.Fatalf("cached lookup = %+v, %v", m, err)
	}

	// Quarantine drops the entry along with the directory.
	s.Quarantine("r", "hot")
	if _, err := s.Lookup("r", "hot"); !os.IsNotExist(err) {
		t.Fatalf("lookup after quarantine = %v", err)
	}
}

func TestCommitYieldsToExistingDirectory(t *testing.T) {
	s := newTestStore(t)
	first := materialize(t, s, "r", "race", 2, nil, idTable(5))

	// A second writer for the same key must discard its work and adopt
	// the published artefact.
	w, err := s.NewWriter("r", "race", 2, nil, idTable(0).Empty())
	if err != nil {
		t.Fatalf("second writer: %v", err)
	}
	if err := w.Write(idTable(2)); err != nil {
		t.Fatalf("second write: %v", err)
	}
	m, err := w.Commit()
	if err != nil {
		t.Fatalf("second commit: %v", err)
	}
	if m.TotalRows != first.TotalRows {
		t.Fatalf("loser kept its own manifest: %d rows", m.TotalRows)
	}
}

func TestGateCollapsesConcurrentBuilds(t *testing.T) {
	s := newTestStore(t)
	var builds atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Double-check inside the gate, the way the executor does:
			// losers of the race adopt the winner's artefact.
			m, err := s.Gate("r", "gate", func() (*Manifest, error) {
				if m, err := s.Lookup("r", "gate"); err == nil {
					return m, nil
				}
				builds.Add(1)
				w, err := s.NewWriter("r", "gate", 2, nil, idTable(0).Empty())
				if err != nil {
					return nil, err
				}
				if err := w.Write(idTable(4)); err != nil {
					return nil, err
				}
				return w.Commit()
			})
			if err != nil {
				t.Errorf("gate: %v", err)
				return
			}
			if m.TotalRows != 4 {
				t.Errorf("gate manifest rows = %d", m.TotalRows)
			}
		}()
	}
	wg.Wait()
	if builds.Load() != 1 {
		t.Fatalf("builds = %d, want 1", builds.Load())
	}
}
