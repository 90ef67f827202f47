// internal/cache/store.go
//
// Page cache store: materialisation, slicing, and quarantine.
//
// Context
// -------
// Each (route, fingerprint) pair owns one directory of Parquet pages
// plus a manifest.  Materialisation streams engine batches through a
// Writer into a temp directory and publishes it with a single rename,
// so readers only ever see complete artefacts.  Reads slice by row
// offset, or by invariant-filter page set followed by an in-page row
// filter.  A singleflight group serialises writers per directory.
//
// Error contract
// --------------
// • Missing directory surfaces as fs.ErrNotExist (a cache miss).
// • A constraining token absent from the index surfaces as
//   ErrUnknownToken (callers fall back to direct execution).
// • Anything inconsistent between manifest and pages surfaces as
//   cache_corrupted; callers quarantine and retry once.
package cache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/yanizio/querydeck/internal/metrics"
	"github.com/yanizio/querydeck/internal/qerr"
	"github.com/yanizio/querydeck/internal/tab"
)

// ErrUnknownToken reports an invariant-filter token the index has
// never seen.  It is a control-flow signal, not a user error.
var ErrUnknownToken = fmt.Errorf("invariant token not indexed")

// InvariantColumn declares one indexed column for materialisation.
type InvariantColumn struct {
	Param           string
	Column          string
	CaseInsensitive bool
}

// Filter constrains a read to rows whose column value matches one of
// the request's tokens.
type Filter struct {
	Param           string
	Column          string
	Tokens          []string
	CaseInsensitive bool
}

// manifestLRUCap bounds the number of decoded manifests held in
// memory.  Manifests are small; the bound exists for routes with very
// high fingerprint cardinality.
const manifestLRUCap = 512

// Store is the page cache rooted at <storage_root>/cache.
type Store struct {
	root      string
	group     singleflight.Group
	manifests *manifestLRU
}

// New returns a store rooted at dir, creating it if needed.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cache root: %w", err)
	}
	return &Store{root: dir, manifests: newManifestLRU(manifestLRUCap)}, nil
}

// Dir returns the cache directory for one (route, fingerprint) key.
func (s *Store) Dir(routeID, fingerprint string) string {
	return filepath.Join(s.root, routeID, fingerprint)
}

// Lookup loads the manifest for a key.  fs.ErrNotExist means the key
// was never materialised; decode or consistency failures surface as
// cache_corrupted.
func (s *Store) Lookup(routeID, fingerprint string) (*Manifest, error) {
	key := routeID + "/" + fingerprint
	if m, ok := s.manifests.get(key); ok {
		return m, nil
	}
	m, err := LoadManifest(s.Dir(routeID, fingerprint))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		return nil, qerr.Wrap(qerr.CodeCacheCorrupted, qerr.KindSystem, err,
			"cache %s/%s: bad manifest", routeID, fingerprint)
	}
	s.manifests.add(key, m)
	return m, nil
}

// Gate serialises materialisation per cache directory.  Concurrent
// callers for the same key wait for the first and share its result.
func (s *Store) Gate(routeID, fingerprint string, fn func() (*Manifest, error)) (*Manifest, error) {
	v, err, _ := s.group.Do(routeID+"/"+fingerprint, func() (any, error) {
		return fn()
	})
	if err != nil {
		return nil, err
	}
	return v.(*Manifest), nil
}

// Quarantine removes a corrupt cache directory so the next request
// rebuilds it from scratch.
func (s *Store) Quarantine(routeID, fingerprint string) {
	s.manifests.remove(routeID + "/" + fingerprint)
	dir := s.Dir(routeID, fingerprint)
	if err := os.RemoveAll(dir); err != nil {
		zap.S().Errorw("cache quarantine failed", "dir", dir, "error", err)
		return
	}
	metrics.CacheQuarantinesTotal.Inc()
	zap.S().Warnw("cache directory quarantined", "route", routeID, "fingerprint", fingerprint)
}

/*──────────────────────────── write path ──────────────────────────────────*/

// Writer streams batches into a pending cache directory.  Pages are
// flushed as they fill; Commit publishes the directory atomically.
type Writer struct {
	store       *Store
	routeID     string
	fingerprint string
	tmp         string
	rowsPerPage int
	invariants  []InvariantColumn

	schema *tab.Table
	buf    *tab.Table
	pages  []PageMeta
	index  InvariantIndex
	total  int
}

// NewWriter opens a pending directory for one key.  schema is a
// zero-row table describing the result columns; it must be known up
// front so empty results still commit a readable manifest.
func (s *Store) NewWriter(routeID, fingerprint string, rowsPerPage int, invariants []InvariantColumn, schema *tab.Table) (*Writer, error) {
	if rowsPerPage < 1 {
		return nil, fmt.Errorf("rows_per_page %d", rowsPerPage)
	}
	if err := os.MkdirAll(filepath.Join(s.root, routeID), 0o755); err != nil {
		return nil, err
	}
	tmp, err := os.MkdirTemp(filepath.Join(s.root, routeID), fingerprint+".pending-*")
	if err != nil {
		return nil, err
	}
	return &Writer{
		store:       s,
		routeID:     routeID,
		fingerprint: fingerprint,
		tmp:         tmp,
		rowsPerPage: rowsPerPage,
		invariants:  invariants,
		schema:      schema.Empty(),
		buf:         schema.Empty(),
		index:       make(InvariantIndex),
	}, nil
}

// Write appends one batch, flushing any pages it completes.
func (w *Writer) Write(batch *tab.Table) error {
	if err := w.buf.AppendTable(batch); err != nil {
		return fmt.Errorf("cache batch: %w", err)
	}
	for w.buf.NumRows() >= w.rowsPerPage {
		page := w.buf.Slice(0, w.rowsPerPage)
		w.buf = w.buf.Slice(w.rowsPerPage, -1)
		if err := w.flush(page); err != nil {
			return err
		}
	}
	return nil
}

// flush writes one full or final page and indexes its invariant
// columns.
func (w *Writer) flush(page *tab.Table) error {
	n := len(w.pages)
	if err := writePage(PagePath(w.tmp, n), page); err != nil {
		return err
	}
	for _, inv := range w.invariants {
		ci := page.ColIndex(inv.Column)
		if ci < 0 {
			// No backing column: the parameter stays unindexed, and
			// requests constraining it take the direct path.
			zap.S().Warnw("invariant column missing from result",
				"route", w.routeID, "param", inv.Param, "column", inv.Column)
			continue
		}
		seen := map[string]bool{}
		for r := 0; r < page.NumRows(); r++ {
			v := page.Cell(r, ci)
			tok := Token(v, inv.CaseInsensitive)
			if seen[tok] {
				continue
			}
			seen[tok] = true
			w.index.addObservation(inv.Param, tok, Sample(v), n)
		}
	}
	w.pages = append(w.pages, PageMeta{Index: n, Rows: page.NumRows()})
	w.total += page.NumRows()
	metrics.CachePagesWrittenTotal.Inc()
	return nil
}

// Commit flushes the trailing partial page, writes the manifest, and
// renames the pending directory into place.  If another process
// published the key first, the pending work is discarded in favour of
// the existing artefact.
func (w *Writer) Commit() (*Manifest, error) {
	if w.buf.NumRows() > 0 {
		page := w.buf
		w.buf = w.schema.Empty()
		if err := w.flush(page); err != nil {
			w.Abort()
			return nil, err
		}
	}

	encoded, err := tab.MarshalSchema(w.schema.Schema())
	if err != nil {
		w.Abort()
		return nil, err
	}
	m := &Manifest{
		Schema:         encoded,
		Pages:          w.pages,
		TotalRows:      w.total,
		InvariantIndex: w.index,
		CreatedAt:      nowUTC(),
		RowsPerPage:    w.rowsPerPage,
	}
	if m.Pages == nil {
		m.Pages = []PageMeta{}
	}
	if err := m.Save(w.tmp); err != nil {
		w.Abort()
		return nil, err
	}

	dir := w.store.Dir(w.routeID, w.fingerprint)
	if err := os.Rename(w.tmp, dir); err != nil {
		w.Abort()
		if existing, lerr := w.store.Lookup(w.routeID, w.fingerprint); lerr == nil {
			return existing, nil
		}
		return nil, fmt.Errorf("cache publish: %w", err)
	}
	w.store.manifests.add(w.routeID+"/"+w.fingerprint, m)
	zap.S().Infow("cache materialised",
		"route", w.routeID, "fingerprint", w.fingerprint,
		"pages", len(m.Pages), "rows", m.TotalRows)
	return m, nil
}

// Abort discards the pending directory.
func (w *Writer) Abort() {
	if w.tmp != "" {
		os.RemoveAll(w.tmp)
		w.tmp = ""
	}
}

/*──────────────────────────── read path ───────────────────────────────────*/

// FetchSlice reads rows [offset, offset+limit) for a key, after
// applying any invariant filters.  limit < 0 means "to the end".
// limit == 0 returns the empty schema table without touching a page.
func (s *Store) FetchSlice(ctx context.Context, routeID, fingerprint string, offset, limit int, filters []Filter) (*tab.Table, error) {
	m, err := s.Lookup(routeID, fingerprint)
	if err != nil {
		return nil, err
	}
	return s.slice(ctx, m, s.Dir(routeID, fingerprint), routeID, offset, limit, filters)
}

// SliceManifest is FetchSlice against an already-loaded manifest,
// avoiding a second manifest read right after materialisation.
func (s *Store) SliceManifest(ctx context.Context, routeID, fingerprint string, m *Manifest, offset, limit int, filters []Filter) (*tab.Table, error) {
	return s.slice(ctx, m, s.Dir(routeID, fingerprint), routeID, offset, limit, filters)
}

func (s *Store) slice(ctx context.Context, m *Manifest, dir, routeID string, offset, limit int, filters []Filter) (*tab.Table, error) {
	schema, err := schemaTable(m)
	if err != nil {
		return nil, qerr.Wrap(qerr.CodeCacheCorrupted, qerr.KindSystem, err,
			"cache %s: bad schema", dir)
	}
	if offset < 0 {
		offset = 0
	}
	if limit == 0 {
		return schema, nil
	}

	if len(filters) == 0 {
		return s.sliceByOffset(ctx, m, dir, schema, offset, limit)
	}
	return s.sliceFiltered(ctx, m, dir, schema, offset, limit, filters)
}

// sliceByOffset serves the unfiltered case: only pages overlapping the
// requested row window are read.
func (s *Store) sliceByOffset(ctx context.Context, m *Manifest, dir string, out *tab.Table, offset, limit int) (*tab.Table, error) {
	if offset >= m.TotalRows {
		return out, nil
	}
	end := m.TotalRows
	if limit >= 0 && offset+limit < end {
		end = offset + limit
	}

	starts := m.pageOffsets()
	for i, p := range m.Pages {
		pStart, pEnd := starts[i], starts[i]+p.Rows
		if pEnd <= offset {
			continue
		}
		if pStart >= end {
			break
		}
		page, err := s.readCheckedPage(ctx, dir, m, i)
		if err != nil {
			return nil, err
		}
		lo, hi := 0, p.Rows
		if offset > pStart {
			lo = offset - pStart
		}
		if end < pEnd {
			hi = end - pStart
		}
		if err := out.AppendTable(page.Slice(lo, hi-lo)); err != nil {
			return nil, qerr.Wrap(qerr.CodeCacheCorrupted, qerr.KindSystem, err,
				"cache %s: page %d schema drift", dir, i)
		}
	}
	return out, nil
}

// sliceFiltered serves the invariant-filter case: the page set is the
// intersection across filters of each filter's token page union, and
// offset/limit count filtered rows.
func (s *Store) sliceFiltered(ctx context.Context, m *Manifest, dir string, out *tab.Table, offset, limit int, filters []Filter) (*tab.Table, error) {
	var pageSet []int
	for fi, f := range filters {
		pages, known := m.InvariantIndex.pagesFor(f.Param, f.Tokens)
		if !known {
			return nil, fmt.Errorf("%w: %s", ErrUnknownToken, f.Param)
		}
		if fi == 0 {
			pageSet = pages
		} else {
			pageSet = intersect(pageSet, pages)
		}
		if len(pageSet) == 0 {
			return out, nil
		}
	}

	skipped := 0
	for _, pi := range pageSet {
		page, err := s.readCheckedPage(ctx, dir, m, pi)
		if err != nil {
			return nil, err
		}
		matched, err := filterRows(page, filters, dir)
		if err != nil {
			return nil, err
		}
		for r := 0; r < matched.NumRows(); r++ {
			if skipped < offset {
				skipped++
				continue
			}
			if limit >= 0 && out.NumRows() >= limit {
				return out, nil
			}
			if err := out.AppendRow(matched.Row(r)); err != nil {
				return nil, qerr.Wrap(qerr.CodeCacheCorrupted, qerr.KindSystem, err,
					"cache %s: page %d schema drift", dir, pi)
			}
		}
		if limit >= 0 && out.NumRows() >= limit {
			return out, nil
		}
	}
	return out, nil
}

// filterRows keeps rows matching every filter.  Matching compares
// value tokens, so case folding and numeric canonicalisation behave
// exactly as they did at index time.
func filterRows(page *tab.Table, filters []Filter, dir string) (*tab.Table, error) {
	cols := make([]int, len(filters))
	accept := make([]map[string]bool, len(filters))
	for i, f := range filters {
		ci := page.ColIndex(f.Column)
		if ci < 0 {
			return nil, qerr.New(qerr.CodeCacheCorrupted, qerr.KindSystem,
				"cache %s: indexed column %q missing from page", dir, f.Column)
		}
		cols[i] = ci
		accept[i] = make(map[string]bool, len(f.Tokens))
		for _, tok := range f.Tokens {
			accept[i][tok] = true
		}
	}
	return page.FilterRows(func(r int) bool {
		for i := range filters {
			tok := Token(page.Cell(r, cols[i]), filters[i].CaseInsensitive)
			if !accept[i][tok] {
				return false
			}
		}
		return true
	}), nil
}

// readCheckedPage reads one page and cross-checks it against the
// manifest.
func (s *Store) readCheckedPage(ctx context.Context, dir string, m *Manifest, n int) (*tab.Table, error) {
	page, err := readPage(ctx, PagePath(dir, n))
	if err != nil {
		return nil, qerr.Wrap(qerr.CodeCacheCorrupted, qerr.KindSystem, err,
			"cache %s: page %d unreadable", dir, n)
	}
	if page.NumRows() != m.Pages[n].Rows {
		return nil, qerr.New(qerr.CodeCacheCorrupted, qerr.KindSystem,
			"cache %s: page %d has %d rows, manifest says %d",
			dir, n, page.NumRows(), m.Pages[n].Rows)
	}
	return page, nil
}

// PageFiles lists the absolute page paths for a manifest in order.
// The executor hands these to read_parquet for parquet_path uses.
func (s *Store) PageFiles(routeID, fingerprint string, m *Manifest) []string {
	dir := s.Dir(routeID, fingerprint)
	files := make([]string, len(m.Pages))
	for i := range m.Pages {
		files[i] = PagePath(dir, i)
	}
	return files
}

func schemaTable(m *Manifest) (*tab.Table, error) {
	schema, err := tab.UnmarshalSchema(m.Schema)
	if err != nil {
		return nil, err
	}
	return tab.FromSchema(schema)
}

func intersect(a, b []int) []int {
	inB := make(map[int]bool, len(b))
	for _, p := range b {
		inB[p] = true
	}
	out := a[:0]
	for _, p := range a {
		if inB[p] {
			out = append(out, p)
		}
	}
	return out
}
