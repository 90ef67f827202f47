// internal/executor/cached.go
//
// The materialising half of the state machine: fingerprinting, the
// at-most-one-writer gate, slice reads, the unknown-token slow path,
// and the single self-heal retry after a quarantine.
//
// Context
// -------
// A materialising route stores every row its SQL returns under
// (route_id, fingerprint), where the fingerprint canonicalises all
// parameters except the invariant ones.  Requests constraining an
// invariant parameter reuse those pages through the manifest's index;
// a token the index has never seen falls back to direct execution with
// in-memory filtering, leaving the artefact untouched.
package executor

import (
	"context"
	"errors"
	"os"

	"github.com/yanizio/querydeck/internal/cache"
	"github.com/yanizio/querydeck/internal/metrics"
	"github.com/yanizio/querydeck/internal/qerr"
	"github.com/yanizio/querydeck/internal/route"
	"github.com/yanizio/querydeck/internal/tab"
)

// cached serves one slice from the page cache, materialising on the
// first miss.  Returns the slice, the artefact's total row count,
// whether the request was served without running SQL, and the
// fingerprint it used.
func (e *Executor) cached(ctx context.Context, req *request, def *route.Definition, params map[string]any, binds []any, deps []depBinding, opts Options) (*tab.Table, int, bool, string, error) {
	exclude := make(map[string]bool, len(def.Cache.InvariantFilters))
	for _, f := range def.Cache.InvariantFilters {
		exclude[f.Param] = true
	}
	fp := cache.Fingerprint(def.ID, params, exclude)
	filters := requestFilters(def, params)

	for attempt := 0; ; attempt++ {
		fresh := false

		m, err := e.cache.Lookup(def.ID, fp)
		switch {
		case err == nil:
			// Artefact on disk.
		case os.IsNotExist(err):
			metrics.CacheMissesTotal.Inc()
			if m, err = e.materialize(ctx, req, def, fp, binds, deps); err != nil {
				return nil, 0, false, fp, err
			}
			fresh = true
		default:
			e.cache.Quarantine(def.ID, fp)
			if attempt == 0 {
				continue
			}
			return nil, 0, false, fp, err
		}

		t, err := e.cache.SliceManifest(ctx, def.ID, fp, m, opts.Offset, opts.Limit, filters)
		switch {
		case err == nil:
			if !fresh {
				metrics.CacheHitsTotal.Inc()
			}
			return t, m.TotalRows, !fresh, fp, nil

		case errors.Is(err, cache.ErrUnknownToken):
			if fresh {
				// The artefact holds everything the SQL returned, so a
				// token it never observed matches nothing.
				empty, serr := e.cache.SliceManifest(ctx, def.ID, fp, m, 0, 0, nil)
				if serr != nil {
					return nil, 0, false, fp, serr
				}
				return empty, m.TotalRows, false, fp, nil
			}
			t, err := e.slowPath(ctx, req, def, binds, deps, filters, opts)
			return t, -1, false, fp, err

		case qerr.IsCode(err, qerr.CodeCacheCorrupted):
			e.cache.Quarantine(def.ID, fp)
			if attempt == 0 {
				continue
			}
			return nil, 0, false, fp, err

		default:
			return nil, 0, false, fp, err
		}
	}
}

// materialize runs the SQL and streams it into the cache, gated so
// concurrent requests for one key share a single build.  The gate
// re-checks the manifest first: a request that lost the filesystem
// race adopts the winner's artefact without executing anything.
func (e *Executor) materialize(ctx context.Context, req *request, def *route.Definition, fp string, binds []any, deps []depBinding) (*cache.Manifest, error) {
	return e.cache.Gate(def.ID, fp, func() (*cache.Manifest, error) {
		if m, err := e.cache.Lookup(def.ID, fp); err == nil {
			return m, nil
		}

		metrics.ActiveMaterialisations.Inc()
		defer metrics.ActiveMaterialisations.Dec()

		ses, err := e.engine.Acquire(ctx)
		if err != nil {
			return nil, qerr.Wrap(qerr.CodeRouteExecution, qerr.KindSystem, err, "route %s: acquire engine", def.ID)
		}
		defer ses.Close()

		if err := registerDeps(ctx, ses, deps); err != nil {
			return nil, err
		}

		rows, err := ses.Query(ctx, def.BindSQL, binds)
		if err != nil {
			return nil, qerr.Wrap(qerr.CodeRouteExecution, qerr.KindData, err, "route %s", def.ID)
		}
		defer rows.Close()

		w, err := e.cache.NewWriter(def.ID, fp, def.Cache.RowsPerPage, invariantColumns(def), rows.Schema())
		if err != nil {
			return nil, qerr.Wrap(qerr.CodeRouteExecution, qerr.KindSystem, err, "route %s: open cache writer", def.ID)
		}

		for {
			batch, err := rows.Next(0)
			if err != nil {
				w.Abort()
				return nil, qerr.Wrap(qerr.CodeRouteExecution, qerr.KindData, err, "route %s", def.ID)
			}
			if batch == nil {
				break
			}
			if err := w.Write(batch); err != nil {
				w.Abort()
				return nil, qerr.Wrap(qerr.CodeRouteExecution, qerr.KindSystem, err, "route %s: write cache page", def.ID)
			}
		}

		m, err := w.Commit()
		if err != nil {
			return nil, qerr.Wrap(qerr.CodeRouteExecution, qerr.KindSystem, err, "route %s: commit cache", def.ID)
		}
		e.log.Infow("route materialised",
			"request", req.id, "route", def.ID, "fingerprint", fp,
			"rows", m.TotalRows, "pages", len(m.Pages))
		return m, nil
	})
}

// slowPath executes the SQL directly and filters in memory.  The
// artefact and its index are left exactly as they were.
func (e *Executor) slowPath(ctx context.Context, req *request, def *route.Definition, binds []any, deps []depBinding, filters []cache.Filter, opts Options) (*tab.Table, error) {
	metrics.CacheMissesTotal.Inc()
	e.log.Debugw("invariant token not indexed, executing directly",
		"request", req.id, "route", def.ID)

	t, err := e.direct(ctx, req, def, binds, deps)
	if err != nil {
		return nil, err
	}
	return filterTable(t, filters).Slice(opts.Offset, opts.Limit), nil
}

/*──────────────────────────── filters ─────────────────────────────────────*/

// requestFilters builds the read filters for the invariant parameters
// the request actually constrains.  Nil and empty values leave a
// parameter unconstrained.
func requestFilters(def *route.Definition, params map[string]any) []cache.Filter {
	var out []cache.Filter
	for _, f := range def.Cache.InvariantFilters {
		v, ok := params[f.Param]
		if !ok || v == nil {
			continue
		}
		tokens := cache.RequestTokens(v, f.Separator, f.CaseInsensitive)
		if len(tokens) == 0 {
			continue
		}
		out = append(out, cache.Filter{
			Param:           f.Param,
			Column:          f.Column,
			Tokens:          tokens,
			CaseInsensitive: f.CaseInsensitive,
		})
	}
	return out
}

// invariantColumns lists the columns the cache writer must index.
func invariantColumns(def *route.Definition) []cache.InvariantColumn {
	out := make([]cache.InvariantColumn, 0, len(def.Cache.InvariantFilters))
	for _, f := range def.Cache.InvariantFilters {
		out = append(out, cache.InvariantColumn{
			Param:           f.Param,
			Column:          f.Column,
			CaseInsensitive: f.CaseInsensitive,
		})
	}
	return out
}

// filterTable applies invariant filters to an in-memory result.  A
// filter whose column is absent is skipped: when the SQL binds the
// parameter itself the rows are already constrained, and a filter we
// cannot evaluate must not invent an empty result.
func filterTable(t *tab.Table, filters []cache.Filter) *tab.Table {
	for _, f := range filters {
		ci := t.ColIndex(f.Column)
		if ci < 0 {
			continue
		}
		accept := make(map[string]bool, len(f.Tokens))
		for _, tok := range f.Tokens {
			accept[tok] = true
		}
		src := t
		t = src.FilterRows(func(row int) bool {
			return accept[cache.Token(src.Cell(row, ci), f.CaseInsensitive)]
		})
	}
	return t
}
