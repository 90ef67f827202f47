// internal/executor/executor.go
//
// The route executor.
//
// Context
// -------
// One request travels a fixed state machine:
//
//	COERCE → PREPROCESS → RESOLVE_USES → CACHE_LOOKUP
//	  hit:   APPLY_OVERRIDES → DONE
//	  miss:  EXECUTE_SQL → MATERIALIZE → APPLY_OVERRIDES → DONE
//
// Coercion turns raw string parameters into typed values, the
// preprocess chain may rewrite them, dependencies declared in `uses`
// are executed recursively before the parent touches the engine, and
// the cache store answers slices without SQL whenever the fingerprint
// directory already holds the rows.  Passthrough routes skip the cache
// entirely; materialising routes fall back to direct execution when a
// requested invariant value is absent from the index.
//
// The executor is stateless between requests: every store it touches
// is passed in at construction, and a failure in one request leaves
// nothing behind that could poison the next.  It never retries on its
// own, with one exception: a corrupt cache directory is quarantined
// and the request re-entered once as a plain miss.
//
// Notes
// -----
// • Each request carries a uuid for log correlation.
// • Oxford commas, two spaces after periods.
package executor

import (
	"context"
	"os"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yanizio/querydeck/internal/cache"
	"github.com/yanizio/querydeck/internal/engine"
	"github.com/yanizio/querydeck/internal/metrics"
	"github.com/yanizio/querydeck/internal/overlay"
	"github.com/yanizio/querydeck/internal/param"
	"github.com/yanizio/querydeck/internal/preprocess"
	"github.com/yanizio/querydeck/internal/qerr"
	"github.com/yanizio/querydeck/internal/requestmeta"
	"github.com/yanizio/querydeck/internal/route"
	"github.com/yanizio/querydeck/internal/tab"
)

// Executor drives route execution.  All fields are required except
// AppendDir, which disables append-mode output when empty.
type Executor struct {
	routes    *route.Registry
	engine    *engine.Engine
	cache     *cache.Store
	overlays  *overlay.Store
	appendDir string
	appendMu  sync.Mutex
	log       *zap.SugaredLogger
}

// New wires an executor.  appendDir is the directory for append-mode
// CSVs, usually <storage_root>/runtime/appends.
func New(routes *route.Registry, eng *engine.Engine, cs *cache.Store, ov *overlay.Store, appendDir string) *Executor {
	return &Executor{
		routes:    routes,
		engine:    eng,
		cache:     cs,
		overlays:  ov,
		appendDir: appendDir,
		log:       zap.S(),
	}
}

// Options narrows the requested row window.  Limit < 0 reads to the
// end; Limit == 0 returns the schema with no rows.
type Options struct {
	Offset int
	Limit  int
}

// Result is one executed slice.
type Result struct {
	RequestID string
	RouteID   string
	Table     *tab.Table

	// TotalRows counts the rows behind the materialised fingerprint,
	// before invariant filtering and slicing.  -1 when the route ran
	// without the cache (passthrough or slow path).
	TotalRows int

	// FromCache is true when no SQL ran for this request.
	FromCache bool

	// Fingerprint addresses the cache artefact this request used or
	// built.  Empty for passthrough routes.
	Fingerprint string
}

// request is the per-request state threaded through the recursion.
type request struct {
	id     string
	meta   requestmeta.Meta
	active []string
}

// Execute runs one route for a raw parameter map.  Request metadata is
// read from ctx when the HTTP middleware put it there.
func (e *Executor) Execute(ctx context.Context, def *route.Definition, raw map[string]string, opts Options) (*Result, error) {
	req := &request{id: uuid.NewString(), meta: *requestmeta.FromContext(ctx)}

	res, err := e.execute(ctx, req, def, raw, opts)
	if err != nil {
		metrics.RouteErrorsTotal.WithLabelValues(errLabel(err)).Inc()
		e.logFailure(req, def.ID, err)
		return nil, err
	}
	return res, nil
}

// ExecuteID resolves the route by id first.  Unknown ids are a data
// error: the only callers passing ids are use blocks and share links,
// both authored against the registry.
func (e *Executor) ExecuteID(ctx context.Context, id string, raw map[string]string, opts Options) (*Result, error) {
	def, ok := e.routes.Get(id)
	if !ok {
		return nil, qerr.New(qerr.CodeRouteExecution, qerr.KindData, "route %q is not registered", id)
	}
	return e.Execute(ctx, def, raw, opts)
}

/*──────────────────────────── state machine ───────────────────────────────*/

func (e *Executor) execute(ctx context.Context, req *request, def *route.Definition, raw map[string]string, opts Options) (*Result, error) {
	for _, id := range req.active {
		if id == def.ID {
			return nil, qerr.CircularDependency(append(append([]string{}, req.active...), def.ID))
		}
	}
	req.active = append(req.active, def.ID)
	defer func() { req.active = req.active[:len(req.active)-1] }()

	metrics.RouteExecutionsTotal.WithLabelValues(def.ID).Inc()

	// COERCE
	params, err := param.Coerce(def.Params, raw)
	if err != nil {
		return nil, err
	}

	// PREPROCESS
	params, err = preprocess.Run(def.ID, def.Preprocess, params, req.meta)
	if err != nil {
		return nil, err
	}

	// RESOLVE_USES
	deps, err := e.resolveUses(ctx, req, def, params)
	if err != nil {
		return nil, err
	}

	// The positional bind list, one entry per placeholder occurrence.
	binds, err := bindList(def, params)
	if err != nil {
		return nil, err
	}

	// CACHE_LOOKUP and onwards.
	var (
		t         *tab.Table
		total     = -1
		fromCache bool
		fp        string
	)
	if def.CacheEnabled() {
		t, total, fromCache, fp, err = e.cached(ctx, req, def, params, binds, deps, opts)
	} else {
		t, err = e.direct(ctx, req, def, binds, deps)
		if err == nil {
			t = t.Slice(opts.Offset, opts.Limit)
		}
	}
	if err != nil {
		return nil, err
	}

	// APPLY_OVERRIDES
	t, err = e.applyOverrides(ctx, def, t)
	if err != nil {
		return nil, err
	}

	if def.Append.Enabled {
		e.appendResult(def, t)
	}

	return &Result{
		RequestID:   req.id,
		RouteID:     def.ID,
		Table:       t,
		TotalRows:   total,
		FromCache:   fromCache,
		Fingerprint: fp,
	}, nil
}

// bindList builds the positional arguments following ParamOrder, one
// value per occurrence.  A required parameter that a preprocessor
// removed or nilled surfaces here, at bind time.
func bindList(def *route.Definition, params map[string]any) ([]any, error) {
	binds := make([]any, 0, len(def.ParamOrder))
	for _, name := range def.ParamOrder {
		v, ok := params[name]
		if !ok {
			v = nil
		}
		if v == nil {
			if sp, declared := def.ParamSpec(name); declared && sp.Required {
				return nil, qerr.MissingParameter(name)
			}
		}
		binds = append(binds, v)
	}
	return binds, nil
}

// applyOverrides replaces cells with matching overlay records.  Routes
// without key columns pass through untouched.
func (e *Executor) applyOverrides(ctx context.Context, def *route.Definition, t *tab.Table) (*tab.Table, error) {
	if len(def.Overrides.KeyColumns) == 0 || t.NumRows() == 0 {
		return t, nil
	}
	records, err := e.overlays.ListForRoute(ctx, def.ID)
	if err != nil {
		return nil, qerr.Wrap(qerr.CodeRouteExecution, qerr.KindSystem, err, "route %s: load overrides", def.ID)
	}
	if len(records) == 0 {
		return t, nil
	}
	return overlay.Apply(t, def.Overrides.KeyColumns, records), nil
}

// direct opens a session, registers dependency relations, and runs the
// SQL without touching the cache.
func (e *Executor) direct(ctx context.Context, req *request, def *route.Definition, binds []any, deps []depBinding) (*tab.Table, error) {
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

	out := rows.Schema()
	for {
		batch, err := rows.Next(0)
		if err != nil {
			return nil, qerr.Wrap(qerr.CodeRouteExecution, qerr.KindData, err, "route %s", def.ID)
		}
		if batch == nil {
			break
		}
		if err := out.AppendTable(batch); err != nil {
			return nil, qerr.Wrap(qerr.CodeRouteExecution, qerr.KindSystem, err, "route %s: assemble result", def.ID)
		}
	}
	return out, nil
}

/*──────────────────────────── logging helpers ─────────────────────────────*/

// errLabel picks the metric label for a failure.
func errLabel(err error) string {
	if code := qerr.CodeOf(err); code != "" {
		return code
	}
	if os.IsNotExist(err) {
		return "not_found"
	}
	return "internal"
}

// logFailure logs at a level matching the error kind: user mistakes
// are routine, system faults are not.
func (e *Executor) logFailure(req *request, routeID string, err error) {
	switch qerr.KindOf(err) {
	case qerr.KindUser:
		e.log.Debugw("route request rejected", "request", req.id, "route", routeID, "error", err)
	case qerr.KindData:
		e.log.Warnw("route execution failed", "request", req.id, "route", routeID, "error", err)
	default:
		e.log.Errorw("route execution failed", "request", req.id, "route", routeID, "error", err)
	}
}
