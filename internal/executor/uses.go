// internal/executor/uses.go
//
// Dependency resolution: one route consuming another as a named
// relation or as a Parquet view over its cache pages.
//
// Context
// -------
// A use block runs the referenced route with its own argument map
// before the parent touches the engine.  Relation mode carries the
// dependency's rows in memory and registers them as a temporary table
// on the parent's connection; parquet_path mode only ensures the
// dependency is materialised, then points a temporary view at its
// page files so the parent's SQL scans them directly.
//
// Cycles are caught by the per-request active stack in execute();
// failures wrap the dependency chain so the operator can see which
// route actually broke.
package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/yanizio/querydeck/internal/cache"
	"github.com/yanizio/querydeck/internal/engine"
	"github.com/yanizio/querydeck/internal/qerr"
	"github.com/yanizio/querydeck/internal/route"
	"github.com/yanizio/querydeck/internal/tab"
)

// depBinding is one resolved dependency, ready to register on the
// parent's session.  Exactly one of table or files is set.
type depBinding struct {
	alias string
	table *tab.Table
	files []string
}

// resolveUses executes every dependency of def, in declaration order.
func (e *Executor) resolveUses(ctx context.Context, req *request, def *route.Definition, params map[string]any) ([]depBinding, error) {
	if len(def.Uses) == 0 {
		return nil, nil
	}

	out := make([]depBinding, 0, len(def.Uses))
	for _, u := range def.Uses {
		dep, ok := e.routes.Get(u.Call)
		if !ok {
			return nil, qerr.New(qerr.CodeRouteExecution, qerr.KindData,
				"route %s: use %q references unknown route %q", def.ID, u.Alias, u.Call)
		}

		raw := resolveArgs(u.Args, params)

		switch u.Mode {
		case route.UseRelation:
			res, err := e.execute(ctx, req, dep, raw, Options{Offset: 0, Limit: -1})
			if err != nil {
				return nil, wrapDependency(req, u, err)
			}
			out = append(out, depBinding{alias: u.Alias, table: res.Table})

		case route.UseParquetPath:
			b, err := e.parquetBinding(ctx, req, u, dep, raw)
			if err != nil {
				return nil, wrapDependency(req, u, err)
			}
			out = append(out, b)
		}
	}
	return out, nil
}

// parquetBinding materialises the dependency and returns its page
// files.  An empty artefact degrades to an empty in-memory relation,
// since a view over zero files is not expressible.
func (e *Executor) parquetBinding(ctx context.Context, req *request, u route.Use, dep *route.Definition, raw map[string]string) (depBinding, error) {
	if !dep.CacheEnabled() {
		return depBinding{}, qerr.New(qerr.CodeRouteExecution, qerr.KindData,
			"use %q: route %q does not materialise, parquet_path needs pages", u.Alias, dep.ID)
	}

	// Limit 0 materialises on a miss but reads no pages back.
	res, err := e.execute(ctx, req, dep, raw, Options{Limit: 0})
	if err != nil {
		return depBinding{}, err
	}

	m, err := e.cache.Lookup(dep.ID, res.Fingerprint)
	if err != nil {
		return depBinding{}, qerr.Wrap(qerr.CodeRouteExecution, qerr.KindSystem, err,
			"use %q: read %s manifest", u.Alias, dep.ID)
	}

	files := e.cache.PageFiles(dep.ID, res.Fingerprint, m)
	if len(files) == 0 {
		return depBinding{alias: u.Alias, table: res.Table.Empty()}, nil
	}
	return depBinding{alias: u.Alias, files: files}, nil
}

// registerDeps attaches resolved dependencies to one engine session.
func registerDeps(ctx context.Context, ses *engine.Session, deps []depBinding) error {
	for _, d := range deps {
		var err error
		if d.table != nil {
			err = ses.RegisterTable(ctx, d.alias, d.table)
		} else {
			err = ses.RegisterParquetView(ctx, d.alias, d.files)
		}
		if err != nil {
			return qerr.Wrap(qerr.CodeRouteExecution, qerr.KindSystem, err,
				"register relation %q", d.alias)
		}
	}
	return nil
}

// resolveArgs builds the dependency's raw parameter map.  A value of
// the form "$name" forwards the current parameter under that name;
// anything else is a literal.  Nil and missing parameters leave the
// argument unset.
func resolveArgs(args map[string]string, params map[string]any) map[string]string {
	if len(args) == 0 {
		return nil
	}
	out := make(map[string]string, len(args))
	for k, v := range args {
		name, isRef := strings.CutPrefix(v, "$")
		if !isRef {
			out[k] = v
			continue
		}
		pv, ok := params[name]
		if !ok || pv == nil {
			continue
		}
		out[k] = argString(pv)
	}
	return out
}

// argString renders a typed value back into request-string form.
// Midnight timestamps travel as bare dates so date-typed parameters
// on the receiving route can parse them.
func argString(v any) string {
	if t, ok := v.(time.Time); ok {
		u := t.UTC()
		if h, m, s := u.Clock(); h == 0 && m == 0 && s == 0 && u.Nanosecond() == 0 {
			return u.Format("2006-01-02")
		}
		return u.Format(time.RFC3339Nano)
	}
	return cache.Sample(v)
}

// wrapDependency prefixes a failure with the dependency chain while
// keeping the original error code reachable.
func wrapDependency(req *request, u route.Use, err error) error {
	chain := strings.Join(append(append([]string{}, req.active...), u.Call), " -> ")
	return fmt.Errorf("dependency %s: %w", chain, err)
}
