// internal/route/compile.go
//
// Route compiler: metadata + SQL → immutable Definition.
//
// Context
// -------
// Compile is the single gate between authored files and the executor.
// It rewrites placeholders, captures bind order, normalises the cache,
// overrides, append, preprocess, and uses blocks, and validates every
// cross-reference (invariant filters must name declared parameters,
// uses must name a legal mode, and so on).  All failures are terminal
// for the route; a Definition is returned whole or not at all, and is
// never mutated afterwards.
//
// Workflow
// --------
//  1. Merge inline SQL directives into the metadata (YAML wins scalars).
//  2. Normalise parameter specs, including typed defaults.
//  3. Rewrite placeholders; capture param_order with repetition.
//  4. Normalise cache block (order_by lowercased, rows_per_page
//     defaulted, invariant filters checked).
//  5. Normalise overrides, append, preprocess, and uses blocks.
//
// Notes
// -----
// • A declared parameter that never appears in the SQL is legal; it may
//   feed a preprocessor or an invariant filter.
// • Oxford commas, two spaces after periods.
package route

import (
	"fmt"
	"strings"

	"github.com/yanizio/querydeck/internal/param"
	"github.com/yanizio/querydeck/internal/qerr"
)

// Cache modes.
const (
	ModeMaterialize = "materialize"
	ModePassthrough = "passthrough"
)

// Use modes.
const (
	UseRelation    = "relation"
	UseParquetPath = "parquet_path"
)

// Defaults carries global config values the compiler needs.
type Defaults struct {
	RowsPerPage int
}

// CacheSettings is the normalised cache block.
type CacheSettings struct {
	Mode             string
	OrderBy          []string
	RowsPerPage      int
	InvariantFilters []InvariantFilter
}

// InvariantFilter is the normalised form of one invariant_filters entry.
type InvariantFilter struct {
	Param           string
	Column          string
	Separator       string
	CaseInsensitive bool
}

// OverrideSettings is the normalised overrides block.
type OverrideSettings struct {
	KeyColumns []string
	Allowed    []string
}

// Allows reports whether column is listed in the allowed set.
func (o OverrideSettings) Allows(column string) bool {
	for _, c := range o.Allowed {
		if c == column {
			return true
		}
	}
	return false
}

// AppendSettings is the normalised append block.
type AppendSettings struct {
	Enabled bool
	Name    string
}

// CallableRef is a resolved preprocess descriptor: exactly one of
// Module or Path is set.  Key() addresses the registry.
type CallableRef struct {
	Module  string
	Path    string
	Name    string
	Options map[string]any
}

// Key returns the registry key, "module:name" or "path:name".
func (c CallableRef) Key() string {
	if c.Module != "" {
		return c.Module + ":" + c.Name
	}
	return c.Path + ":" + c.Name
}

// Use is the normalised dependency declaration.
type Use struct {
	Alias string
	Call  string
	Mode  string
	Args  map[string]string
}

// Definition is the compiled route.  Immutable after Compile returns.
type Definition struct {
	ID      string
	Path    string
	Methods []string

	RawSQL      string
	PreparedSQL string
	BindSQL     string
	ParamOrder  []string
	Params      []param.Spec

	Cache      CacheSettings
	Overrides  OverrideSettings
	Append     AppendSettings
	Preprocess []CallableRef
	Uses       []Use

	// Extra holds unclaimed YAML keys: view configs (html_t, html_c,
	// feed), charts, descriptions.  Renderers read it; the executor
	// never does.
	Extra map[string]any
}

// CacheEnabled reports whether results materialise to pages.
func (d *Definition) CacheEnabled() bool { return d.Cache.Mode == ModeMaterialize }

// ParamSpec finds a declared parameter by name.
func (d *Definition) ParamSpec(name string) (param.Spec, bool) {
	for _, sp := range d.Params {
		if sp.Name == name {
			return sp, true
		}
	}
	return param.Spec{}, false
}

// InvariantFilterFor finds the invariant filter declared for a
// parameter name, if any.
func (d *Definition) InvariantFilterFor(name string) (InvariantFilter, bool) {
	for _, f := range d.Cache.InvariantFilters {
		if f.Param == name {
			return f, true
		}
	}
	return InvariantFilter{}, false
}

// Compile builds a Definition from a metadata block and a SQL string.
func Compile(meta Metadata, rawSQL string, defs Defaults, extra map[string]any) (*Definition, error) {
	if strings.TrimSpace(meta.ID) == "" {
		return nil, fmt.Errorf("route metadata missing id")
	}
	id := strings.TrimSpace(meta.ID)

	mergeDirectives(&meta, parseDirectives(rawSQL))

	// Methods: default GET, uppercase, restricted set.
	methods := meta.Methods
	if len(methods) == 0 {
		methods = []string{"GET"}
	}
	for i, m := range methods {
		mu := strings.ToUpper(strings.TrimSpace(m))
		if mu != "GET" && mu != "POST" {
			return nil, fmt.Errorf("route %s: unsupported method %q", id, m)
		}
		methods[i] = mu
	}

	path := strings.TrimSpace(meta.Path)
	if path == "" {
		path = "/r/" + id
	}
	if !strings.HasPrefix(path, "/") {
		return nil, fmt.Errorf("route %s: path %q must start with /", id, path)
	}

	// Parameters: unique names, valid types, typed defaults.
	declared := make(map[string]struct{}, len(meta.Params))
	params := make([]param.Spec, len(meta.Params))
	for i, sp := range meta.Params {
		if !validIdent(sp.Name) {
			return nil, fmt.Errorf("route %s: parameter name %q is not an identifier", id, sp.Name)
		}
		if _, dup := declared[sp.Name]; dup {
			return nil, fmt.Errorf("route %s: duplicate parameter %q", id, sp.Name)
		}
		declared[sp.Name] = struct{}{}

		typ, err := param.ParseType(string(sp.Type))
		if err != nil {
			return nil, fmt.Errorf("route %s: parameter %q: %w", id, sp.Name, err)
		}
		sp.Type = typ

		def, err := sp.NormalizeDefault()
		if err != nil {
			return nil, fmt.Errorf("route %s: %w", id, err)
		}
		sp.Default = def
		params[i] = sp
	}

	rw, err := rewritePlaceholders(rawSQL, declared)
	if err != nil {
		return nil, fmt.Errorf("route %s: %w", id, err)
	}

	cache, err := normalizeCache(id, meta.Cache, declared, defs)
	if err != nil {
		return nil, err
	}

	overrides := OverrideSettings{
		KeyColumns: []string(meta.Overrides.KeyColumns),
		Allowed:    []string(meta.Overrides.Allowed),
	}

	app := AppendSettings{Enabled: meta.Append.present, Name: strings.TrimSpace(meta.Append.Name)}
	if app.Enabled && app.Name == "" {
		return nil, qerr.AppendMisconfigured(id)
	}

	pre, err := normalizePreprocess(id, meta.Preprocess)
	if err != nil {
		return nil, err
	}

	uses, err := normalizeUses(id, meta.Uses)
	if err != nil {
		return nil, err
	}

	return &Definition{
		ID:          id,
		Path:        path,
		Methods:     methods,
		RawSQL:      rawSQL,
		PreparedSQL: rw.prepared,
		BindSQL:     rw.bind,
		ParamOrder:  rw.order,
		Params:      params,
		Cache:       cache,
		Overrides:   overrides,
		Append:      app,
		Preprocess:  pre,
		Uses:        uses,
		Extra:       extra,
	}, nil
}

func normalizeCache(id string, raw CacheMeta, declared map[string]struct{}, defs Defaults) (CacheSettings, error) {
	out := CacheSettings{Mode: ModePassthrough}
	if !raw.present {
		return out, nil
	}

	mode := strings.ToLower(strings.TrimSpace(raw.Mode))
	if mode == "" {
		mode = ModeMaterialize
	}
	if mode != ModeMaterialize && mode != ModePassthrough {
		return out, fmt.Errorf("route %s: cache.mode %q is not materialize or passthrough", id, raw.Mode)
	}
	out.Mode = mode

	for _, col := range raw.OrderBy {
		if col = strings.ToLower(strings.TrimSpace(col)); col != "" {
			out.OrderBy = append(out.OrderBy, col)
		}
	}

	out.RowsPerPage = raw.RowsPerPage
	if out.RowsPerPage <= 0 {
		out.RowsPerPage = defs.RowsPerPage
	}
	if out.RowsPerPage <= 0 {
		out.RowsPerPage = 5000
	}

	for _, f := range raw.InvariantFilters {
		if _, ok := declared[f.Param]; !ok {
			return out, fmt.Errorf("route %s: invariant filter names undeclared parameter %q", id, f.Param)
		}
		col := strings.TrimSpace(f.Column)
		if col == "" {
			col = f.Param
		}
		out.InvariantFilters = append(out.InvariantFilters, InvariantFilter{
			Param:           f.Param,
			Column:          col,
			Separator:       f.Separator,
			CaseInsensitive: f.CaseInsensitive,
		})
	}

	if out.Mode == ModeMaterialize && len(out.OrderBy) == 0 {
		return out, fmt.Errorf("route %s: cache.order_by is required when materialising", id)
	}
	// Invariant filters on a passthrough route are declared but inert.
	return out, nil
}

func normalizePreprocess(id string, raw []PreprocessMeta) ([]CallableRef, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make([]CallableRef, 0, len(raw))
	for i, p := range raw {
		ref := CallableRef{
			Module:  strings.TrimSpace(p.CallableModule),
			Path:    strings.TrimSpace(p.CallablePath),
			Name:    strings.TrimSpace(p.CallableName),
			Options: p.Options,
		}

		if legacy := strings.TrimSpace(p.Callable); legacy != "" {
			if ref.Module != "" || ref.Path != "" || ref.Name != "" {
				return nil, qerr.New(qerr.CodeCallableResolution, qerr.KindData,
					"route %s: preprocess[%d] mixes callable shorthand with explicit fields", id, i)
			}
			mod, name, found := strings.Cut(legacy, ":")
			if !found || mod == "" || name == "" {
				return nil, qerr.New(qerr.CodeCallableResolution, qerr.KindData,
					"route %s: preprocess[%d] shorthand %q is not pkg.mod:func", id, i, legacy)
			}
			ref.Module, ref.Name = mod, name
		}

		switch {
		case ref.Name == "":
			return nil, qerr.New(qerr.CodeCallableResolution, qerr.KindData,
				"route %s: preprocess[%d] missing callable_name", id, i)
		case ref.Module != "" && ref.Path != "":
			return nil, qerr.New(qerr.CodeCallableResolution, qerr.KindData,
				"route %s: preprocess[%d] sets both callable_module and callable_path", id, i)
		case ref.Module == "" && ref.Path == "":
			return nil, qerr.New(qerr.CodeCallableResolution, qerr.KindData,
				"route %s: preprocess[%d] needs callable_module or callable_path", id, i)
		}
		out = append(out, ref)
	}
	return out, nil
}

func normalizeUses(id string, raw []UseMeta) ([]Use, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make([]Use, 0, len(raw))
	seen := map[string]struct{}{}
	for i, u := range raw {
		alias := strings.TrimSpace(u.Alias)
		call := strings.TrimSpace(u.Call)
		mode := strings.ToLower(strings.TrimSpace(u.Mode))
		if mode == "" {
			mode = UseRelation
		}
		if alias == "" || !validIdent(alias) {
			return nil, fmt.Errorf("route %s: uses[%d] alias %q is not an identifier", id, i, u.Alias)
		}
		if _, dup := seen[alias]; dup {
			return nil, fmt.Errorf("route %s: duplicate use alias %q", id, alias)
		}
		seen[alias] = struct{}{}
		if call == "" {
			return nil, fmt.Errorf("route %s: uses[%d] missing call", id, i)
		}
		if mode != UseRelation && mode != UseParquetPath {
			return nil, fmt.Errorf("route %s: uses[%d] mode %q is not relation or parquet_path", id, i, u.Mode)
		}
		out = append(out, Use{Alias: alias, Call: call, Mode: mode, Args: u.Args})
	}
	return out, nil
}
