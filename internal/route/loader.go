// internal/route/loader.go
//
// Filesystem loader for route pairs.
//
// Context
// -------
// Routes live as sibling files under one directory:
//
//	routes/
//	    sales_by_day.sql
//	    sales_by_day.yaml
//	    top_regions.sql
//	    top_regions.yaml
//
// LoadDir walks the directory, compiles every pair, and registers the
// survivors.  A compile failure is terminal for that route only: it is
// logged with its file name and skipped, so one broken route never
// takes the process down with it.  A YAML file without its SQL twin
// (or vice versa) is reported the same way.
package route

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// LoadDir compiles every <name>.sql + <name>.yaml pair under dir into
// reg.  It returns the number of routes registered and the per-route
// failures; an unreadable directory is an error on its own.
func LoadDir(reg *Registry, dir string, defs Defaults) (int, []error, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, nil, fmt.Errorf("read routes dir %s: %w", dir, err)
	}

	names := make([]string, 0, len(entries))
	seen := map[string]struct{}{}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		base := e.Name()
		var name string
		switch {
		case strings.HasSuffix(base, ".yaml"):
			name = strings.TrimSuffix(base, ".yaml")
		case strings.HasSuffix(base, ".sql"):
			name = strings.TrimSuffix(base, ".sql")
		default:
			continue
		}
		if _, dup := seen[name]; !dup {
			seen[name] = struct{}{}
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var failures []error
	loaded := 0
	for _, name := range names {
		def, err := LoadPair(dir, name, defs)
		if err != nil {
			zap.S().Errorw("route failed to compile", "route", name, "err", err)
			failures = append(failures, err)
			continue
		}
		reg.Register(def)
		loaded++
		zap.S().Infow("route registered",
			"id", def.ID,
			"path", def.Path,
			"cache_mode", def.Cache.Mode,
			"params", len(def.Params),
		)
	}
	return loaded, failures, nil
}

// LoadPair compiles one named pair from dir.  It never touches any
// registry.
func LoadPair(dir, name string, defs Defaults) (*Definition, error) {
	yamlPath := filepath.Join(dir, name+".yaml")
	sqlPath := filepath.Join(dir, name+".sql")

	rawMeta, err := os.ReadFile(yamlPath)
	if err != nil {
		return nil, fmt.Errorf("route %s: read %s: %w", name, yamlPath, err)
	}
	rawSQL, err := os.ReadFile(sqlPath)
	if err != nil {
		return nil, fmt.Errorf("route %s: read %s: %w", name, sqlPath, err)
	}

	meta, extra, err := ParseMetadata(rawMeta)
	if err != nil {
		return nil, fmt.Errorf("route %s: %w", name, err)
	}
	if meta.ID == "" {
		meta.ID = name // file stem is the natural id
	}

	def, err := Compile(meta, string(rawSQL), defs, extra)
	if err != nil {
		return nil, err
	}
	return def, nil
}
