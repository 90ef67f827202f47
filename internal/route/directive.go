// internal/route/directive.go
//
// Inline SQL directives.
//
// Context
// -------
// Route authors may annotate the SQL itself with lines of the form
//
//	-- @cache order_by=day rows_per_page=1000
//	-- @cache mode=passthrough
//	-- @append name=daily_log
//
// The compiler merges these into the structured YAML metadata before
// normalisation: list keys append, scalar keys fill only when the YAML
// left them empty (structured metadata wins conflicts).  Sections other
// than cache and append are ignored with a debug log, so stray
// annotations never break a route.
package route

import (
	"strconv"
	"strings"

	"go.uber.org/zap"
)

type directive struct {
	section string
	pairs   map[string]string
}

// parseDirectives extracts `-- @section k=v …` lines from SQL.
func parseDirectives(sql string) []directive {
	var out []directive
	for _, line := range strings.Split(sql, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "--") {
			continue
		}
		body := strings.TrimSpace(strings.TrimPrefix(trimmed, "--"))
		if !strings.HasPrefix(body, "@") {
			continue
		}
		fields := strings.Fields(body)
		if len(fields) < 2 {
			continue
		}
		d := directive{section: strings.TrimPrefix(fields[0], "@"), pairs: map[string]string{}}
		for _, f := range fields[1:] {
			k, v, found := strings.Cut(f, "=")
			if !found || k == "" {
				continue
			}
			d.pairs[k] = v
		}
		if len(d.pairs) > 0 {
			out = append(out, d)
		}
	}
	return out
}

// mergeDirectives folds parsed directives into the metadata in place.
func mergeDirectives(meta *Metadata, dirs []directive) {
	for _, d := range dirs {
		switch d.section {
		case "cache":
			meta.Cache.present = true
			for k, v := range d.pairs {
				switch k {
				case "mode":
					if meta.Cache.Mode == "" {
						meta.Cache.Mode = v
					}
				case "order_by":
					for _, col := range strings.Split(v, ",") {
						if col = strings.TrimSpace(col); col != "" {
							meta.Cache.OrderBy = append(meta.Cache.OrderBy, col)
						}
					}
				case "rows_per_page":
					if meta.Cache.RowsPerPage == 0 {
						if n, err := strconv.Atoi(v); err == nil && n > 0 {
							meta.Cache.RowsPerPage = n
						}
					}
				default:
					zap.S().Debugw("ignoring cache directive key", "key", k)
				}
			}
		case "append":
			meta.Append.present = true
			if v, ok := d.pairs["name"]; ok && meta.Append.Name == "" {
				meta.Append.Name = v
			}
		default:
			zap.S().Debugw("ignoring directive section", "section", d.section)
		}
	}
}
