// internal/route/scan.go
//
// Placeholder scanner and rewriter.
//
// Context
// -------
// Authored SQL references parameters as `{{name}}` or `$name`.  One
// left-to-right scan produces two rewritten forms plus the bind order:
//
//   prepared — canonical `$param_<name>` placeholders (the durable,
//              human-auditable form).
//   bind     — `?` positional markers for the engine, bound in
//              appearance order with repetition.
//
// The scan skips single-quoted literals and `--` line comments, so a
// dollar sign inside either never binds.  Rewriting is idempotent:
// `$param_<name>` for a declared `name` is recognised as already
// canonical, recorded in the order, and left untouched.
package route

import (
	"strings"

	"github.com/yanizio/querydeck/internal/qerr"
)

type rewriteResult struct {
	prepared string
	bind     string
	order    []string
}

func isIdentStart(b byte) bool {
	return b == '_' || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

func isIdentByte(b byte) bool {
	return isIdentStart(b) || (b >= '0' && b <= '9')
}

// rewritePlaceholders performs the scan.  declared maps parameter names
// to their specs' presence; an undeclared reference is terminal.
func rewritePlaceholders(sql string, declared map[string]struct{}) (rewriteResult, error) {
	var prep, bind strings.Builder
	prep.Grow(len(sql) + 64)
	bind.Grow(len(sql))

	var order []string
	emit := func(name string) {
		order = append(order, name)
		prep.WriteString("$param_")
		prep.WriteString(name)
		bind.WriteByte('?')
	}
	passthru := func(s string) {
		prep.WriteString(s)
		bind.WriteString(s)
	}

	i, n := 0, len(sql)
	for i < n {
		ch := sql[i]

		// Line comments pass through verbatim; directives live here.
		if ch == '-' && i+1 < n && sql[i+1] == '-' {
			j := strings.IndexByte(sql[i:], '\n')
			if j < 0 {
				passthru(sql[i:])
				break
			}
			passthru(sql[i : i+j+1])
			i += j + 1
			continue
		}

		// Single-quoted literal, honouring '' escapes.
		if ch == '\'' {
			j := i + 1
			for j < n {
				if sql[j] == '\'' {
					if j+1 < n && sql[j+1] == '\'' {
						j += 2
						continue
					}
					j++
					break
				}
				j++
			}
			passthru(sql[i:j])
			i = j
			continue
		}

		// {{name}}
		if ch == '{' && i+1 < n && sql[i+1] == '{' {
			rel := strings.Index(sql[i+2:], "}}")
			if rel < 0 {
				return rewriteResult{}, qerr.New(qerr.CodeUnknownParameter, qerr.KindData,
					"unterminated {{…}} placeholder at byte %d", i)
			}
			name := strings.TrimSpace(sql[i+2 : i+2+rel])
			if !validIdent(name) {
				return rewriteResult{}, qerr.New(qerr.CodeUnknownParameter, qerr.KindData,
					"malformed placeholder {{%s}}", name)
			}
			if _, ok := declared[name]; !ok {
				return rewriteResult{}, qerr.UnknownParameter(name)
			}
			emit(name)
			i += 2 + rel + 2
			continue
		}

		// $name, or already-canonical $param_<name>.
		if ch == '$' && i+1 < n && isIdentStart(sql[i+1]) {
			j := i + 1
			for j < n && isIdentByte(sql[j]) {
				j++
			}
			name := sql[i+1 : j]

			if base, ok := strings.CutPrefix(name, "param_"); ok {
				if _, declaredBase := declared[base]; declaredBase {
					emit(base)
					i = j
					continue
				}
			}
			if _, ok := declared[name]; !ok {
				return rewriteResult{}, qerr.UnknownParameter(name)
			}
			emit(name)
			i = j
			continue
		}

		prep.WriteByte(ch)
		bind.WriteByte(ch)
		i++
	}

	return rewriteResult{prepared: prep.String(), bind: bind.String(), order: order}, nil
}

func validIdent(s string) bool {
	if s == "" || !isIdentStart(s[0]) {
		return false
	}
	for i := 1; i < len(s); i++ {
		if !isIdentByte(s[i]) {
			return false
		}
	}
	return true
}
