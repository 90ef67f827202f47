// internal/cache/token.go
//
// Invariant-filter value tokens.
//
// Context
// -------
// The manifest's invariant index keys pages by value token.  A token
// is a typed, single-line, injective encoding of a scalar: the same
// value always yields the same token, and two different values (within
// one declared type) never share one.  Both sides of the cache use the
// same function, so a request value and the column value it should
// match always land on the same key.
//
// Notes
// -----
// • Case folding applies to the string payload only; samples keep the
//   original case.
// • Oxford commas, two spaces after periods.
package cache

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// TokenNull keys NULL cells in the invariant index.
const TokenNull = "__null__"

// Token encodes one scalar as an index key.  caseInsensitive folds
// string payloads to lower case.
func Token(v any, caseInsensitive bool) string {
	switch val := v.(type) {
	case nil:
		return TokenNull
	case string:
		if caseInsensitive {
			val = strings.ToLower(val)
		}
		return "str:" + escapeToken(val)
	case []byte:
		return Token(string(val), caseInsensitive)
	case int64:
		return "num:" + strconv.FormatInt(val, 10)
	case int:
		return "num:" + strconv.FormatInt(int64(val), 10)
	case float64:
		return "num:" + canonicalFloat(val)
	case bool:
		if val {
			return "bool:true"
		}
		return "bool:false"
	case time.Time:
		return "datetime:" + val.UTC().Format(time.RFC3339Nano)
	default:
		return "str:" + escapeToken(Sample(v))
	}
}

// Sample renders the human-readable form stored next to a token.  It
// never folds case.
func Sample(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []byte:
		return string(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case int:
		return strconv.FormatInt(int64(val), 10)
	case float64:
		return canonicalFloat(val)
	case bool:
		return strconv.FormatBool(val)
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(val)
	}
}

// canonicalFloat renders integral doubles as plain integers so an
// int-typed parameter and a DOUBLE backing column agree on one token.
func canonicalFloat(f float64) string {
	if f == math.Trunc(f) && !math.IsInf(f, 0) && f >= math.MinInt64 && f <= math.MaxInt64 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// escapeToken keeps tokens single-line.  Only backslash and line
// control characters need armor; everything else passes through.
func escapeToken(s string) string {
	if !strings.ContainsAny(s, "\\\n\r\t") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 4)
	for _, r := range s {
		switch r {
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// RequestTokens expands one request value into the token set it
// constrains.  A non-empty separator splits string values into several
// tokens (list semantics); elements are trimmed, and empty elements
// are dropped.
func RequestTokens(v any, separator string, caseInsensitive bool) []string {
	s, isStr := v.(string)
	if separator == "" || !isStr || !strings.Contains(s, separator) {
		return []string{Token(v, caseInsensitive)}
	}
	parts := strings.Split(s, separator)
	tokens := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		tokens = append(tokens, Token(p, caseInsensitive))
	}
	if len(tokens) == 0 {
		return []string{Token("", caseInsensitive)}
	}
	return tokens
}
