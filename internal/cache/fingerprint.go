// internal/cache/fingerprint.go
//
// Cache-key fingerprints.
//
// Context
// -------
// A cache directory is keyed by (route id, fingerprint), where the
// fingerprint hashes the coerced parameter values that are NOT
// invariant filters.  Invariant parameters post-filter cached pages, so
// excluding them lets every value of such a parameter share one
// materialisation.  Key order never matters; values are encoded with
// the same canonical tokens the invariant index uses.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// fingerprintLen is the hex length kept from the digest.  Half a
// SHA-256 is plenty for directory names and keeps paths readable.
const fingerprintLen = 32

// Fingerprint hashes routeID plus the canonical encoding of params,
// skipping names present in exclude.  Stable under key permutation.
func Fingerprint(routeID string, params map[string]any, exclude map[string]bool) string {
	names := make([]string, 0, len(params))
	for name := range params {
		if exclude[name] {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(routeID)
	for _, name := range names {
		b.WriteByte('\n')
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(Token(params[name], false))
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])[:fingerprintLen]
}
