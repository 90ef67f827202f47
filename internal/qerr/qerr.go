// internal/qerr/qerr.go
//
// Tagged error type for the route runtime.
//
// Context
// -------
// Every failure that can cross a package boundary carries a stable string
// code (e.g., "missing_parameter", "cache_corrupted") plus a coarse kind
// that tells the transport layer how to treat it: user mistakes map to
// 4xx and are surfaced verbatim, data errors pass the upstream message
// through, and system errors are logged in full but presented as opaque
// codes.  The underlying cause is wrapped, so errors.Is and errors.As
// keep working through the tag.
//
// Codes are part of the public API — clients switch on them — so they
// never change once shipped.
//
// Notes
// -----
// • Oxford commas, two spaces after periods.
package qerr

import (
	"errors"
	"fmt"
)

// Kind classifies who is at fault.  The HTTP layer maps kinds and codes
// to status classes; nothing below the transport should look at Kind.
type Kind int

const (
	// KindUser marks request-side mistakes: bad parameter values, spent
	// share tokens, missing credentials.  Surfaced verbatim.
	KindUser Kind = iota
	// KindData marks failures in authored SQL, preprocessors, or stored
	// artifacts.  The upstream message is passed through, stack traces
	// are not.
	KindData
	// KindSystem marks everything else: engine faults, I/O, cycles,
	// misconfiguration.  Logged in full, surfaced as an opaque code.
	KindSystem
)

// Stable error codes.  Grouped by origin.
const (
	CodeMissingParameter  = "missing_parameter"
	CodeInvalidParameter  = "invalid_parameter"
	CodeUnknownParameter  = "unknown_parameter"
	CodeForbiddenOverride = "forbidden_override"
	CodeNotAuthenticated  = "not_authenticated"

	CodeInvalidToken      = "invalid_token"
	CodeShareExpired      = "share_expired"
	CodeShareUsed         = "share_used"
	CodeUserAgentMismatch = "user_agent_mismatch"
	CodeIPPrefixMismatch  = "ip_prefix_mismatch"

	CodeAppendMisconfigured = "append_misconfigured"
	CodeCircularDependency  = "circular_dependency"
	CodeCallableResolution  = "callable_resolution_error"
	CodeRouteExecution      = "route_execution_error"
	CodePreprocess          = "preprocess_error"
	CodeCacheCorrupted      = "cache_corrupted"
)

// Error is the tagged error.  Code and Kind are always set; Err may be
// nil when the tag itself is the whole story.
type Error struct {
	Code    string
	Kind    Kind
	Message string
	Err     error
}

// Error renders "<code>: <message>" and appends the cause when present.
func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return e.Code + ": " + e.Message + ": " + e.Err.Error()
	case e.Message != "":
		return e.Code + ": " + e.Message
	case e.Err != nil:
		return e.Code + ": " + e.Err.Error()
	default:
		return e.Code
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a tagged error with a formatted message.
func New(code string, kind Kind, format string, args ...any) *Error {
	return &Error{Code: code, Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap tags an underlying error.  A nil cause returns nil so call sites
// can wrap unconditionally.
func Wrap(code string, kind Kind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf extracts the code from err, or "" when err carries no tag.
func CodeOf(err error) string {
	var qe *Error
	if errors.As(err, &qe) {
		return qe.Code
	}
	return ""
}

// KindOf extracts the kind, defaulting to KindSystem for untagged errors.
func KindOf(err error) Kind {
	var qe *Error
	if errors.As(err, &qe) {
		return qe.Kind
	}
	return KindSystem
}

// IsCode reports whether err (or anything it wraps) carries code.
func IsCode(err error, code string) bool {
	var qe *Error
	if errors.As(err, &qe) {
		return qe.Code == code
	}
	return false
}

/*──────────────────────────── constructors ────────────────────────────────*/

// The ladder below keeps call sites one-liners.  Message text is part of
// the operator-facing surface; keep it short and name the offending thing.

func MissingParameter(name string) *Error {
	return New(CodeMissingParameter, KindUser, "required parameter %q has no value", name)
}

func InvalidParameter(name, want string, err error) *Error {
	e := New(CodeInvalidParameter, KindUser, "parameter %q is not a valid %s", name, want)
	e.Err = err
	return e
}

func UnknownParameter(name string) *Error {
	return New(CodeUnknownParameter, KindData, "placeholder %q is not declared in params", name)
}

func ForbiddenOverride(routeID string) *Error {
	return New(CodeForbiddenOverride, KindUser, "route %q does not allow overrides", routeID)
}

func NotAuthenticated() *Error {
	return New(CodeNotAuthenticated, KindUser, "sign-in required")
}

func InvalidToken() *Error {
	return New(CodeInvalidToken, KindUser, "share token not recognised")
}

func ShareExpired() *Error {
	return New(CodeShareExpired, KindUser, "share link has expired")
}

func ShareUsed() *Error {
	return New(CodeShareUsed, KindUser, "share link has no uses left")
}

func UserAgentMismatch() *Error {
	return New(CodeUserAgentMismatch, KindUser, "share link is bound to a different browser")
}

func IPPrefixMismatch() *Error {
	return New(CodeIPPrefixMismatch, KindUser, "share link is bound to a different network")
}

func AppendMisconfigured(routeID string) *Error {
	return New(CodeAppendMisconfigured, KindSystem, "route %q enables append mode without a name", routeID)
}

func CircularDependency(chain []string) *Error {
	msg := "dependency cycle: "
	for i, id := range chain {
		if i > 0 {
			msg += " -> "
		}
		msg += id
	}
	return &Error{Code: CodeCircularDependency, Kind: KindSystem, Message: msg}
}
