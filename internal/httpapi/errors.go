// internal/httpapi/errors.go
//
// Tagged-error to HTTP translation.
//
// Context
// -------
// The propagation policy lives here and nowhere else: user errors are
// surfaced verbatim, data errors carry the upstream message without
// stack traces, and system errors are logged in full but presented as
// an opaque code.  Status codes follow the error code where one maps
// naturally and fall back to the kind's class.
package httpapi

import (
	"errors"
	"net/http"

	"github.com/yanizio/querydeck/internal/qerr"
)

// statusFor maps one error onto its response status.
func statusFor(err error) int {
	switch qerr.CodeOf(err) {
	case qerr.CodeMissingParameter, qerr.CodeInvalidParameter:
		return http.StatusBadRequest
	case qerr.CodeNotAuthenticated:
		return http.StatusUnauthorized
	case qerr.CodeForbiddenOverride, qerr.CodeUserAgentMismatch, qerr.CodeIPPrefixMismatch:
		return http.StatusForbidden
	case qerr.CodeInvalidToken:
		return http.StatusNotFound
	case qerr.CodeShareExpired, qerr.CodeShareUsed:
		return http.StatusGone
	}
	switch qerr.KindOf(err) {
	case qerr.KindUser:
		return http.StatusBadRequest
	case qerr.KindData:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders {"error": code, "message": …} per the propagation
// policy.
func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	code := qerr.CodeOf(err)
	if code == "" {
		code = "internal"
	}

	body := map[string]any{"error": code}
	switch qerr.KindOf(err) {
	case qerr.KindUser:
		var qe *qerr.Error
		if errors.As(err, &qe) {
			msg := qe.Message
			if qe.Err != nil {
				msg += ": " + qe.Err.Error()
			}
			body["message"] = msg
		}
	case qerr.KindData:
		// Full chain text: dependency wrapping adds context worth keeping.
		body["message"] = err.Error()
	default:
		a.log.Errorw("request failed",
			"method", r.Method, "path", r.URL.Path,
			"status", status, "error", err)
	}
	writeJSON(w, status, body)
}
