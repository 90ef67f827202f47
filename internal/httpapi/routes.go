// internal/httpapi/routes.go
//
// Route execution handlers.
//
// Context
// -------
// Every registered route mounts at its own path.  Parameters arrive as
// query values, and for POST also as form fields; three keys are
// reserved for the transport and never reach the parameter map:
//
//   offset, limit   result slice (limit -1 or absent = to the end)
//   format          output encoding, see internal/render
//
// Multi-valued parameters (invariant token lists) are a single value
// with the route's declared separator, so only the first form value per
// key is read.
package httpapi

import (
	"net/http"
	"net/url"
	"strconv"

	"github.com/yanizio/querydeck/internal/executor"
	"github.com/yanizio/querydeck/internal/qerr"
	"github.com/yanizio/querydeck/internal/render"
	"github.com/yanizio/querydeck/internal/route"
)

// reservedKeys never become route parameters.
var reservedKeys = map[string]struct{}{
	"offset": {},
	"limit":  {},
	"format": {},
}

func (a *API) routeHandler(def *route.Definition) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			a.writeError(w, r, qerr.New(qerr.CodeInvalidParameter, qerr.KindUser, "malformed request body"))
			return
		}

		raw := make(map[string]string, len(r.Form))
		for k, vs := range r.Form {
			if _, reserved := reservedKeys[k]; reserved || len(vs) == 0 {
				continue
			}
			raw[k] = vs[0]
		}

		opts, err := sliceOptions(r.Form)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		format, err := render.Negotiate(r.Form.Get("format"), def)
		if err != nil {
			a.writeError(w, r, qerr.New(qerr.CodeInvalidParameter, qerr.KindUser, "%v", err))
			return
		}

		res, err := a.exec.Execute(r.Context(), def, raw, opts)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		a.respond(w, format, res, def)
	}
}

// respond streams one encoded result.  Encoding failures mid-body
// cannot change the status line; they are logged and the connection is
// left to die.
func (a *API) respond(w http.ResponseWriter, format render.Format, res *executor.Result, def *route.Definition) {
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("X-Request-Id", res.RequestID)
	switch format {
	case render.FormatParquet:
		w.Header().Set("Content-Disposition", `attachment; filename="`+res.RouteID+`.parquet"`)
	case render.FormatArrow:
		w.Header().Set("Content-Disposition", `attachment; filename="`+res.RouteID+`.arrows"`)
	}

	if err := render.Write(w, format, res, def); err != nil {
		a.log.Errorw("response encoding failed",
			"route", res.RouteID, "format", format, "error", err)
	}
}

// sliceOptions parses the reserved offset and limit keys.
func sliceOptions(form url.Values) (executor.Options, error) {
	opts := executor.Options{Limit: -1}
	if s := form.Get("offset"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return opts, qerr.New(qerr.CodeInvalidParameter, qerr.KindUser,
				"offset %q is not a non-negative integer", s)
		}
		opts.Offset = n
	}
	if s := form.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return opts, qerr.New(qerr.CodeInvalidParameter, qerr.KindUser,
				"limit %q is not an integer", s)
		}
		opts.Limit = n
	}
	return opts, nil
}
