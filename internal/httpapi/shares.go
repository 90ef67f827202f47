// internal/httpapi/shares.go
//
// Share-link endpoints: mint and consume.
//
// Context
// -------
// POST /shares captures (route, params, format) into a token; anyone
// holding the token replays that execution at GET /s/{token} without
// authenticating.  The creator's identity is recorded when a session is
// present, but creation itself is open — routes are public, so a share
// grants nothing the query string would not.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/yanizio/querydeck/internal/auth"
	"github.com/yanizio/querydeck/internal/qerr"
	"github.com/yanizio/querydeck/internal/render"
	"github.com/yanizio/querydeck/internal/requestmeta"
	"github.com/yanizio/querydeck/internal/session"
	"github.com/yanizio/querydeck/internal/share"
)

type shareCreateRequest struct {
	Route      string            `json:"route"`
	Params     map[string]string `json:"params"`
	Format     string            `json:"format"`
	TTLSeconds int               `json:"ttl_seconds"`
	MaxUses    int               `json:"max_uses"`
	BindUA     bool              `json:"bind_ua"`
	BindIP     bool              `json:"bind_ip"`
}

func (a *API) handleShareCreate(w http.ResponseWriter, r *http.Request) {
	var req shareCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, r, qerr.New(qerr.CodeInvalidParameter, qerr.KindUser, "malformed share request: %v", err))
		return
	}

	def, ok := a.routes.Get(req.Route)
	if !ok {
		a.writeError(w, r, qerr.New(qerr.CodeInvalidParameter, qerr.KindUser, "route %q is not registered", req.Route))
		return
	}
	format := req.Format
	if format == "" {
		format = string(render.FormatJSON)
	}
	if _, ok := render.ParseFormat(format); !ok {
		a.writeError(w, r, qerr.New(qerr.CodeInvalidParameter, qerr.KindUser, "unknown format %q", req.Format))
		return
	}

	opt := share.CreateOptions{
		RouteID: def.ID,
		Params:  req.Params,
		Format:  format,
		BindUA:  req.BindUA,
		BindIP:  req.BindIP,
		TTL:     time.Duration(req.TTLSeconds) * time.Second,
		MaxUses: req.MaxUses,
	}
	if u, ok := auth.FromContext(r.Context()); ok {
		opt.OwnerHash = share.HashOwner(session.EmailHash(u.Email))
	}

	token, rec, err := a.shares.Create(r.Context(), opt, requestmeta.FromContext(r.Context()))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"token":      token,
		"url":        "/s/" + token,
		"route":      rec.RouteID,
		"format":     rec.Format,
		"expires_at": rec.ExpiresAt,
		"max_uses":   rec.MaxUses,
	})
}

// handleShareConsume burns one use and replays the captured execution.
// Offset and limit still apply so large shared results stay pageable;
// the captured parameters and format do not.
func (a *API) handleShareConsume(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	rec, err := a.shares.Consume(r.Context(), token, requestmeta.FromContext(r.Context()))
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	params, err := rec.Params()
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	def, ok := a.routes.Get(rec.RouteID)
	if !ok {
		a.writeError(w, r, qerr.New(qerr.CodeRouteExecution, qerr.KindData,
			"shared route %q is no longer registered", rec.RouteID))
		return
	}
	opts, err := sliceOptions(r.URL.Query())
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	res, err := a.exec.Execute(r.Context(), def, params, opts)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	format, ok := render.ParseFormat(rec.Format)
	if !ok {
		format = render.FormatJSON
	}
	a.respond(w, format, res, def)
}
