// internal/httpapi/overrides.go
//
// Cell override endpoints.
//
// Context
// -------
// Overrides are the one mutating surface of the runtime, so they are
// the one surface that demands identity: no session, no override.  The
// allowed-column gate also lives here — the overlay store itself writes
// whatever it is told, and the spec for what a route permits belongs to
// the route's metadata.
//
// A row is addressed either by a precomputed row_key or by the ordered
// key-column values under "key"; the latter is hashed with the same
// discipline the executor uses when applying, so a client never has to
// reimplement the hash.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/yanizio/querydeck/internal/auth"
	"github.com/yanizio/querydeck/internal/overlay"
	"github.com/yanizio/querydeck/internal/qerr"
	"github.com/yanizio/querydeck/internal/route"
	"github.com/yanizio/querydeck/internal/session"
)

type overrideRequest struct {
	RowKey string `json:"row_key"`
	Key    []any  `json:"key"`
	Column string `json:"column"`
	Value  any    `json:"value"`
	Reason string `json:"reason"`
}

// decodeOverride parses the body and resolves the row key and column
// against the route's override settings.
func (a *API) decodeOverride(r *http.Request) (*route.Definition, overrideRequest, string, error) {
	id := chi.URLParam(r, "id")
	def, ok := a.routes.Get(id)
	if !ok {
		return nil, overrideRequest{}, "", qerr.New(qerr.CodeInvalidParameter, qerr.KindUser,
			"route %q is not registered", id)
	}

	var req overrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, overrideRequest{}, "", qerr.New(qerr.CodeInvalidParameter, qerr.KindUser,
			"malformed override request: %v", err)
	}
	if req.Column == "" {
		return nil, overrideRequest{}, "", qerr.New(qerr.CodeInvalidParameter, qerr.KindUser,
			"column is required")
	}

	rowKey := req.RowKey
	if rowKey == "" {
		if len(req.Key) == 0 {
			return nil, overrideRequest{}, "", qerr.New(qerr.CodeInvalidParameter, qerr.KindUser,
				"row_key or key is required")
		}
		rowKey = overlay.RowKey(req.Key)
	}

	if len(def.Overrides.Allowed) == 0 {
		return nil, overrideRequest{}, "", qerr.ForbiddenOverride(def.ID)
	}
	if !def.Overrides.Allows(req.Column) {
		return nil, overrideRequest{}, "", qerr.New(qerr.CodeForbiddenOverride, qerr.KindUser,
			"column %q is not overridable on route %s", req.Column, def.ID)
	}
	return def, req, rowKey, nil
}

func (a *API) handleOverrideUpsert(w http.ResponseWriter, r *http.Request) {
	user, err := auth.Require(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	def, req, rowKey, err := a.decodeOverride(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	author := user.DisplayName
	if author == "" {
		author = user.Email
	}
	uid := session.EmailHash(user.Email)
	var reason *string
	if req.Reason != "" {
		reason = &req.Reason
	}

	if err := a.overlays.Upsert(r.Context(), def.ID, rowKey, req.Column, req.Value, reason, &author, &uid); err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"route":   def.ID,
		"row_key": rowKey,
		"column":  req.Column,
	})
}

func (a *API) handleOverrideRemove(w http.ResponseWriter, r *http.Request) {
	if _, err := auth.Require(r.Context()); err != nil {
		a.writeError(w, r, err)
		return
	}
	def, req, rowKey, err := a.decodeOverride(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	removed, err := a.overlays.Remove(r.Context(), def.ID, rowKey, req.Column)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"route":   def.ID,
		"row_key": rowKey,
		"column":  req.Column,
		"removed": removed,
	})
}
