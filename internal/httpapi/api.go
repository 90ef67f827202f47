// internal/httpapi/api.go
//
// HTTP adaptation layer.
//
// Context
// -------
// The runtime core is wire-agnostic: the executor, the stores, and the
// renderers all speak Go values.  This package owns the translation in
// both directions — query strings and JSON bodies into executor calls,
// results and tagged errors back onto the wire.  One API value wires
// the whole surface:
//
//   GET/POST <route.path>        execute a route (per its methods)
//   GET  /routes                 catalogue of registered routes
//   POST /shares                 mint a share link
//   GET  /s/{token}              consume a share link
//   PUT  /routes/{id}/overrides  pin one cell
//   DELETE /routes/{id}/overrides  unpin one cell
//   POST /login, /logout         pseudo-auth sessions (mode "pseudo")
//   GET  /metrics                Prometheus
//
// Sessions ride a cookie or a bearer token; an invalid session never
// fails a request, it just leaves it anonymous.  Endpoints that need
// identity ask auth.Require themselves.
//
// Notes
// -----
// • Oxford commas, two spaces after periods.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/yanizio/querydeck/internal/auth"
	"github.com/yanizio/querydeck/internal/executor"
	"github.com/yanizio/querydeck/internal/overlay"
	"github.com/yanizio/querydeck/internal/requestmeta"
	"github.com/yanizio/querydeck/internal/route"
	"github.com/yanizio/querydeck/internal/session"
	"github.com/yanizio/querydeck/internal/share"
)

// sessionCookie names the pseudo-auth session cookie.
const sessionCookie = "qd_session"

// API wires handlers to the runtime stores.
type API struct {
	routes   *route.Registry
	exec     *executor.Executor
	shares   *share.Store
	sessions *session.Store
	overlays *overlay.Store
	authMode string
	log      *zap.SugaredLogger
}

// New builds the API.  authMode "pseudo" mounts the login endpoints;
// any other value leaves them off.
func New(routes *route.Registry, exec *executor.Executor, shares *share.Store, sessions *session.Store, overlays *overlay.Store, authMode string) *API {
	return &API{
		routes:   routes,
		exec:     exec,
		shares:   shares,
		sessions: sessions,
		overlays: overlays,
		authMode: authMode,
		log:      zap.S(),
	}
}

// Router assembles the chi mux.  Route paths come from the registry, so
// the handler set is fixed at boot; editing route files requires a
// restart.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(requestmeta.Enrich)
	r.Use(a.withUser)

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/routes", a.handleCatalog)
	r.Post("/shares", a.handleShareCreate)
	r.Get("/s/{token}", a.handleShareConsume)
	r.Put("/routes/{id}/overrides", a.handleOverrideUpsert)
	r.Delete("/routes/{id}/overrides", a.handleOverrideRemove)
	if a.authMode == "pseudo" {
		r.Post("/login", a.handleLogin)
		r.Post("/logout", a.handleLogout)
	}

	for _, def := range a.routes.All() {
		h := a.routeHandler(def)
		for _, m := range def.Methods {
			r.Method(m, def.Path, h)
		}
	}
	return r
}

// withUser resolves the session token, if any, and attaches the user.
// Anonymous requests pass through untouched.
func (a *API) withUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token := sessionToken(r); token != "" && a.sessions != nil {
			if rec, err := a.sessions.Resolve(r.Context(), token); err == nil {
				u := auth.User{Email: rec.Email}
				if rec.DisplayName != nil {
					u.DisplayName = *rec.DisplayName
				}
				r = r.WithContext(auth.WithUser(r.Context(), u))
			}
		}
		next.ServeHTTP(w, r)
	})
}

// sessionToken pulls the token from the Authorization header or the
// session cookie, in that order.
func sessionToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	if c, err := r.Cookie(sessionCookie); err == nil {
		return c.Value
	}
	return ""
}

// handleCatalog lists registered routes with their parameter specs, in
// registration order.
func (a *API) handleCatalog(w http.ResponseWriter, r *http.Request) {
	defs := a.routes.All()
	out := make([]map[string]any, 0, len(defs))
	for _, def := range defs {
		entry := map[string]any{
			"id":         def.ID,
			"path":       def.Path,
			"methods":    def.Methods,
			"cache_mode": def.Cache.Mode,
		}
		if len(def.Params) > 0 {
			ps := make([]map[string]any, len(def.Params))
			for i, sp := range def.Params {
				p := map[string]any{
					"name":     sp.Name,
					"type":     string(sp.Type),
					"required": sp.Required,
				}
				if sp.Default != nil {
					p["default"] = sp.Default
				}
				if sp.UILabel != "" {
					p["label"] = sp.UILabel
				}
				ps[i] = p
			}
			entry["params"] = ps
		}
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, map[string]any{"routes": out})
}

// writeJSON encodes one response body.  Encoding failures after the
// header is out can only be logged.
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		zap.S().Errorw("response encode failed", "error", err)
	}
}
