// internal/httpapi/sessions.go
//
// Pseudo-auth endpoints.
//
// Context
// -------
// Login takes an email at face value and mints a session; there is no
// password and no verification round-trip.  The token rides back both
// in the body (for API clients) and in an HttpOnly cookie (for the
// browser views).  Logout revokes whichever token the request carries
// and clears the cookie.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/yanizio/querydeck/internal/qerr"
	"github.com/yanizio/querydeck/internal/requestmeta"
)

var validate = validator.New()

type loginRequest struct {
	Email       string `json:"email" validate:"required,email"`
	DisplayName string `json:"display_name"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, r, qerr.New(qerr.CodeInvalidParameter, qerr.KindUser, "malformed login request: %v", err))
		return
	}
	if err := validate.Struct(&req); err != nil {
		a.writeError(w, r, qerr.New(qerr.CodeInvalidParameter, qerr.KindUser, "email address is not valid"))
		return
	}

	token, rec, err := a.sessions.Create(r.Context(), req.Email, req.DisplayName, 0, requestmeta.FromContext(r.Context()))
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    token,
		Path:     "/",
		Expires:  rec.ExpiresAt,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"email":      rec.Email,
		"expires_at": rec.ExpiresAt,
	})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if token := sessionToken(r); token != "" {
		if err := a.sessions.Revoke(r.Context(), token); err != nil {
			a.writeError(w, r, err)
			return
		}
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	w.WriteHeader(http.StatusNoContent)
}
