package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	TenantID string `json:"tenant_id"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type acceptInviteRequest struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	pair, err := a.tokens.Login(r.Context(), req.Email, req.Password, trimmed(req.TenantID))
	if err != nil {
		a.handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	pair, err := a.tokens.Refresh(r.Context(), trimmed(req.RefreshToken))
	if err != nil {
		a.handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (a *API) handleAcceptInvite(w http.ResponseWriter, r *http.Request) {
	var req acceptInviteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	pair, err := a.tokens.AcceptInvite(r.Context(), trimmed(req.Token), req.Password)
	if err != nil {
		a.handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (a *API) handleInvitePreview(w http.ResponseWriter, r *http.Request) {
	inv, err := a.tokens.ValidateInvite(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		a.handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := a.tokens.Logout(r.Context(), rawTokenFromContext(r.Context())); err != nil {
		a.handleDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "unauthorized", "missing credentials")
		return
	}
	user, err := a.directory.GetUser(r.Context(), claims.Subject)
	if err != nil {
		a.handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":           user.ID,
		"email":        user.Email,
		"display_name": user.DisplayName,
		"status":       user.Status,
		"tenant_id":    claims.TenantID,
		"roles":        claims.Roles,
		"permissions":  claims.Permissions,
	})
}

// handleAuthContext returns the caller's access context for a tenant:
// roles, effective permissions and enabled applications.
func (a *API) handleAuthContext(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "unauthorized", "missing credentials")
		return
	}
	tenantID := trimmed(r.URL.Query().Get("tenant_id"))
	if tenantID == "" {
		tenantID = claims.TenantID
	}
	if tenantID == "" {
		writeError(w, r, http.StatusBadRequest, "bad_request", "tenant_id is required")
		return
	}
	acc, err := a.authz.AccessContext(r.Context(), tenantID, claims.Subject)
	if err != nil {
		a.handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}
