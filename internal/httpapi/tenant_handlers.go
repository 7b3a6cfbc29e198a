package httpapi

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tahplatform/accesshub/internal/authz"
)

type createTenantRequest struct {
	Name string `json:"name"`
	Slug string `json:"slug"`
}

type inviteUserRequest struct {
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
}

type createRoleRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type updateRoleRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	Status      *string `json:"status"`
}

type duplicateRoleRequest struct {
	Name          string `json:"name"`
	IncludeGrants bool   `json:"include_grants"`
}

type batchPermissionsRequest struct {
	Grant  []authz.GrantRef `json:"grant"`
	Revoke []authz.GrantRef `json:"revoke"`
}

type assignRoleRequest struct {
	RoleID string `json:"role_id"`
}

func (a *API) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	var req createTenantRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	tenant, err := a.directory.CreateTenant(r.Context(), req.Name, req.Slug)
	if err != nil {
		a.handleDomainError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/v1/tenants/%s", tenant.ID))
	writeJSON(w, http.StatusCreated, tenant)
}

func (a *API) handleGetTenant(w http.ResponseWriter, r *http.Request) {
	tenant, err := a.directory.GetTenant(r.Context(), chi.URLParam(r, "tenantID"))
	if err != nil {
		a.handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tenant)
}

func (a *API) handleSuspendTenant(w http.ResponseWriter, r *http.Request) {
	if err := a.directory.SuspendTenant(r.Context(), chi.URLParam(r, "tenantID")); err != nil {
		a.handleDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleDeleteTenant(w http.ResponseWriter, r *http.Request) {
	if err := a.directory.DeleteTenant(r.Context(), chi.URLParam(r, "tenantID")); err != nil {
		a.handleDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleInviteUser(w http.ResponseWriter, r *http.Request) {
	var req inviteUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	actor := actorID(r)
	m, err := a.directory.InviteUser(r.Context(), chi.URLParam(r, "tenantID"), req.Email, req.DisplayName, actor)
	if err != nil {
		a.handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"membership_id":     m.ID,
		"user_id":           m.UserID,
		"tenant_id":         m.TenantID,
		"status":            m.Status,
		"invite_token":      m.InviteToken,
		"invite_expires_at": m.InviteExpiresAt,
	})
}

func (a *API) handleEnableApplication(w http.ResponseWriter, r *http.Request) {
	ta, err := a.directory.EnableApplication(r.Context(),
		chi.URLParam(r, "tenantID"), chi.URLParam(r, "appID"))
	if err != nil {
		a.handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ta)
}

func (a *API) handleDisableApplication(w http.ResponseWriter, r *http.Request) {
	err := a.directory.DisableApplication(r.Context(),
		chi.URLParam(r, "tenantID"), chi.URLParam(r, "appID"))
	if err != nil {
		a.handleDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleCreateRole(w http.ResponseWriter, r *http.Request) {
	var req createRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	role, err := a.directory.CreateRole(r.Context(), chi.URLParam(r, "tenantID"),
		req.Name, req.Description, actorID(r))
	if err != nil {
		a.handleDomainError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/v1/tenants/%s/roles/%s", role.TenantID, role.ID))
	writeJSON(w, http.StatusCreated, role)
}

func (a *API) handleUpdateRole(w http.ResponseWriter, r *http.Request) {
	var req updateRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	role, err := a.directory.UpdateRole(r.Context(), chi.URLParam(r, "tenantID"),
		chi.URLParam(r, "roleID"), req.Name, req.Description, req.Status)
	if err != nil {
		a.handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, role)
}

func (a *API) handleDeleteRole(w http.ResponseWriter, r *http.Request) {
	err := a.directory.DeleteRole(r.Context(), chi.URLParam(r, "tenantID"), chi.URLParam(r, "roleID"))
	if err != nil {
		a.handleDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleDuplicateRole(w http.ResponseWriter, r *http.Request) {
	var req duplicateRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	role, err := a.directory.DuplicateRole(r.Context(), chi.URLParam(r, "tenantID"),
		chi.URLParam(r, "roleID"), req.Name, actorID(r), req.IncludeGrants)
	if err != nil {
		a.handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, role)
}

func (a *API) handlePermissionMatrix(w http.ResponseWriter, r *http.Request) {
	matrix, err := a.authz.PermissionMatrix(r.Context(),
		chi.URLParam(r, "tenantID"), chi.URLParam(r, "roleID"))
	if err != nil {
		a.handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, matrix)
}

func (a *API) handleBatchPermissions(w http.ResponseWriter, r *http.Request) {
	var req batchPermissionsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	result, err := a.authz.BatchUpdate(r.Context(), chi.URLParam(r, "tenantID"),
		chi.URLParam(r, "roleID"), req.Grant, req.Revoke, actorID(r))
	if err != nil {
		a.handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleAssignRole(w http.ResponseWriter, r *http.Request) {
	var req assignRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if trimmed(req.RoleID) == "" {
		writeError(w, r, http.StatusBadRequest, "bad_request", "role_id is required")
		return
	}
	tenantID := chi.URLParam(r, "tenantID")
	userID := chi.URLParam(r, "userID")
	if err := a.directory.AssignRole(r.Context(), tenantID, userID, trimmed(req.RoleID), actorID(r)); err != nil {
		a.handleDomainError(w, r, err)
		return
	}
	a.authz.InvalidateUser(r.Context(), tenantID, userID)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleUnassignRole(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	userID := chi.URLParam(r, "userID")
	if err := a.directory.UnassignRole(r.Context(), tenantID, userID, chi.URLParam(r, "roleID")); err != nil {
		a.handleDomainError(w, r, err)
		return
	}
	a.authz.InvalidateUser(r.Context(), tenantID, userID)
	w.WriteHeader(http.StatusNoContent)
}

func actorID(r *http.Request) string {
	if claims, ok := claimsFromContext(r.Context()); ok {
		return claims.Subject
	}
	return ""
}
