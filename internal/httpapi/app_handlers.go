package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tahplatform/accesshub/internal/catalog"
	"github.com/tahplatform/accesshub/internal/iam"
)

type createApplicationRequest struct {
	ID                  string `json:"id"`
	Name                string `json:"name"`
	BaseURL             string `json:"base_url"`
	FeaturesManifestURL string `json:"features_manifest_url"`
	LaunchURL           string `json:"launch_url"`
	CallbackPath        string `json:"callback_path"`
	AuthMode            string `json:"auth_mode"`
}

type syncRequest struct {
	Manifest *catalog.Manifest `json:"manifest"`
}

type bulkSyncRequest struct {
	ApplicationIDs []string `json:"application_ids"`
}

type launchRequest struct {
	TenantID string `json:"tenant_id"`
}

func (a *API) handleCreateApplication(w http.ResponseWriter, r *http.Request) {
	var req createApplicationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	app, err := a.directory.CreateApplication(r.Context(), &iam.Application{
		ID:                  req.ID,
		Name:                req.Name,
		BaseURL:             req.BaseURL,
		FeaturesManifestURL: req.FeaturesManifestURL,
		LaunchURL:           req.LaunchURL,
		CallbackPath:        req.CallbackPath,
		AuthMode:            req.AuthMode,
	})
	if err != nil {
		a.handleDomainError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/v1/applications/%s", app.ID))
	writeJSON(w, http.StatusCreated, app)
}

func (a *API) handleGetApplication(w http.ResponseWriter, r *http.Request) {
	app, err := a.directory.GetApplication(r.Context(), chi.URLParam(r, "appID"))
	if err != nil {
		a.handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, app)
}

// handleSync runs a manual sync. A body carrying a manifest switches to
// push mode; an empty body fetches the manifest from the application.
func (a *API) handleSync(w http.ResponseWriter, r *http.Request) {
	appID := chi.URLParam(r, "appID")
	actor := actorID(r)

	var req syncRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
	}

	var (
		result *catalog.SyncResult
		err    error
	)
	if req.Manifest != nil {
		result, err = a.catalog.SyncManifest(r.Context(), appID, req.Manifest, actor)
	} else {
		result, err = a.catalog.Sync(r.Context(), appID, catalog.RunTypeManual, actor)
	}
	if err != nil {
		a.handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleBulkSync(w http.ResponseWriter, r *http.Request) {
	var req bulkSyncRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
	}
	result, err := a.catalog.BulkSync(r.Context(), req.ApplicationIDs, catalog.RunTypeManual, actorID(r))
	if err != nil {
		a.handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleListSyncRuns(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := a.catalog.ListRuns(r.Context(), chi.URLParam(r, "appID"), limit)
	if err != nil {
		a.handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (a *API) handleGetSyncRun(w http.ResponseWriter, r *http.Request) {
	run, err := a.catalog.GetRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		a.handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (a *API) handleListCatalog(w http.ResponseWriter, r *http.Request) {
	entries, err := a.catalog.Entries(r.Context(), chi.URLParam(r, "appID"))
	if err != nil {
		a.handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// handleLaunch issues a short-lived launch token for the caller against
// one application.
func (a *API) handleLaunch(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "unauthorized", "missing credentials")
		return
	}
	var req launchRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
	}
	tenantID := trimmed(req.TenantID)
	if tenantID == "" {
		tenantID = claims.TenantID
	}
	if tenantID == "" {
		writeError(w, r, http.StatusBadRequest, "bad_request", "tenant_id is required")
		return
	}
	appID := chi.URLParam(r, "appID")
	tok, err := a.tokens.IssueAppToken(r.Context(), claims.Subject, tenantID, appID)
	if err != nil {
		a.handleDomainError(w, r, err)
		return
	}
	app, err := a.directory.GetApplication(r.Context(), appID)
	if err != nil {
		a.handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": tok.Token,
		"expires_at":   tok.ExpiresAt,
		"expires_in":   int(time.Until(tok.ExpiresAt).Seconds()),
		"permissions":  tok.Permissions,
		"launch_url":   app.LaunchURL,
	})
}
