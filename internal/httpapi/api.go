package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/tahplatform/accesshub/internal/authz"
	"github.com/tahplatform/accesshub/internal/catalog"
	"github.com/tahplatform/accesshub/internal/iam"
	"github.com/tahplatform/accesshub/internal/obs"
	"github.com/tahplatform/accesshub/internal/token"
)

// ReadyProbe checks downstream readiness (database ping).
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Limits bound request behavior at the edge.
type Limits struct {
	MaxBodyBytes   int64
	RateLimitPer   int
	RateLimitBurst int
}

// API is the HTTP layer.
type API struct {
	directory *iam.Service
	catalog   *catalog.Service
	authz     *authz.Engine
	tokens    *token.Service
	probe     ReadyProbe
	log       zerolog.Logger
	version   string
}

func New(directory *iam.Service, cat *catalog.Service, engine *authz.Engine, tokens *token.Service,
	probe ReadyProbe, log zerolog.Logger, version string) *API {
	return &API{
		directory: directory,
		catalog:   cat,
		authz:     engine,
		tokens:    tokens,
		probe:     probe,
		log:       log,
		version:   version,
	}
}

// Handler builds the router with the full middleware stack.
func (a *API) Handler(limits Limits) http.Handler {
	if limits.MaxBodyBytes <= 0 {
		limits.MaxBodyBytes = 1 << 20
	}
	if limits.RateLimitPer <= 0 {
		limits.RateLimitPer = 50
	}
	if limits.RateLimitBurst <= 0 {
		limits.RateLimitBurst = 100
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(Logging(a.log))
	r.Use(SecurityHeaders)
	r.Use(CORS)
	r.Use(RateLimit(limits.RateLimitPer, limits.RateLimitBurst))
	r.Use(MaxBodyBytes(limits.MaxBodyBytes))

	r.Get("/healthz", a.handleHealthz)
	r.Get("/readyz", a.handleReadyz)
	r.Get("/v1/info", a.handleInfo)
	r.Handle("/metrics", obs.Handler())
	r.Get("/.well-known/jwks.json", a.handleJWKS)

	r.Route("/v1/auth", func(r chi.Router) {
		r.Post("/login", a.handleLogin)
		r.Post("/refresh", a.handleRefresh)
		r.Post("/accept-invite", a.handleAcceptInvite)
		r.Get("/invites/{token}", a.handleInvitePreview)

		r.Group(func(r chi.Router) {
			r.Use(a.withAuth)
			r.Get("/me", a.handleMe)
			r.Get("/context", a.handleAuthContext)
			r.Post("/logout", a.handleLogout)
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(a.withAuth)

		r.Route("/v1/tenants", func(r chi.Router) {
			r.Post("/", a.handleCreateTenant)
			r.Route("/{tenantID}", func(r chi.Router) {
				r.Get("/", a.handleGetTenant)
				r.Delete("/", a.handleDeleteTenant)
				r.Post("/suspend", a.handleSuspendTenant)
				r.Post("/users", a.handleInviteUser)
				r.Post("/users/{userID}/roles", a.handleAssignRole)
				r.Delete("/users/{userID}/roles/{roleID}", a.handleUnassignRole)
				r.Post("/applications/{appID}", a.handleEnableApplication)
				r.Delete("/applications/{appID}", a.handleDisableApplication)
				r.Post("/roles", a.handleCreateRole)
				r.Route("/roles/{roleID}", func(r chi.Router) {
					r.Patch("/", a.handleUpdateRole)
					r.Delete("/", a.handleDeleteRole)
					r.Post("/duplicate", a.handleDuplicateRole)
					r.Get("/matrix", a.handlePermissionMatrix)
					r.Put("/permissions", a.handleBatchPermissions)
				})
			})
		})

		r.Route("/v1/applications", func(r chi.Router) {
			r.Post("/", a.handleCreateApplication)
			r.Post("/sync", a.handleBulkSync)
			r.Route("/{appID}", func(r chi.Router) {
				r.Get("/", a.handleGetApplication)
				r.Post("/sync", a.handleSync)
				r.Get("/sync-runs", a.handleListSyncRuns)
				r.Get("/catalog", a.handleListCatalog)
				r.Post("/launch", a.handleLaunch)
			})
		})
		r.Get("/v1/sync-runs/{runID}", a.handleGetSyncRun)
	})

	return obs.Instrument(r)
}

func (a *API) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "accesshub",
		"version": a.version,
	})
}

func (a *API) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := a.probe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) handleInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "accesshub",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

func (a *API) handleJWKS(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.tokens.JWKS())
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	payload := map[string]any{
		"error": msg,
		"code":  code,
	}
	if rid := middleware.GetReqID(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, status, payload)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// handleDomainError maps domain sentinels onto HTTP statuses.
func (a *API) handleDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, iam.ErrInviteExpired):
		writeError(w, r, http.StatusBadRequest, "invite_expired", err.Error())
	case errors.Is(err, iam.ErrValidation),
		errors.Is(err, catalog.ErrInvalidManifest),
		errors.Is(err, authz.ErrUnknownPermission):
		writeError(w, r, http.StatusBadRequest, "validation_failed", err.Error())
	case errors.Is(err, token.ErrAuthenticationFailed):
		writeError(w, r, http.StatusUnauthorized, "authentication_failed", "authentication failed")
	case errors.Is(err, token.ErrRefreshInvalid):
		writeError(w, r, http.StatusUnauthorized, "refresh_invalid", "refresh token invalid")
	case errors.Is(err, token.ErrInvalidToken):
		writeError(w, r, http.StatusUnauthorized, "invalid_token", "invalid token")
	case errors.Is(err, iam.ErrSystemRole):
		writeError(w, r, http.StatusForbidden, "system_role", err.Error())
	case errors.Is(err, iam.ErrScopeViolation):
		writeError(w, r, http.StatusForbidden, "scope_violation", err.Error())
	case errors.Is(err, iam.ErrInviteNotFound):
		writeError(w, r, http.StatusNotFound, "invite_not_found", "invite not found")
	case errors.Is(err, iam.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, iam.ErrRoleInUse),
		errors.Is(err, iam.ErrConflict):
		writeError(w, r, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, catalog.ErrSyncInProgress):
		writeError(w, r, http.StatusConflict, "sync_in_progress", err.Error())
	default:
		a.log.Error().Err(err).Str("path", r.URL.Path).Msg("unhandled error")
		writeError(w, r, http.StatusInternalServerError, "internal", "internal error")
	}
}

func trimmed(s string) string { return strings.TrimSpace(s) }
