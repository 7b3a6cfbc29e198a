package authz

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/tahplatform/accesshub/internal/audit"
	"github.com/tahplatform/accesshub/internal/cache"
	"github.com/tahplatform/accesshub/internal/catalog"
	"github.com/tahplatform/accesshub/internal/iam"
	"github.com/tahplatform/accesshub/internal/ids"
)

const defaultCacheTTL = time.Minute

// Store is the read/write surface the engine needs. The effective
// permission query joins assignments, live roles, grants and the
// catalog; removed catalog entries never resolve.
type Store interface {
	EffectivePermissions(ctx context.Context, tenantID, userID, appID string) ([]string, error)
	UserRoles(ctx context.Context, tenantID, userID string) ([]iam.Role, error)
	EnabledApplications(ctx context.Context, tenantID string) ([]iam.Application, error)
	CatalogForTenant(ctx context.Context, tenantID string) ([]catalog.Entry, error)
	Role(ctx context.Context, roleID string) (*iam.Role, error)
	RoleGrants(ctx context.Context, roleID string) ([]iam.RoleGrant, error)
	ApplyGrantChanges(ctx context.Context, roleID string, add []iam.RoleGrant, remove []GrantRef) (granted, revoked int, err error)
}

// Engine resolves effective permissions and manages role grants.
type Engine struct {
	store    Store
	cache    cache.Cache
	cacheTTL time.Duration
	audit    *audit.Recorder
	log      zerolog.Logger
	now      func() time.Time
}

// EngineOption configures Engine behavior.
type EngineOption func(*Engine)

// WithCacheTTL bounds how stale a cached permission set may get.
func WithCacheTTL(ttl time.Duration) EngineOption {
	return func(e *Engine) {
		if ttl > 0 {
			e.cacheTTL = ttl
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) EngineOption {
	return func(e *Engine) {
		if fn != nil {
			e.now = fn
		}
	}
}

// NewEngine constructs the authorization engine. cache may be nil to
// disable caching entirely.
func NewEngine(store Store, c cache.Cache, rec *audit.Recorder, log zerolog.Logger, opts ...EngineOption) *Engine {
	e := &Engine{
		store:    store,
		cache:    c,
		cacheTTL: defaultCacheTTL,
		audit:    rec,
		log:      log,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// EffectivePermissions returns the distinct, sorted permission keys a
// user holds in a tenant, optionally narrowed to one application.
// Inactive and soft-deleted roles contribute nothing; removed catalog
// entries never leak through dangling grants.
func (e *Engine) EffectivePermissions(ctx context.Context, tenantID, userID, appID string) ([]string, error) {
	var key string
	if e.cache != nil {
		key = e.effKey(ctx, tenantID, userID, appID)
		if raw, ok, err := e.cache.Get(ctx, key); err == nil && ok {
			var cached []string
			if json.Unmarshal(raw, &cached) == nil {
				return cached, nil
			}
		}
	}

	perms, err := e.store.EffectivePermissions(ctx, tenantID, userID, appID)
	if err != nil {
		return nil, err
	}
	if perms == nil {
		perms = []string{}
	}
	sort.Strings(perms)

	if e.cache != nil {
		if raw, err := json.Marshal(perms); err == nil {
			if err := e.cache.Set(ctx, key, raw, e.cacheTTL); err != nil {
				e.log.Debug().Err(err).Str("key", key).Msg("permission cache set failed")
			}
		}
	}
	return perms, nil
}

// InvalidateUser drops the cached permission set of one user. Per-app
// entries are left to expire via TTL.
func (e *Engine) InvalidateUser(ctx context.Context, tenantID, userID string) {
	if e.cache == nil {
		return
	}
	if err := e.cache.Delete(ctx, e.effKey(ctx, tenantID, userID, "")); err != nil {
		e.log.Debug().Err(err).Msg("permission cache invalidation failed")
	}
}

// effKey namespaces cached sets by a per-tenant version so one grant
// change orphans every cached set of the tenant at once.
func (e *Engine) effKey(ctx context.Context, tenantID, userID, appID string) string {
	return fmt.Sprintf("authz:eff:%s:%s:%s:%s", e.tenantVersion(ctx, tenantID), tenantID, userID, appID)
}

func (e *Engine) tenantVersion(ctx context.Context, tenantID string) string {
	raw, ok, err := e.cache.Get(ctx, "authz:ver:"+tenantID)
	if err != nil || !ok {
		return "0"
	}
	return string(raw)
}

// bumpTenantVersion makes every cached permission set of the tenant
// unreachable. The version entry shares the cache TTL: once it lapses,
// any set keyed under the old version has already expired too.
func (e *Engine) bumpTenantVersion(ctx context.Context, tenantID string) {
	if e.cache == nil {
		return
	}
	ver := strconv.FormatInt(e.now().UnixNano(), 36)
	if err := e.cache.Set(ctx, "authz:ver:"+tenantID, []byte(ver), e.cacheTTL); err != nil {
		e.log.Debug().Err(err).Str("tenant_id", tenantID).Msg("permission cache version bump failed")
	}
}

// AccessContext assembles the roles, permissions and enabled
// applications a relying application needs for one user.
func (e *Engine) AccessContext(ctx context.Context, tenantID, userID string) (*AccessContext, error) {
	roles, err := e.store.UserRoles(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}
	perms, err := e.EffectivePermissions(ctx, tenantID, userID, "")
	if err != nil {
		return nil, err
	}
	apps, err := e.store.EnabledApplications(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	roleNames := make([]string, 0, len(roles))
	for _, r := range roles {
		roleNames = append(roleNames, r.Name)
	}
	sort.Strings(roleNames)
	appIDs := make([]string, 0, len(apps))
	for _, a := range apps {
		appIDs = append(appIDs, a.ID)
	}
	sort.Strings(appIDs)

	return &AccessContext{
		UserID:         userID,
		TenantID:       tenantID,
		Roles:          roleNames,
		Permissions:    perms,
		ApplicationIDs: appIDs,
	}, nil
}

// RoleNames returns the active role names of a user in a tenant.
func (e *Engine) RoleNames(ctx context.Context, tenantID, userID string) ([]string, error) {
	roles, err := e.store.UserRoles(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(roles))
	for _, r := range roles {
		names = append(names, r.Name)
	}
	sort.Strings(names)
	return names, nil
}

// PermissionMatrix builds the grant editing view for one role: every
// permission of the tenant's enabled applications, grouped by
// application and module, flagged with the role's current grants.
// An entry is new when it was discovered after the role's last grant
// write; roles that were never configured flag nothing as new.
func (e *Engine) PermissionMatrix(ctx context.Context, tenantID, roleID string) (*Matrix, error) {
	role, err := e.tenantRole(ctx, tenantID, roleID)
	if err != nil {
		return nil, err
	}
	grants, err := e.store.RoleGrants(ctx, role.ID)
	if err != nil {
		return nil, err
	}
	entries, err := e.store.CatalogForTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	apps, err := e.store.EnabledApplications(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	granted := make(map[string]struct{}, len(grants))
	var lastGrantAt time.Time
	for _, g := range grants {
		granted[g.ApplicationID+"\x00"+g.PermissionKey] = struct{}{}
		if g.CreatedAt.After(lastGrantAt) {
			lastGrantAt = g.CreatedAt
		}
	}

	appNames := make(map[string]string, len(apps))
	for _, a := range apps {
		appNames[a.ID] = a.Name
	}

	type moduleKey struct{ app, module string }
	appModules := make(map[string][]string)
	moduleEntries := make(map[moduleKey][]MatrixPermission)
	moduleNames := make(map[moduleKey]string)

	for _, entry := range entries {
		mk := moduleKey{app: entry.ApplicationID, module: entry.ModuleKey}
		if _, seen := moduleNames[mk]; !seen {
			appModules[entry.ApplicationID] = append(appModules[entry.ApplicationID], entry.ModuleKey)
			moduleNames[mk] = entry.ModuleName
		}
		_, has := granted[entry.ApplicationID+"\x00"+entry.PermissionKey]
		moduleEntries[mk] = append(moduleEntries[mk], MatrixPermission{
			Key:          entry.PermissionKey,
			Description:  entry.Description,
			Lifecycle:    entry.Lifecycle,
			Granted:      has,
			IsNew:        !lastGrantAt.IsZero() && entry.DiscoveredAt.After(lastGrantAt),
			DiscoveredAt: entry.DiscoveredAt,
		})
	}

	matrix := &Matrix{TenantID: tenantID, RoleID: roleID}
	appIDs := make([]string, 0, len(appModules))
	for id := range appModules {
		appIDs = append(appIDs, id)
	}
	sort.Strings(appIDs)
	for _, appID := range appIDs {
		app := MatrixApplication{ID: appID, Name: appNames[appID]}
		modules := appModules[appID]
		sort.Strings(modules)
		for _, modID := range modules {
			mk := moduleKey{app: appID, module: modID}
			perms := moduleEntries[mk]
			sort.Slice(perms, func(i, j int) bool { return perms[i].Key < perms[j].Key })
			app.Modules = append(app.Modules, MatrixModule{
				Key:         modID,
				Name:        moduleNames[mk],
				Permissions: perms,
			})
		}
		matrix.Applications = append(matrix.Applications, app)
	}
	return matrix, nil
}

// BatchUpdate applies grants and revokes to a role in one transaction.
// Revokes run first. Grants must exist in the catalog of the tenant's
// enabled applications; duplicates and missing revokes are no-ops.
func (e *Engine) BatchUpdate(ctx context.Context, tenantID, roleID string, grant, revoke []GrantRef, actor string) (*BatchResult, error) {
	role, err := e.tenantRole(ctx, tenantID, roleID)
	if err != nil {
		return nil, err
	}
	if role.IsSystem {
		return nil, iam.ErrSystemRole
	}

	entries, err := e.store.CatalogForTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	known := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		known[entry.ApplicationID+"\x00"+entry.PermissionKey] = struct{}{}
	}

	add := make([]iam.RoleGrant, 0, len(grant))
	for _, g := range grant {
		if _, ok := known[g.ApplicationID+"\x00"+g.PermissionKey]; !ok {
			return nil, fmt.Errorf("%w: %s/%s", ErrUnknownPermission, g.ApplicationID, g.PermissionKey)
		}
		add = append(add, iam.RoleGrant{
			ID:            ids.New(),
			TenantID:      tenantID,
			RoleID:        role.ID,
			ApplicationID: g.ApplicationID,
			PermissionKey: g.PermissionKey,
			GrantedBy:     actor,
			CreatedAt:     e.now().UTC(),
		})
	}

	granted, revoked, err := e.store.ApplyGrantChanges(ctx, role.ID, add, revoke)
	if err != nil {
		return nil, err
	}
	e.bumpTenantVersion(ctx, tenantID)

	e.audit.Record(ctx, audit.Event{
		Action: audit.ActionUpdate, EntityType: "role_grants",
		EntityID: role.ID, EntityRef: role.Name,
		Changes: map[string]any{"granted": granted, "revoked": revoked},
	})
	return &BatchResult{
		Granted: granted,
		Revoked: revoked,
		Skipped: len(add) - granted,
	}, nil
}

func (e *Engine) tenantRole(ctx context.Context, tenantID, roleID string) (*iam.Role, error) {
	role, err := e.store.Role(ctx, roleID)
	if err != nil {
		return nil, err
	}
	if role.DeletedAt != nil {
		return nil, iam.ErrNotFound
	}
	if role.TenantID != tenantID {
		return nil, fmt.Errorf("%w: role %s belongs to another tenant", iam.ErrScopeViolation, roleID)
	}
	return role, nil
}
