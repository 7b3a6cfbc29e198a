package pg

import (
	"context"

	"github.com/tahplatform/accesshub/internal/authz"
	"github.com/tahplatform/accesshub/internal/catalog"
	"github.com/tahplatform/accesshub/internal/iam"
)

// EffectivePermissions resolves the distinct permission keys a user
// holds: assignments joined through live roles and grants into the
// catalog of the tenant's enabled applications. Grants whose catalog
// entry was removed, whose role is inactive or deleted, or whose
// application is disabled for the tenant contribute nothing.
func (s *Store) EffectivePermissions(ctx context.Context, tenantID, userID, appID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		select distinct ce.permission_key
		from user_roles ur
		join roles r on r.id = ur.role_id
			and r.status = 'active' and r.deleted_at is null
		join role_grants g on g.role_id = r.id
		join tenant_applications ta on ta.tenant_id = ur.tenant_id
			and ta.application_id = g.application_id and ta.status = 'active'
		join catalog_entries ce on ce.application_id = g.application_id
			and ce.permission_key = g.permission_key and ce.lifecycle <> 'removed'
		where ur.tenant_id = $1 and ur.user_id = $2
		  and ($3 = '' or g.application_id = $3)
		order by ce.permission_key
	`, tenantID, userID, appID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var perms []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		perms = append(perms, key)
	}
	return perms, rows.Err()
}

func (s *Store) UserRoles(ctx context.Context, tenantID, userID string) ([]iam.Role, error) {
	rows, err := s.db.QueryContext(ctx, `
		select r.id, r.tenant_id, r.name, coalesce(r.description,''), r.status, r.is_system,
		       coalesce(r.created_by,''), r.created_at, r.updated_at
		from user_roles ur
		join roles r on r.id = ur.role_id
		where ur.tenant_id = $1 and ur.user_id = $2
		  and r.status = 'active' and r.deleted_at is null
		order by r.name
	`, tenantID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []iam.Role
	for rows.Next() {
		var r iam.Role
		if err := rows.Scan(&r.ID, &r.TenantID, &r.Name, &r.Description, &r.Status, &r.IsSystem,
			&r.CreatedBy, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}

func (s *Store) EnabledApplications(ctx context.Context, tenantID string) ([]iam.Application, error) {
	rows, err := s.db.QueryContext(ctx, `
		select a.id, a.name, a.base_url, coalesce(a.features_manifest_url,''), coalesce(a.launch_url,''),
		       a.callback_path, a.status, coalesce(a.current_version,''), a.auth_mode, a.created_at, a.updated_at
		from tenant_applications ta
		join applications a on a.id = ta.application_id and a.status = 'active'
		where ta.tenant_id = $1 and ta.status = 'active'
		order by a.id
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var apps []iam.Application
	for rows.Next() {
		var a iam.Application
		if err := rows.Scan(&a.ID, &a.Name, &a.BaseURL, &a.FeaturesManifestURL, &a.LaunchURL,
			&a.CallbackPath, &a.Status, &a.CurrentVersion, &a.AuthMode, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		apps = append(apps, a)
	}
	return apps, rows.Err()
}

// CatalogForTenant lists the grantable catalog of a tenant: every
// non-removed entry of its enabled applications.
func (s *Store) CatalogForTenant(ctx context.Context, tenantID string) ([]catalog.Entry, error) {
	return queryEntries(ctx, s.db, `
		select ce.id, ce.application_id, ce.module_key, coalesce(ce.module_name,''), ce.permission_key,
		       coalesce(ce.description,''), ce.lifecycle, coalesce(ce.first_seen_version,''),
		       coalesce(ce.last_seen_version,''), ce.discovered_at, ce.last_seen_at, ce.created_at, ce.updated_at
		from catalog_entries ce
		join tenant_applications ta on ta.application_id = ce.application_id
			and ta.tenant_id = $1 and ta.status = 'active'
		where ce.lifecycle <> 'removed'
		order by ce.application_id, ce.module_key, ce.permission_key
	`, tenantID)
}

func (s *Store) Role(ctx context.Context, roleID string) (*iam.Role, error) {
	return s.findRole(ctx, roleID)
}

func (s *Store) RoleGrants(ctx context.Context, roleID string) ([]iam.RoleGrant, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, tenant_id, role_id, application_id, permission_key, coalesce(granted_by,''), created_at
		from role_grants
		where role_id = $1
		order by application_id, permission_key
	`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var grants []iam.RoleGrant
	for rows.Next() {
		var g iam.RoleGrant
		if err := rows.Scan(&g.ID, &g.TenantID, &g.RoleID, &g.ApplicationID,
			&g.PermissionKey, &g.GrantedBy, &g.CreatedAt); err != nil {
			return nil, err
		}
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

// ApplyGrantChanges applies revokes then grants in one transaction.
// Counts reflect rows actually written, so duplicate grants and missing
// revokes report as zero.
func (s *Store) ApplyGrantChanges(ctx context.Context, roleID string, add []iam.RoleGrant, remove []authz.GrantRef) (int, int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var revoked int
	for _, ref := range remove {
		res, err := tx.ExecContext(ctx, `
			delete from role_grants
			where role_id = $1 and application_id = $2 and permission_key = $3
		`, roleID, ref.ApplicationID, ref.PermissionKey)
		if err != nil {
			return 0, 0, err
		}
		aff, err := res.RowsAffected()
		if err != nil {
			return 0, 0, err
		}
		revoked += int(aff)
	}

	var granted int
	for _, g := range add {
		res, err := tx.ExecContext(ctx, `
			insert into role_grants (id, tenant_id, role_id, application_id, permission_key, granted_by, created_at)
			values ($1, $2, $3, $4, $5, nullif($6,''), $7)
			on conflict (role_id, application_id, permission_key) do nothing
		`, g.ID, g.TenantID, g.RoleID, g.ApplicationID, g.PermissionKey, g.GrantedBy, g.CreatedAt)
		if err != nil {
			return 0, 0, mapWriteError(err)
		}
		aff, err := res.RowsAffected()
		if err != nil {
			return 0, 0, err
		}
		granted += int(aff)
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, err
	}
	return granted, revoked, nil
}
