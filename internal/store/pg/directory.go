package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tahplatform/accesshub/internal/iam"
)

func (s *Store) Tenants(context.Context) iam.TenantStore           { return (*tenantStore)(s) }
func (s *Store) Users(context.Context) iam.UserStore               { return (*userStore)(s) }
func (s *Store) Memberships(context.Context) iam.MembershipStore   { return (*membershipStore)(s) }
func (s *Store) Applications(context.Context) iam.ApplicationStore { return (*applicationStore)(s) }
func (s *Store) Roles(context.Context) iam.RoleStore               { return (*roleStore)(s) }

// --- tenants ---

type tenantStore Store

func (s *tenantStore) Create(ctx context.Context, t *iam.Tenant) error {
	err := s.db.QueryRowContext(ctx, `
		insert into tenants (id, slug, name, status)
		values ($1, nullif($2,''), $3, $4)
		returning created_at, updated_at
	`, t.ID, t.Slug, t.Name, t.Status).Scan(&t.CreatedAt, &t.UpdatedAt)
	return mapWriteError(err)
}

func (s *tenantStore) Find(ctx context.Context, id string) (*iam.Tenant, error) {
	var (
		t       iam.Tenant
		slug    sql.NullString
		deleted sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		select id, slug, name, status, deleted_at, created_at, updated_at
		from tenants
		where id = $1
	`, id).Scan(&t.ID, &slug, &t.Name, &t.Status, &deleted, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, iam.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	t.Slug = slug.String
	t.DeletedAt = timePtr(deleted)
	return &t, nil
}

func (s *tenantStore) Update(ctx context.Context, t *iam.Tenant) error {
	res, err := s.db.ExecContext(ctx, `
		update tenants
		set slug = nullif($2,''), name = $3, status = $4, deleted_at = $5, updated_at = now()
		where id = $1
	`, t.ID, t.Slug, t.Name, t.Status, nullTime(t.DeletedAt))
	if err != nil {
		return mapWriteError(err)
	}
	return requireAffected(res)
}

// --- users ---

type userStore Store

func (s *userStore) Create(ctx context.Context, u *iam.User) error {
	err := s.db.QueryRowContext(ctx, `
		insert into users (id, email, display_name, password_hash, status)
		values ($1, nullif($2,''), $3, nullif($4,''), $5)
		returning created_at, updated_at
	`, u.ID, u.Email, u.DisplayName, u.PasswordHash, u.Status).Scan(&u.CreatedAt, &u.UpdatedAt)
	return mapWriteError(err)
}

func (s *userStore) Find(ctx context.Context, id string) (*iam.User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `
		select id, email, display_name, password_hash, status, created_at, updated_at
		from users
		where id = $1
	`, id))
}

func (s *userStore) FindByEmail(ctx context.Context, email string) (*iam.User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `
		select id, email, display_name, password_hash, status, created_at, updated_at
		from users
		where email = $1
	`, email))
}

func scanUser(row *sql.Row) (*iam.User, error) {
	var (
		u     iam.User
		email sql.NullString
		hash  sql.NullString
	)
	err := row.Scan(&u.ID, &email, &u.DisplayName, &hash, &u.Status, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, iam.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u.Email = email.String
	u.PasswordHash = hash.String
	return &u, nil
}

// --- memberships ---

type membershipStore Store

func (s *membershipStore) Create(ctx context.Context, m *iam.Membership) error {
	err := s.db.QueryRowContext(ctx, `
		insert into user_tenants (id, user_id, tenant_id, status, invited_by, invite_token, invite_expires_at)
		values ($1, $2, $3, $4, nullif($5,''), nullif($6,''), $7)
		returning created_at, updated_at
	`, m.ID, m.UserID, m.TenantID, m.Status, m.InvitedBy, m.InviteToken, nullTime(m.InviteExpiresAt)).
		Scan(&m.CreatedAt, &m.UpdatedAt)
	return mapWriteError(err)
}

func (s *membershipStore) Find(ctx context.Context, userID, tenantID string) (*iam.Membership, error) {
	var (
		m         iam.Membership
		invitedBy sql.NullString
		token     sql.NullString
		expires   sql.NullTime
		joined    sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		select id, user_id, tenant_id, status, invited_by, invite_token,
		       invite_expires_at, joined_at, created_at, updated_at
		from user_tenants
		where user_id = $1 and tenant_id = $2
	`, userID, tenantID).Scan(&m.ID, &m.UserID, &m.TenantID, &m.Status,
		&invitedBy, &token, &expires, &joined, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, iam.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	m.InvitedBy = invitedBy.String
	m.InviteToken = token.String
	m.InviteExpiresAt = timePtr(expires)
	m.JoinedAt = timePtr(joined)
	return &m, nil
}

func (s *membershipStore) Update(ctx context.Context, m *iam.Membership) error {
	res, err := s.db.ExecContext(ctx, `
		update user_tenants
		set status = $2, invited_by = nullif($3,''), invite_token = nullif($4,''),
		    invite_expires_at = $5, joined_at = $6, updated_at = now()
		where id = $1
	`, m.ID, m.Status, m.InvitedBy, m.InviteToken, nullTime(m.InviteExpiresAt), nullTime(m.JoinedAt))
	if err != nil {
		return mapWriteError(err)
	}
	return requireAffected(res)
}

// --- applications ---

type applicationStore Store

func (s *applicationStore) Create(ctx context.Context, a *iam.Application) error {
	err := s.db.QueryRowContext(ctx, `
		insert into applications (id, name, base_url, features_manifest_url, launch_url,
		                          callback_path, status, current_version, auth_mode)
		values ($1, $2, $3, nullif($4,''), nullif($5,''), $6, $7, nullif($8,''), $9)
		returning created_at, updated_at
	`, a.ID, a.Name, a.BaseURL, a.FeaturesManifestURL, a.LaunchURL,
		a.CallbackPath, a.Status, a.CurrentVersion, a.AuthMode).
		Scan(&a.CreatedAt, &a.UpdatedAt)
	return mapWriteError(err)
}

func (s *applicationStore) Find(ctx context.Context, id string) (*iam.Application, error) {
	return (*Store)(s).findApplication(ctx, id)
}

func (s *Store) findApplication(ctx context.Context, id string) (*iam.Application, error) {
	var (
		a           iam.Application
		manifestURL sql.NullString
		launchURL   sql.NullString
		version     sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		select id, name, base_url, features_manifest_url, launch_url,
		       callback_path, status, current_version, auth_mode, created_at, updated_at
		from applications
		where id = $1
	`, id).Scan(&a.ID, &a.Name, &a.BaseURL, &manifestURL, &launchURL,
		&a.CallbackPath, &a.Status, &version, &a.AuthMode, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, iam.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.FeaturesManifestURL = manifestURL.String
	a.LaunchURL = launchURL.String
	a.CurrentVersion = version.String
	return &a, nil
}

func (s *applicationStore) Enable(ctx context.Context, ta *iam.TenantApplication) error {
	cfg := []byte("{}")
	if len(ta.Config) > 0 {
		bytes, err := json.Marshal(ta.Config)
		if err != nil {
			return fmt.Errorf("marshal config: %w", err)
		}
		cfg = bytes
	}
	err := s.db.QueryRowContext(ctx, `
		insert into tenant_applications (id, tenant_id, application_id, status, config)
		values ($1, $2, $3, $4, $5)
		on conflict (tenant_id, application_id) do update
		set status = excluded.status
		returning id, created_at
	`, ta.ID, ta.TenantID, ta.ApplicationID, ta.Status, cfg).Scan(&ta.ID, &ta.CreatedAt)
	return mapWriteError(err)
}

func (s *applicationStore) Disable(ctx context.Context, tenantID, appID string) error {
	res, err := s.db.ExecContext(ctx, `
		update tenant_applications
		set status = 'disabled'
		where tenant_id = $1 and application_id = $2
	`, tenantID, appID)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *applicationStore) Enabled(ctx context.Context, tenantID, appID string) (bool, error) {
	return (*Store)(s).ApplicationEnabled(ctx, tenantID, appID)
}

// --- roles ---

type roleStore Store

func (s *roleStore) Create(ctx context.Context, r *iam.Role) error {
	err := s.db.QueryRowContext(ctx, `
		insert into roles (id, tenant_id, name, description, status, is_system, created_by)
		values ($1, $2, $3, nullif($4,''), $5, $6, nullif($7,''))
		returning created_at, updated_at
	`, r.ID, r.TenantID, r.Name, r.Description, r.Status, r.IsSystem, r.CreatedBy).
		Scan(&r.CreatedAt, &r.UpdatedAt)
	return mapWriteError(err)
}

func (s *roleStore) Find(ctx context.Context, id string) (*iam.Role, error) {
	return (*Store)(s).findRole(ctx, id)
}

func (s *Store) findRole(ctx context.Context, id string) (*iam.Role, error) {
	var (
		r         iam.Role
		desc      sql.NullString
		createdBy sql.NullString
		deleted   sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		select id, tenant_id, name, description, status, is_system,
		       created_by, deleted_at, created_at, updated_at
		from roles
		where id = $1
	`, id).Scan(&r.ID, &r.TenantID, &r.Name, &desc, &r.Status, &r.IsSystem,
		&createdBy, &deleted, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, iam.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Description = desc.String
	r.CreatedBy = createdBy.String
	r.DeletedAt = timePtr(deleted)
	return &r, nil
}

func (s *roleStore) Update(ctx context.Context, r *iam.Role) error {
	res, err := s.db.ExecContext(ctx, `
		update roles
		set name = $2, description = nullif($3,''), status = $4, updated_at = now()
		where id = $1 and deleted_at is null
	`, r.ID, r.Name, r.Description, r.Status)
	if err != nil {
		return mapWriteError(err)
	}
	return requireAffected(res)
}

func (s *roleStore) SoftDelete(ctx context.Context, id string, deletedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update roles
		set deleted_at = $2, updated_at = now()
		where id = $1 and deleted_at is null
	`, id, deletedAt)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *roleStore) Grants(ctx context.Context, roleID string) ([]iam.RoleGrant, error) {
	return (*Store)(s).RoleGrants(ctx, roleID)
}

func (s *roleStore) AddGrants(ctx context.Context, grants []iam.RoleGrant) error {
	if len(grants) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, g := range grants {
		if _, err := tx.ExecContext(ctx, `
			insert into role_grants (id, tenant_id, role_id, application_id, permission_key, granted_by)
			values ($1, $2, $3, $4, $5, nullif($6,''))
			on conflict (role_id, application_id, permission_key) do nothing
		`, g.ID, g.TenantID, g.RoleID, g.ApplicationID, g.PermissionKey, g.GrantedBy); err != nil {
			return mapWriteError(err)
		}
	}
	return tx.Commit()
}

func (s *roleStore) Assign(ctx context.Context, a *iam.RoleAssignment) error {
	_, err := s.db.ExecContext(ctx, `
		insert into user_roles (id, tenant_id, user_id, role_id, assigned_by, assigned_at)
		values ($1, $2, $3, $4, nullif($5,''), $6)
	`, a.ID, a.TenantID, a.UserID, a.RoleID, a.AssignedBy, a.AssignedAt)
	return mapWriteError(err)
}

func (s *roleStore) Unassign(ctx context.Context, tenantID, userID, roleID string) error {
	_, err := s.db.ExecContext(ctx, `
		delete from user_roles
		where tenant_id = $1 and user_id = $2 and role_id = $3
	`, tenantID, userID, roleID)
	return err
}

func (s *roleStore) AssignmentCount(ctx context.Context, roleID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		select count(*) from user_roles where role_id = $1
	`, roleID).Scan(&n)
	return n, err
}

func requireAffected(res sql.Result) error {
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return iam.ErrNotFound
	}
	return nil
}
