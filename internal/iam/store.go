package iam

import (
	"context"
	"time"
)

// Store bundles the narrow per-entity stores the directory service
// needs. The Postgres implementation lives in internal/store/pg.
type Store interface {
	Tenants(ctx context.Context) TenantStore
	Users(ctx context.Context) UserStore
	Memberships(ctx context.Context) MembershipStore
	Applications(ctx context.Context) ApplicationStore
	Roles(ctx context.Context) RoleStore
}

type TenantStore interface {
	Create(ctx context.Context, t *Tenant) error
	Find(ctx context.Context, id string) (*Tenant, error)
	Update(ctx context.Context, t *Tenant) error
}

type UserStore interface {
	Create(ctx context.Context, u *User) error
	Find(ctx context.Context, id string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
}

type MembershipStore interface {
	Create(ctx context.Context, m *Membership) error
	Find(ctx context.Context, userID, tenantID string) (*Membership, error)
	Update(ctx context.Context, m *Membership) error
}

type ApplicationStore interface {
	Create(ctx context.Context, a *Application) error
	Find(ctx context.Context, id string) (*Application, error)
	Enable(ctx context.Context, ta *TenantApplication) error
	Disable(ctx context.Context, tenantID, appID string) error
	Enabled(ctx context.Context, tenantID, appID string) (bool, error)
}

type RoleStore interface {
	Create(ctx context.Context, r *Role) error
	Find(ctx context.Context, id string) (*Role, error)
	Update(ctx context.Context, r *Role) error
	SoftDelete(ctx context.Context, id string, deletedAt time.Time) error
	Grants(ctx context.Context, roleID string) ([]RoleGrant, error)
	AddGrants(ctx context.Context, grants []RoleGrant) error
	Assign(ctx context.Context, a *RoleAssignment) error
	Unassign(ctx context.Context, tenantID, userID, roleID string) error
	AssignmentCount(ctx context.Context, roleID string) (int, error)
}
