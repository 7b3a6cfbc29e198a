package iam

import "time"

// Tenant statuses.
const (
	TenantActive    = "active"
	TenantSuspended = "suspended"
)

// User statuses.
const (
	UserActive    = "active"
	UserInvited   = "invited"
	UserSuspended = "suspended"
)

// Membership statuses.
const (
	MembershipActive    = "active"
	MembershipInvited   = "invited"
	MembershipSuspended = "suspended"
	MembershipRevoked   = "revoked"
)

// Application statuses.
const (
	ApplicationActive   = "active"
	ApplicationInactive = "inactive"
)

// Role statuses.
const (
	RoleActive   = "active"
	RoleInactive = "inactive"
)

// Tenant is an isolated customer organization.
type Tenant struct {
	ID        string
	Slug      string
	Name      string
	Status    string
	DeletedAt *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// User is a platform-wide identity. Email is stored lowercase and a
// user may exist without a password until an invite is accepted.
type User struct {
	ID           string
	Email        string
	DisplayName  string
	PasswordHash string
	Status       string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Membership links a user to a tenant. Invited memberships carry a
// single-use token until accepted.
type Membership struct {
	ID              string
	UserID          string
	TenantID        string
	Status          string
	InvitedBy       string
	InviteToken     string
	InviteExpiresAt *time.Time
	JoinedAt        *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Application is a registered relying application. The ID doubles as
// the application slug used in permission scoping and token audiences.
type Application struct {
	ID                  string
	Name                string
	BaseURL             string
	FeaturesManifestURL string
	LaunchURL           string
	CallbackPath        string
	Status              string
	CurrentVersion      string
	AuthMode            string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// TenantApplication enables an application for one tenant.
type TenantApplication struct {
	ID            string
	TenantID      string
	ApplicationID string
	Status        string
	Config        map[string]any
	CreatedAt     time.Time
}

// Role groups permission grants within one tenant. System roles are
// managed by the platform and cannot be edited or deleted.
type Role struct {
	ID          string
	TenantID    string
	Name        string
	Description string
	Status      string
	IsSystem    bool
	CreatedBy   string
	DeletedAt   *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// RoleGrant attaches one catalog permission to a role. The permission
// key is a soft reference: the catalog row may be deprecated or removed
// later and the grant simply stops resolving.
type RoleGrant struct {
	ID            string
	TenantID      string
	RoleID        string
	ApplicationID string
	PermissionKey string
	GrantedBy     string
	CreatedAt     time.Time
}

// RoleAssignment gives a user a role within a tenant.
type RoleAssignment struct {
	ID         string
	TenantID   string
	UserID     string
	RoleID     string
	AssignedBy string
	AssignedAt time.Time
}
