package authz

import (
	"errors"
	"time"
)

var ErrUnknownPermission = errors.New("authz: permission not in catalog")

// GrantRef identifies one catalog permission within an application.
type GrantRef struct {
	ApplicationID string `json:"application_id"`
	PermissionKey string `json:"permission_key"`
}

/// AccessContext is the payload relying applications consume: who the
// user is inside a tenant and what they may do.
type AccessContext struct {
	UserID         string   `json:"user_id"`
	TenantID       string   `json:"tenant_id"`
	Roles          []string `json:"roles"`
	Permissions    []string `json:"permissions"`
	ApplicationIDs []string `json:"application_ids"`
}

// Matrix is the full permission catalog of a tenant's enabled
// applications annotated with one role's grants.
type Matrix struct {
	TenantID     string              `json:"tenant_id"`
	RoleID       string              `json:"role_id"`
	Applications []MatrixApplication `json:"applications"`
}

type MatrixApplication struct {
	ID      string         `json:"id"`
	Name    string         `json:"name"`
	Modules []MatrixModule `json:"modules"`
}

type MatrixModule struct {
	Key         string             `json:"key"`
	Name        string             `json:"name"`
	Permissions []MatrixPermission `json:"permissions"`
}

type MatrixPermission struct {
	Key          string    `json:"key"`
	Description  string    `json:"description,omitempty"`
	Lifecycle    string    `json:"lifecycle"`
	Granted      bool      `json:"granted"`
	IsNew        bool      `json:"is_new"`
	DiscoveredAt time.Time `json:"discovered_at"`
}

// BatchResult reports what a batch grant/revoke actually changed.
type BatchResult struct {
	Granted int `json:"granted"`
	Revoked int `json:"revoked"`
	Skipped int `json:"skipped"`
}
