package iam

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tahplatform/accesshub/internal/audit"
	"github.com/tahplatform/accesshub/internal/ids"
)

const defaultInviteTTL = 7 * 24 * time.Hour

// Service provides directory operations over tenants, users,
// applications and roles.
type Service struct {
	store     Store
	audit     *audit.Recorder
	now       func() time.Time
	inviteTTL time.Duration
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithInviteTTL configures how long invite tokens stay valid.
func WithInviteTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) {
		if ttl > 0 {
			s.inviteTTL = ttl
		}
	}
}

// NewService constructs the directory service.
func NewService(store Store, rec *audit.Recorder, opts ...ServiceOption) *Service {
	svc := &Service{
		store:     store,
		audit:     rec,
		now:       time.Now,
		inviteTTL: defaultInviteTTL,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// Tenants ------------------------------------------------------------------

// CreateTenant registers a new tenant.
func (s *Service) CreateTenant(ctx context.Context, name, slug string) (*Tenant, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: tenant name is required", ErrValidation)
	}
	t := &Tenant{
		ID:     ids.New(),
		Slug:   strings.TrimSpace(strings.ToLower(slug)),
		Name:   name,
		Status: TenantActive,
	}
	if err := s.store.Tenants(ctx).Create(ctx, t); err != nil {
		return nil, err
	}
	s.audit.Record(ctx, audit.Event{
		Action: audit.ActionCreate, EntityType: "tenant",
		EntityID: t.ID, EntityRef: t.Name,
	})
	return t, nil
}

// GetTenant loads a tenant; soft-deleted tenants read as not found.
func (s *Service) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	t, err := s.store.Tenants(ctx).Find(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.DeletedAt != nil {
		return nil, ErrNotFound
	}
	return t, nil
}

// SuspendTenant marks a tenant suspended. Suspended tenants keep their
// data but their users cannot obtain tokens.
func (s *Service) SuspendTenant(ctx context.Context, id string) error {
	t, err := s.GetTenant(ctx, id)
	if err != nil {
		return err
	}
	t.Status = TenantSuspended
	if err := s.store.Tenants(ctx).Update(ctx, t); err != nil {
		return err
	}
	s.audit.Record(ctx, audit.Event{
		Action: audit.ActionUpdate, EntityType: "tenant",
		EntityID: t.ID, EntityRef: t.Name,
		Changes: map[string]any{"status": TenantSuspended},
	})
	return nil
}

// DeleteTenant soft-deletes a tenant.
func (s *Service) DeleteTenant(ctx context.Context, id string) error {
	t, err := s.GetTenant(ctx, id)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	t.DeletedAt = &now
	if err := s.store.Tenants(ctx).Update(ctx, t); err != nil {
		return err
	}
	s.audit.Record(ctx, audit.Event{
		Action: audit.ActionDelete, EntityType: "tenant",
		EntityID: t.ID, EntityRef: t.Name,
	})
	return nil
}

// Users --------------------------------------------------------------------

// GetUser loads a user by id.
func (s *Service) GetUser(ctx context.Context, id string) (*User, error) {
	return s.store.Users(ctx).Find(ctx, id)
}

// GetUserByEmail loads a user by normalized email.
func (s *Service) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return s.store.Users(ctx).FindByEmail(ctx, NormalizeEmail(email))
}

// NormalizeEmail lowercases and trims an email address. All storage and
// lookups go through this so casing never splits identities.
func NormalizeEmail(email string) string {
	return strings.TrimSpace(strings.ToLower(email))
}

// InviteUser invites an email address into a tenant. The user row is
// created on first contact; an invited membership carries a single-use
// token. Re-inviting a still-invited membership rotates the token.
func (s *Service) InviteUser(ctx context.Context, tenantID, email, displayName, invitedBy string) (*Membership, error) {
	email = NormalizeEmail(email)
	if email == "" || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("%w: valid email is required", ErrValidation)
	}
	if _, err := s.GetTenant(ctx, tenantID); err != nil {
		return nil, err
	}

	users := s.store.Users(ctx)
	user, err := users.FindByEmail(ctx, email)
	switch {
	case errors.Is(err, ErrNotFound):
		user = &User{
			ID:          ids.New(),
			Email:       email,
			DisplayName: strings.TrimSpace(displayName),
			Status:      UserInvited,
		}
		if err := users.Create(ctx, user); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	}

	token, err := ids.NewSecret()
	if err != nil {
		return nil, err
	}
	expires := s.now().UTC().Add(s.inviteTTL)

	memberships := s.store.Memberships(ctx)
	m, err := memberships.Find(ctx, user.ID, tenantID)
	switch {
	case errors.Is(err, ErrNotFound):
		m = &Membership{
			ID:              ids.New(),
			UserID:          user.ID,
			TenantID:        tenantID,
			Status:          MembershipInvited,
			InvitedBy:       invitedBy,
			InviteToken:     token,
			InviteExpiresAt: &expires,
		}
		if err := memberships.Create(ctx, m); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	case m.Status == MembershipInvited:
		// Re-invite: rotate the token, extend the deadline.
		m.InviteToken = token
		m.InviteExpiresAt = &expires
		m.InvitedBy = invitedBy
		if err := memberships.Update(ctx, m); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: user already belongs to tenant", ErrConflict)
	}

	s.audit.Record(ctx, audit.Event{
		Action: audit.ActionCreate, EntityType: "membership",
		EntityID: m.ID, EntityRef: email,
		Changes: map[string]any{"status": MembershipInvited},
	})
	return m, nil
}

// Applications -------------------------------------------------------------

// CreateApplication registers a relying application. The id is the
// application slug and must be stable: permission keys, grants and
// token audiences all reference it.
func (s *Service) CreateApplication(ctx context.Context, app *Application) (*Application, error) {
	app.ID = strings.TrimSpace(strings.ToLower(app.ID))
	if app.ID == "" || app.Name == "" || app.BaseURL == "" {
		return nil, fmt.Errorf("%w: id, name and base_url are required", ErrValidation)
	}
	if app.Status == "" {
		app.Status = ApplicationActive
	}
	if app.CallbackPath == "" {
		app.CallbackPath = "/auth/callback"
	}
	if err := s.store.Applications(ctx).Create(ctx, app); err != nil {
		return nil, err
	}
	s.audit.Record(ctx, audit.Event{
		Action: audit.ActionCreate, EntityType: "application",
		EntityID: app.ID, EntityRef: app.Name,
	})
	return app, nil
}

// GetApplication loads an application.
func (s *Service) GetApplication(ctx context.Context, id string) (*Application, error) {
	return s.store.Applications(ctx).Find(ctx, id)
}

// EnableApplication turns an application on for a tenant.
func (s *Service) EnableApplication(ctx context.Context, tenantID, appID string) (*TenantApplication, error) {
	if _, err := s.GetTenant(ctx, tenantID); err != nil {
		return nil, err
	}
	app, err := s.store.Applications(ctx).Find(ctx, appID)
	if err != nil {
		return nil, err
	}
	if app.Status != ApplicationActive {
		return nil, fmt.Errorf("%w: application %s is not active", ErrValidation, appID)
	}
	ta := &TenantApplication{
		ID:            ids.New(),
		TenantID:      tenantID,
		ApplicationID: app.ID,
		Status:        ApplicationActive,
	}
	if err := s.store.Applications(ctx).Enable(ctx, ta); err != nil {
		return nil, err
	}
	s.audit.Record(ctx, audit.Event{
		Action: audit.ActionEnable, EntityType: "tenant_application",
		EntityID: ta.ID, EntityRef: appID,
	})
	return ta, nil
}

// DisableApplication turns an application off for a tenant. Role grants
// referencing its permissions stay in place and simply stop resolving.
func (s *Service) DisableApplication(ctx context.Context, tenantID, appID string) error {
	if err := s.store.Applications(ctx).Disable(ctx, tenantID, appID); err != nil {
		return err
	}
	s.audit.Record(ctx, audit.Event{
		Action: audit.ActionDisable, EntityType: "tenant_application",
		EntityRef: appID,
	})
	return nil
}

// Roles --------------------------------------------------------------------

// CreateRole creates a tenant-scoped role.
func (s *Service) CreateRole(ctx context.Context, tenantID, name, description, createdBy string) (*Role, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: role name is required", ErrValidation)
	}
	if _, err := s.GetTenant(ctx, tenantID); err != nil {
		return nil, err
	}
	r := &Role{
		ID:          ids.New(),
		TenantID:    tenantID,
		Name:        name,
		Description: strings.TrimSpace(description),
		Status:      RoleActive,
		CreatedBy:   createdBy,
	}
	if err := s.store.Roles(ctx).Create(ctx, r); err != nil {
		return nil, err
	}
	s.audit.Record(ctx, audit.Event{
		Action: audit.ActionCreate, EntityType: "role",
		EntityID: r.ID, EntityRef: r.Name,
	})
	return r, nil
}

// UpdateRole renames a role or changes its description/status.
func (s *Service) UpdateRole(ctx context.Context, tenantID, roleID string, name, description, status *string) (*Role, error) {
	r, err := s.tenantRole(ctx, tenantID, roleID)
	if err != nil {
		return nil, err
	}
	if r.IsSystem {
		return nil, ErrSystemRole
	}
	changes := map[string]any{}
	if name != nil {
		trimmed := strings.TrimSpace(*name)
		if trimmed == "" {
			return nil, fmt.Errorf("%w: role name is required", ErrValidation)
		}
		r.Name = trimmed
		changes["name"] = trimmed
	}
	if description != nil {
		r.Description = strings.TrimSpace(*description)
		changes["description"] = r.Description
	}
	if status != nil {
		if *status != RoleActive && *status != RoleInactive {
			return nil, fmt.Errorf("%w: unknown role status %q", ErrValidation, *status)
		}
		r.Status = *status
		changes["status"] = r.Status
	}
	if len(changes) == 0 {
		return r, nil
	}
	if err := s.store.Roles(ctx).Update(ctx, r); err != nil {
		return nil, err
	}
	s.audit.Record(ctx, audit.Event{
		Action: audit.ActionUpdate, EntityType: "role",
		EntityID: r.ID, EntityRef: r.Name, Changes: changes,
	})
	return r, nil
}

// DeleteRole soft-deletes a role. System roles and roles with live
// assignments are protected.
func (s *Service) DeleteRole(ctx context.Context, tenantID, roleID string) error {
	r, err := s.tenantRole(ctx, tenantID, roleID)
	if err != nil {
		return err
	}
	if r.IsSystem {
		return ErrSystemRole
	}
	n, err := s.store.Roles(ctx).AssignmentCount(ctx, roleID)
	if err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("%w: %d users still assigned", ErrRoleInUse, n)
	}
	if err := s.store.Roles(ctx).SoftDelete(ctx, roleID, s.now().UTC()); err != nil {
		return err
	}
	s.audit.Record(ctx, audit.Event{
		Action: audit.ActionDelete, EntityType: "role",
		EntityID: r.ID, EntityRef: r.Name,
	})
	return nil
}

// DuplicateRole copies a role, optionally with its grants. The copy is
// never a system role regardless of the source.
func (s *Service) DuplicateRole(ctx context.Context, tenantID, roleID, newName, actor string, includeGrants bool) (*Role, error) {
	src, err := s.tenantRole(ctx, tenantID, roleID)
	if err != nil {
		return nil, err
	}
	newName = strings.TrimSpace(newName)
	if newName == "" {
		newName = src.Name + " (copy)"
	}
	dup := &Role{
		ID:          ids.New(),
		TenantID:    tenantID,
		Name:        newName,
		Description: src.Description,
		Status:      RoleActive,
		CreatedBy:   actor,
	}
	roles := s.store.Roles(ctx)
	if err := roles.Create(ctx, dup); err != nil {
		return nil, err
	}
	if includeGrants {
		grants, err := roles.Grants(ctx, src.ID)
		if err != nil {
			return nil, err
		}
		copied := make([]RoleGrant, 0, len(grants))
		for _, g := range grants {
			copied = append(copied, RoleGrant{
				ID:            ids.New(),
				TenantID:      tenantID,
				RoleID:        dup.ID,
				ApplicationID: g.ApplicationID,
				PermissionKey: g.PermissionKey,
				GrantedBy:     actor,
			})
		}
		if err := roles.AddGrants(ctx, copied); err != nil {
			return nil, err
		}
	}
	s.audit.Record(ctx, audit.Event{
		Action: audit.ActionCreate, EntityType: "role",
		EntityID: dup.ID, EntityRef: dup.Name,
		Changes: map[string]any{"duplicated_from": src.ID, "include_grants": includeGrants},
	})
	return dup, nil
}

// AssignRole gives a user a role. Both the role and the user's
// membership must belong to the tenant.
func (s *Service) AssignRole(ctx context.Context, tenantID, userID, roleID, assignedBy string) error {
	if _, err := s.tenantRole(ctx, tenantID, roleID); err != nil {
		return err
	}
	m, err := s.store.Memberships(ctx).Find(ctx, userID, tenantID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: user %s is not a member of tenant %s", ErrScopeViolation, userID, tenantID)
		}
		return err
	}
	if m.Status == MembershipRevoked {
		return fmt.Errorf("%w: membership revoked", ErrScopeViolation)
	}
	a := &RoleAssignment{
		ID:         ids.New(),
		TenantID:   tenantID,
		UserID:     userID,
		RoleID:     roleID,
		AssignedBy: assignedBy,
		AssignedAt: s.now().UTC(),
	}
	if err := s.store.Roles(ctx).Assign(ctx, a); err != nil {
		return err
	}
	s.audit.Record(ctx, audit.Event{
		Action: audit.ActionAssign, EntityType: "user_role",
		EntityID: a.ID, EntityRef: roleID,
		Changes: map[string]any{"user_id": userID},
	})
	return nil
}

// UnassignRole removes a role from a user. Missing assignments are a
// no-op.
func (s *Service) UnassignRole(ctx context.Context, tenantID, userID, roleID string) error {
	if err := s.store.Roles(ctx).Unassign(ctx, tenantID, userID, roleID); err != nil {
		return err
	}
	s.audit.Record(ctx, audit.Event{
		Action: audit.ActionUnassign, EntityType: "user_role",
		EntityRef: roleID,
		Changes:   map[string]any{"user_id": userID},
	})
	return nil
}

// tenantRole loads a live role and checks tenant ownership. A role from
// another tenant reads as a scope violation, not as not-found, so the
// caller can distinguish a bad id from a cross-tenant probe.
func (s *Service) tenantRole(ctx context.Context, tenantID, roleID string) (*Role, error) {
	r, err := s.store.Roles(ctx).Find(ctx, roleID)
	if err != nil {
		return nil, err
	}
	if r.DeletedAt != nil {
		return nil, ErrNotFound
	}
	if r.TenantID != tenantID {
		return nil, fmt.Errorf("%w: role %s belongs to another tenant", ErrScopeViolation, roleID)
	}
	return r, nil
}
