package token

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tahplatform/accesshub/internal/audit"
	"github.com/tahplatform/accesshub/internal/authz"
	"github.com/tahplatform/accesshub/internal/catalog"
	"github.com/tahplatform/accesshub/internal/iam"
)

// memStore is an in-memory token.Store.
type memStore struct {
	users       map[string]*iam.User
	tenants     map[string]*iam.Tenant
	memberships map[string]*iam.Membership // keyed userID/tenantID
	apps        map[string]*iam.Application
	enabled     map[string]bool // tenantID/appID
	refresh     map[string]*RefreshToken
	sessions    map[string]*Session // keyed jti
}

func newMemStore() *memStore {
	return &memStore{
		users:       map[string]*iam.User{},
		tenants:     map[string]*iam.Tenant{},
		memberships: map[string]*iam.Membership{},
		apps:        map[string]*iam.Application{},
		enabled:     map[string]bool{},
		refresh:     map[string]*RefreshToken{},
		sessions:    map[string]*Session{},
	}
}

func (m *memStore) User(_ context.Context, id string) (*iam.User, error) {
	u, ok := m.users[id]
	if !ok {
		return nil, iam.ErrNotFound
	}
	return u, nil
}

func (m *memStore) UserByEmail(_ context.Context, email string) (*iam.User, error) {
	for _, u := range m.users {
		if u.Email == email {
			return u, nil
		}
	}
	return nil, iam.ErrNotFound
}

func (m *memStore) Tenant(_ context.Context, id string) (*iam.Tenant, error) {
	t, ok := m.tenants[id]
	if !ok {
		return nil, iam.ErrNotFound
	}
	return t, nil
}

func (m *memStore) Membership(_ context.Context, userID, tenantID string) (*iam.Membership, error) {
	mem, ok := m.memberships[userID+"/"+tenantID]
	if !ok {
		return nil, iam.ErrNotFound
	}
	return mem, nil
}

func (m *memStore) Application(_ context.Context, id string) (*iam.Application, error) {
	a, ok := m.apps[id]
	if !ok {
		return nil, iam.ErrNotFound
	}
	return a, nil
}

func (m *memStore) ApplicationEnabled(_ context.Context, tenantID, appID string) (bool, error) {
	return m.enabled[tenantID+"/"+appID], nil
}

func (m *memStore) InviteByToken(_ context.Context, token string) (*Invite, error) {
	for _, mem := range m.memberships {
		if mem.InviteToken != "" && mem.InviteToken == token {
			user := m.users[mem.UserID]
			tenant := m.tenants[mem.TenantID]
			return &Invite{
				MembershipID: mem.ID,
				TenantID:     mem.TenantID,
				TenantName:   tenant.Name,
				UserID:       mem.UserID,
				Email:        user.Email,
				DisplayName:  user.DisplayName,
				Status:       mem.Status,
				ExpiresAt:    mem.InviteExpiresAt,
			}, nil
		}
	}
	return nil, iam.ErrNotFound
}

func (m *memStore) ConsumeInvite(_ context.Context, membershipID, userID, passwordHash string, now time.Time) error {
	for _, mem := range m.memberships {
		if mem.ID == membershipID && mem.Status == iam.MembershipInvited {
			mem.Status = iam.MembershipActive
			mem.InviteToken = ""
			mem.JoinedAt = &now
			u := m.users[userID]
			u.PasswordHash = passwordHash
			u.Status = iam.UserActive
			return nil
		}
	}
	return iam.ErrInviteNotFound
}

func (m *memStore) CreateRefreshToken(_ context.Context, rt *RefreshToken) error {
	m.refresh[rt.ID] = rt
	return nil
}

func (m *memStore) FindRefreshToken(_ context.Context, id string) (*RefreshToken, error) {
	rt, ok := m.refresh[id]
	if !ok {
		return nil, iam.ErrNotFound
	}
	cp := *rt
	return &cp, nil
}

func (m *memStore) RevokeRefreshToken(_ context.Context, id string, now time.Time) (bool, error) {
	rt, ok := m.refresh[id]
	if !ok || rt.RevokedAt != nil {
		return false, nil
	}
	rt.RevokedAt = &now
	return true, nil
}

func (m *memStore) CreateSession(_ context.Context, s *Session) error {
	m.sessions[s.TokenJTI] = s
	return nil
}

func (m *memStore) SessionRevoked(_ context.Context, jti string) (bool, error) {
	s, ok := m.sessions[jti]
	if !ok {
		return false, nil
	}
	return s.RevokedAt != nil, nil
}

func (m *memStore) RevokeSession(_ context.Context, jti string, now time.Time) error {
	s, ok := m.sessions[jti]
	if !ok || s.RevokedAt != nil {
		return iam.ErrNotFound
	}
	s.RevokedAt = &now
	return nil
}

// stubAuthzStore feeds the authorization engine fixed data.
type stubAuthzStore struct {
	perms []string
	roles []iam.Role
	apps  []iam.Application
}

func (s *stubAuthzStore) EffectivePermissions(context.Context, string, string, string) ([]string, error) {
	return s.perms, nil
}
func (s *stubAuthzStore) UserRoles(context.Context, string, string) ([]iam.Role, error) {
	return s.roles, nil
}
func (s *stubAuthzStore) EnabledApplications(context.Context, string) ([]iam.Application, error) {
	return s.apps, nil
}
func (s *stubAuthzStore) CatalogForTenant(context.Context, string) ([]catalog.Entry, error) {
	return nil, nil
}
func (s *stubAuthzStore) Role(context.Context, string) (*iam.Role, error) {
	return nil, iam.ErrNotFound
}
func (s *stubAuthzStore) RoleGrants(context.Context, string) ([]iam.RoleGrant, error) {
	return nil, nil
}
func (s *stubAuthzStore) ApplyGrantChanges(context.Context, string, []iam.RoleGrant, []authz.GrantRef) (int, int, error) {
	return 0, 0, nil
}

type world struct {
	store *memStore
	svc   *Service
}

func newWorld(t *testing.T, opts ...ServiceOption) *world {
	t.Helper()
	keys, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	store := newMemStore()
	rec := audit.NewRecorder(nil, zerolog.Nop())
	engine := authz.NewEngine(&stubAuthzStore{
		perms: []string{"billing.invoices:view"},
		roles: []iam.Role{{ID: "analyst", Name: "Analyst", TenantID: "t1", Status: iam.RoleActive}},
		apps:  []iam.Application{{ID: "billing", Name: "Billing"}},
	}, nil, rec, zerolog.Nop())
	svc := NewService(store, engine, keys, rec, zerolog.Nop(), opts...)
	return &world{store: store, svc: svc}
}

func (w *world) seedUser(t *testing.T, password string) *iam.User {
	t.Helper()
	hash := ""
	if password != "" {
		var err error
		hash, err = iam.HashPassword(password)
		if err != nil {
			t.Fatalf("HashPassword: %v", err)
		}
	}
	u := &iam.User{ID: "u1", Email: "ada@example.com", DisplayName: "Ada", PasswordHash: hash, Status: iam.UserActive}
	w.store.users[u.ID] = u
	w.store.tenants["t1"] = &iam.Tenant{ID: "t1", Slug: "acme", Name: "Acme Corp", Status: iam.TenantActive}
	w.store.memberships["u1/t1"] = &iam.Membership{ID: "m1", UserID: "u1", TenantID: "t1", Status: iam.MembershipActive}
	return u
}

func TestLoginIssuesVerifiableToken(t *testing.T) {
	w := newWorld(t)
	w.seedUser(t, "hunter22")
	ctx := context.Background()

	pair, err := w.svc.Login(ctx, "Ada@Example.com", "hunter22", "t1")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	claims, err := w.svc.Verify(ctx, pair.AccessToken)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Subject != "u1" || claims.TokenType != TypeAccess || claims.TenantID != "t1" {
		t.Errorf("claims = %+v", claims)
	}
	if len(claims.Permissions) == 0 || len(claims.Roles) == 0 {
		t.Error("expected roles and permissions in tenant-scoped token")
	}
	if _, ok := w.store.sessions[claims.ID]; !ok {
		t.Error("expected session recorded for jti")
	}
}

func TestLoginFailuresCollapse(t *testing.T) {
	w := newWorld(t)
	u := w.seedUser(t, "hunter22")

	cases := map[string]func() error{
		"unknown email": func() error {
			_, err := w.svc.Login(context.Background(), "nobody@example.com", "hunter22", "")
			return err
		},
		"wrong password": func() error {
			_, err := w.svc.Login(context.Background(), u.Email, "wrong", "")
			return err
		},
		"non-member tenant": func() error {
			_, err := w.svc.Login(context.Background(), u.Email, "hunter22", "t-other")
			return err
		},
		"suspended user": func() error {
			u.Status = iam.UserSuspended
			defer func() { u.Status = iam.UserActive }()
			_, err := w.svc.Login(context.Background(), u.Email, "hunter22", "")
			return err
		},
		"no password set": func() error {
			hash := u.PasswordHash
			u.PasswordHash = ""
			defer func() { u.PasswordHash = hash }()
			_, err := w.svc.Login(context.Background(), u.Email, "hunter22", "")
			return err
		},
	}
	for name, fn := range cases {
		if err := fn(); !errors.Is(err, ErrAuthenticationFailed) {
			t.Errorf("%s: err = %v, want ErrAuthenticationFailed", name, err)
		}
	}
}

func TestRefreshRotationSingleWinner(t *testing.T) {
	w := newWorld(t)
	w.seedUser(t, "hunter22")
	ctx := context.Background()

	pair, err := w.svc.Login(ctx, "ada@example.com", "hunter22", "t1")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	next, err := w.svc.Refresh(ctx, pair.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if next.RefreshToken == pair.RefreshToken {
		t.Error("expected rotation to issue a new refresh token")
	}

	// Replaying the consumed token must fail.
	if _, err := w.svc.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrRefreshInvalid) {
		t.Errorf("replay err = %v, want ErrRefreshInvalid", err)
	}
	// The new token still works.
	if _, err := w.svc.Refresh(ctx, next.RefreshToken); err != nil {
		t.Errorf("rotated token err = %v", err)
	}
}

func TestRefreshMalformedAndTampered(t *testing.T) {
	w := newWorld(t)
	w.seedUser(t, "hunter22")
	ctx := context.Background()

	for _, raw := range []string{"", "justonepart", ".leading", "trailing."} {
		if _, err := w.svc.Refresh(ctx, raw); !errors.Is(err, ErrRefreshInvalid) {
			t.Errorf("refresh(%q) err = %v, want ErrRefreshInvalid", raw, err)
		}
	}

	pair, err := w.svc.Login(ctx, "ada@example.com", "hunter22", "")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	id := strings.SplitN(pair.RefreshToken, ".", 2)[0]
	if _, err := w.svc.Refresh(ctx, id+".wrongsecret"); !errors.Is(err, ErrRefreshInvalid) {
		t.Errorf("tampered err = %v, want ErrRefreshInvalid", err)
	}
	// Guessing the wrong secret burned the token.
	if _, err := w.svc.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrRefreshInvalid) {
		t.Errorf("burned token err = %v, want ErrRefreshInvalid", err)
	}
}

func TestInviteLifecycle(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()

	expires := time.Now().Add(time.Hour).UTC()
	w.store.tenants["t1"] = &iam.Tenant{ID: "t1", Slug: "acme", Name: "Acme Corp", Status: iam.TenantActive}
	w.store.users["u2"] = &iam.User{ID: "u2", Email: "grace@example.com", DisplayName: "Grace", Status: iam.UserInvited}
	w.store.memberships["u2/t1"] = &iam.Membership{
		ID: "m2", UserID: "u2", TenantID: "t1",
		Status: iam.MembershipInvited, InviteToken: "invite-token-1", InviteExpiresAt: &expires,
	}

	inv, err := w.svc.ValidateInvite(ctx, "invite-token-1")
	if err != nil {
		t.Fatalf("ValidateInvite: %v", err)
	}
	if inv.TenantName != "Acme Corp" || inv.Email != "grace@example.com" {
		t.Errorf("invite = %+v", inv)
	}

	if _, err := w.svc.AcceptInvite(ctx, "invite-token-1", "abc"); !errors.Is(err, iam.ErrValidation) {
		t.Errorf("short password err = %v, want ErrValidation", err)
	}

	pair, err := w.svc.AcceptInvite(ctx, "invite-token-1", "longenough")
	if err != nil {
		t.Fatalf("AcceptInvite: %v", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Error("expected a session pair after acceptance")
	}
	if w.store.users["u2"].Status != iam.UserActive {
		t.Error("user should be active after acceptance")
	}
	if w.store.memberships["u2/t1"].Status != iam.MembershipActive {
		t.Error("membership should be active after acceptance")
	}

	// Single use: same token again reads as not found.
	if _, err := w.svc.AcceptInvite(ctx, "invite-token-1", "longenough"); !errors.Is(err, iam.ErrInviteNotFound) {
		t.Errorf("second accept err = %v, want ErrInviteNotFound", err)
	}

	// The fresh password works for login.
	if _, err := w.svc.Login(ctx, "grace@example.com", "longenough", "t1"); err != nil {
		t.Errorf("login after acceptance: %v", err)
	}
}

func TestInviteExpired(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()

	expired := time.Now().Add(-time.Hour).UTC()
	w.store.tenants["t1"] = &iam.Tenant{ID: "t1", Name: "Acme Corp", Status: iam.TenantActive}
	w.store.users["u2"] = &iam.User{ID: "u2", Email: "grace@example.com", Status: iam.UserInvited}
	w.store.memberships["u2/t1"] = &iam.Membership{
		ID: "m2", UserID: "u2", TenantID: "t1",
		Status: iam.MembershipInvited, InviteToken: "stale", InviteExpiresAt: &expired,
	}

	if _, err := w.svc.ValidateInvite(ctx, "stale"); !errors.Is(err, iam.ErrInviteExpired) {
		t.Errorf("err = %v, want ErrInviteExpired", err)
	}
	if _, err := w.svc.ValidateInvite(ctx, "never-existed"); !errors.Is(err, iam.ErrInviteNotFound) {
		t.Errorf("err = %v, want ErrInviteNotFound", err)
	}
}

func TestIssueAppTokenClaims(t *testing.T) {
	w := newWorld(t)
	w.seedUser(t, "hunter22")
	w.store.apps["billing"] = &iam.Application{ID: "billing", Name: "Billing", Status: iam.ApplicationActive}
	w.store.enabled["t1/billing"] = true
	ctx := context.Background()

	app, err := w.svc.IssueAppToken(ctx, "u1", "t1", "billing")
	if err != nil {
		t.Fatalf("IssueAppToken: %v", err)
	}

	claims := decodeClaims(t, app.Token)
	if claims["token_type"] != TypeAppAccess {
		t.Errorf("token_type = %v, want app_access", claims["token_type"])
	}
	aud, _ := claims["aud"].([]any)
	if len(aud) != 1 || aud[0] != "billing" {
		t.Errorf("aud = %v, want [billing]", claims["aud"])
	}
	if claims["tenant_id"] != "t1" || claims["org_id"] != "acme" {
		t.Errorf("tenant/org = %v/%v", claims["tenant_id"], claims["org_id"])
	}
	if claims["email"] != "ada@example.com" {
		t.Errorf("email = %v", claims["email"])
	}
	perms, _ := claims["permissions"].([]any)
	if len(perms) != 1 || perms[0] != "billing.invoices:view" {
		t.Errorf("permissions = %v", claims["permissions"])
	}
	if len(app.Permissions) != 1 || app.Permissions[0] != "billing.invoices:view" {
		t.Errorf("response permissions = %v, want the claim snapshot", app.Permissions)
	}

	// Launch tokens are not console access tokens.
	if _, err := w.svc.Verify(ctx, app.Token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Verify(app token) err = %v, want ErrInvalidToken", err)
	}

	jti, _ := claims["jti"].(string)
	sess, ok := w.store.sessions[jti]
	if !ok || sess.SessionType != SessionAppLaunch {
		t.Errorf("session = %+v, want app_launch session", sess)
	}
}

func TestIssueAppTokenRequiresEnablement(t *testing.T) {
	w := newWorld(t)
	w.seedUser(t, "hunter22")
	w.store.apps["billing"] = &iam.Application{ID: "billing", Name: "Billing", Status: iam.ApplicationActive}
	ctx := context.Background()

	if _, err := w.svc.IssueAppToken(ctx, "u1", "t1", "billing"); !errors.Is(err, iam.ErrScopeViolation) {
		t.Errorf("disabled app err = %v, want ErrScopeViolation", err)
	}
	if _, err := w.svc.IssueAppToken(ctx, "u1", "t1", "ghost"); !errors.Is(err, iam.ErrNotFound) {
		t.Errorf("unknown app err = %v, want ErrNotFound", err)
	}
}

func TestVerifyRevokedSession(t *testing.T) {
	w := newWorld(t)
	w.seedUser(t, "hunter22")
	ctx := context.Background()

	pair, err := w.svc.Login(ctx, "ada@example.com", "hunter22", "")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	claims, err := w.svc.Verify(ctx, pair.AccessToken)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	now := time.Now()
	w.store.sessions[claims.ID].RevokedAt = &now
	if _, err := w.svc.Verify(ctx, pair.AccessToken); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("revoked session err = %v, want ErrInvalidToken", err)
	}
}

func TestLogoutRevokesSession(t *testing.T) {
	w := newWorld(t)
	w.seedUser(t, "hunter22")
	ctx := context.Background()

	pair, err := w.svc.Login(ctx, "ada@example.com", "hunter22", "")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if err := w.svc.Logout(ctx, pair.AccessToken); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if _, err := w.svc.Verify(ctx, pair.AccessToken); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("post-logout err = %v, want ErrInvalidToken", err)
	}
	// Logging out twice is a no-op.
	if err := w.svc.Logout(ctx, pair.AccessToken); err != nil {
		t.Errorf("second logout err = %v", err)
	}
}

func TestJWKSMatchesTokenHeader(t *testing.T) {
	w := newWorld(t)
	w.seedUser(t, "hunter22")

	pair, err := w.svc.Login(context.Background(), "ada@example.com", "hunter22", "")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	header := decodeHeader(t, pair.AccessToken)
	jwks := w.svc.JWKS()
	if len(jwks.Keys) != 1 {
		t.Fatalf("jwks keys = %d, want 1", len(jwks.Keys))
	}
	if header["kid"] != jwks.Keys[0].Kid {
		t.Errorf("header kid = %v, jwks kid = %v", header["kid"], jwks.Keys[0].Kid)
	}
	if jwks.Keys[0].Alg != "RS256" || jwks.Keys[0].Kty != "RSA" {
		t.Errorf("jwk = %+v", jwks.Keys[0])
	}
}

func decodeClaims(t *testing.T, raw string) map[string]any {
	t.Helper()
	return decodeSegment(t, raw, 1)
}

func decodeHeader(t *testing.T, raw string) map[string]any {
	t.Helper()
	return decodeSegment(t, raw, 0)
}

func decodeSegment(t *testing.T, raw string, idx int) map[string]any {
	t.Helper()
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		t.Fatalf("token has %d segments", len(parts))
	}
	data, err := base64.RawURLEncoding.DecodeString(parts[idx])
	if err != nil {
		t.Fatalf("decode segment: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal segment: %v", err)
	}
	return out
}
