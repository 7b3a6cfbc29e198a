package token

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tahplatform/accesshub/internal/audit"
	"github.com/tahplatform/accesshub/internal/authz"
	"github.com/tahplatform/accesshub/internal/iam"
	"github.com/tahplatform/accesshub/internal/ids"
)

const (
	defaultAccessTTL   = 30 * time.Minute
	defaultRefreshTTL  = 7 * 24 * time.Hour
	defaultAppTokenTTL = 5 * time.Minute
	defaultMinPassword = 6
)

// Service issues, rotates and verifies tokens.
type Service struct {
	store  Store
	authz  *authz.Engine
	keys   *KeyPair
	audit  *audit.Recorder
	log    zerolog.Logger
	issuer string

	accessTTL   time.Duration
	refreshTTL  time.Duration
	appTokenTTL time.Duration
	minPassword int
	now         func() time.Time
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service)

// WithIssuer overrides the iss claim.
func WithIssuer(issuer string) ServiceOption {
	return func(s *Service) {
		if v := strings.TrimSpace(issuer); v != "" {
			s.issuer = v
		}
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) {
		if ttl > 0 {
			s.accessTTL = ttl
		}
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
	}
}

// WithAppTokenTTL configures launch token lifetime.
func WithAppTokenTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) {
		if ttl > 0 {
			s.appTokenTTL = ttl
		}
	}
}

// WithMinPasswordLength configures the accept-invite password policy.
func WithMinPasswordLength(n int) ServiceOption {
	return func(s *Service) {
		if n > 0 {
			s.minPassword = n
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService constructs the token service.
func NewService(store Store, engine *authz.Engine, keys *KeyPair, rec *audit.Recorder, log zerolog.Logger, opts ...ServiceOption) *Service {
	svc := &Service{
		store:       store,
		authz:       engine,
		keys:        keys,
		audit:       rec,
		log:         log,
		issuer:      "accesshub",
		accessTTL:   defaultAccessTTL,
		refreshTTL:  defaultRefreshTTL,
		appTokenTTL: defaultAppTokenTTL,
		minPassword: defaultMinPassword,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// JWKS exposes the public signing keys.
func (s *Service) JWKS() JWKS {
	return JWKS{Keys: []JWK{s.keys.ToJWK()}}
}

// Login authenticates email+password and issues a token pair. Every
// failure mode collapses to ErrAuthenticationFailed so callers cannot
// enumerate accounts.
func (s *Service) Login(ctx context.Context, email, password, tenantID string) (*TokenPair, error) {
	email = iam.NormalizeEmail(email)
	if email == "" || password == "" {
		return nil, ErrAuthenticationFailed
	}
	user, err := s.store.UserByEmail(ctx, email)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	if user.Status != iam.UserActive || user.PasswordHash == "" {
		return nil, ErrAuthenticationFailed
	}
	if err := iam.VerifyPassword(user.PasswordHash, password); err != nil {
		return nil, ErrAuthenticationFailed
	}
	if tenantID != "" {
		if err := s.requireActiveMembership(ctx, user.ID, tenantID); err != nil {
			return nil, ErrAuthenticationFailed
		}
	}

	pair, err := s.mintPair(ctx, user, tenantID, SessionWeb)
	if err != nil {
		return nil, err
	}
	s.audit.Record(ctx, audit.Event{
		Action: audit.ActionLogin, EntityType: "user",
		EntityID: user.ID, EntityRef: user.Email,
	})
	return pair, nil
}

// Refresh rotates a refresh token. The stored row is revoked with a
// conditional update before new credentials are issued, so only one of
// two racing callers ever wins; the loser gets ErrRefreshInvalid.
func (s *Service) Refresh(ctx context.Context, raw string) (*TokenPair, error) {
	tokenID, secret, err := splitRefreshToken(raw)
	if err != nil {
		return nil, ErrRefreshInvalid
	}
	rec, err := s.store.FindRefreshToken(ctx, tokenID)
	if err != nil {
		return nil, ErrRefreshInvalid
	}
	now := s.now().UTC()
	if rec.RevokedAt != nil || now.After(rec.ExpiresAt) {
		return nil, ErrRefreshInvalid
	}
	if !secureCompareHash(rec.TokenHash, secret) {
		// Wrong secret for a live token id: burn the token.
		_, _ = s.store.RevokeRefreshToken(ctx, rec.ID, now)
		return nil, ErrRefreshInvalid
	}

	won, err := s.store.RevokeRefreshToken(ctx, rec.ID, now)
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, ErrRefreshInvalid
	}

	user, err := s.store.User(ctx, rec.UserID)
	if err != nil || user.Status != iam.UserActive {
		return nil, ErrRefreshInvalid
	}
	return s.mintPair(ctx, user, rec.TenantID, SessionWeb)
}

// IssueAppToken issues a short-lived launch token for one application,
// carrying the user's point-in-time roles and permissions.
func (s *Service) IssueAppToken(ctx context.Context, userID, tenantID, appID string) (*AppToken, error) {
	if err := s.requireActiveMembership(ctx, userID, tenantID); err != nil {
		return nil, err
	}
	app, err := s.store.Application(ctx, appID)
	if err != nil {
		return nil, err
	}
	if app.Status != iam.ApplicationActive {
		return nil, fmt.Errorf("%w: application %s is not active", iam.ErrValidation, appID)
	}
	enabled, err := s.store.ApplicationEnabled(ctx, tenantID, appID)
	if err != nil {
		return nil, err
	}
	if !enabled {
		return nil, fmt.Errorf("%w: application %s is not enabled for tenant", iam.ErrScopeViolation, appID)
	}

	user, err := s.store.User(ctx, userID)
	if err != nil {
		return nil, err
	}
	tenant, err := s.store.Tenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	perms, err := s.authz.EffectivePermissions(ctx, tenantID, userID, appID)
	if err != nil {
		return nil, err
	}
	roles, err := s.authz.RoleNames(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	exp := now.Add(s.appTokenTTL)
	jti := uuid.NewString()
	claims := Claims{
		TokenType:   TypeAppAccess,
		TenantID:    tenantID,
		OrgID:       tenant.Slug,
		Email:       user.Email,
		Name:        user.DisplayName,
		Roles:       roles,
		Permissions: perms,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   user.ID,
			Audience:  jwt.ClaimStrings{app.ID},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        jti,
		},
	}
	signed, err := s.sign(claims)
	if err != nil {
		return nil, err
	}
	if err := s.recordSession(ctx, user.ID, tenantID, SessionAppLaunch, jti, now, exp); err != nil {
		return nil, err
	}
	s.audit.Record(ctx, audit.Event{
		Action: audit.ActionLogin, EntityType: "application",
		EntityID: app.ID, EntityRef: app.Name,
		Changes: map[string]any{"session_type": SessionAppLaunch, "user_id": user.ID},
	})
	return &AppToken{Token: signed, ExpiresAt: exp, Permissions: perms}, nil
}

// ValidateInvite previews an invitation without consuming it.
func (s *Service) ValidateInvite(ctx context.Context, inviteToken string) (*Invite, error) {
	if strings.TrimSpace(inviteToken) == "" {
		return nil, iam.ErrInviteNotFound
	}
	inv, err := s.store.InviteByToken(ctx, inviteToken)
	if err != nil {
		if errors.Is(err, iam.ErrNotFound) {
			return nil, iam.ErrInviteNotFound
		}
		return nil, err
	}
	if inv.Status != iam.MembershipInvited {
		return nil, iam.ErrInviteNotFound
	}
	if inv.ExpiresAt != nil && s.now().UTC().After(*inv.ExpiresAt) {
		return nil, iam.ErrInviteExpired
	}
	return inv, nil
}

// AcceptInvite consumes an invitation: sets the password, activates the
// membership and user, and issues a first session. The invite token is
// single use; a second acceptance reads as not found.
func (s *Service) AcceptInvite(ctx context.Context, inviteToken, password string) (*TokenPair, error) {
	inv, err := s.ValidateInvite(ctx, inviteToken)
	if err != nil {
		return nil, err
	}
	if len(password) < s.minPassword {
		return nil, fmt.Errorf("%w: password must be at least %d characters", iam.ErrValidation, s.minPassword)
	}
	hash, err := iam.HashPassword(password)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	if err := s.store.ConsumeInvite(ctx, inv.MembershipID, inv.UserID, hash, now); err != nil {
		return nil, err
	}

	user, err := s.store.User(ctx, inv.UserID)
	if err != nil {
		return nil, err
	}
	pair, err := s.mintPair(ctx, user, inv.TenantID, SessionWeb)
	if err != nil {
		return nil, err
	}
	s.audit.Record(ctx, audit.Event{
		Action: audit.ActionUpdate, EntityType: "membership",
		EntityID: inv.MembershipID, EntityRef: inv.Email,
		Changes: map[string]any{"status": iam.MembershipActive},
	})
	return pair, nil
}

// Logout revokes the session behind an access token. Unknown or
// already-revoked sessions are a no-op.
func (s *Service) Logout(ctx context.Context, raw string) error {
	claims, err := s.parse(raw)
	if err != nil {
		return ErrInvalidToken
	}
	if claims.ID == "" {
		return nil
	}
	if err := s.store.RevokeSession(ctx, claims.ID, s.now().UTC()); err != nil {
		if errors.Is(err, iam.ErrNotFound) {
			return nil
		}
		return err
	}
	s.audit.Record(ctx, audit.Event{
		Action: audit.ActionLogout, EntityType: "user",
		EntityID: claims.Subject, EntityRef: claims.Email,
	})
	return nil
}

// Verify validates a console access token and checks that its session
// has not been revoked.
func (s *Service) Verify(ctx context.Context, raw string) (*Claims, error) {
	claims, err := s.parse(raw)
	if err != nil {
		return nil, ErrInvalidToken
	}
	if claims.TokenType != TypeAccess {
		return nil, ErrInvalidToken
	}
	if claims.ID != "" {
		revoked, err := s.store.SessionRevoked(ctx, claims.ID)
		if err != nil {
			return nil, err
		}
		if revoked {
			return nil, ErrInvalidToken
		}
	}
	return claims, nil
}

func (s *Service) parse(raw string) (*Claims, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		if kid, _ := t.Header["kid"].(string); kid != "" && kid != s.keys.Kid {
			return nil, fmt.Errorf("unknown key id %q", kid)
		}
		return s.keys.Public, nil
	},
		jwt.WithIssuer(s.issuer),
		jwt.WithLeeway(5*time.Second),
		jwt.WithTimeFunc(func() time.Time { return s.now() }),
	)
	if err != nil {
		return nil, err
	}
	return &claims, nil
}

func (s *Service) requireActiveMembership(ctx context.Context, userID, tenantID string) error {
	tenant, err := s.store.Tenant(ctx, tenantID)
	if err != nil {
		return err
	}
	if tenant.Status != iam.TenantActive || tenant.DeletedAt != nil {
		return fmt.Errorf("%w: tenant %s is not active", iam.ErrScopeViolation, tenantID)
	}
	m, err := s.store.Membership(ctx, userID, tenantID)
	if err != nil {
		if errors.Is(err, iam.ErrNotFound) {
			return fmt.Errorf("%w: not a member of tenant %s", iam.ErrScopeViolation, tenantID)
		}
		return err
	}
	if m.Status != iam.MembershipActive {
		return fmt.Errorf("%w: membership is %s", iam.ErrScopeViolation, m.Status)
	}
	return nil
}

func (s *Service) mintPair(ctx context.Context, user *iam.User, tenantID, sessionType string) (*TokenPair, error) {
	now := s.now().UTC()
	accessExp := now.Add(s.accessTTL)
	jti := uuid.NewString()

	claims := Claims{
		TokenType: TypeAccess,
		TenantID:  tenantID,
		Email:     user.Email,
		Name:      user.DisplayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(accessExp),
			ID:        jti,
		},
	}
	if tenantID != "" {
		acc, err := s.authz.AccessContext(ctx, tenantID, user.ID)
		if err != nil {
			return nil, err
		}
		claims.Roles = acc.Roles
		claims.Permissions = acc.Permissions
	}
	access, err := s.sign(claims)
	if err != nil {
		return nil, err
	}

	refresh, rec, err := s.generateRefreshToken(user.ID, tenantID, now)
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateRefreshToken(ctx, rec); err != nil {
		return nil, err
	}
	if err := s.recordSession(ctx, user.ID, tenantID, sessionType, jti, now, accessExp); err != nil {
		return nil, err
	}

	return &TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: rec.ExpiresAt,
	}, nil
}

func (s *Service) sign(claims Claims) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = s.keys.Kid
	return tok.SignedString(s.keys.Private)
}

func (s *Service) recordSession(ctx context.Context, userID, tenantID, sessionType, jti string, issuedAt, expiresAt time.Time) error {
	return s.store.CreateSession(ctx, &Session{
		ID:          ids.New(),
		TenantID:    tenantID,
		UserID:      userID,
		SessionType: sessionType,
		TokenJTI:    jti,
		IssuedAt:    issuedAt,
		ExpiresAt:   &expiresAt,
	})
}

func (s *Service) generateRefreshToken(userID, tenantID string, now time.Time) (string, *RefreshToken, error) {
	secret, err := ids.NewSecret()
	if err != nil {
		return "", nil, err
	}
	tokenID := ids.New()
	sum := sha256.Sum256([]byte(secret))
	rec := &RefreshToken{
		ID:        tokenID,
		UserID:    userID,
		TenantID:  tenantID,
		TokenHash: hex.EncodeToString(sum[:]),
		ExpiresAt: now.Add(s.refreshTTL),
		CreatedAt: now,
	}
	return tokenID + "." + secret, rec, nil
}

func splitRefreshToken(raw string) (id, secret string, err error) {
	parts := strings.Split(raw, ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errors.New("invalid refresh token format")
	}
	return parts[0], parts[1], nil
}

func secureCompareHash(expectedHash, secret string) bool {
	sum := sha256.Sum256([]byte(secret))
	actual := hex.EncodeToString(sum[:])
	if len(expectedHash) != len(actual) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expectedHash), []byte(actual)) == 1
}
