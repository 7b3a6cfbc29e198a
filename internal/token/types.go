package token

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tahplatform/accesshub/internal/iam"
)

var (
	ErrAuthenticationFailed = errors.New("token: authentication failed")
	ErrRefreshInvalid       = errors.New("token: refresh token invalid")
	ErrInvalidToken         = errors.New("token: invalid token")
)

// Token types carried in the token_type claim. Refresh tokens are
// opaque strings, not JWTs, so no type exists for them.
const (
	TypeAccess    = "access"
	TypeAppAccess = "app_access"
)

// Session types.
const (
	SessionWeb       = "web"
	SessionAppLaunch = "app_launch"
)

// Claims is the JWT payload for both console access tokens and
// application launch tokens.
type Claims struct {
	TokenType   string   `json:"token_type"`
	TenantID    string   `json:"tenant_id,omitempty"`
	OrgID       string   `json:"org_id,omitempty"`
	Email       string   `json:"email,omitempty"`
	Name        string   `json:"name,omitempty"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	jwt.RegisteredClaims
}

// TokenPair is an access token plus its rotating refresh token.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// AppToken is a short-lived application launch token. Permissions
// mirror the snapshot embedded in the JWT so callers can render the
// target application without decoding it.
type AppToken struct {
	Token       string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
	Permissions []string  `json:"permissions"`
}

// RefreshToken is the stored half of an opaque refresh credential. The
// wire form is "<id>.<secret>"; only the secret's hash is stored.
type RefreshToken struct {
	ID        string
	UserID    string
	TenantID  string
	TokenHash string
	ExpiresAt time.Time
	RevokedAt *time.Time
	CreatedAt time.Time
}

// Session tracks an issued token by jti for revocation and audit.
type Session struct {
	ID          string
	TenantID    string
	UserID      string
	SessionType string
	TokenJTI    string
	IssuedAt    time.Time
	ExpiresAt   *time.Time
	RevokedAt   *time.Time
}

// Invite is the join of an invited membership with its user and tenant,
// enough to preview and accept an invitation.
type Invite struct {
	MembershipID string     `json:"-"`
	TenantID     string     `json:"tenant_id"`
	TenantName   string     `json:"tenant_name"`
	UserID       string     `json:"-"`
	Email        string     `json:"email"`
	DisplayName  string     `json:"display_name,omitempty"`
	Status       string     `json:"-"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

// Store is the persistence surface of the token service.
type Store interface {
	User(ctx context.Context, id string) (*iam.User, error)
	UserByEmail(ctx context.Context, email string) (*iam.User, error)
	Tenant(ctx context.Context, id string) (*iam.Tenant, error)
	Membership(ctx context.Context, userID, tenantID string) (*iam.Membership, error)
	Application(ctx context.Context, id string) (*iam.Application, error)
	ApplicationEnabled(ctx context.Context, tenantID, appID string) (bool, error)

	InviteByToken(ctx context.Context, token string) (*Invite, error)
	// ConsumeInvite atomically activates the membership and sets the
	// user's password. It must affect zero rows when the invite was
	// already consumed, and report that as iam.ErrInviteNotFound.
	ConsumeInvite(ctx context.Context, membershipID, userID, passwordHash string, now time.Time) error

	CreateRefreshToken(ctx context.Context, rt *RefreshToken) error
	FindRefreshToken(ctx context.Context, id string) (*RefreshToken, error)
	// RevokeRefreshToken marks the row revoked only when it is not
	// already; the boolean reports whether this caller won the race.
	RevokeRefreshToken(ctx context.Context, id string, now time.Time) (bool, error)

	CreateSession(ctx context.Context, s *Session) error
	SessionRevoked(ctx context.Context, jti string) (bool, error)
	RevokeSession(ctx context.Context, jti string, now time.Time) error
}
