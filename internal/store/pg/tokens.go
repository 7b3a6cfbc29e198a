package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/tahplatform/accesshub/internal/iam"
	"github.com/tahplatform/accesshub/internal/token"
)

func (s *Store) User(ctx context.Context, id string) (*iam.User, error) {
	return (*userStore)(s).Find(ctx, id)
}

func (s *Store) UserByEmail(ctx context.Context, email string) (*iam.User, error) {
	return (*userStore)(s).FindByEmail(ctx, email)
}

func (s *Store) Tenant(ctx context.Context, id string) (*iam.Tenant, error) {
	return (*tenantStore)(s).Find(ctx, id)
}

func (s *Store) Membership(ctx context.Context, userID, tenantID string) (*iam.Membership, error) {
	return (*membershipStore)(s).Find(ctx, userID, tenantID)
}

func (s *Store) ApplicationEnabled(ctx context.Context, tenantID, appID string) (bool, error) {
	var enabled bool
	err := s.db.QueryRowContext(ctx, `
		select exists (
			select 1 from tenant_applications
			where tenant_id = $1 and application_id = $2 and status = 'active'
		)
	`, tenantID, appID).Scan(&enabled)
	return enabled, err
}

func (s *Store) InviteByToken(ctx context.Context, inviteToken string) (*token.Invite, error) {
	var (
		inv     token.Invite
		name    sql.NullString
		expires sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		select ut.id, ut.tenant_id, t.name, ut.user_id, coalesce(u.email,''),
		       u.display_name, ut.status, ut.invite_expires_at
		from user_tenants ut
		join tenants t on t.id = ut.tenant_id
		join users u on u.id = ut.user_id
		where ut.invite_token = $1
	`, inviteToken).Scan(&inv.MembershipID, &inv.TenantID, &inv.TenantName,
		&inv.UserID, &inv.Email, &name, &inv.Status, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, iam.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	inv.DisplayName = name.String
	inv.ExpiresAt = timePtr(expires)
	return &inv, nil
}

// ConsumeInvite activates the membership and sets the password in one
// transaction. The conditional update on status makes the invite single
// use under concurrent acceptance.
func (s *Store) ConsumeInvite(ctx context.Context, membershipID, userID, passwordHash string, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		update user_tenants
		set status = 'active', invite_token = null, invite_expires_at = null,
		    joined_at = $2, updated_at = now()
		where id = $1 and status = 'invited'
	`, membershipID, now)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return iam.ErrInviteNotFound
	}

	if _, err := tx.ExecContext(ctx, `
		update users
		set password_hash = $2, status = 'active', updated_at = now()
		where id = $1
	`, userID, passwordHash); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) CreateRefreshToken(ctx context.Context, rt *token.RefreshToken) error {
	_, err := s.db.ExecContext(ctx, `
		insert into refresh_tokens (id, user_id, tenant_id, token_hash, expires_at, created_at)
		values ($1, $2, nullif($3,''), $4, $5, $6)
	`, rt.ID, rt.UserID, rt.TenantID, rt.TokenHash, rt.ExpiresAt, rt.CreatedAt)
	return mapWriteError(err)
}

func (s *Store) FindRefreshToken(ctx context.Context, id string) (*token.RefreshToken, error) {
	var (
		rt       token.RefreshToken
		tenantID sql.NullString
		revoked  sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		select id, user_id, tenant_id, token_hash, expires_at, revoked_at, created_at
		from refresh_tokens
		where id = $1
	`, id).Scan(&rt.ID, &rt.UserID, &tenantID, &rt.TokenHash, &rt.ExpiresAt, &revoked, &rt.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, iam.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rt.TenantID = tenantID.String
	rt.RevokedAt = timePtr(revoked)
	return &rt, nil
}

// RevokeRefreshToken is the rotation compare-and-set: only the caller
// that flips revoked_at from null wins.
func (s *Store) RevokeRefreshToken(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		update refresh_tokens
		set revoked_at = $2
		where id = $1 and revoked_at is null
	`, id, now)
	if err != nil {
		return false, err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return aff > 0, nil
}

func (s *Store) CreateSession(ctx context.Context, sess *token.Session) error {
	_, err := s.db.ExecContext(ctx, `
		insert into access_sessions (id, tenant_id, user_id, session_type, token_jti, issued_at, expires_at)
		values ($1, nullif($2,''), nullif($3,''), $4, $5, $6, $7)
	`, sess.ID, sess.TenantID, sess.UserID, sess.SessionType, sess.TokenJTI,
		sess.IssuedAt, nullTime(sess.ExpiresAt))
	return mapWriteError(err)
}

func (s *Store) SessionRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		select revoked_at from access_sessions where token_jti = $1
	`, jti).Scan(&revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return revoked.Valid, nil
}

// RevokeSession marks a session revoked by its token id (logout).
func (s *Store) RevokeSession(ctx context.Context, jti string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update access_sessions
		set revoked_at = $2
		where token_jti = $1 and revoked_at is null
	`, jti, now)
	if err != nil {
		return err
	}
	return requireAffected(res)
}
