package pg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/tahplatform/accesshub/internal/catalog"
	"github.com/tahplatform/accesshub/internal/iam"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewWithDB(db), mock
}

func TestRevokeRefreshTokenRace(t *testing.T) {
	store, mock := newMock(t)
	now := time.Now().UTC()

	mock.ExpectExec("update refresh_tokens").
		WithArgs("rt-1", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	won, err := store.RevokeRefreshToken(context.Background(), "rt-1", now)
	if err != nil {
		t.Fatalf("RevokeRefreshToken: %v", err)
	}
	if !won {
		t.Error("first revoke should win")
	}

	// Second caller hits the revoked_at is null guard.
	mock.ExpectExec("update refresh_tokens").
		WithArgs("rt-1", now).
		WillReturnResult(sqlmock.NewResult(0, 0))
	won, err = store.RevokeRefreshToken(context.Background(), "rt-1", now)
	if err != nil {
		t.Fatalf("RevokeRefreshToken: %v", err)
	}
	if won {
		t.Error("second revoke must lose the race")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestConsumeInviteSingleUse(t *testing.T) {
	store, mock := newMock(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec("update user_tenants").
		WithArgs("m-1", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("update users").
		WithArgs("u-1", "hash").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	if err := store.ConsumeInvite(context.Background(), "m-1", "u-1", "hash", now); err != nil {
		t.Fatalf("ConsumeInvite: %v", err)
	}

	// Already consumed: the conditional update affects nothing and the
	// transaction rolls back without touching the user.
	mock.ExpectBegin()
	mock.ExpectExec("update user_tenants").
		WithArgs("m-1", now).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()
	if err := store.ConsumeInvite(context.Background(), "m-1", "u-1", "hash", now); !errors.Is(err, iam.ErrInviteNotFound) {
		t.Fatalf("second consume err = %v, want ErrInviteNotFound", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestEffectivePermissionsJoin(t *testing.T) {
	store, mock := newMock(t)

	rows := sqlmock.NewRows([]string{"permission_key"}).
		AddRow("invoices:export").
		AddRow("invoices:view")
	mock.ExpectQuery("select distinct ce.permission_key").
		WithArgs("t-1", "u-1", "billing").
		WillReturnRows(rows)

	perms, err := store.EffectivePermissions(context.Background(), "t-1", "u-1", "billing")
	if err != nil {
		t.Fatalf("EffectivePermissions: %v", err)
	}
	if len(perms) != 2 || perms[0] != "invoices:export" || perms[1] != "invoices:view" {
		t.Errorf("perms = %v", perms)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreateTenantMapsUniqueViolation(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectQuery("insert into tenants").
		WithArgs("t-1", "acme", "Acme Corp", "active").
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})

	err := store.Tenants(context.Background()).Create(context.Background(), &iam.Tenant{
		ID: "t-1", Slug: "acme", Name: "Acme Corp", Status: iam.TenantActive,
	})
	if !errors.Is(err, iam.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAssignMapsForeignKeyViolation(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectExec("insert into user_roles").
		WithArgs("a-1", "t-1", "u-ghost", "r-1", "admin", sqlmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: pgErrForeignKeyViolation})

	err := store.Roles(context.Background()).Assign(context.Background(), &iam.RoleAssignment{
		ID: "a-1", TenantID: "t-1", UserID: "u-ghost", RoleID: "r-1",
		AssignedBy: "admin", AssignedAt: time.Now(),
	})
	if !errors.Is(err, iam.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestApplyRespectsAdvisoryLock(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery("pg_try_advisory_xact_lock").
		WithArgs("billing").
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_xact_lock"}).AddRow(false))
	mock.ExpectRollback()

	called := false
	_, err := store.Apply(context.Background(), "billing", func([]catalog.Entry) (*catalog.Diff, error) {
		called = true
		return &catalog.Diff{}, nil
	})
	if !errors.Is(err, catalog.ErrSyncInProgress) {
		t.Fatalf("err = %v, want ErrSyncInProgress", err)
	}
	if called {
		t.Error("diff callback must not run when the lock is held elsewhere")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestApplyWritesDiffUnderLock(t *testing.T) {
	store, mock := newMock(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("pg_try_advisory_xact_lock").
		WithArgs("billing").
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_xact_lock"}).AddRow(true))
	mock.ExpectQuery("select id, application_id, module_key").
		WithArgs("billing").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "application_id", "module_key", "module_name", "permission_key",
			"description", "lifecycle", "first_seen_version", "last_seen_version",
			"discovered_at", "last_seen_at", "created_at", "updated_at",
		}).AddRow("e-1", "billing", "invoices", "Invoices", "invoices:view",
			"", catalog.LifecycleActive, "1.0.0", "1.0.0", now, now, now, now))
	mock.ExpectExec("insert into catalog_entries").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("update catalog_entries").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	diff, err := store.Apply(context.Background(), "billing", func(existing []catalog.Entry) (*catalog.Diff, error) {
		if len(existing) != 1 || existing[0].PermissionKey != "invoices:view" {
			t.Errorf("existing = %+v", existing)
		}
		return &catalog.Diff{
			Add: []catalog.Entry{{
				ID: "e-2", ApplicationID: "billing", ModuleKey: "invoices",
				PermissionKey: "invoices:export", Lifecycle: catalog.LifecycleActive,
				DiscoveredAt: now, LastSeenAt: now,
			}},
			Deprecate: []string{"e-1"},
		}, nil
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got := diff.Summary(); got.Added != 1 || got.Deprecated != 1 {
		t.Errorf("summary = %+v", got)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
