package pg

import (
	"context"
	"database/sql/driver"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-test/deep"
	"github.com/jackc/pgx/v5/pgconn"

	"shahin-ai.com/grc-auth/internal/auth"
)

// arrayConverter lets sqlmock accept the []string arguments pgx encodes as text[].
type arrayConverter struct{}

func (arrayConverter) ConvertValue(v any) (driver.Value, error) {
	if s, ok := v.([]string); ok {
		return strings.Join(s, ","), nil
	}
	return driver.DefaultParameterConverter.ConvertValue(v)
}

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.ValueConverterOption(arrayConverter{}))
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		db.Close()
	})
	return New(db), mock
}

var userCols = []string{"id", "tenant_id", "email", "first_name", "last_name", "password_hash", "status",
	"auth_provider", "provider_user_id", "failed_login_attempts", "locked_until", "last_login_at",
	"session_token_hash", "session_expires_at", "created_at", "updated_at"}

func userRow(rows *sqlmock.Rows, id, tenantID, email string) *sqlmock.Rows {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return rows.AddRow(id, tenantID, email, "Ann", "Lee", "hash", auth.StatusActive,
		"local", "", 0, nil, nil, "", nil, now, now)
}

func TestCreateUserMapsUniqueViolation(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta("insert into users")).
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})

	_, err := s.CreateUser(context.Background(), auth.NewUser{TenantID: "t1", Email: "ann@example.com"})
	if !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestCreateUserReturnsStoredRow(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta("insert into users")).
		WithArgs(sqlmock.AnyArg(), "t1", "Ann@Example.com", "Ann", "Lee", "hash", auth.StatusActive, "local", "").
		WillReturnRows(userRow(sqlmock.NewRows(userCols), "u1", "t1", "ann@example.com"))

	u, err := s.CreateUser(context.Background(), auth.NewUser{TenantID: "t1", Email: "Ann@Example.com", FirstName: "Ann", LastName: "Lee", PasswordHash: "hash"})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if u.ID != "u1" || u.Email != "ann@example.com" || u.LockedUntil != nil {
		t.Fatalf("unexpected user %+v", u)
	}
}

func TestFindUserByEmailAcrossTenants(t *testing.T) {
	s, mock := newMock(t)
	ctx := context.Background()
	query := regexp.QuoteMeta("from users where lower(email) = lower($1)")

	mock.ExpectQuery(query).WithArgs("ann@example.com").
		WillReturnRows(userRow(userRow(sqlmock.NewRows(userCols), "u1", "t1", "ann@example.com"), "u2", "t2", "ann@example.com"))
	if _, err := s.FindUserByEmail(ctx, "", "ann@example.com"); !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected ErrConflict for ambiguous email, got %v", err)
	}

	mock.ExpectQuery(query).WithArgs("bob@example.com").WillReturnRows(sqlmock.NewRows(userCols))
	if _, err := s.FindUserByEmail(ctx, "", "bob@example.com"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	mock.ExpectQuery(regexp.QuoteMeta("from users where tenant_id = $1 and lower(email) = lower($2)")).
		WithArgs("t1", "ann@example.com").
		WillReturnRows(userRow(sqlmock.NewRows(userCols), "u1", "t1", "ann@example.com"))
	u, err := s.FindUserByEmail(ctx, "t1", "ann@example.com")
	if err != nil || u.ID != "u1" {
		t.Fatalf("tenant lookup: %+v %v", u, err)
	}
}

func TestRecordFailedLogin(t *testing.T) {
	s, mock := newMock(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	until := now.Add(30 * time.Minute)
	update := regexp.QuoteMeta("update users set")

	mock.ExpectQuery(update).WithArgs("u1", 5, now, until).
		WillReturnRows(sqlmock.NewRows([]string{"failed_login_attempts", "locked_until"}).AddRow(5, until))
	state, err := s.RecordFailedLogin(ctx, "u1", auth.LockoutPolicy{}, now)
	if err != nil {
		t.Fatalf("RecordFailedLogin: %v", err)
	}
	if state.FailedAttempts != 5 || !state.Locked(now) {
		t.Fatalf("unexpected state %+v", state)
	}

	// An open lock matches no row; the stored state is read back.
	mock.ExpectQuery(update).WithArgs("u1", 5, now, until).
		WillReturnRows(sqlmock.NewRows([]string{"failed_login_attempts", "locked_until"}))
	mock.ExpectQuery(regexp.QuoteMeta("select failed_login_attempts, locked_until from users")).WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"failed_login_attempts", "locked_until"}).AddRow(5, until))
	state, err = s.RecordFailedLogin(ctx, "u1", auth.DefaultLockoutPolicy, now)
	if err != nil || !state.Frozen || state.FailedAttempts != 5 || !state.LockedUntil.Equal(until) {
		t.Fatalf("locked row: %+v %v", state, err)
	}

	mock.ExpectQuery(update).WillReturnRows(sqlmock.NewRows([]string{"failed_login_attempts", "locked_until"}))
	mock.ExpectQuery(regexp.QuoteMeta("select failed_login_attempts")).
		WillReturnRows(sqlmock.NewRows([]string{"failed_login_attempts", "locked_until"}))
	if _, err := s.RecordFailedLogin(ctx, "ghost", auth.DefaultLockoutPolicy, now); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestResetLoginStateSkipsOpenLock(t *testing.T) {
	s, mock := newMock(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	until := now.Add(10 * time.Minute)
	reset := regexp.QuoteMeta("update users set failed_login_attempts = 0")

	mock.ExpectExec(reset).WithArgs("u1", now).WillReturnResult(sqlmock.NewResult(0, 1))
	state, err := s.ResetLoginState(ctx, "u1", now)
	if err != nil || state.Frozen {
		t.Fatalf("unlocked row: %+v %v", state, err)
	}

	mock.ExpectExec(reset).WithArgs("u1", now).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("select failed_login_attempts, locked_until from users")).WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"failed_login_attempts", "locked_until"}).AddRow(5, until))
	state, err = s.ResetLoginState(ctx, "u1", now)
	if err != nil {
		t.Fatalf("ResetLoginState: %v", err)
	}
	if !state.Frozen || !state.Locked(now) || state.FailedAttempts != 5 {
		t.Fatalf("locked row must be reported, got %+v", state)
	}

	mock.ExpectExec(reset).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("select failed_login_attempts")).
		WillReturnRows(sqlmock.NewRows([]string{"failed_login_attempts", "locked_until"}))
	if _, err := s.ResetLoginState(ctx, "ghost", now); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRolePermissionsExcludesWildcardResource(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta("and rp.resource <> '*'")).
		WithArgs("t1", "evidence_curator").
		WillReturnRows(sqlmock.NewRows([]string{"resource", "action"}).AddRow("evidence", "approve"))

	got, err := s.RolePermissions(context.Background(), "t1", []string{"evidence_curator"})
	if err != nil {
		t.Fatalf("RolePermissions: %v", err)
	}
	if diff := deep.Equal(got, []auth.Permission{{Resource: "evidence", Action: "approve"}}); diff != nil {
		t.Fatalf("permissions: %v", diff)
	}
}

func TestRotateSessionCompareAndSwap(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now().UTC()
	mock.ExpectExec(regexp.QuoteMeta("where id = $1 and session_token_hash = $2")).
		WithArgs("u1", "old", "new", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	err := s.RotateSession(context.Background(), "u1", "old", "new", now.Add(time.Hour), now)
	if !errors.Is(err, auth.ErrInvalidRefreshToken) {
		t.Fatalf("expected ErrInvalidRefreshToken, got %v", err)
	}
}

func TestExistingRolesKeepsInputOrder(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta("select distinct name from roles")).
		WithArgs("t1", "custom,bogus,org_manager").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("org_manager").AddRow("custom"))

	got, err := s.ExistingRoles(context.Background(), "t1", []string{"custom", "bogus", "org_manager"})
	if err != nil {
		t.Fatalf("ExistingRoles: %v", err)
	}
	if diff := deep.Equal(got, []string{"custom", "org_manager"}); diff != nil {
		t.Fatalf("roles: %v", diff)
	}
}

func TestReplaceAssignments(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("update user_role_assignments a set is_active = false")).
		WithArgs("u1", "t1", "org_admin,ghost").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectQuery(regexp.QuoteMeta("select id from roles")).WithArgs("t1", "org_admin").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("role-org_admin"))
	mock.ExpectExec(regexp.QuoteMeta("insert into user_role_assignments")).
		WithArgs("u1", "role-org_admin", "t1", "sso:ldap", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(regexp.QuoteMeta("select id from roles")).WithArgs("t1", "ghost").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectCommit()

	if err := s.ReplaceAssignments(context.Background(), "u1", "t1", []string{"org_admin", "ghost"}, "sso:ldap"); err != nil {
		t.Fatalf("ReplaceAssignments: %v", err)
	}
}

func TestAssignRoleRejectsForeignTenant(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("select coalesce(tenant_id, '') from users")).WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"tenant_id"}).AddRow("t2"))
	mock.ExpectRollback()

	err := s.AssignRole(context.Background(), auth.Assignment{UserID: "u1", TenantID: "t1", RoleName: auth.RoleOrgAdmin})
	if !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestRevokeRoleMissing(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta("update user_role_assignments a set is_active = false")).
		WithArgs("u1", "t1", "org_admin").
		WillReturnResult(sqlmock.NewResult(0, 0))
	if err := s.RevokeRole(context.Background(), "u1", "t1", "org_admin"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestProviderConfigFlattensJSON(t *testing.T) {
	s, mock := newMock(t)
	ctx := context.Background()
	query := regexp.QuoteMeta("select config from tenant_auth_providers")
	mock.ExpectQuery(query).WithArgs("t1", "ldap").
		WillReturnRows(sqlmock.NewRows([]string{"config"}).
			AddRow([]byte(`{"url":"ldaps://dc","scopes":["openid","email"],"port":636,"unused":null}`)))

	got, err := s.ProviderConfig(ctx, "t1", "ldap")
	if err != nil {
		t.Fatalf("ProviderConfig: %v", err)
	}
	want := map[string]string{"url": "ldaps://dc", "scopes": "openid,email", "port": "636"}
	if diff := deep.Equal(got, want); diff != nil {
		t.Fatalf("config: %v", diff)
	}

	mock.ExpectQuery(query).WithArgs("t1", "saml").WillReturnRows(sqlmock.NewRows([]string{"config"}))
	if _, err := s.ProviderConfig(ctx, "t1", "saml"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSecurityEvents(t *testing.T) {
	s, mock := newMock(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta("insert into security_events")).
		WithArgs("e1", auth.EventLogin, "u1", "t1", "", "", "", auth.OutcomeSuccess, "", []byte(`{"attempt":1}`), "", "", "", at).
		WillReturnResult(sqlmock.NewResult(1, 1))
	err := s.InsertSecurityEvent(ctx, auth.SecurityEvent{
		ID: "e1", Type: auth.EventLogin, UserID: "u1", TenantID: "t1", Outcome: auth.OutcomeSuccess,
		Details: map[string]any{"attempt": 1}, OccurredAt: at,
	})
	if err != nil {
		t.Fatalf("InsertSecurityEvent: %v", err)
	}

	cols := []string{"id", "event_type", "user_id", "tenant_id", "provider", "action", "resource", "outcome",
		"reason", "details", "remote_addr", "user_agent", "request_id", "occurred_at"}
	mock.ExpectQuery(regexp.QuoteMeta("from security_events")).WithArgs("t1", 10).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("e1", auth.EventAccessDenied, "u1", "t1", "", "delete", "assessment", auth.OutcomeDenied,
				"insufficient_permissions", []byte(`{"requiredPermission":"assessment:delete"}`), "10.0.0.1", "curl", "req-1", at))
	events, err := s.ListSecurityEvents(ctx, "t1", 10)
	if err != nil {
		t.Fatalf("ListSecurityEvents: %v", err)
	}
	if len(events) != 1 || events[0].Details["requiredPermission"] != "assessment:delete" || events[0].RequestID != "req-1" {
		t.Fatalf("unexpected events %+v", events)
	}
}
