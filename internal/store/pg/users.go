package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"shahin-ai.com/grc-auth/internal/auth"
	"shahin-ai.com/grc-auth/internal/ids"
)

const userColumns = `id, coalesce(tenant_id, ''), email, first_name, last_name, password_hash, status,
	auth_provider, provider_user_id, failed_login_attempts, locked_until, last_login_at,
	coalesce(session_token_hash, ''), session_expires_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (auth.User, error) {
	var (
		u                              auth.User
		lockedUntil, lastLogin, expiry sql.NullTime
	)
	err := row.Scan(&u.ID, &u.TenantID, &u.Email, &u.FirstName, &u.LastName, &u.PasswordHash, &u.Status,
		&u.Provider, &u.ExternalID, &u.FailedLoginAttempts, &lockedUntil, &lastLogin,
		&u.SessionTokenHash, &expiry, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return auth.User{}, err
	}
	u.LockedUntil = timePtr(lockedUntil)
	u.LastLoginAt = timePtr(lastLogin)
	u.SessionExpiresAt = timePtr(expiry)
	return u, nil
}

func (s *Store) CreateUser(ctx context.Context, in auth.NewUser) (auth.User, error) {
	provider := in.Provider
	if provider == "" {
		provider = "local"
	}
	row := s.db.QueryRowContext(ctx, `
		insert into users (id, tenant_id, email, first_name, last_name, password_hash, status, auth_provider, provider_user_id)
		values ($1, $2, lower($3), $4, $5, $6, $7, $8, $9)
		returning `+userColumns,
		ids.New(), nullString(in.TenantID), in.Email, in.FirstName, in.LastName, in.PasswordHash,
		auth.StatusActive, provider, in.ExternalID)
	u, err := scanUser(row)
	if err != nil {
		return auth.User{}, mapWriteError(err, "user")
	}
	return u, nil
}

func (s *Store) FindUser(ctx context.Context, id string) (auth.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `select `+userColumns+` from users where id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return auth.User{}, auth.ErrNotFound
	}
	return u, err
}

func (s *Store) FindUserByEmail(ctx context.Context, tenantID, email string) (auth.User, error) {
	if tenantID != "" {
		u, err := scanUser(s.db.QueryRowContext(ctx,
			`select `+userColumns+` from users where tenant_id = $1 and lower(email) = lower($2)`, tenantID, email))
		if errors.Is(err, sql.ErrNoRows) {
			return auth.User{}, auth.ErrNotFound
		}
		return u, err
	}

	rows, err := s.db.QueryContext(ctx,
		`select `+userColumns+` from users where lower(email) = lower($1) order by created_at limit 2`, email)
	if err != nil {
		return auth.User{}, err
	}
	defer rows.Close()
	var found []auth.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return auth.User{}, err
		}
		found = append(found, u)
	}
	if err := rows.Err(); err != nil {
		return auth.User{}, err
	}
	switch len(found) {
	case 0:
		return auth.User{}, auth.ErrNotFound
	case 1:
		return found[0], nil
	default:
		return auth.User{}, fmt.Errorf("%w: email registered in several tenants", auth.ErrConflict)
	}
}

func (s *Store) ListTenantUsers(ctx context.Context, tenantID string) ([]auth.User, error) {
	rows, err := s.db.QueryContext(ctx, `select `+userColumns+` from users where tenant_id = $1 order by email`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []auth.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *Store) UpdatePassword(ctx context.Context, userID, hash string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`update users set password_hash = $2, updated_at = $3 where id = $1`, userID, hash, now)
	if err != nil {
		return err
	}
	return expectOne(res, auth.ErrNotFound)
}

func (s *Store) UpdateProviderIdentity(ctx context.Context, userID, provider, externalID string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`update users set auth_provider = $2, provider_user_id = $3, updated_at = $4 where id = $1`,
		userID, provider, externalID, now)
	if err != nil {
		return err
	}
	return expectOne(res, auth.ErrNotFound)
}

// RecordFailedLogin increments the counter in one statement so concurrent
// failures cannot lose updates. Rows with an open lock are excluded and read
// back unchanged.
func (s *Store) RecordFailedLogin(ctx context.Context, userID string, policy auth.LockoutPolicy, now time.Time) (auth.LoginState, error) {
	policy = policy.Normalized()
	var (
		state  auth.LoginState
		locked sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		update users set
			failed_login_attempts = case when locked_until is not null then 1 else failed_login_attempts + 1 end,
			locked_until = case
				when (case when locked_until is not null then 1 else failed_login_attempts + 1 end) >= $2 then $4::timestamptz
				else null end,
			updated_at = $3
		where id = $1 and (locked_until is null or locked_until <= $3)
		returning failed_login_attempts, locked_until
	`, userID, policy.Threshold, now, now.Add(policy.Duration)).Scan(&state.FailedAttempts, &locked)
	if errors.Is(err, sql.ErrNoRows) {
		err = s.db.QueryRowContext(ctx,
			`select failed_login_attempts, locked_until from users where id = $1`, userID).
			Scan(&state.FailedAttempts, &locked)
		if errors.Is(err, sql.ErrNoRows) {
			return auth.LoginState{}, auth.ErrNotFound
		}
		state.Frozen = true
	}
	if err != nil {
		return auth.LoginState{}, err
	}
	state.LockedUntil = timePtr(locked)
	return state, nil
}

// ResetLoginState only touches rows without an open lock, so a success racing
// a locking failure cannot clear the lock.
func (s *Store) ResetLoginState(ctx context.Context, userID string, now time.Time) (auth.LoginState, error) {
	res, err := s.db.ExecContext(ctx, `
		update users set failed_login_attempts = 0, locked_until = null, updated_at = $2
		where id = $1 and (locked_until is null or locked_until <= $2)
	`, userID, now)
	if err != nil {
		return auth.LoginState{}, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return auth.LoginState{}, err
	} else if n == 1 {
		return auth.LoginState{}, nil
	}
	var (
		state  auth.LoginState
		locked sql.NullTime
	)
	err = s.db.QueryRowContext(ctx,
		`select failed_login_attempts, locked_until from users where id = $1`, userID).
		Scan(&state.FailedAttempts, &locked)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.LoginState{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.LoginState{}, err
	}
	state.LockedUntil = timePtr(locked)
	state.Frozen = true
	return state, nil
}

func (s *Store) UnlockUser(ctx context.Context, userID string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update users set failed_login_attempts = 0, locked_until = null,
			status = case when status = $3 then $4 else status end,
			updated_at = $2
		where id = $1
	`, userID, now, auth.StatusLocked, auth.StatusActive)
	if err != nil {
		return err
	}
	return expectOne(res, auth.ErrNotFound)
}

func (s *Store) StoreSession(ctx context.Context, userID, hash string, expiresAt, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update users set session_token_hash = $2, session_expires_at = $3, last_login_at = $4, updated_at = $4
		where id = $1
	`, userID, hash, expiresAt, now)
	if err != nil {
		return err
	}
	return expectOne(res, auth.ErrNotFound)
}

// RotateSession is a compare-and-swap on the stored hash.
func (s *Store) RotateSession(ctx context.Context, userID, oldHash, newHash string, expiresAt, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update users set session_token_hash = $3, session_expires_at = $4, last_login_at = $5, updated_at = $5
		where id = $1 and session_token_hash = $2
	`, userID, oldHash, newHash, expiresAt, now)
	if err != nil {
		return err
	}
	return expectOne(res, auth.ErrInvalidRefreshToken)
}

func (s *Store) ClearSession(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`update users set session_token_hash = null, session_expires_at = null where id = $1`, userID)
	return err
}
