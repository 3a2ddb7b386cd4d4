package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"shahin-ai.com/grc-auth/internal/auth"
)

func (s *Store) Tenant(ctx context.Context, id string) (auth.Tenant, error) {
	return s.tenant(ctx, `where id = $1`, id)
}

func (s *Store) TenantByCode(ctx context.Context, code string) (auth.Tenant, error) {
	return s.tenant(ctx, `where upper(tenant_code) = upper($1)`, code)
}

func (s *Store) tenant(ctx context.Context, where string, arg string) (auth.Tenant, error) {
	var t auth.Tenant
	err := s.db.QueryRowContext(ctx,
		`select id, tenant_code, name, subscription_tier, is_active from tenants `+where, arg).
		Scan(&t.ID, &t.Code, &t.Name, &t.Tier, &t.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Tenant{}, auth.ErrNotFound
	}
	return t, err
}

func (s *Store) ActiveRoleNames(ctx context.Context, userID, tenantID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		select distinct r.name
		from user_role_assignments a
		join roles r on r.id = a.role_id
		where a.user_id = $1 and a.tenant_id = $2 and a.is_active and r.is_active
		order by r.name
	`, userID, tenantID)
	if err != nil {
		return nil, err
	}
	return scanStrings(rows)
}

func (s *Store) ExistingRoles(ctx context.Context, tenantID string, names []string) ([]string, error) {
	if len(names) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		select distinct name from roles
		where is_active and name = any($2) and (tenant_id = $1 or tenant_id is null)
	`, tenantID, names)
	if err != nil {
		return nil, err
	}
	found, err := scanStrings(rows)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, n := range names {
		if slices.Contains(found, n) && !slices.Contains(out, n) {
			out = append(out, n)
		}
	}
	return out, nil
}

// RolePermissions prefers a tenant role over a system role with the same name.
func (s *Store) RolePermissions(ctx context.Context, tenantID string, roles []string) ([]auth.Permission, error) {
	if len(roles) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		select rp.resource, rp.action
		from role_permissions rp
		join roles r on r.id = rp.role_id
		where r.is_active and r.name = any($2) and rp.resource <> '*'
		  and (r.tenant_id = $1
		       or (r.tenant_id is null and not exists (
		           select 1 from roles t where t.tenant_id = $1 and t.name = r.name and t.is_active)))
		order by rp.resource, rp.action
	`, tenantID, roles)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []auth.Permission
	for rows.Next() {
		var p auth.Permission
		if err := rows.Scan(&p.Resource, &p.Action); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) AssignRole(ctx context.Context, a auth.Assignment) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var userTenant string
	err = tx.QueryRowContext(ctx, `select coalesce(tenant_id, '') from users where id = $1`, a.UserID).Scan(&userTenant)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.ErrNotFound
	}
	if err != nil {
		return err
	}
	if userTenant != a.TenantID {
		return fmt.Errorf("%w: user does not belong to tenant", auth.ErrInvalidInput)
	}
	roleID, err := lookupRoleID(ctx, tx, a.TenantID, a.RoleName)
	if err != nil {
		return err
	}
	at := a.AssignedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	if err := upsertAssignment(ctx, tx, a.UserID, roleID, a.TenantID, a.AssignedBy, at); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) RevokeRole(ctx context.Context, userID, tenantID, roleName string) error {
	res, err := s.db.ExecContext(ctx, `
		update user_role_assignments a set is_active = false
		from roles r
		where r.id = a.role_id and a.user_id = $1 and a.tenant_id = $2 and r.name = $3 and a.is_active
	`, userID, tenantID, roleName)
	if err != nil {
		return err
	}
	return expectOne(res, auth.ErrNotFound)
}

func (s *Store) ReplaceAssignments(ctx context.Context, userID, tenantID string, roles []string, assignedBy string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if roles == nil {
		roles = []string{}
	}
	if _, err := tx.ExecContext(ctx, `
		update user_role_assignments a set is_active = false
		from roles r
		where r.id = a.role_id and a.user_id = $1 and a.tenant_id = $2 and a.is_active and not (r.name = any($3))
	`, userID, tenantID, roles); err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, name := range roles {
		roleID, err := lookupRoleID(ctx, tx, tenantID, name)
		if errors.Is(err, auth.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if err := upsertAssignment(ctx, tx, userID, roleID, tenantID, assignedBy, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func lookupRoleID(ctx context.Context, tx *sql.Tx, tenantID, name string) (string, error) {
	var id string
	err := tx.QueryRowContext(ctx, `
		select id from roles
		where name = $2 and is_active and (tenant_id = $1 or tenant_id is null)
		order by tenant_id nulls last
		limit 1
	`, tenantID, name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: role %s", auth.ErrNotFound, name)
	}
	return id, err
}

func upsertAssignment(ctx context.Context, tx *sql.Tx, userID, roleID, tenantID, assignedBy string, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		insert into user_role_assignments (user_id, role_id, tenant_id, assigned_by, is_active, assigned_at)
		values ($1, $2, $3, $4, true, $5)
		on conflict (user_id, role_id, tenant_id) do update
		set is_active = true, assigned_by = excluded.assigned_by, assigned_at = excluded.assigned_at
		where not user_role_assignments.is_active
	`, userID, roleID, tenantID, assignedBy, at)
	return mapWriteError(err, "assignment")
}

func (s *Store) ProjectMemberships(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`select project_id from project_members where user_id = $1 order by project_id`, userID)
	if err != nil {
		return nil, err
	}
	return scanStrings(rows)
}

func (s *Store) RoleMappings(ctx context.Context, tenantID, provider string) ([]auth.RoleMapping, error) {
	rows, err := s.db.QueryContext(ctx, `
		select tenant_id, provider, external_role, internal_role
		from tenant_role_mappings
		where tenant_id = $1 and provider = $2
		order by external_role
	`, tenantID, provider)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []auth.RoleMapping
	for rows.Next() {
		var m auth.RoleMapping
		if err := rows.Scan(&m.TenantID, &m.Provider, &m.ExternalRole, &m.InternalRole); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) PutRoleMapping(ctx context.Context, m auth.RoleMapping) error {
	_, err := s.db.ExecContext(ctx, `
		insert into tenant_role_mappings (tenant_id, provider, external_role, internal_role, updated_at)
		values ($1, $2, $3, $4, now())
		on conflict (tenant_id, provider, lower(external_role)) do update
		set external_role = excluded.external_role, internal_role = excluded.internal_role, updated_at = now()
	`, m.TenantID, m.Provider, m.ExternalRole, m.InternalRole)
	return mapWriteError(err, "role mapping")
}

// ProviderConfig returns the active settings of a tenant identity provider as
// flat strings. JSON arrays are joined with commas.
func (s *Store) ProviderConfig(ctx context.Context, tenantID, provider string) (map[string]string, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `
		select config from tenant_auth_providers
		where tenant_id = $1 and provider = $2 and is_active
	`, tenantID, provider).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("decode provider config: %w", err)
	}
	out := make(map[string]string, len(decoded))
	for k, v := range decoded {
		switch val := v.(type) {
		case nil:
		case string:
			out[k] = val
		case []any:
			parts := make([]string, 0, len(val))
			for _, item := range val {
				parts = append(parts, fmt.Sprint(item))
			}
			out[k] = strings.Join(parts, ",")
		default:
			out[k] = fmt.Sprint(val)
		}
	}
	return out, nil
}

func scanStrings(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
