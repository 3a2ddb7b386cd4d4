package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"shahin-ai.com/grc-auth/internal/obs"
)

// SystemPolicy expands system roles into grants, including inherited roles.
type SystemPolicy interface {
	Grants(roles []string) []Permission
}

// Resolver turns stored assignments into roles and permissions.
type Resolver struct {
	store       Store
	policy      SystemPolicy
	defaultRole string
}

// NewResolver builds a resolver. policy may be nil when all grants live in the store.
func NewResolver(store Store, policy SystemPolicy) *Resolver {
	return &Resolver{store: store, policy: policy, defaultRole: DefaultRole}
}

// MapEnterpriseRoles translates external roles through mappings. Matching is
// case-insensitive. When nothing maps the default role is returned.
func (r *Resolver) MapEnterpriseRoles(external []string, mappings []RoleMapping) []string {
	index := make(map[string]string, len(mappings))
	for _, m := range mappings {
		key := strings.ToLower(strings.TrimSpace(m.ExternalRole))
		if key == "" || m.InternalRole == "" {
			continue
		}
		index[key] = normalizeRole(m.InternalRole)
	}
	var out []string
	for _, ext := range external {
		internal, ok := index[strings.ToLower(strings.TrimSpace(ext))]
		if ok && !slices.Contains(out, internal) {
			out = append(out, internal)
		}
	}
	if len(out) == 0 {
		return []string{r.defaultRole}
	}
	slices.Sort(out)
	return out
}

// ValidateRoles keeps only roles that exist for tenantID or at system level.
// A principal never ends up with zero roles.
func (r *Resolver) ValidateRoles(ctx context.Context, candidates []string, tenantID string) []string {
	names := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if n := normalizeRole(c); n != "" && !slices.Contains(names, n) {
			names = append(names, n)
		}
	}
	if len(names) == 0 {
		return []string{r.defaultRole}
	}
	valid, err := r.store.ExistingRoles(ctx, tenantID, names)
	if err != nil || len(valid) == 0 {
		return []string{r.defaultRole}
	}
	slices.Sort(valid)
	return slices.Compact(valid)
}

// CalculatePermissions unions system policy grants with stored role grants.
func (r *Resolver) CalculatePermissions(ctx context.Context, roles []string, tenantID string) (PermissionSet, error) {
	set := PermissionSet{}
	if r.policy != nil {
		for _, p := range r.policy.Grants(roles) {
			set.Add(p.Resource, p.Action)
		}
	}
	stored, err := r.store.RolePermissions(ctx, tenantID, roles)
	if err != nil {
		return nil, fmt.Errorf("auth: role permissions: %w", err)
	}
	for _, p := range stored {
		// The wildcard resource belongs to super_admin through the system policy only.
		if p.Resource == Wildcard {
			obs.Ctx(ctx).Warn().Str("tenant_id", tenantID).Str("permission", p.String()).Msg("ignoring stored wildcard grant")
			continue
		}
		set.Add(p.Resource, p.Action)
	}
	return set, nil
}

// Principal re-derives the authorization view of userID from storage.
func (r *Resolver) Principal(ctx context.Context, userID string) (Principal, error) {
	user, err := r.store.FindUser(ctx, userID)
	if err != nil {
		return Principal{}, err
	}
	p := Principal{
		UserID:   user.ID,
		TenantID: user.TenantID,
		Email:    user.Email,
		Name:     user.DisplayName(),
		Status:   user.Status,
	}
	if user.TenantID != "" {
		tenant, err := r.store.Tenant(ctx, user.TenantID)
		if err != nil {
			return Principal{}, fmt.Errorf("auth: load tenant: %w", err)
		}
		if !tenant.Active {
			p.Status = StatusInactive
		}
		p.Tenant = &TenantContext{ID: tenant.ID, Code: tenant.Code, Name: tenant.Name, Tier: tenant.Tier}
	}

	assigned, err := r.store.ActiveRoleNames(ctx, user.ID, user.TenantID)
	if err != nil {
		return Principal{}, fmt.Errorf("auth: load assignments: %w", err)
	}
	p.Roles = r.ValidateRoles(ctx, assigned, user.TenantID)
	p.Role = PrimaryRole(p.Roles)

	p.Permissions, err = r.CalculatePermissions(ctx, p.Roles, user.TenantID)
	if err != nil {
		return Principal{}, err
	}
	projects, err := r.store.ProjectMemberships(ctx, user.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Principal{}, fmt.Errorf("auth: load projects: %w", err)
	}
	p.Projects = projects
	return p, nil
}
