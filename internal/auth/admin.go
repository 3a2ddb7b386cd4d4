package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

const defaultEventLimit = 100

// ListTenantUsers returns users of tenantID. Callers outside the tenant are denied.
func (s *Service) ListTenantUsers(ctx context.Context, actor Principal, tenantID string) ([]User, error) {
	tenantID = strings.TrimSpace(tenantID)
	if err := s.requireSameTenant(ctx, actor, tenantID); err != nil {
		return nil, err
	}
	return s.store.ListTenantUsers(ctx, tenantID)
}

// AssignRole grants roleName to userID within the user's tenant.
func (s *Service) AssignRole(ctx context.Context, actor Principal, userID, roleName string) error {
	roleName = normalizeRole(roleName)
	if roleName == "" {
		return fmt.Errorf("%w: role is required", ErrInvalidInput)
	}
	target, err := s.targetUser(ctx, actor, userID)
	if err != nil {
		return err
	}
	if err := s.requireRankAtLeast(actor, roleName); err != nil {
		return err
	}
	existing, err := s.store.ExistingRoles(ctx, target.TenantID, []string{roleName})
	if err != nil {
		return err
	}
	if len(existing) == 0 {
		return fmt.Errorf("%w: role %s", ErrNotFound, roleName)
	}
	if err := s.store.AssignRole(ctx, Assignment{
		UserID:     target.ID,
		RoleName:   roleName,
		TenantID:   target.TenantID,
		AssignedBy: actor.UserID,
		Active:     true,
		AssignedAt: s.now().UTC(),
	}); err != nil {
		return err
	}
	s.record(ctx, SecurityEvent{
		Type: EventRoleAssigned, UserID: actor.UserID, TenantID: target.TenantID, Outcome: OutcomeSuccess,
		Resource: "user:" + target.ID, Details: map[string]any{"role": roleName},
	})
	return nil
}

// RevokeRole deactivates the assignment of roleName to userID.
func (s *Service) RevokeRole(ctx context.Context, actor Principal, userID, roleName string) error {
	roleName = normalizeRole(roleName)
	target, err := s.targetUser(ctx, actor, userID)
	if err != nil {
		return err
	}
	if err := s.requireRankAtLeast(actor, roleName); err != nil {
		return err
	}
	if err := s.store.RevokeRole(ctx, target.ID, target.TenantID, roleName); err != nil {
		return err
	}
	s.record(ctx, SecurityEvent{
		Type: EventRoleRevoked, UserID: actor.UserID, TenantID: target.TenantID, Outcome: OutcomeSuccess,
		Resource: "user:" + target.ID, Details: map[string]any{"role": roleName},
	})
	return nil
}

// UnlockUser clears the lockout state of userID.
func (s *Service) UnlockUser(ctx context.Context, actor Principal, userID string) error {
	target, err := s.targetUser(ctx, actor, userID)
	if err != nil {
		return err
	}
	if err := s.store.UnlockUser(ctx, target.ID, s.now().UTC()); err != nil {
		return err
	}
	s.record(ctx, SecurityEvent{Type: EventUnlock, UserID: actor.UserID, TenantID: target.TenantID, Outcome: OutcomeSuccess, Resource: "user:" + target.ID})
	return nil
}

// PutRoleMapping upserts an external role mapping in the actor's tenant.
// Only a super admin may write mappings for another tenant.
func (s *Service) PutRoleMapping(ctx context.Context, actor Principal, m RoleMapping) (RoleMapping, error) {
	m.Provider = strings.ToLower(strings.TrimSpace(m.Provider))
	m.ExternalRole = strings.TrimSpace(m.ExternalRole)
	m.InternalRole = normalizeRole(m.InternalRole)
	if m.Provider == "" || m.ExternalRole == "" || m.InternalRole == "" {
		return RoleMapping{}, fmt.Errorf("%w: provider, externalRole and internalRole are required", ErrInvalidInput)
	}
	if m.TenantID == "" || !actor.IsSuperAdmin() {
		if m.TenantID != "" && m.TenantID != actor.TenantID {
			return RoleMapping{}, s.denyTenant(ctx, actor, m.TenantID)
		}
		m.TenantID = actor.TenantID
	}
	if m.TenantID == "" {
		return RoleMapping{}, fmt.Errorf("%w: tenantId is required", ErrInvalidInput)
	}
	if err := s.requireRankAtLeast(actor, m.InternalRole); err != nil {
		return RoleMapping{}, err
	}
	existing, err := s.store.ExistingRoles(ctx, m.TenantID, []string{m.InternalRole})
	if err != nil {
		return RoleMapping{}, err
	}
	if len(existing) == 0 {
		return RoleMapping{}, fmt.Errorf("%w: unknown internal role %s", ErrInvalidInput, m.InternalRole)
	}
	if err := s.store.PutRoleMapping(ctx, m); err != nil {
		return RoleMapping{}, err
	}
	s.record(ctx, SecurityEvent{
		Type: EventMappingChanged, UserID: actor.UserID, TenantID: m.TenantID, Provider: m.Provider, Outcome: OutcomeSuccess,
		Details: map[string]any{"externalRole": m.ExternalRole, "internalRole": m.InternalRole},
	})
	return m, nil
}

// ListSecurityEvents returns the most recent events of the actor's tenant.
func (s *Service) ListSecurityEvents(ctx context.Context, actor Principal, tenantID string, limit int) ([]SecurityEvent, error) {
	if tenantID == "" {
		tenantID = actor.TenantID
	}
	if err := s.requireSameTenant(ctx, actor, tenantID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 1000 {
		limit = defaultEventLimit
	}
	return s.store.ListSecurityEvents(ctx, tenantID, limit)
}

// RecordDenial logs an authorization denial with the caller's actual grants.
func (s *Service) RecordDenial(ctx context.Context, p Principal, kind error, required string, details map[string]any) {
	ev := SecurityEvent{
		Type:     EventAccessDenied,
		UserID:   p.UserID,
		TenantID: p.TenantID,
		Action:   required,
		Outcome:  OutcomeDenied,
		Reason:   kind.Error(),
		Details: map[string]any{
			"userRoles":       p.Roles,
			"userPermissions": p.Permissions.List(),
		},
	}
	for k, v := range details {
		ev.Details[k] = v
		if k == "resourceType" {
			ev.Resource, _ = v.(string)
		}
	}
	s.record(ctx, ev)
}

// RecordTenantSpoof logs a client tenant header that disagrees with the caller's tenant.
func (s *Service) RecordTenantSpoof(ctx context.Context, p Principal, claimed string) {
	s.record(ctx, SecurityEvent{
		Type: EventTenantSpoof, UserID: p.UserID, TenantID: p.TenantID, Outcome: OutcomeDenied,
		Details: map[string]any{"claimedTenantId": claimed},
	})
}

func (s *Service) targetUser(ctx context.Context, actor Principal, userID string) (User, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return User{}, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	target, err := s.store.FindUser(ctx, userID)
	if err != nil {
		return User{}, err
	}
	if err := s.requireSameTenant(ctx, actor, target.TenantID); err != nil {
		// Users of other tenants are indistinguishable from missing users.
		var denial *DenialError
		if errors.As(err, &denial) {
			return User{}, ErrNotFound
		}
		return User{}, err
	}
	return target, nil
}

func (s *Service) requireSameTenant(ctx context.Context, actor Principal, tenantID string) error {
	if actor.IsSuperAdmin() || tenantID == actor.TenantID {
		return nil
	}
	return s.denyTenant(ctx, actor, tenantID)
}

func (s *Service) denyTenant(ctx context.Context, actor Principal, tenantID string) error {
	details := map[string]any{
		"requiredTenant": tenantID,
		"userTenant":     actor.TenantID,
		"userRole":       actor.Role,
		"userRoles":      actor.Roles,
	}
	s.RecordDenial(ctx, actor, ErrInsufficientPermissions, "tenant:"+tenantID, details)
	return deny(ErrInsufficientPermissions, "access to another tenant is not allowed", details)
}

// requireRankAtLeast stops callers from granting roles more privileged than their own.
func (s *Service) requireRankAtLeast(actor Principal, role string) error {
	if actor.IsSuperAdmin() {
		return nil
	}
	if RoleRank(role) > RoleRank(actor.Role) {
		return deny(ErrInsufficientPermissions, "cannot manage a role above your own", map[string]any{
			"requiredRoles": []string{role},
			"userRole":      actor.Role,
			"userRoles":     actor.Roles,
		})
	}
	return nil
}

// ActiveTenant returns the context of tenant id. Unknown and inactive tenants are ErrNotFound.
func (s *Service) ActiveTenant(ctx context.Context, id string) (TenantContext, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return TenantContext{}, fmt.Errorf("%w: tenant id is required", ErrInvalidInput)
	}
	t, err := s.store.Tenant(ctx, id)
	if err != nil {
		return TenantContext{}, err
	}
	if !t.Active {
		return TenantContext{}, fmt.Errorf("%w: tenant %s is inactive", ErrNotFound, id)
	}
	return TenantContext{ID: t.ID, Code: t.Code, Name: t.Name, Tier: t.Tier}, nil
}

// TenantPrincipal resolves userID for a trusted service caller. Users outside
// tenantID are reported as ErrNotFound.
func (s *Service) TenantPrincipal(ctx context.Context, tenantID, userID string) (Principal, error) {
	if _, err := s.ActiveTenant(ctx, tenantID); err != nil {
		return Principal{}, err
	}
	p, err := s.resolver.Principal(ctx, strings.TrimSpace(userID))
	if err != nil {
		return Principal{}, err
	}
	if p.TenantID != tenantID {
		return Principal{}, ErrNotFound
	}
	return p, nil
}
