package auth

import (
	"slices"
	"sort"
	"strings"
)

// System roles.
const (
	RoleSuperAdmin      = "super_admin"
	RolePlatformAdmin   = "platform_admin"
	RoleSupervisorAdmin = "supervisor_admin"
	RoleOrgAdmin        = "org_admin"
	RoleOrgManager      = "org_manager"
	RoleProjectMember   = "project_member"
	RolePartnerUser     = "partner_user"

	// DefaultRole is the minimal role every principal falls back to.
	DefaultRole = RoleProjectMember

	// Wildcard matches any resource or action.
	Wildcard = "*"
)

var roleRank = map[string]int{
	RoleSuperAdmin:      100,
	RolePlatformAdmin:   90,
	RoleSupervisorAdmin: 80,
	RoleOrgAdmin:        70,
	RoleOrgManager:      60,
	RoleProjectMember:   40,
	RolePartnerUser:     30,
}

// RoleRank orders roles by privilege. Tenant-defined roles rank below every system role.
func RoleRank(role string) int {
	return roleRank[role]
}

// PrimaryRole picks the most privileged role of the set.
func PrimaryRole(roles []string) string {
	best := ""
	bestRank := -1
	for _, r := range roles {
		rank := RoleRank(r)
		if rank > bestRank || (rank == bestRank && r < best) {
			best, bestRank = r, rank
		}
	}
	return best
}

// PermissionSet maps a resource to its granted actions.
type PermissionSet map[string][]string

// Add grants action on resource, keeping the action list sorted and unique.
func (ps PermissionSet) Add(resource, action string) {
	actions := ps[resource]
	i, found := slices.BinarySearch(actions, action)
	if found {
		return
	}
	ps[resource] = slices.Insert(actions, i, action)
}

// Merge adds every grant of other.
func (ps PermissionSet) Merge(other PermissionSet) {
	for resource, actions := range other {
		for _, a := range actions {
			ps.Add(resource, a)
		}
	}
}

// Allows reports whether the set grants action on resource, honoring wildcards.
func (ps PermissionSet) Allows(resource, action string) bool {
	for _, res := range []string{resource, Wildcard} {
		actions, ok := ps[res]
		if !ok {
			continue
		}
		if _, found := slices.BinarySearch(actions, action); found {
			return true
		}
		if _, found := slices.BinarySearch(actions, Wildcard); found {
			return true
		}
	}
	return false
}

// List flattens the set to sorted "resource:action" strings.
func (ps PermissionSet) List() []string {
	out := make([]string, 0, len(ps))
	for resource, actions := range ps {
		for _, a := range actions {
			out = append(out, resource+":"+a)
		}
	}
	sort.Strings(out)
	return out
}

// Principal is the authorization view of a user, re-derived from storage on every request.
type Principal struct {
	UserID      string
	TenantID    string
	Email       string
	Name        string
	Status      string
	Role        string
	Roles       []string
	Permissions PermissionSet
	Projects    []string
	Tenant      *TenantContext
}

// HasRole reports whether the principal holds any of roles.
func (p Principal) HasRole(roles ...string) bool {
	for _, r := range roles {
		if slices.Contains(p.Roles, r) {
			return true
		}
	}
	return false
}

// IsSuperAdmin reports whether the principal bypasses permission checks.
func (p Principal) IsSuperAdmin() bool {
	return p.HasRole(RoleSuperAdmin)
}

// HasPermission evaluates one (resource, action) pair.
func (p Principal) HasPermission(resource, action string) bool {
	if p.IsSuperAdmin() {
		return true
	}
	return p.Permissions.Allows(resource, action)
}

// Can evaluates a "resource:action" string.
func (p Principal) Can(permission string) bool {
	perm, ok := ParsePermission(permission)
	if !ok {
		return false
	}
	return p.HasPermission(perm.Resource, perm.Action)
}

// HasAny reports whether at least one permission is granted.
func (p Principal) HasAny(permissions ...string) bool {
	for _, perm := range permissions {
		if p.Can(perm) {
			return true
		}
	}
	return false
}

// HasAll reports whether every permission is granted.
func (p Principal) HasAll(permissions ...string) bool {
	for _, perm := range permissions {
		if !p.Can(perm) {
			return false
		}
	}
	return len(permissions) > 0
}

// InProject reports membership in projectID.
func (p Principal) InProject(projectID string) bool {
	return slices.Contains(p.Projects, projectID)
}

func normalizeRole(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}
