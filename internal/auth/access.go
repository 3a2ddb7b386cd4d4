package auth

import (
	"slices"
	"strings"
)

// Actions with special meaning for ownership checks.
const (
	ActionRead   = "read"
	ActionManage = "manage"
)

var writeActions = []string{"write", "edit", "update", "delete", "manage", "submit", "approve", "assign"}

// IsWriteAction reports whether action mutates a resource.
func IsWriteAction(action string) bool {
	return slices.Contains(writeActions, strings.ToLower(action))
}

// elevated roles may act on resources created by other users in their tenant.
var elevatedRoles = []string{RoleSuperAdmin, RoleOrgAdmin, RoleOrgManager}

// CheckResourceAccess decides whether p may perform action on res.
func CheckResourceAccess(p Principal, res Resource, action string) error {
	if p.IsSuperAdmin() {
		return nil
	}
	details := map[string]any{
		"resourceType": res.Type,
		"resourceId":   res.ID,
		"action":       action,
		"userRoles":    p.Roles,
	}

	if res.TenantID != p.TenantID && p.HasRole(RolePartnerUser) {
		if strings.EqualFold(action, ActionRead) && slices.Contains(res.SharedWith, p.TenantID) {
			return nil
		}
		return deny(ErrPartnerResourceForbidden, "resource is not shared with the partner tenant", details)
	}

	if res.TenantID != p.TenantID {
		return deny(ErrResourceAccessDenied, "resource belongs to another tenant", details)
	}

	elevated := p.HasRole(elevatedRoles...)
	if res.ProjectID != "" && len(p.Projects) > 0 && !p.InProject(res.ProjectID) && !elevated {
		details["projectId"] = res.ProjectID
		return deny(ErrProjectAccessDenied, "caller is not a member of the resource project", details)
	}

	if IsWriteAction(action) && res.CreatedBy != p.UserID && !elevated && !p.HasPermission(res.Type, ActionManage) {
		return deny(ErrResourceAccessDenied, "only the creator may modify this resource", details)
	}
	return nil
}
