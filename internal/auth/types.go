package auth

import (
	"strings"
	"time"
)

// User statuses.
const (
	StatusActive   = "active"
	StatusLocked   = "locked"
	StatusInactive = "inactive"
)

// Tenant is an isolated organizational boundary.
type Tenant struct {
	ID     string `json:"id"`
	Code   string `json:"code"`
	Name   string `json:"name"`
	Tier   string `json:"tier"`
	Active bool   `json:"active"`
}

// User is a stored identity. TenantID is empty for system-level accounts.
type User struct {
	ID                  string
	TenantID            string
	Email               string
	FirstName           string
	LastName            string
	PasswordHash        string
	Status              string
	Provider            string
	ExternalID          string
	FailedLoginAttempts int
	LockedUntil         *time.Time
	LastLoginAt         *time.Time
	SessionTokenHash    string
	SessionExpiresAt    *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// DisplayName joins first and last name.
func (u User) DisplayName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// LockedAt reports whether the lockout window is still open at now.
func (u User) LockedAt(now time.Time) bool {
	return u.LockedUntil != nil && now.Before(*u.LockedUntil)
}

// Role is a named bundle of permissions. TenantID is empty for system roles.
type Role struct {
	ID       string
	Name     string
	TenantID string
	IsSystem bool
}

// Permission is an atomic (resource, action) grant.
type Permission struct {
	Resource string
	Action   string
}

// String renders the permission as resource:action.
func (p Permission) String() string {
	return p.Resource + ":" + p.Action
}

// ParsePermission splits "resource:action". A bare "*" means every action on every resource.
func ParsePermission(s string) (Permission, bool) {
	s = strings.TrimSpace(s)
	if s == Wildcard {
		return Permission{Resource: Wildcard, Action: Wildcard}, true
	}
	resource, action, ok := strings.Cut(s, ":")
	resource = strings.TrimSpace(resource)
	action = strings.TrimSpace(action)
	if !ok || resource == "" || action == "" {
		return Permission{}, false
	}
	return Permission{Resource: resource, Action: action}, true
}

// Assignment links a user to a role inside a tenant.
type Assignment struct {
	UserID     string
	RoleID     string
	RoleName   string
	TenantID   string
	AssignedBy string
	Active     bool
	AssignedAt time.Time
}

// RoleMapping translates an identity provider role or group to an internal role.
type RoleMapping struct {
	TenantID     string `json:"tenantId"`
	Provider     string `json:"provider"`
	ExternalRole string `json:"externalRole"`
	InternalRole string `json:"internalRole"`
}

// UserInfo is what an identity provider returns after a successful authentication.
type UserInfo struct {
	ID    string
	Email string
	Name  string
	Roles []string
	// Provider is the canonical provider name when the caller used an alias.
	Provider string
}

// NewUser carries registration input after validation and hashing.
type NewUser struct {
	TenantID     string
	Email        string
	FirstName    string
	LastName     string
	PasswordHash string
	Provider     string
	ExternalID   string
}

// LoginState is the result of a login accounting update.
type LoginState struct {
	FailedAttempts int
	LockedUntil    *time.Time
	// Frozen is set when an open lock left the stored row unchanged.
	Frozen bool
}

// Resource is the opaque view of a domain row used for ownership checks.
type Resource struct {
	Type      string
	ID        string
	TenantID  string
	CreatedBy string
	ProjectID string
	// SharedWith lists partner tenants allowed read access.
	SharedWith []string
}

// TenantContext is attached to requests after tenant resolution.
type TenantContext struct {
	ID   string `json:"id"`
	Code string `json:"code"`
	Name string `json:"name,omitempty"`
	Tier string `json:"tier"`
}

// Event types recorded in the security log.
const (
	EventLogin          = "auth.login"
	EventLoginFailed    = "auth.login_failed"
	EventLockout        = "auth.lockout"
	EventRegister       = "auth.register"
	EventRefresh        = "auth.refresh"
	EventLogout         = "auth.logout"
	EventPasswordChange = "auth.password_change"
	EventSSO            = "auth.sso"
	EventAccessDenied   = "authz.denied"
	EventTenantSpoof    = "authz.tenant_header_mismatch"
	EventRoleAssigned   = "rbac.role_assigned"
	EventRoleRevoked    = "rbac.role_revoked"
	EventUnlock         = "auth.unlock"
	EventMappingChanged = "rbac.role_mapping_changed"
)

// Outcomes recorded in the security log.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeDenied  = "denied"
)

// SecurityEvent is an append-only audit record.
type SecurityEvent struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	UserID     string         `json:"userId,omitempty"`
	TenantID   string         `json:"tenantId,omitempty"`
	Provider   string         `json:"provider,omitempty"`
	Action     string         `json:"action,omitempty"`
	Resource   string         `json:"resource,omitempty"`
	Outcome    string         `json:"outcome"`
	Reason     string         `json:"reason,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	RemoteAddr string         `json:"remoteAddr,omitempty"`
	UserAgent  string         `json:"userAgent,omitempty"`
	RequestID  string         `json:"requestId,omitempty"`
	OccurredAt time.Time      `json:"occurredAt"`
}
