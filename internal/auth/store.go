package auth

import (
	"context"
	"time"
)

// UserStore persists users and their login accounting.
type UserStore interface {
	CreateUser(ctx context.Context, u NewUser) (User, error)
	FindUser(ctx context.Context, id string) (User, error)
	// FindUserByEmail looks up a lower-cased email. An empty tenantID searches
	// every tenant and returns ErrConflict when the email is ambiguous.
	FindUserByEmail(ctx context.Context, tenantID, email string) (User, error)
	ListTenantUsers(ctx context.Context, tenantID string) ([]User, error)
	UpdatePassword(ctx context.Context, userID, hash string, now time.Time) error
	UpdateProviderIdentity(ctx context.Context, userID, provider, externalID string, now time.Time) error

	// RecordFailedLogin atomically applies policy to the stored counter.
	// A row with an open lock is not modified; its current state is returned.
	RecordFailedLogin(ctx context.Context, userID string, policy LockoutPolicy, now time.Time) (LoginState, error)
	// ResetLoginState clears the counter unless a lock is open at now, in which
	// case the row is left alone and returned with Frozen set.
	ResetLoginState(ctx context.Context, userID string, now time.Time) (LoginState, error)
	UnlockUser(ctx context.Context, userID string, now time.Time) error
}

// TenantStore reads tenants.
type TenantStore interface {
	Tenant(ctx context.Context, id string) (Tenant, error)
	TenantByCode(ctx context.Context, code string) (Tenant, error)
}

// RoleStore reads roles and manages assignments.
type RoleStore interface {
	// ActiveRoleNames returns the names of active assignments of userID in tenantID.
	ActiveRoleNames(ctx context.Context, userID, tenantID string) ([]string, error)
	// ExistingRoles filters names to roles defined for tenantID or at system level.
	ExistingRoles(ctx context.Context, tenantID string, names []string) ([]string, error)
	// RolePermissions returns the stored grants of roles, tenant roles first then system roles.
	RolePermissions(ctx context.Context, tenantID string, roles []string) ([]Permission, error)
	AssignRole(ctx context.Context, a Assignment) error
	RevokeRole(ctx context.Context, userID, tenantID, roleName string) error
	// ReplaceAssignments deactivates every other assignment of the user in tenantID.
	ReplaceAssignments(ctx context.Context, userID, tenantID string, roles []string, assignedBy string) error
	ProjectMemberships(ctx context.Context, userID string) ([]string, error)
}

// SessionStore keeps the single active refresh token hash per user.
type SessionStore interface {
	StoreSession(ctx context.Context, userID, hash string, expiresAt, now time.Time) error
	// RotateSession replaces oldHash with newHash only if oldHash is still current.
	// It returns ErrInvalidRefreshToken when another rotation won.
	RotateSession(ctx context.Context, userID, oldHash, newHash string, expiresAt, now time.Time) error
	ClearSession(ctx context.Context, userID string) error
}

// MappingStore keeps tenant role mappings for external identity providers.
type MappingStore interface {
	RoleMappings(ctx context.Context, tenantID, provider string) ([]RoleMapping, error)
	PutRoleMapping(ctx context.Context, m RoleMapping) error
}

// EventStore persists and lists security events.
type EventStore interface {
	InsertSecurityEvent(ctx context.Context, ev SecurityEvent) error
	ListSecurityEvents(ctx context.Context, tenantID string, limit int) ([]SecurityEvent, error)
}

// Store aggregates every persistence concern of the auth core.
type Store interface {
	UserStore
	TenantStore
	RoleStore
	SessionStore
	MappingStore
	EventStore
}

// EventRecorder accepts security events. Implementations must not block for long and never fail the caller.
type EventRecorder interface {
	Record(ctx context.Context, ev SecurityEvent)
}

// RevocationList denies access tokens by jti until their natural expiry.
type RevocationList interface {
	Revoke(ctx context.Context, jti string, until time.Time) error
	Revoked(ctx context.Context, jti string) (bool, error)
}

// Credentials are the inputs accepted by identity providers.
type Credentials struct {
	Email     string
	Password  string
	Assertion string
}

// IdentityProvider authenticates against the provider configured for a tenant.
type IdentityProvider interface {
	Authenticate(ctx context.Context, tenantID, provider string, creds Credentials) (UserInfo, error)
}

type nopRecorder struct{}

func (nopRecorder) Record(context.Context, SecurityEvent) {}
