// Package memory is an in-process implementation of auth.Store for tests and local runs.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"shahin-ai.com/grc-auth/internal/auth"
	"shahin-ai.com/grc-auth/internal/ids"
)

// SystemRoles are seeded into every new store.
var SystemRoles = []string{
	auth.RoleSuperAdmin,
	auth.RolePlatformAdmin,
	auth.RoleSupervisorAdmin,
	auth.RoleOrgAdmin,
	auth.RoleOrgManager,
	auth.RoleProjectMember,
	auth.RolePartnerUser,
}

type mappingKey struct {
	tenantID, provider, external string
}

type providerKey struct {
	tenantID, provider string
}

// Store keeps everything in maps guarded by one mutex.
type Store struct {
	mu          sync.Mutex
	now         func() time.Time
	tenants     map[string]auth.Tenant
	users       map[string]auth.User
	roles       map[string]auth.Role
	grants      map[string][]auth.Permission // role id -> grants
	assignments []auth.Assignment
	projects    map[string][]string
	mappings    map[mappingKey]auth.RoleMapping
	providers   map[providerKey]map[string]string
	events      []auth.SecurityEvent
}

// New returns a store seeded with the system roles.
func New() *Store {
	s := &Store{
		now:       time.Now,
		tenants:   make(map[string]auth.Tenant),
		users:     make(map[string]auth.User),
		roles:     make(map[string]auth.Role),
		grants:    make(map[string][]auth.Permission),
		projects:  make(map[string][]string),
		mappings:  make(map[mappingKey]auth.RoleMapping),
		providers: make(map[providerKey]map[string]string),
	}
	for _, name := range SystemRoles {
		id := "role-" + name
		s.roles[id] = auth.Role{ID: id, Name: name, IsSystem: true}
	}
	return s
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

// AddTenant inserts or replaces a tenant.
func (s *Store) AddTenant(t auth.Tenant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenants[t.ID] = t
}

// AddRole defines a tenant role and returns its id.
func (s *Store) AddRole(tenantID, name string, grants ...auth.Permission) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := ids.New()
	s.roles[id] = auth.Role{ID: id, Name: name, TenantID: tenantID}
	s.grants[id] = append(s.grants[id], grants...)
	return id
}

// AddProjectMember records project membership.
func (s *Store) AddProjectMember(userID, projectID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !slices.Contains(s.projects[userID], projectID) {
		s.projects[userID] = append(s.projects[userID], projectID)
	}
}

// SetProviderConfig stores a tenant provider configuration.
func (s *Store) SetProviderConfig(tenantID, provider string, cfg map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.providers[providerKey{tenantID, provider}] = cfg
}

// SetUserStatus changes a user's status.
func (s *Store) SetUserStatus(userID, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[userID]; ok {
		u.Status = status
		s.users[userID] = u
	}
}

// Events returns a copy of the recorded security events.
func (s *Store) Events() []auth.SecurityEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.events)
}

func (s *Store) CreateUser(_ context.Context, in auth.NewUser) (auth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	email := strings.ToLower(strings.TrimSpace(in.Email))
	for _, u := range s.users {
		if u.TenantID == in.TenantID && u.Email == email {
			return auth.User{}, fmt.Errorf("%w: email already registered", auth.ErrConflict)
		}
	}
	if in.TenantID != "" {
		if _, ok := s.tenants[in.TenantID]; !ok {
			return auth.User{}, fmt.Errorf("%w: tenant", auth.ErrNotFound)
		}
	}
	now := s.now().UTC()
	provider := in.Provider
	if provider == "" {
		provider = "local"
	}
	u := auth.User{
		ID:           ids.New(),
		TenantID:     in.TenantID,
		Email:        email,
		FirstName:    in.FirstName,
		LastName:     in.LastName,
		PasswordHash: in.PasswordHash,
		Status:       auth.StatusActive,
		Provider:     provider,
		ExternalID:   in.ExternalID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.users[u.ID] = u
	return u, nil
}

func (s *Store) FindUser(_ context.Context, id string) (auth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return auth.User{}, auth.ErrNotFound
	}
	return u, nil
}

func (s *Store) FindUserByEmail(_ context.Context, tenantID, email string) (auth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	email = strings.ToLower(strings.TrimSpace(email))
	var found []auth.User
	for _, u := range s.users {
		if u.Email == email && (tenantID == "" || u.TenantID == tenantID) {
			found = append(found, u)
		}
	}
	switch len(found) {
	case 0:
		return auth.User{}, auth.ErrNotFound
	case 1:
		return found[0], nil
	default:
		return auth.User{}, fmt.Errorf("%w: email exists in several tenants", auth.ErrConflict)
	}
}

func (s *Store) ListTenantUsers(_ context.Context, tenantID string) ([]auth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []auth.User
	for _, u := range s.users {
		if u.TenantID == tenantID {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out, nil
}

func (s *Store) UpdatePassword(_ context.Context, userID, hash string, now time.Time) error {
	return s.updateUser(userID, func(u *auth.User) {
		u.PasswordHash = hash
		u.UpdatedAt = now
	})
}

func (s *Store) UpdateProviderIdentity(_ context.Context, userID, provider, externalID string, now time.Time) error {
	return s.updateUser(userID, func(u *auth.User) {
		u.Provider = provider
		u.ExternalID = externalID
		u.UpdatedAt = now
	})
}

func (s *Store) RecordFailedLogin(_ context.Context, userID string, policy auth.LockoutPolicy, now time.Time) (auth.LoginState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return auth.LoginState{}, auth.ErrNotFound
	}
	next, changed := policy.Apply(auth.LoginState{FailedAttempts: u.FailedLoginAttempts, LockedUntil: u.LockedUntil}, now)
	if !changed {
		next.Frozen = true
		return next, nil
	}
	u.FailedLoginAttempts = next.FailedAttempts
	u.LockedUntil = next.LockedUntil
	u.UpdatedAt = now
	s.users[userID] = u
	return next, nil
}

func (s *Store) ResetLoginState(_ context.Context, userID string, now time.Time) (auth.LoginState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return auth.LoginState{}, auth.ErrNotFound
	}
	if u.LockedAt(now) {
		return auth.LoginState{FailedAttempts: u.FailedLoginAttempts, LockedUntil: u.LockedUntil, Frozen: true}, nil
	}
	u.FailedLoginAttempts = 0
	u.LockedUntil = nil
	u.UpdatedAt = now
	s.users[userID] = u
	return auth.LoginState{}, nil
}

func (s *Store) UnlockUser(_ context.Context, userID string, now time.Time) error {
	return s.updateUser(userID, func(u *auth.User) {
		u.FailedLoginAttempts = 0
		u.LockedUntil = nil
		if u.Status == auth.StatusLocked {
			u.Status = auth.StatusActive
		}
		u.UpdatedAt = now
	})
}

func (s *Store) StoreSession(_ context.Context, userID, hash string, expiresAt, now time.Time) error {
	return s.updateUser(userID, func(u *auth.User) {
		u.SessionTokenHash = hash
		exp := expiresAt
		u.SessionExpiresAt = &exp
		at := now
		u.LastLoginAt = &at
		u.UpdatedAt = now
	})
}

func (s *Store) RotateSession(_ context.Context, userID, oldHash, newHash string, expiresAt, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok || u.SessionTokenHash == "" || u.SessionTokenHash != oldHash {
		return auth.ErrInvalidRefreshToken
	}
	u.SessionTokenHash = newHash
	exp := expiresAt
	u.SessionExpiresAt = &exp
	at := now
	u.LastLoginAt = &at
	u.UpdatedAt = now
	s.users[userID] = u
	return nil
}

func (s *Store) ClearSession(_ context.Context, userID string) error {
	return s.updateUser(userID, func(u *auth.User) {
		u.SessionTokenHash = ""
		u.SessionExpiresAt = nil
	})
}

func (s *Store) updateUser(userID string, fn func(*auth.User)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return auth.ErrNotFound
	}
	fn(&u)
	s.users[userID] = u
	return nil
}

func (s *Store) Tenant(_ context.Context, id string) (auth.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[id]
	if !ok {
		return auth.Tenant{}, auth.ErrNotFound
	}
	return t, nil
}

func (s *Store) TenantByCode(_ context.Context, code string) (auth.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tenants {
		if strings.EqualFold(t.Code, code) {
			return t, nil
		}
	}
	return auth.Tenant{}, auth.ErrNotFound
}

// lookupRole resolves name tenant-first, then system. Caller holds mu.
func (s *Store) lookupRole(tenantID, name string) (auth.Role, bool) {
	var system auth.Role
	found := false
	for _, r := range s.roles {
		if r.Name != name {
			continue
		}
		if tenantID != "" && r.TenantID == tenantID {
			return r, true
		}
		if r.TenantID == "" {
			system, found = r, true
		}
	}
	return system, found
}

func (s *Store) ActiveRoleNames(_ context.Context, userID, tenantID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, a := range s.assignments {
		if a.UserID == userID && a.TenantID == tenantID && a.Active && !slices.Contains(out, a.RoleName) {
			out = append(out, a.RoleName)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) ExistingRoles(_ context.Context, tenantID string, names []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, n := range names {
		if _, ok := s.lookupRole(tenantID, n); ok && !slices.Contains(out, n) {
			out = append(out, n)
		}
	}
	return out, nil
}

func (s *Store) RolePermissions(_ context.Context, tenantID string, roles []string) ([]auth.Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []auth.Permission
	for _, name := range roles {
		r, ok := s.lookupRole(tenantID, name)
		if !ok {
			continue
		}
		out = append(out, s.grants[r.ID]...)
	}
	return out, nil
}

// GrantRolePermission adds a stored grant to a role looked up tenant-first.
// The wildcard resource is refused.
func (s *Store) GrantRolePermission(tenantID, roleName string, p auth.Permission) error {
	if p.Resource == auth.Wildcard {
		return fmt.Errorf("%w: wildcard resource is reserved for super_admin", auth.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.lookupRole(tenantID, roleName)
	if !ok {
		return auth.ErrNotFound
	}
	s.grants[r.ID] = append(s.grants[r.ID], p)
	return nil
}

func (s *Store) AssignRole(_ context.Context, a auth.Assignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[a.UserID]
	if !ok {
		return auth.ErrNotFound
	}
	if u.TenantID != a.TenantID {
		return fmt.Errorf("%w: user does not belong to tenant", auth.ErrInvalidInput)
	}
	r, ok := s.lookupRole(a.TenantID, a.RoleName)
	if !ok {
		return fmt.Errorf("%w: role %s", auth.ErrNotFound, a.RoleName)
	}
	if a.AssignedAt.IsZero() {
		a.AssignedAt = s.now().UTC()
	}
	a.RoleID = r.ID
	a.Active = true
	for i, existing := range s.assignments {
		if existing.UserID == a.UserID && existing.TenantID == a.TenantID && existing.RoleName == a.RoleName {
			s.assignments[i] = a
			return nil
		}
	}
	s.assignments = append(s.assignments, a)
	return nil
}

func (s *Store) RevokeRole(_ context.Context, userID, tenantID, roleName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, a := range s.assignments {
		if a.UserID == userID && a.TenantID == tenantID && a.RoleName == roleName && a.Active {
			s.assignments[i].Active = false
			return nil
		}
	}
	return auth.ErrNotFound
}

func (s *Store) ReplaceAssignments(_ context.Context, userID, tenantID string, roles []string, assignedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	for i, a := range s.assignments {
		if a.UserID == userID && a.TenantID == tenantID {
			s.assignments[i].Active = slices.Contains(roles, a.RoleName)
		}
	}
	for _, name := range roles {
		r, ok := s.lookupRole(tenantID, name)
		if !ok {
			continue
		}
		exists := slices.ContainsFunc(s.assignments, func(a auth.Assignment) bool {
			return a.UserID == userID && a.TenantID == tenantID && a.RoleName == name
		})
		if !exists {
			s.assignments = append(s.assignments, auth.Assignment{
				UserID: userID, RoleID: r.ID, RoleName: name, TenantID: tenantID,
				AssignedBy: assignedBy, Active: true, AssignedAt: now,
			})
		}
	}
	return nil
}

func (s *Store) ProjectMemberships(_ context.Context, userID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.projects[userID]), nil
}

func (s *Store) RoleMappings(_ context.Context, tenantID, provider string) ([]auth.RoleMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []auth.RoleMapping
	for k, m := range s.mappings {
		if k.tenantID == tenantID && k.provider == provider {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExternalRole < out[j].ExternalRole })
	return out, nil
}

func (s *Store) PutRoleMapping(_ context.Context, m auth.RoleMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mappings[mappingKey{m.TenantID, m.Provider, strings.ToLower(m.ExternalRole)}] = m
	return nil
}

// ProviderConfig returns the stored configuration of a tenant provider.
func (s *Store) ProviderConfig(_ context.Context, tenantID, provider string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.providers[providerKey{tenantID, provider}]
	if !ok {
		return nil, auth.ErrNotFound
	}
	out := make(map[string]string, len(cfg))
	for k, v := range cfg {
		out[k] = v
	}
	return out, nil
}

func (s *Store) InsertSecurityEvent(_ context.Context, ev auth.SecurityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *Store) ListSecurityEvents(_ context.Context, tenantID string, limit int) ([]auth.SecurityEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []auth.SecurityEvent
	for i := len(s.events) - 1; i >= 0 && len(out) < limit; i-- {
		if s.events[i].TenantID == tenantID {
			out = append(out, s.events[i])
		}
	}
	return out, nil
}
