package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"shahin-ai.com/grc-auth/internal/ids"
	"shahin-ai.com/grc-auth/internal/obs"
)

// DefaultTenantCode names the tenant used when registration does not pick one.
const DefaultTenantCode = "DEFAULT"

// Service implements registration, login, sessions and role administration.
type Service struct {
	store     Store
	tokens    *Issuer
	resolver  *Resolver
	providers IdentityProvider
	events    EventRecorder
	revoked   RevocationList
	hasher    Hasher
	lockout   LockoutPolicy
	minPass   int
	now       func() time.Time

	issuerCfg IssuerConfig
	policy    SystemPolicy
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithTokenSecret enables HS256 signing with secret.
func WithTokenSecret(secret string) ServiceOption {
	return func(s *Service) error {
		s.issuerCfg.Secret = secret
		return nil
	}
}

// WithRS256Keys configures RSA keys used for signing and verifying JWTs.
func WithRS256Keys(privatePEM, publicPEM string) ServiceOption {
	return func(s *Service) error {
		if strings.TrimSpace(privatePEM) == "" || strings.TrimSpace(publicPEM) == "" {
			return errors.New("auth: both private and public keys are required")
		}
		s.issuerCfg.PrivateKeyPEM = privatePEM
		s.issuerCfg.PublicKeyPEM = publicPEM
		return nil
	}
}

// WithKeyID sets the key identifier embedded into JWT headers.
func WithKeyID(kid string) ServiceOption {
	return func(s *Service) error {
		s.issuerCfg.KeyID = kid
		return nil
	}
}

// WithIssuer overrides the token issuer claim.
func WithIssuer(issuer string) ServiceOption {
	return func(s *Service) error {
		s.issuerCfg.Issuer = issuer
		return nil
	}
}

// WithAudience overrides the token audience claim.
func WithAudience(aud string) ServiceOption {
	return func(s *Service) error {
		s.issuerCfg.Audience = aud
		return nil
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		s.issuerCfg.AccessTTL = ttl
		return nil
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		s.issuerCfg.RefreshTTL = ttl
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithBcryptCost sets the password hashing cost.
func WithBcryptCost(cost int) ServiceOption {
	return func(s *Service) error {
		s.hasher.Cost = cost
		return nil
	}
}

// WithLockoutPolicy overrides the failed-login threshold and lock duration.
func WithLockoutPolicy(p LockoutPolicy) ServiceOption {
	return func(s *Service) error {
		s.lockout = p.Normalized()
		return nil
	}
}

// WithPasswordMinLength sets the minimum accepted password length.
func WithPasswordMinLength(n int) ServiceOption {
	return func(s *Service) error {
		if n > 0 {
			s.minPass = n
		}
		return nil
	}
}

// WithSystemPolicy sets the policy that expands system roles.
func WithSystemPolicy(p SystemPolicy) ServiceOption {
	return func(s *Service) error {
		s.policy = p
		return nil
	}
}

// WithIdentityProvider enables enterprise sign-in.
func WithIdentityProvider(p IdentityProvider) ServiceOption {
	return func(s *Service) error {
		s.providers = p
		return nil
	}
}

// WithEventRecorder sets the security event sink.
func WithEventRecorder(r EventRecorder) ServiceOption {
	return func(s *Service) error {
		if r != nil {
			s.events = r
		}
		return nil
	}
}

// WithRevocationList enables access token revocation on logout.
func WithRevocationList(r RevocationList) ServiceOption {
	return func(s *Service) error {
		s.revoked = r
		return nil
	}
}

// NewService constructs Service with optional configuration.
func NewService(store Store, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("auth: store is required")
	}
	svc := &Service{
		store:   store,
		events:  nopRecorder{},
		lockout: DefaultLockoutPolicy,
		minPass: MinPasswordLength,
		now:     time.Now,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	svc.issuerCfg.Now = svc.now
	tokens, err := NewIssuer(svc.issuerCfg)
	if err != nil {
		return nil, err
	}
	svc.tokens = tokens
	svc.resolver = NewResolver(store, svc.policy)
	return svc, nil
}

// Resolver exposes the role and permission resolver.
func (s *Service) Resolver() *Resolver { return s.resolver }

// Issuer exposes the token issuer.
func (s *Service) Issuer() *Issuer { return s.tokens }

// Session is the result of a successful sign-in or refresh.
type Session struct {
	Tokens    TokenPair
	Principal Principal
}

// RegisterInput is the validated registration payload.
type RegisterInput struct {
	Email      string
	Password   string
	FirstName  string
	LastName   string
	TenantID   string
	TenantCode string
}

// LoginInput is the local login payload. TenantID is optional.
type LoginInput struct {
	Email    string
	Password string
	TenantID string
}

// SSOInput is the enterprise sign-in payload.
type SSOInput struct {
	Provider   string
	TenantID   string
	TenantCode string
	Email      string
	Password   string
	Assertion  string
}

// Register creates a local user in the resolved tenant with the default role.
func (s *Service) Register(ctx context.Context, in RegisterInput) (Session, error) {
	email := normalizeEmail(in.Email)
	if email == "" {
		return Session{}, fmt.Errorf("%w: email is required", ErrInvalidInput)
	}
	if err := CheckPasswordPolicy(in.Password, s.minPass); err != nil {
		return Session{}, err
	}
	tenant, err := s.resolveTenant(ctx, in.TenantID, in.TenantCode)
	if err != nil {
		return Session{}, err
	}
	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return Session{}, err
	}
	user, err := s.store.CreateUser(ctx, NewUser{
		TenantID:     tenant.ID,
		Email:        email,
		FirstName:    strings.TrimSpace(in.FirstName),
		LastName:     strings.TrimSpace(in.LastName),
		PasswordHash: hash,
		Provider:     "local",
	})
	if err != nil {
		return Session{}, err
	}
	if err := s.store.AssignRole(ctx, Assignment{
		UserID:     user.ID,
		RoleName:   DefaultRole,
		TenantID:   tenant.ID,
		AssignedBy: user.ID,
		Active:     true,
		AssignedAt: s.now().UTC(),
	}); err != nil {
		return Session{}, fmt.Errorf("auth: assign default role: %w", err)
	}
	sess, err := s.startSession(ctx, user.ID)
	if err != nil {
		return Session{}, err
	}
	s.record(ctx, SecurityEvent{Type: EventRegister, UserID: user.ID, TenantID: tenant.ID, Provider: "local", Outcome: OutcomeSuccess})
	return sess, nil
}

// Login verifies local credentials and maintains the failed-login counter.
func (s *Service) Login(ctx context.Context, in LoginInput) (Session, error) {
	email := normalizeEmail(in.Email)
	if email == "" || in.Password == "" {
		return Session{}, fmt.Errorf("%w: email and password are required", ErrInvalidInput)
	}
	now := s.now().UTC()

	user, err := s.store.FindUserByEmail(ctx, strings.TrimSpace(in.TenantID), email)
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) {
			// An email registered in several tenants needs a tenant; answer like an unknown email.
			_ = s.hasher.Verify("", in.Password)
			reason := "unknown email"
			if errors.Is(err, ErrConflict) {
				reason = "ambiguous email without tenant"
			}
			s.loginFailed(ctx, "", in.TenantID, reason)
			return Session{}, ErrInvalidCredentials
		}
		return Session{}, err
	}

	if user.LockedAt(now) {
		s.loginFailed(ctx, user.ID, user.TenantID, "account locked")
		return Session{}, &AccountLockedError{Until: *user.LockedUntil}
	}
	if user.Status != StatusActive {
		s.loginFailed(ctx, user.ID, user.TenantID, "user inactive")
		return Session{}, ErrUserInactive
	}

	if err := s.hasher.Verify(user.PasswordHash, in.Password); err != nil {
		state, lerr := s.store.RecordFailedLogin(ctx, user.ID, s.lockout, now)
		if lerr != nil {
			obs.Ctx(ctx).Error().Err(lerr).Str("user_id", user.ID).Msg("record failed login")
		}
		if lerr == nil && state.Frozen && state.Locked(now) {
			s.loginFailed(ctx, user.ID, user.TenantID, "account locked")
			return Session{}, &AccountLockedError{Until: *state.LockedUntil}
		}
		s.loginFailed(ctx, user.ID, user.TenantID, "invalid password")
		if lerr == nil && state.Locked(now) {
			obs.ObserveLockout()
			s.record(ctx, SecurityEvent{
				Type: EventLockout, UserID: user.ID, TenantID: user.TenantID, Outcome: OutcomeDenied,
				Details: map[string]any{"lockedUntil": state.LockedUntil.UTC(), "failedAttempts": state.FailedAttempts},
			})
		}
		return Session{}, ErrInvalidCredentials
	}

	// The row read above may be stale; the reset refuses to clear a lock set since.
	state, err := s.store.ResetLoginState(ctx, user.ID, now)
	if err != nil {
		return Session{}, fmt.Errorf("auth: reset login state: %w", err)
	}
	if state.Locked(now) {
		s.loginFailed(ctx, user.ID, user.TenantID, "account locked")
		return Session{}, &AccountLockedError{Until: *state.LockedUntil}
	}
	sess, err := s.startSession(ctx, user.ID)
	if err != nil {
		return Session{}, err
	}
	obs.ObserveAuthAttempt("local", OutcomeSuccess)
	s.record(ctx, SecurityEvent{Type: EventLogin, UserID: user.ID, TenantID: user.TenantID, Provider: "local", Outcome: OutcomeSuccess})
	return sess, nil
}

// Refresh rotates the refresh token and issues a new access token.
func (s *Service) Refresh(ctx context.Context, raw string) (Session, error) {
	userID, secret, err := ParseRefreshToken(raw)
	if err != nil {
		return Session{}, err
	}
	user, err := s.store.FindUser(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Session{}, ErrInvalidRefreshToken
		}
		return Session{}, err
	}
	presented := HashRefreshSecret(secret)
	if !hashesEqual(user.SessionTokenHash, presented) {
		s.record(ctx, SecurityEvent{Type: EventRefresh, UserID: user.ID, TenantID: user.TenantID, Outcome: OutcomeFailure, Reason: "refresh token mismatch"})
		return Session{}, ErrInvalidRefreshToken
	}
	now := s.now().UTC()
	if user.SessionExpiresAt == nil || !now.Before(*user.SessionExpiresAt) {
		return Session{}, ErrRefreshExpired
	}
	if user.LockedAt(now) {
		s.record(ctx, SecurityEvent{Type: EventRefresh, UserID: user.ID, TenantID: user.TenantID, Outcome: OutcomeDenied, Reason: "account locked"})
		return Session{}, &AccountLockedError{Until: *user.LockedUntil}
	}
	if user.Status != StatusActive {
		return Session{}, ErrUserInactive
	}

	principal, err := s.resolver.Principal(ctx, user.ID)
	if err != nil {
		return Session{}, err
	}
	if principal.Status != StatusActive {
		return Session{}, ErrUserInactive
	}
	pair, hash, err := s.tokens.Issue(principal)
	if err != nil {
		return Session{}, err
	}
	if err := s.store.RotateSession(ctx, user.ID, presented, hash, pair.RefreshExpiresAt, now); err != nil {
		if errors.Is(err, ErrInvalidRefreshToken) || errors.Is(err, ErrNotFound) {
			return Session{}, ErrInvalidRefreshToken
		}
		return Session{}, err
	}
	s.record(ctx, SecurityEvent{Type: EventRefresh, UserID: user.ID, TenantID: user.TenantID, Outcome: OutcomeSuccess})
	return Session{Tokens: pair, Principal: principal}, nil
}

// Logout clears the stored refresh token and revokes the presented access token.
func (s *Service) Logout(ctx context.Context, userID string, claims *Claims) error {
	if err := s.store.ClearSession(ctx, userID); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if s.revoked != nil && claims != nil && claims.ID != "" && claims.ExpiresAt != nil {
		if err := s.revoked.Revoke(ctx, claims.ID, claims.ExpiresAt.Time); err != nil {
			obs.Ctx(ctx).Error().Err(err).Str("user_id", userID).Msg("revoke access token")
		}
	}
	tenantID := ""
	if claims != nil {
		tenantID = claims.TenantID
	}
	s.record(ctx, SecurityEvent{Type: EventLogout, UserID: userID, TenantID: tenantID, Outcome: OutcomeSuccess})
	return nil
}

// ChangePassword re-verifies the current password and ends the refresh session.
func (s *Service) ChangePassword(ctx context.Context, userID, current, next string) error {
	user, err := s.store.FindUser(ctx, userID)
	if err != nil {
		return err
	}
	if err := s.hasher.Verify(user.PasswordHash, current); err != nil {
		s.record(ctx, SecurityEvent{Type: EventPasswordChange, UserID: userID, TenantID: user.TenantID, Outcome: OutcomeFailure, Reason: "current password mismatch"})
		return ErrInvalidCredentials
	}
	if err := CheckPasswordPolicy(next, s.minPass); err != nil {
		return err
	}
	hash, err := s.hasher.Hash(next)
	if err != nil {
		return err
	}
	if err := s.store.UpdatePassword(ctx, userID, hash, s.now().UTC()); err != nil {
		return err
	}
	if err := s.store.ClearSession(ctx, userID); err != nil {
		return err
	}
	s.record(ctx, SecurityEvent{Type: EventPasswordChange, UserID: userID, TenantID: user.TenantID, Outcome: OutcomeSuccess})
	return nil
}

// AuthenticateToken verifies an access token and re-derives the principal from storage.
func (s *Service) AuthenticateToken(ctx context.Context, raw string) (Principal, *Claims, error) {
	claims, err := s.tokens.Verify(raw)
	if err != nil {
		return Principal{}, nil, err
	}
	if s.revoked != nil {
		revoked, err := s.revoked.Revoked(ctx, claims.ID)
		if err != nil {
			obs.Ctx(ctx).Error().Err(err).Msg("revocation lookup")
			return Principal{}, nil, fmt.Errorf("%w: revocation unavailable", ErrInvalidToken)
		}
		if revoked {
			return Principal{}, nil, fmt.Errorf("%w: revoked", ErrInvalidToken)
		}
	}
	principal, err := s.resolver.Principal(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Principal{}, nil, ErrInvalidToken
		}
		return Principal{}, nil, err
	}
	if principal.Status != StatusActive {
		return Principal{}, nil, ErrUserInactive
	}
	return principal, claims, nil
}

// Principal resolves userID for a trusted caller.
func (s *Service) Principal(ctx context.Context, userID string) (Principal, error) {
	return s.resolver.Principal(ctx, userID)
}

// AuthenticateWithProvider signs a user in through an enterprise identity provider.
func (s *Service) AuthenticateWithProvider(ctx context.Context, in SSOInput) (Session, error) {
	provider := strings.ToLower(strings.TrimSpace(in.Provider))
	if provider == "" {
		return Session{}, fmt.Errorf("%w: provider is required", ErrInvalidInput)
	}
	tenant, err := s.resolveTenant(ctx, in.TenantID, in.TenantCode)
	if err != nil {
		return Session{}, err
	}
	if provider == "local" {
		return s.Login(ctx, LoginInput{Email: in.Email, Password: in.Password, TenantID: tenant.ID})
	}
	if s.providers == nil {
		return Session{}, ErrNotImplemented
	}

	info, err := s.providers.Authenticate(ctx, tenant.ID, provider, Credentials{
		Email:     normalizeEmail(in.Email),
		Password:  in.Password,
		Assertion: in.Assertion,
	})
	if err != nil {
		obs.ObserveAuthAttempt(provider, OutcomeFailure)
		s.LogAuthEvent(ctx, "", provider, OutcomeFailure, tenant.ID, err.Error())
		if errors.Is(err, ErrInvalidInput) {
			return Session{}, err
		}
		return Session{}, fmt.Errorf("%w: %s", ErrAuthenticationFailed, provider)
	}
	if info.Provider != "" {
		provider = info.Provider
	}

	mappings, err := s.store.RoleMappings(ctx, tenant.ID, provider)
	if err != nil {
		return Session{}, err
	}
	roles := s.resolver.MapEnterpriseRoles(info.Roles, mappings)
	roles = s.resolver.ValidateRoles(ctx, roles, tenant.ID)

	user, err := s.getOrCreateUser(ctx, tenant.ID, provider, info)
	if err != nil {
		return Session{}, err
	}
	now := s.now().UTC()
	if user.LockedAt(now) {
		return Session{}, &AccountLockedError{Until: *user.LockedUntil}
	}
	if user.Status != StatusActive {
		return Session{}, ErrUserInactive
	}
	if err := s.store.ReplaceAssignments(ctx, user.ID, tenant.ID, roles, "sso:"+provider); err != nil {
		return Session{}, fmt.Errorf("auth: sync roles: %w", err)
	}
	sess, err := s.startSession(ctx, user.ID)
	if err != nil {
		return Session{}, err
	}
	obs.ObserveAuthAttempt(provider, OutcomeSuccess)
	s.LogAuthEvent(ctx, user.ID, provider, OutcomeSuccess, tenant.ID, "")
	return sess, nil
}

// LogAuthEvent records an authentication attempt.
func (s *Service) LogAuthEvent(ctx context.Context, userID, provider, status, tenantID, errMsg string) {
	s.record(ctx, SecurityEvent{
		Type:     EventSSO,
		UserID:   userID,
		TenantID: tenantID,
		Provider: provider,
		Outcome:  status,
		Reason:   errMsg,
	})
}

func (s *Service) getOrCreateUser(ctx context.Context, tenantID, provider string, info UserInfo) (User, error) {
	email := normalizeEmail(info.Email)
	if email == "" {
		return User{}, fmt.Errorf("%w: provider returned no email", ErrAuthenticationFailed)
	}
	user, err := s.store.FindUserByEmail(ctx, tenantID, email)
	switch {
	case err == nil:
		if user.Provider != provider || user.ExternalID != info.ID {
			if err := s.store.UpdateProviderIdentity(ctx, user.ID, provider, info.ID, s.now().UTC()); err != nil {
				return User{}, err
			}
			user.Provider, user.ExternalID = provider, info.ID
		}
		return user, nil
	case errors.Is(err, ErrNotFound):
		first, last := splitName(info.Name)
		return s.store.CreateUser(ctx, NewUser{
			TenantID:   tenantID,
			Email:      email,
			FirstName:  first,
			LastName:   last,
			Provider:   provider,
			ExternalID: info.ID,
		})
	default:
		return User{}, err
	}
}

// startSession resolves the principal, issues tokens and persists the refresh hash.
func (s *Service) startSession(ctx context.Context, userID string) (Session, error) {
	principal, err := s.resolver.Principal(ctx, userID)
	if err != nil {
		return Session{}, err
	}
	if principal.Status != StatusActive {
		return Session{}, ErrUserInactive
	}
	pair, hash, err := s.tokens.Issue(principal)
	if err != nil {
		return Session{}, err
	}
	if err := s.store.StoreSession(ctx, userID, hash, pair.RefreshExpiresAt, s.now().UTC()); err != nil {
		return Session{}, err
	}
	return Session{Tokens: pair, Principal: principal}, nil
}

func (s *Service) resolveTenant(ctx context.Context, id, code string) (Tenant, error) {
	id, code = strings.TrimSpace(id), strings.TrimSpace(code)
	var (
		tenant Tenant
		err    error
	)
	switch {
	case id != "":
		tenant, err = s.store.Tenant(ctx, id)
	case code != "":
		tenant, err = s.store.TenantByCode(ctx, code)
	default:
		tenant, err = s.store.TenantByCode(ctx, DefaultTenantCode)
	}
	if errors.Is(err, ErrNotFound) {
		return Tenant{}, fmt.Errorf("%w: tenant not found", ErrInvalidInput)
	}
	if err != nil {
		return Tenant{}, err
	}
	if !tenant.Active {
		return Tenant{}, fmt.Errorf("%w: tenant is inactive", ErrInvalidInput)
	}
	return tenant, nil
}

func (s *Service) loginFailed(ctx context.Context, userID, tenantID, reason string) {
	obs.ObserveAuthAttempt("local", OutcomeFailure)
	s.record(ctx, SecurityEvent{Type: EventLoginFailed, UserID: userID, TenantID: tenantID, Provider: "local", Outcome: OutcomeFailure, Reason: reason})
}

func (s *Service) record(ctx context.Context, ev SecurityEvent) {
	if ev.ID == "" {
		ev.ID = ids.New()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = s.now().UTC()
	}
	s.events.Record(ctx, ev)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func splitName(name string) (first, last string) {
	name = strings.TrimSpace(name)
	first, last, _ = strings.Cut(name, " ")
	return first, strings.TrimSpace(last)
}
