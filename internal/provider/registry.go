package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/sync/singleflight"

	"shahin-ai.com/grc-auth/internal/auth"
	"shahin-ai.com/grc-auth/internal/obs"
)

// Authenticator verifies credentials against one kind of identity source.
type Authenticator interface {
	Authenticate(ctx context.Context, creds auth.Credentials, cfg Config) (auth.UserInfo, error)
}

// ConfigSource returns the stored per-tenant settings of a provider. It
// returns auth.ErrNotFound when the tenant has none.
type ConfigSource interface {
	ProviderConfig(ctx context.Context, tenantID, provider string) (map[string]string, error)
}

// BreakerSettings tunes the circuit breaker kept per tenant and provider.
// Tenants point at their own identity systems, so one tenant's outage
// never trips another tenant's breaker.
type BreakerSettings struct {
	// ConsecutiveFailures trips the breaker.
	ConsecutiveFailures uint32
	// OpenFor is how long the breaker rejects calls before probing again.
	OpenFor time.Duration
}

// DefaultBreakerSettings trips after five consecutive outages.
var DefaultBreakerSettings = BreakerSettings{ConsecutiveFailures: 5, OpenFor: 30 * time.Second}

// Registry dispatches authentication requests to the configured provider
// kind. It implements auth.IdentityProvider.
type Registry struct {
	source   ConfigSource
	defaults map[Kind]Config
	impls    map[Kind]Authenticator
	breakers sync.Map // tenantID + "/" + kind -> *gobreaker.CircuitBreaker[auth.UserInfo]
	settings BreakerSettings
	group    singleflight.Group
}

// RegistryOption customises a Registry.
type RegistryOption func(*Registry)

// WithDefaults sets process-wide settings used when a tenant leaves a field empty.
func WithDefaults(defaults map[Kind]Config) RegistryOption {
	return func(r *Registry) {
		for k, c := range defaults {
			r.defaults[k] = c
		}
	}
}

// WithAuthenticator replaces the implementation for kind.
func WithAuthenticator(kind Kind, a Authenticator) RegistryOption {
	return func(r *Registry) {
		r.impls[kind] = a
	}
}

// WithBreakerSettings overrides DefaultBreakerSettings.
func WithBreakerSettings(s BreakerSettings) RegistryOption {
	return func(r *Registry) {
		r.settings = s
	}
}

// NewRegistry wires the built-in providers. local authenticates against the
// user store; LDAP, OAuth and SAML use their default implementations unless
// replaced with WithAuthenticator.
func NewRegistry(source ConfigSource, local Authenticator, opts ...RegistryOption) *Registry {
	r := &Registry{
		source:   source,
		defaults: map[Kind]Config{},
		impls: map[Kind]Authenticator{
			KindLocal: local,
			KindLDAP:  NewLDAP(nil),
			KindOAuth: NewOAuth(nil),
			KindSAML:  NewSAML(nil),
		},
		settings: DefaultBreakerSettings,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// breaker returns the breaker guarding kind for tenantID. The local provider
// has none.
func (r *Registry) breaker(tenantID string, kind Kind) *gobreaker.CircuitBreaker[auth.UserInfo] {
	if kind == KindLocal {
		return nil
	}
	key := tenantID + "/" + kind.String()
	if b, ok := r.breakers.Load(key); ok {
		return b.(*gobreaker.CircuitBreaker[auth.UserInfo])
	}
	b, _ := r.breakers.LoadOrStore(key, newBreaker(tenantID, kind, r.settings))
	return b.(*gobreaker.CircuitBreaker[auth.UserInfo])
}

func newBreaker(tenantID string, kind Kind, s BreakerSettings) *gobreaker.CircuitBreaker[auth.UserInfo] {
	return gobreaker.NewCircuitBreaker[auth.UserInfo](gobreaker.Settings{
		Name:        tenantID + "/" + kind.String(),
		MaxRequests: 1,
		Timeout:     s.OpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.ConsecutiveFailures
		},
		// Rejected credentials say nothing about the provider's health.
		IsSuccessful: func(err error) bool {
			return err == nil || !isOutage(err)
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			obs.SetBreakerState(tenantID, kind.String(), int(to))
			obs.Logger().Warn().Str("tenant_id", tenantID).Str("provider", kind.String()).
				Str("from", from.String()).Str("to", to.String()).Msg("provider breaker state change")
		},
	})
}

func isOutage(err error) bool {
	return errors.Is(err, ErrDirectoryBind) ||
		errors.Is(err, ErrTokenExchange) ||
		errors.Is(err, ErrProviderUnavailable) ||
		errors.Is(err, context.DeadlineExceeded)
}

// Authenticate resolves the tenant's configuration for provider and verifies
// creds with it. The returned UserInfo names the canonical provider.
func (r *Registry) Authenticate(ctx context.Context, tenantID, provider string, creds auth.Credentials) (auth.UserInfo, error) {
	kind, err := ParseKind(provider)
	if err != nil {
		return auth.UserInfo{}, err
	}
	impl := r.impls[kind]
	if impl == nil {
		return auth.UserInfo{}, fmt.Errorf("%w: %s", ErrNotConfigured, kind)
	}
	cfg, err := r.config(ctx, tenantID, kind)
	if err != nil {
		return auth.UserInfo{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.timeout())
	defer cancel()

	call := func() (auth.UserInfo, error) {
		info, err := impl.Authenticate(ctx, creds, cfg)
		if err != nil && ctx.Err() != nil {
			return auth.UserInfo{}, fmt.Errorf("%w: %s: %v", ErrProviderUnavailable, kind, ctx.Err())
		}
		return info, err
	}

	var info auth.UserInfo
	if b := r.breaker(tenantID, kind); b != nil {
		info, err = b.Execute(call)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = fmt.Errorf("%w: %s: %v", ErrProviderUnavailable, kind, err)
		}
	} else {
		info, err = call()
	}
	if err != nil {
		obs.Ctx(ctx).Debug().Err(err).Str("provider", kind.String()).Str("tenant_id", tenantID).Msg("provider authentication failed")
		return auth.UserInfo{}, err
	}
	info.Provider = kind.String()
	return info, nil
}

// config merges the tenant's stored settings over the process defaults.
// Concurrent logins for the same tenant share one lookup.
func (r *Registry) config(ctx context.Context, tenantID string, kind Kind) (Config, error) {
	key := tenantID + "/" + kind.String()
	v, err, _ := r.group.Do(key, func() (any, error) {
		var stored Config
		if r.source != nil {
			m, err := r.source.ProviderConfig(ctx, tenantID, kind.String())
			switch {
			case err == nil:
				if stored, err = ConfigFromMap(m); err != nil {
					return Config{}, err
				}
			case errors.Is(err, auth.ErrNotFound):
			default:
				return Config{}, fmt.Errorf("provider: load %s config: %w", kind, err)
			}
		}
		cfg := stored.withDefaults(r.defaults[kind])
		if !cfg.configured(kind) {
			return Config{}, fmt.Errorf("%w: %s for tenant %s", ErrNotConfigured, kind, tenantID)
		}
		return cfg, nil
	})
	if err != nil {
		return Config{}, err
	}
	cfg := v.(Config)
	cfg.TenantID = tenantID
	return cfg, nil
}
