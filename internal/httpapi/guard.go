package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"shahin-ai.com/grc-auth/internal/auth"
	"shahin-ai.com/grc-auth/internal/obs"
)

const (
	authHeader         = "Authorization"
	bearer             = "Bearer "
	tenantHeader       = "X-Tenant-ID"
	serviceTokenHeader = "X-Service-Token"
	accessCookie       = "accessToken"
	refreshCookie      = "refreshToken"
)

// GuardService is the part of auth.Service the request guards depend on.
type GuardService interface {
	AuthenticateToken(ctx context.Context, raw string) (auth.Principal, *auth.Claims, error)
	ActiveTenant(ctx context.Context, id string) (auth.TenantContext, error)
	RecordDenial(ctx context.Context, p auth.Principal, kind error, required string, details map[string]any)
	RecordTenantSpoof(ctx context.Context, p auth.Principal, claimed string)
}

// ResourceLookup loads the ownership view of the resource a request targets.
// It returns auth.ErrNotFound when the resource does not exist.
type ResourceLookup func(r *http.Request) (auth.Resource, error)

// Guard builds the authentication and authorization middleware chain.
type Guard struct {
	svc          GuardService
	serviceToken string
}

// NewGuard returns a Guard. An empty serviceToken rejects every service call.
func NewGuard(svc GuardService, serviceToken string) *Guard {
	return &Guard{svc: svc, serviceToken: serviceToken}
}

// AuthenticateToken requires a valid access token and attaches the freshly
// resolved principal to the request.
func (g *Guard) AuthenticateToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, err := g.authenticate(r)
		if err != nil {
			obs.ObserveDecision("authenticate", false)
			writeError(w, r, err)
			return
		}
		obs.ObserveDecision("authenticate", true)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// OptionalAuth attaches the principal when a valid token is present and
// otherwise continues anonymously.
func (g *Guard) OptionalAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ctx, err := g.authenticate(r); err == nil {
			r = r.WithContext(ctx)
		}
		next.ServeHTTP(w, r)
	})
}

func (g *Guard) authenticate(r *http.Request) (context.Context, error) {
	token, err := tokenFromRequest(r)
	if err != nil {
		return nil, err
	}
	p, claims, err := g.svc.AuthenticateToken(r.Context(), token)
	if err != nil {
		return nil, err
	}
	ctx := auth.ContextWithPrincipal(r.Context(), p)
	ctx = auth.ContextWithClaims(ctx, claims)
	return ctx, nil
}

// RequireRole admits principals holding one of roles. Roles come from the
// store, never from token claims.
func (g *Guard) RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if auth.IsServiceRequest(r.Context()) {
				next.ServeHTTP(w, r)
				return
			}
			p, ok := auth.PrincipalFromContext(r.Context())
			if !ok {
				writeError(w, r, auth.ErrAuthenticationRequired)
				return
			}
			if p.HasRole(roles...) {
				obs.ObserveDecision("role", true)
				next.ServeHTTP(w, r)
				return
			}
			obs.ObserveDecision("role", false)
			details := map[string]any{
				"requiredRoles": roles,
				"userRole":      p.Role,
				"userRoles":     p.Roles,
			}
			g.svc.RecordDenial(r.Context(), p, auth.ErrInsufficientPermissions, "role:"+strings.Join(roles, "|"), details)
			writeError(w, r, &auth.DenialError{Kind: auth.ErrInsufficientPermissions, Message: "insufficient role", Details: details})
		})
	}
}

// RequireTenantAccess attaches the caller's tenant. A client X-Tenant-ID that
// disagrees with the stored tenant is ignored and audited. Service requests
// must name an active tenant in X-Tenant-ID.
func (g *Guard) RequireTenantAccess(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		claimed := strings.TrimSpace(r.Header.Get(tenantHeader))
		if auth.IsServiceRequest(ctx) {
			if claimed == "" {
				writeError(w, r, fmt.Errorf("%w: %s header is required", auth.ErrInvalidInput, tenantHeader))
				return
			}
			tenant, err := g.svc.ActiveTenant(ctx, claimed)
			if err != nil {
				writeError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.ContextWithTenant(ctx, tenant)))
			return
		}
		p, ok := auth.PrincipalFromContext(ctx)
		if !ok {
			writeError(w, r, auth.ErrAuthenticationRequired)
			return
		}
		if claimed != "" && claimed != p.TenantID {
			g.svc.RecordTenantSpoof(ctx, p, claimed)
			obs.Ctx(ctx).Warn().Str("user_id", p.UserID).Str("claimed_tenant", claimed).Msg("tenant header ignored")
		}
		if p.Tenant != nil {
			ctx = auth.ContextWithTenant(ctx, *p.Tenant)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireTenantMatch denies access when the {param} path value names a tenant
// other than the caller's. Super admins may address any tenant.
func (g *Guard) RequireTenantMatch(param string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			target := r.PathValue(param)
			if auth.IsServiceRequest(ctx) {
				tenant, ok := auth.TenantFromContext(ctx)
				if !ok || tenant.ID != target {
					obs.ObserveDecision("tenant", false)
					writeError(w, r, &auth.DenialError{
						Kind:    auth.ErrInsufficientPermissions,
						Message: "service request is scoped to another tenant",
						Details: map[string]any{"requiredTenant": target},
					})
					return
				}
				next.ServeHTTP(w, r)
				return
			}
			p, ok := auth.PrincipalFromContext(ctx)
			if !ok {
				writeError(w, r, auth.ErrAuthenticationRequired)
				return
			}
			if p.IsSuperAdmin() || target == p.TenantID {
				obs.ObserveDecision("tenant", true)
				next.ServeHTTP(w, r)
				return
			}
			obs.ObserveDecision("tenant", false)
			details := map[string]any{
				"requiredTenant": target,
				"userTenant":     p.TenantID,
				"userRole":       p.Role,
				"userRoles":      p.Roles,
			}
			g.svc.RecordDenial(ctx, p, auth.ErrInsufficientPermissions, "tenant:"+target, details)
			writeError(w, r, &auth.DenialError{
				Kind:    auth.ErrInsufficientPermissions,
				Message: "access to another tenant is not allowed",
				Details: details,
			})
		})
	}
}

// RequirePermission admits principals granted permission ("resource:action").
func (g *Guard) RequirePermission(permission string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if auth.IsServiceRequest(r.Context()) {
				next.ServeHTTP(w, r)
				return
			}
			p, ok := auth.PrincipalFromContext(r.Context())
			if !ok {
				writeError(w, r, auth.ErrAuthenticationRequired)
				return
			}
			if p.Can(permission) {
				obs.ObserveDecision("permission", true)
				next.ServeHTTP(w, r)
				return
			}
			obs.ObserveDecision("permission", false)
			details := map[string]any{
				"requiredPermission": permission,
				"userPermissions":    p.Permissions.List(),
				"userRoles":          p.Roles,
			}
			g.svc.RecordDenial(r.Context(), p, auth.ErrPermissionDenied, permission, details)
			writeError(w, r, &auth.DenialError{Kind: auth.ErrPermissionDenied, Message: "missing permission " + permission, Details: details})
		})
	}
}

// RequireResourceOwnership loads the target resource and applies the
// ownership, tenant, project and partner-sharing rules for action.
func (g *Guard) RequireResourceOwnership(lookup ResourceLookup, action string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			service := auth.IsServiceRequest(ctx)
			tenant, scoped := auth.TenantFromContext(ctx)
			// Service callers skip user RBAC but stay inside the tenant RequireTenantAccess attached.
			if service && !scoped {
				obs.ObserveDecision("ownership", false)
				writeError(w, r, &auth.DenialError{Kind: auth.ErrInsufficientPermissions, Message: "service request has no tenant scope"})
				return
			}
			res, err := lookup(r)
			if err != nil {
				writeError(w, r, err)
				return
			}
			if service {
				if tenant.ID != res.TenantID {
					obs.ObserveDecision("ownership", false)
					writeError(w, r, auth.ErrNotFound)
					return
				}
				obs.ObserveDecision("ownership", true)
				next.ServeHTTP(w, r)
				return
			}
			p, ok := auth.PrincipalFromContext(ctx)
			if !ok {
				writeError(w, r, auth.ErrAuthenticationRequired)
				return
			}
			err = auth.CheckResourceAccess(p, res, action)
			if err == nil {
				obs.ObserveDecision("ownership", true)
				next.ServeHTTP(w, r)
				return
			}
			obs.ObserveDecision("ownership", false)
			var denial *auth.DenialError
			if errors.As(err, &denial) {
				g.svc.RecordDenial(ctx, p, denial.Kind, res.Type+":"+action, denial.Details)
			}
			writeError(w, r, err)
		})
	}
}

// AuthenticateServiceToken admits inter-service callers presenting the
// configured X-Service-Token.
func (g *Guard) AuthenticateServiceToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := g.checkServiceToken(r.Header.Get(serviceTokenHeader)); err != nil {
			obs.ObserveDecision("service_token", false)
			obs.Ctx(r.Context()).Warn().Err(err).Str("remote_ip", clientIP(r)).Msg("service token rejected")
			writeError(w, r, err)
			return
		}
		obs.ObserveDecision("service_token", true)
		next.ServeHTTP(w, r.WithContext(auth.ContextWithService(r.Context())))
	})
}

func (g *Guard) checkServiceToken(presented string) error {
	presented = strings.TrimSpace(presented)
	if presented == "" {
		return auth.ErrServiceTokenRequired
	}
	if g.serviceToken == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(g.serviceToken)) != 1 {
		return auth.ErrInvalidServiceToken
	}
	return nil
}

// tokenFromRequest prefers the accessToken cookie over the Authorization header.
func tokenFromRequest(r *http.Request) (string, error) {
	if c, err := r.Cookie(accessCookie); err == nil && strings.TrimSpace(c.Value) != "" {
		return strings.TrimSpace(c.Value), nil
	}
	return extractBearerToken(r.Header.Get(authHeader))
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", auth.ErrAuthenticationRequired
	}
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", fmt.Errorf("%w: unsupported authorization scheme", auth.ErrInvalidToken)
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", auth.ErrAuthenticationRequired
	}
	return token, nil
}

// chain applies middleware so that the first argument runs first.
func chain(h http.Handler, mw ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	return h
}
