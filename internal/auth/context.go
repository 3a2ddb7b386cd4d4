package auth

import "context"

type principalKey struct{}
type claimsKey struct{}
type tenantKey struct{}
type serviceKey struct{}

// ContextWithPrincipal stores the resolved principal.
func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext returns the principal stored by ContextWithPrincipal.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	if ctx == nil {
		return Principal{}, false
	}
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// ContextWithClaims stores the verified token claims.
func ContextWithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, c)
}

// ClaimsFromContext returns the verified token claims, if any.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	if ctx == nil {
		return nil, false
	}
	c, ok := ctx.Value(claimsKey{}).(*Claims)
	return c, ok && c != nil
}

// ContextWithTenant stores the resolved tenant.
func ContextWithTenant(ctx context.Context, t TenantContext) context.Context {
	return context.WithValue(ctx, tenantKey{}, t)
}

// TenantFromContext returns the tenant stored by ContextWithTenant.
func TenantFromContext(ctx context.Context) (TenantContext, bool) {
	if ctx == nil {
		return TenantContext{}, false
	}
	t, ok := ctx.Value(tenantKey{}).(TenantContext)
	return t, ok
}

// ContextWithService marks ctx as an authenticated inter-service request.
func ContextWithService(ctx context.Context) context.Context {
	return context.WithValue(ctx, serviceKey{}, true)
}

// IsServiceRequest reports whether ctx belongs to an inter-service request.
func IsServiceRequest(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	v, _ := ctx.Value(serviceKey{}).(bool)
	return v
}

// UserIDFromContext returns the authenticated user id.
func UserIDFromContext(ctx context.Context) (string, bool) {
	p, ok := PrincipalFromContext(ctx)
	if !ok || p.UserID == "" {
		return "", false
	}
	return p.UserID, true
}
