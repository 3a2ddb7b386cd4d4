// Package httpapi exposes the authentication and administration endpoints and
// the request guards shared with domain handlers.
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"shahin-ai.com/grc-auth/internal/auth"
	"shahin-ai.com/grc-auth/internal/obs"
)

const (
	serviceName         = "grc-auth"
	defaultMaxBodyBytes = 1 << 20
)

// Pinger is a dependency whose health gates readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe checks every named dependency.
type ReadyProbe struct {
	Deps map[string]Pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	names := make([]string, 0, len(rp.Deps))
	for name := range rp.Deps {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := rp.Deps[name].Ping(ctx); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// API is the HTTP layer.
type API struct {
	mux   *http.ServeMux
	svc   *auth.Service
	guard *Guard

	readyProbe    ReadyProbe
	version       string
	serviceToken  string
	secureCookies bool
	maxBodyBytes  int64
	corsOrigins   []string
	ratePerSec    float64
	rateBurst     int
	loginLimit    int
	loginWindow   time.Duration
}

// Option configures the API.
type Option func(*API)

// WithReadyProbe sets the dependencies checked by /readyz.
func WithReadyProbe(rp ReadyProbe) Option { return func(a *API) { a.readyProbe = rp } }

// WithVersion sets the version reported by /v1/info.
func WithVersion(v string) Option { return func(a *API) { a.version = v } }

// WithServiceToken enables X-Service-Token authentication on internal routes.
func WithServiceToken(token string) Option { return func(a *API) { a.serviceToken = token } }

// WithSecureCookies marks session cookies Secure and enables HSTS.
func WithSecureCookies(secure bool) Option { return func(a *API) { a.secureCookies = secure } }

// WithMaxBodyBytes bounds request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(a *API) {
		if n > 0 {
			a.maxBodyBytes = n
		}
	}
}

// WithCORSOrigins lists origins allowed to send credentialed requests.
func WithCORSOrigins(origins []string) Option { return func(a *API) { a.corsOrigins = origins } }

// WithRateLimit sets the per-IP token bucket applied to every route.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(a *API) { a.ratePerSec, a.rateBurst = perSecond, burst }
}

// WithCredentialRateLimit sets the stricter per-IP window on login, register and SSO.
func WithCredentialRateLimit(requests int, window time.Duration) Option {
	return func(a *API) { a.loginLimit, a.loginWindow = requests, window }
}

// New wires routes for svc.
func New(svc *auth.Service, opts ...Option) *API {
	a := &API{
		mux:          http.NewServeMux(),
		svc:          svc,
		maxBodyBytes: defaultMaxBodyBytes,
		ratePerSec:   50,
		rateBurst:    100,
		loginLimit:   10,
		loginWindow:  time.Minute,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.guard = NewGuard(svc, a.serviceToken)
	a.routes()
	return a
}

// Guard exposes the request guards for domain handlers mounted next to the API.
func (a *API) Guard() *Guard { return a.guard }

// Handle mounts a domain handler on the API mux.
func (a *API) Handle(pattern string, h http.Handler) { a.mux.Handle(pattern, h) }

func (a *API) routes() {
	g := a.guard
	credentials := CredentialRateLimit(a.loginLimit, a.loginWindow)
	authed := func(h http.HandlerFunc, mw ...func(http.Handler) http.Handler) http.Handler {
		return chain(h, append([]func(http.Handler) http.Handler{g.AuthenticateToken, g.RequireTenantAccess}, mw...)...)
	}

	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.HandleFunc("GET /v1/info", a.Info)
	a.mux.Handle("GET /metrics", obs.Handler())

	a.mux.Handle("POST /auth/register", credentials(http.HandlerFunc(a.handleRegister)))
	a.mux.Handle("POST /auth/login", credentials(http.HandlerFunc(a.handleLogin)))
	a.mux.Handle("POST /auth/sso/{provider}", credentials(http.HandlerFunc(a.handleSSO)))
	a.mux.HandleFunc("POST /auth/refresh", a.handleRefresh)
	a.mux.Handle("POST /auth/logout", authed(a.handleLogout))
	a.mux.Handle("GET /auth/me", authed(a.handleMe))
	a.mux.Handle("POST /auth/change-password", authed(a.handleChangePassword))
	a.mux.Handle("GET /auth/permissions", authed(a.handlePermissions))

	a.mux.Handle("GET /admin/tenants/{tenantID}/users",
		authed(a.handleListTenantUsers, g.RequirePermission("user:read"), g.RequireTenantMatch("tenantID")))
	a.mux.Handle("POST /admin/users/{userID}/roles",
		authed(a.handleAssignRole, g.RequirePermission("user:assign-roles")))
	a.mux.Handle("DELETE /admin/users/{userID}/roles/{role}",
		authed(a.handleRevokeRole, g.RequirePermission("user:assign-roles")))
	a.mux.Handle("POST /admin/users/{userID}/unlock",
		authed(a.handleUnlockUser, g.RequirePermission("user:edit")))
	a.mux.Handle("PUT /admin/role-mappings",
		authed(a.handleRoleMapping, g.RequirePermission("settings:manage")))
	a.mux.Handle("GET /admin/security-events",
		authed(a.handleSecurityEvents, g.RequirePermission("audit:read")))

	a.mux.Handle("GET /internal/tenants/{tenantID}/principals/{userID}", chain(
		http.HandlerFunc(a.handleInternalPrincipal),
		g.AuthenticateServiceToken, g.RequireTenantAccess, g.RequireTenantMatch("tenantID"),
	))

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, auth.ErrNotFound)
	})
}

// Handler returns the fully wrapped http.Handler.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = MaxBodyBytes(h, a.maxBodyBytes)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = CORS(a.corsOrigins)(h)
	h = SecurityHeaders(a.secureCookies)(h)
	h = ClientInfo(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.readyProbe.Check(ctx); err != nil {
		obs.Ctx(ctx).Warn().Err(err).Msg("readiness check failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}
