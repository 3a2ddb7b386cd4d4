package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Authentication and authorization metrics.
var (
	authAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grc_auth_attempts_total",
			Help: "Authentication attempts by provider and outcome.",
		},
		[]string{"provider", "outcome"},
	)

	authLockouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "grc_auth_lockouts_total",
		Help: "Accounts locked after repeated failed logins.",
	})

	authzDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grc_authz_decisions_total",
			Help: "Authorization decisions by check and outcome.",
		},
		[]string{"check", "outcome"},
	)

	providerBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "grc_provider_breaker_state",
			Help: "Identity provider circuit breaker state per tenant (0 closed, 1 half-open, 2 open).",
		},
		[]string{"tenant_id", "provider"},
	)
)

var registerOnce sync.Once

// Init registers metrics in the default registry.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			authAttempts, authLockouts, authzDecisions, providerBreakerState,
		)
	})
}

// Handler exposes the Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveAuthAttempt counts one authentication attempt.
func ObserveAuthAttempt(provider, outcome string) {
	authAttempts.WithLabelValues(provider, outcome).Inc()
}

// ObserveLockout counts one account lockout.
func ObserveLockout() {
	authLockouts.Inc()
}

// ObserveDecision counts one guard decision.
func ObserveDecision(check string, allowed bool) {
	outcome := "deny"
	if allowed {
		outcome = "allow"
	}
	authzDecisions.WithLabelValues(check, outcome).Inc()
}

// SetBreakerState records the breaker state of provider for tenantID.
func SetBreakerState(tenantID, provider string, state int) {
	providerBreakerState.WithLabelValues(tenantID, provider).Set(float64(state))
}

// Instrument measures request rate, latency and concurrency.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		status := strconv.Itoa(sw.code)
		httpRequestDuration.WithLabelValues(method, path, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	})
}

var staticSegments = map[string]struct{}{
	"auth": {}, "register": {}, "login": {}, "refresh": {}, "logout": {}, "me": {},
	"change-password": {}, "permissions": {}, "sso": {},
	"local": {}, "ldap": {}, "oauth": {}, "azure_ad": {}, "okta": {}, "saml": {},
	"admin": {}, "tenants": {}, "users": {}, "roles": {}, "unlock": {},
	"role-mappings": {}, "security-events": {}, "internal": {}, "principals": {},
	"healthz": {}, "readyz": {}, "metrics": {}, "v1": {}, "info": {},
}

// CanonicalPath collapses identifiers in path so metric label cardinality stays bounded.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" || path == "/" {
		return "/"
	}
	segments := strings.Split(strings.Trim(path, "/"), "/")
	for i, seg := range segments {
		if _, ok := staticSegments[seg]; ok {
			continue
		}
		segments[i] = ":id"
	}
	return "/" + strings.Join(segments, "/")
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
