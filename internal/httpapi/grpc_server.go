package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"

	"shahin-ai.com/grc-auth/internal/auth"
	"shahin-ai.com/grc-auth/internal/obs"
)

const healthMethodPrefix = "/grpc.health.v1.Health/"

type readinessChecker interface {
	Check(ctx context.Context) error
}

// GRPCServer implements grpc.health.v1 on top of the readiness probe.
type GRPCServer struct {
	healthpb.UnimplementedHealthServer

	readiness readinessChecker
}

// NewGRPCServer creates the health service.
func NewGRPCServer(r readinessChecker) *GRPCServer {
	return &GRPCServer{readiness: r}
}

// Register attaches the health service to s.
func (s *GRPCServer) Register(srv *grpc.Server) {
	healthpb.RegisterHealthServer(srv, s)
}

// Check evaluates readiness. The empty service name and grc-auth are known.
func (s *GRPCServer) Check(ctx context.Context, req *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	if svc := req.GetService(); svc != "" && svc != serviceName {
		return nil, status.Errorf(codes.NotFound, "unknown service %q", svc)
	}
	if err := s.readiness.Check(ctx); err != nil {
		obs.Ctx(ctx).Warn().Err(err).Msg("grpc readiness check failed")
		return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_NOT_SERVING}, nil
	}
	return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_SERVING}, nil
}

// UnaryAuth authenticates gRPC calls from a bearer token or an
// x-service-token in metadata. Health checks are exempt.
func (g *Guard) UnaryAuth() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if strings.HasPrefix(info.FullMethod, healthMethodPrefix) {
			return handler(ctx, req)
		}
		ctx, err := g.authenticateRPC(ctx)
		if err != nil {
			obs.ObserveDecision("grpc_authenticate", false)
			return nil, grpcError(err)
		}
		obs.ObserveDecision("grpc_authenticate", true)
		return handler(ctx, req)
	}
}

func (g *Guard) authenticateRPC(ctx context.Context) (context.Context, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	first := func(key string) string {
		if v := md.Get(key); len(v) > 0 {
			return strings.TrimSpace(v[0])
		}
		return ""
	}
	if presented := first(strings.ToLower(serviceTokenHeader)); presented != "" {
		if err := g.checkServiceToken(presented); err != nil {
			return nil, err
		}
		ctx = auth.ContextWithService(ctx)
		if tenantID := first(strings.ToLower(tenantHeader)); tenantID != "" {
			tenant, err := g.svc.ActiveTenant(ctx, tenantID)
			if err != nil {
				return nil, err
			}
			ctx = auth.ContextWithTenant(ctx, tenant)
		}
		return ctx, nil
	}
	token, err := extractBearerToken(first(strings.ToLower(authHeader)))
	if err != nil {
		return nil, err
	}
	p, claims, err := g.svc.AuthenticateToken(ctx, token)
	if err != nil {
		return nil, err
	}
	ctx = auth.ContextWithPrincipal(ctx, p)
	ctx = auth.ContextWithClaims(ctx, claims)
	if p.Tenant != nil {
		ctx = auth.ContextWithTenant(ctx, *p.Tenant)
	}
	return ctx, nil
}

// UnaryRequirePermission checks the permission mapped to each full method
// name. Methods without an entry pass through. Must run after UnaryAuth.
func (g *Guard) UnaryRequirePermission(perms map[string]string) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		required, ok := perms[info.FullMethod]
		if !ok || auth.IsServiceRequest(ctx) {
			return handler(ctx, req)
		}
		p, ok := auth.PrincipalFromContext(ctx)
		if !ok {
			return nil, grpcError(auth.ErrAuthenticationRequired)
		}
		if p.Can(required) {
			obs.ObserveDecision("grpc_permission", true)
			return handler(ctx, req)
		}
		obs.ObserveDecision("grpc_permission", false)
		details := map[string]any{
			"requiredPermission": required,
			"userPermissions":    p.Permissions.List(),
			"userRoles":          p.Roles,
		}
		g.svc.RecordDenial(ctx, p, auth.ErrPermissionDenied, required, details)
		return nil, grpcError(&auth.DenialError{Kind: auth.ErrPermissionDenied, Message: "missing permission " + required, Details: details})
	}
}

// grpcError converts a domain error into a status carrying ErrorInfo and,
// for lockouts, RetryInfo.
func grpcError(err error) error {
	httpStatus, body := errorBody(err)
	code := codes.Internal
	switch httpStatus {
	case http.StatusUnauthorized, http.StatusLocked:
		code = codes.Unauthenticated
	case http.StatusForbidden:
		code = codes.PermissionDenied
	case http.StatusBadRequest:
		code = codes.InvalidArgument
	case http.StatusNotFound:
		code = codes.NotFound
	case http.StatusConflict:
		code = codes.AlreadyExists
	case http.StatusNotImplemented:
		code = codes.Unimplemented
	}
	st := status.New(code, body.Message)

	info := &errdetails.ErrorInfo{Reason: body.Error, Domain: serviceName}
	if len(body.Details) > 0 {
		keys := make([]string, 0, len(body.Details))
		for k := range body.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		info.Metadata = make(map[string]string, len(keys))
		for _, k := range keys {
			info.Metadata[k] = fmt.Sprint(body.Details[k])
		}
	}
	var (
		withDetails *status.Status
		derr        error
	)
	var locked *auth.AccountLockedError
	if errors.As(err, &locked) {
		delay := max(time.Until(locked.Until).Round(time.Second), 0)
		retry := &errdetails.RetryInfo{RetryDelay: durationpb.New(delay)}
		withDetails, derr = st.WithDetails(info, retry)
	} else {
		withDetails, derr = st.WithDetails(info)
	}
	if derr != nil {
		return st.Err()
	}
	return withDetails.Err()
}
