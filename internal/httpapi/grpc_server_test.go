package httpapi

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"shahin-ai.com/grc-auth/internal/auth"
)

const bufSize = 1024 * 1024

type probeFunc func(ctx context.Context) error

func (f probeFunc) Check(ctx context.Context) error { return f(ctx) }

func startBufGRPC(t *testing.T, srv *GRPCServer, opts ...grpc.ServerOption) (*grpc.ClientConn, func()) {
	t.Helper()

	listener := bufconn.Listen(bufSize)
	server := grpc.NewServer(opts...)
	srv.Register(server)

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			t.Logf("grpc serve error: %v", err)
		}
	}()

	dialer := func(ctx context.Context, _ string) (net.Conn, error) {
		return listener.Dial()
	}
	conn, err := grpc.DialContext(
		context.Background(),
		"bufnet",
		grpc.WithContextDialer(dialer),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial bufnet: %v", err)
	}

	cleanup := func() {
		server.GracefulStop()
		_ = conn.Close()
		_ = listener.Close()
	}
	return conn, cleanup
}

func TestGRPCHealth(t *testing.T) {
	var ready error
	srv := NewGRPCServer(probeFunc(func(context.Context) error { return ready }))
	h := newHarness(t)
	conn, cleanup := startBufGRPC(t, srv, grpc.ChainUnaryInterceptor(h.api.Guard().UnaryAuth()))
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client := healthpb.NewHealthClient(conn)

	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("unexpected status: %s", resp.GetStatus())
	}

	ready = errors.New("postgres down")
	resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{Service: serviceName})
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("expected NOT_SERVING, got %s", resp.GetStatus())
	}

	_, err = client.Check(ctx, &healthpb.HealthCheckRequest{Service: "ledger"})
	if status.Code(err) != codes.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func invoke(t *testing.T, ctx context.Context, interceptors []grpc.UnaryServerInterceptor, method string) (context.Context, error) {
	t.Helper()
	var seen context.Context
	handler := func(ctx context.Context, req any) (any, error) {
		seen = ctx
		return "ok", nil
	}
	info := &grpc.UnaryServerInfo{FullMethod: method}
	for i := len(interceptors) - 1; i >= 0; i-- {
		next, ic := handler, interceptors[i]
		handler = func(ctx context.Context, req any) (any, error) { return ic(ctx, req, info, next) }
	}
	_, err := handler(ctx, nil)
	return seen, err
}

func TestUnaryInterceptors(t *testing.T) {
	h := newHarness(t)
	h.user("t1", "ann@example.com", auth.RoleProjectMember)
	h.user("t1", "admin@example.com", auth.RoleOrgAdmin)
	g := h.api.Guard()
	const method = "/grc.v1.Admin/ListUsers"
	interceptors := []grpc.UnaryServerInterceptor{g.UnaryAuth(), g.UnaryRequirePermission(map[string]string{method: "user:read"})}
	withMD := func(kv ...string) context.Context {
		return metadata.NewIncomingContext(context.Background(), metadata.Pairs(kv...))
	}

	if _, err := invoke(t, context.Background(), interceptors, method); status.Code(err) != codes.Unauthenticated {
		t.Fatalf("missing credentials: %v", err)
	}

	ann := h.login("t1", "ann@example.com").Tokens.AccessToken
	_, err := invoke(t, withMD("authorization", "Bearer "+ann), interceptors, method)
	if status.Code(err) != codes.PermissionDenied {
		t.Fatalf("expected PermissionDenied, got %v", err)
	}
	info := errorInfo(t, err)
	if info.GetReason() != "permission_denied" || info.GetMetadata()["requiredPermission"] != "user:read" {
		t.Fatalf("unexpected error info %+v", info)
	}

	admin := h.login("t1", "admin@example.com").Tokens.AccessToken
	ctx, err := invoke(t, withMD("authorization", "Bearer "+admin), interceptors, method)
	if err != nil {
		t.Fatalf("admin call: %v", err)
	}
	if p, ok := auth.PrincipalFromContext(ctx); !ok || p.Role != auth.RoleOrgAdmin {
		t.Fatalf("principal not attached: %+v", p)
	}
	if tenant, ok := auth.TenantFromContext(ctx); !ok || tenant.ID != "t1" {
		t.Fatalf("tenant not attached: %+v", tenant)
	}

	ctx, err = invoke(t, withMD("x-service-token", testServiceToken, "x-tenant-id", "t2"), interceptors, method)
	if err != nil {
		t.Fatalf("service call: %v", err)
	}
	if !auth.IsServiceRequest(ctx) {
		t.Fatalf("service flag missing")
	}
	if _, err := invoke(t, withMD("x-service-token", "wrong"), interceptors, method); status.Code(err) != codes.Unauthenticated {
		t.Fatalf("bad service token: %v", err)
	}
	if _, err := invoke(t, withMD("x-service-token", testServiceToken, "x-tenant-id", "t3"), interceptors, method); status.Code(err) != codes.NotFound {
		t.Fatalf("inactive tenant: %v", err)
	}

	if _, err := invoke(t, context.Background(), interceptors, "/grpc.health.v1.Health/Check"); err != nil {
		t.Fatalf("health must be exempt: %v", err)
	}
}

func errorInfo(t *testing.T, err error) *errdetails.ErrorInfo {
	t.Helper()
	for _, d := range status.Convert(err).Details() {
		if info, ok := d.(*errdetails.ErrorInfo); ok {
			return info
		}
	}
	t.Fatalf("no ErrorInfo in %v", err)
	return nil
}

func TestGRPCErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		code   codes.Code
		reason string
	}{
		{auth.ErrInvalidToken, codes.Unauthenticated, "invalid_token"},
		{auth.ErrInsufficientPermissions, codes.PermissionDenied, "insufficient_permissions"},
		{auth.ErrInvalidInput, codes.InvalidArgument, "invalid_request"},
		{auth.ErrNotFound, codes.NotFound, "not_found"},
		{auth.ErrConflict, codes.AlreadyExists, "conflict"},
		{auth.ErrNotImplemented, codes.Unimplemented, "not_implemented"},
		{errors.New("boom"), codes.Internal, "internal_error"},
	}
	for _, tc := range cases {
		err := grpcError(tc.err)
		if status.Code(err) != tc.code {
			t.Fatalf("%v: code %s, want %s", tc.err, status.Code(err), tc.code)
		}
		if info := errorInfo(t, err); info.GetReason() != tc.reason || info.GetDomain() != serviceName {
			t.Fatalf("%v: unexpected info %+v", tc.err, info)
		}
	}

	locked := grpcError(&auth.AccountLockedError{Until: time.Now().Add(10 * time.Minute)})
	if status.Code(locked) != codes.Unauthenticated {
		t.Fatalf("lockout code %s", status.Code(locked))
	}
	var retry *errdetails.RetryInfo
	for _, d := range status.Convert(locked).Details() {
		if ri, ok := d.(*errdetails.RetryInfo); ok {
			retry = ri
		}
	}
	if retry == nil || retry.GetRetryDelay().AsDuration() <= 0 {
		t.Fatalf("expected RetryInfo, got %v", retry)
	}
}
