package provider

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-test/deep"

	"shahin-ai.com/grc-auth/internal/auth"
	"shahin-ai.com/grc-auth/internal/store/memory"
)

type fakeAuthenticator struct {
	calls atomic.Int32
	fn    func(ctx context.Context, creds auth.Credentials, cfg Config) (auth.UserInfo, error)
}

func (f *fakeAuthenticator) Authenticate(ctx context.Context, creds auth.Credentials, cfg Config) (auth.UserInfo, error) {
	f.calls.Add(1)
	return f.fn(ctx, creds, cfg)
}

func returning(info auth.UserInfo, err error) *fakeAuthenticator {
	return &fakeAuthenticator{fn: func(context.Context, auth.Credentials, Config) (auth.UserInfo, error) { return info, err }}
}

func TestParseKind(t *testing.T) {
	cases := map[string]Kind{"local": KindLocal, "LDAP": KindLDAP, "azure_ad": KindOAuth, "okta": KindOAuth, " saml ": KindSAML}
	for in, want := range cases {
		got, err := ParseKind(in)
		if err != nil || got != want {
			t.Fatalf("ParseKind(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseKind("kerberos"); !errors.Is(err, auth.ErrInvalidInput) || !errors.Is(err, ErrUnsupportedProvider) {
		t.Fatalf("expected unsupported provider, got %v", err)
	}
}

func TestConfigFromMap(t *testing.T) {
	cfg, err := ConfigFromMap(map[string]string{
		"url":          "ldaps://dc.example.com",
		"bindDN":       "cn=svc,dc=example,dc=com",
		"BASE-DN":      "dc=example,dc=com",
		"scopes":       "openid, profile",
		"timeout":      "3s",
		"unknown_knob": "ignored",
	})
	if err != nil {
		t.Fatalf("ConfigFromMap: %v", err)
	}
	want := Config{
		URL:     "ldaps://dc.example.com",
		BindDN:  "cn=svc,dc=example,dc=com",
		BaseDN:  "dc=example,dc=com",
		Scopes:  []string{"openid", "profile"},
		Timeout: 3 * time.Second,
	}
	if diff := deep.Equal(cfg, want); diff != nil {
		t.Fatalf("config: %v", diff)
	}
	if _, err := ConfigFromMap(map[string]string{"timeout": "soon"}); err == nil {
		t.Fatalf("expected duration error")
	}
}

func TestRegistryMergesTenantConfigOverDefaults(t *testing.T) {
	st := memory.New()
	st.SetProviderConfig("t1", "ldap", map[string]string{"url": "ldaps://tenant-dc"})
	var seen Config
	fake := &fakeAuthenticator{fn: func(_ context.Context, _ auth.Credentials, cfg Config) (auth.UserInfo, error) {
		seen = cfg
		return auth.UserInfo{Email: "ann@example.com"}, nil
	}}
	r := NewRegistry(st, nil,
		WithAuthenticator(KindLDAP, fake),
		WithDefaults(map[Kind]Config{KindLDAP: {URL: "ldap://default", BaseDN: "dc=example,dc=com"}}),
	)
	info, err := r.Authenticate(context.Background(), "t1", "ldap", auth.Credentials{Email: "ann@example.com", Password: "pw"})
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if info.Provider != "ldap" {
		t.Fatalf("provider = %q", info.Provider)
	}
	if seen.URL != "ldaps://tenant-dc" || seen.BaseDN != "dc=example,dc=com" || seen.TenantID != "t1" {
		t.Fatalf("unexpected merged config %+v", seen)
	}

	// t2 has no stored config and falls back to the defaults.
	if _, err := r.Authenticate(context.Background(), "t2", "ldap", auth.Credentials{}); err != nil {
		t.Fatalf("defaults only: %v", err)
	}
	if seen.URL != "ldap://default" {
		t.Fatalf("expected default url, got %+v", seen)
	}
}

func TestRegistryCanonicalProviderName(t *testing.T) {
	r := NewRegistry(nil, nil,
		WithAuthenticator(KindOAuth, returning(auth.UserInfo{Email: "a@b.c"}, nil)),
		WithDefaults(map[Kind]Config{KindOAuth: {TokenURL: "https://login/token", ClientID: "grc"}}),
	)
	info, err := r.Authenticate(context.Background(), "t1", "azure_ad", auth.Credentials{})
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if info.Provider != "oauth" {
		t.Fatalf("provider = %q", info.Provider)
	}
}

func TestRegistryNotConfigured(t *testing.T) {
	fake := returning(auth.UserInfo{}, nil)
	r := NewRegistry(memory.New(), nil, WithAuthenticator(KindSAML, fake))
	_, err := r.Authenticate(context.Background(), "t1", "saml", auth.Credentials{})
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if fake.calls.Load() != 0 {
		t.Fatalf("unconfigured provider must not be called")
	}
	if _, err := r.Authenticate(context.Background(), "t1", "kerberos", auth.Credentials{}); !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestRegistryBreakerOpensOnOutages(t *testing.T) {
	down := returning(auth.UserInfo{}, ErrDirectoryBind)
	r := NewRegistry(nil, nil,
		WithAuthenticator(KindLDAP, down),
		WithDefaults(map[Kind]Config{KindLDAP: {URL: "ldap://dc", BaseDN: "dc=x"}}),
		WithBreakerSettings(BreakerSettings{ConsecutiveFailures: 2, OpenFor: time.Hour}),
	)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := r.Authenticate(ctx, "t1", "ldap", auth.Credentials{}); !errors.Is(err, ErrDirectoryBind) {
			t.Fatalf("call %d: expected ErrDirectoryBind, got %v", i, err)
		}
	}
	if _, err := r.Authenticate(ctx, "t1", "ldap", auth.Credentials{}); !errors.Is(err, ErrProviderUnavailable) {
		t.Fatalf("expected open breaker, got %v", err)
	}
	if got := down.calls.Load(); got != 2 {
		t.Fatalf("open breaker must short-circuit, provider called %d times", got)
	}
}

func TestRegistryBreakersAreTenantScoped(t *testing.T) {
	fake := &fakeAuthenticator{fn: func(_ context.Context, _ auth.Credentials, cfg Config) (auth.UserInfo, error) {
		if cfg.TenantID == "t1" {
			return auth.UserInfo{}, ErrDirectoryBind
		}
		return auth.UserInfo{Email: "bob@beta.example"}, nil
	}}
	r := NewRegistry(nil, nil,
		WithAuthenticator(KindLDAP, fake),
		WithDefaults(map[Kind]Config{KindLDAP: {URL: "ldap://dc", BaseDN: "dc=x"}}),
		WithBreakerSettings(BreakerSettings{ConsecutiveFailures: 2, OpenFor: time.Hour}),
	)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, _ = r.Authenticate(ctx, "t1", "ldap", auth.Credentials{})
	}
	if _, err := r.Authenticate(ctx, "t1", "ldap", auth.Credentials{}); !errors.Is(err, ErrProviderUnavailable) {
		t.Fatalf("t1 breaker should be open, got %v", err)
	}

	info, err := r.Authenticate(ctx, "t2", "ldap", auth.Credentials{})
	if err != nil {
		t.Fatalf("t2 must not see t1's open breaker: %v", err)
	}
	if info.Email != "bob@beta.example" {
		t.Fatalf("unexpected info %+v", info)
	}
	if got := fake.calls.Load(); got != 3 {
		t.Fatalf("provider called %d times, want 2 for t1 and 1 for t2", got)
	}
}

func TestRegistryBadCredentialsDoNotTripBreaker(t *testing.T) {
	reject := returning(auth.UserInfo{}, ErrInvalidCredentials)
	r := NewRegistry(nil, nil,
		WithAuthenticator(KindLDAP, reject),
		WithDefaults(map[Kind]Config{KindLDAP: {URL: "ldap://dc", BaseDN: "dc=x"}}),
		WithBreakerSettings(BreakerSettings{ConsecutiveFailures: 2, OpenFor: time.Hour}),
	)
	for i := 0; i < 5; i++ {
		if _, err := r.Authenticate(context.Background(), "t1", "ldap", auth.Credentials{}); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("call %d: expected ErrInvalidCredentials, got %v", i, err)
		}
	}
	if got := reject.calls.Load(); got != 5 {
		t.Fatalf("provider called %d times", got)
	}
}

func TestRegistryTimeout(t *testing.T) {
	slow := &fakeAuthenticator{fn: func(ctx context.Context, _ auth.Credentials, _ Config) (auth.UserInfo, error) {
		<-ctx.Done()
		return auth.UserInfo{}, ctx.Err()
	}}
	r := NewRegistry(nil, nil,
		WithAuthenticator(KindOAuth, slow),
		WithDefaults(map[Kind]Config{KindOAuth: {TokenURL: "https://login/token", ClientID: "grc", Timeout: 20 * time.Millisecond}}),
	)
	start := time.Now()
	_, err := r.Authenticate(context.Background(), "t1", "oauth", auth.Credentials{})
	if !errors.Is(err, ErrProviderUnavailable) {
		t.Fatalf("expected ErrProviderUnavailable, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("timeout not enforced")
	}
}

func TestLocalProvider(t *testing.T) {
	st := memory.New()
	st.AddTenant(auth.Tenant{ID: "t1", Active: true})
	h := auth.Hasher{Cost: 4}
	hash, err := h.Hash("correct horse")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	ctx := context.Background()
	u, err := st.CreateUser(ctx, auth.NewUser{TenantID: "t1", Email: "ann@example.com", FirstName: "Ann", PasswordHash: hash})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	r := NewRegistry(st, NewLocal(st, h))

	info, err := r.Authenticate(ctx, "t1", "local", auth.Credentials{Email: "ANN@example.com", Password: "correct horse"})
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if info.ID != u.ID || info.Provider != "local" {
		t.Fatalf("unexpected info %+v", info)
	}
	if _, err := r.Authenticate(ctx, "t1", "local", auth.Credentials{Email: "ann@example.com", Password: "nope"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("wrong password: %v", err)
	}
	if _, err := r.Authenticate(ctx, "t1", "local", auth.Credentials{Email: "bob@example.com", Password: "x"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("unknown user: %v", err)
	}
}
