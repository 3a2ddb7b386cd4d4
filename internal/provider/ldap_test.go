package provider

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/go-ldap/ldap/v3"
	"github.com/go-test/deep"

	"shahin-ai.com/grc-auth/internal/auth"
)

type fakeConn struct {
	binds    map[string]string
	entries  []*ldap.Entry
	searches []*ldap.SearchRequest
	bound    []string
	closed   bool
}

func (c *fakeConn) Bind(username, password string) error {
	c.bound = append(c.bound, username)
	if want, ok := c.binds[username]; ok && want == password {
		return nil
	}
	return ldap.NewError(ldap.LDAPResultInvalidCredentials, errors.New("invalid credentials"))
}

func (c *fakeConn) Search(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
	c.searches = append(c.searches, req)
	return &ldap.SearchResult{Entries: c.entries}, nil
}

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

func ldapFixture() (*fakeConn, *LDAP, Config) {
	conn := &fakeConn{
		binds: map[string]string{
			"cn=svc,dc=example,dc=com":              "svc-pw",
			"cn=Ann Lee,ou=people,dc=example,dc=com": "user-pw",
		},
		entries: []*ldap.Entry{ldap.NewEntry("cn=Ann Lee,ou=people,dc=example,dc=com", map[string][]string{
			"mail":        {"ann@example.com"},
			"displayName": {"Ann Lee"},
			"uid":         {"alee"},
			"memberOf": {
				"CN=GRC Admins,OU=Groups,DC=example,DC=com",
				"cn=auditors,ou=groups,dc=example,dc=com",
			},
		})},
	}
	p := NewLDAP(func(context.Context, Config) (Conn, error) { return conn, nil })
	cfg := Config{URL: "ldap://dc", BindDN: "cn=svc,dc=example,dc=com", BindPassword: "svc-pw", BaseDN: "dc=example,dc=com"}
	return conn, p, cfg
}

func TestLDAPAuthenticate(t *testing.T) {
	conn, p, cfg := ldapFixture()
	info, err := p.Authenticate(context.Background(), auth.Credentials{Email: "ann@example.com", Password: "user-pw"}, cfg)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	want := auth.UserInfo{ID: "alee", Email: "ann@example.com", Name: "Ann Lee", Roles: []string{"GRC Admins", "auditors"}}
	if diff := deep.Equal(info, want); diff != nil {
		t.Fatalf("user info: %v", diff)
	}
	if diff := deep.Equal(conn.bound, []string{"cn=svc,dc=example,dc=com", "cn=Ann Lee,ou=people,dc=example,dc=com"}); diff != nil {
		t.Fatalf("bind sequence: %v", diff)
	}
	if !conn.closed {
		t.Fatalf("connection left open")
	}
}

func TestLDAPFilterEscapesInput(t *testing.T) {
	conn, p, cfg := ldapFixture()
	_, _ = p.Authenticate(context.Background(), auth.Credentials{Email: "*)(uid=*", Password: "x"}, cfg)
	if len(conn.searches) != 1 {
		t.Fatalf("expected one search, got %d", len(conn.searches))
	}
	if f := conn.searches[0].Filter; strings.Contains(f, "*)(uid=*") {
		t.Fatalf("filter not escaped: %s", f)
	}
}

func TestLDAPFailures(t *testing.T) {
	ctx := context.Background()

	_, p, cfg := ldapFixture()
	if _, err := p.Authenticate(ctx, auth.Credentials{Email: "ann@example.com", Password: "wrong"}, cfg); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("wrong password: %v", err)
	}
	if _, err := p.Authenticate(ctx, auth.Credentials{Email: "ann@example.com"}, cfg); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("empty password: %v", err)
	}

	cfg.BindPassword = "stale"
	if _, err := p.Authenticate(ctx, auth.Credentials{Email: "ann@example.com", Password: "user-pw"}, cfg); !errors.Is(err, ErrDirectoryBind) {
		t.Fatalf("service bind: %v", err)
	}

	conn, p, cfg := ldapFixture()
	conn.entries = nil
	if _, err := p.Authenticate(ctx, auth.Credentials{Email: "ann@example.com", Password: "user-pw"}, cfg); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("missing user: %v", err)
	}

	down := NewLDAP(func(context.Context, Config) (Conn, error) { return nil, errors.New("connection refused") })
	if _, err := down.Authenticate(ctx, auth.Credentials{Email: "ann@example.com", Password: "user-pw"}, cfg); !errors.Is(err, ErrDirectoryBind) {
		t.Fatalf("dial failure: %v", err)
	}
}
