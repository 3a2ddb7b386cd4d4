package provider

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/go-ldap/ldap/v3"

	"shahin-ai.com/grc-auth/internal/auth"
)

const (
	defaultEmailAttribute = "mail"
	defaultGroupAttribute = "memberOf"
)

// Conn is the subset of *ldap.Conn the provider uses.
type Conn interface {
	Bind(username, password string) error
	Search(req *ldap.SearchRequest) (*ldap.SearchResult, error)
	Close() error
}

// Dialer opens a directory connection.
type Dialer func(ctx context.Context, cfg Config) (Conn, error)

// LDAP authenticates with a service-account search followed by a bind as the
// user. Group membership is read from memberOf and reduced to group CNs.
type LDAP struct {
	dial Dialer
}

// NewLDAP returns an LDAP provider. A nil dial uses DialLDAP.
func NewLDAP(dial Dialer) *LDAP {
	if dial == nil {
		dial = DialLDAP
	}
	return &LDAP{dial: dial}
}

type ldapConn struct {
	*ldap.Conn
}

func (c ldapConn) Close() error {
	c.Conn.Close()
	return nil
}

// DialLDAP connects to cfg.URL (ldap:// or ldaps://).
func DialLDAP(ctx context.Context, cfg Config) (Conn, error) {
	d := &net.Dialer{Timeout: cfg.timeout()}
	if deadline, ok := ctx.Deadline(); ok {
		d.Deadline = deadline
	}
	conn, err := ldap.DialURL(cfg.URL, ldap.DialWithDialer(d))
	if err != nil {
		return nil, err
	}
	conn.SetTimeout(cfg.timeout())
	return ldapConn{conn}, nil
}

func (l *LDAP) Authenticate(ctx context.Context, creds auth.Credentials, cfg Config) (auth.UserInfo, error) {
	email := strings.TrimSpace(creds.Email)
	if email == "" || creds.Password == "" {
		// An empty password would turn the user bind into an anonymous bind.
		return auth.UserInfo{}, ErrInvalidCredentials
	}
	conn, err := l.dial(ctx, cfg)
	if err != nil {
		return auth.UserInfo{}, fmt.Errorf("%w: dial: %v", ErrDirectoryBind, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := conn.Bind(cfg.BindDN, cfg.BindPassword); err != nil {
		return auth.UserInfo{}, fmt.Errorf("%w: service account: %v", ErrDirectoryBind, err)
	}

	emailAttr := valueOr(cfg.EmailAttribute, defaultEmailAttribute)
	groupAttr := valueOr(cfg.GroupAttribute, defaultGroupAttribute)
	req := ldap.NewSearchRequest(
		cfg.BaseDN,
		ldap.ScopeWholeSubtree, ldap.NeverDerefAliases,
		2, int(cfg.timeout().Seconds()), false,
		fmt.Sprintf("(&(objectClass=person)(|(%s=%s)(userPrincipalName=%s)))", emailAttr, ldap.EscapeFilter(email), ldap.EscapeFilter(email)),
		[]string{emailAttr, "userPrincipalName", "displayName", "cn", "uid", "objectGUID", groupAttr},
		nil,
	)
	res, err := conn.Search(req)
	if err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultSizeLimitExceeded) {
			return auth.UserInfo{}, fmt.Errorf("%w: %s matches several entries", ErrUserNotFound, email)
		}
		return auth.UserInfo{}, fmt.Errorf("%w: search: %v", ErrDirectoryBind, err)
	}
	switch len(res.Entries) {
	case 0:
		return auth.UserInfo{}, fmt.Errorf("%w: %s", ErrUserNotFound, email)
	case 1:
	default:
		return auth.UserInfo{}, fmt.Errorf("%w: %s matches several entries", ErrUserNotFound, email)
	}
	entry := res.Entries[0]

	if err := conn.Bind(entry.DN, creds.Password); err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultInvalidCredentials) {
			return auth.UserInfo{}, ErrInvalidCredentials
		}
		var lerr *ldap.Error
		if errors.As(err, &lerr) && lerr.ResultCode != ldap.ErrorNetwork {
			return auth.UserInfo{}, ErrInvalidCredentials
		}
		return auth.UserInfo{}, fmt.Errorf("%w: user bind: %v", ErrDirectoryBind, err)
	}

	info := auth.UserInfo{
		ID:    firstNonEmpty(hex.EncodeToString(entry.GetRawAttributeValue("objectGUID")), entry.GetAttributeValue("uid"), entry.DN),
		Email: firstNonEmpty(entry.GetAttributeValue(emailAttr), entry.GetAttributeValue("userPrincipalName"), email),
		Name:  firstNonEmpty(entry.GetAttributeValue("displayName"), entry.GetAttributeValue("cn")),
		Roles: groupNames(entry.GetAttributeValues(groupAttr)),
	}
	return info, nil
}

// groupNames turns memberOf DNs into their leading CN. Values that are not
// DNs are kept as they are.
func groupNames(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		dn, err := ldap.ParseDN(v)
		if err != nil || len(dn.RDNs) == 0 {
			out = append(out, v)
			continue
		}
		name := v
		for _, attr := range dn.RDNs[0].Attributes {
			if strings.EqualFold(attr.Type, "cn") {
				name = attr.Value
				break
			}
		}
		out = append(out, name)
	}
	return out
}

func valueOr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
