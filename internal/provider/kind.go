// Package provider authenticates users against the identity sources a tenant
// can configure: the local password store, LDAP/Active Directory, OAuth2 with
// Microsoft Graph and signed SAML assertions.
package provider

import (
	"errors"
	"fmt"
	"strings"

	"shahin-ai.com/grc-auth/internal/auth"
)

// Kind identifies an identity provider implementation.
type Kind int

const (
	KindLocal Kind = iota + 1
	KindLDAP
	KindOAuth
	KindSAML
)

var kinds = []Kind{KindLocal, KindLDAP, KindOAuth, KindSAML}

// Kinds lists every supported provider.
func Kinds() []Kind {
	return append([]Kind(nil), kinds...)
}

func (k Kind) String() string {
	switch k {
	case KindLocal:
		return "local"
	case KindLDAP:
		return "ldap"
	case KindOAuth:
		return "oauth"
	case KindSAML:
		return "saml"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind accepts the provider names clients send. azure_ad and okta are
// OAuth flavours.
func ParseKind(name string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "local":
		return KindLocal, nil
	case "ldap", "active_directory":
		return KindLDAP, nil
	case "oauth", "azure_ad", "okta":
		return KindOAuth, nil
	case "saml":
		return KindSAML, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedProvider, name)
	}
}

var (
	// ErrUnsupportedProvider is returned for unknown provider names.
	ErrUnsupportedProvider = fmt.Errorf("%w: unsupported provider", auth.ErrInvalidInput)
	// ErrNotConfigured means the tenant has no configuration for the provider.
	ErrNotConfigured = errors.New("provider: not configured")
	// ErrDirectoryBind covers connection and service-account bind failures.
	ErrDirectoryBind = errors.New("provider: directory bind failed")
	// ErrUserNotFound means the directory has no unique entry for the user.
	ErrUserNotFound = errors.New("provider: user not found")
	// ErrInvalidCredentials is returned when the provider rejects the password.
	ErrInvalidCredentials = auth.ErrInvalidCredentials
	// ErrTokenExchange covers OAuth token and profile failures.
	ErrTokenExchange = errors.New("provider: token exchange failed")
	// ErrAssertionInvalid covers every SAML validation failure.
	ErrAssertionInvalid = errors.New("provider: assertion invalid")
	// ErrProviderUnavailable is returned on timeouts and while the breaker is open.
	ErrProviderUnavailable = errors.New("provider: unavailable")
)
