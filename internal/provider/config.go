package provider

import (
	"fmt"
	"strings"
	"time"
	"unicode"
)

// DefaultTimeout bounds a single authentication call.
const DefaultTimeout = 10 * time.Second

// Config is the merged configuration for one tenant and provider. Fields that
// do not apply to a provider kind are ignored.
type Config struct {
	// TenantID is filled in by the registry.
	TenantID string `koanf:"-"`

	URL            string `koanf:"url"`
	BindDN         string `koanf:"bind_dn"`
	BindPassword   string `koanf:"bind_password"`
	BaseDN         string `koanf:"base_dn"`
	EmailAttribute string `koanf:"email_attribute"`
	GroupAttribute string `koanf:"group_attribute"`

	TokenURL     string   `koanf:"token_url"`
	ClientID     string   `koanf:"client_id"`
	ClientSecret string   `koanf:"client_secret"`
	Scopes       []string `koanf:"scopes"`
	ProfileURL   string   `koanf:"profile_url"`
	GroupsURL    string   `koanf:"groups_url"`

	Issuer         string `koanf:"issuer"`
	Audience       string `koanf:"audience"`
	Certificate    string `koanf:"certificate"`
	RolesAttribute string `koanf:"roles_attribute"`

	Timeout time.Duration `koanf:"timeout"`
}

// ConfigFromMap decodes the key/value settings stored per tenant. Keys use the
// same names as the koanf tags; case and separators are ignored, so bindDN,
// bind_dn and BIND-DN are equivalent.
func ConfigFromMap(m map[string]string) (Config, error) {
	var c Config
	for k, v := range m {
		v = strings.TrimSpace(v)
		switch normalizeKey(k) {
		case "url":
			c.URL = v
		case "binddn":
			c.BindDN = v
		case "bindpassword":
			c.BindPassword = v
		case "basedn":
			c.BaseDN = v
		case "emailattribute":
			c.EmailAttribute = v
		case "groupattribute":
			c.GroupAttribute = v
		case "tokenurl":
			c.TokenURL = v
		case "clientid":
			c.ClientID = v
		case "clientsecret":
			c.ClientSecret = v
		case "scopes":
			c.Scopes = strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == ' ' })
		case "profileurl":
			c.ProfileURL = v
		case "groupsurl":
			c.GroupsURL = v
		case "issuer":
			c.Issuer = v
		case "audience":
			c.Audience = v
		case "certificate":
			c.Certificate = v
		case "rolesattribute":
			c.RolesAttribute = v
		case "timeout":
			d, err := time.ParseDuration(v)
			if err != nil {
				return Config{}, fmt.Errorf("provider: timeout %q: %w", v, err)
			}
			c.Timeout = d
		}
	}
	return c, nil
}

func normalizeKey(k string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '_', '-', '.', ' ':
			return -1
		}
		return unicode.ToLower(r)
	}, k)
}

// withDefaults fills every unset field from def.
func (c Config) withDefaults(def Config) Config {
	str := func(v *string, d string) {
		if *v == "" {
			*v = d
		}
	}
	str(&c.URL, def.URL)
	str(&c.BindDN, def.BindDN)
	str(&c.BindPassword, def.BindPassword)
	str(&c.BaseDN, def.BaseDN)
	str(&c.EmailAttribute, def.EmailAttribute)
	str(&c.GroupAttribute, def.GroupAttribute)
	str(&c.TokenURL, def.TokenURL)
	str(&c.ClientID, def.ClientID)
	str(&c.ClientSecret, def.ClientSecret)
	str(&c.ProfileURL, def.ProfileURL)
	str(&c.GroupsURL, def.GroupsURL)
	str(&c.Issuer, def.Issuer)
	str(&c.Audience, def.Audience)
	str(&c.Certificate, def.Certificate)
	str(&c.RolesAttribute, def.RolesAttribute)
	if len(c.Scopes) == 0 {
		c.Scopes = def.Scopes
	}
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	return c
}

func (c Config) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return DefaultTimeout
}

// configured reports whether the settings required by kind are present.
func (c Config) configured(kind Kind) bool {
	switch kind {
	case KindLocal:
		return true
	case KindLDAP:
		return c.URL != "" && c.BaseDN != ""
	case KindOAuth:
		return c.TokenURL != "" && c.ClientID != ""
	case KindSAML:
		return c.Certificate != "" && c.Issuer != ""
	default:
		return false
	}
}
