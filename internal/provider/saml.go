package provider

import (
	"context"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"strings"
	"time"

	"github.com/beevik/etree"
	dsig "github.com/russellhaering/goxmldsig"

	"shahin-ai.com/grc-auth/internal/auth"
)

const (
	samlClockSkew            = 2 * time.Minute
	defaultSAMLEmailAttr     = "email"
	defaultSAMLRolesAttr     = "roles"
	samlDisplayNameAttribute = "displayName"
)

// SAML validates a base64 encoded SAML 2.0 Response or Assertion posted by
// the client. The assertion, or the response wrapping it, must carry an
// enveloped XML signature made with the tenant's IdP certificate.
type SAML struct {
	now func() time.Time
}

// NewSAML returns a SAML provider. A nil now uses time.Now.
func NewSAML(now func() time.Time) *SAML {
	if now == nil {
		now = time.Now
	}
	return &SAML{now: now}
}

func (s *SAML) Authenticate(_ context.Context, creds auth.Credentials, cfg Config) (auth.UserInfo, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(creds.Assertion))
	if err != nil || len(raw) == 0 {
		return auth.UserInfo{}, fmt.Errorf("%w: not base64", ErrAssertionInvalid)
	}
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(raw); err != nil {
		return auth.UserInfo{}, fmt.Errorf("%w: %v", ErrAssertionInvalid, err)
	}
	root := doc.Root()
	if root == nil {
		return auth.UserInfo{}, fmt.Errorf("%w: empty document", ErrAssertionInvalid)
	}
	certs, err := parseCertificates(cfg.Certificate)
	if err != nil {
		return auth.UserInfo{}, fmt.Errorf("%w: %v", ErrAssertionInvalid, err)
	}
	vc := dsig.NewDefaultValidationContext(&dsig.MemoryX509CertificateStore{Roots: certs})
	vc.Clock = dsig.NewFakeClockAt(s.now())

	assertion, err := verifiedAssertion(vc, root)
	if err != nil {
		return auth.UserInfo{}, fmt.Errorf("%w: %v", ErrAssertionInvalid, err)
	}
	if err := s.checkAssertion(assertion, cfg); err != nil {
		return auth.UserInfo{}, fmt.Errorf("%w: %v", ErrAssertionInvalid, err)
	}

	attrs := attributes(assertion)
	nameID := childText(assertion, "Subject", "NameID")
	email := first(attrs[valueOr(cfg.EmailAttribute, defaultSAMLEmailAttr)])
	if email == "" && strings.Contains(nameID, "@") {
		email = nameID
	}
	if email == "" {
		return auth.UserInfo{}, fmt.Errorf("%w: no email attribute", ErrAssertionInvalid)
	}
	return auth.UserInfo{
		ID:    firstNonEmpty(nameID, email),
		Email: email,
		Name:  first(attrs[samlDisplayNameAttribute]),
		Roles: attrs[valueOr(cfg.RolesAttribute, defaultSAMLRolesAttr)],
	}, nil
}

// verifiedAssertion returns the assertion as covered by a valid signature.
// Only the element returned by the validator is trusted.
func verifiedAssertion(vc *dsig.ValidationContext, root *etree.Element) (*etree.Element, error) {
	switch root.Tag {
	case "Assertion":
		if root.SelectElement("Signature") == nil {
			return nil, fmt.Errorf("assertion is not signed")
		}
		return vc.Validate(root)
	case "Response":
		assertions := root.SelectElements("Assertion")
		if len(assertions) != 1 {
			return nil, fmt.Errorf("response must contain exactly one assertion, found %d", len(assertions))
		}
		if assertions[0].SelectElement("Signature") != nil {
			return vc.Validate(assertions[0])
		}
		if root.SelectElement("Signature") == nil {
			return nil, fmt.Errorf("response is not signed")
		}
		verified, err := vc.Validate(root)
		if err != nil {
			return nil, err
		}
		a := verified.SelectElement("Assertion")
		if a == nil {
			return nil, fmt.Errorf("signed response has no assertion")
		}
		return a, nil
	default:
		return nil, fmt.Errorf("unexpected root element %q", root.Tag)
	}
}

func (s *SAML) checkAssertion(a *etree.Element, cfg Config) error {
	if issuer := childText(a, "Issuer"); issuer != cfg.Issuer {
		return fmt.Errorf("issuer %q is not trusted", issuer)
	}
	now := s.now()
	if cond := a.SelectElement("Conditions"); cond != nil {
		if v := cond.SelectAttrValue("NotBefore", ""); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return fmt.Errorf("NotBefore: %v", err)
			}
			if now.Add(samlClockSkew).Before(t) {
				return fmt.Errorf("assertion not valid before %s", v)
			}
		}
		if v := cond.SelectAttrValue("NotOnOrAfter", ""); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return fmt.Errorf("NotOnOrAfter: %v", err)
			}
			if !now.Add(-samlClockSkew).Before(t) {
				return fmt.Errorf("assertion expired at %s", v)
			}
		}
		if cfg.Audience != "" && !hasAudience(cond, cfg.Audience) {
			return fmt.Errorf("audience %q not accepted", cfg.Audience)
		}
	} else if cfg.Audience != "" {
		return fmt.Errorf("assertion has no conditions")
	}
	return nil
}

func hasAudience(cond *etree.Element, want string) bool {
	for _, r := range cond.SelectElements("AudienceRestriction") {
		for _, a := range r.SelectElements("Audience") {
			if strings.TrimSpace(a.Text()) == want {
				return true
			}
		}
	}
	return false
}

// attributes collects AttributeStatement values keyed by attribute Name.
func attributes(a *etree.Element) map[string][]string {
	out := map[string][]string{}
	for _, st := range a.SelectElements("AttributeStatement") {
		for _, attr := range st.SelectElements("Attribute") {
			name := attr.SelectAttrValue("Name", "")
			for _, v := range attr.SelectElements("AttributeValue") {
				if text := strings.TrimSpace(v.Text()); text != "" {
					out[name] = append(out[name], text)
				}
			}
		}
	}
	return out
}

func childText(el *etree.Element, path ...string) string {
	for _, tag := range path {
		if el = el.SelectElement(tag); el == nil {
			return ""
		}
	}
	return strings.TrimSpace(el.Text())
}

func first(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

// parseCertificates accepts one or more PEM blocks, or a bare base64 DER
// certificate as found in IdP metadata.
func parseCertificates(data string) ([]*x509.Certificate, error) {
	data = strings.TrimSpace(data)
	if data == "" {
		return nil, fmt.Errorf("no IdP certificate configured")
	}
	var certs []*x509.Certificate
	rest := []byte(data)
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		c, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse certificate: %w", err)
		}
		certs = append(certs, c)
	}
	if len(certs) > 0 {
		return certs, nil
	}
	der, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(data), ""))
	if err != nil {
		return nil, fmt.Errorf("certificate is neither PEM nor base64")
	}
	c, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}
	return []*x509.Certificate{c}, nil
}
