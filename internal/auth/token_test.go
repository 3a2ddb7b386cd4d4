package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func testPrincipal() Principal {
	ps := PermissionSet{}
	ps.Add("assessment", "read")
	return Principal{
		UserID:      "01HUSER",
		TenantID:    "tenant-1",
		Email:       "ann@example.com",
		Roles:       []string{RoleProjectMember},
		Role:        RoleProjectMember,
		Permissions: ps,
	}
}

func TestIssueAndVerifyHS256(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	iss, err := NewIssuer(IssuerConfig{Secret: "s3cret", Now: fixedClock(now)})
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	pair, hash, err := iss.Issue(testPrincipal())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if pair.ExpiresIn != int64((24 * time.Hour).Seconds()) {
		t.Fatalf("unexpected expiresIn %d", pair.ExpiresIn)
	}
	if !pair.RefreshExpiresAt.Equal(now.Add(7 * 24 * time.Hour)) {
		t.Fatalf("unexpected refresh expiry %v", pair.RefreshExpiresAt)
	}
	if !strings.HasPrefix(pair.RefreshToken, "01HUSER.") {
		t.Fatalf("refresh token must carry the user id: %s", pair.RefreshToken)
	}
	_, secret, _ := ParseRefreshToken(pair.RefreshToken)
	if HashRefreshSecret(secret) != hash {
		t.Fatalf("returned hash does not match refresh secret")
	}

	claims, err := iss.Verify(pair.AccessToken)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.UserID != "01HUSER" || claims.Subject != "01HUSER" || claims.TenantID != "tenant-1" {
		t.Fatalf("unexpected claims %+v", claims)
	}
	if claims.Issuer != DefaultIssuer || len(claims.Audience) != 1 || claims.Audience[0] != DefaultAudience {
		t.Fatalf("unexpected iss/aud %s %v", claims.Issuer, claims.Audience)
	}
	if claims.ID == "" {
		t.Fatalf("expected jti")
	}
	if len(claims.Permissions) != 1 || claims.Permissions[0] != "assessment:read" {
		t.Fatalf("unexpected permissions %v", claims.Permissions)
	}
}

func TestVerifyExpired(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	clock := now
	iss, err := NewIssuer(IssuerConfig{Secret: "s3cret", AccessTTL: time.Minute, Now: func() time.Time { return clock }})
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	pair, _, err := iss.Issue(testPrincipal())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	clock = now.Add(2 * time.Minute)
	if _, err := iss.Verify(pair.AccessToken); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestVerifyRejectsForeignTokens(t *testing.T) {
	iss, err := NewIssuer(IssuerConfig{Secret: "s3cret"})
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	other, _ := NewIssuer(IssuerConfig{Secret: "other"})
	wrongAud, _ := NewIssuer(IssuerConfig{Secret: "s3cret", Audience: "someone-else"})

	for name, issuer := range map[string]*Issuer{"wrong secret": other, "wrong audience": wrongAud} {
		pair, _, err := issuer.Issue(testPrincipal())
		if err != nil {
			t.Fatalf("%s: Issue: %v", name, err)
		}
		if _, err := iss.Verify(pair.AccessToken); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("%s: expected ErrInvalidToken, got %v", name, err)
		}
	}

	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		UserID: "u1",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "u1",
			Issuer:    DefaultIssuer,
			Audience:  jwt.ClaimStrings{DefaultAudience},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	raw, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}
	if _, err := iss.Verify(raw); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("alg none must be rejected, got %v", err)
	}
	if _, err := iss.Verify("not-a-jwt"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("malformed token must be rejected, got %v", err)
	}
	if _, err := iss.Verify(""); !errors.Is(err, ErrAuthenticationRequired) {
		t.Fatalf("empty token: got %v", err)
	}
}

func TestIssueAndVerifyRS256(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("MarshalPKIXPublicKey: %v", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})

	iss, err := NewIssuer(IssuerConfig{PrivateKeyPEM: string(privPEM), PublicKeyPEM: string(pubPEM), KeyID: "k1"})
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	pair, _, err := iss.Issue(testPrincipal())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := iss.Verify(pair.AccessToken); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	// An HS256 token signed with the public key bytes must not pass RS256 verification.
	forged := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		UserID: "u1",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: "u1", Issuer: DefaultIssuer, Audience: jwt.ClaimStrings{DefaultAudience},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	raw, _ := forged.SignedString(pubPEM)
	if _, err := iss.Verify(raw); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("algorithm confusion must be rejected, got %v", err)
	}
}

func TestNewIssuerRequiresKeyMaterial(t *testing.T) {
	if _, err := NewIssuer(IssuerConfig{}); err == nil {
		t.Fatalf("expected error without secret")
	}
	if _, err := NewIssuer(IssuerConfig{PrivateKeyPEM: "x"}); err == nil {
		t.Fatalf("expected error with only a private key")
	}
}

func TestParseRefreshToken(t *testing.T) {
	for _, raw := range []string{"", "nodot", ".secret", "user."} {
		if _, _, err := ParseRefreshToken(raw); !errors.Is(err, ErrInvalidRefreshToken) {
			t.Fatalf("ParseRefreshToken(%q) = %v", raw, err)
		}
	}
	id, secret, err := ParseRefreshToken("u1.abc")
	if err != nil || id != "u1" || secret != "abc" {
		t.Fatalf("unexpected parse %s %s %v", id, secret, err)
	}
}
