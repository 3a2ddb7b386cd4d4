package auth

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"shahin-ai.com/grc-auth/internal/ids"
)

const (
	DefaultIssuer     = "grc-platform"
	DefaultAudience   = "grc-users"
	DefaultAccessTTL  = 24 * time.Hour
	DefaultRefreshTTL = 7 * 24 * time.Hour
)

// Claims is the signed access token payload. Roles and permissions are a snapshot only.
type Claims struct {
	UserID      string   `json:"userId"`
	Email       string   `json:"email"`
	Roles       []string `json:"roles"`
	TenantID    string   `json:"tenantId,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	jwt.RegisteredClaims
}

// TokenPair is returned to clients on login, register, and refresh.
type TokenPair struct {
	AccessToken      string    `json:"token"`
	RefreshToken     string    `json:"refreshToken"`
	ExpiresIn        int64     `json:"expiresIn"`
	AccessExpiresAt  time.Time `json:"accessExpiresAt"`
	RefreshExpiresAt time.Time `json:"refreshExpiresAt"`
}

// IssuerConfig configures token signing.
type IssuerConfig struct {
	Secret        string
	PrivateKeyPEM string
	PublicKeyPEM  string
	KeyID         string
	Issuer        string
	Audience      string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	Now           func() time.Time
}

// Issuer signs and verifies access tokens and mints refresh tokens.
type Issuer struct {
	secret     []byte
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
	method     jwt.SigningMethod
	keyID      string
	issuer     string
	audience   string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
	parser     *jwt.Parser
}

// NewIssuer validates cfg. RS256 is used when both keys are present, HS256 otherwise.
func NewIssuer(cfg IssuerConfig) (*Issuer, error) {
	iss := &Issuer{
		keyID:      strings.TrimSpace(cfg.KeyID),
		issuer:     strings.TrimSpace(cfg.Issuer),
		audience:   strings.TrimSpace(cfg.Audience),
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		now:        cfg.Now,
	}
	if iss.issuer == "" {
		iss.issuer = DefaultIssuer
	}
	if iss.audience == "" {
		iss.audience = DefaultAudience
	}
	if iss.accessTTL <= 0 {
		iss.accessTTL = DefaultAccessTTL
	}
	if iss.refreshTTL <= 0 {
		iss.refreshTTL = DefaultRefreshTTL
	}
	if iss.now == nil {
		iss.now = time.Now
	}

	privatePEM := strings.TrimSpace(cfg.PrivateKeyPEM)
	publicPEM := strings.TrimSpace(cfg.PublicKeyPEM)
	switch {
	case privatePEM != "" || publicPEM != "":
		if privatePEM == "" || publicPEM == "" {
			return nil, errors.New("auth: both private and public keys are required")
		}
		priv, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(privatePEM))
		if err != nil {
			return nil, fmt.Errorf("auth: parse private key: %w", err)
		}
		pub, err := jwt.ParseRSAPublicKeyFromPEM([]byte(publicPEM))
		if err != nil {
			return nil, fmt.Errorf("auth: parse public key: %w", err)
		}
		iss.privateKey, iss.publicKey = priv, pub
		iss.method = jwt.SigningMethodRS256
	case strings.TrimSpace(cfg.Secret) != "":
		iss.secret = []byte(cfg.Secret)
		iss.method = jwt.SigningMethodHS256
	default:
		return nil, errors.New("auth: token secret or RSA keys required")
	}

	iss.parser = jwt.NewParser(
		jwt.WithValidMethods([]string{iss.method.Alg()}),
		jwt.WithIssuer(iss.issuer),
		jwt.WithAudience(iss.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return iss.now() }),
	)
	return iss, nil
}

// AccessTTL returns the access token lifetime.
func (i *Issuer) AccessTTL() time.Duration { return i.accessTTL }

// RefreshTTL returns the refresh token lifetime.
func (i *Issuer) RefreshTTL() time.Duration { return i.refreshTTL }

// Issue signs an access token for p and mints a refresh token.
// The returned hash is what the caller must persist for the refresh token.
func (i *Issuer) Issue(p Principal) (TokenPair, string, error) {
	if p.UserID == "" {
		return TokenPair{}, "", fmt.Errorf("%w: principal without user id", ErrInvalidInput)
	}
	now := i.now().UTC()
	accessExp := now.Add(i.accessTTL)
	refreshExp := now.Add(i.refreshTTL)

	claims := Claims{
		UserID:      p.UserID,
		Email:       p.Email,
		Roles:       append([]string(nil), p.Roles...),
		TenantID:    p.TenantID,
		Permissions: p.Permissions.List(),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   p.UserID,
			Audience:  jwt.ClaimStrings{i.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(accessExp),
			ID:        ids.New(),
		},
	}
	token := jwt.NewWithClaims(i.method, claims)
	if i.keyID != "" {
		token.Header["kid"] = i.keyID
	}
	var key any = i.secret
	if i.privateKey != nil {
		key = i.privateKey
	}
	signed, err := token.SignedString(key)
	if err != nil {
		return TokenPair{}, "", fmt.Errorf("auth: sign token: %w", err)
	}

	refresh, hash, err := NewRefreshToken(p.UserID)
	if err != nil {
		return TokenPair{}, "", err
	}
	return TokenPair{
		AccessToken:      signed,
		RefreshToken:     refresh,
		ExpiresIn:        int64(i.accessTTL / time.Second),
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, hash, nil
}

// Verify checks signature, algorithm, issuer, audience and expiry.
func (i *Issuer) Verify(raw string) (*Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrAuthenticationRequired
	}
	claims := &Claims{}
	_, err := i.parser.ParseWithClaims(raw, claims, i.keyFunc)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.UserID == "" || claims.Subject != claims.UserID {
		return nil, fmt.Errorf("%w: subject mismatch", ErrInvalidToken)
	}
	return claims, nil
}

func (i *Issuer) keyFunc(t *jwt.Token) (any, error) {
	if i.keyID != "" {
		if kid, _ := t.Header["kid"].(string); kid != "" && kid != i.keyID {
			return nil, fmt.Errorf("unknown key id %q", kid)
		}
	}
	if i.publicKey != nil {
		return i.publicKey, nil
	}
	return i.secret, nil
}
