package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"

	"shahin-ai.com/grc-auth/internal/ids"
)

const refreshSecretBytes = 32

// NewRefreshToken returns "<userID>.<secret>" and the hash to persist.
func NewRefreshToken(userID string) (token, hash string, err error) {
	secret, err := ids.Secret(refreshSecretBytes)
	if err != nil {
		return "", "", fmt.Errorf("auth: refresh secret: %w", err)
	}
	return userID + "." + secret, HashRefreshSecret(secret), nil
}

// ParseRefreshToken splits a refresh token into user id and secret.
func ParseRefreshToken(token string) (userID, secret string, err error) {
	userID, secret, ok := strings.Cut(strings.TrimSpace(token), ".")
	if !ok || userID == "" || secret == "" {
		return "", "", ErrInvalidRefreshToken
	}
	return userID, secret, nil
}

// HashRefreshSecret returns the hex sha256 of secret.
func HashRefreshSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func hashesEqual(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
