package auth

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"golang.org/x/crypto/bcrypt"
)

// MinPasswordLength is the default lower bound for new passwords.
const MinPasswordLength = 8

// dummyHash is compared against when the user does not exist so that
// unknown emails cost the same as wrong passwords.
var dummyHash = []byte("$2a$10$7EqJtq98hPqEX7fNZaFWoO5rQqEAq4ETuQEq2.ZpGWtBhHzAsm4jO")

// Hasher hashes and verifies passwords with bcrypt.
type Hasher struct {
	Cost int
}

// Hash returns a bcrypt hash of password.
func (h Hasher) Hash(password string) (string, error) {
	cost := h.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return "", fmt.Errorf("%w: bcrypt cost %d out of range", ErrInvalidInput, cost)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Verify returns ErrInvalidCredentials when password does not match hash.
func (h Hasher) Verify(hash, password string) error {
	if hash == "" {
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return ErrInvalidCredentials
	}
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	if err == nil {
		return nil
	}
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return ErrInvalidCredentials
	}
	return fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
}

// CheckPasswordPolicy enforces the minimum length rule on a new password.
func CheckPasswordPolicy(password string, minLength int) error {
	if minLength <= 0 {
		minLength = MinPasswordLength
	}
	if utf8.RuneCountInString(password) < minLength {
		return fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, minLength)
	}
	if len(password) > 72 {
		return fmt.Errorf("%w: password must be at most 72 bytes", ErrInvalidInput)
	}
	return nil
}
