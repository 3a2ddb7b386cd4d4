package auth

import (
	"errors"
	"time"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrConflict       = errors.New("conflict")
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")

	ErrAuthenticationRequired   = errors.New("authentication required")
	ErrInvalidToken             = errors.New("invalid token")
	ErrTokenExpired             = errors.New("token expired")
	ErrInvalidCredentials       = errors.New("invalid credentials")
	ErrAccountLocked            = errors.New("account locked")
	ErrUserInactive             = errors.New("user inactive")
	ErrInsufficientPermissions  = errors.New("insufficient permissions")
	ErrPermissionDenied         = errors.New("permission denied")
	ErrResourceAccessDenied     = errors.New("resource access denied")
	ErrProjectAccessDenied      = errors.New("project access denied")
	ErrPartnerResourceForbidden = errors.New("partner resource forbidden")
	ErrRefreshExpired           = errors.New("refresh token expired")
	ErrInvalidRefreshToken      = errors.New("invalid refresh token")
	ErrAuthenticationFailed     = errors.New("authentication failed")
	ErrServiceTokenRequired     = errors.New("service token required")
	ErrInvalidServiceToken      = errors.New("invalid service token")
)

// AccountLockedError reports an open lockout window.
type AccountLockedError struct {
	Until time.Time
}

func (e *AccountLockedError) Error() string {
	return "account locked until " + e.Until.UTC().Format(time.RFC3339)
}

func (e *AccountLockedError) Unwrap() error { return ErrAccountLocked }

// DenialError carries diagnostic details for an authorization denial.
type DenialError struct {
	Kind    error
	Message string
	Details map[string]any
}

func (e *DenialError) Error() string {
	if e.Message != "" {
		return e.Kind.Error() + ": " + e.Message
	}
	return e.Kind.Error()
}

func (e *DenialError) Unwrap() error { return e.Kind }

func deny(kind error, message string, details map[string]any) error {
	return &DenialError{Kind: kind, Message: message, Details: details}
}
