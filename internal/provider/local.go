package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"shahin-ai.com/grc-auth/internal/auth"
)

// UserLookup finds local accounts by email.
type UserLookup interface {
	FindUserByEmail(ctx context.Context, tenantID, email string) (auth.User, error)
}

// Local verifies passwords stored in the user table. Lockout accounting
// belongs to auth.Service.Login; Local only answers yes or no.
type Local struct {
	users  UserLookup
	hasher auth.Hasher
}

// NewLocal returns a Local provider.
func NewLocal(users UserLookup, hasher auth.Hasher) *Local {
	return &Local{users: users, hasher: hasher}
}

func (l *Local) Authenticate(ctx context.Context, creds auth.Credentials, cfg Config) (auth.UserInfo, error) {
	email := strings.ToLower(strings.TrimSpace(creds.Email))
	user, err := l.users.FindUserByEmail(ctx, cfg.TenantID, email)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			_ = l.hasher.Verify("", creds.Password)
			return auth.UserInfo{}, ErrInvalidCredentials
		}
		return auth.UserInfo{}, fmt.Errorf("provider: local lookup: %w", err)
	}
	if err := l.hasher.Verify(user.PasswordHash, creds.Password); err != nil {
		return auth.UserInfo{}, ErrInvalidCredentials
	}
	if user.Status != auth.StatusActive {
		return auth.UserInfo{}, auth.ErrUserInactive
	}
	return auth.UserInfo{ID: user.ID, Email: user.Email, Name: user.DisplayName()}, nil
}
