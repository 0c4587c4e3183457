package domain

import (
	"context"
	"errors"
)

var (
	ErrUnauthenticated   = errors.New("unauthenticated")
	ErrAuthNotConfigured = errors.New("auth_not_configured")
)

// Identity is what the rest of the service knows about a caller.
type Identity struct {
	UserID        string `json:"user_id"`
	Email         string `json:"email,omitempty"`
	EmailVerified bool   `json:"email_verified"`
}

type Authenticator interface {
	// Authenticate validates a raw bearer token.
	Authenticate(ctx context.Context, rawToken string) (Identity, error)
}
