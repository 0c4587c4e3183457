package oidc

import (
	"context"
	"fmt"
	"strings"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"github.com/smallbiznis/creditledger/internal/auth/domain"
	"github.com/smallbiznis/creditledger/internal/config"
	"go.uber.org/zap"
)

type Authenticator struct {
	verifier *gooidc.IDTokenVerifier
	log      *zap.Logger
}

type claims struct {
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
}

// New discovers the issuer. Without an issuer every request is rejected.
func New(cfg config.Config, log *zap.Logger) (domain.Authenticator, error) {
	log = log.Named("auth.oidc")
	issuer := strings.TrimSpace(cfg.Auth.IssuerURL)
	if issuer == "" {
		log.Warn("auth issuer not configured, all authenticated routes will reject requests")
		return disabled{}, nil
	}

	provider, err := gooidc.NewProvider(context.Background(), issuer)
	if err != nil {
		return nil, fmt.Errorf("discover oidc issuer: %w", err)
	}
	verifier := provider.Verifier(&gooidc.Config{ClientID: cfg.Auth.ClientID})
	return NewWithVerifier(verifier, log), nil
}

func NewWithVerifier(verifier *gooidc.IDTokenVerifier, log *zap.Logger) *Authenticator {
	return &Authenticator{verifier: verifier, log: log}
}

func (a *Authenticator) Authenticate(ctx context.Context, rawToken string) (domain.Identity, error) {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return domain.Identity{}, domain.ErrUnauthenticated
	}

	token, err := a.verifier.Verify(ctx, rawToken)
	if err != nil {
		a.log.Debug("id token rejected", zap.Error(err))
		return domain.Identity{}, domain.ErrUnauthenticated
	}
	if strings.TrimSpace(token.Subject) == "" {
		return domain.Identity{}, domain.ErrUnauthenticated
	}

	var c claims
	if err := token.Claims(&c); err != nil {
		a.log.Debug("id token claims unreadable", zap.Error(err))
		return domain.Identity{}, domain.ErrUnauthenticated
	}

	return domain.Identity{
		UserID:        token.Subject,
		Email:         strings.ToLower(strings.TrimSpace(c.Email)),
		EmailVerified: c.EmailVerified,
	}, nil
}

type disabled struct{}

func (disabled) Authenticate(context.Context, string) (domain.Identity, error) {
	return domain.Identity{}, domain.ErrAuthNotConfigured
}
