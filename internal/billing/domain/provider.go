package domain

import (
	"context"
	"errors"
)

var (
	ErrProviderUnavailable = errors.New("billing_provider_unavailable")
	ErrProviderNotFound    = errors.New("billing_provider_not_found")
	ErrInvalidConfig       = errors.New("billing_provider_invalid_config")
)

// Provider is the read-only view of the external billing system.
type Provider interface {
	Name() string
	// FindCustomerByEmail returns nil when no customer exists.
	FindCustomerByEmail(ctx context.Context, email string) (*Customer, error)
	ListActiveSubscriptions(ctx context.Context, customerID string) ([]Subscription, error)
	GetPrice(ctx context.Context, priceID string) (*Price, error)
	ListCompletedCheckoutSessions(ctx context.Context, customerID string) ([]CheckoutSession, error)
	ListPaidInvoices(ctx context.Context, customerID string) ([]Invoice, error)
}

type ProviderConfig struct {
	SecretKey string
}

type ProviderFactory interface {
	Provider() string
	NewProvider(cfg ProviderConfig) (Provider, error)
}
