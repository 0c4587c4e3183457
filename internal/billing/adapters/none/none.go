// Package none is a billing provider that knows no customers. It lets the
// service run locally without provider credentials.
package none

import (
	"context"

	"github.com/smallbiznis/creditledger/internal/billing/domain"
)

type Factory struct{}

func NewFactory() *Factory { return &Factory{} }

func (f *Factory) Provider() string { return "none" }

func (f *Factory) NewProvider(domain.ProviderConfig) (domain.Provider, error) {
	return Provider{}, nil
}

type Provider struct{}

func (Provider) Name() string { return "none" }

func (Provider) FindCustomerByEmail(context.Context, string) (*domain.Customer, error) {
	return nil, nil
}

func (Provider) ListActiveSubscriptions(context.Context, string) ([]domain.Subscription, error) {
	return nil, nil
}

func (Provider) GetPrice(context.Context, string) (*domain.Price, error) {
	return nil, domain.ErrProviderUnavailable
}

func (Provider) ListCompletedCheckoutSessions(context.Context, string) ([]domain.CheckoutSession, error) {
	return nil, nil
}

func (Provider) ListPaidInvoices(context.Context, string) ([]domain.Invoice, error) {
	return nil, nil
}
