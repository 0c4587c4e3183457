package stripe

import (
	"context"
	"fmt"
	"strings"
	"time"

	stripe "github.com/stripe/stripe-go/v82"

	"github.com/smallbiznis/creditledger/internal/billing/domain"
)

const maxListItems = 100

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return "stripe"
}

func (f *Factory) NewProvider(cfg domain.ProviderConfig) (domain.Provider, error) {
	secret := strings.TrimSpace(cfg.SecretKey)
	if secret == "" {
		return nil, domain.ErrInvalidConfig
	}
	return newAdapter(secret), nil
}

// Adapter reads customers, subscriptions, checkout sessions and invoices.
// Records missing required fields are dropped rather than failing the call.
// Each adapter owns its client so keys never leak through package state.
type Adapter struct {
	client *stripe.Client
}

func newAdapter(secret string, opts ...stripe.ClientOption) *Adapter {
	return &Adapter{client: stripe.NewClient(secret, opts...)}
}

func (a *Adapter) Name() string { return "stripe" }

func (a *Adapter) FindCustomerByEmail(ctx context.Context, email string) (*domain.Customer, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, nil
	}

	params := &stripe.CustomerListParams{Email: stripe.String(email)}
	params.Limit = stripe.Int64(1)

	for c, err := range a.client.V1Customers.List(ctx, params) {
		if err != nil {
			return nil, unavailable("find customer", err)
		}
		if c == nil || c.ID == "" || c.Deleted {
			continue
		}
		return &domain.Customer{ID: c.ID, Email: c.Email}, nil
	}
	return nil, nil
}

func (a *Adapter) ListActiveSubscriptions(ctx context.Context, customerID string) ([]domain.Subscription, error) {
	params := &stripe.SubscriptionListParams{
		Customer: stripe.String(customerID),
		Status:   stripe.String(string(stripe.SubscriptionStatusActive)),
	}
	params.Limit = stripe.Int64(maxListItems)

	var out []domain.Subscription
	for sub, err := range a.client.V1Subscriptions.List(ctx, params) {
		if err != nil {
			return nil, unavailable("list subscriptions", err)
		}
		if mapped, ok := toSubscription(sub); ok {
			out = append(out, mapped)
		}
	}
	return out, nil
}

func (a *Adapter) GetPrice(ctx context.Context, priceID string) (*domain.Price, error) {
	p, err := a.client.V1Prices.Retrieve(ctx, priceID, &stripe.PriceRetrieveParams{})
	if err != nil {
		return nil, unavailable("get price", err)
	}
	return &domain.Price{
		ID:         p.ID,
		UnitAmount: p.UnitAmount,
		Currency:   string(p.Currency),
	}, nil
}

func (a *Adapter) ListCompletedCheckoutSessions(ctx context.Context, customerID string) ([]domain.CheckoutSession, error) {
	params := &stripe.CheckoutSessionListParams{
		Customer: stripe.String(customerID),
		Status:   stripe.String(string(stripe.CheckoutSessionStatusComplete)),
	}
	params.Limit = stripe.Int64(maxListItems)

	var out []domain.CheckoutSession
	for s, err := range a.client.V1CheckoutSessions.List(ctx, params) {
		if err != nil {
			return nil, unavailable("list checkout sessions", err)
		}
		if mapped, ok := toCheckoutSession(s); ok {
			out = append(out, mapped)
		}
	}
	return out, nil
}

func (a *Adapter) ListPaidInvoices(ctx context.Context, customerID string) ([]domain.Invoice, error) {
	params := &stripe.InvoiceListParams{
		Customer: stripe.String(customerID),
		Status:   stripe.String(string(stripe.InvoiceStatusPaid)),
	}
	params.Limit = stripe.Int64(maxListItems)

	var out []domain.Invoice
	for inv, err := range a.client.V1Invoices.List(ctx, params) {
		if err != nil {
			return nil, unavailable("list invoices", err)
		}
		if mapped, ok := toInvoice(inv); ok {
			out = append(out, mapped)
		}
	}
	return out, nil
}

// toSubscription picks the first priced item. The billing period lives on
// the subscription item.
func toSubscription(sub *stripe.Subscription) (domain.Subscription, bool) {
	if sub == nil || sub.ID == "" || sub.Items == nil {
		return domain.Subscription{}, false
	}
	for _, item := range sub.Items.Data {
		if item == nil || item.Price == nil || item.Price.ID == "" || item.CurrentPeriodStart <= 0 {
			continue
		}
		return domain.Subscription{
			ID:                 sub.ID,
			PriceID:            item.Price.ID,
			CurrentPeriodStart: time.Unix(item.CurrentPeriodStart, 0).UTC(),
		}, true
	}
	return domain.Subscription{}, false
}

func toCheckoutSession(s *stripe.CheckoutSession) (domain.CheckoutSession, bool) {
	if s == nil || s.ID == "" {
		return domain.CheckoutSession{}, false
	}
	metadata := make(map[string]string, len(s.Metadata))
	for k, v := range s.Metadata {
		metadata[k] = v
	}
	return domain.CheckoutSession{
		ID:            s.ID,
		Mode:          string(s.Mode),
		PaymentStatus: string(s.PaymentStatus),
		AmountTotal:   s.AmountTotal,
		Currency:      string(s.Currency),
		CreatedAt:     time.Unix(s.Created, 0).UTC(),
		Metadata:      metadata,
	}, true
}

func toInvoice(inv *stripe.Invoice) (domain.Invoice, bool) {
	if inv == nil || inv.ID == "" {
		return domain.Invoice{}, false
	}
	out := domain.Invoice{
		ID:         inv.ID,
		AmountPaid: inv.AmountPaid,
		Currency:   string(inv.Currency),
		CreatedAt:  time.Unix(inv.Created, 0).UTC(),
		URL:        inv.HostedInvoiceURL,
	}
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil && inv.Parent.SubscriptionDetails.Subscription != nil {
		out.SubscriptionID = inv.Parent.SubscriptionDetails.Subscription.ID
	}
	return out, true
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: stripe %s: %v", domain.ErrProviderUnavailable, op, err)
}
