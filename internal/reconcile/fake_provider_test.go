package reconcile_test

import (
	"context"
	"sync"
	"sync/atomic"

	billingdomain "github.com/smallbiznis/creditledger/internal/billing/domain"
)

// fakeProvider serves a fixed snapshot. Setting block makes every call wait
// for its context to end.
type fakeProvider struct {
	mu        sync.Mutex
	customer  *billingdomain.Customer
	subs      []billingdomain.Subscription
	prices    map[string]*billingdomain.Price
	sessions  []billingdomain.CheckoutSession
	invoices  []billingdomain.Invoice
	errs      map[string]error
	block     bool
	listCalls atomic.Int64
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		customer: &billingdomain.Customer{ID: "cus_1", Email: "owner@example.com"},
		prices:   map[string]*billingdomain.Price{},
		errs:     map[string]error{},
	}
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) wait(ctx context.Context, op string) error {
	f.mu.Lock()
	block, err := f.block, f.errs[op]
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

func (f *fakeProvider) setSubs(subs ...billingdomain.Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = subs
}

func (f *fakeProvider) FindCustomerByEmail(ctx context.Context, email string) (*billingdomain.Customer, error) {
	if err := f.wait(ctx, "find_customer"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.customer == nil || f.customer.Email != email {
		return nil, nil
	}
	c := *f.customer
	return &c, nil
}

func (f *fakeProvider) ListActiveSubscriptions(ctx context.Context, customerID string) ([]billingdomain.Subscription, error) {
	f.listCalls.Add(1)
	if err := f.wait(ctx, "list_subscriptions"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]billingdomain.Subscription(nil), f.subs...), nil
}

func (f *fakeProvider) GetPrice(ctx context.Context, priceID string) (*billingdomain.Price, error) {
	if err := f.wait(ctx, "get_price"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prices[priceID], nil
}

func (f *fakeProvider) ListCompletedCheckoutSessions(ctx context.Context, customerID string) ([]billingdomain.CheckoutSession, error) {
	if err := f.wait(ctx, "list_checkout_sessions"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]billingdomain.CheckoutSession(nil), f.sessions...), nil
}

func (f *fakeProvider) ListPaidInvoices(ctx context.Context, customerID string) ([]billingdomain.Invoice, error) {
	if err := f.wait(ctx, "list_invoices"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]billingdomain.Invoice(nil), f.invoices...), nil
}
