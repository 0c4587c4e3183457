// Package reconcile brings the credit ledger in line with the billing
// provider. A pass is stateless: every "already granted" decision is made by
// the ledger's unique idempotency key, so passes may overlap and be retried.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	billingdomain "github.com/smallbiznis/creditledger/internal/billing/domain"
	historydomain "github.com/smallbiznis/creditledger/internal/billinghistory/domain"
	"github.com/smallbiznis/creditledger/internal/config"
	creditdomain "github.com/smallbiznis/creditledger/internal/credit/domain"
	obsmetrics "github.com/smallbiznis/creditledger/internal/observability/metrics"
	"github.com/smallbiznis/creditledger/internal/observability/tracing"
	"github.com/smallbiznis/creditledger/internal/tier"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	ErrSyncUnavailable = errors.New("sync_unavailable")
	ErrInvalidIdentity = errors.New("invalid_identity")
)

const defaultProviderCallTimeout = 10 * time.Second

// Identity is the authenticated user being reconciled.
type Identity struct {
	UserID string
	Email  string
}

// FailedGrant is a single grant whose ledger write failed. The pass carries
// on and a later pass retries it.
type FailedGrant struct {
	Key    string `json:"key"`
	Reason string `json:"reason"`
	Err    error  `json:"-"`
}

type Summary struct {
	CustomerFound  bool          `json:"customer_found"`
	CreditsAdded   int64         `json:"credits_added"`
	GrantsApplied  int           `json:"grants_applied"`
	GrantsSkipped  int           `json:"grants_skipped"`
	HistoryWritten int           `json:"history_written"`
	Failed         []FailedGrant `json:"failed,omitempty"`
}

type Params struct {
	fx.In

	Log        *zap.Logger
	Cfg        config.Config
	Provider   billingdomain.Provider
	Credits    creditdomain.Service
	History    historydomain.Service
	Policy     *tier.Policy
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Engine struct {
	log         *zap.Logger
	provider    billingdomain.Provider
	credits     creditdomain.Service
	history     historydomain.Service
	policy      *tier.Policy
	callTimeout time.Duration
	obsMetrics  *obsmetrics.Metrics
	tracer      trace.Tracer
}

func NewEngine(p Params) *Engine {
	timeout := p.Cfg.Sync.ProviderCallTimeout
	if timeout <= 0 {
		timeout = defaultProviderCallTimeout
	}
	return &Engine{
		log:         p.Log.Named("reconcile.engine"),
		provider:    p.Provider,
		credits:     p.Credits,
		history:     p.History,
		policy:      p.Policy,
		callTimeout: timeout,
		obsMetrics:  p.ObsMetrics,
		tracer:      otel.Tracer("creditledger/reconcile"),
	}
}

// snapshot is the provider state a pass works from. It is fetched in full
// before any grant is attempted.
type snapshot struct {
	subscriptions []billingdomain.Subscription
	prices        map[string]*billingdomain.Price
	sessions      []billingdomain.CheckoutSession
	invoices      []billingdomain.Invoice
}

// Reconcile runs one pass for the user. Provider failures abort the pass
// with ErrSyncUnavailable; grants committed before the failure stand.
func (e *Engine) Reconcile(ctx context.Context, id Identity) (Summary, error) {
	userID := strings.TrimSpace(id.UserID)
	if userID == "" {
		return Summary{}, ErrInvalidIdentity
	}
	email := strings.ToLower(strings.TrimSpace(id.Email))

	ctx, span := e.tracer.Start(ctx, "reconcile.pass", trace.WithAttributes(
		attribute.String("billing.provider", e.provider.Name()),
	))
	defer span.End()

	var summary Summary
	if email == "" {
		return summary, nil
	}

	customer, err := call(ctx, e, "find_customer", func(ctx context.Context) (*billingdomain.Customer, error) {
		return e.provider.FindCustomerByEmail(ctx, email)
	})
	if err != nil {
		return summary, e.abort(span, userID, err)
	}
	if customer == nil || customer.ID == "" {
		return summary, nil
	}
	summary.CustomerFound = true

	snap, err := e.fetchSnapshot(ctx, customer.ID)
	if err != nil {
		return summary, e.abort(span, userID, err)
	}

	e.grantSubscriptions(ctx, userID, snap, &summary)
	e.grantPurchases(ctx, userID, snap.sessions, &summary)
	e.mirrorInvoices(ctx, userID, snap.invoices, &summary)

	span.SetAttributes(
		attribute.Int64("credits_added", summary.CreditsAdded),
		attribute.Int("grants_applied", summary.GrantsApplied),
		attribute.Int("grants_skipped", summary.GrantsSkipped),
		attribute.Int("grants_failed", len(summary.Failed)),
	)
	if len(summary.Failed) > 0 {
		span.SetStatus(codes.Error, "grant failures")
	}

	e.log.Info("reconcile pass finished",
		zap.String("user_id", userID),
		zap.Int64("credits_added", summary.CreditsAdded),
		zap.Int("grants_applied", summary.GrantsApplied),
		zap.Int("grants_skipped", summary.GrantsSkipped),
		zap.Int("grants_failed", len(summary.Failed)),
		zap.Int("history_written", summary.HistoryWritten),
	)
	return summary, nil
}

func (e *Engine) fetchSnapshot(ctx context.Context, customerID string) (*snapshot, error) {
	snap := &snapshot{prices: map[string]*billingdomain.Price{}}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		subs, err := call(gctx, e, "list_subscriptions", func(ctx context.Context) ([]billingdomain.Subscription, error) {
			return e.provider.ListActiveSubscriptions(ctx, customerID)
		})
		snap.subscriptions = subs
		return err
	})
	g.Go(func() error {
		sessions, err := call(gctx, e, "list_checkout_sessions", func(ctx context.Context) ([]billingdomain.CheckoutSession, error) {
			return e.provider.ListCompletedCheckoutSessions(ctx, customerID)
		})
		snap.sessions = sessions
		return err
	})
	g.Go(func() error {
		invoices, err := call(gctx, e, "list_invoices", func(ctx context.Context) ([]billingdomain.Invoice, error) {
			return e.provider.ListPaidInvoices(ctx, customerID)
		})
		snap.invoices = invoices
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	priceIDs := map[string]struct{}{}
	for _, sub := range snap.subscriptions {
		priceIDs[sub.PriceID] = struct{}{}
	}

	type resolved struct {
		id    string
		price *billingdomain.Price
	}
	results := make(chan resolved, len(priceIDs))
	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(4)
	for priceID := range priceIDs {
		g.Go(func() error {
			p, err := call(gctx, e, "get_price", func(ctx context.Context) (*billingdomain.Price, error) {
				return e.provider.GetPrice(ctx, priceID)
			})
			if err != nil {
				return err
			}
			results <- resolved{id: priceID, price: p}
			return nil
		})
	}
	err := g.Wait()
	close(results)
	if err != nil {
		return nil, err
	}
	for r := range results {
		snap.prices[r.id] = r.price
	}
	return snap, nil
}

func (e *Engine) grantSubscriptions(ctx context.Context, userID string, snap *snapshot, summary *Summary) {
	for _, sub := range snap.subscriptions {
		price := snap.prices[sub.PriceID]
		if price == nil {
			continue
		}
		credits := e.policy.CreditsForPrice(price.UnitAmount)
		if credits <= 0 {
			continue
		}

		e.applyGrant(ctx, summary, creditdomain.GrantRequest{
			UserID:         userID,
			Pool:           creditdomain.PoolRegular,
			Amount:         credits,
			Description:    fmt.Sprintf("Subscription credits for period starting %s", sub.CurrentPeriodStart.UTC().Format("2006-01-02")),
			FeatureTag:     creditdomain.FeatureSubscriptionCredits,
			IdempotencyKey: SubscriptionKey(sub.ID, sub.CurrentPeriodStart),
		})
	}
}

func (e *Engine) grantPurchases(ctx context.Context, userID string, sessions []billingdomain.CheckoutSession, summary *Summary) {
	for _, session := range sessions {
		purchase, ok := ParseCreditPurchase(session)
		if !ok {
			continue
		}

		e.applyGrant(ctx, summary, creditdomain.GrantRequest{
			UserID:         userID,
			Pool:           purchase.Pool,
			Amount:         purchase.Credits,
			Description:    fmt.Sprintf("Credit purchase (%d credits)", purchase.Credits),
			FeatureTag:     creditdomain.FeatureCreditPurchase,
			IdempotencyKey: CheckoutKey(session.ID),
		})

		e.recordHistory(ctx, summary, historydomain.RecordRequest{
			UserID:     userID,
			ExternalID: session.ID,
			Kind:       historydomain.KindCheckout,
			Amount:     session.AmountTotal,
			Currency:   session.Currency,
			OccurredAt: session.CreatedAt,
		})
	}
}

func (e *Engine) mirrorInvoices(ctx context.Context, userID string, invoices []billingdomain.Invoice, summary *Summary) {
	for _, inv := range invoices {
		e.recordHistory(ctx, summary, historydomain.RecordRequest{
			UserID:         userID,
			ExternalID:     inv.ID,
			Kind:           historydomain.KindInvoice,
			SubscriptionID: inv.SubscriptionID,
			Amount:         inv.AmountPaid,
			Currency:       inv.Currency,
			URL:            inv.URL,
			OccurredAt:     inv.CreatedAt,
		})
	}
}

func (e *Engine) applyGrant(ctx context.Context, summary *Summary, req creditdomain.GrantRequest) {
	_, err := e.credits.GrantOnce(ctx, req)
	switch {
	case err == nil:
		summary.GrantsApplied++
		summary.CreditsAdded += req.Amount
	case errors.Is(err, creditdomain.ErrDuplicateGrant):
		summary.GrantsSkipped++
	default:
		e.log.Warn("grant failed",
			zap.String("user_id", req.UserID),
			zap.String("idempotency_key", req.IdempotencyKey),
			zap.Error(err),
		)
		summary.Failed = append(summary.Failed, FailedGrant{
			Key:    req.IdempotencyKey,
			Reason: err.Error(),
			Err:    err,
		})
	}
}

// recordHistory never fails the pass; the mirror is display-only.
func (e *Engine) recordHistory(ctx context.Context, summary *Summary, req historydomain.RecordRequest) {
	if e.history == nil {
		return
	}
	inserted, err := e.history.Record(ctx, req)
	if err != nil {
		e.log.Warn("billing history write failed",
			zap.String("user_id", req.UserID),
			zap.String("external_id", req.ExternalID),
			zap.Error(err),
		)
		return
	}
	if inserted {
		summary.HistoryWritten++
	}
}

func (e *Engine) abort(span trace.Span, userID string, err error) error {
	span.RecordError(tracing.SafeError(err))
	span.SetStatus(codes.Error, "billing provider unavailable")
	e.log.Warn("reconcile pass aborted", zap.String("user_id", userID), zap.Error(err))
	return fmt.Errorf("%w: %w", ErrSyncUnavailable, err)
}

// call bounds a single provider call by the configured timeout and wraps it
// in a span.
func call[T any](ctx context.Context, e *Engine, op string, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()

	ctx, span := e.tracer.Start(ctx, "billing."+op)
	defer span.End()

	out, err := fn(ctx)
	if err != nil {
		span.RecordError(tracing.SafeError(err))
		span.SetStatus(codes.Error, op)
		e.obsMetrics.RecordProviderError(ctx, e.provider.Name(), op)
	}
	return out, err
}
