package domain

import "time"

// Customer is the provider-side billing identity of a user.
type Customer struct {
	ID    string
	Email string
}

// Subscription is an active recurring plan. CurrentPeriodStart identifies
// the billing period that entitles the user to credits.
type Subscription struct {
	ID                 string
	PriceID            string
	CurrentPeriodStart time.Time
}

type Price struct {
	ID         string
	UnitAmount int64
	Currency   string
}

const (
	CheckoutModePayment      = "payment"
	CheckoutModeSubscription = "subscription"
)

// CheckoutPaymentStatusPaid marks a session whose funds were captured. A
// complete session can still be unpaid while async payment methods settle.
const CheckoutPaymentStatusPaid = "paid"

// CheckoutSession is a completed one-time or subscription checkout.
// Metadata is untrusted input.
type CheckoutSession struct {
	ID            string
	Mode          string
	PaymentStatus string
	AmountTotal   int64
	Currency      string
	CreatedAt     time.Time
	Metadata      map[string]string
}

type Invoice struct {
	ID             string
	SubscriptionID string
	AmountPaid     int64
	Currency       string
	CreatedAt      time.Time
	URL            string
}
