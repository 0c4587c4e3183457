package reconcile

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	billingdomain "github.com/smallbiznis/creditledger/internal/billing/domain"
	creditdomain "github.com/smallbiznis/creditledger/internal/credit/domain"
)

const maxPurchaseCredits = 100_000

// SubscriptionKey identifies one billing period of one subscription.
func SubscriptionKey(subscriptionID string, periodStart time.Time) string {
	return fmt.Sprintf("subscription:%s:%d", subscriptionID, periodStart.Unix())
}

func CheckoutKey(sessionID string) string {
	return "checkout:" + sessionID
}

// CreditPurchase is a checkout session that qualifies for a credit grant.
type CreditPurchase struct {
	Credits int64
	Pool    creditdomain.Pool
}

// ParseCreditPurchase accepts only paid payment-mode sessions whose
// metadata carries type=credit_purchase and a positive integer credits
// value. An optional pool value routes the credits to another pool.
func ParseCreditPurchase(session billingdomain.CheckoutSession) (CreditPurchase, bool) {
	if session.ID == "" || session.Mode != billingdomain.CheckoutModePayment {
		return CreditPurchase{}, false
	}
	if session.PaymentStatus != billingdomain.CheckoutPaymentStatusPaid {
		return CreditPurchase{}, false
	}
	if strings.TrimSpace(session.Metadata["type"]) != creditdomain.FeatureCreditPurchase {
		return CreditPurchase{}, false
	}
	credits, err := strconv.ParseInt(strings.TrimSpace(session.Metadata["credits"]), 10, 64)
	if err != nil || credits <= 0 || credits > maxPurchaseCredits {
		return CreditPurchase{}, false
	}
	pool, err := creditdomain.ParsePool(session.Metadata["pool"])
	if err != nil {
		return CreditPurchase{}, false
	}
	return CreditPurchase{Credits: credits, Pool: pool}, true
}
