package domain

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Pool identifies one of a user's independent credit balances.
type Pool string

const (
	PoolRegular     Pool = "regular"
	PoolHealthScore Pool = "health_score"
)

// Pools lists every pool in display order.
var Pools = []Pool{PoolRegular, PoolHealthScore}

// ParsePool normalizes a pool name. An empty name selects the regular pool.
func ParsePool(raw string) (Pool, error) {
	switch Pool(strings.ToLower(strings.TrimSpace(raw))) {
	case "", PoolRegular:
		return PoolRegular, nil
	case PoolHealthScore:
		return PoolHealthScore, nil
	default:
		return "", ErrInvalidPool
	}
}

func (p Pool) Valid() bool {
	return p == PoolRegular || p == PoolHealthScore
}

type TransactionKind string

const (
	TransactionKindAdd    TransactionKind = "add"
	TransactionKindDeduct TransactionKind = "deduct"
)

// Feature tags explain where a balance change came from.
const (
	FeatureSubscriptionCredits  = "subscription_credits"
	FeatureCreditPurchase       = "credit_purchase"
	FeatureAdminAllocation      = "admin_allocation"
	FeatureAdminDeduction       = "admin_deduction"
	FeatureHealthScoreUsage     = "health_score_usage"
	FeatureHealthScoreAllotment = "health_score_allotment"
)

// Balance is the current spendable credit count for one (user, pool).
type Balance struct {
	UserID    string    `json:"user_id" gorm:"primaryKey;type:varchar(191)"`
	Pool      Pool      `json:"pool" gorm:"primaryKey;type:varchar(32)"`
	Credits   int64     `json:"credits" gorm:"not null;check:chk_credit_balances_non_negative,credits >= 0"`
	UpdatedAt time.Time `json:"updated_at" gorm:"not null"`
}

func (Balance) TableName() string { return "credit_balances" }

// Transaction is an immutable ledger row. Amount is signed: grants are
// positive and deductions negative.
type Transaction struct {
	ID             snowflake.ID    `json:"id" gorm:"primaryKey;autoIncrement:false"`
	UserID         string          `json:"user_id" gorm:"type:varchar(191);not null;index:idx_credit_transactions_user_created,priority:1;uniqueIndex:ux_credit_transactions_user_idempotency,priority:1"`
	Pool           Pool            `json:"pool" gorm:"type:varchar(32);not null"`
	Amount         int64           `json:"amount" gorm:"not null"`
	Kind           TransactionKind `json:"kind" gorm:"type:varchar(16);not null"`
	Description    string          `json:"description" gorm:"type:text;not null"`
	FeatureTag     string          `json:"feature_tag" gorm:"type:varchar(64);not null"`
	IdempotencyKey *string         `json:"idempotency_key,omitempty" gorm:"type:varchar(191);uniqueIndex:ux_credit_transactions_user_idempotency,priority:2"`
	CreatedAt      time.Time       `json:"created_at" gorm:"not null;index:idx_credit_transactions_user_created,priority:2"`
}

func (Transaction) TableName() string { return "credit_transactions" }

// TransactionFilter narrows ListTransactions. A nil Pool lists both pools.
type TransactionFilter struct {
	Pool *Pool
}
