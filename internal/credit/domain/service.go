package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
)

type Service interface {
	GetBalance(ctx context.Context, userID string, pool Pool) (int64, error)
	Grant(ctx context.Context, req GrantRequest) (MutationResult, error)
	// GrantOnce applies the grant at most once per (user, idempotency key).
	GrantOnce(ctx context.Context, req GrantRequest) (MutationResult, error)
	Deduct(ctx context.Context, req DeductRequest) (MutationResult, error)
	ListTransactions(ctx context.Context, userID string, filter TransactionFilter) ([]Transaction, error)
	Audit(ctx context.Context, userID string, pool Pool) (AuditResult, error)
}

type GrantRequest struct {
	UserID         string
	Pool           Pool
	Amount         int64
	Description    string
	FeatureTag     string
	IdempotencyKey string
}

type DeductRequest struct {
	UserID      string
	Pool        Pool
	Amount      int64
	Description string
	FeatureTag  string
}

type MutationResult struct {
	TransactionID snowflake.ID `json:"transaction_id"`
	NewBalance    int64        `json:"new_balance"`
}

// AuditResult compares the stored balance against the transaction history.
type AuditResult struct {
	UserID         string `json:"user_id"`
	Pool           Pool   `json:"pool"`
	Balance        int64  `json:"balance"`
	TransactionSum int64  `json:"transaction_sum"`
	Consistent     bool   `json:"consistent"`
	Exists         bool   `json:"exists"`
}
