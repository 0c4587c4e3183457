package domain

import (
	"context"
	"errors"

	creditdomain "github.com/smallbiznis/creditledger/internal/credit/domain"
)

var (
	ErrInvalidAmount = errors.New("invalid_amount")
	ErrMissingReason = errors.New("missing_reason")
)

// AdjustRequest is a signed admin correction. Callers are expected to have
// checked that ActorID holds the admin role.
type AdjustRequest struct {
	ActorID      string
	ActorEmail   string
	TargetUserID string
	Pool         creditdomain.Pool
	Amount       int64
	Reason       string
}

type AdjustResult struct {
	TargetUserID string            `json:"target_user_id"`
	Pool         creditdomain.Pool `json:"pool"`
	Amount       int64             `json:"amount"`
	NewBalance   int64             `json:"new_balance"`
}

type Service interface {
	Adjust(ctx context.Context, req AdjustRequest) (AdjustResult, error)
	Audit(ctx context.Context, userID string) ([]creditdomain.AuditResult, error)
}
