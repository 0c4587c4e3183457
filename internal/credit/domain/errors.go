package domain

import "errors"

var (
	ErrInvalidUserID         = errors.New("invalid_user_id")
	ErrInvalidPool           = errors.New("invalid_pool")
	ErrInvalidAmount         = errors.New("invalid_amount")
	ErrInvalidFeatureTag     = errors.New("invalid_feature_tag")
	ErrInvalidIdempotencyKey = errors.New("invalid_idempotency_key")
	ErrInsufficientFunds     = errors.New("insufficient_funds")
	// ErrDuplicateGrant reports an idempotency key that was already granted.
	// Callers treat it as a skip.
	ErrDuplicateGrant    = errors.New("duplicate_grant")
	ErrLedgerUnavailable = errors.New("ledger_unavailable")
)
