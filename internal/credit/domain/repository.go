package domain

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// Repository is the ledger store. Every method runs against the supplied db
// handle so callers can compose them inside one database transaction.
type Repository interface {
	FindBalance(ctx context.Context, db *gorm.DB, userID string, pool Pool) (*Balance, error)
	// EnsureBalance inserts the row with the given seed if absent and reports
	// whether it did.
	EnsureBalance(ctx context.Context, db *gorm.DB, userID string, pool Pool, seed int64, now time.Time) (bool, error)
	IncrementBalance(ctx context.Context, db *gorm.DB, userID string, pool Pool, amount int64, now time.Time) (int64, error)
	// DecrementBalance only applies when credits >= amount and returns the
	// number of rows changed.
	DecrementBalance(ctx context.Context, db *gorm.DB, userID string, pool Pool, amount int64, now time.Time) (int64, error)
	// InsertTransaction reports false when the idempotency key already exists.
	InsertTransaction(ctx context.Context, db *gorm.DB, txn *Transaction) (bool, error)
	ListTransactions(ctx context.Context, db *gorm.DB, userID string, filter TransactionFilter) ([]Transaction, error)
	SumTransactions(ctx context.Context, db *gorm.DB, userID string, pool Pool) (int64, error)
}
