package repository

import (
	"context"
	"time"

	"github.com/smallbiznis/creditledger/internal/credit/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindBalance(ctx context.Context, db *gorm.DB, userID string, pool domain.Pool) (*domain.Balance, error) {
	var items []domain.Balance
	err := db.WithContext(ctx).Raw(
		`SELECT user_id, pool, credits, updated_at
		 FROM credit_balances
		 WHERE user_id = ? AND pool = ?
		 LIMIT 1`,
		userID,
		string(pool),
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return &items[0], nil
}

// EnsureBalance inserts the seeded row unless it already exists. The
// conflict clause is rendered per dialect by gorm.
func (r *repo) EnsureBalance(ctx context.Context, db *gorm.DB, userID string, pool domain.Pool, seed int64, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "pool"}},
		DoNothing: true,
	}).Create(&domain.Balance{
		UserID:    userID,
		Pool:      pool,
		Credits:   seed,
		UpdatedAt: now,
	})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) IncrementBalance(ctx context.Context, db *gorm.DB, userID string, pool domain.Pool, amount int64, now time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE credit_balances
		 SET credits = credits + ?, updated_at = ?
		 WHERE user_id = ? AND pool = ?`,
		amount,
		now,
		userID,
		string(pool),
	)
	return res.RowsAffected, res.Error
}

func (r *repo) DecrementBalance(ctx context.Context, db *gorm.DB, userID string, pool domain.Pool, amount int64, now time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE credit_balances
		 SET credits = credits - ?, updated_at = ?
		 WHERE user_id = ? AND pool = ? AND credits >= ?`,
		amount,
		now,
		userID,
		string(pool),
		amount,
	)
	return res.RowsAffected, res.Error
}

// InsertTransaction reports false when a row with the same
// (user_id, idempotency_key) already exists. Rows without a key never
// conflict.
func (r *repo) InsertTransaction(ctx context.Context, db *gorm.DB, txn *domain.Transaction) (bool, error) {
	res := db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "idempotency_key"}},
		DoNothing: true,
	}).Create(txn)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) ListTransactions(ctx context.Context, db *gorm.DB, userID string, filter domain.TransactionFilter) ([]domain.Transaction, error) {
	query := `SELECT id, user_id, pool, amount, kind, description, feature_tag, idempotency_key, created_at
		 FROM credit_transactions
		 WHERE user_id = ?`
	args := []any{userID}
	if filter.Pool != nil {
		query += ` AND pool = ?`
		args = append(args, string(*filter.Pool))
	}
	query += ` ORDER BY created_at DESC, id DESC`

	var items []domain.Transaction
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) SumTransactions(ctx context.Context, db *gorm.DB, userID string, pool domain.Pool) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(amount), 0)
		 FROM credit_transactions
		 WHERE user_id = ? AND pool = ?`,
		userID,
		string(pool),
	).Scan(&total).Error
	return total, err
}
