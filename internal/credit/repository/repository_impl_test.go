package repository_test

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditledger/internal/credit/domain"
	"github.com/smallbiznis/creditledger/internal/credit/repository"
	"github.com/smallbiznis/creditledger/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureBalanceInsertsOnce(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	repo := repository.Provide()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	inserted, err := repo.EnsureBalance(ctx, db, "user-1", domain.PoolHealthScore, 1, now)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = repo.EnsureBalance(ctx, db, "user-1", domain.PoolHealthScore, 1, now)
	require.NoError(t, err)
	assert.False(t, inserted)

	balance, err := repo.FindBalance(ctx, db, "user-1", domain.PoolHealthScore)
	require.NoError(t, err)
	require.NotNil(t, balance)
	assert.Equal(t, int64(1), balance.Credits)

	missing, err := repo.FindBalance(ctx, db, "user-1", domain.PoolRegular)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestDecrementBalanceIsConditional(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	repo := repository.Provide()
	now := time.Now().UTC()

	_, err := repo.EnsureBalance(ctx, db, "user-1", domain.PoolRegular, 0, now)
	require.NoError(t, err)
	_, err = repo.IncrementBalance(ctx, db, "user-1", domain.PoolRegular, 3, now)
	require.NoError(t, err)

	rows, err := repo.DecrementBalance(ctx, db, "user-1", domain.PoolRegular, 5, now)
	require.NoError(t, err)
	assert.Equal(t, int64(0), rows)

	rows, err = repo.DecrementBalance(ctx, db, "user-1", domain.PoolRegular, 3, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rows)

	balance, err := repo.FindBalance(ctx, db, "user-1", domain.PoolRegular)
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance.Credits)
}

func TestInsertTransactionRejectsDuplicateKey(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	repo := repository.Provide()
	key := "subscription:sub_1:1700000000"

	txn := &domain.Transaction{
		ID:             1,
		UserID:         "user-1",
		Pool:           domain.PoolRegular,
		Amount:         25,
		Kind:           domain.TransactionKindAdd,
		Description:    "Monthly subscription credits",
		FeatureTag:     domain.FeatureSubscriptionCredits,
		IdempotencyKey: &key,
		CreatedAt:      time.Now().UTC(),
	}
	inserted, err := repo.InsertTransaction(ctx, db, txn)
	require.NoError(t, err)
	assert.True(t, inserted)

	dup := *txn
	dup.ID = 2
	inserted, err = repo.InsertTransaction(ctx, db, &dup)
	require.NoError(t, err)
	assert.False(t, inserted)

	// The same key is free for another user.
	other := *txn
	other.ID = 3
	other.UserID = "user-2"
	inserted, err = repo.InsertTransaction(ctx, db, &other)
	require.NoError(t, err)
	assert.True(t, inserted)

	found, err := repo.ListTransactions(ctx, db, "user-1", domain.TransactionFilter{})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, int64(25), found[0].Amount)
}

func TestInsertTransactionAllowsManyNullKeys(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	repo := repository.Provide()

	for i := 1; i <= 3; i++ {
		inserted, err := repo.InsertTransaction(ctx, db, &domain.Transaction{
			ID:          int64ID(i),
			UserID:      "user-1",
			Pool:        domain.PoolRegular,
			Amount:      -1,
			Kind:        domain.TransactionKindDeduct,
			Description: "report",
			FeatureTag:  "report_generation",
			CreatedAt:   time.Now().UTC(),
		})
		require.NoError(t, err)
		assert.True(t, inserted)
	}

	sum, err := repo.SumTransactions(ctx, db, "user-1", domain.PoolRegular)
	require.NoError(t, err)
	assert.Equal(t, int64(-3), sum)
}

func TestListTransactionsNewestFirstWithPoolFilter(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	repo := repository.Provide()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	rows := []domain.Transaction{
		{ID: 1, UserID: "user-1", Pool: domain.PoolRegular, Amount: 10, Kind: domain.TransactionKindAdd, Description: "a", FeatureTag: "t", CreatedAt: base},
		{ID: 2, UserID: "user-1", Pool: domain.PoolHealthScore, Amount: 1, Kind: domain.TransactionKindAdd, Description: "b", FeatureTag: "t", CreatedAt: base.Add(time.Minute)},
		{ID: 3, UserID: "user-1", Pool: domain.PoolRegular, Amount: -2, Kind: domain.TransactionKindDeduct, Description: "c", FeatureTag: "t", CreatedAt: base.Add(2 * time.Minute)},
		{ID: 4, UserID: "user-2", Pool: domain.PoolRegular, Amount: 5, Kind: domain.TransactionKindAdd, Description: "d", FeatureTag: "t", CreatedAt: base},
	}
	for i := range rows {
		_, err := repo.InsertTransaction(ctx, db, &rows[i])
		require.NoError(t, err)
	}

	all, err := repo.ListTransactions(ctx, db, "user-1", domain.TransactionFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "c", all[0].Description)
	assert.Equal(t, "a", all[2].Description)

	pool := domain.PoolRegular
	regular, err := repo.ListTransactions(ctx, db, "user-1", domain.TransactionFilter{Pool: &pool})
	require.NoError(t, err)
	require.Len(t, regular, 2)
	assert.Equal(t, int64(-2), regular[0].Amount)
}

func int64ID(i int) snowflake.ID { return snowflake.ID(i) }
