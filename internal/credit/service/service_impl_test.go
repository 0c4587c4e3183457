package service_test

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditledger/internal/clock"
	"github.com/smallbiznis/creditledger/internal/config"
	"github.com/smallbiznis/creditledger/internal/credit/domain"
	"github.com/smallbiznis/creditledger/internal/credit/repository"
	"github.com/smallbiznis/creditledger/internal/credit/service"
	"github.com/smallbiznis/creditledger/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (domain.Service, *gorm.DB) {
	t.Helper()

	db := testutil.NewDB(t)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	svc := service.NewService(service.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Repo:  repository.Provide(),
		Clock: clock.NewFakeClock(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)),
		Cfg:   config.Config{Ledger: config.LedgerConfig{HealthScoreStartingCredits: 1}},
	})
	return svc, db
}

func TestGetBalanceWithoutRow(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	regular, err := svc.GetBalance(ctx, "user-1", domain.PoolRegular)
	require.NoError(t, err)
	assert.Equal(t, int64(0), regular)

	health, err := svc.GetBalance(ctx, "user-1", domain.PoolHealthScore)
	require.NoError(t, err)
	assert.Equal(t, int64(1), health)

	_, err = svc.GetBalance(ctx, "user-1", domain.Pool("gold"))
	assert.ErrorIs(t, err, domain.ErrInvalidPool)
}

func TestGrantAndDeduct(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	res, err := svc.Grant(ctx, domain.GrantRequest{
		UserID:      "user-1",
		Pool:        domain.PoolRegular,
		Amount:      10,
		Description: "Top up",
		FeatureTag:  domain.FeatureCreditPurchase,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(10), res.NewBalance)
	assert.NotZero(t, res.TransactionID)

	res, err = svc.Deduct(ctx, domain.DeductRequest{
		UserID:      "user-1",
		Pool:        domain.PoolRegular,
		Amount:      4,
		Description: "Generated report",
		FeatureTag:  "report_generation",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(6), res.NewBalance)

	txns, err := svc.ListTransactions(ctx, "user-1", domain.TransactionFilter{})
	require.NoError(t, err)
	require.Len(t, txns, 2)
	assert.Equal(t, int64(-4), txns[0].Amount)
	assert.Equal(t, domain.TransactionKindDeduct, txns[0].Kind)
	assert.Equal(t, int64(10), txns[1].Amount)
}

func TestDeductInsufficientFundsLeavesStateUnchanged(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Grant(ctx, domain.GrantRequest{UserID: "user-1", Pool: domain.PoolRegular, Amount: 3, FeatureTag: domain.FeatureAdminAllocation})
	require.NoError(t, err)

	_, err = svc.Deduct(ctx, domain.DeductRequest{UserID: "user-1", Pool: domain.PoolRegular, Amount: 5, FeatureTag: domain.FeatureAdminDeduction})
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)

	balance, err := svc.GetBalance(ctx, "user-1", domain.PoolRegular)
	require.NoError(t, err)
	assert.Equal(t, int64(3), balance)

	txns, err := svc.ListTransactions(ctx, "user-1", domain.TransactionFilter{})
	require.NoError(t, err)
	assert.Len(t, txns, 1)
}

func TestInvalidAmountsRejected(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	for _, amount := range []int64{0, -5} {
		_, err := svc.Grant(ctx, domain.GrantRequest{UserID: "user-1", Pool: domain.PoolRegular, Amount: amount, FeatureTag: "x"})
		assert.ErrorIs(t, err, domain.ErrInvalidAmount)
		_, err = svc.Deduct(ctx, domain.DeductRequest{UserID: "user-1", Pool: domain.PoolRegular, Amount: amount, FeatureTag: "x"})
		assert.ErrorIs(t, err, domain.ErrInvalidAmount)
	}
}

func TestGrantRejectsBalanceOverflow(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	_, err := svc.Grant(ctx, domain.GrantRequest{UserID: "user-1", Pool: domain.PoolRegular, Amount: math.MaxInt64, FeatureTag: "x"})
	require.NoError(t, err)

	_, err = svc.Grant(ctx, domain.GrantRequest{UserID: "user-1", Pool: domain.PoolRegular, Amount: 1, FeatureTag: "x"})
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
	assert.NotErrorIs(t, err, domain.ErrLedgerUnavailable)

	balance, err := svc.GetBalance(ctx, "user-1", domain.PoolRegular)
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64), balance)

	var count int64
	require.NoError(t, db.Raw(`SELECT COUNT(*) FROM credit_transactions WHERE user_id = ?`, "user-1").Scan(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestGrantOnceIsIdempotent(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	req := domain.GrantRequest{
		UserID:         "user-1",
		Pool:           domain.PoolRegular,
		Amount:         25,
		Description:    "Monthly subscription credits",
		FeatureTag:     domain.FeatureSubscriptionCredits,
		IdempotencyKey: "subscription:sub_1:1746057600",
	}

	res, err := svc.GrantOnce(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, int64(25), res.NewBalance)

	_, err = svc.GrantOnce(ctx, req)
	assert.ErrorIs(t, err, domain.ErrDuplicateGrant)

	balance, err := svc.GetBalance(ctx, "user-1", domain.PoolRegular)
	require.NoError(t, err)
	assert.Equal(t, int64(25), balance)

	_, err = svc.GrantOnce(ctx, domain.GrantRequest{UserID: "user-1", Pool: domain.PoolRegular, Amount: 1, FeatureTag: "x"})
	assert.ErrorIs(t, err, domain.ErrInvalidIdempotencyKey)
}

func TestHealthScoreSeedIsRecorded(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	res, err := svc.Deduct(ctx, domain.DeductRequest{
		UserID:     "user-1",
		Pool:       domain.PoolHealthScore,
		Amount:     1,
		FeatureTag: domain.FeatureHealthScoreUsage,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.NewBalance)

	pool := domain.PoolHealthScore
	txns, err := svc.ListTransactions(ctx, "user-1", domain.TransactionFilter{Pool: &pool})
	require.NoError(t, err)
	require.Len(t, txns, 2)
	assert.Equal(t, domain.FeatureHealthScoreUsage, txns[0].FeatureTag)
	assert.Equal(t, domain.FeatureHealthScoreAllotment, txns[1].FeatureTag)

	audit, err := svc.Audit(ctx, "user-1", domain.PoolHealthScore)
	require.NoError(t, err)
	assert.True(t, audit.Consistent)
	assert.Equal(t, int64(0), audit.TransactionSum)
}

// Any sequence of grants and deductions keeps the balance non-negative and
// equal to the sum of its transactions.
func TestLedgerInvariantsHoldForSequence(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	ops := []int64{5, -3, -4, 10, -12, -8, 1, -1, -1, 7}
	for _, op := range ops {
		var err error
		if op > 0 {
			_, err = svc.Grant(ctx, domain.GrantRequest{UserID: "user-1", Pool: domain.PoolRegular, Amount: op, FeatureTag: "grant"})
		} else {
			_, err = svc.Deduct(ctx, domain.DeductRequest{UserID: "user-1", Pool: domain.PoolRegular, Amount: -op, FeatureTag: "spend"})
		}
		if err != nil && !errors.Is(err, domain.ErrInsufficientFunds) {
			t.Fatalf("unexpected error: %v", err)
		}

		balance, err := svc.GetBalance(ctx, "user-1", domain.PoolRegular)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, balance, int64(0))

		audit, err := svc.Audit(ctx, "user-1", domain.PoolRegular)
		require.NoError(t, err)
		assert.True(t, audit.Consistent, "balance %d sum %d", audit.Balance, audit.TransactionSum)
	}

	balance, err := svc.GetBalance(ctx, "user-1", domain.PoolRegular)
	require.NoError(t, err)
	// 5-3 =2, -4 rejected, +10 =12, -12 =0, -8 rejected, +1 =1, -1 =0, -1 rejected, +7 =7
	assert.Equal(t, int64(7), balance)
}

func TestAuditDetectsDrift(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	_, err := svc.Grant(ctx, domain.GrantRequest{UserID: "user-1", Pool: domain.PoolRegular, Amount: 4, FeatureTag: "grant"})
	require.NoError(t, err)
	require.NoError(t, db.Exec(`UPDATE credit_balances SET credits = 9 WHERE user_id = ?`, "user-1").Error)

	audit, err := svc.Audit(ctx, "user-1", domain.PoolRegular)
	require.NoError(t, err)
	assert.False(t, audit.Consistent)
	assert.Equal(t, int64(9), audit.Balance)
	assert.Equal(t, int64(4), audit.TransactionSum)
}

func TestStoreFailureIsLedgerUnavailable(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	require.NoError(t, db.Exec(`DROP TABLE credit_transactions`).Error)

	_, err := svc.Grant(ctx, domain.GrantRequest{UserID: "user-1", Pool: domain.PoolRegular, Amount: 1, FeatureTag: "grant"})
	assert.ErrorIs(t, err, domain.ErrLedgerUnavailable)

	// The balance row created in the failed transaction was rolled back.
	var count int64
	require.NoError(t, db.Raw(`SELECT COUNT(*) FROM credit_balances`).Scan(&count).Error)
	assert.Equal(t, int64(0), count)
}
