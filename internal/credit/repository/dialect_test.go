package repository_test

import (
	"context"
	"testing"
	"time"

	"github.com/smallbiznis/creditledger/internal/credit/domain"
	"github.com/smallbiznis/creditledger/internal/credit/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// dryRunMySQL returns a session that renders statements for mysql without a
// server, and a func reporting the last rendered INSERT.
func dryRunMySQL(t *testing.T) (*gorm.DB, func() string) {
	t.Helper()
	conn, err := gorm.Open(mysql.New(mysql.Config{
		DSN:                       "user:pass@tcp(127.0.0.1:3306)/ledger?parseTime=true",
		SkipInitializeWithVersion: true,
	}), &gorm.Config{
		DryRun:                 true,
		SkipDefaultTransaction: true,
		DisableAutomaticPing:   true,
		Logger:                 gormlogger.Discard,
	})
	require.NoError(t, err)

	var last string
	err = conn.Callback().Create().After("gorm:create").Register("test:capture_sql", func(tx *gorm.DB) {
		last = tx.Statement.SQL.String()
	})
	require.NoError(t, err)
	return conn, func() string { return last }
}

func TestInsertsRenderForMySQL(t *testing.T) {
	ctx := context.Background()
	conn, lastSQL := dryRunMySQL(t)
	repo := repository.Provide()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	_, err := repo.EnsureBalance(ctx, conn, "user-1", domain.PoolRegular, 0, now)
	require.NoError(t, err)
	assert.Contains(t, lastSQL(), "INSERT INTO `credit_balances`")
	assert.Contains(t, lastSQL(), "ON DUPLICATE KEY UPDATE")
	assert.NotContains(t, lastSQL(), "ON CONFLICT")

	key := "checkout:cs_1"
	_, err = repo.InsertTransaction(ctx, conn, &domain.Transaction{
		ID:             int64ID(1),
		UserID:         "user-1",
		Pool:           domain.PoolRegular,
		Amount:         10,
		Kind:           domain.TransactionKindAdd,
		Description:    "Credit purchase (10 credits)",
		FeatureTag:     domain.FeatureCreditPurchase,
		IdempotencyKey: &key,
		CreatedAt:      now,
	})
	require.NoError(t, err)
	assert.Contains(t, lastSQL(), "INSERT INTO `credit_transactions`")
	assert.Contains(t, lastSQL(), "ON DUPLICATE KEY UPDATE")
	assert.NotContains(t, lastSQL(), "ON CONFLICT")
}
