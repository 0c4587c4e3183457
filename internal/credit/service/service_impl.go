package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditledger/internal/clock"
	"github.com/smallbiznis/creditledger/internal/config"
	"github.com/smallbiznis/creditledger/internal/credit/domain"
	obsmetrics "github.com/smallbiznis/creditledger/internal/observability/metrics"
	"github.com/smallbiznis/creditledger/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Repo       domain.Repository
	Clock      clock.Clock
	Cfg        config.Config
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	repo       domain.Repository
	clock      clock.Clock
	seeds      map[domain.Pool]int64
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) domain.Service {
	healthSeed := p.Cfg.Ledger.HealthScoreStartingCredits
	if healthSeed < 0 {
		healthSeed = 0
	}
	c := p.Clock
	if c == nil {
		c = clock.SystemClock{}
	}
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("credit.service"),
		genID: p.GenID,
		repo:  p.Repo,
		clock: c,
		seeds: map[domain.Pool]int64{
			domain.PoolRegular:     0,
			domain.PoolHealthScore: healthSeed,
		},
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) GetBalance(ctx context.Context, userID string, pool domain.Pool) (int64, error) {
	userID, err := validateOwner(userID, pool)
	if err != nil {
		return 0, err
	}

	balance, err := s.repo.FindBalance(ctx, s.db, userID, pool)
	if err != nil {
		return 0, ledgerUnavailable(err)
	}
	if balance == nil {
		return s.seeds[pool], nil
	}
	return balance.Credits, nil
}

func (s *Service) Grant(ctx context.Context, req domain.GrantRequest) (domain.MutationResult, error) {
	return s.grant(ctx, req, nil)
}

func (s *Service) GrantOnce(ctx context.Context, req domain.GrantRequest) (domain.MutationResult, error) {
	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		return domain.MutationResult{}, domain.ErrInvalidIdempotencyKey
	}
	return s.grant(ctx, req, &key)
}

func (s *Service) grant(ctx context.Context, req domain.GrantRequest, key *string) (domain.MutationResult, error) {
	userID, err := validateOwner(req.UserID, req.Pool)
	if err != nil {
		return domain.MutationResult{}, err
	}
	if req.Amount <= 0 {
		return domain.MutationResult{}, domain.ErrInvalidAmount
	}
	featureTag := strings.TrimSpace(req.FeatureTag)
	if featureTag == "" {
		return domain.MutationResult{}, domain.ErrInvalidFeatureTag
	}

	var result domain.MutationResult
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now()
		if err := s.ensureSeeded(ctx, tx, userID, req.Pool, now); err != nil {
			return err
		}
		current, err := s.currentBalance(ctx, tx, userID, req.Pool)
		if err != nil {
			return err
		}
		if req.Amount > math.MaxInt64-current {
			return fmt.Errorf("%w: balance would overflow", domain.ErrInvalidAmount)
		}

		txn := &domain.Transaction{
			ID:             s.genID.Generate(),
			UserID:         userID,
			Pool:           req.Pool,
			Amount:         req.Amount,
			Kind:           domain.TransactionKindAdd,
			Description:    describe(req.Description, featureTag),
			FeatureTag:     featureTag,
			IdempotencyKey: key,
			CreatedAt:      now,
		}
		inserted, err := s.repo.InsertTransaction(ctx, tx, txn)
		if err != nil {
			if key != nil && db.IsDuplicateKeyErr(err) {
				return domain.ErrDuplicateGrant
			}
			return err
		}
		if !inserted {
			return domain.ErrDuplicateGrant
		}

		rows, err := s.repo.IncrementBalance(ctx, tx, userID, req.Pool, req.Amount, now)
		if err != nil {
			return err
		}
		if rows == 0 {
			return errors.New("balance row missing after seed")
		}

		newBalance, err := s.currentBalance(ctx, tx, userID, req.Pool)
		if err != nil {
			return err
		}
		result = domain.MutationResult{TransactionID: txn.ID, NewBalance: newBalance}
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrDuplicateGrant) {
			s.obsMetrics.RecordDuplicateGrant(ctx, string(req.Pool))
			return domain.MutationResult{}, err
		}
		return domain.MutationResult{}, ledgerUnavailable(err)
	}

	s.obsMetrics.RecordGrant(ctx, string(req.Pool), featureTag, req.Amount)
	s.log.Info("credits granted",
		zap.String("user_id", userID),
		zap.String("pool", string(req.Pool)),
		zap.Int64("amount", req.Amount),
		zap.String("feature_tag", featureTag),
		zap.Int64("new_balance", result.NewBalance),
	)
	return result, nil
}

func (s *Service) Deduct(ctx context.Context, req domain.DeductRequest) (domain.MutationResult, error) {
	userID, err := validateOwner(req.UserID, req.Pool)
	if err != nil {
		return domain.MutationResult{}, err
	}
	if req.Amount <= 0 {
		return domain.MutationResult{}, domain.ErrInvalidAmount
	}
	featureTag := strings.TrimSpace(req.FeatureTag)
	if featureTag == "" {
		return domain.MutationResult{}, domain.ErrInvalidFeatureTag
	}

	var result domain.MutationResult
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now()
		if err := s.ensureSeeded(ctx, tx, userID, req.Pool, now); err != nil {
			return err
		}

		txn := &domain.Transaction{
			ID:          s.genID.Generate(),
			UserID:      userID,
			Pool:        req.Pool,
			Amount:      -req.Amount,
			Kind:        domain.TransactionKindDeduct,
			Description: describe(req.Description, featureTag),
			FeatureTag:  featureTag,
			CreatedAt:   now,
		}
		if _, err := s.repo.InsertTransaction(ctx, tx, txn); err != nil {
			return err
		}

		rows, err := s.repo.DecrementBalance(ctx, tx, userID, req.Pool, req.Amount, now)
		if err != nil {
			if db.IsCheckViolation(err) {
				return domain.ErrInsufficientFunds
			}
			return err
		}
		if rows == 0 {
			return domain.ErrInsufficientFunds
		}

		newBalance, err := s.currentBalance(ctx, tx, userID, req.Pool)
		if err != nil {
			return err
		}
		result = domain.MutationResult{TransactionID: txn.ID, NewBalance: newBalance}
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrInsufficientFunds) {
			s.obsMetrics.RecordDeduction(ctx, string(req.Pool), "insufficient_funds")
			return domain.MutationResult{}, err
		}
		return domain.MutationResult{}, ledgerUnavailable(err)
	}

	s.obsMetrics.RecordDeduction(ctx, string(req.Pool), "applied")
	s.log.Info("credits deducted",
		zap.String("user_id", userID),
		zap.String("pool", string(req.Pool)),
		zap.Int64("amount", req.Amount),
		zap.String("feature_tag", featureTag),
		zap.Int64("new_balance", result.NewBalance),
	)
	return result, nil
}

func (s *Service) ListTransactions(ctx context.Context, userID string, filter domain.TransactionFilter) ([]domain.Transaction, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, domain.ErrInvalidUserID
	}
	if filter.Pool != nil && !filter.Pool.Valid() {
		return nil, domain.ErrInvalidPool
	}

	items, err := s.repo.ListTransactions(ctx, s.db, userID, filter)
	if err != nil {
		return nil, ledgerUnavailable(err)
	}
	return items, nil
}

// Audit recomputes the balance from the transaction history. A user without
// a balance row is consistent only when no transactions exist either.
func (s *Service) Audit(ctx context.Context, userID string, pool domain.Pool) (domain.AuditResult, error) {
	userID, err := validateOwner(userID, pool)
	if err != nil {
		return domain.AuditResult{}, err
	}

	result := domain.AuditResult{UserID: userID, Pool: pool}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		balance, err := s.repo.FindBalance(ctx, tx, userID, pool)
		if err != nil {
			return err
		}
		sum, err := s.repo.SumTransactions(ctx, tx, userID, pool)
		if err != nil {
			return err
		}

		result.TransactionSum = sum
		if balance == nil {
			result.Balance = s.seeds[pool]
			result.Consistent = sum == 0
			return nil
		}
		result.Exists = true
		result.Balance = balance.Credits
		result.Consistent = balance.Credits == sum
		return nil
	})
	if err != nil {
		return domain.AuditResult{}, ledgerUnavailable(err)
	}
	if !result.Consistent {
		s.log.Warn("ledger drift detected",
			zap.String("user_id", userID),
			zap.String("pool", string(pool)),
			zap.Int64("balance", result.Balance),
			zap.Int64("transaction_sum", result.TransactionSum),
		)
	}
	return result, nil
}

// ensureSeeded creates the balance row on first use. A non-zero seed is
// written as its own transaction so the history still sums to the balance.
func (s *Service) ensureSeeded(ctx context.Context, tx *gorm.DB, userID string, pool domain.Pool, now time.Time) error {
	seed := s.seeds[pool]
	inserted, err := s.repo.EnsureBalance(ctx, tx, userID, pool, seed, now)
	if err != nil {
		return err
	}
	if !inserted || seed == 0 {
		return nil
	}

	_, err = s.repo.InsertTransaction(ctx, tx, &domain.Transaction{
		ID:          s.genID.Generate(),
		UserID:      userID,
		Pool:        pool,
		Amount:      seed,
		Kind:        domain.TransactionKindAdd,
		Description: "Starting health score allotment",
		FeatureTag:  domain.FeatureHealthScoreAllotment,
		CreatedAt:   now,
	})
	return err
}

func (s *Service) currentBalance(ctx context.Context, tx *gorm.DB, userID string, pool domain.Pool) (int64, error) {
	balance, err := s.repo.FindBalance(ctx, tx, userID, pool)
	if err != nil {
		return 0, err
	}
	if balance == nil {
		return 0, errors.New("balance row missing")
	}
	return balance.Credits, nil
}

func validateOwner(userID string, pool domain.Pool) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", domain.ErrInvalidUserID
	}
	if !pool.Valid() {
		return "", domain.ErrInvalidPool
	}
	return userID, nil
}

func describe(description, featureTag string) string {
	description = strings.TrimSpace(description)
	if description == "" {
		return featureTag
	}
	return description
}

func ledgerUnavailable(err error) error {
	for _, known := range []error{
		domain.ErrInvalidUserID,
		domain.ErrInvalidPool,
		domain.ErrInvalidAmount,
		domain.ErrInsufficientFunds,
		domain.ErrDuplicateGrant,
		domain.ErrLedgerUnavailable,
	} {
		if errors.Is(err, known) {
			return err
		}
	}
	return fmt.Errorf("%w: %w", domain.ErrLedgerUnavailable, err)
}
