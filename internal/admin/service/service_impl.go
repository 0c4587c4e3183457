package service

import (
	"context"
	"strings"

	"github.com/smallbiznis/creditledger/internal/admin/domain"
	auditdomain "github.com/smallbiznis/creditledger/internal/audit/domain"
	creditdomain "github.com/smallbiznis/creditledger/internal/credit/domain"
	obsmetrics "github.com/smallbiznis/creditledger/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log        *zap.Logger
	Credits    creditdomain.Service
	AuditSvc   auditdomain.Service
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	log        *zap.Logger
	credits    creditdomain.Service
	auditSvc   auditdomain.Service
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) domain.Service {
	return &Service{
		log:        p.Log.Named("admin.service"),
		credits:    p.Credits,
		auditSvc:   p.AuditSvc,
		obsMetrics: p.ObsMetrics,
	}
}

// Adjust grants for a positive amount and deducts for a negative one. Admin
// adjustments are never deduplicated.
func (s *Service) Adjust(ctx context.Context, req domain.AdjustRequest) (domain.AdjustResult, error) {
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return domain.AdjustResult{}, domain.ErrMissingReason
	}
	if req.Amount == 0 {
		return domain.AdjustResult{}, domain.ErrInvalidAmount
	}
	pool := req.Pool
	if pool == "" {
		pool = creditdomain.PoolRegular
	}
	target := strings.TrimSpace(req.TargetUserID)
	description := "Admin adjustment: " + reason

	var (
		res        creditdomain.MutationResult
		err        error
		featureTag string
	)
	if req.Amount > 0 {
		featureTag = creditdomain.FeatureAdminAllocation
		res, err = s.credits.Grant(ctx, creditdomain.GrantRequest{
			UserID:      target,
			Pool:        pool,
			Amount:      req.Amount,
			Description: description,
			FeatureTag:  featureTag,
		})
	} else {
		featureTag = creditdomain.FeatureAdminDeduction
		res, err = s.credits.Deduct(ctx, creditdomain.DeductRequest{
			UserID:      target,
			Pool:        pool,
			Amount:      -req.Amount,
			Description: description,
			FeatureTag:  featureTag,
		})
	}
	if err != nil {
		s.log.Info("admin adjustment rejected",
			zap.String("actor_id", req.ActorID),
			zap.String("target_user_id", target),
			zap.String("pool", string(pool)),
			zap.Int64("amount", req.Amount),
			zap.Error(err),
		)
		return domain.AdjustResult{}, err
	}

	s.obsMetrics.RecordAdminAdjustment(ctx, string(pool), featureTag)

	metadata := map[string]any{
		"pool":           string(pool),
		"amount":         req.Amount,
		"reason":         reason,
		"new_balance":    res.NewBalance,
		"transaction_id": res.TransactionID.String(),
	}
	if email := strings.TrimSpace(req.ActorEmail); email != "" {
		metadata["actor_email"] = email
	}
	// The ledger write already committed; a lost audit row is only logged.
	_ = s.auditSvc.AuditLog(ctx, req.ActorID, auditdomain.ActionCreditAdjust, auditdomain.TargetTypeCreditBalance, target, metadata)

	s.log.Info("admin adjustment applied",
		zap.String("actor_id", req.ActorID),
		zap.String("target_user_id", target),
		zap.String("pool", string(pool)),
		zap.Int64("amount", req.Amount),
		zap.Int64("new_balance", res.NewBalance),
	)

	return domain.AdjustResult{
		TargetUserID: target,
		Pool:         pool,
		Amount:       req.Amount,
		NewBalance:   res.NewBalance,
	}, nil
}

// Audit checks both pools of a user.
func (s *Service) Audit(ctx context.Context, userID string) ([]creditdomain.AuditResult, error) {
	out := make([]creditdomain.AuditResult, 0, len(creditdomain.Pools))
	for _, pool := range creditdomain.Pools {
		res, err := s.credits.Audit(ctx, userID, pool)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, nil
}
