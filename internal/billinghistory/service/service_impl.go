package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditledger/internal/billinghistory/domain"
	"github.com/smallbiznis/creditledger/internal/clock"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Repo  domain.Repository
	Clock clock.Clock
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	repo  domain.Repository
	clock clock.Clock
}

func NewService(p Params) domain.Service {
	c := p.Clock
	if c == nil {
		c = clock.SystemClock{}
	}
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("billinghistory.service"),
		genID: p.GenID,
		repo:  p.Repo,
		clock: c,
	}
}

func (s *Service) Record(ctx context.Context, req domain.RecordRequest) (bool, error) {
	userID := strings.TrimSpace(req.UserID)
	externalID := strings.TrimSpace(req.ExternalID)
	if userID == "" || externalID == "" || req.OccurredAt.IsZero() {
		return false, domain.ErrInvalidEntry
	}
	switch req.Kind {
	case domain.KindInvoice, domain.KindCheckout:
	default:
		return false, domain.ErrInvalidEntry
	}

	inserted, err := s.repo.Insert(ctx, s.db, &domain.Entry{
		ID:             s.genID.Generate(),
		UserID:         userID,
		ExternalID:     externalID,
		Kind:           req.Kind,
		SubscriptionID: optional(req.SubscriptionID),
		Amount:         req.Amount,
		Currency:       strings.ToLower(strings.TrimSpace(req.Currency)),
		URL:            optional(req.URL),
		OccurredAt:     req.OccurredAt.UTC(),
		CreatedAt:      s.clock.Now(),
	})
	if err != nil {
		return false, err
	}
	if inserted {
		s.log.Debug("billing history recorded",
			zap.String("user_id", userID),
			zap.String("external_id", externalID),
			zap.String("kind", req.Kind),
		)
	}
	return inserted, nil
}

func (s *Service) List(ctx context.Context, userID string) ([]domain.Entry, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, domain.ErrInvalidUserID
	}
	return s.repo.ListByUser(ctx, s.db, userID)
}

func optional(v string) *string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return &v
}
