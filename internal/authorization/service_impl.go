package authorization

import (
	"context"
	_ "embed"
	"errors"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	auditdomain "github.com/smallbiznis/creditledger/internal/audit/domain"
	authdomain "github.com/smallbiznis/creditledger/internal/auth/domain"
	"github.com/smallbiznis/creditledger/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed model.conf
var modelText string

const (
	RoleAdmin = "role:admin"

	ObjectCredits = "credits"
	ObjectAdmins  = "admins"

	ActionCreditsAdjust = "adjust"
	ActionCreditsAudit  = "audit"
	ActionAdminsGrant   = "grant"
)

var (
	ErrInvalidActor = errors.New("invalid_actor")
	ErrForbidden    = errors.New("forbidden")
)

type Service interface {
	Authorize(ctx context.Context, id authdomain.Identity, object, action string) error
	// GrantAdmin links a user id to the admin role.
	GrantAdmin(ctx context.Context, userID string) error
}

type Params struct {
	fx.In

	Log      *zap.Logger
	Enforcer *casbin.SyncedEnforcer
	AuditSvc auditdomain.Service `optional:"true"`
}

type ServiceImpl struct {
	log      *zap.Logger
	enforcer *casbin.SyncedEnforcer
	auditSvc auditdomain.Service
}

// NewEnforcer loads policies from the database and seeds the admin role,
// including one grouping per configured admin email.
func NewEnforcer(db *gorm.DB, cfg config.Config) (*casbin.SyncedEnforcer, error) {
	adapter, err := gormadapter.NewAdapterByDB(db)
	if err != nil {
		return nil, err
	}
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m, adapter)
	if err != nil {
		return nil, err
	}
	enforcer.EnableAutoSave(true)
	if err := enforcer.LoadPolicy(); err != nil {
		return nil, err
	}
	if err := seedPolicies(enforcer, cfg.Auth.AdminEmails); err != nil {
		return nil, err
	}
	return enforcer, nil
}

func NewService(p Params) Service {
	return &ServiceImpl{
		log:      p.Log.Named("authorization.service"),
		enforcer: p.Enforcer,
		auditSvc: p.AuditSvc,
	}
}

// Authorize checks the user id subject first, then the verified email.
func (s *ServiceImpl) Authorize(ctx context.Context, id authdomain.Identity, object, action string) error {
	userID := strings.TrimSpace(id.UserID)
	if userID == "" {
		return ErrInvalidActor
	}

	for _, subject := range subjectsFor(id) {
		allowed, err := s.enforcer.Enforce(subject, object, action)
		if err != nil {
			return err
		}
		if allowed {
			return nil
		}
	}

	s.log.Info("authorization denied",
		zap.String("user_id", userID),
		zap.String("object", object),
		zap.String("action", action),
	)
	s.auditDenied(ctx, userID, object, action)
	return ErrForbidden
}

func (s *ServiceImpl) GrantAdmin(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ErrInvalidActor
	}
	return ensureGrouping(s.enforcer, userSubject(userID), RoleAdmin)
}

func (s *ServiceImpl) auditDenied(ctx context.Context, userID, object, action string) {
	if s.auditSvc == nil {
		return
	}
	_ = s.auditSvc.AuditLog(ctx, userID, "authorization.denied", "authorization", object, map[string]any{
		"object": object,
		"action": action,
	})
}

func subjectsFor(id authdomain.Identity) []string {
	subjects := []string{userSubject(id.UserID)}
	email := strings.ToLower(strings.TrimSpace(id.Email))
	if email != "" && id.EmailVerified {
		subjects = append(subjects, emailSubject(email))
	}
	return subjects
}

func userSubject(userID string) string {
	return "user:" + strings.TrimSpace(userID)
}

func emailSubject(email string) string {
	return "email:" + strings.ToLower(strings.TrimSpace(email))
}

func ensureGrouping(enforcer *casbin.SyncedEnforcer, subject, role string) error {
	has, err := enforcer.HasGroupingPolicy(subject, role)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	_, err = enforcer.AddGroupingPolicy(subject, role)
	return err
}

func seedPolicies(enforcer *casbin.SyncedEnforcer, adminEmails []string) error {
	policies := [][]string{
		{RoleAdmin, ObjectCredits, ActionCreditsAdjust},
		{RoleAdmin, ObjectCredits, ActionCreditsAudit},
		{RoleAdmin, ObjectAdmins, ActionAdminsGrant},
	}
	for _, policy := range policies {
		has, err := enforcer.HasPolicy(policy)
		if err != nil {
			return err
		}
		if has {
			continue
		}
		if _, err := enforcer.AddPolicy(policy); err != nil {
			return err
		}
	}

	for _, email := range adminEmails {
		if strings.TrimSpace(email) == "" {
			continue
		}
		if err := ensureGrouping(enforcer, emailSubject(email), RoleAdmin); err != nil {
			return err
		}
	}
	return nil
}
