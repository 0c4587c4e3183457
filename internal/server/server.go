package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/creditledger/internal/admin"
	admindomain "github.com/smallbiznis/creditledger/internal/admin/domain"
	"github.com/smallbiznis/creditledger/internal/audit"
	auditdomain "github.com/smallbiznis/creditledger/internal/audit/domain"
	"github.com/smallbiznis/creditledger/internal/auth"
	authdomain "github.com/smallbiznis/creditledger/internal/auth/domain"
	"github.com/smallbiznis/creditledger/internal/authorization"
	"github.com/smallbiznis/creditledger/internal/billing"
	"github.com/smallbiznis/creditledger/internal/billinghistory"
	historydomain "github.com/smallbiznis/creditledger/internal/billinghistory/domain"
	"github.com/smallbiznis/creditledger/internal/config"
	"github.com/smallbiznis/creditledger/internal/credit"
	creditdomain "github.com/smallbiznis/creditledger/internal/credit/domain"
	"github.com/smallbiznis/creditledger/internal/creditsync"
	"github.com/smallbiznis/creditledger/internal/observability"
	obsmiddleware "github.com/smallbiznis/creditledger/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/creditledger/internal/observability/metrics"
	obstracing "github.com/smallbiznis/creditledger/internal/observability/tracing"
	"github.com/smallbiznis/creditledger/internal/ratelimit"
	"github.com/smallbiznis/creditledger/internal/reconcile"
	"github.com/smallbiznis/creditledger/internal/tier"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	audit.Module,
	auth.Module,
	authorization.Module,
	credit.Module,
	tier.Module,
	billing.Module,
	billinghistory.Module,
	reconcile.Module,
	ratelimit.Module,
	creditsync.Module,
	admin.Module,
	fx.Provide(func(t *creditsync.Triggers) SyncTriggers { return t }),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

// SyncTriggers is the part of creditsync the HTTP layer drives.
type SyncTriggers interface {
	OnSessionStart(ctx context.Context, id reconcile.Identity)
	Manual(ctx context.Context, id reconcile.Identity) (creditsync.ManualResult, error)
}

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(httpMetrics.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, r *gin.Engine, cfg config.Config, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine        *gin.Engine
	authenticator authdomain.Authenticator
	authzSvc      authorization.Service
	creditSvc     creditdomain.Service
	historySvc    historydomain.Service
	adminSvc      admindomain.Service
	auditSvc      auditdomain.Service
	policy        *tier.Policy
	triggers      SyncTriggers
}

type ServerParams struct {
	fx.In

	Gin           *gin.Engine
	Authenticator authdomain.Authenticator
	AuthzSvc      authorization.Service
	CreditSvc     creditdomain.Service
	HistorySvc    historydomain.Service
	AdminSvc      admindomain.Service
	AuditSvc      auditdomain.Service
	Policy        *tier.Policy
	Triggers      SyncTriggers
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:        p.Gin,
		authenticator: p.Authenticator,
		authzSvc:      p.AuthzSvc,
		creditSvc:     p.CreditSvc,
		historySvc:    p.HistorySvc,
		adminSvc:      p.AdminSvc,
		auditSvc:      p.AuditSvc,
		policy:        p.Policy,
		triggers:      p.Triggers,
	}

	svc.registerAPIRoutes()
	svc.registerAdminRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/v1", s.AuthRequired())

	api.GET("/credits/balance", s.GetBalance)
	api.GET("/credits/transactions", s.ListTransactions)
	api.GET("/credits/tiers", s.ListTiers)
	api.POST("/credits/sync", s.ManualSync)
	api.GET("/billing/history", s.ListBillingHistory)
	api.POST("/sessions/started", s.SessionStarted)
}

func (s *Server) registerAdminRoutes() {
	adminGroup := s.engine.Group("/admin/v1", s.AuthRequired())

	adminGroup.POST("/credits/adjust",
		s.RequirePermission(authorization.ObjectCredits, authorization.ActionCreditsAdjust),
		s.AdjustCredits,
	)
	adminGroup.GET("/credits/audit/:user_id",
		s.RequirePermission(authorization.ObjectCredits, authorization.ActionCreditsAudit),
		s.AuditCredits,
	)
	adminGroup.POST("/admins",
		s.RequirePermission(authorization.ObjectAdmins, authorization.ActionAdminsGrant),
		s.GrantAdmin,
	)
}

type balanceResponse struct {
	UserID      string `json:"user_id"`
	Regular     int64  `json:"regular"`
	HealthScore int64  `json:"health_score"`
}

func (s *Server) GetBalance(c *gin.Context) {
	identity, _ := identityFrom(c)
	ctx := c.Request.Context()

	regular, err := s.creditSvc.GetBalance(ctx, identity.UserID, creditdomain.PoolRegular)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	health, err := s.creditSvc.GetBalance(ctx, identity.UserID, creditdomain.PoolHealthScore)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, balanceResponse{UserID: identity.UserID, Regular: regular, HealthScore: health})
}

func (s *Server) ListTransactions(c *gin.Context) {
	identity, _ := identityFrom(c)

	var filter creditdomain.TransactionFilter
	if raw := strings.TrimSpace(c.Query("pool")); raw != "" {
		pool, err := creditdomain.ParsePool(raw)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		filter.Pool = &pool
	}

	items, err := s.creditSvc.ListTransactions(c.Request.Context(), identity.UserID, filter)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if items == nil {
		items = []creditdomain.Transaction{}
	}
	c.JSON(http.StatusOK, gin.H{"transactions": items})
}

// ListTiers reads the live bands so a reloaded tier file shows up at once.
func (s *Server) ListTiers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tiers": s.policy.Tiers()})
}

func (s *Server) ListBillingHistory(c *gin.Context) {
	identity, _ := identityFrom(c)

	entries, err := s.historySvc.List(c.Request.Context(), identity.UserID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if entries == nil {
		entries = []historydomain.Entry{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (s *Server) ManualSync(c *gin.Context) {
	identity, _ := identityFrom(c)

	result, err := s.triggers.Manual(c.Request.Context(), toReconcileIdentity(identity))
	if err != nil {
		var limited *creditsync.RateLimitedError
		if errors.As(err, &limited) && limited.RetryAfter > 0 {
			c.Header("Retry-After", strconv.Itoa(int((limited.RetryAfter+time.Second-1)/time.Second)))
		}
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// SessionStarted always answers 202; the pass runs in the background.
func (s *Server) SessionStarted(c *gin.Context) {
	identity, _ := identityFrom(c)
	s.triggers.OnSessionStart(c.Request.Context(), toReconcileIdentity(identity))
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

type adjustCreditsRequest struct {
	TargetUserID string `json:"target_user_id"`
	Pool         string `json:"pool"`
	Amount       int64  `json:"amount"`
	Reason       string `json:"reason"`
}

func (s *Server) AdjustCredits(c *gin.Context) {
	identity, _ := identityFrom(c)

	var req adjustCreditsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, newValidationError("request", "invalid_request", "invalid request"))
		return
	}
	if strings.TrimSpace(req.TargetUserID) == "" {
		AbortWithError(c, newValidationError("target_user_id", "invalid_user_id", "target user is required"))
		return
	}
	pool, err := creditdomain.ParsePool(req.Pool)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	result, err := s.adminSvc.Adjust(c.Request.Context(), admindomain.AdjustRequest{
		ActorID:      identity.UserID,
		ActorEmail:   identity.Email,
		TargetUserID: req.TargetUserID,
		Pool:         pool,
		Amount:       req.Amount,
		Reason:       req.Reason,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) AuditCredits(c *gin.Context) {
	userID := strings.TrimSpace(c.Param("user_id"))

	pools, err := s.adminSvc.Audit(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	adjustments, err := s.auditSvc.ListByTarget(c.Request.Context(), auditdomain.TargetTypeCreditBalance, userID, 50)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if adjustments == nil {
		adjustments = []auditdomain.AuditLog{}
	}

	c.JSON(http.StatusOK, gin.H{
		"user_id":     userID,
		"pools":       pools,
		"adjustments": adjustments,
	})
}

type grantAdminRequest struct {
	UserID string `json:"user_id"`
}

func (s *Server) GrantAdmin(c *gin.Context) {
	identity, _ := identityFrom(c)

	var req grantAdminRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, newValidationError("request", "invalid_request", "invalid request"))
		return
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		AbortWithError(c, newValidationError("user_id", "invalid_user_id", "user is required"))
		return
	}

	ctx := c.Request.Context()
	if err := s.authzSvc.GrantAdmin(ctx, userID); err != nil {
		AbortWithError(c, err)
		return
	}
	if err := s.auditSvc.AuditLog(ctx, identity.UserID, auditdomain.ActionAdminGrant, auditdomain.TargetTypeUser, userID, map[string]any{
		"role": authorization.RoleAdmin,
	}); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "role": authorization.RoleAdmin})
}

func toReconcileIdentity(id authdomain.Identity) reconcile.Identity {
	// Billing customers are matched by email, so only verified addresses count.
	email := ""
	if id.EmailVerified {
		email = id.Email
	}
	return reconcile.Identity{UserID: id.UserID, Email: email}
}
