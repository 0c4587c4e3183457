package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	adminservice "github.com/smallbiznis/creditledger/internal/admin/service"
	auditrepo "github.com/smallbiznis/creditledger/internal/audit/repository"
	auditservice "github.com/smallbiznis/creditledger/internal/audit/service"
	auditdomain "github.com/smallbiznis/creditledger/internal/audit/domain"
	authdomain "github.com/smallbiznis/creditledger/internal/auth/domain"
	"github.com/smallbiznis/creditledger/internal/authorization"
	historydomain "github.com/smallbiznis/creditledger/internal/billinghistory/domain"
	historyrepo "github.com/smallbiznis/creditledger/internal/billinghistory/repository"
	historyservice "github.com/smallbiznis/creditledger/internal/billinghistory/service"
	"github.com/smallbiznis/creditledger/internal/clock"
	"github.com/smallbiznis/creditledger/internal/config"
	creditdomain "github.com/smallbiznis/creditledger/internal/credit/domain"
	creditrepo "github.com/smallbiznis/creditledger/internal/credit/repository"
	creditservice "github.com/smallbiznis/creditledger/internal/credit/service"
	"github.com/smallbiznis/creditledger/internal/creditsync"
	"github.com/smallbiznis/creditledger/internal/reconcile"
	"github.com/smallbiznis/creditledger/internal/testutil"
	"github.com/smallbiznis/creditledger/internal/tier"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type tokenAuthenticator map[string]authdomain.Identity

func (a tokenAuthenticator) Authenticate(_ context.Context, token string) (authdomain.Identity, error) {
	id, ok := a[token]
	if !ok {
		return authdomain.Identity{}, authdomain.ErrUnauthenticated
	}
	return id, nil
}

type adminOnly struct {
	mu      sync.Mutex
	granted []string
}

func (a *adminOnly) Authorize(_ context.Context, id authdomain.Identity, _, _ string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if id.UserID == "admin-1" {
		return nil
	}
	for _, g := range a.granted {
		if g == id.UserID {
			return nil
		}
	}
	return authorization.ErrForbidden
}

func (a *adminOnly) GrantAdmin(_ context.Context, userID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.granted = append(a.granted, userID)
	return nil
}

type fakeTriggers struct {
	mu       sync.Mutex
	sessions []reconcile.Identity
	manual   []reconcile.Identity
	result   creditsync.ManualResult
	err      error
}

func (f *fakeTriggers) OnSessionStart(_ context.Context, id reconcile.Identity) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = append(f.sessions, id)
}

func (f *fakeTriggers) Manual(_ context.Context, id reconcile.Identity) (creditsync.ManualResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.manual = append(f.manual, id)
	return f.result, f.err
}

type testServer struct {
	engine   *gin.Engine
	credits  creditdomain.Service
	history  historydomain.Service
	audit    auditdomain.Service
	authz    *adminOnly
	triggers *fakeTriggers
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := testutil.NewDB(t)
	node, err := snowflake.NewNode(11)
	require.NoError(t, err)
	fake := clock.NewFakeClock(time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC))
	cfg := config.Config{Ledger: config.LedgerConfig{HealthScoreStartingCredits: 1}}

	credits := creditservice.NewService(creditservice.Params{
		DB: db, Log: zap.NewNop(), GenID: node, Repo: creditrepo.Provide(), Clock: fake, Cfg: cfg,
	})
	history := historyservice.NewService(historyservice.Params{
		DB: db, Log: zap.NewNop(), GenID: node, Repo: historyrepo.Provide(), Clock: fake,
	})
	audit := auditservice.NewService(auditservice.Params{
		DB: db, Log: zap.NewNop(), GenID: node, Repo: auditrepo.Provide(), Clock: fake,
	})
	triggers := &fakeTriggers{}
	authz := &adminOnly{}
	tiers, err := config.NewStaticTierConfigHolder(config.DefaultTierConfig())
	require.NoError(t, err)

	engine := gin.New()
	engine.Use(ErrorHandlingMiddleware())
	NewServer(ServerParams{
		Gin: engine,
		Authenticator: tokenAuthenticator{
			"user-token":  {UserID: "user-1", Email: "user@example.com", EmailVerified: true},
			"admin-token": {UserID: "admin-1", Email: "ops@example.com", EmailVerified: true},
			"unverified":  {UserID: "user-2", Email: "maybe@example.com"},
		},
		AuthzSvc:   authz,
		CreditSvc:  credits,
		HistorySvc: history,
		AdminSvc:   adminservice.NewService(adminservice.Params{Log: zap.NewNop(), Credits: credits, AuditSvc: audit}),
		AuditSvc:   audit,
		Policy:     tier.NewPolicy(tiers),
		Triggers:   triggers,
	})

	return &testServer{engine: engine, credits: credits, history: history, audit: audit, authz: authz, triggers: triggers}
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestUnauthenticatedRequests(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/v1/credits/balance", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "unauthorized", decode[errorResponse](t, w).Error.Type)

	w = s.do(t, http.MethodGet, "/v1/credits/balance", "bogus", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestGetBalanceBothPools(t *testing.T) {
	s := newTestServer(t)
	_, err := s.credits.Grant(context.Background(), creditdomain.GrantRequest{
		UserID: "user-1", Pool: creditdomain.PoolRegular, Amount: 25, FeatureTag: creditdomain.FeatureSubscriptionCredits,
	})
	require.NoError(t, err)

	w := s.do(t, http.MethodGet, "/v1/credits/balance", "user-token", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, balanceResponse{UserID: "user-1", Regular: 25, HealthScore: 1}, decode[balanceResponse](t, w))
}

func TestListTransactions(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	_, err := s.credits.Grant(ctx, creditdomain.GrantRequest{
		UserID: "user-1", Pool: creditdomain.PoolRegular, Amount: 10, FeatureTag: creditdomain.FeatureCreditPurchase,
	})
	require.NoError(t, err)
	_, err = s.credits.Deduct(ctx, creditdomain.DeductRequest{
		UserID: "user-1", Pool: creditdomain.PoolHealthScore, Amount: 1, FeatureTag: creditdomain.FeatureHealthScoreUsage,
	})
	require.NoError(t, err)

	w := s.do(t, http.MethodGet, "/v1/credits/transactions", "user-token", nil)
	require.Equal(t, http.StatusOK, w.Code)
	all := decode[struct {
		Transactions []creditdomain.Transaction `json:"transactions"`
	}](t, w)
	assert.Len(t, all.Transactions, 3)

	w = s.do(t, http.MethodGet, "/v1/credits/transactions?pool=regular", "user-token", nil)
	require.Equal(t, http.StatusOK, w.Code)
	regular := decode[struct {
		Transactions []creditdomain.Transaction `json:"transactions"`
	}](t, w)
	require.Len(t, regular.Transactions, 1)
	assert.Equal(t, int64(10), regular.Transactions[0].Amount)

	w = s.do(t, http.MethodGet, "/v1/credits/transactions?pool=gold", "user-token", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_pool", decode[errorResponse](t, w).Error.Errors[0].Code)
}

func TestListTiers(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/v1/credits/tiers", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(t, http.MethodGet, "/v1/credits/tiers", "user-token", nil)
	require.Equal(t, http.StatusOK, w.Code)
	out := decode[struct {
		Tiers []tier.Tier `json:"tiers"`
	}](t, w)
	require.Len(t, out.Tiers, 3)
	assert.Equal(t, "starter", out.Tiers[0].Name)
	assert.Equal(t, int64(10), out.Tiers[0].Credits)
	assert.Equal(t, int64(9900), out.Tiers[1].CanonicalPrice)
	assert.Nil(t, out.Tiers[2].MaxAmount)
}

func TestBillingHistoryEmpty(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/v1/billing/history", "user-token", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"entries":[]}`, w.Body.String())
}

func TestManualSync(t *testing.T) {
	s := newTestServer(t)
	s.triggers.result = creditsync.ManualResult{Success: true, CreditsAdded: 25, NewBalance: 25, Message: "Added 25 credits"}

	w := s.do(t, http.MethodPost, "/v1/credits/sync", "user-token", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, s.triggers.result, decode[creditsync.ManualResult](t, w))
	require.Len(t, s.triggers.manual, 1)
	assert.Equal(t, reconcile.Identity{UserID: "user-1", Email: "user@example.com"}, s.triggers.manual[0])
}

func TestManualSyncFailureIsGeneric(t *testing.T) {
	s := newTestServer(t)
	s.triggers.err = creditsync.ErrSyncFailed

	w := s.do(t, http.MethodPost, "/v1/credits/sync", "user-token", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	payload := decode[errorResponse](t, w).Error
	assert.Equal(t, "sync_unavailable", payload.Type)
	assert.Equal(t, creditsync.MessageSyncFailed, payload.Message)
}

func TestManualSyncRateLimited(t *testing.T) {
	s := newTestServer(t)
	s.triggers.err = &creditsync.RateLimitedError{RetryAfter: 1500 * time.Millisecond}

	w := s.do(t, http.MethodPost, "/v1/credits/sync", "user-token", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "2", w.Header().Get("Retry-After"))
}

func TestSessionStartedAccepted(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/v1/sessions/started", "unverified", nil)
	assert.Equal(t, http.StatusAccepted, w.Code)
	require.Len(t, s.triggers.sessions, 1)
	assert.Equal(t, reconcile.Identity{UserID: "user-2"}, s.triggers.sessions[0])
}

func TestAdminAdjust(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/admin/v1/credits/adjust", "user-token", adjustCreditsRequest{
		TargetUserID: "user-1", Amount: 10, Reason: "goodwill",
	})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, http.MethodPost, "/admin/v1/credits/adjust", "admin-token", adjustCreditsRequest{
		TargetUserID: "user-1", Amount: 10, Reason: "goodwill",
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"target_user_id":"user-1","pool":"regular","amount":10,"new_balance":10}`, w.Body.String())

	w = s.do(t, http.MethodPost, "/admin/v1/credits/adjust", "admin-token", adjustCreditsRequest{
		TargetUserID: "user-1", Amount: -15, Reason: "clawback",
	})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "insufficient funds to remove", decode[errorResponse](t, w).Error.Message)

	w = s.do(t, http.MethodPost, "/admin/v1/credits/adjust", "admin-token", adjustCreditsRequest{
		TargetUserID: "user-1", Amount: 5,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	verr := decode[errorResponse](t, w).Error.Errors
	require.Len(t, verr, 1)
	assert.Equal(t, "missing_reason", verr[0].Code)
	assert.Equal(t, "reason", verr[0].Field)

	balance, err := s.credits.GetBalance(context.Background(), "user-1", creditdomain.PoolRegular)
	require.NoError(t, err)
	assert.Equal(t, int64(10), balance)
}

func TestAdminAudit(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, http.MethodPost, "/admin/v1/credits/adjust", "admin-token", adjustCreditsRequest{
		TargetUserID: "user-1", Pool: "health_score", Amount: 2, Reason: "pilot",
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodGet, "/admin/v1/credits/audit/user-1", "admin-token", nil)
	require.Equal(t, http.StatusOK, w.Code)
	out := decode[struct {
		UserID      string                     `json:"user_id"`
		Pools       []creditdomain.AuditResult `json:"pools"`
		Adjustments []map[string]any           `json:"adjustments"`
	}](t, w)
	assert.Equal(t, "user-1", out.UserID)
	require.Len(t, out.Pools, 2)
	for _, p := range out.Pools {
		assert.True(t, p.Consistent, p.Pool)
	}
	assert.Equal(t, int64(3), out.Pools[1].Balance)
	assert.Len(t, out.Adjustments, 1)
}

func TestAdminGrant(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/admin/v1/admins", "user-token", grantAdminRequest{UserID: "user-1"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, http.MethodPost, "/admin/v1/admins", "admin-token", grantAdminRequest{UserID: "  "})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_user_id", decode[errorResponse](t, w).Error.Errors[0].Code)

	w = s.do(t, http.MethodPost, "/admin/v1/admins", "admin-token", grantAdminRequest{UserID: " user-1 "})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"user_id":"user-1","role":"role:admin"}`, w.Body.String())
	assert.Equal(t, []string{"user-1"}, s.authz.granted)

	logs, err := s.audit.ListByTarget(context.Background(), auditdomain.TargetTypeUser, "user-1", 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, auditdomain.ActionAdminGrant, logs[0].Action)
	require.NotNil(t, logs[0].ActorID)
	assert.Equal(t, "admin-1", *logs[0].ActorID)

	// The grantee now passes admin checks.
	w = s.do(t, http.MethodGet, "/admin/v1/credits/audit/user-1", "user-token", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestBearerToken(t *testing.T) {
	token, ok := bearerToken("Bearer abc")
	assert.True(t, ok)
	assert.Equal(t, "abc", token)

	_, ok = bearerToken("Basic abc")
	assert.False(t, ok)
	_, ok = bearerToken("Bearer   ")
	assert.False(t, ok)
}
