// Package creditsync decides when a reconciliation pass runs: once on
// session start in the background, and on explicit user request.
package creditsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/smallbiznis/creditledger/internal/config"
	creditdomain "github.com/smallbiznis/creditledger/internal/credit/domain"
	obsmetrics "github.com/smallbiznis/creditledger/internal/observability/metrics"
	"github.com/smallbiznis/creditledger/internal/ratelimit"
	"github.com/smallbiznis/creditledger/internal/reconcile"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	TriggerSessionStart = "session_start"
	TriggerManual       = "manual"

	MessageUpToDate    = "Credits already up to date"
	MessageSyncFailed  = "We couldn't sync your credits right now. Please try again."
	defaultPassTimeout = 60 * time.Second
	defaultLockTTL     = 2 * time.Minute
)

var (
	ErrSyncFailed      = errors.New("sync_failed")
	ErrSyncRateLimited = errors.New("sync_rate_limited")
)

type Reconciler interface {
	Reconcile(ctx context.Context, id reconcile.Identity) (reconcile.Summary, error)
}

type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	Release(ctx context.Context, key, token string) error
}

type Limiter interface {
	AllowManualSync(ctx context.Context, userID string) (bool, time.Duration, error)
}

type ManualResult struct {
	Success      bool   `json:"success"`
	CreditsAdded int64  `json:"credits_added"`
	NewBalance   int64  `json:"new_balance"`
	Message      string `json:"message"`
}

type Params struct {
	fx.In

	Lc          fx.Lifecycle
	Log         *zap.Logger
	Cfg         config.Config
	Engine      *reconcile.Engine
	Credits     creditdomain.Service
	Locker      *ratelimit.Locker       `optional:"true"`
	Limiter     *ratelimit.SyncLimiter  `optional:"true"`
	SyncMetrics *obsmetrics.SyncMetrics `optional:"true"`
	ObsMetrics  *obsmetrics.Metrics     `optional:"true"`
}

type Triggers struct {
	log         *zap.Logger
	reconciler  Reconciler
	credits     creditdomain.Service
	locker      Locker
	limiter     Limiter
	syncMetrics *obsmetrics.SyncMetrics
	obsMetrics  *obsmetrics.Metrics
	passTimeout time.Duration
	lockTTL     time.Duration

	inflight sync.WaitGroup
}

func NewTriggers(p Params) *Triggers {
	t := &Triggers{
		log:         p.Log.Named("credit.sync"),
		reconciler:  p.Engine,
		credits:     p.Credits,
		syncMetrics: p.SyncMetrics,
		obsMetrics:  p.ObsMetrics,
		passTimeout: p.Cfg.Sync.PassTimeout,
		lockTTL:     p.Cfg.Sync.SessionLockTTL,
	}
	// A typed nil inside an interface would defeat the nil checks below.
	if p.Locker != nil {
		t.locker = p.Locker
	}
	if p.Limiter != nil && p.Limiter.Enabled() {
		t.limiter = p.Limiter
	}
	if t.passTimeout <= 0 {
		t.passTimeout = defaultPassTimeout
	}
	if t.lockTTL <= 0 {
		t.lockTTL = defaultLockTTL
	}

	p.Lc.Append(fx.Hook{
		OnStop: t.Wait,
	})
	return t
}

// OnSessionStart starts a background pass and returns immediately. The pass
// outlives the caller's request; failures are only logged.
func (t *Triggers) OnSessionStart(ctx context.Context, id reconcile.Identity) {
	userID := strings.TrimSpace(id.UserID)
	if userID == "" {
		return
	}

	t.inflight.Add(1)
	go func() {
		defer t.inflight.Done()
		passCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.passTimeout)
		defer cancel()
		t.runSessionStart(passCtx, id)
	}()
}

func (t *Triggers) runSessionStart(ctx context.Context, id reconcile.Identity) {
	log := t.log.With(zap.String("user_id", id.UserID), zap.String("trigger", TriggerSessionStart))

	defer func() {
		if r := recover(); r != nil {
			log.Error("session start sync panicked", zap.Any("panic", r))
		}
	}()

	if t.locker != nil {
		key := "session_sync:" + id.UserID
		token, ok, err := t.locker.TryLock(ctx, key, t.lockTTL)
		switch {
		case err != nil:
			// The unique idempotency key keeps overlapping passes safe.
			log.Warn("session sync lock unavailable, running unlocked", zap.Error(err))
		case !ok:
			t.syncMetrics.IncLockSkipped(TriggerSessionStart)
			log.Debug("session sync already running, skipped")
			return
		default:
			defer func() {
				releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
				defer cancel()
				if err := t.locker.Release(releaseCtx, key, token); err != nil {
					log.Warn("failed to release session sync lock", zap.Error(err))
				}
			}()
		}
	}

	summary, err := t.run(ctx, TriggerSessionStart, id)
	if err != nil {
		log.Warn("session start sync failed", zap.Error(err))
		return
	}
	if len(summary.Failed) > 0 {
		log.Warn("session start sync finished with failed grants", zap.Int("failed", len(summary.Failed)))
	}
}

// Manual runs a pass inline and reports the outcome for display.
func (t *Triggers) Manual(ctx context.Context, id reconcile.Identity) (ManualResult, error) {
	userID := strings.TrimSpace(id.UserID)
	if userID == "" {
		return ManualResult{}, reconcile.ErrInvalidIdentity
	}
	id.UserID = userID
	log := t.log.With(zap.String("user_id", userID), zap.String("trigger", TriggerManual))

	if t.limiter != nil {
		allowed, wait, err := t.limiter.AllowManualSync(ctx, userID)
		switch {
		case err != nil:
			log.Warn("manual sync rate limiter unavailable", zap.Error(err))
		case !allowed:
			return ManualResult{Message: MessageSyncFailed}, &RateLimitedError{RetryAfter: wait}
		}
	}

	summary, err := t.run(ctx, TriggerManual, id)
	if err != nil {
		log.Warn("manual sync failed", zap.Error(err))
		return ManualResult{Message: MessageSyncFailed}, fmt.Errorf("%w: %w", ErrSyncFailed, err)
	}
	if len(summary.Failed) > 0 {
		log.Warn("manual sync finished with failed grants", zap.Int("failed", len(summary.Failed)))
	}

	balance, err := t.credits.GetBalance(ctx, userID, creditdomain.PoolRegular)
	if err != nil {
		log.Warn("manual sync balance read failed", zap.Error(err))
		return ManualResult{Message: MessageSyncFailed}, fmt.Errorf("%w: %w", ErrSyncFailed, err)
	}

	return ManualResult{
		Success:      true,
		CreditsAdded: summary.CreditsAdded,
		NewBalance:   balance,
		Message:      manualMessage(summary.CreditsAdded),
	}, nil
}

func (t *Triggers) run(ctx context.Context, trigger string, id reconcile.Identity) (reconcile.Summary, error) {
	start := time.Now()
	summary, err := t.reconciler.Reconcile(ctx, id)
	t.syncMetrics.ObservePass(trigger, time.Since(start))

	outcome := "ok"
	switch {
	case err != nil:
		outcome = "failed"
		t.syncMetrics.IncPassFailure(trigger, err)
	case len(summary.Failed) > 0:
		outcome = "partial"
	}
	t.obsMetrics.RecordReconcilePass(ctx, trigger, outcome)
	return summary, err
}

// Wait blocks until background passes finish or ctx expires.
func (t *Triggers) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		t.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func manualMessage(added int64) string {
	switch {
	case added <= 0:
		return MessageUpToDate
	case added == 1:
		return "Added 1 credit"
	default:
		return fmt.Sprintf("Added %d credits", added)
	}
}

// RateLimitedError is returned by Manual when the user synced too often.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("%s: retry after %s", ErrSyncRateLimited, e.RetryAfter)
}

func (e *RateLimitedError) Unwrap() error {
	return ErrSyncRateLimited
}
