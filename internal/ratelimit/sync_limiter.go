package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/smallbiznis/creditledger/internal/config"
)

const keyManualSync = "creditledger:ratelimit:manual_sync:%s"

// SyncLimiter throttles manual syncs per user since each one fans out to the
// billing provider.
type SyncLimiter struct {
	bucket *TokenBucket
	rate   float64
	burst  int
}

func NewSyncLimiter(bucket *TokenBucket, cfg config.Config) *SyncLimiter {
	if bucket == nil || cfg.Sync.ManualRatePerMinute <= 0 || cfg.Sync.ManualBurst <= 0 {
		return nil
	}
	return &SyncLimiter{
		bucket: bucket,
		rate:   cfg.Sync.ManualRatePerMinute / 60,
		burst:  cfg.Sync.ManualBurst,
	}
}

func (l *SyncLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

// AllowManualSync reports whether the user may sync now, and if not, how
// long to wait.
func (l *SyncLimiter) AllowManualSync(ctx context.Context, userID string) (bool, time.Duration, error) {
	if !l.Enabled() {
		return true, 0, nil
	}
	res, err := l.bucket.Allow(ctx, fmt.Sprintf(keyManualSync, strings.TrimSpace(userID)), l.rate, l.burst)
	if err != nil {
		return false, 0, err
	}
	return res.Allowed, res.RetryAfter, nil
}
