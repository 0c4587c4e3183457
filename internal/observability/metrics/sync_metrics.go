package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

const (
	SyncReasonDeadlineExceeded     = "deadline_exceeded"
	SyncReasonCanceled             = "canceled"
	SyncReasonDBLockTimeout        = "db_lock_timeout"
	SyncReasonSerializationFailure = "serialization_failure"
	SyncReasonUniqueViolation      = "unique_violation"
	SyncReasonUnknown              = "unknown"
)

// SyncMetrics tracks reconciliation pass latency and failure reasons.
type SyncMetrics struct {
	passDuration *prometheus.HistogramVec
	passFailures *prometheus.CounterVec
	lockSkipped  *prometheus.CounterVec
}

// NewSyncMetrics registers reconciliation collectors on the default registerer.
func NewSyncMetrics(cfg Config) (*SyncMetrics, error) {
	return newSyncMetrics(prometheus.DefaultRegisterer, cfg)
}

func newSyncMetrics(registerer prometheus.Registerer, cfg Config) (*SyncMetrics, error) {
	constLabels := constLabelsFor(cfg)

	passDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "creditledger_sync_pass_duration_seconds",
		Help:        "Reconciliation pass latency by trigger.",
		Buckets:     []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60},
		ConstLabels: constLabels,
	}, []string{"trigger"})
	passFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "creditledger_sync_pass_failures_total",
		Help:        "Reconciliation pass failures by trigger and reason.",
		ConstLabels: constLabels,
	}, []string{"trigger", "reason"})
	lockSkipped := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "creditledger_sync_lock_skipped_total",
		Help:        "Automatic passes skipped because another pass held the lock.",
		ConstLabels: constLabels,
	}, []string{"trigger"})

	for _, c := range []prometheus.Collector{passDuration, passFailures, lockSkipped} {
		if err := registerer.Register(c); err != nil {
			return nil, err
		}
	}
	return &SyncMetrics{
		passDuration: passDuration,
		passFailures: passFailures,
		lockSkipped:  lockSkipped,
	}, nil
}

func (m *SyncMetrics) ObservePass(trigger string, duration time.Duration) {
	if m == nil {
		return
	}
	m.passDuration.WithLabelValues(trigger).Observe(duration.Seconds())
}

func (m *SyncMetrics) IncPassFailure(trigger string, err error) {
	if m == nil || err == nil {
		return
	}
	m.passFailures.WithLabelValues(trigger, ClassifySyncReason(err)).Inc()
}

func (m *SyncMetrics) IncLockSkipped(trigger string) {
	if m == nil {
		return
	}
	m.lockSkipped.WithLabelValues(trigger).Inc()
}

// ClassifySyncReason maps a pass failure to a bounded reason label.
func ClassifySyncReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded):
		return SyncReasonDeadlineExceeded
	case errors.Is(err, context.Canceled):
		return SyncReasonCanceled
	case hasPGCode(err, "55P03"):
		return SyncReasonDBLockTimeout
	case hasPGCode(err, "40001"):
		return SyncReasonSerializationFailure
	case errors.Is(err, gorm.ErrDuplicatedKey), hasPGCode(err, "23505"):
		return SyncReasonUniqueViolation
	default:
		return SyncReasonUnknown
	}
}

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}
