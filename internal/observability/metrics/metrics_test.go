package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/noop"
	"gorm.io/gorm"
)

func TestFilterAttributesDropsForbiddenLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("pool", "regular"),
		attribute.String("user_id", "u-1"),
		attribute.String("email", "a@example.com"),
		attribute.String("outcome", "applied"),
	)
	require.Len(t, attrs, 2)
	assert.Equal(t, attribute.Key("pool"), attrs[0].Key)
	assert.Equal(t, attribute.Key("outcome"), attrs[1].Key)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordGrant(context.Background(), "regular", "subscription", 10)
		m.RecordDuplicateGrant(context.Background(), "regular")
		m.RecordReconcilePass(context.Background(), "manual", "ok")
	})
}

func TestNewWithNoopProvider(t *testing.T) {
	m, err := New(Config{ServiceName: "creditledger"}, noop.NewMeterProvider())
	require.NoError(t, err)
	assert.NotPanics(t, func() {
		m.RecordGrant(context.Background(), "regular", "subscription", 10)
		m.RecordProviderError(context.Background(), "stripe", "list_subscriptions")
	})
}

func TestClassifySyncReason(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{name: "deadline", err: fmt.Errorf("wrap: %w", context.DeadlineExceeded), want: SyncReasonDeadlineExceeded},
		{name: "canceled", err: context.Canceled, want: SyncReasonCanceled},
		{name: "db_lock_timeout", err: &pgconn.PgError{Code: "55P03"}, want: SyncReasonDBLockTimeout},
		{name: "serialization_failure", err: &pgconn.PgError{Code: "40001"}, want: SyncReasonSerializationFailure},
		{name: "unique_violation", err: gorm.ErrDuplicatedKey, want: SyncReasonUniqueViolation},
		{name: "unknown", err: errors.New("boom"), want: SyncReasonUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ClassifySyncReason(tc.err))
		})
	}
}

func TestSyncMetricsCounters(t *testing.T) {
	registry := prometheus.NewRegistry()
	m, err := newSyncMetrics(registry, Config{ServiceName: "creditledger", Environment: "test"})
	require.NoError(t, err)

	m.IncPassFailure("session_start", context.DeadlineExceeded)
	m.IncPassFailure("session_start", context.DeadlineExceeded)
	m.IncLockSkipped("session_start")
	m.ObservePass("manual", 150*time.Millisecond)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.passFailures.WithLabelValues("session_start", SyncReasonDeadlineExceeded)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.lockSkipped.WithLabelValues("session_start")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.passDuration))
}

func TestHTTPMetricsMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	registry := prometheus.NewRegistry()
	m, err := newHTTPMetrics(registry, Config{})
	require.NoError(t, err)

	r := gin.New()
	r.Use(m.GinMiddleware())
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })

	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	}

	assert.Equal(t, float64(3), testutil.ToFloat64(m.requests.WithLabelValues("GET", "/health", "200")))
}
