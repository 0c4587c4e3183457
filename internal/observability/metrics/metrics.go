package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes ledger and reconciliation instruments. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	creditGrants     metric.Int64Counter
	creditsGranted   metric.Int64Counter
	creditDeductions metric.Int64Counter
	duplicateGrants  metric.Int64Counter
	reconcilePasses  metric.Int64Counter
	providerErrors   metric.Int64Counter
	adminAdjustments metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "creditledger"
	}
	meter := provider.Meter(name)

	var (
		m   Metrics
		err error
	)
	counters := []struct {
		target *metric.Int64Counter
		name   string
	}{
		{&m.creditGrants, "creditledger_credit_grants_total"},
		{&m.creditsGranted, "creditledger_credits_granted_total"},
		{&m.creditDeductions, "creditledger_credit_deductions_total"},
		{&m.duplicateGrants, "creditledger_duplicate_grants_total"},
		{&m.reconcilePasses, "creditledger_reconcile_passes_total"},
		{&m.providerErrors, "creditledger_provider_errors_total"},
		{&m.adminAdjustments, "creditledger_admin_adjustments_total"},
	}
	for _, c := range counters {
		*c.target, err = meter.Int64Counter(c.name)
		if err != nil {
			return nil, err
		}
	}
	return &m, nil
}

// RecordGrant counts an applied grant and the credits it added.
func (m *Metrics) RecordGrant(ctx context.Context, pool, featureTag string, amount int64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(FilterAttributes(
		attribute.String("pool", pool),
		attribute.String("feature_tag", featureTag),
	)...)
	m.creditGrants.Add(ctx, 1, attrs)
	m.creditsGranted.Add(ctx, amount, attrs)
}

// RecordDuplicateGrant counts an idempotent grant that was skipped.
func (m *Metrics) RecordDuplicateGrant(ctx context.Context, pool string) {
	if m == nil {
		return
	}
	m.duplicateGrants.Add(ctx, 1, metric.WithAttributes(FilterAttributes(
		attribute.String("pool", pool),
	)...))
}

// RecordDeduction counts a deduction attempt by outcome.
func (m *Metrics) RecordDeduction(ctx context.Context, pool, outcome string) {
	if m == nil {
		return
	}
	m.creditDeductions.Add(ctx, 1, metric.WithAttributes(FilterAttributes(
		attribute.String("pool", pool),
		attribute.String("outcome", outcome),
	)...))
}

// RecordReconcilePass counts reconciliation passes by trigger and outcome.
func (m *Metrics) RecordReconcilePass(ctx context.Context, trigger, outcome string) {
	if m == nil {
		return
	}
	m.reconcilePasses.Add(ctx, 1, metric.WithAttributes(FilterAttributes(
		attribute.String("trigger", trigger),
		attribute.String("outcome", outcome),
	)...))
}

// RecordProviderError counts failed billing provider calls.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, operation string) {
	if m == nil {
		return
	}
	m.providerErrors.Add(ctx, 1, metric.WithAttributes(FilterAttributes(
		attribute.String("provider", provider),
		attribute.String("operation", operation),
	)...))
}

func (m *Metrics) RecordAdminAdjustment(ctx context.Context, pool, featureTag string) {
	if m == nil {
		return
	}
	m.adminAdjustments.Add(ctx, 1, metric.WithAttributes(FilterAttributes(
		attribute.String("pool", pool),
		attribute.String("feature_tag", featureTag),
	)...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

// User ids and emails never become labels.
var allowedLabelKeys = map[attribute.Key]struct{}{
	"pool":        {},
	"feature_tag": {},
	"outcome":     {},
	"trigger":     {},
	"provider":    {},
	"operation":   {},
	"status_code": {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
