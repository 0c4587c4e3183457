package billing

import (
	"github.com/smallbiznis/creditledger/internal/billing/adapters"
	"github.com/smallbiznis/creditledger/internal/billing/adapters/none"
	"github.com/smallbiznis/creditledger/internal/billing/adapters/stripe"
	"github.com/smallbiznis/creditledger/internal/billing/domain"
	"github.com/smallbiznis/creditledger/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("billing.provider",
	fx.Provide(func() *adapters.Registry {
		return adapters.NewRegistry(
			stripe.NewFactory(),
			none.NewFactory(),
		)
	}),
	fx.Provide(NewProvider),
)

// NewProvider builds the configured billing provider.
func NewProvider(registry *adapters.Registry, cfg config.Config, log *zap.Logger) (domain.Provider, error) {
	provider, err := registry.NewProvider(cfg.Billing.Provider, domain.ProviderConfig{
		SecretKey: cfg.Billing.SecretKey,
	})
	if err != nil {
		return nil, err
	}
	log.Named("billing.provider").Info("billing provider configured", zap.String("provider", provider.Name()))
	return provider, nil
}
