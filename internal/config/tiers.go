package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// TierBand maps a subscription price ceiling to a monthly credit entitlement.
// A nil MaxAmount marks the open-ended top band.
type TierBand struct {
	Name           string `mapstructure:"name"`
	MaxAmount      *int64 `mapstructure:"maxAmount"`
	Credits        int64  `mapstructure:"credits"`
	CanonicalPrice int64  `mapstructure:"canonicalPrice"`
}

type TierConfig struct {
	Bands []TierBand `mapstructure:"bands"`
}

func DefaultTierConfig() TierConfig {
	return TierConfig{
		Bands: []TierBand{
			{Name: "starter", MaxAmount: int64Ptr(4900), Credits: 10, CanonicalPrice: 4900},
			{Name: "growth", MaxAmount: int64Ptr(9900), Credits: 25, CanonicalPrice: 9900},
			{Name: "impact", MaxAmount: nil, Credits: 60, CanonicalPrice: 19900},
		},
	}
}

func int64Ptr(v int64) *int64 { return &v }

type TierConfigHolder struct {
	current atomic.Value // holds TierConfig
}

// NewStaticTierConfigHolder wraps a fixed config, mostly for tests.
func NewStaticTierConfigHolder(cfg TierConfig) (*TierConfigHolder, error) {
	if err := ValidateTierConfig(cfg); err != nil {
		return nil, err
	}
	holder := &TierConfigHolder{}
	holder.current.Store(cfg)
	return holder, nil
}

func NewTierConfigHolder(appCfg Config, log *zap.Logger) (*TierConfigHolder, error) {
	v := viper.New()

	if appCfg.TierConfigPath != "" {
		v.SetConfigFile(appCfg.TierConfigPath)
	} else {
		v.SetConfigName("tiers")
		v.SetConfigType("yml")
		v.AddConfigPath("/etc/creditledger")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("CREDITLEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	fromFile := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		fromFile = false
	}

	cfg := DefaultTierConfig()
	if fromFile {
		var loaded TierConfig
		if err := v.UnmarshalKey("tiers", &loaded); err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := ValidateTierConfig(cfg); err != nil {
		return nil, err
	}

	holder := &TierConfigHolder{}
	holder.current.Store(cfg)

	if fromFile {
		log = log.Named("tier.config")
		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			var updated TierConfig
			if err := v.UnmarshalKey("tiers", &updated); err != nil {
				log.Warn("tier config reload failed", zap.Error(err))
				return
			}
			if err := ValidateTierConfig(updated); err != nil {
				log.Warn("invalid tier config ignored", zap.Error(err))
				return
			}
			holder.current.Store(updated)
			log.Info("tier config reloaded", zap.String("file", e.Name))
		})
	}

	return holder, nil
}

func (h *TierConfigHolder) Get() TierConfig {
	return h.current.Load().(TierConfig)
}

// ValidateTierConfig enforces ascending ceilings with exactly one open-ended
// band in last position.
func ValidateTierConfig(cfg TierConfig) error {
	if len(cfg.Bands) == 0 {
		return errors.New("tiers.bands cannot be empty")
	}
	var prev int64 = -1
	seen := map[string]struct{}{}
	for i, band := range cfg.Bands {
		name := strings.ToLower(strings.TrimSpace(band.Name))
		if name == "" {
			return fmt.Errorf("tiers.bands[%d].name is required", i)
		}
		if _, ok := seen[name]; ok {
			return fmt.Errorf("tiers.bands[%d].name %q is duplicated", i, name)
		}
		seen[name] = struct{}{}
		if band.Credits < 0 {
			return fmt.Errorf("tiers.bands[%d].credits must not be negative", i)
		}
		last := i == len(cfg.Bands)-1
		if band.MaxAmount == nil {
			if !last {
				return fmt.Errorf("tiers.bands[%d] is open-ended but not last", i)
			}
			if band.CanonicalPrice <= prev {
				return fmt.Errorf("tiers.bands[%d].canonicalPrice must exceed %d", i, prev)
			}
			continue
		}
		if last {
			return fmt.Errorf("tiers.bands[%d] must be open-ended", i)
		}
		if *band.MaxAmount <= prev {
			return fmt.Errorf("tiers.bands[%d].maxAmount must be ascending", i)
		}
		if band.CanonicalPrice <= prev || band.CanonicalPrice > *band.MaxAmount {
			return fmt.Errorf("tiers.bands[%d].canonicalPrice must fall inside its band", i)
		}
		prev = *band.MaxAmount
	}
	return nil
}
