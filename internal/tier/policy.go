// Package tier maps subscription prices and plan names to monthly credit
// entitlements.
package tier

import (
	"strings"

	"github.com/smallbiznis/creditledger/internal/config"
)

// Tier is one entitlement band as shown to users.
type Tier struct {
	Name           string `json:"name"`
	Credits        int64  `json:"credits"`
	CanonicalPrice int64  `json:"canonical_price"`
	MaxAmount      *int64 `json:"max_amount,omitempty"`
}

// Policy reads bands from the holder on every call so hot reloads apply to
// the next lookup.
type Policy struct {
	holder *config.TierConfigHolder
}

func NewPolicy(holder *config.TierConfigHolder) *Policy {
	return &Policy{holder: holder}
}

// CreditsForPrice returns the monthly entitlement for a price in minor
// units. Non-positive amounts are free or trial plans and earn nothing.
func (p *Policy) CreditsForPrice(amountMinor int64) int64 {
	if amountMinor <= 0 {
		return 0
	}
	bands := p.holder.Get().Bands
	for _, band := range bands {
		if band.MaxAmount == nil || amountMinor <= *band.MaxAmount {
			return band.Credits
		}
	}
	return 0
}

// CreditsForNamedTier is case-insensitive; unknown names earn nothing.
func (p *Policy) CreditsForNamedTier(name string) int64 {
	band, ok := p.find(name)
	if !ok {
		return 0
	}
	return band.Credits
}

// Tiers lists the current bands in price order.
func (p *Policy) Tiers() []Tier {
	bands := p.holder.Get().Bands
	out := make([]Tier, 0, len(bands))
	for _, band := range bands {
		out = append(out, Tier{
			Name:           strings.ToLower(strings.TrimSpace(band.Name)),
			Credits:        band.Credits,
			CanonicalPrice: band.CanonicalPrice,
			MaxAmount:      band.MaxAmount,
		})
	}
	return out
}

func (p *Policy) find(name string) (config.TierBand, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return config.TierBand{}, false
	}
	for _, band := range p.holder.Get().Bands {
		if strings.ToLower(strings.TrimSpace(band.Name)) == name {
			return band, true
		}
	}
	return config.TierBand{}, false
}
