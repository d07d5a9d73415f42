package domain

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// Tier is the provider's service tier.
type Tier string

const (
	TierBronze   Tier = "bronze"
	TierSilver   Tier = "silver"
	TierGold     Tier = "gold"
	TierPlatinum Tier = "platinum"
)

func (t Tier) Valid() bool {
	switch t {
	case "", TierBronze, TierSilver, TierGold, TierPlatinum:
		return true
	}
	return false
}

const (
	// DefaultCurrency is the symbol of the payment token.
	DefaultCurrency = "A2AMPL"

	MaxBulkDiscountPercent = 50
	MinPriorityMultiplier  = 100
	MaxPriorityMultiplier  = 300
)

// Pricing describes what a provider charges. PriorityMultiplier is a percentage
// (100 = 1.0x); zero means no multiplier.
type Pricing struct {
	BasePrice           int64  `json:"base_price"`
	Currency            string `json:"currency"`
	Tier                Tier   `json:"tier,omitempty"`
	BulkDiscountPercent int    `json:"bulk_discount_percent,omitempty"`
	PriorityMultiplier  int    `json:"priority_multiplier,omitempty"`
}

var hundred = decimal.NewFromInt(100)

// EffectivePrice returns the cost of units at BasePrice after applying the
// priority multiplier and the bulk discount. Fractions of a base unit are
// truncated.
func (p Pricing) EffectivePrice(units int64) (int64, error) {
	if units < 0 {
		return 0, fmt.Errorf("negative units %d", units)
	}

	price := decimal.NewFromInt(p.BasePrice).Mul(decimal.NewFromInt(units))
	if p.PriorityMultiplier != 0 {
		price = price.Mul(decimal.NewFromInt(int64(p.PriorityMultiplier))).Div(hundred)
	}
	if p.BulkDiscountPercent != 0 {
		keep := hundred.Sub(decimal.NewFromInt(int64(p.BulkDiscountPercent)))
		price = price.Mul(keep).Div(hundred)
	}

	price = price.Truncate(0)
	if price.GreaterThan(decimal.NewFromInt(math.MaxInt64)) {
		return 0, fmt.Errorf("price %s overflows int64", price)
	}
	return price.IntPart(), nil
}
