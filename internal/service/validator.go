package service

import (
	"math"

	"github.com/punchamoorthee/tokenflow/internal/domain"
	"github.com/punchamoorthee/tokenflow/internal/ledger"
)

// MaxStreamDuration is the longest stream, in seconds.
const MaxStreamDuration = 86_400

// ValidateConfig checks a flow config before anything touches the ledger.
// It returns a *ValidationError naming the first offending field.
func ValidateConfig(cfg domain.FlowConfig) error {
	if cfg == nil {
		return invalid("method", "config is required")
	}

	payer, recipient := cfg.Parties()
	if err := validateAddress("payer", payer); err != nil {
		return err
	}
	if err := validateAddress("recipient", recipient); err != nil {
		return err
	}

	switch c := cfg.(type) {
	case domain.PrepaymentConfig:
		if c.Amount <= 0 {
			return invalid("amount", "must be greater than 0")
		}
	case domain.PayAsYouGoConfig:
		if c.PerUsePrice <= 0 {
			return invalid("per_use_price", "must be greater than 0")
		}
	case domain.StreamConfig:
		if c.RatePerSecond <= 0 {
			return invalid("rate_per_second", "must be greater than 0")
		}
		if c.Duration <= 0 {
			return invalid("duration", "must be greater than 0")
		}
		if c.Duration > MaxStreamDuration {
			return invalid("duration", "cannot exceed %d seconds", MaxStreamDuration)
		}
		if c.RatePerSecond > math.MaxInt64/c.Duration {
			return invalid("rate_per_second", "total amount overflows")
		}
	default:
		return invalid("method", "unsupported config %T", cfg)
	}

	if payer == recipient {
		return invalid("recipient", "payer and recipient cannot be the same")
	}
	return validatePricing(cfg.PricingInfo())
}

func validateAddress(field string, addr ledger.Address) error {
	if _, err := ledger.ParseAddress(string(addr)); err != nil {
		return invalid(field, "%v", err)
	}
	return nil
}

func validatePricing(p domain.Pricing) error {
	if p.BasePrice < 0 {
		return invalid("pricing.base_price", "cannot be negative")
	}
	if p.Currency != "" && p.Currency != domain.DefaultCurrency {
		return invalid("pricing.currency", "unsupported currency %q", p.Currency)
	}
	if !p.Tier.Valid() {
		return invalid("pricing.tier", "unknown tier %q", p.Tier)
	}
	if p.BulkDiscountPercent < 0 || p.BulkDiscountPercent > domain.MaxBulkDiscountPercent {
		return invalid("pricing.bulk_discount_percent", "must be between 0 and %d", domain.MaxBulkDiscountPercent)
	}
	if p.PriorityMultiplier != 0 &&
		(p.PriorityMultiplier < domain.MinPriorityMultiplier || p.PriorityMultiplier > domain.MaxPriorityMultiplier) {
		return invalid("pricing.priority_multiplier", "must be between %d and %d",
			domain.MinPriorityMultiplier, domain.MaxPriorityMultiplier)
	}
	return nil
}
