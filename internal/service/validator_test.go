package service_test

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/tokenflow/internal/domain"
	"github.com/punchamoorthee/tokenflow/internal/service"
)

func TestValidateConfig(t *testing.T) {
	valid := domain.FlowBase{Payer: alice, Recipient: bob}

	tests := []struct {
		name  string
		cfg   domain.FlowConfig
		field string
	}{
		{"valid prepay", domain.PrepaymentConfig{FlowBase: valid, Amount: 1}, ""},
		{"valid payg", domain.PayAsYouGoConfig{FlowBase: valid, PerUsePrice: 1}, ""},
		{"valid stream", domain.StreamConfig{FlowBase: valid, RatePerSecond: 1, Duration: service.MaxStreamDuration}, ""},
		{"nil", nil, "method"},
		{"bad payer", domain.PrepaymentConfig{FlowBase: domain.FlowBase{Payer: "not-base58!", Recipient: bob}, Amount: 1}, "payer"},
		{"short recipient", domain.PrepaymentConfig{FlowBase: domain.FlowBase{Payer: alice, Recipient: "abc"}, Amount: 1}, "recipient"},
		{"same parties", domain.PrepaymentConfig{FlowBase: domain.FlowBase{Payer: alice, Recipient: alice}, Amount: 1}, "recipient"},
		{"zero amount", domain.PrepaymentConfig{FlowBase: valid}, "amount"},
		{"negative amount", domain.PrepaymentConfig{FlowBase: valid, Amount: -5}, "amount"},
		{"zero per use", domain.PayAsYouGoConfig{FlowBase: valid}, "per_use_price"},
		{"zero rate", domain.StreamConfig{FlowBase: valid, Duration: 10}, "rate_per_second"},
		{"zero duration", domain.StreamConfig{FlowBase: valid, RatePerSecond: 1}, "duration"},
		{"long duration", domain.StreamConfig{FlowBase: valid, RatePerSecond: 1, Duration: service.MaxStreamDuration + 1}, "duration"},
		{"overflow", domain.StreamConfig{FlowBase: valid, RatePerSecond: math.MaxInt64 / 2, Duration: 3}, "rate_per_second"},
		{"discount", domain.PrepaymentConfig{FlowBase: domain.FlowBase{Payer: alice, Recipient: bob, Pricing: domain.Pricing{BulkDiscountPercent: 51}}, Amount: 1}, "pricing.bulk_discount_percent"},
		{"multiplier", domain.PrepaymentConfig{FlowBase: domain.FlowBase{Payer: alice, Recipient: bob, Pricing: domain.Pricing{PriorityMultiplier: 50}}, Amount: 1}, "pricing.priority_multiplier"},
		{"currency", domain.PrepaymentConfig{FlowBase: domain.FlowBase{Payer: alice, Recipient: bob, Pricing: domain.Pricing{Currency: "USD"}}, Amount: 1}, "pricing.currency"},
		{"tier", domain.PrepaymentConfig{FlowBase: domain.FlowBase{Payer: alice, Recipient: bob, Pricing: domain.Pricing{Tier: "diamond"}}, Amount: 1}, "pricing.tier"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := service.ValidateConfig(tt.cfg)
			if tt.field == "" {
				require.NoError(t, err)
				return
			}
			var ve *service.ValidationError
			require.True(t, errors.As(err, &ve), "got %v", err)
			require.Equal(t, tt.field, ve.Field)
		})
	}
}
