package domain_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/punchamoorthee/tokenflow/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	payer     = "4Nd1mBQtrMJVYVfKf2PJy9NZUZdTAsp7D4xWLs4gDB4T"
	recipient = "8qbHbw2BbbTHBW1sbeqakYXVKRQM8Ne7pLK7m6CVfeR"
)

func TestDecodeFlowConfig(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want domain.FlowConfig
	}{
		{
			name: "prepay",
			in:   `{"method":"prepay","payer":"` + payer + `","recipient":"` + recipient + `","pricing":{"base_price":5,"currency":"A2AMPL"},"amount":5}`,
			want: domain.PrepaymentConfig{
				FlowBase: domain.FlowBase{Payer: payer, Recipient: recipient, Pricing: domain.Pricing{BasePrice: 5, Currency: "A2AMPL"}},
				Amount:   5,
			},
		},
		{
			name: "pay as you go",
			in:   `{"method":"pay_as_you_go","payer":"` + payer + `","recipient":"` + recipient + `","per_use_price":7}`,
			want: domain.PayAsYouGoConfig{
				FlowBase:    domain.FlowBase{Payer: payer, Recipient: recipient},
				PerUsePrice: 7,
			},
		},
		{
			name: "stream",
			in:   `{"method":"stream","payer":"` + payer + `","recipient":"` + recipient + `","rate_per_second":1000000,"duration":10}`,
			want: domain.StreamConfig{
				FlowBase:      domain.FlowBase{Payer: payer, Recipient: recipient},
				RatePerSecond: 1_000_000,
				Duration:      10,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := domain.DecodeFlowConfig([]byte(tt.in))
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
			require.Equal(t, tt.want.Method(), got.Method())
		})
	}
}

func TestDecodeFlowConfigErrors(t *testing.T) {
	for _, in := range []string{
		`{"payer":"x"}`,
		`{"method":"barter"}`,
		`{"method":"prepay","amount":"lots"}`,
		`not json`,
	} {
		_, err := domain.DecodeFlowConfig([]byte(in))
		require.Error(t, err, in)
	}
}

func TestMarshalFlowConfigRoundTrip(t *testing.T) {
	cfg := domain.StreamConfig{
		FlowBase:      domain.FlowBase{Payer: payer, Recipient: recipient},
		RatePerSecond: 3,
		Duration:      60,
	}
	data, err := domain.MarshalFlowConfig(cfg)
	require.NoError(t, err)
	require.Contains(t, string(data), `"method":"stream"`)

	got, err := domain.DecodeFlowConfig(data)
	require.NoError(t, err)
	require.Equal(t, cfg, got)
}

func TestUsageRecordTimestampIsMillis(t *testing.T) {
	ts := time.UnixMilli(1_700_000_000_123).UTC()
	rec := domain.UsageRecord{ID: "r1", Timestamp: ts, ServiceID: "svc1", UserID: "u", Amount: 100}

	data, err := json.Marshal(rec)
	require.NoError(t, err)
	require.Contains(t, string(data), `"timestamp":1700000000123`)

	var back domain.UsageRecord
	require.NoError(t, json.Unmarshal(data, &back))
	require.Equal(t, rec, back)
}

func TestEffectivePrice(t *testing.T) {
	tests := []struct {
		name    string
		pricing domain.Pricing
		units   int64
		want    int64
	}{
		{"base", domain.Pricing{BasePrice: 1_000}, 3, 3_000},
		{"multiplier", domain.Pricing{BasePrice: 1_000, PriorityMultiplier: 150}, 2, 3_000},
		{"discount", domain.Pricing{BasePrice: 1_000, BulkDiscountPercent: 50}, 3, 1_500},
		{"both", domain.Pricing{BasePrice: 1_000, PriorityMultiplier: 200, BulkDiscountPercent: 25}, 1, 1_500},
		{"truncates", domain.Pricing{BasePrice: 1, BulkDiscountPercent: 50}, 1, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.pricing.EffectivePrice(tt.units)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := domain.Pricing{BasePrice: 1 << 62, PriorityMultiplier: 300}.EffectivePrice(4)
	require.Error(t, err)
	_, err = domain.Pricing{BasePrice: 1}.EffectivePrice(-1)
	require.Error(t, err)
}

func TestAmountFormatting(t *testing.T) {
	assert.Equal(t, "1.5", domain.FormatAmount(1_500_000_000))
	assert.Equal(t, "0.000000001", domain.FormatAmount(1))
	assert.Equal(t, "0", domain.FormatAmount(0))

	units, err := domain.ParseAmount("2.25")
	require.NoError(t, err)
	assert.Equal(t, int64(2_250_000_000), units)

	_, err = domain.ParseAmount("0.0000000001")
	require.Error(t, err)
	_, err = domain.ParseAmount("abc")
	require.Error(t, err)
	_, err = domain.ParseAmount("99999999999999999999")
	require.Error(t, err)
}

func TestTierValid(t *testing.T) {
	assert.True(t, domain.Tier("").Valid())
	assert.True(t, domain.TierGold.Valid())
	assert.False(t, domain.Tier("diamond").Valid())
}
