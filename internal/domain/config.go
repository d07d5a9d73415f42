package domain

import (
	"encoding/json"
	"fmt"

	"github.com/punchamoorthee/tokenflow/internal/ledger"
)

// PaymentMethod discriminates the FlowConfig variants on the wire.
type PaymentMethod string

const (
	MethodPrepay     PaymentMethod = "prepay"
	MethodPayAsYouGo PaymentMethod = "pay_as_you_go"
	MethodStream     PaymentMethod = "stream"
)

// FlowConfig is implemented only by PrepaymentConfig, PayAsYouGoConfig and
// StreamConfig.
type FlowConfig interface {
	Method() PaymentMethod
	Parties() (payer, recipient ledger.Address)
	PricingInfo() Pricing
	isFlowConfig()
}

// FlowBase holds the fields shared by every payment model.
type FlowBase struct {
	Payer     ledger.Address `json:"payer"`
	Recipient ledger.Address `json:"recipient"`
	Pricing   Pricing        `json:"pricing"`
}

func (b FlowBase) Parties() (ledger.Address, ledger.Address) {
	return b.Payer, b.Recipient
}

func (b FlowBase) PricingInfo() Pricing {
	return b.Pricing
}

// PrepaymentConfig charges a fixed amount up front.
type PrepaymentConfig struct {
	FlowBase
	Amount int64 `json:"amount"`
}

// PayAsYouGoConfig bills accumulated usage, or PerUsePrice per instant payment.
type PayAsYouGoConfig struct {
	FlowBase
	PerUsePrice int64 `json:"per_use_price"`
}

// StreamConfig prepays RatePerSecond for Duration seconds.
type StreamConfig struct {
	FlowBase
	RatePerSecond int64 `json:"rate_per_second"`
	Duration      int64 `json:"duration"`
}

func (PrepaymentConfig) Method() PaymentMethod { return MethodPrepay }
func (PayAsYouGoConfig) Method() PaymentMethod { return MethodPayAsYouGo }
func (StreamConfig) Method() PaymentMethod     { return MethodStream }

func (PrepaymentConfig) isFlowConfig() {}
func (PayAsYouGoConfig) isFlowConfig() {}
func (StreamConfig) isFlowConfig()     {}

// MarshalFlowConfig encodes cfg with its method tag.
func MarshalFlowConfig(cfg FlowConfig) ([]byte, error) {
	fields, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(fields, &m); err != nil {
		return nil, err
	}
	m["method"], _ = json.Marshal(cfg.Method())
	return json.Marshal(m)
}

// DecodeFlowConfig decodes a tagged FlowConfig. The concrete variant is chosen by
// the "method" field.
func DecodeFlowConfig(data []byte) (FlowConfig, error) {
	var tag struct {
		Method PaymentMethod `json:"method"`
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return nil, fmt.Errorf("decode flow config: %w", err)
	}

	var (
		cfg FlowConfig
		err error
	)
	switch tag.Method {
	case MethodPrepay:
		var c PrepaymentConfig
		err = json.Unmarshal(data, &c)
		cfg = c
	case MethodPayAsYouGo:
		var c PayAsYouGoConfig
		err = json.Unmarshal(data, &c)
		cfg = c
	case MethodStream:
		var c StreamConfig
		err = json.Unmarshal(data, &c)
		cfg = c
	case "":
		return nil, fmt.Errorf("decode flow config: missing method")
	default:
		return nil, fmt.Errorf("decode flow config: unknown method %q", tag.Method)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s config: %w", tag.Method, err)
	}
	return cfg, nil
}
