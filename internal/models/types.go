// Package models holds the HTTP request and response bodies. Times are
// milliseconds since the epoch and durations are milliseconds.
package models

import (
	"encoding/json"
	"time"

	"github.com/punchamoorthee/tokenflow/internal/domain"
	"github.com/punchamoorthee/tokenflow/internal/ledger"
	"github.com/punchamoorthee/tokenflow/internal/service"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// RecordUsageRequest records a raw Amount in base units, AmountTokens as a
// decimal token amount such as "0.25", or Units priced by Pricing.
type RecordUsageRequest struct {
	UserID       string          `json:"user_id"`
	Amount       int64           `json:"amount"`
	AmountTokens *string         `json:"amount_tokens,omitempty"`
	Units        *int64          `json:"units,omitempty"`
	Pricing      *domain.Pricing `json:"pricing,omitempty"`
	Metadata     map[string]any  `json:"metadata,omitempty"`
}

// BillUsageRequest bills recorded usage from FromTimestamp (ms, optional) on.
type BillUsageRequest struct {
	Config        json.RawMessage `json:"config"`
	FromTimestamp *int64          `json:"from_timestamp,omitempty"`
}

func (r BillUsageRequest) From() time.Time {
	return FromMillis(r.FromTimestamp)
}

type UsageRecordsResponse struct {
	ServiceID string               `json:"service_id"`
	Records   []domain.UsageRecord `json:"records"`
	TotalCost int64                `json:"total_cost"`
}

type UsageSummaryResponse struct {
	ServiceID   string `json:"service_id"`
	TotalCost   int64  `json:"total_cost"`
	UsageCount  int    `json:"usage_count"`
	AverageCost int64  `json:"average_cost"`
	FirstUsage  *int64 `json:"first_usage,omitempty"`
	LastUsage   *int64 `json:"last_usage,omitempty"`
	// TotalCostTokens is TotalCost rendered in whole tokens.
	TotalCostTokens string `json:"total_cost_tokens"`
}

func NewUsageSummaryResponse(serviceID string, s *service.UsageSummary) UsageSummaryResponse {
	return UsageSummaryResponse{
		ServiceID:       serviceID,
		TotalCost:       s.TotalCost,
		UsageCount:      s.UsageCount,
		AverageCost:     s.AverageCost,
		FirstUsage:      millisPtr(s.FirstUsage),
		LastUsage:       millisPtr(s.LastUsage),
		TotalCostTokens: domain.FormatAmount(s.TotalCost),
	}
}

type CreateStreamResponse struct {
	StreamID           string              `json:"stream_id"`
	TotalAmount        int64               `json:"total_amount"`
	InitialTransaction *ledger.Transaction `json:"initial_transaction"`
}

type StreamResponse struct {
	ID              string         `json:"id"`
	Payer           ledger.Address `json:"payer"`
	Recipient       ledger.Address `json:"recipient"`
	RatePerSecond   int64          `json:"rate_per_second"`
	TotalAmount     int64          `json:"total_amount"`
	CreatedAt       int64          `json:"created_at"`
	StartTime       int64          `json:"start_time"`
	EndTime         int64          `json:"end_time"`
	StoppedAt       *int64         `json:"stopped_at,omitempty"`
	AmountPaid      int64          `json:"amount_paid"`
	LastPaymentTime int64          `json:"last_payment_time"`
	FinalAmount     int64          `json:"final_amount"`
	RefundAmount    int64          `json:"refund_amount"`
	RefundSignature string         `json:"refund_signature,omitempty"`
	RefundPending   bool           `json:"refund_pending"`
	Active          bool           `json:"active"`
}

func NewStreamResponse(s *domain.StreamState) StreamResponse {
	return StreamResponse{
		ID:              s.ID,
		Payer:           s.Payer,
		Recipient:       s.Recipient,
		RatePerSecond:   s.RatePerSecond,
		TotalAmount:     s.TotalAmount,
		CreatedAt:       s.CreatedAt.UnixMilli(),
		StartTime:       s.StartTime.UnixMilli(),
		EndTime:         s.EndTime.UnixMilli(),
		StoppedAt:       millisPtr(s.StoppedAt),
		AmountPaid:      s.AmountPaid,
		LastPaymentTime: s.LastPaymentTime.UnixMilli(),
		FinalAmount:     s.FinalAmount,
		RefundAmount:    s.RefundAmount,
		RefundSignature: s.RefundSignature,
		RefundPending:   s.RefundPending(),
		Active:          s.Active,
	}
}

type StreamStatusResponse struct {
	StreamResponse
	CurrentAmount   int64   `json:"current_amount"`
	RemainingAmount int64   `json:"remaining_amount"`
	ElapsedTime     int64   `json:"elapsed_time"`
	RemainingTime   int64   `json:"remaining_time"`
	Progress        float64 `json:"progress"`
}

func NewStreamStatusResponse(s *service.StreamStatus) StreamStatusResponse {
	return StreamStatusResponse{
		StreamResponse:  NewStreamResponse(&s.StreamState),
		CurrentAmount:   s.CurrentAmount,
		RemainingAmount: s.RemainingAmount,
		ElapsedTime:     s.ElapsedTime.Milliseconds(),
		RemainingTime:   s.RemainingTime.Milliseconds(),
		Progress:        s.Progress,
	}
}

type StreamListResponse struct {
	Streams []StreamResponse `json:"streams"`
}

func FromMillis(ms *int64) time.Time {
	if ms == nil {
		return time.Time{}
	}
	return time.UnixMilli(*ms).UTC()
}

func millisPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}
