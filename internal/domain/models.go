package domain

import (
	"encoding/json"
	"time"

	"github.com/punchamoorthee/tokenflow/internal/ledger"
)

// UsageRecord is one billable event for a pay-as-you-go service.
// Records are appended until billed, then pruned.
type UsageRecord struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	ServiceID string         `json:"service_id"`
	UserID    string         `json:"user_id"`
	Amount    int64          `json:"amount"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type usageRecordJSON struct {
	ID        string         `json:"id"`
	Timestamp int64          `json:"timestamp"`
	ServiceID string         `json:"service_id"`
	UserID    string         `json:"user_id"`
	Amount    int64          `json:"amount"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// MarshalJSON encodes Timestamp as milliseconds since the epoch.
func (r UsageRecord) MarshalJSON() ([]byte, error) {
	return json.Marshal(usageRecordJSON{
		ID:        r.ID,
		Timestamp: r.Timestamp.UnixMilli(),
		ServiceID: r.ServiceID,
		UserID:    r.UserID,
		Amount:    r.Amount,
		Metadata:  r.Metadata,
	})
}

func (r *UsageRecord) UnmarshalJSON(data []byte) error {
	var raw usageRecordJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*r = UsageRecord{
		ID:        raw.ID,
		Timestamp: time.UnixMilli(raw.Timestamp).UTC(),
		ServiceID: raw.ServiceID,
		UserID:    raw.UserID,
		Amount:    raw.Amount,
		Metadata:  raw.Metadata,
	}
	return nil
}

// StreamState tracks one stream through Created -> Active -> Stopped.
// StartTime and EndTime are re-anchored when the stream is started.
type StreamState struct {
	ID              string         `json:"id"`
	Payer           ledger.Address `json:"payer"`
	Recipient       ledger.Address `json:"recipient"`
	RatePerSecond   int64          `json:"rate_per_second"`
	TotalAmount     int64          `json:"total_amount"`
	CreatedAt       time.Time      `json:"created_at"`
	StartTime       time.Time      `json:"start_time"`
	EndTime         time.Time      `json:"end_time"`
	StoppedAt       *time.Time     `json:"stopped_at,omitempty"`
	AmountPaid      int64          `json:"amount_paid"`
	LastPaymentTime time.Time      `json:"last_payment_time"`
	FinalAmount     int64          `json:"final_amount"`
	RefundAmount    int64          `json:"refund_amount"`
	// RefundSignature is set once the refund of RefundAmount has landed.
	RefundSignature string `json:"refund_signature,omitempty"`
	Active          bool   `json:"active"`
}

// Duration is the contracted length of the stream.
func (s *StreamState) Duration() time.Duration {
	return s.EndTime.Sub(s.StartTime)
}

// Started reports whether the prepayment for the stream has been submitted.
func (s *StreamState) Started() bool {
	return s.Active || s.StoppedAt != nil
}

// Stopped reports whether the stream reached its terminal state.
func (s *StreamState) Stopped() bool {
	return s.StoppedAt != nil
}

// RefundPending reports whether the stream stopped owing the payer a refund
// that has not landed yet.
func (s *StreamState) RefundPending() bool {
	return s.Stopped() && s.RefundAmount > 0 && s.RefundSignature == ""
}

// TransactionResult is produced once per submitted transaction.
type TransactionResult struct {
	Signature          string            `json:"signature"`
	Slot               uint64            `json:"slot"`
	ConfirmationStatus ledger.Commitment `json:"confirmation_status"`
}
