package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/punchamoorthee/tokenflow/internal/domain"
	"github.com/punchamoorthee/tokenflow/internal/ledger"
	"github.com/punchamoorthee/tokenflow/internal/schedule"
	"github.com/punchamoorthee/tokenflow/internal/store"
)

var ErrBillingInProgress = errors.New("billing already in progress for service")

// UsagePayment is a built, unsubmitted charge for accumulated usage.
type UsagePayment struct {
	Transaction *ledger.Transaction `json:"transaction"`
	TotalAmount int64               `json:"total_amount"`
	UsageCount  int                 `json:"usage_count"`

	recordIDs []string
}

// UsagePaymentResult is a submitted usage charge. Cleared is the number of usage
// records removed after submission.
type UsagePaymentResult struct {
	domain.TransactionResult
	TotalAmount int64 `json:"total_amount"`
	UsageCount  int   `json:"usage_count"`
	Cleared     int   `json:"cleared"`
}

// UsageSummary aggregates the usage of one service. FirstUsage and LastUsage
// are nil when there are no records.
type UsageSummary struct {
	TotalCost   int64      `json:"total_cost"`
	UsageCount  int        `json:"usage_count"`
	AverageCost int64      `json:"average_cost"`
	FirstUsage  *time.Time `json:"first_usage,omitempty"`
	LastUsage   *time.Time `json:"last_usage,omitempty"`
}

// PayAsYouGoFlow records usage per service and bills it in aggregate, or charges
// a fixed price per use.
type PayAsYouGoFlow struct {
	usage     store.UsageStore
	builder   *TransferBuilder
	submitter *Submitter
	clock     schedule.Clock
	logger    *slog.Logger

	mu      sync.Mutex
	billing map[string]struct{}
}

func NewPayAsYouGoFlow(usage store.UsageStore, builder *TransferBuilder, submitter *Submitter, clock schedule.Clock, logger *slog.Logger) *PayAsYouGoFlow {
	if logger == nil {
		logger = slog.Default()
	}
	return &PayAsYouGoFlow{
		usage:     usage,
		builder:   builder,
		submitter: submitter,
		clock:     clock,
		logger:    logger,
		billing:   make(map[string]struct{}),
	}
}

// RecordUsage appends a usage record stamped with the current time.
func (f *PayAsYouGoFlow) RecordUsage(ctx context.Context, serviceID, userID string, amount int64, metadata map[string]any) (*domain.UsageRecord, error) {
	if serviceID == "" {
		return nil, invalid("service_id", "is required")
	}
	if amount < 0 {
		return nil, invalid("amount", "cannot be negative")
	}

	rec := domain.UsageRecord{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Timestamp: f.clock.Now().UTC().Truncate(time.Millisecond),
		ServiceID: serviceID,
		UserID:    userID,
		Amount:    amount,
		Metadata:  metadata,
	}
	if err := f.usage.Append(ctx, rec); err != nil {
		return nil, fmt.Errorf("record usage for %s: %w", serviceID, err)
	}
	return &rec, nil
}

// RecordPricedUsage records units of work priced by p.
func (f *PayAsYouGoFlow) RecordPricedUsage(ctx context.Context, serviceID, userID string, units int64, p domain.Pricing, metadata map[string]any) (*domain.UsageRecord, error) {
	if err := validatePricing(p); err != nil {
		return nil, err
	}
	amount, err := p.EffectivePrice(units)
	if err != nil {
		return nil, invalid("units", "%v", err)
	}
	return f.RecordUsage(ctx, serviceID, userID, amount, metadata)
}

// GetUsageRecords returns the records of serviceID with Timestamp >= from.
func (f *PayAsYouGoFlow) GetUsageRecords(ctx context.Context, serviceID string, from time.Time) ([]domain.UsageRecord, error) {
	recs, err := f.usage.List(ctx, serviceID, from)
	if err != nil {
		return nil, fmt.Errorf("list usage for %s: %w", serviceID, err)
	}
	return recs, nil
}

func (f *PayAsYouGoFlow) CalculateUsageCost(ctx context.Context, serviceID string, from time.Time) (int64, error) {
	recs, err := f.GetUsageRecords(ctx, serviceID, from)
	if err != nil {
		return 0, err
	}
	return sumUsage(recs)
}

// CreateUsagePayment builds one transfer for the usage of serviceID since from.
func (f *PayAsYouGoFlow) CreateUsagePayment(ctx context.Context, cfg domain.PayAsYouGoConfig, serviceID string, from time.Time) (*UsagePayment, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}

	recs, err := f.GetUsageRecords(ctx, serviceID, from)
	if err != nil {
		return nil, paymentErr("create usage payment", err)
	}
	total, err := sumUsage(recs)
	if err != nil {
		return nil, &PaymentError{Op: "create usage payment", Err: err}
	}
	if total == 0 {
		return nil, &PaymentError{Op: "create usage payment", Err: fmt.Errorf("%w for service %s", ErrNothingToBill, serviceID)}
	}

	tx, err := f.builder.Build(ctx, cfg.Payer, cfg.Recipient, total)
	if err != nil {
		return nil, paymentErr("create usage payment", err)
	}

	ids := make([]string, len(recs))
	for i, r := range recs {
		ids[i] = r.ID
	}
	return &UsagePayment{Transaction: tx, TotalAmount: total, UsageCount: len(recs), recordIDs: ids}, nil
}

// ExecuteUsagePayment bills the usage of serviceID since from. The billed records
// are removed only after the transfer is confirmed; records older than from are
// kept. A failed submission leaves the usage ledger untouched.
func (f *PayAsYouGoFlow) ExecuteUsagePayment(ctx context.Context, cfg domain.PayAsYouGoConfig, serviceID string, from time.Time) (*UsagePaymentResult, error) {
	if err := f.beginBilling(serviceID); err != nil {
		return nil, err
	}
	defer f.endBilling(serviceID)

	payment, err := f.CreateUsagePayment(ctx, cfg, serviceID, from)
	if err != nil {
		return nil, err
	}

	res, err := f.submitter.Submit(ctx, payment.Transaction)
	if err != nil {
		return nil, err
	}

	out := &UsagePaymentResult{
		TransactionResult: *res,
		TotalAmount:       payment.TotalAmount,
		UsageCount:        payment.UsageCount,
	}

	pctx, cancel := detached(ctx)
	defer cancel()
	cleared, err := f.usage.Remove(pctx, serviceID, payment.recordIDs)
	if err != nil {
		// The transfer landed, so report it; the records will be billed again
		// unless an operator clears them.
		f.logger.Error("failed to clear billed usage", "service_id", serviceID,
			"signature", res.Signature, "records", len(payment.recordIDs), "error", err)
	}
	out.Cleared = cleared
	usageBilledTotal.Add(float64(cleared))

	f.logger.Info("usage billed", "service_id", serviceID, "amount", payment.TotalAmount,
		"records", payment.UsageCount, "signature", res.Signature)
	return out, nil
}

// CreateInstantPayment builds a charge of exactly cfg.PerUsePrice, bypassing the
// usage ledger.
func (f *PayAsYouGoFlow) CreateInstantPayment(ctx context.Context, cfg domain.PayAsYouGoConfig) (*ledger.Transaction, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	tx, err := f.builder.Build(ctx, cfg.Payer, cfg.Recipient, cfg.PerUsePrice)
	if err != nil {
		return nil, paymentErr("create instant payment", err)
	}
	return tx, nil
}

func (f *PayAsYouGoFlow) ExecuteInstantPayment(ctx context.Context, cfg domain.PayAsYouGoConfig) (*domain.TransactionResult, error) {
	tx, err := f.CreateInstantPayment(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return f.submitter.Submit(ctx, tx)
}

func (f *PayAsYouGoFlow) GetUsageSummary(ctx context.Context, serviceID string, from time.Time) (*UsageSummary, error) {
	recs, err := f.GetUsageRecords(ctx, serviceID, from)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return &UsageSummary{}, nil
	}

	total, err := sumUsage(recs)
	if err != nil {
		return nil, err
	}
	first, last := recs[0].Timestamp, recs[0].Timestamp
	for _, r := range recs[1:] {
		if r.Timestamp.Before(first) {
			first = r.Timestamp
		}
		if r.Timestamp.After(last) {
			last = r.Timestamp
		}
	}
	return &UsageSummary{
		TotalCost:   total,
		UsageCount:  len(recs),
		AverageCost: total / int64(len(recs)),
		FirstUsage:  &first,
		LastUsage:   &last,
	}, nil
}

// ClearAllUsage drops every usage record of every service.
func (f *PayAsYouGoFlow) ClearAllUsage(ctx context.Context) error {
	if err := f.usage.DeleteAll(ctx); err != nil {
		return fmt.Errorf("clear usage: %w", err)
	}
	return nil
}

func (f *PayAsYouGoFlow) beginBilling(serviceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, busy := f.billing[serviceID]; busy {
		return &PaymentError{Op: "execute usage payment", Err: fmt.Errorf("%w: %s", ErrBillingInProgress, serviceID)}
	}
	f.billing[serviceID] = struct{}{}
	return nil
}

func (f *PayAsYouGoFlow) endBilling(serviceID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.billing, serviceID)
}

func sumUsage(recs []domain.UsageRecord) (int64, error) {
	var total int64
	for _, r := range recs {
		if r.Amount > 0 && total > math.MaxInt64-r.Amount {
			return 0, fmt.Errorf("usage total overflows")
		}
		total += r.Amount
	}
	return total, nil
}
