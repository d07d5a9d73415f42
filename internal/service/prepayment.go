package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/punchamoorthee/tokenflow/internal/domain"
	"github.com/punchamoorthee/tokenflow/internal/ledger"
)

// DefaultNetworkFee is used when the ledger cannot estimate a fee.
const DefaultNetworkFee uint64 = 5000

var errNoTransfer = errors.New("transaction carries no transfer instruction")

// CostEstimate is the cost of a prepayment. Token amounts exclude the native
// network fee, so TotalCost equals PaymentAmount.
type CostEstimate struct {
	PaymentAmount int64  `json:"payment_amount"`
	NetworkFee    uint64 `json:"network_fee"`
	TotalCost     int64  `json:"total_cost"`
}

// PrepaymentStatus describes a previously submitted prepayment. Only Confirmed
// is set when the signature is unknown to the ledger.
type PrepaymentStatus struct {
	Signature          string            `json:"signature"`
	Confirmed          bool              `json:"confirmed"`
	Slot               uint64            `json:"slot,omitempty"`
	ConfirmationStatus ledger.Commitment `json:"confirmation_status,omitempty"`
	Payer              ledger.Address    `json:"payer,omitempty"`
	Recipient          ledger.Address    `json:"recipient,omitempty"`
	Amount             int64             `json:"amount,omitempty"`
}

// PrepaymentFlow charges a fixed amount up front.
type PrepaymentFlow struct {
	client     ledger.Client
	builder    *TransferBuilder
	submitter  *Submitter
	defaultFee uint64
	finalized  *lru.Cache[string, PrepaymentStatus]
	logger     *slog.Logger
}

func NewPrepaymentFlow(client ledger.Client, builder *TransferBuilder, submitter *Submitter, defaultFee uint64, cacheSize int, logger *slog.Logger) (*PrepaymentFlow, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if defaultFee == 0 {
		defaultFee = DefaultNetworkFee
	}
	f := &PrepaymentFlow{
		client:     client,
		builder:    builder,
		submitter:  submitter,
		defaultFee: defaultFee,
		logger:     logger,
	}
	if cacheSize > 0 {
		cache, err := lru.New[string, PrepaymentStatus](cacheSize)
		if err != nil {
			return nil, fmt.Errorf("create status cache: %w", err)
		}
		f.finalized = cache
	}
	return f, nil
}

// CreatePrepayment validates cfg and builds the single transfer of cfg.Amount.
func (f *PrepaymentFlow) CreatePrepayment(ctx context.Context, cfg domain.PrepaymentConfig) (*ledger.Transaction, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	tx, err := f.builder.Build(ctx, cfg.Payer, cfg.Recipient, cfg.Amount)
	if err != nil {
		return nil, paymentErr("create prepayment", err)
	}
	return tx, nil
}

func (f *PrepaymentFlow) ExecutePrepayment(ctx context.Context, cfg domain.PrepaymentConfig) (*domain.TransactionResult, error) {
	tx, err := f.CreatePrepayment(ctx, cfg)
	if err != nil {
		return nil, err
	}
	res, err := f.submitter.Submit(ctx, tx)
	if err != nil {
		return nil, err
	}
	f.logger.Info("prepayment executed", "payer", cfg.Payer, "recipient", cfg.Recipient,
		"amount", cfg.Amount, "signature", res.Signature)
	return res, nil
}

// EstimatePrepaymentCost builds the prepayment and asks the ledger for its fee,
// falling back to the default fee when estimation fails.
func (f *PrepaymentFlow) EstimatePrepaymentCost(ctx context.Context, cfg domain.PrepaymentConfig) (*CostEstimate, error) {
	tx, err := f.CreatePrepayment(ctx, cfg)
	if err != nil {
		return nil, err
	}

	fee, err := f.client.EstimateFee(ctx, tx)
	if err != nil || fee == 0 {
		f.logger.Warn("fee estimation failed, using default", "default_fee", f.defaultFee, "error", err)
		fee = f.defaultFee
	}

	return &CostEstimate{
		PaymentAmount: cfg.Amount,
		NetworkFee:    fee,
		TotalCost:     cfg.Amount,
	}, nil
}

// GetPrepaymentStatus looks up a submitted prepayment and decodes its transfer.
func (f *PrepaymentFlow) GetPrepaymentStatus(ctx context.Context, signature string) (*PrepaymentStatus, error) {
	if f.finalized != nil {
		if st, ok := f.finalized.Get(signature); ok {
			return &st, nil
		}
	}

	landed, err := f.client.GetTransaction(ctx, signature)
	if err != nil {
		return nil, &PaymentError{Op: "get prepayment status", Err: err}
	}
	if landed == nil {
		return &PrepaymentStatus{Signature: signature}, nil
	}

	transfers, err := landed.Transaction.Transfers()
	if err != nil {
		return nil, &PaymentError{Op: "decode prepayment " + signature, Err: err}
	}
	if len(transfers) == 0 {
		return nil, &PaymentError{Op: "decode prepayment " + signature, Err: errNoTransfer}
	}
	t := transfers[0]

	recipient, err := f.destinationOwner(ctx, &landed.Transaction, t.Destination)
	if err != nil {
		return nil, &PaymentError{Op: "resolve prepayment recipient", Err: err}
	}

	st := PrepaymentStatus{
		Signature:          signature,
		Confirmed:          landed.Status.Reaches(ledger.Confirmed),
		Slot:               landed.Slot,
		ConfirmationStatus: landed.Status,
		Payer:              t.Owner,
		Recipient:          recipient,
		Amount:             t.Amount,
	}
	if f.finalized != nil && st.ConfirmationStatus == ledger.Finalized {
		f.finalized.Add(signature, st)
	}
	return &st, nil
}

// destinationOwner prefers the owner named by a create-account instruction in the
// same transaction and otherwise asks the ledger.
func (f *PrepaymentFlow) destinationOwner(ctx context.Context, tx *ledger.Transaction, dest ledger.Address) (ledger.Address, error) {
	for _, ix := range tx.Instructions {
		if !ix.IsCreateAccount() {
			continue
		}
		acct, owner, _, err := ix.CreatedAccount()
		if err == nil && acct == dest {
			return owner, nil
		}
	}

	acct, err := f.client.GetTokenAccount(ctx, dest)
	if err != nil {
		return "", err
	}
	if acct == nil {
		f.logger.Warn("prepayment destination account not found", "account", dest)
		return "", nil
	}
	return acct.Owner, nil
}
