package service

import (
	"errors"
	"fmt"

	"github.com/punchamoorthee/tokenflow/internal/ledger"
)

var (
	ErrNothingToBill       = errors.New("nothing to bill")
	ErrStreamNotFound      = errors.New("stream not found")
	ErrStreamActive        = errors.New("stream already active")
	ErrStreamNotActive     = errors.New("stream not active")
	ErrStreamStopped       = errors.New("stream already stopped")
	ErrNoRefundPending     = errors.New("no refund pending")
	ErrRefundInProgress    = errors.New("refund already in progress")
	ErrPayerAccountMissing = fmt.Errorf("payer %w", ledger.ErrAccountNotFound)

	// ErrInsufficientFunds is returned when the payer's balance is below the
	// transfer amount. It is the ledger's sentinel so either side's check matches.
	ErrInsufficientFunds = ledger.ErrInsufficientFunds
)

// ValidationError reports invalid input detected before any ledger I/O.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for field '%s': %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// PaymentError reports a failure to build or submit a payment, or a stream
// lifecycle violation. Err keeps the underlying cause.
type PaymentError struct {
	Op  string
	Err error
}

func (e *PaymentError) Error() string {
	return fmt.Sprintf("payment error: %s: %v", e.Op, e.Err)
}

func (e *PaymentError) Unwrap() error {
	return e.Err
}

// paymentErr wraps err as a PaymentError unless it already is one or is a
// ValidationError.
func paymentErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PaymentError
	var ve *ValidationError
	if errors.As(err, &pe) || errors.As(err, &ve) {
		return err
	}
	return &PaymentError{Op: op, Err: err}
}
