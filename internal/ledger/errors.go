package ledger

import (
	"errors"
	"fmt"
)

var (
	ErrTransactionRejected = errors.New("transaction rejected")
	ErrAccountNotFound     = errors.New("token account not found")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrStaleCheckpoint     = errors.New("checkpoint not found or expired")
	ErrAlreadyProcessed    = errors.New("transaction already processed")
	ErrUnauthorized        = errors.New("missing authority signature")
)

// NetworkError reports a failure to reach or talk to the ledger.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error: %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// Rejected wraps reason as a ledger-side rejection.
func Rejected(reason error) error {
	return fmt.Errorf("%w: %w", ErrTransactionRejected, reason)
}
