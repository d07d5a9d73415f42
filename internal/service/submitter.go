package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/punchamoorthee/tokenflow/internal/domain"
	"github.com/punchamoorthee/tokenflow/internal/ledger"
)

// persistTimeout bounds the state writes that follow a confirmed transfer.
const persistTimeout = 10 * time.Second

var (
	errNotLanded      = errors.New("signature not found")
	errNotYetAtTarget = errors.New("commitment not reached")
)

// Submitter sends a transaction exactly once and waits for it to reach the
// configured commitment. It never resends.
type Submitter struct {
	client       ledger.Client
	commitment   ledger.Commitment
	timeout      time.Duration
	pollInterval time.Duration
	logger       *slog.Logger
}

func NewSubmitter(client ledger.Client, commitment ledger.Commitment, timeout, pollInterval time.Duration, logger *slog.Logger) *Submitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Submitter{
		client:       client,
		commitment:   commitment,
		timeout:      timeout,
		pollInterval: pollInterval,
		logger:       logger,
	}
}

// Submit returns a result or an error, never both. Every failure is a
// *PaymentError whose chain keeps the ledger cause.
func (s *Submitter) Submit(ctx context.Context, tx *ledger.Transaction) (*domain.TransactionResult, error) {
	if err := tx.Validate(); err != nil {
		return nil, &PaymentError{Op: "submit transaction", Err: err}
	}

	start := time.Now()
	sig, err := s.client.SendTransaction(ctx, tx)
	if err != nil {
		submissionsTotal.WithLabelValues("send_failed").Inc()
		return nil, &PaymentError{Op: "send transaction", Err: err}
	}

	status, err := s.awaitCommitment(ctx, sig)
	if err != nil {
		submissionsTotal.WithLabelValues("unconfirmed").Inc()
		s.logger.Warn("transaction sent but not confirmed", "signature", sig, "error", err)
		return nil, &PaymentError{Op: "confirm transaction " + sig, Err: err}
	}

	submissionsTotal.WithLabelValues("confirmed").Inc()
	confirmLatency.Observe(time.Since(start).Seconds())
	s.logger.Debug("transaction confirmed", "signature", sig, "slot", status.Slot, "status", status.Status)

	return &domain.TransactionResult{
		Signature:          sig,
		Slot:               status.Slot,
		ConfirmationStatus: status.Status,
	}, nil
}

func (s *Submitter) awaitCommitment(ctx context.Context, sig string) (*ledger.SignatureStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var status *ledger.SignatureStatus
	poll := func() error {
		st, err := s.client.GetSignatureStatus(ctx, sig)
		if err != nil {
			var netErr *ledger.NetworkError
			if errors.As(err, &netErr) {
				return err
			}
			return backoff.Permanent(err)
		}
		if st == nil {
			return errNotLanded
		}
		if st.Err != "" {
			return backoff.Permanent(ledger.Rejected(errors.New(st.Err)))
		}
		if !st.Status.Reaches(s.commitment) {
			return errNotYetAtTarget
		}
		status = st
		return nil
	}

	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(s.pollInterval),
		backoff.WithMaxInterval(time.Second),
		backoff.WithMaxElapsedTime(s.timeout),
	)
	if err := backoff.Retry(poll, backoff.WithContext(b, ctx)); err != nil {
		return nil, fmt.Errorf("awaiting %s commitment: %w", s.commitment, err)
	}
	return status, nil
}

// detached keeps ctx's values but drops its cancellation. Bookkeeping after a
// landed transfer must finish even if the caller has gone away.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
}
