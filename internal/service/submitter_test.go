package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/tokenflow/internal/ledger"
	"github.com/punchamoorthee/tokenflow/internal/ledger/memledger"
	"github.com/punchamoorthee/tokenflow/internal/service"
)

// statusLedger lands transactions normally but reports a fixed signature status.
type statusLedger struct {
	*memledger.Ledger
	status *ledger.SignatureStatus
}

func (s *statusLedger) GetSignatureStatus(context.Context, string) (*ledger.SignatureStatus, error) {
	return s.status, nil
}

func buildTransfer(t *testing.T, client ledger.Client, l *memledger.Ledger) *ledger.Transaction {
	t.Helper()
	mint := devnetMint(t)
	l.Fund(alice, mint, 100)
	tx, err := service.NewTransferBuilder(client, mint, slogt.New(t)).Build(context.Background(), alice, bob, 10)
	require.NoError(t, err)
	return tx
}

func TestSubmitterTimesOutWithoutResending(t *testing.T) {
	l := memledger.New()
	client := &statusLedger{Ledger: l}
	tx := buildTransfer(t, client, l)

	sub := service.NewSubmitter(client, ledger.Confirmed, 50*time.Millisecond, time.Millisecond, slogt.New(t))
	res, err := sub.Submit(context.Background(), tx)
	require.Nil(t, res)

	var pe *service.PaymentError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, 1, l.TransactionCount())
}

func TestSubmitterStopsAtProcessedBelowTarget(t *testing.T) {
	l := memledger.New()
	client := &statusLedger{Ledger: l, status: &ledger.SignatureStatus{Slot: 1, Status: ledger.Processed}}
	tx := buildTransfer(t, client, l)

	sub := service.NewSubmitter(client, ledger.Finalized, 30*time.Millisecond, time.Millisecond, slogt.New(t))
	_, err := sub.Submit(context.Background(), tx)
	require.Error(t, err)
}

func TestSubmitterReportsRejection(t *testing.T) {
	l := memledger.New()
	client := &statusLedger{Ledger: l, status: &ledger.SignatureStatus{Slot: 1, Err: "custom program error"}}
	tx := buildTransfer(t, client, l)

	sub := service.NewSubmitter(client, ledger.Confirmed, time.Second, time.Millisecond, slogt.New(t))
	_, err := sub.Submit(context.Background(), tx)
	require.ErrorIs(t, err, ledger.ErrTransactionRejected)
	require.ErrorContains(t, err, "custom program error")
}

func TestSubmitterRejectsIncompleteTransaction(t *testing.T) {
	l := memledger.New()
	sub := service.NewSubmitter(l, ledger.Confirmed, time.Second, time.Millisecond, slogt.New(t))

	_, err := sub.Submit(context.Background(), &ledger.Transaction{})
	var pe *service.PaymentError
	require.ErrorAs(t, err, &pe)
	require.Zero(t, l.TransactionCount())
}

func TestSubmitterLedgerRejection(t *testing.T) {
	l := memledger.New()
	tx := buildTransfer(t, l, l)

	sub := service.NewSubmitter(l, ledger.Confirmed, time.Second, time.Millisecond, slogt.New(t))
	_, err := sub.Submit(context.Background(), tx)
	require.NoError(t, err)

	_, err = sub.Submit(context.Background(), tx)
	require.ErrorIs(t, err, ledger.ErrAlreadyProcessed)
}
