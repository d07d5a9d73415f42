package service_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/tokenflow/internal/domain"
	"github.com/punchamoorthee/tokenflow/internal/ledger"
	"github.com/punchamoorthee/tokenflow/internal/ledger/memledger"
	"github.com/punchamoorthee/tokenflow/internal/service"
)

func prepay(amount int64) domain.PrepaymentConfig {
	return domain.PrepaymentConfig{FlowBase: domain.FlowBase{Payer: alice, Recipient: bob}, Amount: amount}
}

func TestCreatePrepaymentHasExactlyOneTransfer(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.fund(alice, 1_000)

	tx, err := h.engine.Prepayments.CreatePrepayment(ctx, prepay(250))
	require.NoError(t, err)

	transfers, err := tx.Transfers()
	require.NoError(t, err)
	require.Len(t, transfers, 1)
	require.Equal(t, int64(250), transfers[0].Amount)
	require.Equal(t, alice, transfers[0].Owner)
	require.Equal(t, ledger.TokenAccountAddress(alice, h.mint), transfers[0].Source)
	require.Equal(t, ledger.TokenAccountAddress(bob, h.mint), transfers[0].Destination)
	require.Equal(t, alice, tx.FeePayer)
	require.NotEmpty(t, tx.RecentCheckpoint)

	// The recipient has no token account yet, so it is created first.
	require.Len(t, tx.Instructions, 2)
	require.True(t, tx.Instructions[0].IsCreateAccount())

	// Building never submits.
	require.Zero(t, h.ledger.TransactionCount())
}

func TestCreatePrepaymentSkipsCreateWhenRecipientExists(t *testing.T) {
	h := newHarness(t)
	h.fund(alice, 1_000)
	h.fund(bob, 0)

	tx, err := h.engine.Prepayments.CreatePrepayment(context.Background(), prepay(250))
	require.NoError(t, err)
	require.Len(t, tx.Instructions, 1)
	require.True(t, tx.Instructions[0].IsTransfer())
}

func TestCreatePrepaymentBalanceChecks(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.engine.Prepayments.CreatePrepayment(ctx, prepay(10))
	var pe *service.PaymentError
	require.ErrorAs(t, err, &pe)
	require.ErrorIs(t, err, service.ErrPayerAccountMissing)
	require.ErrorIs(t, err, ledger.ErrAccountNotFound)

	h.fund(alice, 9)
	_, err = h.engine.Prepayments.CreatePrepayment(ctx, prepay(10))
	require.ErrorAs(t, err, &pe)
	require.ErrorIs(t, err, service.ErrInsufficientFunds)
}

func TestCreatePrepaymentValidatesFirst(t *testing.T) {
	h := newHarness(t)

	_, err := h.engine.Prepayments.CreatePrepayment(context.Background(), domain.PrepaymentConfig{
		FlowBase: domain.FlowBase{Payer: alice, Recipient: alice},
		Amount:   1,
	})
	var ve *service.ValidationError
	require.ErrorAs(t, err, &ve)

	var pe *service.PaymentError
	require.False(t, errors.As(err, &pe))
}

func TestExecutePrepayment(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.fund(alice, 1_000)

	res, err := h.engine.Prepayments.ExecutePrepayment(ctx, prepay(400))
	require.NoError(t, err)
	require.NotEmpty(t, res.Signature)
	require.Equal(t, ledger.Confirmed, res.ConfirmationStatus)
	require.Equal(t, int64(600), h.balance(alice))
	require.Equal(t, int64(400), h.balance(bob))
	require.Equal(t, 1, h.ledger.TransactionCount())
}

func TestExecutePrepaymentWaitsForCommitment(t *testing.T) {
	h := newHarness(t, memledger.WithProcessedPolls(3))
	h.fund(alice, 1_000)

	res, err := h.engine.Prepayments.ExecutePrepayment(context.Background(), prepay(1))
	require.NoError(t, err)
	require.Equal(t, ledger.Confirmed, res.ConfirmationStatus)
}

func TestExecutePrepaymentWrapsNetworkError(t *testing.T) {
	h := newHarness(t)
	h.fund(alice, 1_000)
	h.ledger.FailNextSend(errors.New("connection reset"))

	res, err := h.engine.Prepayments.ExecutePrepayment(context.Background(), prepay(1))
	require.Nil(t, res)

	var pe *service.PaymentError
	require.ErrorAs(t, err, &pe)
	var ne *ledger.NetworkError
	require.ErrorAs(t, err, &ne)
	require.Equal(t, int64(1_000), h.balance(alice))
}

func TestEstimatePrepaymentCost(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, memledger.WithFee(7_000))
	h.fund(alice, 1_000)

	est, err := h.engine.Prepayments.EstimatePrepaymentCost(ctx, prepay(300))
	require.NoError(t, err)
	require.Equal(t, &service.CostEstimate{PaymentAmount: 300, NetworkFee: 7_000, TotalCost: 300}, est)

	h.ledger.FailFeeEstimates(errors.New("rpc down"))
	est, err = h.engine.Prepayments.EstimatePrepaymentCost(ctx, prepay(300))
	require.NoError(t, err)
	require.Equal(t, service.DefaultNetworkFee, est.NetworkFee)
	require.Equal(t, int64(300), est.TotalCost)
}

func TestGetPrepaymentStatus(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.fund(alice, 1_000)

	unknown, err := h.engine.Prepayments.GetPrepaymentStatus(ctx, "missing")
	require.NoError(t, err)
	require.False(t, unknown.Confirmed)

	res, err := h.engine.Prepayments.ExecutePrepayment(ctx, prepay(123))
	require.NoError(t, err)

	st, err := h.engine.Prepayments.GetPrepaymentStatus(ctx, res.Signature)
	require.NoError(t, err)
	require.True(t, st.Confirmed)
	require.Equal(t, res.Slot, st.Slot)
	require.Equal(t, ledger.Confirmed, st.ConfirmationStatus)
	require.Equal(t, alice, st.Payer)
	require.Equal(t, bob, st.Recipient)
	require.Equal(t, int64(123), st.Amount)

	// Second payment: the recipient account already exists, so the owner is
	// resolved through the ledger.
	res2, err := h.engine.Prepayments.ExecutePrepayment(ctx, prepay(7))
	require.NoError(t, err)
	st2, err := h.engine.Prepayments.GetPrepaymentStatus(ctx, res2.Signature)
	require.NoError(t, err)
	require.Equal(t, bob, st2.Recipient)
	require.Equal(t, int64(7), st2.Amount)

	h.ledger.Advance(ledger.FinalityDepth)
	final, err := h.engine.Prepayments.GetPrepaymentStatus(ctx, res.Signature)
	require.NoError(t, err)
	require.Equal(t, ledger.Finalized, final.ConfirmationStatus)
}
