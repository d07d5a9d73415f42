package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/tokenflow/internal/domain"
	"github.com/punchamoorthee/tokenflow/internal/ledger"
	"github.com/punchamoorthee/tokenflow/internal/ledger/memledger"
	"github.com/punchamoorthee/tokenflow/internal/service"
	"github.com/punchamoorthee/tokenflow/internal/store"
)

func streamCfg(rate, duration int64) domain.StreamConfig {
	return domain.StreamConfig{
		FlowBase:      domain.FlowBase{Payer: alice, Recipient: bob},
		RatePerSecond: rate,
		Duration:      duration,
	}
}

func startedStream(t *testing.T, h *harness, rate, duration int64) string {
	t.Helper()
	ctx := context.Background()

	created, err := h.engine.Streams.CreateStream(ctx, streamCfg(rate, duration))
	require.NoError(t, err)
	_, err = h.engine.Streams.StartStream(ctx, created.StreamID)
	require.NoError(t, err)
	return created.StreamID
}

func TestCreateStream(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.fund(alice, 10_000_000)

	created, err := h.engine.Streams.CreateStream(ctx, streamCfg(1_000_000, 10))
	require.NoError(t, err)
	require.NotEmpty(t, created.StreamID)

	transfers, err := created.InitialTransaction.Transfers()
	require.NoError(t, err)
	require.Len(t, transfers, 1)
	require.Equal(t, int64(10_000_000), transfers[0].Amount)

	st, err := h.engine.Streams.GetStreamStatus(ctx, created.StreamID)
	require.NoError(t, err)
	require.False(t, st.Active)
	require.Equal(t, int64(10_000_000), st.TotalAmount)
	require.Zero(t, st.AmountPaid)
	require.Zero(t, st.ElapsedTime)
	require.Equal(t, 10*time.Second, st.RemainingTime)
	require.Zero(t, h.ledger.TransactionCount())
}

func TestStreamImmediateStopRefundsEverything(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.fund(alice, 10_000_000)

	id := startedStream(t, h, 1_000_000, 10)
	require.Zero(t, h.balance(alice))
	require.Equal(t, int64(10_000_000), h.balance(bob))

	res, err := h.engine.Streams.StopStream(ctx, id)
	require.NoError(t, err)
	require.Zero(t, res.FinalAmount)
	require.Equal(t, int64(10_000_000), res.RefundAmount)
	require.NotNil(t, res.Refund)
	require.NotEmpty(t, res.Refund.Signature)

	require.Equal(t, int64(10_000_000), h.balance(alice))
	require.Zero(t, h.balance(bob))
	require.Zero(t, h.clock.Pending(), "manual stop cancels the expiry timer")
}

func TestStreamAutoExpiryChargesInFull(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.fund(alice, 10_000_000)

	id := startedStream(t, h, 1_000_000, 10)
	require.Equal(t, 1, h.clock.Pending())

	h.clock.Advance(10 * time.Second)

	st, err := h.engine.Streams.GetStreamStatus(ctx, id)
	require.NoError(t, err)
	require.False(t, st.Active)
	require.Equal(t, int64(10_000_000), st.FinalAmount)
	require.Zero(t, st.RefundAmount)
	require.Equal(t, 1.0, st.Progress)
	require.Equal(t, int64(10_000_000), h.balance(bob))
	require.Equal(t, 1, h.ledger.TransactionCount(), "no refund transaction")

	_, err = h.engine.Streams.StopStream(ctx, id)
	require.ErrorIs(t, err, service.ErrStreamNotActive)
}

func TestStreamStopAfterFullDuration(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.fund(alice, 10_000_000)

	created, err := h.engine.Streams.CreateStream(ctx, streamCfg(1_000_000, 10))
	require.NoError(t, err)
	_, err = h.engine.Streams.StartStream(ctx, created.StreamID)
	require.NoError(t, err)

	// Stop just before the timer would fire; whole seconds only are charged.
	h.clock.Advance(9*time.Second + 999*time.Millisecond)
	res, err := h.engine.Streams.StopStream(ctx, created.StreamID)
	require.NoError(t, err)
	require.Equal(t, int64(9_000_000), res.FinalAmount)
	require.Equal(t, int64(1_000_000), res.RefundAmount)
	require.Equal(t, int64(1_000_000), h.balance(alice))

	h.clock.Advance(time.Minute)
	require.Equal(t, 2, h.ledger.TransactionCount())
}

func TestStreamPartialStop(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.fund(alice, 10_000_000)

	id := startedStream(t, h, 1_000_000, 10)
	h.clock.Advance(3500 * time.Millisecond)

	res, err := h.engine.Streams.StopStream(ctx, id)
	require.NoError(t, err)
	require.Equal(t, int64(3_000_000), res.FinalAmount)
	require.Equal(t, int64(7_000_000), res.RefundAmount)
	require.Equal(t, int64(7_000_000), h.balance(alice))
	require.Equal(t, int64(3_000_000), h.balance(bob))
}

func TestStreamLifecycleErrors(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.fund(alice, 100)

	_, err := h.engine.Streams.StartStream(ctx, "nope")
	require.ErrorIs(t, err, service.ErrStreamNotFound)
	_, err = h.engine.Streams.StopStream(ctx, "nope")
	require.ErrorIs(t, err, service.ErrStreamNotFound)
	_, err = h.engine.Streams.GetStreamStatus(ctx, "nope")
	require.ErrorIs(t, err, service.ErrStreamNotFound)

	created, err := h.engine.Streams.CreateStream(ctx, streamCfg(10, 10))
	require.NoError(t, err)

	_, err = h.engine.Streams.StopStream(ctx, created.StreamID)
	require.ErrorIs(t, err, service.ErrStreamNotActive)

	_, err = h.engine.Streams.StartStream(ctx, created.StreamID)
	require.NoError(t, err)

	_, err = h.engine.Streams.StartStream(ctx, created.StreamID)
	var pe *service.PaymentError
	require.ErrorAs(t, err, &pe)
	require.ErrorIs(t, err, service.ErrStreamActive)

	_, err = h.engine.Streams.StopStream(ctx, created.StreamID)
	require.NoError(t, err)

	_, err = h.engine.Streams.StopStream(ctx, created.StreamID)
	require.ErrorAs(t, err, &pe)
	require.ErrorIs(t, err, service.ErrStreamNotActive)

	_, err = h.engine.Streams.StartStream(ctx, created.StreamID)
	require.ErrorIs(t, err, service.ErrStreamStopped)
}

func TestCreateStreamRequiresFunds(t *testing.T) {
	h := newHarness(t)
	h.fund(alice, 5)

	_, err := h.engine.Streams.CreateStream(context.Background(), streamCfg(1, 10))
	require.ErrorIs(t, err, service.ErrInsufficientFunds)

	list, err := h.engine.Streams.ListStreams(context.Background(), false)
	require.NoError(t, err)
	require.Empty(t, list)
}

// gatedLedger blocks SendTransaction until release is closed.
type gatedLedger struct {
	*memledger.Ledger
	entered chan struct{}
	release chan struct{}
}

func (g *gatedLedger) SendTransaction(ctx context.Context, tx *ledger.Transaction) (string, error) {
	g.entered <- struct{}{}
	<-g.release
	return g.Ledger.SendTransaction(ctx, tx)
}

func TestStreamConcurrentStartIsRejected(t *testing.T) {
	ctx := context.Background()
	l := memledger.New()
	gated := &gatedLedger{Ledger: l, entered: make(chan struct{}, 1), release: make(chan struct{})}
	h := newHarnessWithClient(t, gated, l)
	h.fund(alice, 100)

	created, err := h.engine.Streams.CreateStream(ctx, streamCfg(10, 10))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := h.engine.Streams.StartStream(ctx, created.StreamID)
		done <- err
	}()
	<-gated.entered

	_, err = h.engine.Streams.StartStream(ctx, created.StreamID)
	require.ErrorIs(t, err, service.ErrStreamActive)

	close(gated.release)
	require.NoError(t, <-done)
	require.Equal(t, int64(0), h.balance(alice))
	require.Equal(t, 1, l.TransactionCount())
}

func TestStreamStatusIsMonotonic(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.fund(alice, 1_000)

	id := startedStream(t, h, 10, 10)

	prev, err := h.engine.Streams.GetStreamStatus(ctx, id)
	require.NoError(t, err)
	for i := 0; i < 30; i++ {
		h.clock.Advance(450 * time.Millisecond)
		cur, err := h.engine.Streams.GetStreamStatus(ctx, id)
		require.NoError(t, err)

		require.GreaterOrEqual(t, cur.ElapsedTime, prev.ElapsedTime)
		require.LessOrEqual(t, cur.RemainingTime, prev.RemainingTime)
		require.LessOrEqual(t, cur.RemainingAmount, prev.RemainingAmount)
		require.GreaterOrEqual(t, cur.Progress, 0.0)
		require.LessOrEqual(t, cur.Progress, 1.0)
		require.Equal(t, cur.TotalAmount, cur.CurrentAmount+cur.RemainingAmount)
		prev = cur
	}
	require.Equal(t, 10*time.Second, prev.ElapsedTime)
	require.Zero(t, prev.RemainingTime)
}

func TestStreamQueries(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.fund(alice, 1_000)
	h.fund(carol, 1_000)

	a := startedStream(t, h, 1, 10)
	created, err := h.engine.Streams.CreateStream(ctx, domain.StreamConfig{
		FlowBase:      domain.FlowBase{Payer: carol, Recipient: alice},
		RatePerSecond: 1,
		Duration:      10,
	})
	require.NoError(t, err)
	c := created.StreamID

	all, err := h.engine.Streams.ListStreams(ctx, false)
	require.NoError(t, err)
	require.Len(t, all, 2)

	active, err := h.engine.Streams.ListStreams(ctx, true)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, a, active[0].ID)

	byPayer, err := h.engine.Streams.GetStreamsByPayer(ctx, carol)
	require.NoError(t, err)
	require.Len(t, byPayer, 1)
	require.Equal(t, c, byPayer[0].ID)

	byRecipient, err := h.engine.Streams.GetStreamsByRecipient(ctx, bob)
	require.NoError(t, err)
	require.Len(t, byRecipient, 1)
	require.Equal(t, a, byRecipient[0].ID)
}

func TestCleanupCompletedStreams(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.fund(alice, 1_000)

	first := startedStream(t, h, 1, 10)
	_, err := h.engine.Streams.StopStream(ctx, first)
	require.NoError(t, err)

	h.clock.Advance(30 * time.Minute)
	n, err := h.engine.Streams.CleanupCompletedStreams(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	second := startedStream(t, h, 1, 10)

	// first ended 61m ago, second expired 30m50s ago.
	h.clock.Advance(31 * time.Minute)
	n, err = h.engine.Streams.CleanupCompletedStreams(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = h.engine.Streams.GetStreamStatus(ctx, first)
	require.ErrorIs(t, err, service.ErrStreamNotFound)
	_, err = h.engine.Streams.GetStreamStatus(ctx, second)
	require.NoError(t, err)

	h.clock.Advance(time.Hour)
	n, err = h.engine.Streams.CleanupCompletedStreams(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestCleanupKeepsActiveStreams(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.fund(alice, 1_000_000)

	id := startedStream(t, h, 1, service.MaxStreamDuration)
	h.clock.Advance(2 * time.Hour)

	n, err := h.engine.Streams.CleanupCompletedStreams(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	st, err := h.engine.Streams.GetStreamStatus(ctx, id)
	require.NoError(t, err)
	require.True(t, st.Active)
}

func TestRestoreTimers(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.fund(alice, 1_000)

	id := startedStream(t, h, 1, 10)
	n, err := h.engine.Streams.RestoreTimers(ctx)
	require.NoError(t, err)
	require.Zero(t, n, "stream already has a timer")

	h.engine.Close()
	require.Zero(t, h.clock.Pending())

	n, err = h.engine.Streams.RestoreTimers(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	h.clock.Advance(10 * time.Second)
	st, err := h.engine.Streams.GetStreamStatus(ctx, id)
	require.NoError(t, err)
	require.False(t, st.Active)
	require.Equal(t, int64(10), st.FinalAmount)
}

func TestStartStreamPersistsAfterCallerCancels(t *testing.T) {
	l := memledger.New()
	client := &cancelOnConfirm{Ledger: l}
	h := newHarnessWithStores(t, client, l, store.NewMemoryUsage(), ctxStreams{store.NewMemoryStreams()})
	h.fund(alice, 10_000_000)

	created, err := h.engine.Streams.CreateStream(context.Background(), streamCfg(1_000_000, 10))
	require.NoError(t, err)
	h.clock.Advance(5 * time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client.cancel = cancel
	res, err := h.engine.Streams.StartStream(ctx, created.StreamID)
	require.NoError(t, err)
	require.NotEmpty(t, res.Signature)
	require.Error(t, ctx.Err())
	client.cancel = nil

	st, err := h.engine.Streams.GetStreamStatus(context.Background(), created.StreamID)
	require.NoError(t, err)
	require.True(t, st.Active)
	require.Equal(t, epoch.Add(5*time.Second), st.StartTime)
	require.Equal(t, epoch.Add(15*time.Second), st.EndTime)

	_, err = h.engine.Streams.StartStream(context.Background(), created.StreamID)
	require.ErrorIs(t, err, service.ErrStreamActive)
	require.Zero(t, h.balance(alice))
	require.Equal(t, int64(10_000_000), h.balance(bob))
	require.Equal(t, 1, h.ledger.TransactionCount())
}

func TestStopStreamRecordsRefundSignature(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.fund(alice, 10_000_000)
	id := startedStream(t, h, 1_000_000, 10)

	h.clock.Advance(4 * time.Second)
	res, err := h.engine.Streams.StopStream(ctx, id)
	require.NoError(t, err)

	st, err := h.engine.Streams.GetStreamStatus(ctx, id)
	require.NoError(t, err)
	require.Equal(t, res.Refund.Signature, st.RefundSignature)
	require.False(t, st.RefundPending())

	_, err = h.engine.Streams.RetryRefund(ctx, id)
	require.ErrorIs(t, err, service.ErrNoRefundPending)
}

func TestRetryRefundAfterFailedStop(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.fund(alice, 10_000_000)
	id := startedStream(t, h, 1_000_000, 10)

	h.clock.Advance(4 * time.Second)
	h.ledger.FailNextSend(errors.New("connection reset"))
	_, err := h.engine.Streams.StopStream(ctx, id)
	var ne *ledger.NetworkError
	require.ErrorAs(t, err, &ne)

	st, err := h.engine.Streams.GetStreamStatus(ctx, id)
	require.NoError(t, err)
	require.False(t, st.Active)
	require.True(t, st.Stopped())
	require.True(t, st.RefundPending())
	require.Empty(t, st.RefundSignature)
	require.Equal(t, int64(6_000_000), st.RefundAmount)
	require.Zero(t, h.balance(alice))

	_, err = h.engine.Streams.StopStream(ctx, id)
	require.ErrorIs(t, err, service.ErrStreamNotActive)

	h.clock.Advance(2 * service.StreamRetention)
	removed, err := h.engine.Streams.CleanupCompletedStreams(ctx)
	require.NoError(t, err)
	require.Zero(t, removed, "stream owing a refund must be kept")

	res, err := h.engine.Streams.RetryRefund(ctx, id)
	require.NoError(t, err)
	require.Equal(t, int64(6_000_000), res.RefundAmount)
	require.Equal(t, int64(4_000_000), res.FinalAmount)
	require.NotEmpty(t, res.Refund.Signature)
	require.Equal(t, int64(6_000_000), h.balance(alice))
	require.Equal(t, int64(4_000_000), h.balance(bob))

	st, err = h.engine.Streams.GetStreamStatus(ctx, id)
	require.NoError(t, err)
	require.Equal(t, res.Refund.Signature, st.RefundSignature)
	require.False(t, st.RefundPending())

	_, err = h.engine.Streams.RetryRefund(ctx, id)
	require.ErrorIs(t, err, service.ErrNoRefundPending)
	require.Equal(t, int64(6_000_000), h.balance(alice))

	removed, err = h.engine.Streams.CleanupCompletedStreams(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, removed)
}

func TestRetryRefundRejectsActiveAndUnknownStreams(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.fund(alice, 10_000_000)
	id := startedStream(t, h, 1_000_000, 10)

	_, err := h.engine.Streams.RetryRefund(ctx, id)
	require.ErrorIs(t, err, service.ErrNoRefundPending)

	_, err = h.engine.Streams.RetryRefund(ctx, "missing")
	require.ErrorIs(t, err, service.ErrStreamNotFound)
}
