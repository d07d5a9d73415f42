package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/punchamoorthee/tokenflow/internal/domain"
	"github.com/punchamoorthee/tokenflow/internal/ledger"
	"github.com/punchamoorthee/tokenflow/internal/schedule"
	"github.com/punchamoorthee/tokenflow/internal/store"
)

// StreamRetention is how long a finished stream is kept after its end time.
const StreamRetention = time.Hour

var errFlowClosed = errors.New("stream flow closed")

// CreatedStream is a registered stream and its unsubmitted prepayment.
type CreatedStream struct {
	StreamID           string              `json:"stream_id"`
	InitialTransaction *ledger.Transaction `json:"initial_transaction"`
}

// StopResult reports the settlement of a stopped stream. Refund is nil when the
// full amount was consumed.
type StopResult struct {
	Refund       *domain.TransactionResult `json:"refund,omitempty"`
	FinalAmount  int64                     `json:"final_amount"`
	RefundAmount int64                     `json:"refund_amount"`
}

// StreamStatus is a point-in-time view of a stream.
type StreamStatus struct {
	domain.StreamState
	CurrentAmount   int64         `json:"current_amount"`
	RemainingAmount int64         `json:"remaining_amount"`
	ElapsedTime     time.Duration `json:"elapsed_time"`
	RemainingTime   time.Duration `json:"remaining_time"`
	Progress        float64       `json:"progress"`
}

// StreamFlow runs the stream state machine Created -> Active -> Stopped.
//
// Every transition reads and writes the stream table under mu; ledger I/O runs
// outside it. Each active stream owns exactly one expiry timer in timers.
type StreamFlow struct {
	streams       store.StreamStore
	builder       *TransferBuilder
	submitter     *Submitter
	clock         schedule.Clock
	scheduler     schedule.Scheduler
	expiryTimeout time.Duration
	logger        *slog.Logger

	mu        sync.Mutex
	timers    map[string]schedule.CancelFunc
	starting  map[string]struct{}
	refunding map[string]struct{}
	closed    bool
}

func NewStreamFlow(streams store.StreamStore, builder *TransferBuilder, submitter *Submitter,
	clock schedule.Clock, scheduler schedule.Scheduler, expiryTimeout time.Duration, logger *slog.Logger,
) *StreamFlow {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamFlow{
		streams:       streams,
		builder:       builder,
		submitter:     submitter,
		clock:         clock,
		scheduler:     scheduler,
		expiryTimeout: expiryTimeout,
		logger:        logger,
		timers:        make(map[string]schedule.CancelFunc),
		starting:      make(map[string]struct{}),
		refunding:     make(map[string]struct{}),
	}
}

// CreateStream registers an inactive stream and builds, without submitting,
// the prepayment of RatePerSecond * Duration.
func (f *StreamFlow) CreateStream(ctx context.Context, cfg domain.StreamConfig) (*CreatedStream, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}

	total := cfg.RatePerSecond * cfg.Duration
	tx, err := f.builder.Build(ctx, cfg.Payer, cfg.Recipient, total)
	if err != nil {
		return nil, paymentErr("create stream", err)
	}

	now := f.clock.Now()
	st := &domain.StreamState{
		ID:              uuid.Must(uuid.NewV7()).String(),
		Payer:           cfg.Payer,
		Recipient:       cfg.Recipient,
		RatePerSecond:   cfg.RatePerSecond,
		TotalAmount:     total,
		CreatedAt:       now,
		StartTime:       now,
		EndTime:         now.Add(time.Duration(cfg.Duration) * time.Second),
		LastPaymentTime: now,
	}
	if err := f.streams.Put(ctx, st); err != nil {
		return nil, &PaymentError{Op: "create stream", Err: err}
	}

	f.logger.Info("stream created", "stream_id", st.ID, "payer", st.Payer, "recipient", st.Recipient,
		"total_amount", total)
	return &CreatedStream{StreamID: st.ID, InitialTransaction: tx}, nil
}

// StartStream submits the full prepayment, activates the stream from now and
// schedules its expiry.
func (f *StreamFlow) StartStream(ctx context.Context, id string) (*domain.TransactionResult, error) {
	const op = "start stream"

	st, err := f.reserveStart(ctx, id)
	if err != nil {
		return nil, err
	}
	defer f.releaseStart(id)

	tx, err := f.builder.Build(ctx, st.Payer, st.Recipient, st.TotalAmount)
	if err != nil {
		return nil, paymentErr(op, err)
	}
	res, err := f.submitter.Submit(ctx, tx)
	if err != nil {
		return nil, err
	}

	pctx, cancel := detached(ctx)
	defer cancel()

	f.mu.Lock()
	defer f.mu.Unlock()

	// The stream is anchored at activation, not at creation, so time spent
	// waiting to start is never billed.
	duration := st.Duration()
	now := f.clock.Now()
	st.StartTime = now
	st.EndTime = now.Add(duration)
	st.Active = true
	st.AmountPaid = st.TotalAmount
	st.LastPaymentTime = now
	if err := f.streams.Put(pctx, st); err != nil {
		f.logger.Error("stream prepaid but state not saved", "stream_id", id, "signature", res.Signature, "error", err)
		return nil, &PaymentError{Op: op, Err: err}
	}

	if !f.closed {
		f.timers[id] = f.scheduler.Schedule(duration, func() { f.autoStop(id) })
		activeStreams.Inc()
	}

	f.logger.Info("stream started", "stream_id", id, "signature", res.Signature, "end_time", st.EndTime)
	return res, nil
}

func (f *StreamFlow) reserveStart(ctx context.Context, id string) (*domain.StreamState, error) {
	const op = "start stream"

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil, &PaymentError{Op: op, Err: errFlowClosed}
	}
	if _, ok := f.starting[id]; ok {
		return nil, &PaymentError{Op: op, Err: fmt.Errorf("%w: start in progress: %s", ErrStreamActive, id)}
	}
	st, err := f.getLocked(ctx, op, id)
	if err != nil {
		return nil, err
	}
	if st.Active {
		return nil, &PaymentError{Op: op, Err: fmt.Errorf("%w: %s", ErrStreamActive, id)}
	}
	if st.Stopped() {
		return nil, &PaymentError{Op: op, Err: fmt.Errorf("%w: %s", ErrStreamStopped, id)}
	}
	f.starting[id] = struct{}{}
	return st, nil
}

func (f *StreamFlow) releaseStart(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.starting, id)
}

// StopStream settles an active stream: it keeps RatePerSecond for every whole
// second elapsed and refunds the rest from recipient to payer. Only one of a
// manual stop and the expiry timer can win; the other gets ErrStreamNotActive.
// A refund that fails leaves the stream stopped with RefundPending set; see
// RetryRefund.
func (f *StreamFlow) StopStream(ctx context.Context, id string) (*StopResult, error) {
	st, err := f.deactivate(ctx, id)
	if err != nil {
		return nil, err
	}

	out := &StopResult{FinalAmount: st.FinalAmount, RefundAmount: st.RefundAmount}
	if st.RefundAmount <= 0 {
		f.logger.Info("stream stopped", "stream_id", id, "final_amount", st.FinalAmount)
		return out, nil
	}

	res, err := f.refund(ctx, st)
	if err != nil {
		return nil, err
	}
	out.Refund = res
	f.logger.Info("stream stopped", "stream_id", id, "final_amount", st.FinalAmount,
		"refund_amount", st.RefundAmount, "signature", res.Signature)
	return out, nil
}

// RetryRefund resubmits the refund of a stopped stream whose refund never
// landed.
func (f *StreamFlow) RetryRefund(ctx context.Context, id string) (*StopResult, error) {
	st, err := f.reserveRefund(ctx, id)
	if err != nil {
		return nil, err
	}
	res, err := f.refund(ctx, st)
	if err != nil {
		return nil, err
	}
	f.logger.Info("stream refund retried", "stream_id", id, "refund_amount", st.RefundAmount, "signature", res.Signature)
	return &StopResult{Refund: res, FinalAmount: st.FinalAmount, RefundAmount: st.RefundAmount}, nil
}

func (f *StreamFlow) reserveRefund(ctx context.Context, id string) (*domain.StreamState, error) {
	const op = "retry refund"

	f.mu.Lock()
	defer f.mu.Unlock()

	st, err := f.getLocked(ctx, op, id)
	if err != nil {
		return nil, err
	}
	if _, busy := f.refunding[id]; busy {
		return nil, &PaymentError{Op: op, Err: fmt.Errorf("%w: %s", ErrRefundInProgress, id)}
	}
	if !st.RefundPending() {
		return nil, &PaymentError{Op: op, Err: fmt.Errorf("%w: %s", ErrNoRefundPending, id)}
	}
	f.refunding[id] = struct{}{}
	return st, nil
}

// refund sends RefundAmount from recipient to payer and records the signature.
// The caller must have reserved st.ID in refunding.
func (f *StreamFlow) refund(ctx context.Context, st *domain.StreamState) (*domain.TransactionResult, error) {
	const op = "refund stream"
	defer f.releaseRefund(st.ID)

	tx, err := f.builder.Build(ctx, st.Recipient, st.Payer, st.RefundAmount)
	if err != nil {
		f.logger.Error("stream stopped but refund not built", "stream_id", st.ID, "refund_amount", st.RefundAmount, "error", err)
		return nil, paymentErr(op, err)
	}
	res, err := f.submitter.Submit(ctx, tx)
	if err != nil {
		f.logger.Error("stream stopped but refund failed", "stream_id", st.ID, "refund_amount", st.RefundAmount, "error", err)
		return nil, err
	}
	refundsTotal.Add(float64(st.RefundAmount))

	pctx, cancel := detached(ctx)
	defer cancel()

	f.mu.Lock()
	defer f.mu.Unlock()

	cur, err := f.getLocked(pctx, op, st.ID)
	if err == nil {
		cur.RefundSignature = res.Signature
		err = f.streams.Put(pctx, cur)
	}
	if err != nil {
		// The refund landed; reporting failure here would invite a second one.
		f.logger.Error("refund landed but not recorded", "stream_id", st.ID, "signature", res.Signature, "error", err)
	}
	return res, nil
}

func (f *StreamFlow) releaseRefund(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.refunding, id)
}

// deactivate is the single check-and-set of the active -> stopped transition.
func (f *StreamFlow) deactivate(ctx context.Context, id string) (*domain.StreamState, error) {
	const op = "stop stream"

	f.mu.Lock()
	defer f.mu.Unlock()

	st, err := f.getLocked(ctx, op, id)
	if err != nil {
		return nil, err
	}
	if !st.Active {
		return nil, &PaymentError{Op: op, Err: fmt.Errorf("%w: %s", ErrStreamNotActive, id)}
	}

	now := f.clock.Now()
	elapsed := clampElapsed(now.Sub(st.StartTime), st.Duration())
	actual := st.RatePerSecond * int64(elapsed/time.Second)

	st.Active = false
	st.StoppedAt = &now
	st.FinalAmount = actual
	st.RefundAmount = st.TotalAmount - actual
	if err := f.streams.Put(ctx, st); err != nil {
		return nil, &PaymentError{Op: op, Err: err}
	}

	f.disarmLocked(id)
	if st.RefundAmount > 0 {
		f.refunding[id] = struct{}{}
	}
	return st, nil
}

func (f *StreamFlow) autoStop(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), f.expiryTimeout)
	defer cancel()

	res, err := f.StopStream(ctx, id)
	switch {
	case errors.Is(err, ErrStreamNotActive):
		f.logger.Debug("stream already stopped before expiry", "stream_id", id)
	case err != nil:
		f.logger.Error("stream auto-expiry failed", "stream_id", id, "error", err)
	default:
		f.logger.Info("stream expired", "stream_id", id, "final_amount", res.FinalAmount)
	}
}

// GetStreamStatus computes the accrual of a stream at the current time. A stream
// that has not started reports no elapsed time; a stopped stream is frozen at
// its stop time.
func (f *StreamFlow) GetStreamStatus(ctx context.Context, id string) (*StreamStatus, error) {
	st, err := f.get(ctx, "get stream status", id)
	if err != nil {
		return nil, err
	}

	duration := st.Duration()
	var elapsed time.Duration
	switch {
	case st.Stopped():
		elapsed = clampElapsed(st.StoppedAt.Sub(st.StartTime), duration)
	case st.Active:
		elapsed = clampElapsed(f.clock.Now().Sub(st.StartTime), duration)
	}

	current := st.RatePerSecond * int64(elapsed/time.Second)
	progress := 0.0
	if duration > 0 {
		progress = min(max(float64(elapsed)/float64(duration), 0), 1)
	}
	return &StreamStatus{
		StreamState:     *st,
		CurrentAmount:   current,
		RemainingAmount: st.TotalAmount - current,
		ElapsedTime:     elapsed,
		RemainingTime:   duration - elapsed,
		Progress:        progress,
	}, nil
}

func (f *StreamFlow) ListStreams(ctx context.Context, activeOnly bool) ([]*domain.StreamState, error) {
	return f.filter(ctx, func(s *domain.StreamState) bool { return !activeOnly || s.Active })
}

func (f *StreamFlow) GetStreamsByPayer(ctx context.Context, payer ledger.Address) ([]*domain.StreamState, error) {
	return f.filter(ctx, func(s *domain.StreamState) bool { return s.Payer == payer })
}

func (f *StreamFlow) GetStreamsByRecipient(ctx context.Context, recipient ledger.Address) ([]*domain.StreamState, error) {
	return f.filter(ctx, func(s *domain.StreamState) bool { return s.Recipient == recipient })
}

// CleanupCompletedStreams removes inactive streams whose end time is more than
// StreamRetention in the past and returns how many were removed. Streams still
// owing a refund are kept.
func (f *StreamFlow) CleanupCompletedStreams(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	all, err := f.streams.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list streams: %w", err)
	}

	cutoff := f.clock.Now().Add(-StreamRetention)
	removed := 0
	for _, st := range all {
		if st.Active || !st.EndTime.Before(cutoff) {
			continue
		}
		if _, ok := f.starting[st.ID]; ok {
			continue
		}
		if _, ok := f.refunding[st.ID]; ok || st.RefundPending() {
			continue
		}
		if err := f.streams.Delete(ctx, st.ID); err != nil {
			return removed, fmt.Errorf("delete stream %s: %w", st.ID, err)
		}
		f.disarmLocked(st.ID)
		removed++
	}

	if removed > 0 {
		f.logger.Info("cleaned up completed streams", "count", removed)
	}
	return removed, nil
}

// RestoreTimers schedules expiry for streams that are active in the store but
// have no timer in this process, such as after a restart on a durable store.
// Streams already past their end time expire immediately.
func (f *StreamFlow) RestoreTimers(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	all, err := f.streams.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list streams: %w", err)
	}

	now := f.clock.Now()
	restored := 0
	for _, st := range all {
		if !st.Active {
			continue
		}
		if _, ok := f.timers[st.ID]; ok {
			continue
		}
		id := st.ID
		f.timers[id] = f.scheduler.Schedule(max(st.EndTime.Sub(now), 0), func() { f.autoStop(id) })
		activeStreams.Inc()
		restored++
	}
	return restored, nil
}

// Close cancels every pending expiry timer and rejects further starts.
func (f *StreamFlow) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = true
	for id := range f.timers {
		f.disarmLocked(id)
	}
}

func (f *StreamFlow) disarmLocked(id string) {
	if cancel, ok := f.timers[id]; ok {
		cancel()
		delete(f.timers, id)
		activeStreams.Dec()
	}
}

func (f *StreamFlow) get(ctx context.Context, op, id string) (*domain.StreamState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getLocked(ctx, op, id)
}

func (f *StreamFlow) getLocked(ctx context.Context, op, id string) (*domain.StreamState, error) {
	st, err := f.streams.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &PaymentError{Op: op, Err: fmt.Errorf("%w: %s", ErrStreamNotFound, id)}
	}
	if err != nil {
		return nil, &PaymentError{Op: op, Err: err}
	}
	return st, nil
}

func (f *StreamFlow) filter(ctx context.Context, keep func(*domain.StreamState) bool) ([]*domain.StreamState, error) {
	all, err := f.streams.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list streams: %w", err)
	}
	out := make([]*domain.StreamState, 0, len(all))
	for _, st := range all {
		if keep(st) {
			out = append(out, st)
		}
	}
	return out, nil
}

func clampElapsed(elapsed, duration time.Duration) time.Duration {
	return min(max(elapsed, 0), duration)
}
