// Package service implements the payment flows: prepayment, pay-as-you-go usage
// billing and streaming, together with the validator, transfer builder and
// submitter they share.
package service

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/punchamoorthee/tokenflow/internal/ledger"
	"github.com/punchamoorthee/tokenflow/internal/schedule"
	"github.com/punchamoorthee/tokenflow/internal/store"
)

// Config tunes the flows.
type Config struct {
	Network           ledger.Network
	Commitment        ledger.Commitment
	SubmitTimeout     time.Duration
	PollInterval      time.Duration
	DefaultNetworkFee uint64
	StatusCacheSize   int
}

func DefaultConfig() Config {
	return Config{
		Network:           ledger.Devnet,
		Commitment:        ledger.Confirmed,
		SubmitTimeout:     30 * time.Second,
		PollInterval:      50 * time.Millisecond,
		DefaultNetworkFee: DefaultNetworkFee,
		StatusCacheSize:   1024,
	}
}

// Stores are the state tables the flows own.
type Stores struct {
	Usage   store.UsageStore
	Streams store.StreamStore
}

// Engine wires the three flows over one ledger client.
type Engine struct {
	Prepayments *PrepaymentFlow
	Usage       *PayAsYouGoFlow
	Streams     *StreamFlow
}

func NewEngine(cfg Config, client ledger.Client, stores Stores, clock schedule.Clock, scheduler schedule.Scheduler, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if !cfg.Commitment.Valid() {
		return nil, fmt.Errorf("invalid commitment %q", cfg.Commitment)
	}
	if cfg.SubmitTimeout <= 0 {
		return nil, fmt.Errorf("submit timeout must be positive")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	mint, err := ledger.MintFor(cfg.Network)
	if err != nil {
		return nil, err
	}

	builder := NewTransferBuilder(client, mint, logger.With("component", "builder"))
	submitter := NewSubmitter(client, cfg.Commitment, cfg.SubmitTimeout, cfg.PollInterval, logger.With("component", "submitter"))

	prepayments, err := NewPrepaymentFlow(client, builder, submitter, cfg.DefaultNetworkFee, cfg.StatusCacheSize,
		logger.With("flow", "prepay"))
	if err != nil {
		return nil, err
	}

	return &Engine{
		Prepayments: prepayments,
		Usage:       NewPayAsYouGoFlow(stores.Usage, builder, submitter, clock, logger.With("flow", "pay_as_you_go")),
		Streams: NewStreamFlow(stores.Streams, builder, submitter, clock, scheduler, cfg.SubmitTimeout,
			logger.With("flow", "stream")),
	}, nil
}

// Close stops the stream expiry timers.
func (e *Engine) Close() {
	e.Streams.Close()
}
