package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/tokenflow/internal/domain"
	"github.com/punchamoorthee/tokenflow/internal/ledger"
	"github.com/punchamoorthee/tokenflow/internal/ledger/memledger"
	"github.com/punchamoorthee/tokenflow/internal/schedule"
	"github.com/punchamoorthee/tokenflow/internal/service"
	"github.com/punchamoorthee/tokenflow/internal/store"
)

var epoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func addr(n byte) ledger.Address {
	var b [ledger.AddressLen]byte
	for i := range b {
		b[i] = n
	}
	return ledger.AddressFromBytes(b)
}

var (
	alice = addr(1)
	bob   = addr(2)
	carol = addr(3)
)

func devnetMint(t *testing.T) ledger.Address {
	t.Helper()
	mint, err := ledger.MintFor(ledger.Devnet)
	require.NoError(t, err)
	return mint
}

type harness struct {
	engine *service.Engine
	ledger *memledger.Ledger
	clock  *schedule.Fake
	usage  store.UsageStore
	mint   ledger.Address
}

func newHarnessWithClient(t *testing.T, client ledger.Client, l *memledger.Ledger) *harness {
	t.Helper()
	return newHarnessWithStores(t, client, l, store.NewMemoryUsage(), store.NewMemoryStreams())
}

func newHarnessWithStores(t *testing.T, client ledger.Client, l *memledger.Ledger, usage store.UsageStore, streams store.StreamStore) *harness {
	t.Helper()

	cfg := service.DefaultConfig()
	cfg.SubmitTimeout = 2 * time.Second
	cfg.PollInterval = time.Millisecond
	cfg.StatusCacheSize = 16

	clock := schedule.NewFake(epoch)
	engine, err := service.NewEngine(cfg, client,
		service.Stores{Usage: usage, Streams: streams},
		clock, clock, slogt.New(t))
	require.NoError(t, err)
	t.Cleanup(engine.Close)

	return &harness{engine: engine, ledger: l, clock: clock, usage: usage, mint: devnetMint(t)}
}

func newHarness(t *testing.T, opts ...memledger.Option) *harness {
	t.Helper()
	l := memledger.New(opts...)
	return newHarnessWithClient(t, l, l)
}

func (h *harness) fund(owner ledger.Address, amount int64) {
	h.ledger.Fund(owner, h.mint, amount)
}

func (h *harness) balance(owner ledger.Address) int64 {
	return h.ledger.Balance(owner, h.mint)
}

// cancelOnConfirm cancels the caller's context as soon as a transfer reports a
// landed status, the way a client that disconnects mid-request would.
type cancelOnConfirm struct {
	*memledger.Ledger
	cancel context.CancelFunc
}

func (c *cancelOnConfirm) GetSignatureStatus(ctx context.Context, sig string) (*ledger.SignatureStatus, error) {
	st, err := c.Ledger.GetSignatureStatus(ctx, sig)
	if err == nil && st != nil && c.cancel != nil {
		c.cancel()
	}
	return st, err
}

// ctxStreams and ctxUsage fail writes on a done context, as a database driver does.
type ctxStreams struct {
	*store.MemoryStreams
}

func (s ctxStreams) Put(ctx context.Context, st *domain.StreamState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.MemoryStreams.Put(ctx, st)
}

type ctxUsage struct {
	*store.MemoryUsage
}

func (u ctxUsage) Remove(ctx context.Context, serviceID string, ids []string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return u.MemoryUsage.Remove(ctx, serviceID, ids)
}
