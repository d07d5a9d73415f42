// Package memledger is an in-process token ledger implementing ledger.Client.
// It backs local development and tests.
package memledger

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"sync"

	"github.com/mr-tron/base58"
	"github.com/punchamoorthee/tokenflow/internal/ledger"
)

const (
	defaultFee              = 5000
	defaultMaxCheckpointAge = 150
)

type Option func(*Ledger)

// WithFee sets the fee per signature returned by EstimateFee.
func WithFee(fee uint64) Option {
	return func(l *Ledger) { l.fee = fee }
}

// WithMaxCheckpointAge sets how many slots a checkpoint stays usable.
func WithMaxCheckpointAge(slots uint64) Option {
	return func(l *Ledger) { l.maxCheckpointAge = slots }
}

// WithProcessedPolls makes the first n status lookups of every signature report
// "processed" before it becomes confirmed.
func WithProcessedPolls(n int) Option {
	return func(l *Ledger) { l.processedPolls = n }
}

type landed struct {
	slot  uint64
	tx    ledger.Transaction
	polls int
}

// Ledger holds token accounts and landed transactions in memory.
type Ledger struct {
	mu sync.Mutex

	accounts    map[ledger.Address]ledger.TokenAccount
	txs         map[string]*landed
	checkpoints map[string]uint64
	slot        uint64
	salt        [16]byte

	fee              uint64
	maxCheckpointAge uint64
	processedPolls   int

	sendErr error
	feeErr  error
}

var _ ledger.Client = (*Ledger)(nil)

func New(opts ...Option) *Ledger {
	l := &Ledger{
		accounts:         make(map[ledger.Address]ledger.TokenAccount),
		txs:              make(map[string]*landed),
		checkpoints:      make(map[string]uint64),
		fee:              defaultFee,
		maxCheckpointAge: defaultMaxCheckpointAge,
	}
	_, _ = rand.Read(l.salt[:])
	for _, opt := range opts {
		opt(l)
	}
	l.checkpoints[l.checkpointHash(0)] = 0
	return l
}

// Fund creates (or tops up) the token account of owner and returns its address.
func (l *Ledger) Fund(owner, mint ledger.Address, amount int64) ledger.Address {
	l.mu.Lock()
	defer l.mu.Unlock()

	addr := ledger.TokenAccountAddress(owner, mint)
	acct, ok := l.accounts[addr]
	if !ok {
		acct = ledger.TokenAccount{Address: addr, Owner: owner, Mint: mint}
	}
	acct.Balance += amount
	l.accounts[addr] = acct
	return addr
}

// Balance returns owner's balance of mint, or 0 when the account is absent.
func (l *Ledger) Balance(owner, mint ledger.Address) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.accounts[ledger.TokenAccountAddress(owner, mint)].Balance
}

// HasAccount reports whether owner holds a token account for mint.
func (l *Ledger) HasAccount(owner, mint ledger.Address) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.accounts[ledger.TokenAccountAddress(owner, mint)]
	return ok
}

// TransactionCount returns the number of landed transactions.
func (l *Ledger) TransactionCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.txs)
}

// FailNextSend makes the next SendTransaction fail with a network error wrapping err.
func (l *Ledger) FailNextSend(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sendErr = err
}

// FailFeeEstimates makes EstimateFee fail until cleared with nil.
func (l *Ledger) FailFeeEstimates(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.feeErr = err
}

// Advance moves the ledger forward by n empty slots.
func (l *Ledger) Advance(n uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := uint64(0); i < n; i++ {
		l.nextSlot()
	}
}

func (l *Ledger) LatestCheckpoint(ctx context.Context) (ledger.Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Checkpoint{}, &ledger.NetworkError{Op: "latest checkpoint", Err: err}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return ledger.Checkpoint{Hash: l.checkpointHash(l.slot), Slot: l.slot}, nil
}

func (l *Ledger) GetTokenAccount(ctx context.Context, addr ledger.Address) (*ledger.TokenAccount, error) {
	if err := ctx.Err(); err != nil {
		return nil, &ledger.NetworkError{Op: "get token account", Err: err}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	acct, ok := l.accounts[addr]
	if !ok {
		return nil, nil
	}
	return &acct, nil
}

func (l *Ledger) EstimateFee(ctx context.Context, tx *ledger.Transaction) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, &ledger.NetworkError{Op: "estimate fee", Err: err}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.feeErr != nil {
		return 0, &ledger.NetworkError{Op: "estimate fee", Err: l.feeErr}
	}
	return l.fee, nil
}

func (l *Ledger) SendTransaction(ctx context.Context, tx *ledger.Transaction) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", &ledger.NetworkError{Op: "send transaction", Err: err}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.sendErr != nil {
		err := l.sendErr
		l.sendErr = nil
		return "", &ledger.NetworkError{Op: "send transaction", Err: err}
	}

	anchor, ok := l.checkpoints[tx.RecentCheckpoint]
	if !ok || l.slot-anchor > l.maxCheckpointAge {
		return "", ledger.Rejected(ledger.ErrStaleCheckpoint)
	}

	sig, err := tx.Signature()
	if err != nil {
		return "", ledger.Rejected(err)
	}
	if _, dup := l.txs[sig]; dup {
		return "", ledger.Rejected(ledger.ErrAlreadyProcessed)
	}

	touched := make(map[ledger.Address]ledger.TokenAccount)
	for _, addr := range tx.Referenced() {
		if acct, ok := l.accounts[addr]; ok {
			touched[addr] = acct
		}
	}
	changes, err := ledger.Apply(tx, touched)
	if err != nil {
		return "", err
	}

	for _, created := range changes.Created {
		l.accounts[created.Address] = created
	}
	for addr, bal := range changes.Balances {
		acct := l.accounts[addr]
		acct.Balance = bal
		l.accounts[addr] = acct
	}

	slot := l.nextSlot()
	l.txs[sig] = &landed{slot: slot, tx: cloneTx(tx)}
	return sig, nil
}

func (l *Ledger) GetSignatureStatus(ctx context.Context, signature string) (*ledger.SignatureStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, &ledger.NetworkError{Op: "get signature status", Err: err}
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.txs[signature]
	if !ok {
		return nil, nil
	}
	if rec.polls < l.processedPolls {
		rec.polls++
		return &ledger.SignatureStatus{Slot: rec.slot, Status: ledger.Processed}, nil
	}
	return &ledger.SignatureStatus{Slot: rec.slot, Status: ledger.CommitmentAt(rec.slot, l.slot)}, nil
}

func (l *Ledger) GetTransaction(ctx context.Context, signature string) (*ledger.ConfirmedTransaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, &ledger.NetworkError{Op: "get transaction", Err: err}
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.txs[signature]
	if !ok {
		return nil, nil
	}
	return &ledger.ConfirmedTransaction{
		Signature:   signature,
		Slot:        rec.slot,
		Status:      ledger.CommitmentAt(rec.slot, l.slot),
		Transaction: cloneTx(&rec.tx),
	}, nil
}

// nextSlot must be called with l.mu held.
func (l *Ledger) nextSlot() uint64 {
	l.slot++
	l.checkpoints[l.checkpointHash(l.slot)] = l.slot
	if l.slot > l.maxCheckpointAge {
		delete(l.checkpoints, l.checkpointHash(l.slot-l.maxCheckpointAge-1))
	}
	return l.slot
}

func (l *Ledger) checkpointHash(slot uint64) string {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], slot)
	h := sha256.New()
	h.Write(l.salt[:])
	h.Write(buf[:])
	return base58.Encode(h.Sum(nil))
}

func cloneTx(tx *ledger.Transaction) ledger.Transaction {
	out := ledger.Transaction{
		FeePayer:         tx.FeePayer,
		RecentCheckpoint: tx.RecentCheckpoint,
		Instructions:     make([]ledger.Instruction, len(tx.Instructions)),
	}
	for i, ix := range tx.Instructions {
		out.Instructions[i] = ledger.Instruction{
			Program:  ix.Program,
			Accounts: append([]ledger.Address(nil), ix.Accounts...),
			Data:     append([]byte(nil), ix.Data...),
		}
	}
	return out
}
