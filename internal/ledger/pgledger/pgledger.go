// Package pgledger is a Postgres-backed token ledger implementing ledger.Client.
//
// Every submitted transaction is applied inside one database transaction: token
// accounts are locked in address order, the instructions are applied with
// ledger.Apply, and balances, double-entry legs and the new checkpoint are written
// before commit.
package pgledger

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mr-tron/base58"
	"github.com/punchamoorthee/tokenflow/internal/ledger"
)

// ErrConflict is returned when a concurrent submission touched the same rows.
var ErrConflict = errors.New("concurrent ledger update")

type Ledger struct {
	db               *pgxpool.Pool
	fee              uint64
	maxCheckpointAge uint64
}

var _ ledger.Client = (*Ledger)(nil)

func New(db *pgxpool.Pool, fee, maxCheckpointAge uint64) *Ledger {
	return &Ledger{db: db, fee: fee, maxCheckpointAge: maxCheckpointAge}
}

func (l *Ledger) LatestCheckpoint(ctx context.Context) (ledger.Checkpoint, error) {
	var cp ledger.Checkpoint
	err := l.db.QueryRow(ctx,
		"SELECT c.hash, c.slot FROM ledger_checkpoints c JOIN ledger_head h ON c.slot = h.slot",
	).Scan(&cp.Hash, &cp.Slot)
	if err != nil {
		return ledger.Checkpoint{}, &ledger.NetworkError{Op: "latest checkpoint", Err: err}
	}
	return cp, nil
}

func (l *Ledger) GetTokenAccount(ctx context.Context, addr ledger.Address) (*ledger.TokenAccount, error) {
	var acct ledger.TokenAccount
	err := l.db.QueryRow(ctx,
		"SELECT address, owner, mint, balance FROM token_accounts WHERE address = $1", addr,
	).Scan(&acct.Address, &acct.Owner, &acct.Mint, &acct.Balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, &ledger.NetworkError{Op: "get token account", Err: err}
	}
	return &acct, nil
}

// EstimateFee charges one signature: the fee payer is the only signer.
func (l *Ledger) EstimateFee(ctx context.Context, tx *ledger.Transaction) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, &ledger.NetworkError{Op: "estimate fee", Err: err}
	}
	return l.fee, nil
}

func (l *Ledger) SendTransaction(ctx context.Context, tx *ledger.Transaction) (string, error) {
	sig, err := tx.Signature()
	if err != nil {
		return "", ledger.Rejected(err)
	}
	body, err := json.Marshal(tx)
	if err != nil {
		return "", ledger.Rejected(err)
	}

	dbTx, err := l.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return "", &ledger.NetworkError{Op: "begin transaction", Err: err}
	}
	defer dbTx.Rollback(ctx)

	// 1. Freshness anchor
	var anchor uint64
	err = dbTx.QueryRow(ctx, "SELECT slot FROM ledger_checkpoints WHERE hash = $1", tx.RecentCheckpoint).Scan(&anchor)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ledger.Rejected(ledger.ErrStaleCheckpoint)
		}
		return "", l.classify("read checkpoint", err)
	}

	// 2. Deterministic locking (addresses come back sorted from Referenced)
	refs := tx.Referenced()
	rows, err := dbTx.Query(ctx,
		"SELECT address, owner, mint, balance FROM token_accounts WHERE address = ANY($1) ORDER BY address FOR UPDATE",
		addressStrings(refs),
	)
	if err != nil {
		return "", l.classify("lock token accounts", err)
	}
	accounts := make(map[ledger.Address]ledger.TokenAccount, len(refs))
	for rows.Next() {
		var acct ledger.TokenAccount
		if err := rows.Scan(&acct.Address, &acct.Owner, &acct.Mint, &acct.Balance); err != nil {
			rows.Close()
			return "", l.classify("scan token account", err)
		}
		accounts[acct.Address] = acct
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return "", l.classify("lock token accounts", err)
	}

	// 3. Business rules
	changes, err := ledger.Apply(tx, accounts)
	if err != nil {
		return "", err
	}

	// 4. Slot allocation, serialized on the head row
	var slot uint64
	err = dbTx.QueryRow(ctx, "UPDATE ledger_head SET slot = slot + 1 WHERE id = 1 RETURNING slot").Scan(&slot)
	if err != nil {
		return "", l.classify("advance slot", err)
	}
	if slot-1-anchor > l.maxCheckpointAge {
		return "", ledger.Rejected(ledger.ErrStaleCheckpoint)
	}

	// 5. Execution
	for _, acct := range changes.Created {
		_, err = dbTx.Exec(ctx,
			"INSERT INTO token_accounts (address, owner, mint, balance) VALUES ($1, $2, $3, 0)",
			acct.Address, acct.Owner, acct.Mint,
		)
		if err != nil {
			return "", l.classify("create token account", err)
		}
	}

	_, err = dbTx.Exec(ctx,
		"INSERT INTO ledger_transactions (signature, slot, fee_payer, body) VALUES ($1, $2, $3, $4)",
		sig, slot, tx.FeePayer, body,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return "", ledger.Rejected(ledger.ErrAlreadyProcessed)
		}
		return "", l.classify("insert transaction", err)
	}

	batch := &pgx.Batch{}
	for _, e := range changes.Entries {
		batch.Queue("INSERT INTO ledger_entries (signature, account, delta) VALUES ($1, $2, $3)", sig, e.Account, e.Delta)
	}
	for addr, bal := range changes.Balances {
		batch.Queue("UPDATE token_accounts SET balance = $1 WHERE address = $2", bal, addr)
	}
	batch.Queue("INSERT INTO ledger_checkpoints (slot, hash) VALUES ($1, $2)", slot, checkpointHash(sig, slot))
	if err := dbTx.SendBatch(ctx, batch).Close(); err != nil {
		return "", l.classify("apply ledger entries", err)
	}

	if err := dbTx.Commit(ctx); err != nil {
		return "", l.classify("commit", err)
	}
	return sig, nil
}

func (l *Ledger) GetSignatureStatus(ctx context.Context, signature string) (*ledger.SignatureStatus, error) {
	var slot, head uint64
	err := l.db.QueryRow(ctx,
		"SELECT t.slot, h.slot FROM ledger_transactions t CROSS JOIN ledger_head h WHERE t.signature = $1",
		signature,
	).Scan(&slot, &head)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, &ledger.NetworkError{Op: "get signature status", Err: err}
	}
	return &ledger.SignatureStatus{Slot: slot, Status: ledger.CommitmentAt(slot, head)}, nil
}

func (l *Ledger) GetTransaction(ctx context.Context, signature string) (*ledger.ConfirmedTransaction, error) {
	var (
		slot, head uint64
		body       []byte
	)
	err := l.db.QueryRow(ctx,
		"SELECT t.slot, t.body, h.slot FROM ledger_transactions t CROSS JOIN ledger_head h WHERE t.signature = $1",
		signature,
	).Scan(&slot, &body, &head)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, &ledger.NetworkError{Op: "get transaction", Err: err}
	}

	out := &ledger.ConfirmedTransaction{
		Signature: signature,
		Slot:      slot,
		Status:    ledger.CommitmentAt(slot, head),
	}
	if err := json.Unmarshal(body, &out.Transaction); err != nil {
		return nil, fmt.Errorf("decode transaction %s: %w", signature, err)
	}
	return out, nil
}

// classify maps serialization failures to ErrConflict and everything else to a network error.
func (l *Ledger) classify(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == "40001" || pgErr.Code == "40P01") {
		return ledger.Rejected(fmt.Errorf("%s: %w", op, ErrConflict))
	}
	return &ledger.NetworkError{Op: op, Err: err}
}

func addressStrings(in []ledger.Address) []string {
	out := make([]string, len(in))
	for i, a := range in {
		out[i] = string(a)
	}
	return out
}

func checkpointHash(seed string, slot uint64) string {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], slot)
	h := sha256.New()
	h.Write([]byte(seed))
	h.Write(buf[:])
	return base58.Encode(h.Sum(nil))
}
