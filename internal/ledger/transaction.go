package ledger

import (
	"crypto/sha512"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
)

// Checkpoint is a recent ledger position used as a transaction freshness anchor.
type Checkpoint struct {
	Hash string `json:"hash"`
	Slot uint64 `json:"slot"`
}

// Transaction is an unsigned, ordered list of instructions.
type Transaction struct {
	FeePayer         Address       `json:"fee_payer"`
	RecentCheckpoint string        `json:"recent_checkpoint"`
	Instructions     []Instruction `json:"instructions"`
}

func (tx *Transaction) Add(ixs ...Instruction) {
	tx.Instructions = append(tx.Instructions, ixs...)
}

// Validate checks the transaction is complete enough to submit.
func (tx *Transaction) Validate() error {
	if tx.FeePayer == "" {
		return errors.New("fee payer not set")
	}
	if tx.RecentCheckpoint == "" {
		return errors.New("recent checkpoint not set")
	}
	if len(tx.Instructions) == 0 {
		return errors.New("transaction has no instructions")
	}
	return nil
}

// Transfers decodes every transfer instruction in order.
func (tx *Transaction) Transfers() ([]Transfer, error) {
	var out []Transfer
	for i, ix := range tx.Instructions {
		if !ix.IsTransfer() {
			continue
		}
		t, err := DecodeTransfer(ix)
		if err != nil {
			return nil, fmt.Errorf("instruction %d: %w", i, err)
		}
		out = append(out, t)
	}
	return out, nil
}

// Signature returns the deterministic identifier of the transaction body.
// Submitting an identical body twice yields the same signature.
func (tx *Transaction) Signature() (string, error) {
	body, err := json.Marshal(tx)
	if err != nil {
		return "", fmt.Errorf("encode transaction: %w", err)
	}
	sum := sha512.Sum512(body)
	return base58.Encode(sum[:]), nil
}

// Commitment is the confirmation level of a submitted transaction.
type Commitment string

const (
	Processed Commitment = "processed"
	Confirmed Commitment = "confirmed"
	Finalized Commitment = "finalized"
)

func (c Commitment) rank() int {
	switch c {
	case Processed:
		return 1
	case Confirmed:
		return 2
	case Finalized:
		return 3
	}
	return 0
}

func (c Commitment) Valid() bool {
	return c.rank() > 0
}

// Reaches reports whether c is at least as strong as target.
func (c Commitment) Reaches(target Commitment) bool {
	return c.rank() >= target.rank()
}

// FinalityDepth is the number of slots after which a transaction is finalized.
const FinalityDepth = 32

// CommitmentAt derives the confirmation level of a transaction landed at slot
// given the current ledger slot.
func CommitmentAt(slot, current uint64) Commitment {
	if current >= slot && current-slot >= FinalityDepth {
		return Finalized
	}
	return Confirmed
}

// SignatureStatus is the ledger's view of a submitted signature.
type SignatureStatus struct {
	Slot   uint64     `json:"slot"`
	Status Commitment `json:"confirmation_status"`
	Err    string     `json:"err,omitempty"`
}

// ConfirmedTransaction is a landed transaction together with its position.
type ConfirmedTransaction struct {
	Signature   string      `json:"signature"`
	Slot        uint64      `json:"slot"`
	Status      Commitment  `json:"confirmation_status"`
	Transaction Transaction `json:"transaction"`
}
