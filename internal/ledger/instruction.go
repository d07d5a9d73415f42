package ledger

import (
	"encoding/binary"
	"fmt"
	"math"
)

const (
	transferTag     byte = 3
	transferDataLen      = 9
)

// Instruction is a single program invocation inside a transaction.
type Instruction struct {
	Program  Address   `json:"program"`
	Accounts []Address `json:"accounts"`
	Data     []byte    `json:"data,omitempty"`
}

// Transfer is the decoded form of a token transfer instruction.
type Transfer struct {
	Source      Address `json:"source"`
	Destination Address `json:"destination"`
	Owner       Address `json:"owner"`
	Amount      int64   `json:"amount"`
}

// NewTransferInstruction moves amount from source to destination, authorized by owner.
func NewTransferInstruction(source, destination, owner Address, amount int64) Instruction {
	data := make([]byte, transferDataLen)
	data[0] = transferTag
	binary.LittleEndian.PutUint64(data[1:], uint64(amount))
	return Instruction{
		Program:  TokenProgram,
		Accounts: []Address{source, destination, owner},
		Data:     data,
	}
}

// NewCreateAccountInstruction creates the token account of owner for mint, paid by funder.
func NewCreateAccountInstruction(funder, account, owner, mint Address) Instruction {
	return Instruction{
		Program:  AssociatedTokenProgram,
		Accounts: []Address{funder, account, owner, mint, TokenProgram},
	}
}

func (ix Instruction) IsTransfer() bool {
	return ix.Program == TokenProgram && len(ix.Data) > 0 && ix.Data[0] == transferTag
}

func (ix Instruction) IsCreateAccount() bool {
	return ix.Program == AssociatedTokenProgram
}

// CreatedAccount returns (account, owner, mint) for a create-account instruction.
func (ix Instruction) CreatedAccount() (account, owner, mint Address, err error) {
	if !ix.IsCreateAccount() || len(ix.Accounts) < 4 {
		return "", "", "", fmt.Errorf("not a create-account instruction")
	}
	return ix.Accounts[1], ix.Accounts[2], ix.Accounts[3], nil
}

// DecodeTransfer parses a transfer instruction.
func DecodeTransfer(ix Instruction) (Transfer, error) {
	if !ix.IsTransfer() {
		return Transfer{}, fmt.Errorf("not a transfer instruction")
	}
	if len(ix.Data) != transferDataLen {
		return Transfer{}, fmt.Errorf("transfer data length %d, want %d", len(ix.Data), transferDataLen)
	}
	if len(ix.Accounts) < 3 {
		return Transfer{}, fmt.Errorf("transfer references %d accounts, want 3", len(ix.Accounts))
	}
	raw := binary.LittleEndian.Uint64(ix.Data[1:])
	if raw == 0 || raw > math.MaxInt64 {
		return Transfer{}, fmt.Errorf("transfer amount %d out of range", raw)
	}
	return Transfer{
		Source:      ix.Accounts[0],
		Destination: ix.Accounts[1],
		Owner:       ix.Accounts[2],
		Amount:      int64(raw),
	}, nil
}
