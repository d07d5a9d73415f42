package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/punchamoorthee/tokenflow/internal/ledger"
)

// TransferBuilder assembles unsigned single-transfer transactions. It reads the
// ledger to check the source balance and to decide whether the destination
// token account must be created, but it never submits.
type TransferBuilder struct {
	client ledger.Client
	mint   ledger.Address
	logger *slog.Logger
}

func NewTransferBuilder(client ledger.Client, mint ledger.Address, logger *slog.Logger) *TransferBuilder {
	if logger == nil {
		logger = slog.Default()
	}
	return &TransferBuilder{client: client, mint: mint, logger: logger}
}

// Mint is the token kind the builder moves.
func (b *TransferBuilder) Mint() ledger.Address {
	return b.mint
}

// Build returns a transaction moving amount of the builder's token from the
// owner `from` to the owner `to`. The source owner initiates and pays fees, so
// refunds are built by swapping the parties.
func (b *TransferBuilder) Build(ctx context.Context, from, to ledger.Address, amount int64) (*ledger.Transaction, error) {
	const op = "build transfer"

	if amount <= 0 {
		return nil, &PaymentError{Op: op, Err: fmt.Errorf("amount %d must be positive", amount)}
	}

	source := ledger.TokenAccountAddress(from, b.mint)
	destination := ledger.TokenAccountAddress(to, b.mint)

	src, err := b.client.GetTokenAccount(ctx, source)
	if err != nil {
		return nil, &PaymentError{Op: "read source token account", Err: err}
	}
	if src == nil {
		return nil, &PaymentError{Op: "validate payer balance", Err: fmt.Errorf("%w: %s", ErrPayerAccountMissing, source)}
	}
	if src.Balance < amount {
		return nil, &PaymentError{
			Op:  "validate payer balance",
			Err: fmt.Errorf("%w: balance %d, required %d", ErrInsufficientFunds, src.Balance, amount),
		}
	}

	dst, err := b.client.GetTokenAccount(ctx, destination)
	if err != nil {
		return nil, &PaymentError{Op: "read destination token account", Err: err}
	}

	tx := &ledger.Transaction{FeePayer: from}
	if dst == nil {
		b.logger.Debug("destination token account missing, adding create instruction",
			"owner", to, "account", destination)
		tx.Add(ledger.NewCreateAccountInstruction(to, destination, to, b.mint))
	}
	tx.Add(ledger.NewTransferInstruction(source, destination, from, amount))

	cp, err := b.client.LatestCheckpoint(ctx)
	if err != nil {
		return nil, &PaymentError{Op: "fetch recent checkpoint", Err: err}
	}
	tx.RecentCheckpoint = cp.Hash

	return tx, nil
}
