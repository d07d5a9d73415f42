// Package ledger defines the boundary between the payment flows and the token ledger:
// addresses, instructions, transactions, and the Client the flows talk to.
package ledger

import "context"

// Client is the ledger collaborator used by the payment flows.
//
// Lookups return (nil, nil) when the requested object does not exist.
// Transport failures are reported as *NetworkError.
type Client interface {
	LatestCheckpoint(ctx context.Context) (Checkpoint, error)
	GetTokenAccount(ctx context.Context, addr Address) (*TokenAccount, error)
	EstimateFee(ctx context.Context, tx *Transaction) (uint64, error)
	// SendTransaction submits tx once and returns its signature.
	SendTransaction(ctx context.Context, tx *Transaction) (string, error)
	GetSignatureStatus(ctx context.Context, signature string) (*SignatureStatus, error)
	GetTransaction(ctx context.Context, signature string) (*ConfirmedTransaction, error)
}
