package ledger

import (
	"fmt"
	"math"
	"sort"
)

// Entry is one leg of a double-entry movement.
type Entry struct {
	Account Address `json:"account"`
	Delta   int64   `json:"delta"`
}

// Changes is the effect of applying a transaction to a set of token accounts.
type Changes struct {
	Created  []TokenAccount
	Entries  []Entry
	Balances map[Address]int64
}

// Referenced returns the token accounts a transaction touches, sorted so that
// backends lock them in a deterministic order.
func (tx *Transaction) Referenced() []Address {
	seen := make(map[Address]struct{})
	for _, ix := range tx.Instructions {
		switch {
		case ix.IsCreateAccount():
			if acct, _, _, err := ix.CreatedAccount(); err == nil {
				seen[acct] = struct{}{}
			}
		case ix.IsTransfer():
			if t, err := DecodeTransfer(ix); err == nil {
				seen[t.Source] = struct{}{}
				seen[t.Destination] = struct{}{}
			}
		}
	}
	out := make([]Address, 0, len(seen))
	for a := range seen {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Apply executes tx against accounts without mutating them. Every failure is a
// rejection: the transaction either applies in full or not at all.
//
// The fee payer is treated as the only signer, so every transfer must be
// authorized by it.
func Apply(tx *Transaction, accounts map[Address]TokenAccount) (*Changes, error) {
	if err := tx.Validate(); err != nil {
		return nil, Rejected(err)
	}

	state := make(map[Address]TokenAccount, len(accounts))
	for k, v := range accounts {
		state[k] = v
	}
	touched := make(map[Address]struct{})
	ch := &Changes{Balances: make(map[Address]int64)}

	for i, ix := range tx.Instructions {
		switch {
		case ix.IsCreateAccount():
			acct, owner, mint, err := ix.CreatedAccount()
			if err != nil {
				return nil, Rejected(fmt.Errorf("instruction %d: %w", i, err))
			}
			if acct != TokenAccountAddress(owner, mint) {
				return nil, Rejected(fmt.Errorf("instruction %d: account %s is not the token account of %s", i, acct, owner))
			}
			if _, ok := state[acct]; ok {
				continue
			}
			ta := TokenAccount{Address: acct, Owner: owner, Mint: mint}
			state[acct] = ta
			touched[acct] = struct{}{}
			ch.Created = append(ch.Created, ta)

		case ix.IsTransfer():
			t, err := DecodeTransfer(ix)
			if err != nil {
				return nil, Rejected(fmt.Errorf("instruction %d: %w", i, err))
			}
			if t.Owner != tx.FeePayer {
				return nil, Rejected(fmt.Errorf("instruction %d: %w: %s", i, ErrUnauthorized, t.Owner))
			}
			if t.Source == t.Destination {
				return nil, Rejected(fmt.Errorf("instruction %d: source and destination are the same", i))
			}
			src, ok := state[t.Source]
			if !ok {
				return nil, Rejected(fmt.Errorf("instruction %d: source %s: %w", i, t.Source, ErrAccountNotFound))
			}
			dst, ok := state[t.Destination]
			if !ok {
				return nil, Rejected(fmt.Errorf("instruction %d: destination %s: %w", i, t.Destination, ErrAccountNotFound))
			}
			if src.Owner != t.Owner {
				return nil, Rejected(fmt.Errorf("instruction %d: %w: %s does not own %s", i, ErrUnauthorized, t.Owner, t.Source))
			}
			if src.Mint != dst.Mint {
				return nil, Rejected(fmt.Errorf("instruction %d: mint mismatch", i))
			}
			if src.Balance < t.Amount {
				return nil, Rejected(fmt.Errorf("instruction %d: %w: balance %d, required %d", i, ErrInsufficientFunds, src.Balance, t.Amount))
			}
			if dst.Balance > math.MaxInt64-t.Amount {
				return nil, Rejected(fmt.Errorf("instruction %d: destination balance overflow", i))
			}
			src.Balance -= t.Amount
			dst.Balance += t.Amount
			state[t.Source] = src
			state[t.Destination] = dst
			touched[t.Source] = struct{}{}
			touched[t.Destination] = struct{}{}
			ch.Entries = append(ch.Entries,
				Entry{Account: t.Source, Delta: -t.Amount},
				Entry{Account: t.Destination, Delta: t.Amount},
			)

		default:
			return nil, Rejected(fmt.Errorf("instruction %d: unsupported program %s", i, ix.Program))
		}
	}

	for a := range touched {
		ch.Balances[a] = state[a].Balance
	}
	return ch, nil
}
