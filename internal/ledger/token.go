package ledger

import "fmt"

// Network selects which token mint the flows move.
type Network string

const (
	Mainnet Network = "mainnet"
	Devnet  Network = "devnet"
)

// TokenDecimals is the number of decimal places of the payment token.
const TokenDecimals = 9

// Program identifiers referenced by instructions.
const (
	TokenProgram           Address = "TokenkegQfeZyiNwAJbNbGCPEjQSvEnwK9iEYmxvA5Z"
	AssociatedTokenProgram Address = "ATokenGPvbdGVxr1b2hvZbsiqW5xWH25efTNsLJA8knL"
)

var tokenMints = map[Network]Address{
	Mainnet: "Cpzvdx6pppc9TNArsGsqgShCsKC9NCCjA2gtzHvUpump",
	Devnet:  "A2AMPLyncKHwfSnwRNsJ2qsjsetgo9fGkP8YZPsDZ9mE",
}

// MintFor returns the payment token mint for a network.
func MintFor(n Network) (Address, error) {
	mint, ok := tokenMints[n]
	if !ok {
		return "", fmt.Errorf("unknown network %q", n)
	}
	return mint, nil
}

// TokenAccount is a party's balance of one token kind.
type TokenAccount struct {
	Address Address `json:"address"`
	Owner   Address `json:"owner"`
	Mint    Address `json:"mint"`
	Balance int64   `json:"balance"`
}
