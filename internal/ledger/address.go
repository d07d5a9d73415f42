package ledger

import (
	"crypto/sha256"
	"fmt"

	"github.com/mr-tron/base58"
)

// AddressLen is the decoded size of a ledger address.
const AddressLen = 32

// Address is a base58-encoded ledger public key.
type Address string

// ParseAddress checks that s decodes to a 32-byte public key.
func ParseAddress(s string) (Address, error) {
	if s == "" {
		return "", fmt.Errorf("empty address")
	}
	b, err := base58.Decode(s)
	if err != nil {
		return "", fmt.Errorf("invalid base58: %w", err)
	}
	if len(b) != AddressLen {
		return "", fmt.Errorf("invalid address length %d, want %d", len(b), AddressLen)
	}
	return Address(s), nil
}

// AddressFromBytes encodes a raw public key.
func AddressFromBytes(b [AddressLen]byte) Address {
	return Address(base58.Encode(b[:]))
}

func (a Address) String() string {
	return string(a)
}

// Valid reports whether a is a well-formed address.
func (a Address) Valid() bool {
	_, err := ParseAddress(string(a))
	return err == nil
}

// TokenAccountAddress derives the token-holding account of owner for the given mint.
// The derivation is deterministic so payer and recipient accounts can be resolved
// without a network round trip.
func TokenAccountAddress(owner, mint Address) Address {
	h := sha256.New()
	h.Write([]byte(owner))
	h.Write([]byte{0})
	h.Write([]byte(mint))
	h.Write([]byte{0})
	h.Write([]byte("token-account"))

	var out [AddressLen]byte
	copy(out[:], h.Sum(nil))
	return AddressFromBytes(out)
}

// LabeledAddress derives a stable address from a label. Seeding and load
// generation use it to agree on a population of owners.
func LabeledAddress(label string) Address {
	return AddressFromBytes(sha256.Sum256([]byte("owner:" + label)))
}
