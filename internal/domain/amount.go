package domain

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/tokenflow/internal/ledger"
)

// FormatAmount renders base units as whole tokens, e.g. 1500000000 -> "1.5".
func FormatAmount(units int64) string {
	return decimal.New(units, -ledger.TokenDecimals).String()
}

// ParseAmount converts a token amount such as "1.5" to base units.
func ParseAmount(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	units := d.Shift(ledger.TokenDecimals)
	if !units.IsInteger() {
		return 0, fmt.Errorf("amount %q has more than %d decimals", s, ledger.TokenDecimals)
	}
	if units.GreaterThan(decimal.NewFromInt(math.MaxInt64)) || units.LessThan(decimal.NewFromInt(math.MinInt64)) {
		return 0, fmt.Errorf("amount %q out of range", s)
	}
	return units.IntPart(), nil
}
