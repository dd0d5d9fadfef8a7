package ledger

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// LamportsPerSOL is the number of lamports in one SOL.
const LamportsPerSOL = 1_000_000_000

// SOL returns lamports as an exact SOL decimal.
func SOL(lamports uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(lamports), -9)
}

// FormatSOL renders lamports as SOL with trailing zeros trimmed, e.g. "1.5".
func FormatSOL(lamports uint64) string {
	return SOL(lamports).String()
}

// ParseUnits converts a decimal amount such as "20000" or "0.01" into base
// units of a token with the given decimals. Fractions finer than one base
// unit are rejected.
func ParseUnits(s string, decimals int32) (uint64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return 0, fmt.Errorf("invalid amount %q: negative", s)
	}
	units := d.Shift(decimals)
	if !units.IsInteger() {
		return 0, fmt.Errorf("invalid amount %q: more than %d decimal places", s, decimals)
	}
	b := units.BigInt()
	if !b.IsUint64() {
		return 0, fmt.Errorf("invalid amount %q: out of range", s)
	}
	return b.Uint64(), nil
}

// ParseSOL converts a SOL amount into lamports.
func ParseSOL(s string) (uint64, error) {
	return ParseUnits(s, 9)
}
