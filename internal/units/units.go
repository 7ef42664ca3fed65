// Package units converts between human token amounts ("1000.5") and the
// 18-decimal integer representation the ledger works in.
package units

import (
	"errors"
	"fmt"
	"strings"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// Decimals is the token's fixed-point precision.
const Decimals = 18

var (
	ErrInvalidAmount  = errors.New("units: invalid amount")
	ErrNegativeAmount = errors.New("units: amount must not be negative")
	ErrTooPrecise     = errors.New("units: amount has more than 18 decimal places")
	ErrOverflow       = errors.New("units: amount overflows 256 bits")
)

// ParseTokens parses a decimal token amount into smallest units.
func ParseTokens(s string) (*uint256.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrInvalidAmount
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAmount, s)
	}
	return FromDecimal(d)
}

// FromDecimal converts a token-denominated decimal into smallest units.
func FromDecimal(d decimal.Decimal) (*uint256.Int, error) {
	if d.IsNegative() {
		return nil, ErrNegativeAmount
	}
	shifted := d.Shift(Decimals)
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, ErrTooPrecise
	}
	v, overflow := uint256.FromBig(shifted.BigInt())
	if overflow {
		return nil, ErrOverflow
	}
	return v, nil
}

// ToDecimal converts smallest units into a token-denominated decimal.
func ToDecimal(x *uint256.Int) decimal.Decimal {
	if x == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(x.ToBig(), -Decimals)
}

// FormatTokens renders x in whole tokens, e.g. "6.575342465753424657".
func FormatTokens(x *uint256.Int) string {
	return ToDecimal(x).String()
}

// Float returns x in whole tokens as a float64. Only for metrics.
func Float(x *uint256.Int) float64 {
	return ToDecimal(x).InexactFloat64()
}

// Tokens returns n whole tokens in smallest units.
func Tokens(n uint64) *uint256.Int {
	one := new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(Decimals))
	return new(uint256.Int).Mul(uint256.NewInt(n), one)
}
