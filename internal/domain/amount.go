package domain

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Well-known mints and units.
const (
	WrappedSOLMint     = "So11111111111111111111111111111111111111112"
	SOLDecimals        = 9
	LamportsPerSOL     = 1_000_000_000
	MaxManualBuySOL    = 10
	DefaultSlippageBps = 100
)

// ErrInvalidAmount is returned for non-positive or unparsable amounts.
var ErrInvalidAmount = errors.New("invalid amount")

// ParseUnits converts a human decimal amount into integer base units.
// Fractions below one base unit are truncated; a result of zero is rejected.
func ParseUnits(s string, decimals int32) (uint64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return UnitsFromDecimal(d, decimals)
}

// UnitsFromDecimal converts a decimal amount into integer base units.
func UnitsFromDecimal(d decimal.Decimal, decimals int32) (uint64, error) {
	if !d.IsPositive() {
		return 0, fmt.Errorf("%w: must be positive", ErrInvalidAmount)
	}
	units := d.Shift(decimals).Truncate(0)
	if !units.IsPositive() {
		return 0, fmt.Errorf("%w: below smallest unit", ErrInvalidAmount)
	}
	if !units.BigInt().IsUint64() {
		return 0, fmt.Errorf("%w: too large", ErrInvalidAmount)
	}
	return units.BigInt().Uint64(), nil
}

// FormatUnits renders integer base units as a decimal string.
func FormatUnits(units uint64, decimals int32) string {
	return decimal.NewFromUint64(units).Shift(-decimals).String()
}
