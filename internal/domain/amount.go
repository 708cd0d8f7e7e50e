package domain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// ParseAmount converts a decimal string such as "100.5" into base units of a
// token with the given decimals. Excess precision is rejected.
func ParseAmount(s string, decimals uint8) (uint64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%w: amount %q: %v", ErrInvalidArgument, s, err)
	}
	if d.IsNegative() {
		return 0, fmt.Errorf("%w: amount %q is negative", ErrInvalidArgument, s)
	}
	scaled := d.Shift(int32(decimals))
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, fmt.Errorf("%w: amount %q has more than %d decimals", ErrInvalidArgument, s, decimals)
	}
	if !scaled.BigInt().IsUint64() {
		return 0, fmt.Errorf("%w: amount %q out of range", ErrInvalidArgument, s)
	}
	return scaled.BigInt().Uint64(), nil
}

// FormatAmount renders base units as a decimal string.
func FormatAmount(v uint64, decimals uint8) string {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), 0).Shift(-int32(decimals)).StringFixed(int32(decimals))
}

// ParseUSD parses a USD amount into 6-decimal fixed point.
func ParseUSD(s string) (uint64, error) {
	return ParseAmount(strings.TrimPrefix(strings.TrimSpace(s), "$"), USDDecimals)
}

// FormatUSD renders a 6-decimal fixed-point USD value.
func FormatUSD(v uint64) string {
	return FormatAmount(v, USDDecimals)
}
