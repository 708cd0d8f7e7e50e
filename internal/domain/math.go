package domain

import (
	"errors"

	"github.com/holiman/uint256"
)

// ErrMathOverflow is returned when fixed-point arithmetic leaves the u64
// range or divides by zero.
var ErrMathOverflow = errors.New("math overflow")

// MulDiv computes a*b/c with a 256-bit intermediate and floors the result.
func MulDiv(a, b, c uint64) (uint64, error) {
	if c == 0 {
		return 0, ErrMathOverflow
	}
	var x uint256.Int
	x.Mul(uint256.NewInt(a), uint256.NewInt(b))
	x.Div(&x, uint256.NewInt(c))
	if !x.IsUint64() {
		return 0, ErrMathOverflow
	}
	return x.Uint64(), nil
}

// MulDivSat is MulDiv that saturates at the u64 bounds instead of failing.
// A zero divisor yields zero.
func MulDivSat(a, b, c uint64) uint64 {
	if c == 0 {
		return 0
	}
	v, err := MulDiv(a, b, c)
	if err != nil {
		return ^uint64(0)
	}
	return v
}

// AddSat adds without wrapping.
func AddSat(a, b uint64) uint64 {
	if s := a + b; s >= a {
		return s
	}
	return ^uint64(0)
}

// SubSat subtracts, flooring at zero.
func SubSat(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}

// FeeAmount returns bps * notional / 10000.
func FeeAmount(bps, notional uint64) uint64 {
	return MulDivSat(notional, bps, BPSPower)
}

func pow10(n int32) uint64 {
	v := uint64(1)
	for i := int32(0); i < n; i++ {
		v *= 10
	}
	return v
}
