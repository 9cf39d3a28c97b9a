package model

import (
	"errors"
	"math/bits"
)

// ErrOverflow is returned when an amount calculation exceeds 64 bits.
var ErrOverflow = errors.New("model: amount overflow")

// BasisPoints is the denominator for fee rates.
const BasisPoints = 10_000

// Mul returns a*b or ErrOverflow.
func Mul(a, b uint64) (uint64, error) {
	hi, lo := bits.Mul64(a, b)
	if hi != 0 {
		return 0, ErrOverflow
	}
	return lo, nil
}

// Add returns a+b or ErrOverflow.
func Add(a, b uint64) (uint64, error) {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return 0, ErrOverflow
	}
	return sum, nil
}

// MulDiv returns floor(a*b/d) using a 128-bit intermediate product.
func MulDiv(a, b, d uint64) (uint64, error) {
	if d == 0 {
		return 0, errors.New("model: division by zero")
	}
	hi, lo := bits.Mul64(a, b)
	if hi >= d {
		return 0, ErrOverflow
	}
	q, _ := bits.Div64(hi, lo, d)
	return q, nil
}

// Fee returns floor(notional * bps / 10000). The fractional remainder is
// never charged.
func Fee(notional, bps uint64) uint64 {
	// bps <= 10000 keeps the quotient at or below notional, so this cannot
	// overflow.
	f, _ := MulDiv(notional, bps, BasisPoints)
	return f
}
