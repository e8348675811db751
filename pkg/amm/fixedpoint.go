package amm

import (
	"errors"

	"github.com/holiman/uint256"
)

// UQ112x112 fixed-point helpers. Prices are encoded with a 2^112 radix so a
// 224-bit price times a 32-bit elapsed time fits the 256-bit accumulator.

const q112Shift = 112

var ErrFixedPointOverflow = errors.New("amm: fixed point overflow")

// EncodeUQ112 returns (numerator << 112) / denominator with truncating
// division. Panics on a zero denominator; callers gate on non-empty reserves.
func EncodeUQ112(numerator, denominator *uint256.Int) *uint256.Int {
	z := new(uint256.Int).Lsh(numerator, q112Shift)
	return z.Div(z, denominator)
}

// MulDecodeUQ112 multiplies a UQ112x112 price by an integer amount and
// truncates the product back to an integer: (price * amount) >> 112.
// Rounding direction matters downstream (tolerance floors), so this must
// stay a floor.
func MulDecodeUQ112(price, amount *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).MulOverflow(price, amount)
	if overflow {
		return nil, ErrFixedPointOverflow
	}
	return z.Rsh(z, q112Shift), nil
}
