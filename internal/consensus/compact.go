package consensus

import "math/big"

// Compact difficulty bits encode a 256-bit PoW target in 32 bits, the way
// Bitcoin-family chains do: the high byte is a base-256 exponent and the
// low three bytes are the mantissa. No repository in the reference corpus
// implements this encoding, so it is hand-written here directly from the
// format's definition (mantissa * 256^(exponent-3)) rather than grounded on
// an example.
//
//	bits = exponent<<24 | mantissa (24 bits)
//	target = mantissa * 256^(exponent-3)

// CompactToBig expands a compact "bits" value into its full 256-bit target.
func CompactToBig(bits uint32) *big.Int {
	mantissa := bits & 0x007fffff
	exponent := bits >> 24
	isNegative := bits&0x00800000 != 0

	var target *big.Int
	if exponent <= 3 {
		mantissa >>= 8 * (3 - exponent)
		target = big.NewInt(int64(mantissa))
	} else {
		target = big.NewInt(int64(mantissa))
		target.Lsh(target, uint(8*(exponent-3)))
	}

	if isNegative {
		target.Neg(target)
	}
	return target
}

// BigToCompact condenses a 256-bit target into its compact "bits" form,
// rounding toward zero (losing precision the same way the expanded form
// does, so CompactToBig(BigToCompact(x)) is not exactly x in general).
func BigToCompact(target *big.Int) uint32 {
	if target.Sign() == 0 {
		return 0
	}

	isNegative := target.Sign() < 0
	work := new(big.Int).Abs(target)

	exponent := uint(len(work.Bytes()))
	var mantissa uint32
	if exponent <= 3 {
		mantissa = uint32(work.Uint64()) << (8 * (3 - exponent))
	} else {
		shifted := new(big.Int).Rsh(work, 8*(exponent-3))
		mantissa = uint32(shifted.Uint64())
	}

	// The mantissa's high bit is reserved for the sign; if set, shift one
	// more byte into the exponent to keep the mantissa within 23 bits.
	if mantissa&0x00800000 != 0 {
		mantissa >>= 8
		exponent++
	}

	compact := uint32(exponent)<<24 | mantissa
	if isNegative {
		compact |= 0x00800000
	}
	return compact
}
