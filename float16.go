package deltagpt

import "math"

// Float16 is an IEEE 754 half-precision value stored as uint16. Go has
// no native float16, so reduced-precision mode round-trips activations
// through these conversions to get half-precision rounding behavior.
//
// Range is ±65504 with ~3 decimal digits of precision; the smallest
// normal value is 2^-14. Values outside the range clamp to ±Inf and
// subnormals flush to signed zero, which is exactly why training under
// this representation needs loss scaling (see GradScaler).
type Float16 uint16

// ToFloat16 converts a float32 with round-to-nearest-even on the
// mantissa truncation.
func ToFloat16(f float32) Float16 {
	bits := math.Float32bits(f)
	sign := bits & 0x80000000
	exp := (bits >> 23) & 0xFF
	mant := bits & 0x7FFFFF

	switch {
	case exp == 0xFF: // Inf or NaN
		if mant != 0 {
			return Float16((sign >> 16) | 0x7C00 | 0x200)
		}
		return Float16((sign >> 16) | 0x7C00)
	case bits&0x7FFFFFFF > 0x477FEFFF: // > 65504: overflow to Inf
		return Float16((sign >> 16) | 0x7C00)
	case bits&0x7FFFFFFF < 0x38800000: // < 2^-14: flush to zero
		return Float16(sign >> 16)
	}

	// Re-bias exponent (127 -> 15) and round the mantissa to 10 bits.
	hExp := exp - 127 + 15
	hMant := mant >> 13
	round := mant & 0x1FFF
	if round > 0x1000 || (round == 0x1000 && hMant&1 == 1) {
		hMant++
		if hMant == 0x400 {
			hMant = 0
			hExp++
		}
	}
	return Float16((sign >> 16) | (hExp << 10) | hMant)
}

// ToFloat32 widens a half-precision value.
func (h Float16) ToFloat32() float32 {
	sign := uint32(h&0x8000) << 16
	exp := uint32(h>>10) & 0x1F
	mant := uint32(h & 0x3FF)

	switch exp {
	case 0x1F:
		if mant != 0 {
			return float32(math.NaN())
		}
		return math.Float32frombits(sign | 0x7F800000)
	case 0:
		if mant == 0 {
			return math.Float32frombits(sign)
		}
		// Subnormal half: normalize into float32. A half subnormal is
		// mant * 2^-24; after shifting the leading bit into place the
		// float32 exponent field is 113 minus the shift count.
		shift := 0
		for mant&0x400 == 0 {
			mant <<= 1
			shift++
		}
		mant &= 0x3FF
		return math.Float32frombits(sign | uint32(113-shift)<<23 | mant<<13)
	}
	return math.Float32frombits(sign | (exp-15+127)<<23 | mant<<13)
}

// roundTripFloat16 rewrites xs in place with half-precision rounding
// applied elementwise. Used on activations when Precision is float16.
func roundTripFloat16(xs []float32) {
	for i, x := range xs {
		xs[i] = ToFloat16(x).ToFloat32()
	}
}
