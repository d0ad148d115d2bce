package deltagpt

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFloat16ExactValues(t *testing.T) {
	// Values representable exactly in half precision survive the round
	// trip bit-for-bit.
	for _, v := range []float32{0, 1, -1, 0.5, -2.25, 1024, 65504} {
		assert.Equal(t, v, ToFloat16(v).ToFloat32(), "value %v", v)
	}
}

func TestFloat16Rounding(t *testing.T) {
	// 1/3 is not representable; the round trip lands within half
	// precision's ~2^-11 relative error.
	v := float32(1.0 / 3.0)
	got := ToFloat16(v).ToFloat32()
	assert.InDelta(t, float64(v), float64(got), 1e-3)
	assert.NotEqual(t, v, got)
}

func TestFloat16Overflow(t *testing.T) {
	assert.True(t, IsInf32(ToFloat16(1e30).ToFloat32()))
	assert.True(t, IsInf32(ToFloat16(-1e30).ToFloat32()))
	assert.True(t, IsInf32(ToFloat16(Inf32(1)).ToFloat32()))
}

func TestFloat16FlushToZero(t *testing.T) {
	// Below the smallest normal half the conversion flushes to zero,
	// the behavior loss scaling exists to compensate for.
	assert.Equal(t, float32(0), ToFloat16(1e-8).ToFloat32())
	assert.Equal(t, float32(0), ToFloat16(-1e-8).ToFloat32())
}

func TestFloat16NaN(t *testing.T) {
	assert.True(t, IsNaN32(ToFloat16(Log32(-1)).ToFloat32()))
}

func TestRoundTripFloat16InPlace(t *testing.T) {
	xs := []float32{0.1, -0.2, 3.75, 100}
	orig := append([]float32(nil), xs...)
	roundTripFloat16(xs)
	for i := range xs {
		assert.InDelta(t, float64(orig[i]), float64(xs[i]), 0.05)
	}
	assert.Equal(t, float32(3.75), xs[2]) // exactly representable
}
