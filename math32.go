package deltagpt

import "math"

// float32 wrappers around the float64 math package. The kernels keep
// their accumulators in float64 and store results as float32, so these
// only matter at the edges.

func Abs32(x float32) float32 {
	if x > 0 {
		return x
	}
	return -x
}

func Exp32(x float32) float32 {
	return float32(math.Exp(float64(x)))
}

func Log32(x float32) float32 {
	return float32(math.Log(float64(x)))
}

func Pow32(x, y float32) float32 {
	return float32(math.Pow(float64(x), float64(y)))
}

func Sqrt32(x float32) float32 {
	return float32(math.Sqrt(float64(x)))
}

func Tanh32(x float32) float32 {
	return float32(math.Tanh(float64(x)))
}

func IsNaN32(x float32) bool {
	return math.IsNaN(float64(x))
}

func IsInf32(x float32) bool {
	return math.IsInf(float64(x), 0)
}

func Inf32(sign int) float32 {
	return float32(math.Inf(sign))
}
