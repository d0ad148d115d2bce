package deltagpt

import (
	"fmt"
	"math"
	"math/rand"
)

// Param is one learnable tensor: flat float32 storage plus a gradient
// buffer of the same length. Every Param carries the weight-decay
// eligibility it was constructed with, so the optimizer partition never
// has to guess from the parameter's name.
type Param struct {
	Name string
	Dims []int
	Data []float32
	Grad []float32

	// decay marks the parameter as weight-decay eligible. Dense weight
	// matrices set it; biases, normalization gains and embeddings do not.
	decay bool
}

func newParam(name string, decay bool, dims ...int) *Param {
	n := 1
	for _, d := range dims {
		if d <= 0 {
			panic(fmt.Sprintf("param %s: non-positive dim %d", name, d))
		}
		n *= d
	}
	return &Param{
		Name:  name,
		Dims:  dims,
		Data:  make([]float32, n),
		Grad:  make([]float32, n),
		decay: decay,
	}
}

// DecayEligible reports whether the parameter takes weight decay.
func (p *Param) DecayEligible() bool { return p.decay }

func (p *Param) NumElems() int { return len(p.Data) }

func (p *Param) ZeroGrad() {
	for i := range p.Grad {
		p.Grad[i] = 0
	}
}

// initNormal fills the parameter from a zero-mean Gaussian with the
// given standard deviation. All weight tensors use std 0.02; biases
// stay at their zero value.
func (p *Param) initNormal(rng *rand.Rand, std float64) {
	for i := range p.Data {
		p.Data[i] = float32(rng.NormFloat64() * std)
	}
}

// numParams sums the element counts of a parameter list.
func numParams(params []*Param) int {
	var n int
	for _, p := range params {
		n += p.NumElems()
	}
	return n
}

// gradGlobalNorm computes the L2 norm over every gradient element of
// every parameter, the quantity clipped before an optimizer step.
func gradGlobalNorm(params []*Param) float64 {
	var sum float64
	for _, p := range params {
		for _, g := range p.Grad {
			sum += float64(g) * float64(g)
		}
	}
	return math.Sqrt(sum)
}

// scaleGrads multiplies every gradient element by s.
func scaleGrads(params []*Param, s float32) {
	for _, p := range params {
		for i := range p.Grad {
			p.Grad[i] *= s
		}
	}
}

// gradsOverflowed reports whether any gradient element is NaN or Inf,
// the signal that a reduced-precision backward pass overflowed.
func gradsOverflowed(params []*Param) bool {
	for _, p := range params {
		for _, g := range p.Grad {
			if IsNaN32(g) || IsInf32(g) {
				return true
			}
		}
	}
	return false
}
