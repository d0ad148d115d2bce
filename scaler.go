package deltagpt

// GradScaler implements dynamic loss scaling for reduced-precision
// training. The loss is multiplied by the current scale before the
// backward pass so small gradients survive float16; gradients are
// divided back out before clipping and the optimizer step. When the
// unscaled gradients contain an Inf or NaN the step is skipped and the
// scale halves; after GrowthInterval consecutive good steps the scale
// doubles again, up to MaxScale.
type GradScaler struct {
	Scale          float64
	GrowthFactor   float64
	BackoffFactor  float64
	GrowthInterval int
	MaxScale       float64

	goodSteps int
	skipped   int
}

// NewGradScaler returns a scaler with the usual defaults: initial
// scale 2^16, halve on overflow, double after 2000 stable steps.
func NewGradScaler() *GradScaler {
	return &GradScaler{
		Scale:          65536.0,
		GrowthFactor:   2.0,
		BackoffFactor:  0.5,
		GrowthInterval: 2000,
		MaxScale:       65536.0 * 1024,
	}
}

// Unscale divides the accumulated gradients by the current scale,
// returning them to true magnitude for clipping and stepping.
func (s *GradScaler) Unscale(params []*Param) {
	scaleGrads(params, float32(1.0/s.Scale))
}

// Update inspects the unscaled gradients and decides whether the
// optimizer step may proceed. On overflow it reports false, records
// the skip and backs the scale off; otherwise it counts the step
// toward the next growth.
func (s *GradScaler) Update(params []*Param) bool {
	if gradsOverflowed(params) {
		s.Scale *= s.BackoffFactor
		if s.Scale < 1 {
			s.Scale = 1
		}
		s.goodSteps = 0
		s.skipped++
		return false
	}
	s.goodSteps++
	if s.GrowthInterval > 0 && s.goodSteps >= s.GrowthInterval {
		s.Scale *= s.GrowthFactor
		if s.Scale > s.MaxScale {
			s.Scale = s.MaxScale
		}
		s.goodSteps = 0
	}
	return true
}

// SkippedSteps reports how many optimizer steps were dropped on
// overflow, the only user-visible cost of the recovery path.
func (s *GradScaler) SkippedSteps() int { return s.skipped }
