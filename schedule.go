package deltagpt

import "math"

// LRSchedule produces a multiplier on the base learning rate as a pure
// function of the optimizer step: linear warmup from 0 to 1 over
// WarmupSteps, then cosine decay toward MinRatio.
//
// MinRatio is a fraction of the base rate. At the end of the decay
// window the effective rate is LearningRate * MinRatio and stays there.
type LRSchedule struct {
	WarmupSteps int
	DecaySteps  int
	MinRatio    float64
}

// Multiplier evaluates the schedule at step.
func (s LRSchedule) Multiplier(step int) float64 {
	if s.WarmupSteps > 0 && step < s.WarmupSteps {
		return float64(step) / float64(s.WarmupSteps)
	}
	span := s.DecaySteps - s.WarmupSteps
	if span < 1 {
		span = 1
	}
	r := float64(step-s.WarmupSteps) / float64(span)
	if r < 0 {
		r = 0
	}
	if r > 1 {
		r = 1
	}
	coeff := 0.5 * (1.0 + math.Cos(math.Pi*r))
	return s.MinRatio + coeff*(1.0-s.MinRatio)
}

// LR is the effective rate: base * Multiplier(step).
func (s LRSchedule) LR(base float64, step int) float64 {
	return base * s.Multiplier(step)
}
