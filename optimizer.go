package deltagpt

import (
	"fmt"
	"math"
)

// ParamGroups is the partition of all learnable parameters into the
// weight-decay-eligible set and the exempt set.
type ParamGroups struct {
	Decay   []*Param
	NoDecay []*Param
}

// PartitionParams splits params on the decay tag each parameter was
// constructed with. Before handing the groups to the optimizer it
// verifies the partition programmatically: the sets must be disjoint
// and together must cover every parameter exactly once. A violation
// means a new parameter type was added without deciding its decay
// behavior, and is an error rather than something to patch silently.
func PartitionParams(params []*Param) (ParamGroups, error) {
	var groups ParamGroups
	seen := make(map[string]bool, len(params))
	for _, p := range params {
		if p == nil {
			return ParamGroups{}, fmt.Errorf("nil parameter in partition input")
		}
		if seen[p.Name] {
			return ParamGroups{}, fmt.Errorf("parameter %q appears more than once", p.Name)
		}
		seen[p.Name] = true
		if p.DecayEligible() {
			groups.Decay = append(groups.Decay, p)
		} else {
			groups.NoDecay = append(groups.NoDecay, p)
		}
	}
	if len(groups.Decay)+len(groups.NoDecay) != len(params) {
		return ParamGroups{}, fmt.Errorf("partition lost parameters: %d + %d != %d",
			len(groups.Decay), len(groups.NoDecay), len(params))
	}
	for _, p := range groups.Decay {
		if !p.DecayEligible() {
			return ParamGroups{}, fmt.Errorf("parameter %q in decay group without decay tag", p.Name)
		}
	}
	for _, p := range groups.NoDecay {
		if p.DecayEligible() {
			return ParamGroups{}, fmt.Errorf("decay-tagged parameter %q in exempt group", p.Name)
		}
	}
	return groups, nil
}

// AdamW is an adaptive-moment optimizer with decoupled weight decay.
// The decay coefficient applies only to the decay-eligible group; the
// exempt group (biases, norm gains, embeddings) steps without it.
type AdamW struct {
	LearningRate float64
	WeightDecay  float64
	Beta1        float64
	Beta2        float64
	Eps          float64

	groups ParamGroups
	m      map[string][]float32 // first-moment estimates keyed by parameter path
	v      map[string][]float32 // second-moment estimates
	t      int                  // completed steps, drives bias correction
}

// NewAdamW builds the optimizer over an already-verified partition.
func NewAdamW(groups ParamGroups, lr, weightDecay, beta1, beta2 float64) *AdamW {
	opt := &AdamW{
		LearningRate: lr,
		WeightDecay:  weightDecay,
		Beta1:        beta1,
		Beta2:        beta2,
		Eps:          1e-8,
		groups:       groups,
		m:            make(map[string][]float32),
		v:            make(map[string][]float32),
	}
	for _, p := range append(append([]*Param{}, groups.Decay...), groups.NoDecay...) {
		opt.m[p.Name] = make([]float32, p.NumElems())
		opt.v[p.Name] = make([]float32, p.NumElems())
	}
	return opt
}

// Step applies one update at the given learning rate (the base rate
// already multiplied by the schedule).
func (opt *AdamW) Step(lr float64) {
	opt.t++
	bias1 := 1.0 - math.Pow(opt.Beta1, float64(opt.t))
	bias2 := 1.0 - math.Pow(opt.Beta2, float64(opt.t))
	opt.stepGroup(opt.groups.Decay, lr, opt.WeightDecay, bias1, bias2)
	opt.stepGroup(opt.groups.NoDecay, lr, 0, bias1, bias2)
}

func (opt *AdamW) stepGroup(params []*Param, lr, decay, bias1, bias2 float64) {
	for _, p := range params {
		m, v := opt.m[p.Name], opt.v[p.Name]
		for i := range p.Data {
			g := float64(p.Grad[i])
			mi := opt.Beta1*float64(m[i]) + (1.0-opt.Beta1)*g
			vi := opt.Beta2*float64(v[i]) + (1.0-opt.Beta2)*g*g
			m[i] = float32(mi)
			v[i] = float32(vi)
			mHat := mi / bias1
			vHat := vi / bias2
			update := lr * (mHat / (math.Sqrt(vHat) + opt.Eps))
			// Decoupled decay: shrink the weight directly, independent
			// of the adaptive gradient term.
			update += lr * decay * float64(p.Data[i])
			p.Data[i] -= float32(update)
		}
	}
}

// StepCount reports completed optimizer steps.
func (opt *AdamW) StepCount() int { return opt.t }

// AllParams returns both groups flattened, decay group first.
func (opt *AdamW) AllParams() []*Param {
	return append(append([]*Param{}, opt.groups.Decay...), opt.groups.NoDecay...)
}

// State exports the optimizer moments for checkpointing.
func (opt *AdamW) State() OptimizerState {
	st := OptimizerState{
		Step: opt.t,
		M:    make(map[string][]float32, len(opt.m)),
		V:    make(map[string][]float32, len(opt.v)),
	}
	for name, m := range opt.m {
		st.M[name] = append([]float32(nil), m...)
	}
	for name, v := range opt.v {
		st.V[name] = append([]float32(nil), v...)
	}
	return st
}

// LoadState restores the moments saved by State. Parameters missing
// from the snapshot keep zero moments; shape mismatches are errors.
func (opt *AdamW) LoadState(st OptimizerState) error {
	opt.t = st.Step
	for name, m := range opt.m {
		saved, ok := st.M[name]
		if !ok {
			continue
		}
		if len(saved) != len(m) {
			return fmt.Errorf("optimizer state for %q has %d elements, want %d", name, len(saved), len(m))
		}
		copy(m, saved)
		copy(opt.v[name], st.V[name])
	}
	return nil
}

// OptimizerState is the checkpointed slice of an AdamW: moment buffers
// keyed by parameter path plus the step counter.
type OptimizerState struct {
	Step int
	M    map[string][]float32
	V    map[string][]float32
}

// clipGradients scales every gradient so the global L2 norm does not
// exceed maxNorm. Returns the pre-clip norm. maxNorm <= 0 disables
// clipping.
func clipGradients(params []*Param, maxNorm float64) float64 {
	norm := gradGlobalNorm(params)
	if maxNorm > 0 && norm > maxNorm {
		scaleGrads(params, float32(maxNorm/norm))
	}
	return norm
}
