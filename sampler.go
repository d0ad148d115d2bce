package deltagpt

import (
	"fmt"
	"math/rand"
	"sort"
)

// SampleConfig controls how the next token is drawn from the logits.
// Temperature below 1 sharpens the distribution, above 1 flattens it.
// TopK and TopP are both optional; zero disables each.
type SampleConfig struct {
	Temperature float32
	TopK        int
	TopP        float32
}

// DefaultSampleConfig samples from the untruncated distribution at
// temperature 1.
func DefaultSampleConfig() SampleConfig {
	return SampleConfig{Temperature: 1.0}
}

// applyTopK keeps only the k largest logits, pushing the rest to -Inf
// so they vanish under softmax. k <= 0 or k >= len is a no-op.
func applyTopK(logits []float32, k int) {
	if k <= 0 || k >= len(logits) {
		return
	}
	sorted := make([]float32, len(logits))
	copy(sorted, logits)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] > sorted[j] })
	kth := sorted[k-1]
	for i, l := range logits {
		if l < kth {
			logits[i] = Inf32(-1)
		}
	}
}

// applyTopP keeps the smallest set of highest-probability tokens whose
// cumulative softmax mass reaches p, always including the single most
// probable token, and pushes the discarded tail to -Inf.
func applyTopP(logits []float32, p float32) {
	if p <= 0 || p >= 1 {
		return
	}
	order := make([]int, len(logits))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(i, j int) bool { return logits[order[i]] > logits[order[j]] })

	probs := make([]float32, len(logits))
	sorted := make([]float32, len(logits))
	for i, ix := range order {
		sorted[i] = logits[ix]
	}
	softmaxRow(probs, sorted)

	var cum float32
	cut := len(order)
	for i, pr := range probs {
		cum += pr
		if cum > p {
			cut = i + 1 // keep the token that crossed the threshold
			break
		}
	}
	for _, ix := range order[cut:] {
		logits[ix] = Inf32(-1)
	}
}

// sampleMult draws an index from a categorical distribution via its
// CDF and a uniform coin in [0,1).
func sampleMult(probs []float32, coin float32) int {
	var cdf float32
	for i, p := range probs {
		cdf += p
		if coin < cdf {
			return i
		}
	}
	return len(probs) - 1 // rounding slack
}

// sampleLogits applies temperature, top-k and nucleus filtering to a
// logit row, then samples one token id.
func sampleLogits(logits []float32, cfg SampleConfig, rng *rand.Rand) int {
	scaled := make([]float32, len(logits))
	temp := cfg.Temperature
	if temp <= 0 {
		temp = 1.0
	}
	for i, l := range logits {
		scaled[i] = l / temp
	}
	applyTopK(scaled, cfg.TopK)
	applyTopP(scaled, cfg.TopP)
	probs := make([]float32, len(scaled))
	softmaxRow(probs, scaled)
	return sampleMult(probs, rng.Float32())
}

// Generate extends ctx by maxNewTokens sampled tokens and returns the
// combined sequence. Each step feeds the last BlockSize tokens of the
// running context back through the model, samples from the final
// position's filtered distribution, and appends. The loop is
// inherently sequential: step i+1 conditions on the token drawn at
// step i. Dropout is off for the duration.
func (m *Model) Generate(ctx []int32, maxNewTokens int, cfg SampleConfig) ([]int32, error) {
	if len(ctx) == 0 {
		return nil, fmt.Errorf("generate requires a non-empty seed context")
	}
	wasTraining := m.training
	m.training = false
	defer func() { m.training = wasTraining }()

	V := m.Config.VocabSize
	seq := make([]int32, len(ctx), len(ctx)+maxNewTokens)
	copy(seq, ctx)

	for i := 0; i < maxNewTokens; i++ {
		cond := seq
		if len(cond) > m.Config.BlockSize {
			cond = cond[len(cond)-m.Config.BlockSize:]
		}
		T := len(cond)
		logits, _, err := m.Forward(cond, nil, 1, T)
		if err != nil {
			return nil, err
		}
		last := logits[(T-1)*V : T*V]
		next := sampleLogits(last, cfg, m.rng)
		seq = append(seq, int32(next))
	}
	return seq, nil
}
