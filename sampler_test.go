package deltagpt

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func countFinite(logits []float32) int {
	var n int
	for _, l := range logits {
		if !IsInf32(l) {
			n++
		}
	}
	return n
}

func TestApplyTopK(t *testing.T) {
	tests := []struct {
		name     string
		logits   []float32
		k        int
		wantKept int
	}{
		{name: "keep two", logits: []float32{1, 5, 3, 2, 4}, k: 2, wantKept: 2},
		{name: "keep one", logits: []float32{1, 5, 3, 2, 4}, k: 1, wantKept: 1},
		{name: "k zero disables", logits: []float32{1, 5, 3}, k: 0, wantKept: 3},
		{name: "k covers all", logits: []float32{1, 5, 3}, k: 5, wantKept: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logits := append([]float32(nil), tt.logits...)
			applyTopK(logits, tt.k)
			assert.Equal(t, tt.wantKept, countFinite(logits))
			// The best logit always survives.
			var best float32 = Inf32(-1)
			for _, l := range tt.logits {
				if l > best {
					best = l
				}
			}
			assert.Contains(t, logits, best)
		})
	}
}

func TestApplyTopP(t *testing.T) {
	logits := []float32{0, 8, 2, 1, 7}

	t.Run("kept mass reaches threshold", func(t *testing.T) {
		for _, p := range []float32{0.1, 0.5, 0.9} {
			filtered := append([]float32(nil), logits...)
			applyTopP(filtered, p)
			require.Greater(t, countFinite(filtered), 0)

			// Recompute the kept tokens' mass under the original softmax.
			probs := make([]float32, len(logits))
			softmaxRow(probs, logits)
			var mass float32
			for i, l := range filtered {
				if !IsInf32(l) {
					mass += probs[i]
				}
			}
			assert.GreaterOrEqual(t, mass, p)
		}
	})

	t.Run("best token always kept", func(t *testing.T) {
		filtered := append([]float32(nil), logits...)
		applyTopP(filtered, 0.01)
		assert.False(t, IsInf32(filtered[1]))
	})

	t.Run("zero and one disable", func(t *testing.T) {
		for _, p := range []float32{0, 1} {
			filtered := append([]float32(nil), logits...)
			applyTopP(filtered, p)
			assert.Equal(t, len(logits), countFinite(filtered))
		}
	})
}

func TestSampleMult(t *testing.T) {
	probs := []float32{0.2, 0.5, 0.3}
	assert.Equal(t, 0, sampleMult(probs, 0.1))
	assert.Equal(t, 1, sampleMult(probs, 0.3))
	assert.Equal(t, 2, sampleMult(probs, 0.8))
	assert.Equal(t, 2, sampleMult(probs, 0.9999))
}

func TestSampleLogitsRespectsTopK(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	logits := []float32{0, 10, 1, 2, 9}
	for i := 0; i < 100; i++ {
		id := sampleLogits(logits, SampleConfig{Temperature: 1, TopK: 2}, rng)
		assert.Contains(t, []int{1, 4}, id)
	}
}

func TestGenerate(t *testing.T) {
	cfg := tinyModelConfig()
	m, err := NewModel(cfg, 5)
	require.NoError(t, err)

	t.Run("extends context by k tokens", func(t *testing.T) {
		out, err := m.Generate([]int32{3}, 5, DefaultSampleConfig())
		require.NoError(t, err)
		require.Len(t, out, 6)
		assert.Equal(t, int32(3), out[0])
		for _, id := range out {
			assert.GreaterOrEqual(t, id, int32(0))
			assert.Less(t, id, int32(cfg.VocabSize))
		}
	})

	t.Run("context at block size rolls forward", func(t *testing.T) {
		ctx := make([]int32, cfg.BlockSize)
		out, err := m.Generate(ctx, 3, DefaultSampleConfig())
		require.NoError(t, err)
		assert.Len(t, out, cfg.BlockSize+3)
	})

	t.Run("empty context rejected", func(t *testing.T) {
		_, err := m.Generate(nil, 1, DefaultSampleConfig())
		assert.Error(t, err)
	})

	t.Run("dropout state restored", func(t *testing.T) {
		m.SetTraining(true)
		_, err := m.Generate([]int32{1}, 1, DefaultSampleConfig())
		require.NoError(t, err)
		assert.True(t, m.training)
		m.SetTraining(false)
	})
}
