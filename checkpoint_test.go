package deltagpt

import (
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func trainedModelAndOpt(t *testing.T, seed int64) (*Model, *AdamW) {
	t.Helper()
	cfg := tinyModelConfig()
	m, err := NewModel(cfg, seed)
	require.NoError(t, err)
	groups, err := PartitionParams(m.Params())
	require.NoError(t, err)
	opt := NewAdamW(groups, 1e-3, 0.1, 0.9, 0.95)

	rng := rand.New(rand.NewSource(seed))
	x, y := randomBatch(rng, 2, 8, cfg.VocabSize)
	_, _, err = m.Forward(x, y, 2, 8)
	require.NoError(t, err)
	require.NoError(t, m.Backward(1))
	opt.Step(1e-3)
	return m, opt
}

func TestCheckpointRoundTrip(t *testing.T) {
	m, opt := trainedModelAndOpt(t, 21)
	dir := t.TempDir()
	path := CheckpointPath(dir, 7)

	ckpt := BuildCheckpoint(m, opt, 7, 2.5)
	require.NoError(t, WriteCheckpoint(path, ckpt))

	loaded, err := ReadCheckpoint(path)
	require.NoError(t, err)
	assert.Equal(t, 7, loaded.Step)
	assert.Equal(t, float32(2.5), loaded.BestValLoss)
	assert.Equal(t, ParamNamingRaw, loaded.ParamNaming)
	assert.Equal(t, m.Config, loaded.Model)

	// Restore into a differently-seeded model and optimizer; both must
	// land on identical state.
	m2, err := NewModel(m.Config, 99)
	require.NoError(t, err)
	groups, err := PartitionParams(m2.Params())
	require.NoError(t, err)
	opt2 := NewAdamW(groups, 1e-3, 0.1, 0.9, 0.95)
	require.NoError(t, loaded.Restore(m2, opt2))

	assert.Equal(t, opt.StepCount(), opt2.StepCount())
	if diff := cmp.Diff(opt.State(), opt2.State()); diff != "" {
		t.Errorf("optimizer state mismatch (-want +got):\n%s", diff)
	}

	// Identical weights produce identical logits.
	x := []int32{1, 2, 3, 4}
	want, _, err := m.Forward(x, nil, 1, 4)
	require.NoError(t, err)
	got, _, err := m2.Forward(x, nil, 1, 4)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestCheckpointSnapshotIsIsolated(t *testing.T) {
	m, opt := trainedModelAndOpt(t, 22)
	ckpt := BuildCheckpoint(m, opt, 1, 3)
	before := ckpt.Weights["head.weight"][0]
	m.Head.Data[0] += 100
	assert.Equal(t, before, ckpt.Weights["head.weight"][0])
}

func TestCheckpointWrappedNaming(t *testing.T) {
	m, opt := trainedModelAndOpt(t, 23)
	ckpt := BuildCheckpoint(m, opt, 4, 1.5)

	// Rewrite the bundle as a wrapped-model export.
	wrapped := &Checkpoint{
		SchemaVersion: CheckpointSchemaVersion,
		ParamNaming:   ParamNamingWrapped,
		Weights:       map[string][]float32{},
		Optimizer: OptimizerState{
			Step: ckpt.Optimizer.Step,
			M:    map[string][]float32{},
			V:    map[string][]float32{},
		},
		Model:       ckpt.Model,
		Step:        ckpt.Step,
		BestValLoss: ckpt.BestValLoss,
	}
	for name, w := range ckpt.Weights {
		wrapped.Weights["_orig_mod."+name] = w
	}
	for name, v := range ckpt.Optimizer.M {
		wrapped.Optimizer.M["_orig_mod."+name] = v
	}
	for name, v := range ckpt.Optimizer.V {
		wrapped.Optimizer.V["_orig_mod."+name] = v
	}

	m2, err := NewModel(m.Config, 1)
	require.NoError(t, err)
	groups, err := PartitionParams(m2.Params())
	require.NoError(t, err)
	opt2 := NewAdamW(groups, 1e-3, 0.1, 0.9, 0.95)
	require.NoError(t, wrapped.Restore(m2, opt2))
	assert.Equal(t, m.Head.Data, m2.Head.Data)
}

func TestCheckpointRejectsBadBundles(t *testing.T) {
	m, opt := trainedModelAndOpt(t, 24)
	dir := t.TempDir()

	t.Run("missing file", func(t *testing.T) {
		_, err := ReadCheckpoint(filepath.Join(dir, "nope.gob"))
		assert.Error(t, err)
	})

	t.Run("unknown schema version", func(t *testing.T) {
		ckpt := BuildCheckpoint(m, opt, 1, 1)
		ckpt.SchemaVersion = 99
		path := filepath.Join(dir, "badschema.gob")
		require.NoError(t, WriteCheckpoint(path, ckpt))
		_, err := ReadCheckpoint(path)
		assert.ErrorContains(t, err, "schema version")
	})

	t.Run("unknown naming tag", func(t *testing.T) {
		ckpt := BuildCheckpoint(m, opt, 1, 1)
		ckpt.ParamNaming = "compiled-v2"
		path := filepath.Join(dir, "badnaming.gob")
		require.NoError(t, WriteCheckpoint(path, ckpt))
		_, err := ReadCheckpoint(path)
		assert.ErrorContains(t, err, "naming")
	})

	t.Run("config mismatch on restore", func(t *testing.T) {
		ckpt := BuildCheckpoint(m, opt, 1, 1)
		other := tinyModelConfig()
		other.NumLayers = 1
		m2, err := NewModel(other, 1)
		require.NoError(t, err)
		assert.Error(t, ckpt.Restore(m2, nil))
	})

	t.Run("missing parameter", func(t *testing.T) {
		ckpt := BuildCheckpoint(m, opt, 1, 1)
		delete(ckpt.Weights, "head.weight")
		m2, err := NewModel(m.Config, 1)
		require.NoError(t, err)
		assert.ErrorContains(t, ckpt.Restore(m2, nil), "missing parameter")
	})
}
