package deltagpt

import (
	"context"
	"log"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTrainSetup(t *testing.T) (ModelConfig, TrainConfig, *Batches, *Batches) {
	t.Helper()
	dir := writeTestDataset(t)
	train, val, err := LoadCommandDataset(dir, 64, 8)
	require.NoError(t, err)

	mcfg := ModelConfig{
		VocabSize: 64,
		BlockSize: 8,
		NumLayers: 1,
		NumHeads:  2,
		EmbedDim:  8,
	}
	cfg := DefaultTrainConfig()
	cfg.BatchSize = 2
	cfg.MaxSteps = 4
	cfg.GradAccumSteps = 1
	cfg.WarmupSteps = 2
	cfg.DecaySteps = 4
	cfg.LogInterval = 1
	cfg.EvalInterval = 2
	cfg.EvalIters = 1
	cfg.CheckpointDir = t.TempDir()

	tb, err := NewBatches(train, cfg.BatchSize, 0, 1, cfg.Seed, true)
	require.NoError(t, err)
	vb, err := NewBatches(val, cfg.BatchSize, 0, 1, cfg.Seed, false)
	require.NoError(t, err)
	return mcfg, cfg, tb, vb
}

func quietLogger() *log.Logger {
	return log.New(nopWriter{}, "", 0)
}

func TestTrainerRunWritesCheckpoints(t *testing.T) {
	mcfg, cfg, tb, vb := testTrainSetup(t)
	tr, err := NewTrainer(mcfg, cfg, tb, vb, TrainerOpts{Logger: quietLogger()})
	require.NoError(t, err)

	require.NoError(t, tr.Run(context.Background()))
	assert.Equal(t, 4, tr.Step())
	assert.Less(t, tr.BestValLoss(), Inf32(1))

	// The first evaluation always improves on +Inf, so the step-2
	// checkpoint and its mirrors must exist; the final one is written
	// unconditionally.
	for _, path := range []string{
		CheckpointPath(cfg.CheckpointDir, 2),
		LatestCheckpointPath(cfg.CheckpointDir),
		BestCheckpointPath(cfg.CheckpointDir),
		FinalCheckpointPath(cfg.CheckpointDir),
	} {
		_, err := os.Stat(path)
		assert.NoErrorf(t, err, "expected checkpoint %s", path)
	}
}

func TestTrainerResume(t *testing.T) {
	mcfg, cfg, tb, vb := testTrainSetup(t)
	tr, err := NewTrainer(mcfg, cfg, tb, vb, TrainerOpts{Logger: quietLogger()})
	require.NoError(t, err)
	require.NoError(t, tr.Run(context.Background()))

	latest := LatestCheckpointPath(cfg.CheckpointDir)
	ckpt, err := ReadCheckpoint(latest)
	require.NoError(t, err)

	resumed := cfg
	resumed.InitFrom = "resume"
	resumed.ResumeCheckpoint = latest
	tr2, err := NewTrainer(mcfg, resumed, tb, vb, TrainerOpts{Logger: quietLogger()})
	require.NoError(t, err)

	assert.Equal(t, ckpt.Step, tr2.Step())
	assert.Equal(t, ckpt.BestValLoss, tr2.BestValLoss())
	assert.Equal(t, ckpt.Optimizer.Step, tr2.Opt.StepCount())

	// Restored weights match the checkpoint, not a fresh init.
	assert.Equal(t, ckpt.Weights["head.weight"], tr2.Model.Head.Data)

	// Resumption continues to MaxSteps and writes a final checkpoint.
	require.NoError(t, tr2.Run(context.Background()))
	assert.Equal(t, 4, tr2.Step())
}

func TestTrainerResumeFailsLoudly(t *testing.T) {
	mcfg, cfg, tb, vb := testTrainSetup(t)
	cfg.InitFrom = "resume"
	cfg.ResumeCheckpoint = cfg.CheckpointDir + "/does_not_exist.gob"
	_, err := NewTrainer(mcfg, cfg, tb, vb, TrainerOpts{Logger: quietLogger()})
	require.Error(t, err)
	assert.ErrorContains(t, err, "resume")
}

func TestTrainerLossDecreases(t *testing.T) {
	mcfg, cfg, tb, vb := testTrainSetup(t)
	cfg.MaxSteps = 30
	cfg.DecaySteps = 30
	cfg.EvalInterval = 0
	cfg.LearningRate = 1e-2
	tr, err := NewTrainer(mcfg, cfg, tb, vb, TrainerOpts{Logger: quietLogger()})
	require.NoError(t, err)

	first, _, _, err := tr.trainStep(cfg.BatchSize)
	require.NoError(t, err)
	require.NoError(t, tr.Run(context.Background()))

	last, _, _, err := tr.trainStep(cfg.BatchSize)
	require.NoError(t, err)
	assert.Less(t, last, first, "loss should fall on a tiny repetitive dataset")
}

func TestTrainerFloat16Smoke(t *testing.T) {
	mcfg, cfg, tb, vb := testTrainSetup(t)
	cfg.Precision = "float16"
	cfg.MaxSteps = 2
	cfg.EvalInterval = 0
	tr, err := NewTrainer(mcfg, cfg, tb, vb, TrainerOpts{Logger: quietLogger()})
	require.NoError(t, err)
	require.NotNil(t, tr.scaler)

	require.NoError(t, tr.Run(context.Background()))
	assert.Equal(t, 2, tr.Step())
	for _, p := range tr.Model.Params() {
		for _, w := range p.Data {
			require.False(t, IsNaN32(w))
		}
	}
}

func TestTrainerCancelledContext(t *testing.T) {
	mcfg, cfg, tb, vb := testTrainSetup(t)
	tr, err := NewTrainer(mcfg, cfg, tb, vb, TrainerOpts{Logger: quietLogger()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, tr.Run(ctx), context.Canceled)
	assert.Equal(t, 0, tr.Step())
}
