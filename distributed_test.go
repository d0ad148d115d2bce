package deltagpt

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSoloComm(t *testing.T) {
	var c SoloComm
	assert.Equal(t, 0, c.Rank())
	assert.Equal(t, 1, c.WorldSize())
	assert.NoError(t, c.Barrier())
	sum, err := c.ReduceSum(3.5)
	require.NoError(t, err)
	assert.Equal(t, 3.5, sum)
}

func TestLocalGroupAllReduceMean(t *testing.T) {
	const ws = 3
	comms := NewLocalGroup(ws)

	bufs := make([][]float32, ws)
	var wg sync.WaitGroup
	for r := 0; r < ws; r++ {
		bufs[r] = []float32{float32(r), float32(10 * r), -1}
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			require.NoError(t, comms[r].AllReduceMean(bufs[r]))
		}(r)
	}
	wg.Wait()

	for r := 0; r < ws; r++ {
		assert.InDeltaSlice(t, []float32{1, 10, -1}, bufs[r], 1e-6)
	}
}

func TestLocalGroupReduceSum(t *testing.T) {
	const ws = 4
	comms := NewLocalGroup(ws)

	results := make([]float64, ws)
	var wg sync.WaitGroup
	for r := 0; r < ws; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			sum, err := comms[r].ReduceSum(float64(r + 1))
			require.NoError(t, err)
			results[r] = sum
		}(r)
	}
	wg.Wait()

	assert.Equal(t, 10.0, results[0]) // 1+2+3+4 lands on rank 0
	for r := 1; r < ws; r++ {
		assert.Zero(t, results[r])
	}
}

func TestLocalGroupSequenceOfCollectives(t *testing.T) {
	const ws = 2
	comms := NewLocalGroup(ws)

	var wg sync.WaitGroup
	for r := 0; r < ws; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				buf := []float32{float32(r)}
				require.NoError(t, comms[r].AllReduceMean(buf))
				require.InDelta(t, 0.5, buf[0], 1e-6)
				require.NoError(t, comms[r].Barrier())
			}
		}(r)
	}
	wg.Wait()
}

func TestLocalGroupAbortUnblocksPeers(t *testing.T) {
	comms := NewLocalGroup(2)

	errCh := make(chan error, 1)
	go func() {
		// Rank 0 waits at a barrier rank 1 will never reach.
		errCh <- comms[0].Barrier()
	}()
	comms[1].Abort()
	assert.ErrorIs(t, <-errCh, ErrGroupAborted)

	// Later collectives fail fast instead of hanging.
	assert.ErrorIs(t, comms[0].Barrier(), ErrGroupAborted)
}

// Two data-parallel replicas start from the same weights and average
// gradients every step, so their models must agree at every step
// boundary.
func TestReplicasStayInAgreement(t *testing.T) {
	dir := writeTestDataset(t)
	train, val, err := LoadCommandDataset(dir, 64, 8)
	require.NoError(t, err)

	mcfg := tinyModelConfig()
	mcfg.VocabSize = 64
	mcfg.BlockSize = 8
	mcfg.NumLayers = 1

	cfg := DefaultTrainConfig()
	cfg.BatchSize = 1
	cfg.MaxSteps = 3
	cfg.GradAccumSteps = 2
	cfg.WarmupSteps = 1
	cfg.DecaySteps = 3
	cfg.LogInterval = 0
	cfg.EvalInterval = 0
	cfg.CheckpointDir = t.TempDir()

	const ws = 2
	comms := NewLocalGroup(ws)
	trainers := make([]*Trainer, ws)
	errs := make([]error, ws)
	var wg sync.WaitGroup
	for r := 0; r < ws; r++ {
		trainBatches, err := NewBatches(train, cfg.BatchSize, r, ws, cfg.Seed+int64(r), true)
		require.NoError(t, err)
		valBatches, err := NewBatches(val, cfg.BatchSize, r, ws, cfg.Seed, false)
		require.NoError(t, err)
		trainers[r], err = NewTrainer(mcfg, cfg, trainBatches, valBatches, TrainerOpts{Comm: comms[r]})
		require.NoError(t, err)

		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			errs[r] = trainers[r].Run(context.Background())
		}(r)
	}
	wg.Wait()
	for r := 0; r < ws; r++ {
		require.NoError(t, errs[r])
	}

	p0 := trainers[0].Model.Params()
	p1 := trainers[1].Model.Params()
	require.Equal(t, len(p0), len(p1))
	for i := range p0 {
		require.Equal(t, p0[i].Name, p1[i].Name)
		for j := range p0[i].Data {
			require.InDeltaf(t, p0[i].Data[j], p1[i].Data[j], 1e-6,
				"parameter %s diverged at element %d", p0[i].Name, j)
		}
	}
}

func TestTrainerHalvesAccumulationAcrossReplicas(t *testing.T) {
	dir := writeTestDataset(t)
	train, val, err := LoadCommandDataset(dir, 64, 8)
	require.NoError(t, err)

	mcfg := tinyModelConfig()
	mcfg.VocabSize = 64
	mcfg.BlockSize = 8

	cfg := DefaultTrainConfig()
	cfg.BatchSize = 1
	cfg.MaxSteps = 1
	cfg.GradAccumSteps = 4
	cfg.CheckpointDir = t.TempDir()

	comms := NewLocalGroup(2)
	tb, err := NewBatches(train, 1, 0, 2, 1, true)
	require.NoError(t, err)
	vb, err := NewBatches(val, 1, 0, 2, 1, false)
	require.NoError(t, err)
	tr, err := NewTrainer(mcfg, cfg, tb, vb, TrainerOpts{Comm: comms[0]})
	require.NoError(t, err)
	assert.Equal(t, 2, tr.Cfg.GradAccumSteps)
}

func TestRunDistributedDatasetFailure(t *testing.T) {
	cfg := DefaultTrainConfig()
	cfg.CheckpointDir = t.TempDir()
	err := RunDistributed(context.Background(), tinyModelConfig(), cfg,
		DistributedConfig{WorldSize: 2}, t.TempDir(), nil, nil)
	assert.ErrorContains(t, err, "no tokenized_")
}
