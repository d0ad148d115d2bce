package deltagpt

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
)

// ErrGroupAborted is returned from collective calls after any member
// tears the group down, so no replica is left blocked on a peer that
// already failed.
var ErrGroupAborted = errors.New("process group aborted")

// Communicator is the collective surface data-parallel training
// needs: gradient averaging across replicas, loss summation onto the
// main rank and a plain barrier. Calls are collective: every member
// of the group must make the same call in the same order.
type Communicator interface {
	Rank() int
	WorldSize() int

	// AllReduceMean replaces buf on every rank with the elementwise
	// mean of all ranks' buffers.
	AllReduceMean(buf []float32) error

	// ReduceSum returns the sum of every rank's local value on rank 0;
	// other ranks receive zero.
	ReduceSum(local float64) (float64, error)

	Barrier() error

	// Abort marks the group as failed and unblocks every pending
	// collective with ErrGroupAborted.
	Abort()
}

// SoloComm is the single-process communicator: world of one, every
// collective a no-op.
type SoloComm struct{}

func (SoloComm) Rank() int                            { return 0 }
func (SoloComm) WorldSize() int                       { return 1 }
func (SoloComm) AllReduceMean([]float32) error        { return nil }
func (SoloComm) ReduceSum(v float64) (float64, error) { return v, nil }
func (SoloComm) Barrier() error                       { return nil }
func (SoloComm) Abort()                               {}

// localHub is the shared rendezvous point for an in-process group.
// Collectives are bulk-synchronous: every member deposits its
// contribution, the last arrival performs the reduction in place and
// flips the phase, and everyone proceeds together.
type localHub struct {
	worldSize int

	mu      sync.Mutex
	cond    *sync.Cond
	arrived int
	phase   uint64
	aborted bool

	bufs    [][]float32
	sums    []float64
	reduced float64
}

// localComm is one replica's handle on a localHub.
type localComm struct {
	hub  *localHub
	rank int
}

// NewLocalGroup builds an in-process group of worldSize replicas and
// returns one communicator per rank. Each replica is expected to run
// on its own goroutine; collectives are the only points where they
// block on each other.
func NewLocalGroup(worldSize int) []Communicator {
	hub := &localHub{
		worldSize: worldSize,
		bufs:      make([][]float32, worldSize),
		sums:      make([]float64, worldSize),
	}
	hub.cond = sync.NewCond(&hub.mu)
	comms := make([]Communicator, worldSize)
	for r := 0; r < worldSize; r++ {
		comms[r] = &localComm{hub: hub, rank: r}
	}
	return comms
}

func (c *localComm) Rank() int      { return c.rank }
func (c *localComm) WorldSize() int { return c.hub.worldSize }

// rendezvous blocks until all members have arrived for the current
// collective. The last arrival runs reduce while holding the lock,
// then releases everyone.
func (h *localHub) rendezvous(reduce func()) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.aborted {
		return ErrGroupAborted
	}
	phase := h.phase
	h.arrived++
	if h.arrived == h.worldSize {
		if reduce != nil {
			reduce()
		}
		h.arrived = 0
		h.phase++
		h.cond.Broadcast()
		return nil
	}
	for h.phase == phase && !h.aborted {
		h.cond.Wait()
	}
	if h.aborted {
		return ErrGroupAborted
	}
	return nil
}

func (c *localComm) AllReduceMean(buf []float32) error {
	h := c.hub
	h.mu.Lock()
	h.bufs[c.rank] = buf
	h.mu.Unlock()
	return h.rendezvous(func() {
		n := len(h.bufs[0])
		for i := 0; i < n; i++ {
			var s float64
			for r := 0; r < h.worldSize; r++ {
				s += float64(h.bufs[r][i])
			}
			v := float32(s / float64(h.worldSize))
			for r := 0; r < h.worldSize; r++ {
				h.bufs[r][i] = v
			}
		}
	})
}

func (c *localComm) ReduceSum(local float64) (float64, error) {
	h := c.hub
	h.mu.Lock()
	h.sums[c.rank] = local
	h.mu.Unlock()
	err := h.rendezvous(func() {
		var total float64
		for r := 0; r < h.worldSize; r++ {
			total += h.sums[r]
		}
		h.reduced = total
	})
	if err != nil {
		return 0, err
	}
	if c.rank != 0 {
		return 0, nil
	}
	h.mu.Lock()
	total := h.reduced
	h.mu.Unlock()
	return total, nil
}

func (c *localComm) Barrier() error {
	return c.hub.rendezvous(nil)
}

func (c *localComm) Abort() {
	h := c.hub
	h.mu.Lock()
	h.aborted = true
	h.cond.Broadcast()
	h.mu.Unlock()
}

// RunDistributed trains data-parallel across dist.WorldSize in-process
// replicas. Every replica gets its own model, optimizer and shard of
// the data; gradients are averaged through a local group after every
// accumulation window, so all replicas hold identical weights at every
// step boundary. Rank 0 owns logging, the metric sink and checkpoint
// files. Any replica failure tears the group down so the others return
// instead of blocking at the next collective.
func RunDistributed(ctx context.Context, mcfg ModelConfig, cfg TrainConfig, dist DistributedConfig, dataDir string, sink Sink, logger *log.Logger) error {
	if err := dist.Validate(); err != nil {
		return err
	}
	if logger == nil {
		logger = log.Default()
	}
	worldSize := dist.WorldSize
	if worldSize < 1 {
		worldSize = 1
	}

	train, val, err := LoadCommandDataset(dataDir, mcfg.VocabSize, mcfg.BlockSize)
	if err != nil {
		logger.Printf("dataset load failed: %v", err)
		return err
	}
	logger.Printf("dataset: %d train / %d val sequences, world size %d, effective batch size %d",
		train.Len(), val.Len(), worldSize, cfg.EffectiveBatchSize(worldSize))

	comms := NewLocalGroup(worldSize)
	errs := make([]error, worldSize)
	var wg sync.WaitGroup
	for rank := 0; rank < worldSize; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			errs[rank] = runReplica(ctx, mcfg, cfg, train, val, comms[rank], sink, logger)
			if errs[rank] != nil {
				comms[rank].Abort()
			}
		}(rank)
	}
	wg.Wait()

	for rank, err := range errs {
		if err != nil && !errors.Is(err, ErrGroupAborted) {
			return fmt.Errorf("rank %d: %w", rank, err)
		}
	}
	for rank, err := range errs {
		if err != nil {
			return fmt.Errorf("rank %d: %w", rank, err)
		}
	}
	return nil
}

// runReplica is one rank's life: build sharded loaders, construct the
// trainer, run the loop.
func runReplica(ctx context.Context, mcfg ModelConfig, cfg TrainConfig, train, val *CommandDataset, comm Communicator, sink Sink, logger *log.Logger) error {
	rank, ws := comm.Rank(), comm.WorldSize()
	trainBatches, err := NewBatches(train, cfg.BatchSize, rank, ws, cfg.Seed+int64(rank), true)
	if err != nil {
		logger.Printf("rank %d: train loader: %v", rank, err)
		return err
	}
	valBatches, err := NewBatches(val, cfg.BatchSize, rank, ws, cfg.Seed, false)
	if err != nil {
		logger.Printf("rank %d: val loader: %v", rank, err)
		return err
	}

	opts := TrainerOpts{Comm: comm}
	if rank == 0 {
		opts.Sink = sink
		opts.Logger = logger
	} else {
		opts.Logger = log.New(nopWriter{}, "", 0)
	}
	t, err := NewTrainer(mcfg, cfg, trainBatches, valBatches, opts)
	if err != nil {
		logger.Printf("rank %d: trainer: %v", rank, err)
		return err
	}
	if rank == 0 {
		logger.Printf("model: %d parameters", t.Model.NumParams())
	}
	return t.Run(ctx)
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }
