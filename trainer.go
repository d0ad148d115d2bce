package deltagpt

import (
	"context"
	"fmt"
	"log"
	"time"
)

// TrainerOpts carries the optional collaborators of a Trainer. Zero
// values mean single-process, no telemetry, default logger.
type TrainerOpts struct {
	Comm   Communicator
	Sink   Sink
	Logger *log.Logger
}

// Trainer drives the optimization loop: gradient accumulation,
// cross-replica averaging, loss scaling, clipping, the optimizer
// step, periodic evaluation and checkpointing. One Trainer belongs to
// one replica; in a distributed run every replica runs its own and
// they meet at the communicator's collectives.
type Trainer struct {
	Cfg   TrainConfig
	Model *Model
	Opt   *AdamW
	Sched LRSchedule

	comm   Communicator
	scaler *GradScaler
	sink   Sink
	logger *log.Logger

	train *Batches
	val   *Batches

	step        int
	bestValLoss float32
}

// NewTrainer builds a replica's trainer. The configured accumulation
// factor is divided by world size (floor one) so the effective batch
// size stays fixed as replicas are added, and the model's dropout seed
// is offset by rank so replicas draw distinct masks. With
// InitFrom == "resume" the named checkpoint must load; any failure is
// returned rather than silently starting over.
func NewTrainer(mcfg ModelConfig, cfg TrainConfig, train, val *Batches, opts TrainerOpts) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	comm := opts.Comm
	if comm == nil {
		comm = SoloComm{}
	}
	sink := opts.Sink
	if sink == nil {
		sink = NopSink{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	if ws := comm.WorldSize(); ws > 1 {
		cfg.GradAccumSteps /= ws
		if cfg.GradAccumSteps < 1 {
			cfg.GradAccumSteps = 1
		}
	}

	model, err := NewModel(mcfg, cfg.Seed)
	if err != nil {
		return nil, err
	}
	// Replicas must start from identical weights; only the dropout
	// stream differs per rank.
	model.ReseedDropout(cfg.Seed + int64(comm.Rank()))
	var scaler *GradScaler
	if cfg.Precision == "float16" {
		model.SetHalfPrecisionActivations(true)
		scaler = NewGradScaler()
	}

	groups, err := PartitionParams(model.Params())
	if err != nil {
		return nil, err
	}
	opt := NewAdamW(groups, cfg.LearningRate, cfg.WeightDecay, cfg.Beta1, cfg.Beta2)

	t := &Trainer{
		Cfg:   cfg,
		Model: model,
		Opt:   opt,
		Sched: LRSchedule{
			WarmupSteps: cfg.WarmupSteps,
			DecaySteps:  cfg.DecaySteps,
			MinRatio:    cfg.MinLRRatio,
		},
		comm:        comm,
		scaler:      scaler,
		sink:        sink,
		logger:      logger,
		train:       train,
		val:         val,
		bestValLoss: Inf32(1),
	}

	if cfg.InitFrom == "resume" {
		ckpt, err := ReadCheckpoint(cfg.ResumeCheckpoint)
		if err != nil {
			return nil, fmt.Errorf("resume: %w", err)
		}
		if err := ckpt.Restore(model, opt); err != nil {
			return nil, fmt.Errorf("resume: %w", err)
		}
		t.step = ckpt.Step
		t.bestValLoss = ckpt.BestValLoss
	}
	return t, nil
}

// Step reports the number of completed optimizer steps.
func (t *Trainer) Step() int { return t.step }

// BestValLoss reports the lowest validation loss seen so far.
func (t *Trainer) BestValLoss() float32 { return t.bestValLoss }

func (t *Trainer) mainProcess() bool { return t.comm.Rank() == 0 }

// Run trains until Cfg.MaxSteps optimizer steps have completed or ctx
// is cancelled. It is a collective call: in a distributed run every
// replica must enter it.
func (t *Trainer) Run(ctx context.Context) error {
	B := t.Cfg.BatchSize
	start := time.Now()
	for t.step < t.Cfg.MaxSteps {
		if err := ctx.Err(); err != nil {
			t.comm.Abort()
			return err
		}

		loss, gradNorm, applied, err := t.trainStep(B)
		if err != nil {
			t.comm.Abort()
			return err
		}
		t.step++
		if !applied {
			t.sink.StepSkipped()
			if t.mainProcess() {
				t.logger.Printf("step %d: gradient overflow, step skipped (scale now %g)", t.step, t.scaler.Scale)
			}
			continue
		}

		lr := t.Sched.LR(t.Cfg.LearningRate, t.step)
		t.sink.ObserveStep(t.step, loss, lr, gradNorm)
		if t.mainProcess() && t.Cfg.LogInterval > 0 && t.step%t.Cfg.LogInterval == 0 {
			t.logger.Printf("step %4d | loss %.4f | lr %.3e | grad norm %.3f | %s",
				t.step, loss, lr, gradNorm, time.Since(start).Round(time.Millisecond))
		}

		if t.Cfg.EvalInterval > 0 && t.step%t.Cfg.EvalInterval == 0 {
			if err := t.evalAndCheckpoint(); err != nil {
				t.comm.Abort()
				return err
			}
		}
	}
	return t.finish()
}

// trainStep runs one optimizer step: GradAccumSteps micro-batches of
// forward/backward with the loss scaled down by the accumulation
// factor (and up by the loss scale), cross-replica gradient
// averaging, unscale/overflow check, clip, step. The returned loss is
// this replica's mean micro-batch loss; applied is false when the
// scaler rejected the step.
func (t *Trainer) trainStep(B int) (loss float32, gradNorm float64, applied bool, err error) {
	t.Model.SetTraining(true)
	t.Model.ZeroGrad()

	accum := t.Cfg.GradAccumSteps
	lossScale := float32(1.0)
	if t.scaler != nil {
		lossScale = float32(t.scaler.Scale)
	}

	var lossAccum float32
	for micro := 0; micro < accum; micro++ {
		x, y, T := t.train.Next()
		_, microLoss, err := t.Model.Forward(x, y, B, T)
		if err != nil {
			return 0, 0, false, err
		}
		lossAccum += microLoss / float32(accum)
		if err := t.Model.Backward(lossScale / float32(accum)); err != nil {
			return 0, 0, false, err
		}
	}

	params := t.Opt.AllParams()
	if t.comm.WorldSize() > 1 {
		for _, p := range params {
			if err := t.comm.AllReduceMean(p.Grad); err != nil {
				return 0, 0, false, err
			}
		}
	}

	if t.scaler != nil {
		t.scaler.Unscale(params)
		if !t.scaler.Update(params) {
			return lossAccum, 0, false, nil
		}
	}
	if t.Cfg.GradClip > 0 {
		gradNorm = clipGradients(params, t.Cfg.GradClip)
	} else {
		gradNorm = gradGlobalNorm(params)
	}
	t.Opt.Step(t.Sched.LR(t.Cfg.LearningRate, t.step+1))
	return lossAccum, gradNorm, true, nil
}

// Evaluate runs EvalIters validation batches with dropout off and
// returns the mean loss across all replicas' batches. Only rank 0
// receives the true mean; other ranks get zero.
func (t *Trainer) Evaluate() (float32, error) {
	t.Model.SetTraining(false)
	defer t.Model.SetTraining(true)

	B := t.Cfg.BatchSize
	var localSum float64
	for i := 0; i < t.Cfg.EvalIters; i++ {
		x, y, T := t.val.Next()
		_, loss, err := t.Model.Forward(x, y, B, T)
		if err != nil {
			return 0, err
		}
		localSum += float64(loss)
	}
	total, err := t.comm.ReduceSum(localSum)
	if err != nil {
		return 0, err
	}
	if !t.mainProcess() {
		return 0, nil
	}
	return float32(total / float64(t.comm.WorldSize()*t.Cfg.EvalIters)), nil
}

// evalAndCheckpoint evaluates, then has rank 0 persist the state when
// validation improved: a step-stamped file plus the latest/best
// mirrors. Peers wait at a barrier so nobody races ahead while the
// files are still being written.
func (t *Trainer) evalAndCheckpoint() error {
	valLoss, err := t.Evaluate()
	if err != nil {
		return err
	}
	if t.mainProcess() {
		t.logger.Printf("step %4d | val loss %.4f", t.step, valLoss)
		t.sink.ObserveEval(t.step, valLoss)

		// Checkpoints are written only when validation improves; the
		// final checkpoint at loop end is unconditional.
		if valLoss < t.bestValLoss {
			t.bestValLoss = valLoss
			ckpt := BuildCheckpoint(t.Model, t.Opt, t.step, t.bestValLoss)
			dir := t.Cfg.CheckpointDir
			if err := WriteCheckpoint(CheckpointPath(dir, t.step), ckpt); err != nil {
				return err
			}
			t.sink.CheckpointWritten("step")
			if err := WriteCheckpoint(LatestCheckpointPath(dir), ckpt); err != nil {
				return err
			}
			t.sink.CheckpointWritten("latest")
			if err := WriteCheckpoint(BestCheckpointPath(dir), ckpt); err != nil {
				return err
			}
			t.sink.CheckpointWritten("best")
		}
	}
	return t.comm.Barrier()
}

// finish writes the final checkpoint on rank 0 and synchronizes the
// group one last time.
func (t *Trainer) finish() error {
	if t.mainProcess() {
		ckpt := BuildCheckpoint(t.Model, t.Opt, t.step, t.bestValLoss)
		if err := WriteCheckpoint(FinalCheckpointPath(t.Cfg.CheckpointDir), ckpt); err != nil {
			return err
		}
		t.sink.CheckpointWritten("final")
		if t.scaler != nil && t.scaler.SkippedSteps() > 0 {
			t.logger.Printf("training done: %d steps skipped on overflow", t.scaler.SkippedSteps())
		}
	}
	return t.comm.Barrier()
}
