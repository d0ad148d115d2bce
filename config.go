package deltagpt

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ModelConfig fixes the architecture of a command model. It is
// immutable once a Model has been constructed from it.
type ModelConfig struct {
	VocabSize int     `yaml:"vocab_size"`
	BlockSize int     `yaml:"block_size"` // maximum context length
	NumLayers int     `yaml:"num_layers"`
	NumHeads  int     `yaml:"num_heads"`
	EmbedDim  int     `yaml:"embed_dim"`
	Dropout   float32 `yaml:"dropout"`
	Bias      bool    `yaml:"bias"` // biases in linears and layernorms, GPT-2 style
}

// DefaultModelConfig returns the small preset.
func DefaultModelConfig() ModelConfig {
	return ModelConfig{
		VocabSize: 10000,
		BlockSize: 256,
		NumLayers: 6,
		NumHeads:  8,
		EmbedDim:  384,
		Dropout:   0.1,
		Bias:      false,
	}
}

// ModelConfigForSize maps the size selector exposed on the command line
// to a layer/head/width preset. Unknown sizes are an error.
func ModelConfigForSize(size string) (ModelConfig, error) {
	cfg := DefaultModelConfig()
	switch size {
	case "small":
		cfg.NumLayers, cfg.NumHeads, cfg.EmbedDim = 6, 8, 384
	case "medium":
		cfg.NumLayers, cfg.NumHeads, cfg.EmbedDim = 8, 12, 512
	case "large":
		cfg.NumLayers, cfg.NumHeads, cfg.EmbedDim = 12, 16, 768
	default:
		return ModelConfig{}, fmt.Errorf("unknown model size %q (want small, medium or large)", size)
	}
	return cfg, nil
}

// Validate checks the architectural invariants. Embedding width must
// split evenly across heads; everything else just has to be positive.
func (c ModelConfig) Validate() error {
	if c.VocabSize <= 0 || c.BlockSize <= 0 || c.NumLayers <= 0 || c.NumHeads <= 0 || c.EmbedDim <= 0 {
		return fmt.Errorf("model config: all sizes must be positive, got %+v", c)
	}
	if c.EmbedDim%c.NumHeads != 0 {
		return fmt.Errorf("model config: embed dim %d not divisible by %d heads", c.EmbedDim, c.NumHeads)
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		return fmt.Errorf("model config: dropout %v outside [0,1)", c.Dropout)
	}
	return nil
}

// TrainConfig holds the optimization hyperparameters. Fields are fixed
// at startup and read-only during training, except GradAccumSteps,
// which distributed setup rescales once by world size.
type TrainConfig struct {
	LearningRate float64 `yaml:"learning_rate"`
	WeightDecay  float64 `yaml:"weight_decay"`
	Beta1        float64 `yaml:"beta1"`
	Beta2        float64 `yaml:"beta2"`

	// Precision selects the arithmetic mode: "float32" or "float16".
	// float16 rounds activations through half precision and turns on
	// dynamic loss scaling.
	Precision string `yaml:"precision"`

	BatchSize   int `yaml:"batch_size"`
	MaxSteps    int `yaml:"max_steps"`
	WarmupSteps int `yaml:"warmup_steps"`
	DecaySteps  int `yaml:"decay_steps"`

	// MinLRRatio is the floor of the cosine schedule as a fraction of
	// LearningRate, not an absolute rate: 0.1 means the schedule decays
	// to a tenth of the base rate.
	MinLRRatio float64 `yaml:"min_lr_ratio"`

	GradClip       float64 `yaml:"grad_clip"` // 0 disables clipping
	GradAccumSteps int     `yaml:"grad_accum_steps"`

	LogInterval  int `yaml:"log_interval"`
	EvalInterval int `yaml:"eval_interval"`
	EvalIters    int `yaml:"eval_iters"`

	CheckpointDir string `yaml:"checkpoint_dir"`

	// InitFrom is "scratch" or "resume". Resume requires
	// ResumeCheckpoint and fails loudly if the checkpoint cannot be
	// loaded; scratch is the only way to start over.
	InitFrom         string `yaml:"init_from"`
	ResumeCheckpoint string `yaml:"resume_checkpoint"`

	Seed int64 `yaml:"seed"`
}

// DefaultTrainConfig mirrors the hyperparameters the command model was
// tuned with.
func DefaultTrainConfig() TrainConfig {
	return TrainConfig{
		LearningRate:   3e-4,
		WeightDecay:    1e-1,
		Beta1:          0.9,
		Beta2:          0.95,
		Precision:      "float32",
		BatchSize:      64,
		MaxSteps:       30000,
		WarmupSteps:    1000,
		DecaySteps:     30000,
		MinLRRatio:     0.1,
		GradClip:       1.0,
		GradAccumSteps: 1,
		LogInterval:    10,
		EvalInterval:   100,
		EvalIters:      20,
		CheckpointDir:  "./checkpoints",
		InitFrom:       "scratch",
		Seed:           1337,
	}
}

// LoadTrainConfig layers a YAML file over the defaults. Unknown keys
// are rejected so a typo'd field name never silently trains with a
// default.
func LoadTrainConfig(path string) (TrainConfig, error) {
	cfg := DefaultTrainConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		return TrainConfig{}, fmt.Errorf("read train config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return TrainConfig{}, fmt.Errorf("parse train config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return TrainConfig{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the trainer cannot run with.
func (c TrainConfig) Validate() error {
	if c.LearningRate <= 0 {
		return fmt.Errorf("train config: learning rate must be positive, got %v", c.LearningRate)
	}
	if c.BatchSize <= 0 || c.MaxSteps <= 0 || c.GradAccumSteps <= 0 {
		return fmt.Errorf("train config: batch size, max steps and grad accum steps must be positive")
	}
	if c.MinLRRatio < 0 || c.MinLRRatio > 1 {
		return fmt.Errorf("train config: min lr ratio %v outside [0,1]", c.MinLRRatio)
	}
	switch c.Precision {
	case "float32", "float16":
	default:
		return fmt.Errorf("train config: unknown precision %q", c.Precision)
	}
	switch c.InitFrom {
	case "scratch", "resume":
	default:
		return fmt.Errorf("train config: init_from must be scratch or resume, got %q", c.InitFrom)
	}
	if c.InitFrom == "resume" && c.ResumeCheckpoint == "" {
		return fmt.Errorf("train config: init_from resume needs resume_checkpoint")
	}
	return nil
}

// EffectiveBatchSize is tokens-per-update in sequence units:
// per-replica batch size times world size times accumulation factor.
func (c TrainConfig) EffectiveBatchSize(worldSize int) int {
	return c.BatchSize * worldSize * c.GradAccumSteps
}

// DistributedConfig describes this replica's place in a training
// group. It is passed explicitly at trainer construction; the zero
// value is single-process mode. The core never probes the environment
// for it — translating launcher variables into one of these is the
// CLI's job.
type DistributedConfig struct {
	WorldSize int
	Rank      int
	LocalRank int
}

// Single reports whether the configuration describes a lone process.
func (d DistributedConfig) Single() bool { return d.WorldSize <= 1 }

// MainProcess reports whether this replica holds the coordination rank
// responsible for logging and checkpoint I/O.
func (d DistributedConfig) MainProcess() bool { return d.Rank == 0 }

func (d DistributedConfig) Validate() error {
	if d.Single() {
		return nil
	}
	if d.Rank < 0 || d.Rank >= d.WorldSize {
		return fmt.Errorf("distributed config: rank %d outside world of %d", d.Rank, d.WorldSize)
	}
	return nil
}
