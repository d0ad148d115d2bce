package deltagpt

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

// CLI flag variables
var (
	flagDataDir     string
	flagConfigFile  string
	flagModelSize   string
	flagCheckpoints string
	flagBatchSize   int
	flagMaxSteps    int
	flagAccumSteps  int
	flagLR          float64
	flagPrecision   string
	flagResume      string
	flagWorldSize   int
	flagSeed        int64
	flagMetricsAddr string

	flagMaxNewTokens int
	flagTemperature  float64
	flagTopK         int
	flagTopP         float64
)

var rootCmd = &cobra.Command{
	Use:   "deltagpt",
	Short: "Train and sample transformer models over tokenized shell commands",
	Long: `deltagpt trains small GPT-style models that predict the next token of a
shell command. It reads tokenized_*.bin datasets, trains on CPU (optionally
data-parallel across in-process replicas) and samples continuations from
saved checkpoints.`,
	SilenceUsage: true,
}

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train a command model",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := DefaultTrainConfig()
		if flagConfigFile != "" {
			var err error
			cfg, err = LoadTrainConfig(flagConfigFile)
			if err != nil {
				return err
			}
		}
		// Flags set on the command line override the config file.
		if cmd.Flags().Changed("batch-size") {
			cfg.BatchSize = flagBatchSize
		}
		if cmd.Flags().Changed("max-steps") {
			cfg.MaxSteps = flagMaxSteps
			cfg.DecaySteps = flagMaxSteps
		}
		if cmd.Flags().Changed("accum-steps") {
			cfg.GradAccumSteps = flagAccumSteps
		}
		if cmd.Flags().Changed("lr") {
			cfg.LearningRate = flagLR
		}
		if cmd.Flags().Changed("precision") {
			cfg.Precision = flagPrecision
		}
		if cmd.Flags().Changed("seed") {
			cfg.Seed = flagSeed
		}
		cfg.CheckpointDir = flagCheckpoints
		if flagResume != "" {
			cfg.InitFrom = "resume"
			cfg.ResumeCheckpoint = flagResume
		}
		mcfg, err := ModelConfigForSize(flagModelSize)
		if err != nil {
			return err
		}

		logger := log.New(os.Stderr, "", log.LstdFlags)
		var sink Sink = NopSink{}
		if flagMetricsAddr != "" {
			reg := prometheus.NewRegistry()
			sink = NewPromSink(reg)
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			go func() {
				if err := http.ListenAndServe(flagMetricsAddr, mux); err != nil {
					logger.Printf("metrics server: %v", err)
				}
			}()
		}

		dist := DistributedConfig{WorldSize: flagWorldSize}
		return RunDistributed(cmd.Context(), mcfg, cfg, dist, flagDataDir, sink, logger)
	},
}

var generateCmd = &cobra.Command{
	Use:   "generate [prompt tokens...]",
	Short: "Sample a command continuation from a checkpoint",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ckpt, err := ReadCheckpoint(flagResume)
		if err != nil {
			return err
		}
		model, err := NewModel(ckpt.Model, flagSeed)
		if err != nil {
			return err
		}
		if err := ckpt.Restore(model, nil); err != nil {
			return err
		}

		tok := NewHashTokenizer(ckpt.Model.VocabSize)
		ctx := make([]int32, len(args))
		for i, a := range args {
			ctx[i] = tok.TokenID(a)
		}
		out, err := model.Generate(ctx, flagMaxNewTokens, SampleConfig{
			Temperature: float32(flagTemperature),
			TopK:        flagTopK,
			TopP:        float32(flagTopP),
		})
		if err != nil {
			return err
		}

		ids := make([]string, len(out))
		for i, id := range out {
			ids[i] = fmt.Sprint(id)
		}
		fmt.Fprintln(cmd.OutOrStdout(), strings.Join(ids, " "))
		return nil
	},
}

// InitializeCommand wires the CLI and runs it.
func InitializeCommand() {
	trainCmd.Flags().StringVar(&flagDataDir, "data", "./data", "directory holding tokenized_*.bin files")
	trainCmd.Flags().StringVar(&flagConfigFile, "config", "", "YAML training config (flags override it)")
	trainCmd.Flags().StringVar(&flagModelSize, "model-size", "small", "model preset: small, medium or large")
	trainCmd.Flags().StringVar(&flagCheckpoints, "out", "./checkpoints", "checkpoint output directory")
	trainCmd.Flags().IntVar(&flagBatchSize, "batch-size", 64, "per-replica batch size")
	trainCmd.Flags().IntVar(&flagMaxSteps, "max-steps", 30000, "optimizer steps to run")
	trainCmd.Flags().IntVar(&flagAccumSteps, "accum-steps", 1, "gradient accumulation steps")
	trainCmd.Flags().Float64Var(&flagLR, "lr", 3e-4, "base learning rate")
	trainCmd.Flags().StringVar(&flagPrecision, "precision", "float32", "float32 or float16")
	trainCmd.Flags().StringVar(&flagResume, "resume", "", "checkpoint to resume from")
	trainCmd.Flags().IntVar(&flagWorldSize, "world-size", 1, "number of in-process data-parallel replicas")
	trainCmd.Flags().Int64Var(&flagSeed, "seed", 1337, "random seed")
	trainCmd.Flags().StringVar(&flagMetricsAddr, "metrics-addr", "", "address to serve Prometheus metrics on (empty disables)")

	generateCmd.Flags().StringVar(&flagResume, "checkpoint", "checkpoints/checkpoint_best.gob", "checkpoint to sample from")
	generateCmd.Flags().IntVar(&flagMaxNewTokens, "max-new-tokens", 32, "tokens to generate")
	generateCmd.Flags().Float64Var(&flagTemperature, "temperature", 1.0, "sampling temperature")
	generateCmd.Flags().IntVar(&flagTopK, "top-k", 0, "keep only the k most likely tokens (0 disables)")
	generateCmd.Flags().Float64Var(&flagTopP, "top-p", 0, "nucleus sampling threshold (0 disables)")
	generateCmd.Flags().Int64Var(&flagSeed, "seed", 1337, "random seed")

	rootCmd.AddCommand(trainCmd)
	rootCmd.AddCommand(generateCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
