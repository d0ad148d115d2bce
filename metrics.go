package deltagpt

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Sink receives training telemetry. Implementations must be cheap:
// the trainer reports on its hot path.
type Sink interface {
	ObserveStep(step int, loss float32, lr float64, gradNorm float64)
	ObserveEval(step int, valLoss float32)
	CheckpointWritten(kind string)
	StepSkipped()
}

// NopSink drops everything; the default for library use and for every
// non-zero rank in a distributed run.
type NopSink struct{}

func (NopSink) ObserveStep(int, float32, float64, float64) {}
func (NopSink) ObserveEval(int, float32)                   {}
func (NopSink) CheckpointWritten(string)                   {}
func (NopSink) StepSkipped()                               {}

// PromSink exports training progress as Prometheus metrics.
type PromSink struct {
	step        prometheus.Gauge
	trainLoss   prometheus.Gauge
	valLoss     prometheus.Gauge
	lr          prometheus.Gauge
	gradNorm    prometheus.Gauge
	checkpoints *prometheus.CounterVec
	skipped     prometheus.Counter
}

// NewPromSink registers the training metrics on reg.
func NewPromSink(reg prometheus.Registerer) *PromSink {
	f := promauto.With(reg)
	return &PromSink{
		step: f.NewGauge(prometheus.GaugeOpts{
			Name: "deltagpt_train_step",
			Help: "Current optimizer step.",
		}),
		trainLoss: f.NewGauge(prometheus.GaugeOpts{
			Name: "deltagpt_train_loss",
			Help: "Most recent training loss.",
		}),
		valLoss: f.NewGauge(prometheus.GaugeOpts{
			Name: "deltagpt_val_loss",
			Help: "Most recent validation loss.",
		}),
		lr: f.NewGauge(prometheus.GaugeOpts{
			Name: "deltagpt_learning_rate",
			Help: "Learning rate applied at the last step.",
		}),
		gradNorm: f.NewGauge(prometheus.GaugeOpts{
			Name: "deltagpt_grad_norm",
			Help: "Pre-clip global gradient norm at the last step.",
		}),
		checkpoints: f.NewCounterVec(prometheus.CounterOpts{
			Name: "deltagpt_checkpoints_written_total",
			Help: "Checkpoints written, by kind.",
		}, []string{"kind"}),
		skipped: f.NewCounter(prometheus.CounterOpts{
			Name: "deltagpt_steps_skipped_total",
			Help: "Optimizer steps skipped due to gradient overflow.",
		}),
	}
}

func (s *PromSink) ObserveStep(step int, loss float32, lr float64, gradNorm float64) {
	s.step.Set(float64(step))
	s.trainLoss.Set(float64(loss))
	s.lr.Set(lr)
	s.gradNorm.Set(gradNorm)
}

func (s *PromSink) ObserveEval(step int, valLoss float32) {
	s.valLoss.Set(float64(valLoss))
}

func (s *PromSink) CheckpointWritten(kind string) {
	s.checkpoints.WithLabelValues(kind).Inc()
}

func (s *PromSink) StepSkipped() {
	s.skipped.Inc()
}
