package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CheckpointLoadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "checkpoint_load_duration_seconds",
		Help:    "Wall time from open to fully staged checkpoint",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
	})

	CheckpointLoads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkpoint_loads_total",
		Help: "Successful checkpoint loads by staging mode",
	}, []string{"mode"})

	CheckpointLoadFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkpoint_load_failures_total",
		Help: "Failed checkpoint loads by error kind",
	}, []string{"kind"})

	CheckpointStagedBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "checkpoint_staged_bytes",
		Help: "Weight bytes staged by the most recent load",
	})

	CheckpointTensors = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "checkpoint_tensors",
		Help: "Tensor views produced by the most recent load",
	})

	NumericalInstability = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "numerical_instability_total",
		Help: "Total number of NaN/Inf values found in staged weights",
	}, []string{"tensor", "type"})

	ValidationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "validation_errors_total",
		Help: "Total number of validation errors",
	}, []string{"operation", "error_type"})

	SamplingTemperature = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sampling_temperature",
		Help:    "Resolved temperature of each run",
		Buckets: []float64{0, 0.1, 0.3, 0.5, 0.7, 1.0, 1.5, 2.0},
	})

	SamplingTopP = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sampling_top_p",
		Help:    "Resolved top-p of each run",
		Buckets: []float64{0.1, 0.3, 0.5, 0.7, 0.9, 0.95, 1.0},
	})

	RunSteps = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "run_steps",
		Help:    "Resolved step count of each run (0 means max_seq_len)",
		Buckets: []float64{0, 16, 64, 256, 1024, 4096},
	})
)

// RecordLoad records one successful checkpoint load.
func RecordLoad(mode string, duration time.Duration, stagedBytes, tensors int) {
	CheckpointLoads.WithLabelValues(mode).Inc()
	CheckpointLoadDuration.Observe(duration.Seconds())
	CheckpointStagedBytes.Set(float64(stagedBytes))
	CheckpointTensors.Set(float64(tensors))
}

func RecordNumericalInstability(name string, nanCount, infCount int) {
	if nanCount > 0 {
		NumericalInstability.WithLabelValues(name, "nan").Add(float64(nanCount))
	}
	if infCount > 0 {
		NumericalInstability.WithLabelValues(name, "inf").Add(float64(infCount))
	}
}

func RecordValidationError(operation, errorType string) {
	ValidationErrors.WithLabelValues(operation, errorType).Inc()
}

// RecordRunConfig records the sampling knobs a run resolved to.
func RecordRunConfig(temperature, topp float32, steps int) {
	SamplingTemperature.Observe(float64(temperature))
	SamplingTopP.Observe(float64(topp))
	RunSteps.Observe(float64(steps))
}
