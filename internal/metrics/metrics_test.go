package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordLoad(t *testing.T) {
	before := testutil.ToFloat64(CheckpointLoads.WithLabelValues("mmap"))

	RecordLoad("mmap", 20*time.Millisecond, 4096, 12)

	if got := testutil.ToFloat64(CheckpointLoads.WithLabelValues("mmap")); got != before+1 {
		t.Errorf("loads{mode=mmap} = %v, want %v", got, before+1)
	}
	if got := testutil.ToFloat64(CheckpointStagedBytes); got != 4096 {
		t.Errorf("staged bytes = %v, want 4096", got)
	}
	if got := testutil.ToFloat64(CheckpointTensors); got != 12 {
		t.Errorf("tensors = %v, want 12", got)
	}
}

func TestRecordLoadGaugesTrackLatest(t *testing.T) {
	RecordLoad("copy", time.Millisecond, 1<<20, 12)
	RecordLoad("copy", time.Millisecond, 512, 11)

	if got := testutil.ToFloat64(CheckpointStagedBytes); got != 512 {
		t.Errorf("staged bytes = %v, want 512", got)
	}
	if got := testutil.ToFloat64(CheckpointTensors); got != 11 {
		t.Errorf("tensors = %v, want 11", got)
	}
}

func TestLoadFailuresByKind(t *testing.T) {
	c := CheckpointLoadFailures.WithLabelValues("size_mismatch")
	before := testutil.ToFloat64(c)
	c.Inc()
	c.Inc()
	if got := testutil.ToFloat64(c); got != before+2 {
		t.Errorf("failures = %v, want %v", got, before+2)
	}
}

func TestRecordValidationError(t *testing.T) {
	before := testutil.ToFloat64(ValidationErrors.WithLabelValues("parse", "unknown_flag"))
	RecordValidationError("parse", "unknown_flag")
	if got := testutil.ToFloat64(ValidationErrors.WithLabelValues("parse", "unknown_flag")); got != before+1 {
		t.Errorf("validation errors = %v, want %v", got, before+1)
	}
}

func TestRecordRunConfig(t *testing.T) {
	before := testutil.CollectAndCount(SamplingTemperature)
	RecordRunConfig(0.8, 0.9, 256)
	if got := testutil.CollectAndCount(SamplingTemperature); got != before {
		t.Errorf("histogram should stay a single series, got %d", got)
	}
	if n := testutil.CollectAndCount(RunSteps); n != 1 {
		t.Errorf("run steps series = %d, want 1", n)
	}
}

func TestRecordNumericalInstability(t *testing.T) {
	nan := NumericalInstability.WithLabelValues("wq", "nan")
	inf := NumericalInstability.WithLabelValues("wq", "inf")
	nanBefore, infBefore := testutil.ToFloat64(nan), testutil.ToFloat64(inf)

	RecordNumericalInstability("wq", 5, 0)
	RecordNumericalInstability("wq", 0, 3)

	if got := testutil.ToFloat64(nan); got != nanBefore+5 {
		t.Errorf("nan = %v, want %v", got, nanBefore+5)
	}
	if got := testutil.ToFloat64(inf); got != infBefore+3 {
		t.Errorf("inf = %v, want %v", got, infBefore+3)
	}
}
