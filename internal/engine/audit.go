package engine

import (
	"fmt"
	"math"

	"github.com/23skdu/longbow-llamaload/internal/checkpoint"
	"github.com/23skdu/longbow-llamaload/internal/metrics"
)

// WeightAuditResult summarises the values of one staged tensor.
type WeightAuditResult struct {
	Name     checkpoint.TensorName
	Elements int
	Min      float32
	Max      float32
	Zeros    int
	NaNs     int
	Infs     int
}

func (r WeightAuditResult) Finite() bool { return r.NaNs == 0 && r.Infs == 0 }

func (r WeightAuditResult) String() string {
	return fmt.Sprintf("WeightAudit{%s n=%d min=%.4g max=%.4g zeros=%d nan=%d inf=%d}",
		r.Name, r.Elements, r.Min, r.Max, r.Zeros, r.NaNs, r.Infs)
}

// AuditTensor scans one view. Min and Max ignore non-finite values.
func AuditTensor(name checkpoint.TensorName, view []float32) WeightAuditResult {
	r := WeightAuditResult{
		Name:     name,
		Elements: len(view),
		Min:      float32(math.Inf(1)),
		Max:      float32(math.Inf(-1)),
	}
	for _, v := range view {
		f := float64(v)
		switch {
		case math.IsNaN(f):
			r.NaNs++
			continue
		case math.IsInf(f, 0):
			r.Infs++
			continue
		case v == 0:
			r.Zeros++
		}
		if v < r.Min {
			r.Min = v
		}
		if v > r.Max {
			r.Max = v
		}
	}
	if r.NaNs+r.Infs == r.Elements {
		r.Min, r.Max = 0, 0
	}
	return r
}

// AuditWeights scans every stored tensor of m and records non-finite counts.
// Aliased views are skipped since their bytes are audited under the owner.
func AuditWeights(m *checkpoint.Model) []WeightAuditResult {
	var out []WeightAuditResult
	for _, t := range m.Layout.Stored() {
		r := AuditTensor(t.Name, m.Weights.View(t.Name))
		metrics.RecordNumericalInstability(string(t.Name), r.NaNs, r.Infs)
		out = append(out, r)
	}
	return out
}
