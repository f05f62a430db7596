// Package engine defines what the loader hands to an inference engine and
// provides a dry-run engine that reports the handoff without computing.
package engine

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/23skdu/longbow-llamaload/internal/checkpoint"
	"github.com/23skdu/longbow-llamaload/internal/config"
	"github.com/23skdu/longbow-llamaload/internal/logger"
	"github.com/23skdu/longbow-llamaload/internal/metrics"
)

// Engine consumes a loaded model and a resolved run configuration. The model
// stays owned by the caller and must outlive Run.
type Engine interface {
	Run(m *checkpoint.Model, rc config.RunConfig) error
}

// DryRun prints what a real engine would receive.
type DryRun struct {
	Out   io.Writer
	Audit bool // scan every view for NaN/Inf before reporting
}

func (d DryRun) Run(m *checkpoint.Model, rc config.RunConfig) error {
	if m == nil || m.Weights == nil {
		return fmt.Errorf("dry run: model not loaded")
	}
	logger.Log.Info("Engine handoff", rc.Fields()...)
	metrics.RecordRunConfig(rc.Temperature, rc.TopP, steps(m, rc))

	if err := WriteSummary(d.Out, m); err != nil {
		return err
	}
	if !d.Audit {
		return nil
	}

	var bad int
	for _, a := range AuditWeights(m) {
		if !a.Finite() {
			bad++
			logger.Log.Warn("Non-finite weights", "tensor", string(a.Name), "nan", a.NaNs, "inf", a.Infs)
		}
	}
	if bad > 0 {
		return fmt.Errorf("dry run: %d tensors contain NaN or Inf", bad)
	}
	return nil
}

// steps resolves a step count of 0 to the model's context length.
func steps(m *checkpoint.Model, rc config.RunConfig) int {
	if rc.Steps == 0 || rc.Steps > m.Config.MaxSeqLen {
		return m.Config.MaxSeqLen
	}
	return rc.Steps
}

// WriteSummary writes the config and a tensor table for m.
func WriteSummary(w io.Writer, m *checkpoint.Model) error {
	c := m.Config
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "checkpoint\t%s\n", m.Path)
	fmt.Fprintf(tw, "stage\t%s\n", m.StageMode())
	fmt.Fprintf(tw, "dim\t%d\n", c.Dim)
	fmt.Fprintf(tw, "hidden_dim\t%d\n", c.HiddenDim)
	fmt.Fprintf(tw, "n_layers\t%d\n", c.NLayers)
	fmt.Fprintf(tw, "n_heads\t%d\n", c.NHeads)
	fmt.Fprintf(tw, "n_kv_heads\t%d\n", c.NKVHeads)
	fmt.Fprintf(tw, "vocab_size\t%d\n", c.VocabSize)
	fmt.Fprintf(tw, "max_seq_len\t%d\n", c.MaxSeqLen)
	fmt.Fprintf(tw, "shared_embedding\t%v\n", c.SharedEmbedding)
	fmt.Fprintf(tw, "file_size\t%d\n\n", m.FileSize)
	if err := tw.Flush(); err != nil {
		return err
	}
	return WriteLayout(w, m.Layout)
}

// WriteLayout writes one row per tensor in file order.
func WriteLayout(w io.Writer, l *checkpoint.Layout) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TENSOR\tSHAPE\tOFFSET\tBYTES\tNOTE")
	for _, t := range l.Tensors {
		note := ""
		if t.Aliases != "" {
			note = "aliases " + string(t.Aliases)
		}
		fmt.Fprintf(tw, "%s\t%v\t%d\t%d\t%s\n", t.Name, t.Shape, t.Offset, t.StoredBytes(), note)
	}
	return tw.Flush()
}
