package engine

import (
	"bytes"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-llamaload/internal/checkpoint"
	"github.com/23skdu/longbow-llamaload/internal/config"
)

func runConfig() config.RunConfig {
	rc := config.Default()
	rc.ModelPath = "model.bin"
	return rc
}

func TestDryRunWritesSummary(t *testing.T) {
	m := loadFixture(t, tinyConfig, checkpoint.RandomSource(1, 0.5))

	var out bytes.Buffer
	var e Engine = DryRun{Out: &out}
	require.NoError(t, e.Run(m, runConfig()))

	s := out.String()
	assert.Contains(t, s, m.Path)
	assert.Contains(t, s, "copy")
	assert.Contains(t, s, "shared_embedding  true")
	assert.Contains(t, s, "aliases token_embedding_table")
	for _, name := range checkpoint.TensorOrder {
		assert.Contains(t, s, string(name))
	}
}

func TestDryRunAuditFailsOnNaN(t *testing.T) {
	src := func(spec checkpoint.TensorSpec, dst []float32) {
		if spec.Name == checkpoint.RMSFinalWeight {
			dst[3] = float32(math.NaN())
		}
	}
	m := loadFixture(t, tinyConfig, src)

	var out bytes.Buffer
	err := DryRun{Out: &out, Audit: true}.Run(m, runConfig())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 tensors")
}

func TestDryRunRejectsClosedModel(t *testing.T) {
	m := loadFixture(t, tinyConfig, checkpoint.IndexSource())
	require.NoError(t, m.Close())

	err := DryRun{Out: &bytes.Buffer{}}.Run(m, runConfig())
	assert.Error(t, err)
}

func TestSteps(t *testing.T) {
	m := &checkpoint.Model{Config: checkpoint.Config{MaxSeqLen: 4}}
	tests := map[int]int{0: 4, 2: 2, 4: 4, 9: 4}
	for in, want := range tests {
		rc := runConfig()
		rc.Steps = in
		assert.Equal(t, want, steps(m, rc), "steps %d", in)
	}
}
