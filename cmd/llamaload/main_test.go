package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-llamaload/internal/checkpoint"
	"github.com/23skdu/longbow-llamaload/internal/monitoring"
)

func TestRunHelpExitsNonZero(t *testing.T) {
	var stdout, stderr bytes.Buffer
	assert.Equal(t, 1, run([]string{"-h"}, &stdout, &stderr, monitoring.NewHealthMonitor()))
	assert.Contains(t, stderr.String(), "--model")
	assert.NotContains(t, stderr.String(), "Error:")
	assert.Empty(t, stdout.String())
}

func TestRunMissingModel(t *testing.T) {
	var stdout, stderr bytes.Buffer
	assert.Equal(t, 1, run([]string{"-t", "0.5"}, &stdout, &stderr, monitoring.NewHealthMonitor()))
	assert.Contains(t, stderr.String(), "Error:")
}

func TestRunLoadFailure(t *testing.T) {
	var stdout, stderr bytes.Buffer
	missing := filepath.Join(t.TempDir(), "nope.bin")
	assert.Equal(t, 1, run([]string{"-m", missing}, &stdout, &stderr, monitoring.NewHealthMonitor()))
	assert.Contains(t, stderr.String(), missing)
}

func TestRunLoadsCheckpoint(t *testing.T) {
	t.Setenv("LLAMALOAD_STAGE", "copy")
	path := filepath.Join(t.TempDir(), "model.bin")
	c := checkpoint.Config{Dim: 8, HiddenDim: 16, NLayers: 1, NHeads: 2, NKVHeads: 2, VocabSize: 10, MaxSeqLen: 4, SharedEmbedding: true}
	_, err := checkpoint.WriteFile(path, c, checkpoint.RandomSource(1, 1))
	require.NoError(t, err)

	var stdout, stderr bytes.Buffer
	require.Equal(t, 0, run([]string{"-m", path, "-n", "2", "-s", "42"}, &stdout, &stderr, monitoring.NewHealthMonitor()), stderr.String())
	assert.Contains(t, stdout.String(), "vocab_size")
	assert.Contains(t, stdout.String(), "copy")
}

func TestRunBadStageMode(t *testing.T) {
	t.Setenv("LLAMALOAD_STAGE", "gpu")
	var stdout, stderr bytes.Buffer
	assert.Equal(t, 1, run([]string{"-m", "x.bin"}, &stdout, &stderr, monitoring.NewHealthMonitor()))
}
