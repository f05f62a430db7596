// Package checkpoint loads dense float32 transformer checkpoints: a 28-byte
// config header followed by the weights of every tensor in a fixed order.
//
// A loaded Model owns one staged memory region and, when the region is a
// file mapping, the descriptor backing it. Every []float32 in Model.Weights
// points into that region. Close releases both; views must not be read after
// Close and Close must not race with readers. Nothing enforces this at
// runtime.
package checkpoint

import (
	"errors"
	"os"
	"time"

	"github.com/23skdu/longbow-llamaload/internal/logger"
	"github.com/23skdu/longbow-llamaload/internal/metrics"
)

// Model is an assembled checkpoint. It is immutable after Load and may be
// read from multiple goroutines until Close.
type Model struct {
	Path     string
	Config   Config
	Layout   *Layout
	Weights  *Weights
	FileSize int64

	region *Region
	file   *os.File
	closed bool
}

type options struct {
	mode StageMode
}

type Option func(*options)

// WithStageMode overrides the default StageAuto.
func WithStageMode(m StageMode) Option {
	return func(o *options) { o.mode = m }
}

// Load decodes, validates, sizes and stages the checkpoint at path. Errors are
// *FormatError, *ConfigError or *IOError and are never retried. On error no
// descriptor or mapping is left open.
func Load(path string, opts ...Option) (*Model, error) {
	o := options{mode: StageAuto}
	for _, opt := range opts {
		opt(&o)
	}

	log := logger.Log.With("path", path)
	start := time.Now()
	m, err := load(path, o)
	if err != nil {
		metrics.CheckpointLoadFailures.WithLabelValues(ErrorKind(err)).Inc()
		log.Debug("Checkpoint load failed", "kind", ErrorKind(err), "error", err)
		return nil, err
	}

	mode := m.StageMode().String()
	metrics.RecordLoad(mode, time.Since(start), m.region.Len(), len(m.Layout.Tensors))
	log.Info("Checkpoint loaded",
		"dim", m.Config.Dim,
		"hidden_dim", m.Config.HiddenDim,
		"n_layers", m.Config.NLayers,
		"n_heads", m.Config.NHeads,
		"n_kv_heads", m.Config.NKVHeads,
		"vocab_size", m.Config.VocabSize,
		"max_seq_len", m.Config.MaxSeqLen,
		"shared_embedding", m.Config.SharedEmbedding,
		"stage", mode,
		"bytes", m.FileSize,
		"duration", time.Since(start))
	return m, nil
}

func load(path string, o options) (_ *Model, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, ioError("open", path, err)
	}
	defer func() {
		if err != nil {
			_ = f.Close()
		}
	}()

	layout, err := readLayout(f, path)
	if err != nil {
		return nil, err
	}
	cfg := layout.Config

	region, weights, err := Stage(f, layout, o.mode)
	if err != nil {
		return nil, err
	}

	m := &Model{
		Path:     path,
		Config:   cfg,
		Layout:   layout,
		Weights:  weights,
		FileSize: layout.FileSize(),
		region:   region,
		file:     f,
	}

	// A heap copy no longer needs the file.
	if region.Mode() == StageCopy {
		m.file = nil
		if err := f.Close(); err != nil {
			_ = region.Release()
			return nil, ioError("close", path, err)
		}
	}
	return m, nil
}

// ReadLayout decodes the header of the checkpoint at path and derives its
// layout without staging any weights. When the file size disagrees with the
// layout, the layout is returned together with a SizeMismatch FormatError.
func ReadLayout(path string) (*Layout, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, ioError("open", path, err)
	}
	defer f.Close()

	layout, err := readLayout(f, path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		return nil, ioError("stat", path, err)
	}
	if info.Size() != layout.FileSize() {
		return layout, &FormatError{Kind: SizeMismatch, Path: path, Expected: layout.FileSize(), Actual: info.Size()}
	}
	return layout, nil
}

func readLayout(f *os.File, path string) (*Layout, error) {
	cfg, err := DecodeHeader(f)
	if err != nil {
		return nil, withPath(err, path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, withPath(err, path)
	}
	layout, err := DeriveLayout(cfg)
	if err != nil {
		return nil, withPath(err, path)
	}
	return layout, nil
}

func withPath(err error, path string) error {
	var fe *FormatError
	var ce *ConfigError
	var ie *IOError
	switch {
	case errors.As(err, &fe):
		fe.Path = path
	case errors.As(err, &ce):
		ce.Path = path
	case errors.As(err, &ie):
		ie.Path = path
	}
	return err
}

// StageMode reports how the weights were staged.
func (m *Model) StageMode() StageMode {
	if m.region == nil {
		return StageAuto
	}
	return m.region.Mode()
}

// Close releases the staged region and the file descriptor. Calling it
// again is a no-op.
func (m *Model) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true

	var err error
	if m.region != nil {
		err = m.region.Release()
		m.region = nil
	}
	if m.file != nil {
		if cerr := m.file.Close(); cerr != nil && err == nil {
			err = cerr
		}
		m.file = nil
	}
	m.Weights = nil
	return err
}
