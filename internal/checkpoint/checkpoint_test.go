package checkpoint

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFixture(t *testing.T, c Config, src Source) (string, *Layout) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.bin")
	layout, err := WriteFile(path, c, src)
	require.NoError(t, err)
	return path, layout
}

func stageModes() []StageMode {
	modes := []StageMode{StageCopy, StageAuto}
	if mmapSupported {
		modes = append(modes, StageMmap)
	}
	return modes
}

func TestLoadRoundTrip(t *testing.T) {
	configs := map[string]Config{
		"shared":   {Dim: 16, HiddenDim: 40, NLayers: 3, NHeads: 4, NKVHeads: 2, VocabSize: 33, MaxSeqLen: 32, SharedEmbedding: true},
		"unshared": {Dim: 16, HiddenDim: 40, NLayers: 3, NHeads: 4, NKVHeads: 2, VocabSize: 33, MaxSeqLen: 32},
	}

	for name, c := range configs {
		for _, mode := range stageModes() {
			t.Run(name+"/"+mode.String(), func(t *testing.T) {
				path, written := writeFixture(t, c, IndexSource())

				m, err := Load(path, WithStageMode(mode))
				require.NoError(t, err)
				defer m.Close()

				assert.Equal(t, c, m.Config)
				assert.Equal(t, written.Tensors, m.Layout.Tensors)
				assert.Equal(t, written.FileSize(), m.FileSize)
				if mode != StageAuto {
					assert.Equal(t, mode, m.StageMode())
				}

				for _, spec := range m.Layout.Tensors {
					view := m.Weights.View(spec.Name)
					require.Len(t, view, int(spec.Elements()), spec.Name)
					first := (spec.Offset - HeaderSize) / ElementSize
					assert.Equal(t, float32(first), view[0], "%s first element", spec.Name)
					assert.Equal(t, float32(first+spec.Elements()-1), view[len(view)-1], "%s last element", spec.Name)
				}
			})
		}
	}
}

func TestLoadViewsShareOneRegion(t *testing.T) {
	c := Config{Dim: 8, HiddenDim: 16, NLayers: 2, NHeads: 2, NKVHeads: 1, VocabSize: 10, MaxSeqLen: 4}
	path, _ := writeFixture(t, c, RandomSource(1, 0.1))

	for _, mode := range stageModes() {
		m, err := Load(path, WithStageMode(mode))
		require.NoError(t, err)

		base := uintptr(unsafe.Pointer(&m.Weights.TokenEmbeddingTable[0]))
		for _, spec := range m.Layout.Tensors {
			view := m.Weights.View(spec.Name)
			addr := uintptr(unsafe.Pointer(&view[0]))
			assert.Equal(t, uintptr(spec.Offset-HeaderSize), addr-base, "%s (%s)", spec.Name, mode)
			assert.Equal(t, len(view), cap(view), "%s views must not reach into the next tensor", spec.Name)
		}
		require.NoError(t, m.Close())
	}
}

// Matches the small end-to-end configuration: dim=8, hidden_dim=16,
// n_layers=1, n_heads=2, n_kv_heads=2, vocab_size=10, max_seq_len=4, shared.
func TestLoadSharedClassifierAliasesEmbedding(t *testing.T) {
	c := Config{Dim: 8, HiddenDim: 16, NLayers: 1, NHeads: 2, NKVHeads: 2, VocabSize: 10, MaxSeqLen: 4, SharedEmbedding: true}
	path, layout := writeFixture(t, c, RandomSource(7, 1))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, layout.FileSize(), info.Size())
	assert.Len(t, layout.Stored(), len(TensorOrder)-1, "no separate classifier tensor")

	m, err := Load(path)
	require.NoError(t, err)
	defer m.Close()

	emb := m.Weights.TokenEmbeddingTable
	cls := m.Weights.Classifier
	require.Len(t, cls, 10*8)
	assert.Equal(t, emb, cls)
	assert.Same(t, &emb[0], &cls[0])
	assert.True(t, m.Config.SharedEmbedding)
}

func TestLoadUnsharedClassifierIsSeparate(t *testing.T) {
	c := Config{Dim: 8, HiddenDim: 16, NLayers: 1, NHeads: 2, NKVHeads: 2, VocabSize: 10, MaxSeqLen: 4}
	path, _ := writeFixture(t, c, IndexSource())

	m, err := Load(path)
	require.NoError(t, err)
	defer m.Close()

	assert.NotSame(t, &m.Weights.TokenEmbeddingTable[0], &m.Weights.Classifier[0])
	assert.NotEqual(t, m.Weights.TokenEmbeddingTable, m.Weights.Classifier)
}

func TestLoadTruncatedHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "short.bin")
	require.NoError(t, os.WriteFile(path, make([]byte, 27), 0o644))

	_, err := Load(path)
	var fe *FormatError
	require.True(t, errors.As(err, &fe), "got %v", err)
	assert.Equal(t, Truncated, fe.Kind)
	assert.Equal(t, path, fe.Path)
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestLoadSizeMismatch(t *testing.T) {
	c := Config{Dim: 8, HiddenDim: 16, NLayers: 1, NHeads: 2, NKVHeads: 2, VocabSize: 10, MaxSeqLen: 4}

	for _, delta := range []int64{-1, +1, -4} {
		path, layout := writeFixture(t, c, RandomSource(3, 1))
		require.NoError(t, os.Truncate(path, layout.FileSize()+delta))

		for _, mode := range stageModes() {
			_, err := Load(path, WithStageMode(mode))
			var fe *FormatError
			require.True(t, errors.As(err, &fe), "delta %d: %v", delta, err)
			assert.Equal(t, SizeMismatch, fe.Kind)
			assert.Equal(t, layout.FileSize(), fe.Expected)
			assert.Equal(t, layout.FileSize()+delta, fe.Actual)
			assert.ErrorIs(t, err, ErrSizeMismatch)
		}
	}
}

func TestLoadBadDivision(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.bin")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, EncodeHeader(f, Config{Dim: 9, HiddenDim: 16, NLayers: 1, NHeads: 2, NKVHeads: 2, VocabSize: 10, MaxSeqLen: 4}))
	require.NoError(t, f.Close())

	_, err = Load(path)
	assert.ErrorIs(t, err, ErrBadDivision)
	assert.Equal(t, "bad_division", ErrorKind(err))

	var ce *ConfigError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, path, ce.Path)
	assert.Contains(t, err.Error(), path)
}

func TestLoadNonPositiveHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zero.bin")
	require.NoError(t, os.WriteFile(path, make([]byte, HeaderSize), 0o644))

	_, err := Load(path)
	assert.ErrorIs(t, err, ErrNonPositive)
	assert.Contains(t, err.Error(), path)
}

func TestLoadNotFound(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.bin")
	_, err := Load(path)

	var ie *IOError
	require.True(t, errors.As(err, &ie), "got %v", err)
	assert.Equal(t, NotFound, ie.Kind)
	assert.Equal(t, path, ie.Path)
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLoadPermissionDenied(t *testing.T) {
	if runtime.GOOS == "windows" || os.Geteuid() == 0 {
		t.Skip("file modes do not restrict this user")
	}
	c := Config{Dim: 8, HiddenDim: 16, NLayers: 1, NHeads: 2, NKVHeads: 2, VocabSize: 10, MaxSeqLen: 4}
	path, _ := writeFixture(t, c, RandomSource(1, 1))
	require.NoError(t, os.Chmod(path, 0))

	_, err := Load(path)
	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.Equal(t, "permission_denied", ErrorKind(err))
}

func TestLoadDirectory(t *testing.T) {
	_, err := Load(t.TempDir())
	var ie *IOError
	require.True(t, errors.As(err, &ie), "got %T %v", err, err)
}

func TestModelCloseIdempotent(t *testing.T) {
	c := Config{Dim: 8, HiddenDim: 16, NLayers: 1, NHeads: 2, NKVHeads: 2, VocabSize: 10, MaxSeqLen: 4, SharedEmbedding: true}
	path, _ := writeFixture(t, c, RandomSource(1, 1))

	for _, mode := range stageModes() {
		m, err := Load(path, WithStageMode(mode))
		require.NoError(t, err)
		require.NoError(t, m.Close())
		require.NoError(t, m.Close())
		assert.Nil(t, m.Weights)
	}
}

func TestCopyStagingOutlivesFile(t *testing.T) {
	c := Config{Dim: 8, HiddenDim: 16, NLayers: 1, NHeads: 2, NKVHeads: 2, VocabSize: 10, MaxSeqLen: 4}
	path, _ := writeFixture(t, c, IndexSource())

	m, err := Load(path, WithStageMode(StageCopy))
	require.NoError(t, err)
	defer m.Close()

	assert.Nil(t, m.file, "copy staging should not hold the descriptor")
	require.NoError(t, os.Remove(path))
	assert.Equal(t, float32(0), m.Weights.TokenEmbeddingTable[0])
	assert.Equal(t, float32(1), m.Weights.TokenEmbeddingTable[1])
}

func TestParseStageMode(t *testing.T) {
	tests := map[string]StageMode{"": StageAuto, "auto": StageAuto, "MMAP": StageMmap, " copy ": StageCopy}
	for in, want := range tests {
		got, err := ParseStageMode(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseStageMode("cuda")
	assert.Error(t, err)
}

func TestErrorKind(t *testing.T) {
	assert.Equal(t, "", ErrorKind(nil))
	assert.Equal(t, "truncated", ErrorKind(&FormatError{Kind: Truncated}))
	assert.Equal(t, "size_mismatch", ErrorKind(&FormatError{Kind: SizeMismatch}))
	assert.Equal(t, "map_failed", ErrorKind(&IOError{Kind: MapFailed, Err: errors.New("x")}))
	assert.Equal(t, "overflow", ErrorKind(&ConfigError{Kind: Overflow}))
	assert.Equal(t, "unknown", ErrorKind(errors.New("plain")))
}

func TestFormatErrorMessage(t *testing.T) {
	err := &FormatError{Kind: SizeMismatch, Path: "m.bin", Expected: 100, Actual: 99}
	assert.Contains(t, err.Error(), "m.bin")
	assert.Contains(t, err.Error(), "100")
	assert.Contains(t, err.Error(), "99")
}

func TestReadLayout(t *testing.T) {
	c := Config{Dim: 8, HiddenDim: 16, NLayers: 1, NHeads: 2, NKVHeads: 2, VocabSize: 10, MaxSeqLen: 4}
	path, written := writeFixture(t, c, IndexSource())

	l, err := ReadLayout(path)
	require.NoError(t, err)
	assert.Equal(t, written.Tensors, l.Tensors)
	assert.Equal(t, c, l.Config)
}

func TestReadLayoutSizeMismatch(t *testing.T) {
	c := Config{Dim: 8, HiddenDim: 16, NLayers: 1, NHeads: 2, NKVHeads: 2, VocabSize: 10, MaxSeqLen: 4}
	path, written := writeFixture(t, c, IndexSource())
	require.NoError(t, os.Truncate(path, 100))

	l, err := ReadLayout(path)
	var fe *FormatError
	require.True(t, errors.As(err, &fe), "got %v", err)
	assert.Equal(t, SizeMismatch, fe.Kind)
	assert.Equal(t, path, fe.Path)
	assert.Equal(t, written.FileSize(), fe.Expected)
	assert.Equal(t, int64(100), fe.Actual)
	require.NotNil(t, l, "header layout is still returned")
	assert.Equal(t, written.Tensors, l.Tensors)
}

func TestReadLayoutErrorsCarryPath(t *testing.T) {
	dir := t.TempDir()

	missing := filepath.Join(dir, "missing.bin")
	_, err := ReadLayout(missing)
	var ie *IOError
	require.True(t, errors.As(err, &ie), "got %T %v", err, err)
	assert.Equal(t, NotFound, ie.Kind)
	assert.Equal(t, missing, ie.Path)

	short := filepath.Join(dir, "short.bin")
	require.NoError(t, os.WriteFile(short, make([]byte, 10), 0o644))
	_, err = ReadLayout(short)
	var fe *FormatError
	require.True(t, errors.As(err, &fe), "got %v", err)
	assert.Equal(t, Truncated, fe.Kind)
	assert.Equal(t, short, fe.Path)
	assert.Contains(t, err.Error(), short)
}
