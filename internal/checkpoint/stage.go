package checkpoint

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"unsafe"
)

// StageMode selects how weight bytes are made addressable.
type StageMode int

const (
	// StageAuto maps the file when the platform supports it and copies otherwise.
	StageAuto StageMode = iota
	// StageMmap maps the file read-only; views point into the page cache.
	StageMmap
	// StageCopy allocates one buffer of the blob size and reads the weights
	// into it. The result does not reference the file after staging.
	StageCopy
)

func (m StageMode) String() string {
	switch m {
	case StageAuto:
		return "auto"
	case StageMmap:
		return "mmap"
	case StageCopy:
		return "copy"
	default:
		return fmt.Sprintf("stage_mode_%d", int(m))
	}
}

// ParseStageMode accepts the names produced by StageMode.String.
func ParseStageMode(s string) (StageMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return StageAuto, nil
	case "mmap":
		return StageMmap, nil
	case "copy":
		return StageCopy, nil
	default:
		return StageAuto, fmt.Errorf("unknown stage mode %q (want auto|mmap|copy)", s)
	}
}

func (m StageMode) resolve() StageMode {
	if m != StageAuto {
		return m
	}
	if mmapSupported {
		return StageMmap
	}
	return StageCopy
}

// Region is the single contiguous block of memory holding every weight.
type Region struct {
	mode    StageMode
	mapping []byte    // whole-file mapping, mmap mode only
	owned   []float32 // heap copy, copy mode only
	data    []byte    // weight bytes, starting right after the header
}

func (r *Region) Mode() StageMode { return r.mode }

// Len is the number of staged weight bytes.
func (r *Region) Len() int { return len(r.data) }

// Release unmaps or drops the region. Every view sliced from it becomes
// invalid.
func (r *Region) Release() error {
	var err error
	if r.mapping != nil {
		err = munmapFile(r.mapping)
		r.mapping = nil
	}
	r.owned = nil
	r.data = nil
	return err
}

func (r *Region) floats() []float32 {
	if len(r.data) == 0 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&r.data[0])), len(r.data)/ElementSize)
}

// Weights holds one float32 view per tensor. All views alias a single Region
// and must not be used after the owning Model is closed.
type Weights struct {
	TokenEmbeddingTable []float32 // (vocab_size, dim)
	RMSAttWeight        []float32 // (layer, dim)
	WQ                  []float32 // (layer, dim, n_heads * head_size)
	WK                  []float32 // (layer, dim, n_kv_heads * head_size)
	WV                  []float32 // (layer, dim, n_kv_heads * head_size)
	WO                  []float32 // (layer, n_heads * head_size, dim)
	RMSFFNWeight        []float32 // (layer, dim)
	W1                  []float32 // (layer, hidden_dim, dim)
	W3                  []float32 // (layer, hidden_dim, dim)
	W2                  []float32 // (layer, dim, hidden_dim)
	RMSFinalWeight      []float32 // (dim,)
	Classifier          []float32 // (vocab_size, dim), may alias TokenEmbeddingTable
}

func (w *Weights) slot(name TensorName) *[]float32 {
	switch name {
	case TokenEmbeddingTable:
		return &w.TokenEmbeddingTable
	case RMSAttWeight:
		return &w.RMSAttWeight
	case WQ:
		return &w.WQ
	case WK:
		return &w.WK
	case WV:
		return &w.WV
	case WO:
		return &w.WO
	case RMSFFNWeight:
		return &w.RMSFFNWeight
	case W1:
		return &w.W1
	case W3:
		return &w.W3
	case W2:
		return &w.W2
	case RMSFinalWeight:
		return &w.RMSFinalWeight
	case Classifier:
		return &w.Classifier
	}
	return nil
}

// View returns the view for name, or nil for an unknown name.
func (w *Weights) View(name TensorName) []float32 {
	if p := w.slot(name); p != nil {
		return *p
	}
	return nil
}

// Stage checks the size of f against layout and stages everything after the
// header into one Region. On error nothing stays mapped or allocated.
func Stage(f *os.File, layout *Layout, mode StageMode) (*Region, *Weights, error) {
	path := f.Name()

	info, err := f.Stat()
	if err != nil {
		return nil, nil, ioError("stat", path, err)
	}
	if !info.Mode().IsRegular() {
		return nil, nil, &IOError{Kind: MapFailed, Op: "stat", Path: path, Err: fmt.Errorf("not a regular file (%s)", info.Mode().Type())}
	}
	if actual, expected := info.Size(), layout.FileSize(); actual != expected {
		return nil, nil, &FormatError{Kind: SizeMismatch, Path: path, Expected: expected, Actual: actual}
	}

	var region *Region
	switch mode.resolve() {
	case StageMmap:
		region, err = stageMmap(f, info.Size())
	default:
		region, err = stageCopy(f, layout.Size())
	}
	if err != nil {
		return nil, nil, err
	}

	weights, err := sliceViews(region, layout)
	if err != nil {
		_ = region.Release()
		return nil, nil, err
	}
	return region, weights, nil
}

func stageMmap(f *os.File, size int64) (*Region, error) {
	if int64(int(size)) != size {
		return nil, &IOError{Kind: MapFailed, Op: "mmap", Path: f.Name(), Err: fmt.Errorf("file size %d exceeds address space", size)}
	}
	mapping, err := mmapFile(f, int(size))
	if err != nil {
		return nil, &IOError{Kind: MapFailed, Op: "mmap", Path: f.Name(), Err: err}
	}
	return &Region{mode: StageMmap, mapping: mapping, data: mapping[HeaderSize:]}, nil
}

func stageCopy(f *os.File, size int64) (*Region, error) {
	n := size / ElementSize
	if int64(int(n)) != n {
		return nil, &IOError{Kind: MapFailed, Op: "alloc", Path: f.Name(), Err: fmt.Errorf("blob size %d exceeds address space", size)}
	}
	owned := make([]float32, n)
	r := &Region{mode: StageCopy, owned: owned}
	if n == 0 {
		return r, nil
	}
	r.data = unsafe.Slice((*byte)(unsafe.Pointer(&owned[0])), size)

	if _, err := io.ReadFull(io.NewSectionReader(f, HeaderSize, size), r.data); err != nil {
		_ = r.Release()
		return nil, &IOError{Kind: MapFailed, Op: "copy", Path: f.Name(), Err: err}
	}
	return r, nil
}

func sliceViews(r *Region, layout *Layout) (*Weights, error) {
	all := r.floats()
	w := &Weights{}
	for _, t := range layout.Tensors {
		start := (t.Offset - HeaderSize) / ElementSize
		end := start + t.Elements()
		if start < 0 || end > int64(len(all)) {
			return nil, &FormatError{Kind: SizeMismatch, Expected: layout.FileSize(), Actual: HeaderSize + int64(r.Len())}
		}
		slot := w.slot(t.Name)
		if slot == nil {
			return nil, fmt.Errorf("no view for tensor %q", t.Name)
		}
		*slot = all[start:end:end]
	}
	return w, nil
}

func ioError(op, path string, err error) *IOError {
	kind := MapFailed
	switch {
	case errors.Is(err, fs.ErrNotExist):
		kind = NotFound
	case errors.Is(err, fs.ErrPermission):
		kind = PermissionDenied
	}
	return &IOError{Kind: kind, Op: op, Path: path, Err: err}
}
