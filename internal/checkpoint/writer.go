package checkpoint

import (
	"bufio"
	"encoding/binary"
	"io"
	"math/rand/v2"
	"os"
)

// Source fills dst with the weights of a stored tensor.
type Source func(t TensorSpec, dst []float32)

// Write serializes a checkpoint for c, drawing weights from src. The returned
// layout is the one Load will derive from the written header.
func Write(w io.Writer, c Config, src Source) (*Layout, error) {
	layout, err := DeriveLayout(c)
	if err != nil {
		return nil, err
	}

	bw := bufio.NewWriter(w)
	if err := EncodeHeader(bw, c); err != nil {
		return nil, err
	}
	for _, t := range layout.Stored() {
		buf := make([]float32, t.Elements())
		src(t, buf)
		if err := binary.Write(bw, ByteOrder, buf); err != nil {
			return nil, err
		}
	}
	if err := bw.Flush(); err != nil {
		return nil, err
	}
	return layout, nil
}

// WriteFile is Write to a newly created file at path.
func WriteFile(path string, c Config, src Source) (*Layout, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, ioError("create", path, err)
	}
	layout, err := Write(f, c, src)
	if cerr := f.Close(); cerr != nil && err == nil {
		err = ioError("close", path, cerr)
	}
	if err != nil {
		return nil, err
	}
	return layout, nil
}

// RandomSource produces reproducible weights uniform in [-scale, scale).
func RandomSource(seed uint64, scale float32) Source {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	return func(_ TensorSpec, dst []float32) {
		for i := range dst {
			dst[i] = (rng.Float32()*2 - 1) * scale
		}
	}
}

// IndexSource stores in every element its own element index within the
// weight blob, so a reader can tell exactly which bytes a view covers.
// Indices above 2^24 lose precision.
func IndexSource() Source {
	return func(t TensorSpec, dst []float32) {
		base := (t.Offset - HeaderSize) / ElementSize
		for i := range dst {
			dst[i] = float32(base + int64(i))
		}
	}
}
