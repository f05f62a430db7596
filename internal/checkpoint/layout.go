package checkpoint

import (
	"fmt"
	"math"
)

type TensorName string

const (
	TokenEmbeddingTable TensorName = "token_embedding_table"
	RMSAttWeight        TensorName = "rms_att_weight"
	WQ                  TensorName = "wq"
	WK                  TensorName = "wk"
	WV                  TensorName = "wv"
	WO                  TensorName = "wo"
	RMSFFNWeight        TensorName = "rms_ffn_weight"
	W1                  TensorName = "w1"
	W3                  TensorName = "w3"
	W2                  TensorName = "w2"
	RMSFinalWeight      TensorName = "rms_final_weight"
	Classifier          TensorName = "wcls"
)

// TensorOrder is the on-disk order of the tensors. Checkpoints carry no
// per-tensor headers, so this order is the only thing locating each tensor.
var TensorOrder = [...]TensorName{
	TokenEmbeddingTable,
	RMSAttWeight,
	WQ,
	WK,
	WV,
	WO,
	RMSFFNWeight,
	W1,
	W3,
	W2,
	RMSFinalWeight,
	Classifier,
}

// TensorSpec locates one tensor inside the checkpoint file.
type TensorSpec struct {
	Name   TensorName
	Offset int64 // absolute file offset
	Shape  []int

	// Aliases names the stored tensor this entry shares bytes with. An
	// aliased entry occupies no space of its own.
	Aliases TensorName
}

func (t TensorSpec) Elements() int64 {
	n := int64(1)
	for _, d := range t.Shape {
		n *= int64(d)
	}
	return n
}

// ViewBytes is the size of the tensor's view, stored or aliased.
func (t TensorSpec) ViewBytes() int64 { return t.Elements() * ElementSize }

// StoredBytes is the number of file bytes the tensor adds to the checkpoint.
func (t TensorSpec) StoredBytes() int64 {
	if t.Aliases != "" {
		return 0
	}
	return t.ViewBytes()
}

func (t TensorSpec) String() string {
	if t.Aliases != "" {
		return fmt.Sprintf("%s %v -> %s", t.Name, t.Shape, t.Aliases)
	}
	return fmt.Sprintf("%s %v @%d+%d", t.Name, t.Shape, t.Offset, t.StoredBytes())
}

// Layout maps every tensor of a checkpoint to its file position. It is
// read-only once derived.
type Layout struct {
	Config  Config
	Tensors []TensorSpec

	index map[TensorName]int
	size  int64
}

// DeriveLayout computes the byte layout implied by c. It performs no I/O.
func DeriveLayout(c Config) (*Layout, error) {
	if c.NHeads <= 0 {
		return nil, &ConfigError{Kind: NonPositive, Field: "n_heads", Details: fmt.Sprintf("%d (must be positive)", c.NHeads)}
	}
	if c.Dim%c.NHeads != 0 {
		return nil, &ConfigError{Kind: BadDivision, Field: "dim", Details: fmt.Sprintf("dim %d %% n_heads %d = %d", c.Dim, c.NHeads, c.Dim%c.NHeads)}
	}
	headSize := c.Dim / c.NHeads
	qDim := c.NHeads * headSize
	kvDim := c.NKVHeads * headSize

	shapes := map[TensorName][]int{
		TokenEmbeddingTable: {c.VocabSize, c.Dim},
		RMSAttWeight:        {c.NLayers, c.Dim},
		WQ:                  {c.NLayers, c.Dim, qDim},
		WK:                  {c.NLayers, c.Dim, kvDim},
		WV:                  {c.NLayers, c.Dim, kvDim},
		WO:                  {c.NLayers, qDim, c.Dim},
		RMSFFNWeight:        {c.NLayers, c.Dim},
		W1:                  {c.NLayers, c.HiddenDim, c.Dim},
		W3:                  {c.NLayers, c.HiddenDim, c.Dim},
		W2:                  {c.NLayers, c.Dim, c.HiddenDim},
		RMSFinalWeight:      {c.Dim},
		Classifier:          {c.VocabSize, c.Dim},
	}

	l := &Layout{
		Config:  c,
		Tensors: make([]TensorSpec, 0, len(TensorOrder)),
		index:   make(map[TensorName]int, len(TensorOrder)),
	}

	offset := int64(HeaderSize)
	for _, name := range TensorOrder {
		shape := shapes[name]
		spec := TensorSpec{Name: name, Offset: offset, Shape: shape}

		if name == Classifier && c.SharedEmbedding {
			emb := l.Tensors[l.index[TokenEmbeddingTable]]
			spec.Offset = emb.Offset
			spec.Aliases = TokenEmbeddingTable
		} else {
			n, ok := extent(shape)
			if !ok || offset > math.MaxInt64-n {
				return nil, &ConfigError{Kind: Overflow, Field: string(name), Details: fmt.Sprintf("shape %v overflows int64 at offset %d", shape, offset)}
			}
			offset += n
		}

		l.index[name] = len(l.Tensors)
		l.Tensors = append(l.Tensors, spec)
	}
	l.size = offset - HeaderSize

	return l, nil
}

// extent returns the stored byte size of a tensor of the given shape and
// whether it fit in an int64.
func extent(shape []int) (int64, bool) {
	n := int64(ElementSize)
	for _, d := range shape {
		if d < 0 {
			return 0, false
		}
		if d != 0 && n > math.MaxInt64/int64(d) {
			return 0, false
		}
		n *= int64(d)
	}
	return n, true
}

// Tensor returns the TensorSpec for name.
func (l *Layout) Tensor(name TensorName) (TensorSpec, bool) {
	i, ok := l.index[name]
	if !ok {
		return TensorSpec{}, false
	}
	return l.Tensors[i], true
}

// Size is the total number of weight bytes following the header.
func (l *Layout) Size() int64 { return l.size }

// FileSize is the exact size a checkpoint with this layout must have.
func (l *Layout) FileSize() int64 { return HeaderSize + l.size }

// Stored returns the tensors that own bytes in the file, in file order.
func (l *Layout) Stored() []TensorSpec {
	out := make([]TensorSpec, 0, len(l.Tensors))
	for _, t := range l.Tensors {
		if t.Aliases == "" {
			out = append(out, t)
		}
	}
	return out
}
