package checkpoint

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

const (
	// HeaderSize is the size of the config record at the front of a checkpoint.
	HeaderSize = 7 * 4
	// ElementSize is the on-disk size of one weight (float32).
	ElementSize = 4
)

// ByteOrder is the order of every integer and float in a checkpoint. Files
// are written by the exporting host and are not portable across endianness.
var ByteOrder binary.ByteOrder = binary.NativeEndian

// Config is the decoded checkpoint header.
type Config struct {
	Dim       int // transformer dimension
	HiddenDim int // ffn dimension
	NLayers   int
	NHeads    int // query heads
	NKVHeads  int // key/value heads, may be fewer than NHeads
	VocabSize int // absolute value of the stored field
	MaxSeqLen int

	// SharedEmbedding is true when the classifier reuses the token embedding
	// table. Stored as the sign of vocab_size: positive means shared.
	SharedEmbedding bool
}

func (c Config) HeadSize() int { return c.Dim / c.NHeads }

func (c Config) KVDim() int { return c.NKVHeads * c.HeadSize() }

// Validate checks the invariants a decoded header must hold before a layout
// can be derived from it.
func (c Config) Validate() error {
	for _, f := range c.fields() {
		if f.v <= 0 {
			return &ConfigError{Kind: NonPositive, Field: f.name, Details: fmt.Sprintf("%d (must be positive)", f.v)}
		}
	}
	if err := c.checkRange(); err != nil {
		return err
	}
	if c.NKVHeads > c.NHeads {
		return &ConfigError{Kind: BadGrouping, Field: "n_kv_heads", Details: fmt.Sprintf("%d > n_heads %d", c.NKVHeads, c.NHeads)}
	}
	if c.NHeads%c.NKVHeads != 0 {
		return &ConfigError{Kind: BadGrouping, Field: "n_kv_heads", Details: fmt.Sprintf("n_heads %d not a multiple of %d", c.NHeads, c.NKVHeads)}
	}
	return nil
}

type headerField struct {
	name string
	v    int
}

// fields lists the header fields in file order.
func (c Config) fields() [7]headerField {
	return [7]headerField{
		{"dim", c.Dim},
		{"hidden_dim", c.HiddenDim},
		{"n_layers", c.NLayers},
		{"n_heads", c.NHeads},
		{"n_kv_heads", c.NKVHeads},
		{"vocab_size", c.VocabSize},
		{"max_seq_len", c.MaxSeqLen},
	}
}

// checkRange rejects fields that do not fit the on-disk int32. vocab_size is
// stored negated when unshared, so its magnitude is capped at MaxInt32 too.
func (c Config) checkRange() error {
	for _, f := range c.fields() {
		if f.v > math.MaxInt32 || f.v < -math.MaxInt32 {
			return &ConfigError{Kind: Overflow, Field: f.name, Details: fmt.Sprintf("%d does not fit in int32", f.v)}
		}
	}
	return nil
}

// DecodeHeader reads exactly HeaderSize bytes from r. Fields are decoded one
// at a time in file order rather than by reinterpreting a struct, so the
// result does not depend on Go struct layout.
func DecodeHeader(r io.Reader) (Config, error) {
	var buf [HeaderSize]byte
	n, err := io.ReadFull(r, buf[:])
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Config{}, &FormatError{Kind: Truncated, Expected: HeaderSize, Actual: int64(n)}
		}
		return Config{}, &IOError{Kind: MapFailed, Op: "read header", Err: err}
	}

	offset := 0
	next := func() int {
		v := int32(ByteOrder.Uint32(buf[offset:]))
		offset += 4
		return int(v)
	}

	var c Config
	c.Dim = next()
	c.HiddenDim = next()
	c.NLayers = next()
	c.NHeads = next()
	c.NKVHeads = next()
	rawVocab := next()
	c.MaxSeqLen = next()

	c.SharedEmbedding = rawVocab > 0
	if rawVocab < 0 {
		rawVocab = -rawVocab
	}
	c.VocabSize = rawVocab

	return c, nil
}

// EncodeHeader writes c in the layout DecodeHeader reads, folding
// SharedEmbedding back into the sign of vocab_size.
// Fields outside the int32 range fail with an Overflow ConfigError.
func EncodeHeader(w io.Writer, c Config) error {
	if err := c.checkRange(); err != nil {
		return err
	}

	var buf [HeaderSize]byte
	for i, f := range c.fields() {
		v := int32(f.v)
		if f.name == "vocab_size" && !c.SharedEmbedding {
			v = -v
		}
		ByteOrder.PutUint32(buf[i*4:], uint32(v))
	}
	_, err := w.Write(buf[:])
	return err
}
