// Package manifest exports a checkpoint layout as an Arrow table, one row per
// tensor, so external tools can inspect or check a checkpoint without
// re-deriving its format.
package manifest

import (
	"fmt"
	"os"
	"strconv"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-llamaload/internal/checkpoint"
)

const (
	colName = iota
	colOffset
	colStoredBytes
	colElements
	colShape
	colAliases
)

// Config fields carried in the schema metadata.
var metaKeys = []string{"dim", "hidden_dim", "n_layers", "n_heads", "n_kv_heads", "vocab_size", "max_seq_len", "shared_embedding"}

func Schema(c checkpoint.Config) *arrow.Schema {
	vals := []string{
		strconv.Itoa(c.Dim),
		strconv.Itoa(c.HiddenDim),
		strconv.Itoa(c.NLayers),
		strconv.Itoa(c.NHeads),
		strconv.Itoa(c.NKVHeads),
		strconv.Itoa(c.VocabSize),
		strconv.Itoa(c.MaxSeqLen),
		strconv.FormatBool(c.SharedEmbedding),
	}
	md := arrow.NewMetadata(metaKeys, vals)
	return arrow.NewSchema([]arrow.Field{
		{Name: "name", Type: arrow.BinaryTypes.String},
		{Name: "offset", Type: arrow.PrimitiveTypes.Int64},
		{Name: "stored_bytes", Type: arrow.PrimitiveTypes.Int64},
		{Name: "elements", Type: arrow.PrimitiveTypes.Int64},
		{Name: "shape", Type: arrow.ListOf(arrow.PrimitiveTypes.Int64)},
		{Name: "aliases", Type: arrow.BinaryTypes.String, Nullable: true},
	}, &md)
}

// Build returns a record with one row per tensor in layout order. The caller
// releases it.
func Build(mem memory.Allocator, l *checkpoint.Layout) arrow.Record {
	b := array.NewRecordBuilder(mem, Schema(l.Config))
	defer b.Release()

	names := b.Field(colName).(*array.StringBuilder)
	offsets := b.Field(colOffset).(*array.Int64Builder)
	stored := b.Field(colStoredBytes).(*array.Int64Builder)
	elements := b.Field(colElements).(*array.Int64Builder)
	shapes := b.Field(colShape).(*array.ListBuilder)
	dims := shapes.ValueBuilder().(*array.Int64Builder)
	aliases := b.Field(colAliases).(*array.StringBuilder)

	for _, t := range l.Tensors {
		names.Append(string(t.Name))
		offsets.Append(t.Offset)
		stored.Append(t.StoredBytes())
		elements.Append(t.Elements())
		shapes.Append(true)
		for _, d := range t.Shape {
			dims.Append(int64(d))
		}
		if t.Aliases != "" {
			aliases.Append(string(t.Aliases))
		} else {
			aliases.AppendNull()
		}
	}
	return b.NewRecord()
}

// WriteFile writes the layout as a single-record Arrow IPC file.
func WriteFile(path string, l *checkpoint.Layout) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	mem := memory.NewGoAllocator()
	rec := Build(mem, l)
	defer rec.Release()

	w, err := ipc.NewFileWriter(f, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(mem))
	if err != nil {
		return fmt.Errorf("arrow writer: %w", err)
	}
	if err := w.Write(rec); err != nil {
		_ = w.Close()
		return fmt.Errorf("arrow write: %w", err)
	}
	return w.Close()
}

// ReadFile reads a manifest written by WriteFile back into a config and the
// tensor specs it describes.
func ReadFile(path string) (checkpoint.Config, []checkpoint.TensorSpec, error) {
	f, err := os.Open(path)
	if err != nil {
		return checkpoint.Config{}, nil, err
	}
	defer f.Close()

	r, err := ipc.NewFileReader(f, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return checkpoint.Config{}, nil, fmt.Errorf("arrow reader: %w", err)
	}
	defer r.Close()

	cfg, err := configFromMetadata(r.Schema().Metadata())
	if err != nil {
		return checkpoint.Config{}, nil, err
	}
	if err := checkSchema(r.Schema(), Schema(cfg)); err != nil {
		return checkpoint.Config{}, nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	if r.NumRecords() != 1 {
		return checkpoint.Config{}, nil, fmt.Errorf("manifest %s: want 1 record, got %d", path, r.NumRecords())
	}
	rec, err := r.Record(0)
	if err != nil {
		return checkpoint.Config{}, nil, err
	}

	names := rec.Column(colName).(*array.String)
	offsets := rec.Column(colOffset).(*array.Int64)
	shapes := rec.Column(colShape).(*array.List)
	dims := shapes.ListValues().(*array.Int64)
	aliases := rec.Column(colAliases).(*array.String)

	specs := make([]checkpoint.TensorSpec, 0, rec.NumRows())
	for i := 0; i < int(rec.NumRows()); i++ {
		start, end := shapes.ValueOffsets(i)
		shape := make([]int, 0, end-start)
		for j := start; j < end; j++ {
			shape = append(shape, int(dims.Value(int(j))))
		}
		spec := checkpoint.TensorSpec{
			Name:   checkpoint.TensorName(names.Value(i)),
			Offset: offsets.Value(i),
			Shape:  shape,
		}
		if aliases.IsValid(i) {
			spec.Aliases = checkpoint.TensorName(aliases.Value(i))
		}
		specs = append(specs, spec)
	}
	return cfg, specs, nil
}

// checkSchema requires the columns of got to match want by position, name
// and type. Metadata is compared separately by configFromMetadata.
func checkSchema(got, want *arrow.Schema) error {
	if got.NumFields() != want.NumFields() {
		return fmt.Errorf("want %d columns, got %d", want.NumFields(), got.NumFields())
	}
	for i, w := range want.Fields() {
		g := got.Field(i)
		if g.Name != w.Name {
			return fmt.Errorf("column %d: want %q, got %q", i, w.Name, g.Name)
		}
		if !arrow.TypeEqual(g.Type, w.Type) {
			return fmt.Errorf("column %q: want type %s, got %s", w.Name, w.Type, g.Type)
		}
	}
	return nil
}

func configFromMetadata(md arrow.Metadata) (checkpoint.Config, error) {
	get := func(key string) (string, error) {
		idx := md.FindKey(key)
		if idx < 0 {
			return "", fmt.Errorf("manifest metadata missing %q", key)
		}
		return md.Values()[idx], nil
	}
	ints := make([]int, 7)
	for i, key := range metaKeys[:7] {
		s, err := get(key)
		if err != nil {
			return checkpoint.Config{}, err
		}
		if ints[i], err = strconv.Atoi(s); err != nil {
			return checkpoint.Config{}, fmt.Errorf("manifest metadata %s: %w", key, err)
		}
	}
	s, err := get("shared_embedding")
	if err != nil {
		return checkpoint.Config{}, err
	}
	shared, err := strconv.ParseBool(s)
	if err != nil {
		return checkpoint.Config{}, fmt.Errorf("manifest metadata shared_embedding: %w", err)
	}
	return checkpoint.Config{
		Dim:             ints[0],
		HiddenDim:       ints[1],
		NLayers:         ints[2],
		NHeads:          ints[3],
		NKVHeads:        ints[4],
		VocabSize:       ints[5],
		MaxSeqLen:       ints[6],
		SharedEmbedding: shared,
	}, nil
}

// Diff compares manifest specs against a derived layout and returns one line
// per disagreement.
func Diff(want []checkpoint.TensorSpec, got *checkpoint.Layout) []string {
	var out []string
	if len(want) != len(got.Tensors) {
		out = append(out, fmt.Sprintf("tensor count: manifest %d, checkpoint %d", len(want), len(got.Tensors)))
	}
	for i := 0; i < len(want) && i < len(got.Tensors); i++ {
		w, g := want[i], got.Tensors[i]
		if w.String() != g.String() {
			out = append(out, fmt.Sprintf("tensor %d: manifest %s, checkpoint %s", i, w, g))
		}
	}
	return out
}
