// Package artifact persists prune scores as Arrow IPC files. One row
// per destination module, in graph order, with the flat score slab and
// the scored bitmap as list columns; the model shape and run identity
// travel in schema metadata so a file is self-describing.
package artifact

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-whittle/internal/config"
	"github.com/23skdu/longbow-whittle/internal/graph"
	"github.com/23skdu/longbow-whittle/internal/prune"
)

// Meta identifies the run a score file came from.
type Meta struct {
	Algorithm string
	Task      string
	Shape     config.ModelShape
}

func scoreSchema(meta Meta) *arrow.Schema {
	md := arrow.NewMetadata(
		[]string{
			"algorithm", "task",
			"vocab_size", "seq_len", "dim", "heads", "head_dim",
			"hidden_dim", "layers", "eps",
		},
		[]string{
			meta.Algorithm, meta.Task,
			strconv.Itoa(meta.Shape.VocabSize),
			strconv.Itoa(meta.Shape.SeqLen),
			strconv.Itoa(meta.Shape.Dim),
			strconv.Itoa(meta.Shape.Heads),
			strconv.Itoa(meta.Shape.HeadDim),
			strconv.Itoa(meta.Shape.HiddenDim),
			strconv.Itoa(meta.Shape.Layers),
			strconv.FormatFloat(float64(meta.Shape.Eps), 'g', -1, 32),
		},
	)
	return arrow.NewSchema([]arrow.Field{
		{Name: "module", Type: arrow.BinaryTypes.String},
		{Name: "rows", Type: arrow.PrimitiveTypes.Int32},
		{Name: "cols", Type: arrow.PrimitiveTypes.Int32},
		{Name: "scores", Type: arrow.ListOf(arrow.PrimitiveTypes.Float32)},
		{Name: "scored", Type: arrow.ListOf(arrow.FixedWidthTypes.Boolean)},
	}, &md)
}

// Record assembles the one-record score batch shared by the file writer
// and the Flight exporter. The caller releases it.
func Record(scores *prune.Scores, meta Meta) (arrow.Record, error) {
	g := scores.Graph()
	schema := scoreSchema(meta)

	b := array.NewRecordBuilder(memory.NewGoAllocator(), schema)
	defer b.Release()
	moduleB := b.Field(0).(*array.StringBuilder)
	rowsB := b.Field(1).(*array.Int32Builder)
	colsB := b.Field(2).(*array.Int32Builder)
	scoresB := b.Field(3).(*array.ListBuilder)
	scoreVals := scoresB.ValueBuilder().(*array.Float32Builder)
	scoredB := b.Field(4).(*array.ListBuilder)
	scoredVals := scoredB.ValueBuilder().(*array.BooleanBuilder)

	for _, m := range g.Modules {
		t, ok := scores.Tensor(m.Name)
		if !ok {
			return nil, fmt.Errorf("scores missing module %q", m.Name)
		}
		moduleB.Append(m.Name)
		rowsB.Append(int32(m.Rows))
		colsB.Append(int32(m.SrcCols))
		scoresB.Append(true)
		scoreVals.AppendValues(t.Data, nil)
		scoredB.Append(true)
		scoredVals.AppendValues(scores.ScoredFlags(m.Name), nil)
	}
	return b.NewRecord(), nil
}

// Write saves a score set. Module rows keep the graph's stable order,
// and float values round-trip exactly.
func Write(path string, scores *prune.Scores, meta Meta) error {
	rec, err := Record(scores, meta)
	if err != nil {
		return err
	}
	defer rec.Release()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()

	w, err := ipc.NewFileWriter(f, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return fmt.Errorf("failed to open IPC writer: %w", err)
	}
	if err := w.Write(rec); err != nil {
		w.Close()
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close IPC writer: %w", err)
	}
	return nil
}

func metaValue(md arrow.Metadata, key string) (string, error) {
	i := md.FindKey(key)
	if i < 0 {
		return "", fmt.Errorf("score file metadata missing %q", key)
	}
	return md.Values()[i], nil
}

func metaInt(md arrow.Metadata, key string) (int, error) {
	s, err := metaValue(md, key)
	if err != nil {
		return 0, err
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("score file metadata %q: %w", key, err)
	}
	return v, nil
}

func readMeta(schema *arrow.Schema) (Meta, error) {
	md := schema.Metadata()
	var meta Meta
	var err error
	if meta.Algorithm, err = metaValue(md, "algorithm"); err != nil {
		return meta, err
	}
	if meta.Task, err = metaValue(md, "task"); err != nil {
		return meta, err
	}
	fields := []struct {
		key string
		dst *int
	}{
		{"vocab_size", &meta.Shape.VocabSize},
		{"seq_len", &meta.Shape.SeqLen},
		{"dim", &meta.Shape.Dim},
		{"heads", &meta.Shape.Heads},
		{"head_dim", &meta.Shape.HeadDim},
		{"hidden_dim", &meta.Shape.HiddenDim},
		{"layers", &meta.Shape.Layers},
	}
	for _, f := range fields {
		if *f.dst, err = metaInt(md, f.key); err != nil {
			return meta, err
		}
	}
	eps, err := metaValue(md, "eps")
	if err != nil {
		return meta, err
	}
	e, err := strconv.ParseFloat(eps, 32)
	if err != nil {
		return meta, fmt.Errorf("score file metadata %q: %w", "eps", err)
	}
	meta.Shape.Eps = float32(e)
	return meta, nil
}

// Read loads a score file, rebuilding the edge universe from the
// embedded model shape and validating every module against it.
func Read(path string) (*prune.Scores, Meta, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, Meta{}, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	r, err := ipc.NewFileReader(f, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return nil, Meta{}, fmt.Errorf("failed to open IPC reader: %w", err)
	}
	defer r.Close()

	meta, err := readMeta(r.Schema())
	if err != nil {
		return nil, Meta{}, err
	}
	if err := meta.Shape.Validate(); err != nil {
		return nil, Meta{}, fmt.Errorf("score file shape: %w", err)
	}
	g := graph.Build(meta.Shape)
	scores := prune.NewScores(g)

	seen := 0
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, Meta{}, fmt.Errorf("failed to read record: %w", err)
		}
		if err := mergeRecord(scores, g, rec); err != nil {
			return nil, Meta{}, err
		}
		seen += int(rec.NumRows())
	}
	if seen != len(g.Modules) {
		return nil, Meta{}, fmt.Errorf("score file has %d modules, shape expects %d", seen, len(g.Modules))
	}
	return scores, meta, nil
}

// mergeRecord copies one record's rows into the score set. Values are
// copied out before the reader recycles the record.
func mergeRecord(scores *prune.Scores, g *graph.Graph, rec arrow.Record) error {
	if rec.NumCols() != 5 {
		return fmt.Errorf("score record has %d columns, want 5", rec.NumCols())
	}
	modCol, ok := rec.Column(0).(*array.String)
	if !ok {
		return fmt.Errorf("module column has type %s", rec.Column(0).DataType())
	}
	rowsCol, ok := rec.Column(1).(*array.Int32)
	if !ok {
		return fmt.Errorf("rows column has type %s", rec.Column(1).DataType())
	}
	colsCol, ok := rec.Column(2).(*array.Int32)
	if !ok {
		return fmt.Errorf("cols column has type %s", rec.Column(2).DataType())
	}
	scoresCol, ok := rec.Column(3).(*array.List)
	if !ok {
		return fmt.Errorf("scores column has type %s", rec.Column(3).DataType())
	}
	scoredCol, ok := rec.Column(4).(*array.List)
	if !ok {
		return fmt.Errorf("scored column has type %s", rec.Column(4).DataType())
	}
	scoreVals := scoresCol.ListValues().(*array.Float32)
	scoredVals := scoredCol.ListValues().(*array.Boolean)

	for i := 0; i < int(rec.NumRows()); i++ {
		name := modCol.Value(i)
		m, ok := g.Module(name)
		if !ok {
			return fmt.Errorf("score file names unknown module %q", name)
		}
		if int(rowsCol.Value(i)) != m.Rows || int(colsCol.Value(i)) != m.SrcCols {
			return fmt.Errorf("module %q is %dx%d in the file, %dx%d in the shape",
				name, rowsCol.Value(i), colsCol.Value(i), m.Rows, m.SrcCols)
		}
		want := m.Rows * m.SrcCols

		vStart, vEnd := scoresCol.ValueOffsets(i)
		fStart, fEnd := scoredCol.ValueOffsets(i)
		if int(vEnd-vStart) != want || int(fEnd-fStart) != want {
			return fmt.Errorf("module %q carries %d scores and %d flags, want %d",
				name, vEnd-vStart, fEnd-fStart, want)
		}
		for j := 0; j < want; j++ {
			if !scoredVals.Value(int(fStart) + j) {
				continue
			}
			if err := scores.Set(name, j, scoreVals.Value(int(vStart)+j)); err != nil {
				return err
			}
		}
	}
	return nil
}
