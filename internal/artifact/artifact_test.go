package artifact

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-whittle/internal/config"
	"github.com/23skdu/longbow-whittle/internal/graph"
	"github.com/23skdu/longbow-whittle/internal/prune"
)

func testMeta() Meta {
	return Meta{
		Algorithm: "circuit_probing",
		Task:      "planted-trigger",
		Shape:     config.Default().Model,
	}
}

func TestRoundTrip(t *testing.T) {
	meta := testMeta()
	g := graph.Build(meta.Shape)
	scores := prune.NewScores(g)
	require.NoError(t, scores.Set("blk.0.v_in", 0, 2.5))
	require.NoError(t, scores.Set("blk.1.v_in", 5, -0.125))
	require.NoError(t, scores.Set("resid_end", 5, 1.0000001))
	require.NoError(t, scores.Set("blk.0.q_in", 1, 0)) // explicit zero survives

	path := filepath.Join(t.TempDir(), "scores.arrow")
	require.NoError(t, Write(path, scores, meta))

	got, gotMeta, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, meta, gotMeta)
	assert.Equal(t, scores.ScoredCount(), got.ScoredCount())

	for _, m := range g.Modules {
		want, _ := scores.Tensor(m.Name)
		have, ok := got.Tensor(m.Name)
		require.True(t, ok, "module %s missing after read", m.Name)
		assert.Equal(t, want.Data, have.Data, "module %s values", m.Name)
		assert.Equal(t, scores.ScoredFlags(m.Name), got.ScoredFlags(m.Name), "module %s flags", m.Name)
	}

	// The explicitly scored zero is still distinguishable from unscored.
	v, ok := got.Get("blk.0.q_in", 1)
	assert.True(t, ok)
	assert.Equal(t, float32(0), v)
	_, ok = got.Get("blk.0.q_in", 0)
	assert.False(t, ok)
}

func TestRoundTripPreservesSelection(t *testing.T) {
	meta := testMeta()
	g := graph.Build(meta.Shape)
	scores := prune.NewScores(g)
	i := 0
	for _, m := range g.Modules {
		for idx := 0; idx < m.Rows*m.SrcCols; idx++ {
			require.NoError(t, scores.Set(m.Name, idx, float32(i)*0.25))
			i++
		}
	}

	path := filepath.Join(t.TempDir(), "scores.arrow")
	require.NoError(t, Write(path, scores, meta))
	got, _, err := Read(path)
	require.NoError(t, err)

	wantSel, wantTh := scores.TopK(5)
	gotSel, gotTh := got.TopK(5)
	assert.Equal(t, wantTh, gotTh)
	assert.Equal(t, wantSel.Edges(g), gotSel.Edges(g))
}

func TestRecordShape(t *testing.T) {
	meta := testMeta()
	g := graph.Build(meta.Shape)
	rec, err := Record(prune.NewScores(g), meta)
	require.NoError(t, err)
	defer rec.Release()

	assert.EqualValues(t, len(g.Modules), rec.NumRows())
	assert.EqualValues(t, 5, rec.NumCols())
	for i, name := range []string{"module", "rows", "cols", "scores", "scored"} {
		assert.Equal(t, name, rec.Schema().Field(i).Name)
	}
	md := rec.Schema().Metadata()
	require.GreaterOrEqual(t, md.FindKey("algorithm"), 0)
	assert.Equal(t, meta.Algorithm, md.Values()[md.FindKey("algorithm")])
}

func TestReadMissingFile(t *testing.T) {
	_, _, err := Read(filepath.Join(t.TempDir(), "nope.arrow"))
	require.Error(t, err)
}

func TestReadGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage.arrow")
	require.NoError(t, os.WriteFile(path, []byte("not an arrow file"), 0644))
	_, _, err := Read(path)
	require.Error(t, err)
}
