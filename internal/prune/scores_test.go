package prune

import (
	"math"
	"testing"

	"github.com/23skdu/longbow-whittle/internal/config"
	"github.com/23skdu/longbow-whittle/internal/graph"
)

func toyGraph() *graph.Graph {
	return graph.Build(config.Default().Model)
}

func TestTopKThreshold(t *testing.T) {
	g := toyGraph()
	s := NewScores(g)
	set := func(module string, idx int, v float32) {
		t.Helper()
		if err := s.Set(module, idx, v); err != nil {
			t.Fatalf("Set(%s, %d): %v", module, idx, err)
		}
	}
	set("resid_end", 5, 0.9)
	set("blk.1.v_in", 5, -0.8) // magnitude ranks, sign does not
	set("blk.0.v_in", 0, 0.7)
	set("blk.0.mlp_in", 2, 0.1)

	sel, th := s.TopK(3)
	if got := sel.Count(); got != 3 {
		t.Fatalf("TopK(3) selected %d edges", got)
	}
	if th != 0.7 {
		t.Errorf("threshold = %v, want 0.7", th)
	}
	if !sel["blk.1.v_in"][5] || !sel["resid_end"][5] || !sel["blk.0.v_in"][0] {
		t.Errorf("TopK(3) missed a high-magnitude edge: %v", sel.Edges(g))
	}

	// Exactly k scored edges sit at or above the returned threshold.
	atOrAbove := 0
	for _, m := range g.Modules {
		tensor, _ := s.Tensor(m.Name)
		for i, f := range s.ScoredFlags(m.Name) {
			if f && float32(math.Abs(float64(tensor.Data[i]))) >= th {
				atOrAbove++
			}
		}
	}
	if atOrAbove != 3 {
		t.Errorf("%d scored edges at or above threshold, want 3", atOrAbove)
	}

	// Oversized requests clamp to the scored count.
	sel, _ = s.TopK(100)
	if got := sel.Count(); got != 4 {
		t.Errorf("TopK(100) selected %d edges, want all 4 scored", got)
	}
	sel, th = s.TopK(0)
	if sel.Count() != 0 || th != 0 {
		t.Errorf("TopK(0) = %d edges, threshold %v", sel.Count(), th)
	}
}

func TestTopKTieBreaksStable(t *testing.T) {
	g := toyGraph()
	s := NewScores(g)
	// Same magnitude in two modules: the earlier module in graph order
	// wins the last slot.
	if err := s.Set("resid_end", 0, 0.5); err != nil {
		t.Fatal(err)
	}
	if err := s.Set("blk.0.q_in", 0, -0.5); err != nil {
		t.Fatal(err)
	}
	sel, _ := s.TopK(1)
	if !sel["blk.0.q_in"][0] {
		t.Errorf("tie broke away from graph order: %v", sel.Edges(g))
	}
}

func TestExplicitZeroBeatsUnscored(t *testing.T) {
	g := toyGraph()
	s := NewScores(g)
	if err := s.Set("blk.0.q_in", 1, 0); err != nil {
		t.Fatal(err)
	}
	if v, ok := s.Get("blk.0.q_in", 1); !ok || v != 0 {
		t.Fatalf("explicit zero reads back as (%v, %v)", v, ok)
	}
	if _, ok := s.Get("blk.0.q_in", 0); ok {
		t.Fatal("unscored entry reports as scored")
	}

	// Even a huge request only ever returns scored entries.
	sel, _ := s.TopK(g.EdgeCount())
	if got := sel.Count(); got != 1 {
		t.Errorf("selection pulled in %d edges, want only the scored one", got)
	}
	if !sel["blk.0.q_in"][1] {
		t.Error("the explicitly zero-scored edge was skipped")
	}
}

func TestMergeKeepsFirstResult(t *testing.T) {
	g := toyGraph()
	first := NewScores(g)
	second := NewScores(g)
	if err := first.Set("resid_end", 5, 2); err != nil {
		t.Fatal(err)
	}
	if err := second.Set("resid_end", 5, 9); err != nil {
		t.Fatal(err)
	}
	if err := second.Set("blk.0.v_in", 0, 1); err != nil {
		t.Fatal(err)
	}

	first.Merge(second)
	if v, _ := first.Get("resid_end", 5); v != 2 {
		t.Errorf("merge overwrote an earlier score: got %v, want 2", v)
	}
	if v, ok := first.Get("blk.0.v_in", 0); !ok || v != 1 {
		t.Errorf("merge dropped a new score: got (%v, %v)", v, ok)
	}
	if got := first.ScoredCount(); got != 2 {
		t.Errorf("ScoredCount = %d, want 2", got)
	}
}

func TestCheckFinite(t *testing.T) {
	g := toyGraph()
	s := NewScores(g)
	if err := s.CheckFinite(); err != nil {
		t.Fatalf("fresh scores rejected: %v", err)
	}
	if err := s.Set("blk.1.mlp_in", 0, float32(math.NaN())); err != nil {
		t.Fatal(err)
	}
	if err := s.CheckFinite(); err == nil {
		t.Fatal("NaN score passed the finite check")
	}
}

func TestSetRejectsBadCoordinates(t *testing.T) {
	s := NewScores(toyGraph())
	if err := s.Set("nope", 0, 1); err == nil {
		t.Error("unknown module accepted")
	}
	if err := s.Set("resid_end", 7, 1); err == nil {
		t.Error("out-of-range index accepted")
	}
	if err := s.Set("resid_end", -1, 1); err == nil {
		t.Error("negative index accepted")
	}
}
