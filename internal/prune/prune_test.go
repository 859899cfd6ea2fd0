package prune

import (
	"math"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/23skdu/longbow-whittle/internal/config"
	"github.com/23skdu/longbow-whittle/internal/graph"
	"github.com/23skdu/longbow-whittle/internal/model"
	"github.com/23skdu/longbow-whittle/internal/patch"
	"github.com/23skdu/longbow-whittle/internal/tape"
	"github.com/23skdu/longbow-whittle/internal/task"
)

func plantedTask(t *testing.T, exp config.Experiment, seed int64) *task.Task {
	t.Helper()
	tk, err := task.Planted(exp.Model, exp.BatchCount, 2, exp.BatchSize, seed)
	if err != nil {
		t.Fatalf("building planted task: %v", err)
	}
	return tk
}

func assertPlantedCircuit(t *testing.T, g *graph.Graph, sel patch.Selection) {
	t.Helper()
	got := sel.Edges(g)
	want := model.PlantedEdges()
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("selected edges %v, want %v", got, want)
	}
}

func TestRegistryNames(t *testing.T) {
	want := []string{"acdc", "circuit_probing", "knockout", "mask_gradient", "subnetwork_probing"}
	if got := Names(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Names() = %v, want %v", got, want)
	}
	for _, name := range want {
		alg, err := Lookup(name)
		if err != nil {
			t.Fatalf("Lookup(%q): %v", name, err)
		}
		if alg.Name() != name {
			t.Errorf("Lookup(%q).Name() = %q", name, alg.Name())
		}
	}
}

func TestLookupUnknown(t *testing.T) {
	_, err := Lookup("gradient_descent_into_madness")
	if err == nil {
		t.Fatal("unknown algorithm resolved")
	}
	if !strings.Contains(err.Error(), "acdc") {
		t.Errorf("error should list known algorithms, got: %v", err)
	}
}

func TestSessionRejectsBadKnobs(t *testing.T) {
	exp := config.Default()
	tk := plantedTask(t, exp, 1)

	bad := exp
	bad.MaskFn = "soft_serve"
	if _, _, err := (maskGradient{}).Run(bad, tk, patch.NewStore()); err == nil {
		t.Error("bad mask_fn accepted")
	}

	bad = exp
	bad.Objective = "vibes"
	if _, _, err := (maskGradient{}).Run(bad, tk, patch.NewStore()); err == nil {
		t.Error("bad objective accepted")
	}

	bad = exp
	bad.PatchRegime = "clean"
	if _, _, err := (maskGradient{}).Run(bad, tk, patch.NewStore()); err == nil {
		t.Error("clean patch regime accepted")
	}

	bad = exp
	bad.ACDCTau = 0
	if _, _, err := (acdcSearch{}).Run(bad, tk, patch.NewStore()); err == nil {
		t.Error("zero tau accepted")
	}
}

func TestMaskGradientRecoversPlantedCircuit(t *testing.T) {
	exp := config.Default()
	exp.Objective = "answer_margin" // gradients vanish at the clean point under kl_div
	tk := plantedTask(t, exp, 1)

	alg, err := Lookup("mask_gradient")
	if err != nil {
		t.Fatal(err)
	}
	scores, _, err := alg.Run(exp, tk, patch.NewStore())
	if err != nil {
		t.Fatalf("mask_gradient run: %v", err)
	}

	g := tk.Model.Graph()
	if got := scores.ScoredCount(); got != g.EdgeCount() {
		t.Fatalf("scored %d edges, want the full universe of %d", got, g.EdgeCount())
	}
	sel, _ := scores.TopK(3)
	assertPlantedCircuit(t, g, sel)
}

func TestMaskGradientDeterministic(t *testing.T) {
	exp := config.Default()
	exp.Objective = "answer_margin"
	tk := plantedTask(t, exp, 1)

	a, _, err := (maskGradient{}).Run(exp, tk, patch.NewStore())
	if err != nil {
		t.Fatal(err)
	}
	b, _, err := (maskGradient{}).Run(exp, tk, patch.NewStore())
	if err != nil {
		t.Fatal(err)
	}
	g := tk.Model.Graph()
	for _, m := range g.Modules {
		ta, _ := a.Tensor(m.Name)
		tb, _ := b.Tensor(m.Name)
		for i := range ta.Data {
			if ta.Data[i] != tb.Data[i] {
				t.Fatalf("%s[%d] differs between identical runs: %v vs %v",
					m.Name, i, ta.Data[i], tb.Data[i])
			}
		}
	}
}

func TestACDCKeepsOnlyPlantedEdges(t *testing.T) {
	exp := config.Default()
	tk := plantedTask(t, exp, 1)

	alg, err := Lookup("acdc")
	if err != nil {
		t.Fatal(err)
	}
	scores, _, err := alg.Run(exp, tk, patch.NewStore())
	if err != nil {
		t.Fatalf("acdc run: %v", err)
	}

	g := tk.Model.Graph()
	nonzero := 0
	for _, e := range g.Edges() {
		m, _ := g.Module(e.Dest.Module)
		idx := e.Dest.Row*m.SrcCols + e.Src.SrcIdx
		v, ok := scores.Get(e.Dest.Module, idx)
		if !ok {
			t.Fatalf("edge %s left unscored", e.Name())
		}
		if v != 0 {
			nonzero++
		}
	}
	if nonzero != 3 {
		t.Fatalf("%d edges survived the sweep, want the 3 planted ones", nonzero)
	}
	sel, _ := scores.TopK(3)
	assertPlantedCircuit(t, g, sel)
}

func TestCircuitProbingRecoversAcrossSeeds(t *testing.T) {
	want := model.PlantedEdges()
	recovered := 0
	for seed := int64(0); seed < 10; seed++ {
		exp := config.Default()
		exp.Seed = seed
		tk := plantedTask(t, exp, 1000+seed)

		alg, err := Lookup("circuit_probing")
		if err != nil {
			t.Fatal(err)
		}
		scores, hist, err := alg.Run(exp, tk, patch.NewStore())
		if err != nil {
			t.Fatalf("seed %d: %v", seed, err)
		}
		if len(hist.Epochs) != exp.Epochs*len(exp.CircuitSizes) {
			t.Fatalf("seed %d: history has %d epochs, want %d",
				seed, len(hist.Epochs), exp.Epochs*len(exp.CircuitSizes))
		}

		sel, _ := scores.TopK(3)
		got := sel.Edges(tk.Model.Graph())
		if reflect.DeepEqual(got, want) {
			recovered++
		} else {
			t.Logf("seed %d missed: %v", seed, got)
		}
	}
	if recovered < 8 {
		t.Fatalf("recovered the planted circuit in %d/10 seeds, want at least 8", recovered)
	}
}

func TestSubnetworkProbingConverges(t *testing.T) {
	exp := config.Default()
	tk := plantedTask(t, exp, 1)

	alg, err := Lookup("subnetwork_probing")
	if err != nil {
		t.Fatal(err)
	}
	scores, hist, err := alg.Run(exp, tk, patch.NewStore())
	if err != nil {
		t.Fatalf("subnetwork_probing run: %v", err)
	}

	last, ok := hist.Last()
	if !ok {
		t.Fatal("empty training history")
	}
	// Starting near-open, the regularizer should have driven almost every
	// gate shut by the end of the run.
	if last.OpenFraction > 0.3 {
		t.Errorf("final open fraction %v, want well below the initial ~0.9", last.OpenFraction)
	}
	sel, _ := scores.TopK(3)
	assertPlantedCircuit(t, tk.Model.Graph(), sel)
}

func TestKnockoutFindsCompleteCircuitSame(t *testing.T) {
	exp := config.Default()
	exp.Objective = "answer_margin" // the baseline sweep needs live gradients
	tk := plantedTask(t, exp, 1)

	alg, err := Lookup("knockout")
	if err != nil {
		t.Fatal(err)
	}
	scores, hist, err := alg.Run(exp, tk, patch.NewStore())
	if err != nil {
		t.Fatalf("knockout run: %v", err)
	}

	// Only the candidate circuit's own edges are scored.
	if got := scores.ScoredCount(); got != 3 {
		t.Fatalf("scored %d edges, want 3", got)
	}
	for _, name := range model.PlantedEdges() {
		found := false
		g := tk.Model.Graph()
		for _, e := range g.Edges() {
			if e.Name() != name {
				continue
			}
			m, _ := g.Module(e.Dest.Module)
			if _, ok := scores.Get(e.Dest.Module, e.Dest.Row*m.SrcCols+e.Src.SrcIdx); ok {
				found = true
			}
		}
		if !found {
			t.Errorf("candidate edge %s carries no score", name)
		}
	}

	// The planted circuit is complete: knocking its edges out of both the
	// circuit and the full model moves them in lockstep, so the adversary
	// never finds a divergence worth keeping.
	last, ok := hist.Last()
	if !ok {
		t.Fatal("empty training history")
	}
	if math.Abs(last.Faithfulness) > 0.05 {
		t.Errorf("adversarial divergence %v, want near zero for a complete circuit", last.Faithfulness)
	}
}

func TestSparsityTermZeroAtTarget(t *testing.T) {
	g := toyGraph()
	masks := patch.NewMaskState(g, -99)

	// Saturate four gates open; at +/-99 the open probability is 0 or 1
	// to within float32 resolution, so the expected-open total is 4.
	data := masks.Tensors["resid_end"].Data
	data[0], data[2], data[4], data[6] = 99, 99, 99, 99

	term := func(sel patch.Selection, target int) float32 {
		return sparsityTerm(tape.NewEval(), masks, sel, target).Data[0]
	}

	if v := term(nil, 4); v != 0 {
		t.Errorf("term at target = %v, want 0", v)
	}
	if v := term(nil, 5); v != 0 {
		t.Errorf("term below target = %v, want 0", v)
	}
	if v := term(nil, 2); math.Abs(float64(v)-1) > 1e-6 {
		t.Errorf("term at twice the target = %v, want 1", v)
	}

	// A selection narrows the count to the flagged entries.
	sel := patch.Selection{"resid_end": make([]bool, len(data))}
	sel["resid_end"][0] = true
	sel["resid_end"][2] = true
	if v := term(sel, 2); v != 0 {
		t.Errorf("selected pair at target = %v, want 0", v)
	}
	if v := term(sel, 1); math.Abs(float64(v)-1) > 1e-6 {
		t.Errorf("selected pair over target = %v, want 1", v)
	}
}

func TestHistorySaveRoundTrip(t *testing.T) {
	hist := NewHistory("acdc")
	hist.Target = 3
	hist.Append(EpochStats{Epoch: 0, Target: 3, Loss: 1.5, Faithfulness: 1.2, Sparsity: 0.3, OpenFraction: 0.5})

	path := filepath.Join(t.TempDir(), "history.json")
	if err := hist.SaveToFile(path); err != nil {
		t.Fatalf("SaveToFile: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{`"algorithm": "acdc"`, `"open_fraction": 0.5`} {
		if !strings.Contains(string(data), want) {
			t.Errorf("saved history missing %s:\n%s", want, data)
		}
	}
}
