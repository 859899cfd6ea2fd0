package integration

import (
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/23skdu/longbow-whittle/internal/artifact"
	"github.com/23skdu/longbow-whittle/internal/config"
	"github.com/23skdu/longbow-whittle/internal/eval"
	"github.com/23skdu/longbow-whittle/internal/model"
	"github.com/23skdu/longbow-whittle/internal/patch"
	"github.com/23skdu/longbow-whittle/internal/prune"
	"github.com/23skdu/longbow-whittle/internal/task"
)

// TestE2E_DiscoveryPipeline drives the same flow the whittle CLI does:
// plant a task, score the edge universe with ACDC, persist the scores
// as an Arrow artifact, reload them, and verify the recovered circuit
// is faithful under a resample sweep.
func TestE2E_DiscoveryPipeline(t *testing.T) {
	cfg := config.Default()
	cfg.Algorithm = "acdc"

	tk, err := task.Planted(cfg.Model, cfg.BatchCount, 2, cfg.BatchSize, 1)
	if err != nil {
		t.Fatalf("Failed to build task: %v", err)
	}

	alg, err := prune.Lookup(cfg.Algorithm)
	if err != nil {
		t.Fatalf("Failed to resolve algorithm: %v", err)
	}

	st := patch.NewStore()
	defer st.ReleaseAll()

	scores, _, err := alg.Run(cfg, tk, st)
	if err != nil {
		t.Fatalf("Discovery run failed: %v", err)
	}

	g := tk.Model.Graph()
	if scores.ScoredCount() != g.EdgeCount() {
		t.Fatalf("Scored %d edges, want %d", scores.ScoredCount(), g.EdgeCount())
	}
	t.Logf("Scored %d edges", scores.ScoredCount())

	// Persist and reload, the way one process hands scores to the next.
	path := filepath.Join(t.TempDir(), "scores.arrow")
	meta := artifact.Meta{Algorithm: cfg.Algorithm, Task: tk.Name, Shape: cfg.Model}
	if err := artifact.Write(path, scores, meta); err != nil {
		t.Fatalf("Failed to write artifact: %v", err)
	}

	loaded, gotMeta, err := artifact.Read(path)
	if err != nil {
		t.Fatalf("Failed to read artifact: %v", err)
	}
	if gotMeta != meta {
		t.Fatalf("Artifact meta = %+v, want %+v", gotMeta, meta)
	}

	sel, _ := loaded.TopK(3)
	if got, want := sel.Edges(loaded.Graph()), model.PlantedEdges(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Recovered circuit %v, want %v", got, want)
	}

	// The reloaded scores drive the evaluation just like in-memory ones.
	points, err := eval.Sweep(cfg, tk, st, loaded)
	if err != nil {
		t.Fatalf("Evaluation sweep failed: %v", err)
	}
	if len(points) != 1 {
		t.Fatalf("Sweep produced %d points, want 1", len(points))
	}
	if points[0].KL > 1e-3 {
		t.Errorf("Complement-ablated circuit diverges: KL=%v", points[0].KL)
	}
	t.Logf("Circuit of %d edges, KL=%g", points[0].Edges, points[0].KL)

	// Ablating the circuit itself must destroy the behavior.
	broken := cfg
	broken.Ablation = "circuit"
	points, err = eval.Sweep(broken, tk, st, loaded)
	if err != nil {
		t.Fatalf("Circuit-ablation sweep failed: %v", err)
	}
	if points[0].KL < 1 {
		t.Errorf("Circuit ablation barely moved the output: KL=%v", points[0].KL)
	}
}

// TestE2E_TrainedMaskDiscovery checks the gradient-trained path end to
// end: subnetwork probing drives its gates shut around the planted
// circuit and leaves a reloadable training curve behind.
func TestE2E_TrainedMaskDiscovery(t *testing.T) {
	cfg := config.Default()
	cfg.Algorithm = "subnetwork_probing"

	tk, err := task.Planted(cfg.Model, cfg.BatchCount, 2, cfg.BatchSize, 1)
	if err != nil {
		t.Fatalf("Failed to build task: %v", err)
	}

	alg, err := prune.Lookup(cfg.Algorithm)
	if err != nil {
		t.Fatalf("Failed to resolve algorithm: %v", err)
	}

	st := patch.NewStore()
	defer st.ReleaseAll()

	scores, hist, err := alg.Run(cfg, tk, st)
	if err != nil {
		t.Fatalf("Discovery run failed: %v", err)
	}
	if hist == nil {
		t.Fatal("No training curve returned")
	}
	if len(hist.Epochs) != cfg.Epochs {
		t.Fatalf("Training curve has %d epochs, want %d", len(hist.Epochs), cfg.Epochs)
	}

	sel, _ := scores.TopK(3)
	if got, want := sel.Edges(tk.Model.Graph()), model.PlantedEdges(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Recovered circuit %v, want %v", got, want)
	}

	// The curve lands on disk as JSON for offline inspection.
	path := filepath.Join(t.TempDir(), "history.json")
	if err := hist.SaveToFile(path); err != nil {
		t.Fatalf("Failed to save history: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read history: %v", err)
	}
	var reloaded prune.History
	if err := json.Unmarshal(data, &reloaded); err != nil {
		t.Fatalf("History is not valid JSON: %v", err)
	}
	if reloaded.Algorithm != "subnetwork_probing" {
		t.Errorf("History algorithm = %q", reloaded.Algorithm)
	}
	if len(reloaded.Epochs) != len(hist.Epochs) {
		t.Errorf("History epochs = %d, want %d", len(reloaded.Epochs), len(hist.Epochs))
	}
}
