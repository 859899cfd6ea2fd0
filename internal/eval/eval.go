// Package eval measures discovered circuits. Each configured size is
// cut from a score set with the magnitude threshold rule, executed with
// hard masks over the task's evaluation batches, and compared against
// the clean model's outputs.
package eval

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/23skdu/longbow-whittle/internal/config"
	"github.com/23skdu/longbow-whittle/internal/logger"
	"github.com/23skdu/longbow-whittle/internal/metrics"
	"github.com/23skdu/longbow-whittle/internal/patch"
	"github.com/23skdu/longbow-whittle/internal/prune"
	"github.com/23skdu/longbow-whittle/internal/tape"
	"github.com/23skdu/longbow-whittle/internal/task"
)

// Ablation names which side of the size cut gets patched during a
// measurement.
type Ablation int

const (
	// AblateComplement keeps the circuit live and patches every other
	// edge, so the measure reads how well the circuit alone reproduces
	// the model.
	AblateComplement Ablation = iota
	// AblateCircuit patches the circuit's own edges and keeps the rest,
	// so the measure reads how much the model depends on the circuit.
	AblateCircuit
)

func (a Ablation) String() string {
	switch a {
	case AblateComplement:
		return "complement"
	case AblateCircuit:
		return "circuit"
	}
	return fmt.Sprintf("ablation(%d)", int(a))
}

// ParseAblation resolves a configured ablation-side name.
func ParseAblation(name string) (Ablation, error) {
	switch name {
	case "complement":
		return AblateComplement, nil
	case "circuit":
		return AblateCircuit, nil
	}
	return 0, fmt.Errorf("unknown ablation: %q (known: complement, circuit)", name)
}

// ValidMeasures names the supported faithfulness measures. Every
// measure is oriented so zero means the patched pass matches the clean
// model exactly.
var ValidMeasures = []string{"answer_margin", "kl_div", "mse"}

func checkMeasure(name string) error {
	for _, v := range ValidMeasures {
		if name == v {
			return nil
		}
	}
	return fmt.Errorf("unknown measure: %q (known: %v)", name, ValidMeasures)
}

// Point is one measured circuit size: the edges admitted by the
// threshold, the threshold itself, and the measure's mean and sample
// deviation over the evaluation batches.
type Point struct {
	Size      int     `json:"size"`
	Edges     int     `json:"edges"`
	Threshold float32 `json:"threshold"`
	Mean      float64 `json:"mean"`
	Std       float64 `json:"std"`
	KL        float64 `json:"kl"`
}

// Sweep measures every configured circuit size, smallest first. The
// experiment's objective doubles as the reported measure: KL divergence
// from the clean reference, mean squared logit error, or the clean
// margin minus the patched margin. KL is always computed alongside for
// the metrics feed.
func Sweep(exp config.Experiment, tk *task.Task, st *patch.Store, scores *prune.Scores) ([]Point, error) {
	regime, err := patch.ParsePatchRegime(exp.PatchRegime)
	if err != nil {
		return nil, err
	}
	ablation, err := ParseAblation(exp.Ablation)
	if err != nil {
		return nil, err
	}
	if err := checkMeasure(exp.Objective); err != nil {
		return nil, err
	}
	if len(tk.Test) == 0 {
		return nil, fmt.Errorf("task %q has no evaluation batches", tk.Name)
	}

	refLp := make(map[patch.BatchKey][]float32, len(tk.Test))
	refLogits := make(map[patch.BatchKey][]float32, len(tk.Test))
	refMargin := make(map[patch.BatchKey]float64, len(tk.Test))
	for _, b := range tk.Test {
		if _, err := st.Snapshot(regime, b.Key); err != nil {
			tokens := b.Corrupt
			if regime == patch.RegimeZero {
				tokens = b.Clean
			}
			if err := st.Record(regime, tk.Model, tokens, b.Key); err != nil {
				return nil, fmt.Errorf("recording %s activations: %w", regime, err)
			}
		}
		tp := tape.NewEval()
		logits := tk.Model.Forward(tp, b.Clean, nil)
		metrics.RecordForward("clean")
		refLp[b.Key] = tp.LogSoftmax(logits).CloneData()
		refLogits[b.Key] = logits.CloneData()
		refMargin[b.Key] = float64(tp.Margin(logits, b.Answers, b.Wrongs).Data[0])
	}

	sizes := append([]int(nil), exp.CircuitSizes...)
	sort.Ints(sizes)

	g := tk.Model.Graph()
	log := logger.Log.With("eval")
	points := make([]Point, 0, len(sizes))
	for _, size := range sizes {
		sel, th := scores.TopK(size)

		// Hard raw masks: a one patches the edge, a zero keeps it live.
		base := float32(0)
		if ablation == AblateComplement {
			base = 1
		}
		masks := patch.NewMaskState(g, base)
		for _, m := range g.Modules {
			data := masks.Tensors[m.Name].Data
			for i, inCircuit := range sel[m.Name] {
				if inCircuit {
					data[i] = 1 - base
				}
			}
		}

		vals := make([]float64, 0, len(tk.Test))
		kls := make([]float64, 0, len(tk.Test))
		for _, b := range tk.Test {
			snap, err := st.Snapshot(regime, b.Key)
			if err != nil {
				return nil, err
			}
			tp := tape.NewEval()
			run := patch.NewRun(masks, snap, patch.MaskRaw, nil)
			logits := tk.Model.Forward(tp, b.Clean, run)
			metrics.RecordForward("patched")

			ref := tape.FromSlice(logits.Rows, logits.Cols, refLp[b.Key])
			kl := float64(tp.KLDiv(ref, tp.LogSoftmax(logits)).Data[0])
			kls = append(kls, kl)

			switch exp.Objective {
			case "kl_div":
				vals = append(vals, kl)
			case "mse":
				vals = append(vals, float64(tp.MSE(logits, refLogits[b.Key]).Data[0]))
			case "answer_margin":
				m := float64(tp.Margin(logits, b.Answers, b.Wrongs).Data[0])
				vals = append(vals, refMargin[b.Key]-m)
			}
		}

		mean, std := stat.MeanStdDev(vals, nil)
		if len(vals) < 2 {
			std = 0
		}
		meanKL, _ := stat.MeanStdDev(kls, nil)
		edges := sel.Count()
		metrics.RecordCircuitEval(edges, meanKL)
		log.Info("circuit measured",
			"size", size,
			"edges", edges,
			"ablation", ablation.String(),
			"measure", exp.Objective,
			"mean", mean,
			"kl", meanKL,
		)
		points = append(points, Point{
			Size:      size,
			Edges:     edges,
			Threshold: th,
			Mean:      mean,
			Std:       std,
			KL:        meanKL,
		})
	}
	return points, nil
}

// Save writes a measured sweep as indented JSON.
func Save(points []Point, filename string) error {
	data, err := json.MarshalIndent(points, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}
