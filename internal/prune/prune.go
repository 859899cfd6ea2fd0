package prune

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/23skdu/longbow-whittle/internal/config"
	"github.com/23skdu/longbow-whittle/internal/metrics"
	"github.com/23skdu/longbow-whittle/internal/patch"
	"github.com/23skdu/longbow-whittle/internal/tape"
	"github.com/23skdu/longbow-whittle/internal/task"
)

// ErrNonFiniteLoss aborts a run whose objective degenerated to NaN or
// Inf. The partial mask state is discarded; callers surface the error.
var ErrNonFiniteLoss = errors.New("non-finite loss")

// Algorithm scores every edge of a task's graph.
type Algorithm interface {
	Name() string
	Run(exp config.Experiment, tk *task.Task, st *patch.Store) (*Scores, *History, error)
}

var algorithms = make(map[string]func() Algorithm)

// Register adds an algorithm constructor under its name. Registration
// happens in init; a duplicate name is a programming error.
func Register(name string, f func() Algorithm) {
	if _, dup := algorithms[name]; dup {
		panic("prune: duplicate algorithm " + name)
	}
	algorithms[name] = f
}

// Lookup resolves a configured algorithm name.
func Lookup(name string) (Algorithm, error) {
	f, ok := algorithms[name]
	if !ok {
		return nil, fmt.Errorf("unknown algorithm: %q (known: %v)", name, Names())
	}
	return f(), nil
}

// Names lists the registered algorithms in sorted order.
func Names() []string {
	out := make([]string, 0, len(algorithms))
	for name := range algorithms {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ValidObjectives names the supported faithfulness objectives.
var ValidObjectives = []string{"answer_margin", "kl_div", "mse"}

func checkObjective(name string) error {
	for _, v := range ValidObjectives {
		if name == v {
			return nil
		}
	}
	return fmt.Errorf("unknown objective: %q (known: %v)", name, ValidObjectives)
}

// session is the per-run state the algorithms share: parsed knobs,
// recorded patch activations, and detached clean references per batch.
type session struct {
	exp       config.Experiment
	tk        *task.Task
	st        *patch.Store
	regime    patch.Regime
	fn        patch.MaskFn
	refLp     map[patch.BatchKey][]float32
	refLogits map[patch.BatchKey][]float32
}

// newSession validates the experiment knobs, records the patch regime
// for every training batch that is not cached yet, and captures the
// clean reference outputs the objectives compare against.
func newSession(exp config.Experiment, tk *task.Task, st *patch.Store) (*session, error) {
	regime, err := patch.ParsePatchRegime(exp.PatchRegime)
	if err != nil {
		return nil, err
	}
	fn, err := patch.ParseMaskFn(exp.MaskFn)
	if err != nil {
		return nil, err
	}
	if err := checkObjective(exp.Objective); err != nil {
		return nil, err
	}
	if len(tk.Train) == 0 {
		return nil, fmt.Errorf("task %q has no training batches", tk.Name)
	}

	s := &session{
		exp:       exp,
		tk:        tk,
		st:        st,
		regime:    regime,
		fn:        fn,
		refLp:     make(map[patch.BatchKey][]float32, len(tk.Train)),
		refLogits: make(map[patch.BatchKey][]float32, len(tk.Train)),
	}
	for _, b := range tk.Train {
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
		lp := tp.LogSoftmax(logits)
		s.refLp[b.Key] = lp.CloneData()
		s.refLogits[b.Key] = logits.CloneData()
	}
	return s, nil
}

// faithTerm builds the batch's faithfulness loss, lower meaning the
// patched pass behaves more like the clean model.
func (s *session) faithTerm(tp *tape.Tape, b task.Batch, logits *tape.Tensor) *tape.Tensor {
	switch s.exp.Objective {
	case "kl_div":
		ref := tape.FromSlice(logits.Rows, logits.Cols, s.refLp[b.Key])
		return tp.KLDiv(ref, tp.LogSoftmax(logits))
	case "mse":
		return tp.MSE(logits, s.refLogits[b.Key])
	case "answer_margin":
		return tp.Scale(tp.Margin(logits, b.Answers, b.Wrongs), -1)
	}
	panic("prune: objective validated but not handled: " + s.exp.Objective)
}

// sparsityTerm penalizes the expected open edge count above target:
// relu(sum(open probabilities)/target - 1). Selections restrict the sum
// to the entries a run is allowed to move; nil means all edges.
func sparsityTerm(tp *tape.Tape, masks *patch.MaskState, sel patch.Selection, target int) *tape.Tensor {
	if target < 1 {
		target = 1
	}
	var opens []*tape.Tensor
	for _, m := range masks.Graph.Modules {
		probs := tp.OpenProbs(masks.Tensors[m.Name])
		var flags []bool
		if sel != nil {
			flags = sel[m.Name]
		}
		opens = append(opens, tp.SelectSum(probs, flags))
	}
	total := tp.SumAll(opens)
	return tp.ReLU(tp.AddConst(tp.Scale(total, 1/float32(target)), -1))
}

func finite(v float32) bool {
	f := float64(v)
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// evalKL measures the mean divergence of the current raw-masked pass
// from the clean reference, without recording gradients.
func (s *session) evalKL(masks *patch.MaskState) (float64, error) {
	var total float64
	for _, b := range s.tk.Train {
		snap, err := s.st.Snapshot(s.regime, b.Key)
		if err != nil {
			return 0, err
		}
		tp := tape.NewEval()
		run := patch.NewRun(masks, snap, patch.MaskRaw, nil)
		logits := s.tk.Model.Forward(tp, b.Clean, run)
		metrics.RecordForward("patched")
		ref := tape.FromSlice(logits.Rows, logits.Cols, s.refLp[b.Key])
		kl := tp.KLDiv(ref, tp.LogSoftmax(logits))
		total += float64(kl.Data[0])
	}
	return total / float64(len(s.tk.Train)), nil
}
