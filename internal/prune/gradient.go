package prune

import (
	"github.com/23skdu/longbow-whittle/internal/config"
	"github.com/23skdu/longbow-whittle/internal/metrics"
	"github.com/23skdu/longbow-whittle/internal/patch"
	"github.com/23skdu/longbow-whittle/internal/tape"
	"github.com/23skdu/longbow-whittle/internal/task"
)

// maskGradient scores every edge from a single backward pass per batch.
// With raw gates pinned at zero the patched pass reproduces the clean
// pass exactly, and the gradient of the objective with respect to each
// gate measures the first-order effect of switching that edge's patch
// on. Gradients accumulate across batches; no optimizer step ever runs.
type maskGradient struct{}

func (maskGradient) Name() string { return "mask_gradient" }

func (a maskGradient) Run(exp config.Experiment, tk *task.Task, st *patch.Store) (*Scores, *History, error) {
	s, err := newSession(exp, tk, st)
	if err != nil {
		return nil, nil, err
	}
	g := tk.Model.Graph()
	masks := patch.NewMaskState(g, 0)

	for _, b := range tk.Train {
		snap, err := st.Snapshot(s.regime, b.Key)
		if err != nil {
			return nil, nil, err
		}
		tp := tape.NewTape()
		run := patch.NewRun(masks, snap, patch.MaskRaw, nil)
		logits := tk.Model.Forward(tp, b.Clean, run)
		metrics.RecordForward("patched")
		faith := s.faithTerm(tp, b, logits)
		tp.Backward(faith)
	}

	scores := NewScores(g)
	for _, m := range g.Modules {
		grad := masks.Tensors[m.Name].Grad
		for i, v := range grad {
			if err := scores.Set(m.Name, i, v); err != nil {
				return nil, nil, err
			}
		}
	}
	if err := scores.CheckFinite(); err != nil {
		return nil, nil, err
	}
	return scores, NewHistory(a.Name()), nil
}

func init() {
	Register("mask_gradient", func() Algorithm { return maskGradient{} })
}
