package prune

import (
	"fmt"

	"github.com/23skdu/longbow-whittle/internal/config"
	"github.com/23skdu/longbow-whittle/internal/logger"
	"github.com/23skdu/longbow-whittle/internal/patch"
	"github.com/23skdu/longbow-whittle/internal/task"
)

// acdcSearch walks the edges from the output backwards, tentatively
// patching each one out and keeping it out whenever the divergence from
// the clean model rises by less than tau. Edges that survive are scored
// by the divergence jump their removal caused; pruned edges get an
// explicit zero. The measure is always KL against the clean reference,
// whatever objective the experiment configures for training.
type acdcSearch struct{}

func (acdcSearch) Name() string { return "acdc" }

func (a acdcSearch) Run(exp config.Experiment, tk *task.Task, st *patch.Store) (*Scores, *History, error) {
	s, err := newSession(exp, tk, st)
	if err != nil {
		return nil, nil, err
	}
	if exp.ACDCTau <= 0 {
		return nil, nil, fmt.Errorf("invalid acdc_tau: %f (must be positive)", exp.ACDCTau)
	}

	g := tk.Model.Graph()
	masks := patch.NewMaskState(g, 0)
	scores := NewScores(g)
	log := logger.Log.With(a.Name())

	baseKL, err := s.evalKL(masks)
	if err != nil {
		return nil, nil, err
	}

	edges := g.Edges()
	var kept, pruned int
	for i := len(edges) - 1; i >= 0; i-- {
		e := edges[i]
		m, ok := g.Module(e.Dest.Module)
		if !ok {
			return nil, nil, fmt.Errorf("edge %s names unknown module %q", e.Name(), e.Dest.Module)
		}
		idx := e.Dest.Row*m.SrcCols + e.Src.SrcIdx

		if err := masks.Set(e.Dest.Module, e.Dest.Row, e.Src.SrcIdx, 1); err != nil {
			return nil, nil, err
		}
		kl, err := s.evalKL(masks)
		if err != nil {
			return nil, nil, err
		}
		delta := kl - baseKL

		if delta < exp.ACDCTau {
			// Removal is harmless; the edge stays patched out.
			if err := scores.Set(e.Dest.Module, idx, 0); err != nil {
				return nil, nil, err
			}
			baseKL = kl
			pruned++
			continue
		}
		if err := masks.Set(e.Dest.Module, e.Dest.Row, e.Src.SrcIdx, 0); err != nil {
			return nil, nil, err
		}
		if err := scores.Set(e.Dest.Module, idx, float32(delta)); err != nil {
			return nil, nil, err
		}
		kept++
	}

	log.Info("greedy sweep done", "kept", kept, "pruned", pruned, "final_kl", baseKL)
	if err := scores.CheckFinite(); err != nil {
		return nil, nil, err
	}
	return scores, NewHistory(a.Name()), nil
}

func init() {
	Register("acdc", func() Algorithm { return acdcSearch{} })
}
