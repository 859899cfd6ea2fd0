package prune

import (
	"sort"

	"github.com/23skdu/longbow-whittle/internal/config"
	"github.com/23skdu/longbow-whittle/internal/patch"
	"github.com/23skdu/longbow-whittle/internal/tape"
	"github.com/23skdu/longbow-whittle/internal/task"
)

// circuitProbing sweeps the configured circuit sizes in ascending order,
// training a fresh mask against each size and merging the results. An
// edge keeps the tier of the first, smallest size that selected it:
// tier values are spaced so every earlier-tier edge outranks every
// later-tier edge, which makes the thresholded circuits nest across the
// sweep. The trained sigmoid score orders edges inside a tier.
type circuitProbing struct{}

func (circuitProbing) Name() string { return "circuit_probing" }

func (a circuitProbing) Run(exp config.Experiment, tk *task.Task, st *patch.Store) (*Scores, *History, error) {
	s, err := newSession(exp, tk, st)
	if err != nil {
		return nil, nil, err
	}

	sizes := append([]int(nil), exp.CircuitSizes...)
	sort.Ints(sizes)

	g := tk.Model.Graph()
	merged := NewScores(g)
	hist := NewHistory(a.Name())

	for i, size := range sizes {
		// Start near-closed: with a small target the optimizer recruits
		// edges upward instead of fighting the regularizer from a fully
		// live model.
		masks, h, err := s.trainMasks(trainOpts{
			algorithm: a.Name(),
			target:    size,
			init:      -tape.InitMaskLogit(0.9),
		})
		if err != nil {
			return nil, hist, err
		}
		hist.Epochs = append(hist.Epochs, h.Epochs...)

		ps := sigmoidScores(masks, nil)
		sel, _ := ps.TopK(size)
		tier := float32(len(sizes) - i)
		tiered := NewScores(g)
		for module, flags := range sel {
			for idx, f := range flags {
				if !f {
					continue
				}
				v, _ := ps.Get(module, idx)
				if err := tiered.Set(module, idx, tier+v); err != nil {
					return nil, hist, err
				}
			}
		}
		merged.Merge(tiered)
	}

	if err := merged.CheckFinite(); err != nil {
		return nil, hist, err
	}
	return merged, hist, nil
}

func init() {
	Register("circuit_probing", func() Algorithm { return circuitProbing{} })
}
