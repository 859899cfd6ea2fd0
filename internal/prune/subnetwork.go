package prune

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/23skdu/longbow-whittle/internal/config"
	"github.com/23skdu/longbow-whittle/internal/graph"
	"github.com/23skdu/longbow-whittle/internal/logger"
	"github.com/23skdu/longbow-whittle/internal/metrics"
	"github.com/23skdu/longbow-whittle/internal/patch"
	"github.com/23skdu/longbow-whittle/internal/tape"
	"github.com/23skdu/longbow-whittle/internal/task"
)

// trainOpts parameterizes the shared mask-training loop.
type trainOpts struct {
	algorithm string
	target    int             // sparsity target, in edges
	init      float32         // starting logit for every mask entry
	sel       patch.Selection // entries the run may move; nil means all
	knockout  bool            // adversarial two-pass objective
}

// trainMasks is the gradient inner loop shared by subnetwork probing,
// circuit probing and the knockout search. It trains one logit per edge
// with Adam, balancing the faithfulness objective against the expected
// open edge count. Outside the knockout variant an open gate keeps the
// edge live, so the regularizer caps how many edges escape ablation and
// the faithfulness term decides which ones.
func (s *session) trainMasks(opts trainOpts) (*patch.MaskState, *History, error) {
	g := s.tk.Model.Graph()
	masks := patch.NewMaskState(g, opts.init)
	opt := tape.NewAdam(masks.Params(), s.exp.LearningRate)
	rng := rand.New(rand.NewSource(s.exp.Seed))
	hist := NewHistory(opts.algorithm)
	hist.Target = opts.target
	log := logger.Log.With(opts.algorithm)

	var outside patch.Selection
	if opts.knockout {
		outside = complement(g, opts.sel)
	}

	for epoch := 0; epoch < s.exp.Epochs; epoch++ {
		start := time.Now()
		var sumLoss, sumFaith, sumReg float64
		for _, b := range s.tk.Train {
			snap, err := s.st.Snapshot(s.regime, b.Key)
			if err != nil {
				return nil, hist, err
			}

			tp := tape.NewTape()
			var faith *tape.Tensor
			if opts.knockout {
				faith = s.knockoutTerm(tp, b, snap, masks, outside, rng)
			} else {
				run := patch.NewRun(masks, snap, s.fn, rng)
				run.LiveGates = true
				logits := s.tk.Model.Forward(tp, b.Clean, run)
				metrics.RecordForward("patched")
				faith = s.faithTerm(tp, b, logits)
			}
			reg := sparsityTerm(tp, masks, opts.sel, opts.target)
			loss := tp.Add(faith, tp.Scale(reg, float32(s.exp.RegularizeLambda)))

			if !finite(loss.Data[0]) {
				metrics.RecordNonFiniteLoss(opts.algorithm)
				return nil, hist, fmt.Errorf("%w: %s epoch %d batch %x",
					ErrNonFiniteLoss, opts.algorithm, epoch, uint64(b.Key))
			}
			tp.Backward(loss)
			opt.Step()
			metrics.RecordTrainingStep(opts.algorithm, float64(loss.Data[0]))

			sumLoss += float64(loss.Data[0])
			sumFaith += float64(faith.Data[0])
			sumReg += float64(reg.Data[0])
		}

		n := float64(len(s.tk.Train))
		open := masks.OpenFraction()
		metrics.RecordEpoch(opts.algorithm, time.Since(start))
		metrics.RecordMaskOpenFraction(opts.algorithm, open)
		hist.Append(EpochStats{
			Epoch:        epoch,
			Target:       opts.target,
			Loss:         sumLoss / n,
			Faithfulness: sumFaith / n,
			Sparsity:     sumReg / n,
			OpenFraction: open,
		})
		log.Debug("mask epoch",
			"epoch", epoch,
			"loss", sumLoss/n,
			"faithfulness", sumFaith/n,
			"open_fraction", open,
		)
	}
	return masks, hist, nil
}

// sigmoidScores squashes trained logits into (0, 1) scores. A non-nil
// selection limits scoring to its entries, leaving the rest unscored.
func sigmoidScores(masks *patch.MaskState, sel patch.Selection) *Scores {
	s := NewScores(masks.Graph)
	for _, m := range masks.Graph.Modules {
		t := masks.Tensors[m.Name]
		for i, v := range t.Data {
			if sel != nil && !sel[m.Name][i] {
				continue
			}
			s.Set(m.Name, i, float32(1.0/(1.0+math.Exp(-float64(v)))))
		}
	}
	return s
}

func complement(g *graph.Graph, sel patch.Selection) patch.Selection {
	out := patch.NewSelection(g)
	for module, flags := range out {
		inside := sel[module]
		for i := range flags {
			flags[i] = inside == nil || !inside[i]
		}
	}
	return out
}

func maxSize(sizes []int) int {
	m := 0
	for _, s := range sizes {
		if s > m {
			m = s
		}
	}
	return m
}

// subnetworkProbing trains one mask over all edges against the largest
// configured circuit size and scores every edge by its open probability.
// Masks start near-open so training begins close to the clean forward
// pass and ablates its way down to the target.
type subnetworkProbing struct{}

func (subnetworkProbing) Name() string { return "subnetwork_probing" }

func (a subnetworkProbing) Run(exp config.Experiment, tk *task.Task, st *patch.Store) (*Scores, *History, error) {
	s, err := newSession(exp, tk, st)
	if err != nil {
		return nil, nil, err
	}
	masks, hist, err := s.trainMasks(trainOpts{
		algorithm: a.Name(),
		target:    maxSize(exp.CircuitSizes),
		init:      tape.InitMaskLogit(0.9),
	})
	if err != nil {
		return nil, hist, err
	}
	scores := sigmoidScores(masks, nil)
	if err := scores.CheckFinite(); err != nil {
		return nil, hist, err
	}
	return scores, hist, nil
}

func init() {
	Register("subnetwork_probing", func() Algorithm { return subnetworkProbing{} })
}
