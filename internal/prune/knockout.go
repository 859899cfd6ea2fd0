package prune

import (
	"math/rand"

	"github.com/23skdu/longbow-whittle/internal/config"
	"github.com/23skdu/longbow-whittle/internal/metrics"
	"github.com/23skdu/longbow-whittle/internal/patch"
	"github.com/23skdu/longbow-whittle/internal/tape"
	"github.com/23skdu/longbow-whittle/internal/task"
)

// sameUnderKnockout stress-tests a candidate circuit: it trains knockout
// masks over the circuit's own edges to maximize the divergence between
// the knocked circuit and the knocked full model, while the sparsity
// penalty keeps the expected knockout count under a fifth of the circuit
// size. A complete circuit leaves no such small knockout set to find.
// The candidate comes from a mask-gradient baseline at the largest
// configured size. Only in-circuit edges receive scores; everything else
// stays explicitly unscored.
type sameUnderKnockout struct{}

func (sameUnderKnockout) Name() string { return "knockout" }

func (a sameUnderKnockout) Run(exp config.Experiment, tk *task.Task, st *patch.Store) (*Scores, *History, error) {
	base, _, err := maskGradient{}.Run(exp, tk, st)
	if err != nil {
		return nil, nil, err
	}
	size := maxSize(exp.CircuitSizes)
	sel, _ := base.TopK(size)

	s, err := newSession(exp, tk, st)
	if err != nil {
		return nil, nil, err
	}
	masks, hist, err := s.trainMasks(trainOpts{
		algorithm: a.Name(),
		target:    size / 5,
		init:      -tape.InitMaskLogit(0.9),
		sel:       sel,
		knockout:  true,
	})
	if err != nil {
		return nil, hist, err
	}

	scores := sigmoidScores(masks, sel)
	if err := scores.CheckFinite(); err != nil {
		return nil, hist, err
	}
	return scores, hist, nil
}

// knockoutTerm builds the adversarial term for one batch: two patched
// passes share the tape and the live knockout logits, with the edges
// outside the circuit forced fully patched for the circuit pass and
// fully live for the model pass. Each force is restored as soon as its
// pass is built, before anything runs backward; the gate ops snapshot
// the values they saw, so replay stays consistent.
func (s *session) knockoutTerm(tp *tape.Tape, b task.Batch, snap *patch.Snapshot,
	masks *patch.MaskState, outside patch.Selection, rng *rand.Rand) *tape.Tensor {

	var circLogits, modelLogits *tape.Tensor
	func() {
		defer masks.Force(outside, 99)()
		run := patch.NewRun(masks, snap, s.fn, rng)
		circLogits = s.tk.Model.Forward(tp, b.Clean, run)
	}()
	metrics.RecordForward("patched")

	func() {
		defer masks.Force(outside, -99)()
		run := patch.NewRun(masks, snap, s.fn, rng)
		modelLogits = s.tk.Model.Forward(tp, b.Clean, run)
	}()
	metrics.RecordForward("patched")

	circLp := tp.LogSoftmax(circLogits)
	modelLp := tp.LogSoftmax(modelLogits)
	return tp.Scale(tp.KLDiv(modelLp, circLp), -1)
}

func init() {
	Register("knockout", func() Algorithm { return sameUnderKnockout{} })
}
