package patch

import (
	"fmt"
	"math/rand"

	"github.com/23skdu/longbow-whittle/internal/tape"
)

// ObserveFunc receives one source output during a forward pass. The
// tensor belongs to the pass; observers copy what they keep.
type ObserveFunc func(srcIdx int, out *tape.Tensor)

// Run scopes one forward pass. A nil Run (or one without masks and
// patches) is a plain pass; a populated Run makes every destination
// module assemble its input by interpolating each visible source toward
// the patch snapshot under the mask gates. The tape passed to the model
// decides whether mask gradients are recorded, so patched evaluation and
// mask training share this one path.
type Run struct {
	Masks   *MaskState
	Patches *Snapshot
	Fn      MaskFn
	Rng     *rand.Rand

	// LiveGates flips the interpolation so the stored logits parameterize
	// the probability an edge stays live: the patch weight becomes the
	// gate's complement. Raw masks and knockout forcing keep the default
	// orientation, where a high value means patched.
	LiveGates bool

	observers map[string][]ObserveFunc
	srcOuts   []*tape.Tensor
}

// NewRun builds a patch-mode scope.
func NewRun(masks *MaskState, patches *Snapshot, fn MaskFn, rng *rand.Rand) *Run {
	return &Run{Masks: masks, Patches: patches, Fn: fn, Rng: rng}
}

// OnSource registers an observer for one source module name, or for every
// source under the name "*".
func (r *Run) OnSource(module string, fn ObserveFunc) {
	if r.observers == nil {
		r.observers = make(map[string][]ObserveFunc)
	}
	r.observers[module] = append(r.observers[module], fn)
}

// Patched reports whether destination inputs should be assembled from
// masked interpolation.
func (r *Run) Patched() bool {
	return r != nil && r.Masks != nil && r.Patches != nil
}

// EmitSrc publishes one source output, in ascending SrcIdx order, and
// fires any observers registered for it.
func (r *Run) EmitSrc(srcIdx int, module string, out *tape.Tensor) {
	if r == nil {
		return
	}
	for len(r.srcOuts) <= srcIdx {
		r.srcOuts = append(r.srcOuts, nil)
	}
	r.srcOuts[srcIdx] = out
	for _, fn := range r.observers[module] {
		fn(srcIdx, out)
	}
	for _, fn := range r.observers["*"] {
		fn(srcIdx, out)
	}
}

// SrcOut returns an already-emitted source output.
func (r *Run) SrcOut(srcIdx int) (*tape.Tensor, error) {
	if r == nil || srcIdx < 0 || srcIdx >= len(r.srcOuts) || r.srcOuts[srcIdx] == nil {
		return nil, fmt.Errorf("source %d not yet emitted", srcIdx)
	}
	return r.srcOuts[srcIdx], nil
}

// DestInput assembles the input of one destination row: every visible
// source interpolated toward its patch slab under that row's gates. The
// mask function decides how gates come off the stored logits; hard
// concrete draws one sample per batch element.
func (r *Run) DestInput(tp *tape.Tape, module string, row, batch, seq int) (*tape.Tensor, error) {
	m, ok := r.Masks.Graph.Module(module)
	if !ok {
		return nil, fmt.Errorf("unknown destination module %q", module)
	}
	logits, ok := r.Masks.Module(module)
	if !ok {
		return nil, fmt.Errorf("no mask tensor for module %q", module)
	}
	if row < 0 || row >= m.Rows {
		return nil, fmt.Errorf("destination row out of range: %s[%d]", module, row)
	}
	if len(r.srcOuts) < m.SrcCols {
		return nil, fmt.Errorf("module %q needs %d sources, only %d emitted", module, m.SrcCols, len(r.srcOuts))
	}
	srcs := r.srcOuts[:m.SrcCols]
	for i, s := range srcs {
		if s == nil {
			return nil, fmt.Errorf("source %d missing for module %q", i, module)
		}
	}
	patches, err := r.Patches.prefix(m.SrcCols)
	if err != nil {
		return nil, err
	}

	var gates *tape.Tensor
	switch r.Fn {
	case MaskHardConcrete:
		gates = tp.HardConcreteGates(logits, row, batch, r.Rng)
	case MaskSigmoid:
		gates = tp.SigmoidGates(logits, row)
	case MaskRaw:
		gates = tp.CopyGates(logits, row)
	default:
		return nil, fmt.Errorf("unknown mask function %d", int(r.Fn))
	}
	if r.LiveGates {
		gates = tp.OneMinus(gates)
	}
	return tp.MixSources(gates, srcs, patches, batch, seq), nil
}
