package patch

import (
	"fmt"

	"github.com/23skdu/longbow-whittle/internal/graph"
	"github.com/23skdu/longbow-whittle/internal/tape"
)

// MaskFn selects how stored mask values become interpolation gates.
type MaskFn int

const (
	// MaskRaw uses the stored values directly as gates.
	MaskRaw MaskFn = iota
	// MaskSigmoid squashes logits through a sigmoid, deterministically.
	MaskSigmoid
	// MaskHardConcrete draws stretched-sigmoid samples per batch element.
	MaskHardConcrete
)

func (f MaskFn) String() string {
	switch f {
	case MaskRaw:
		return "raw"
	case MaskSigmoid:
		return "sigmoid"
	case MaskHardConcrete:
		return "hard_concrete"
	}
	return fmt.Sprintf("maskfn(%d)", int(f))
}

// ParseMaskFn resolves a configured mask function name.
func ParseMaskFn(name string) (MaskFn, error) {
	switch name {
	case "raw":
		return MaskRaw, nil
	case "sigmoid":
		return MaskSigmoid, nil
	case "hard_concrete":
		return MaskHardConcrete, nil
	}
	return 0, fmt.Errorf("unknown mask_fn: %q (known: raw, sigmoid, hard_concrete)", name)
}

// Selection marks a subset of edges, one flag slice per destination
// module in the module's flattened [row*srcCols] layout.
type Selection map[string][]bool

// NewSelection allocates an all-false selection shaped like the graph.
func NewSelection(g *graph.Graph) Selection {
	sel := make(Selection, len(g.Modules))
	for _, m := range g.Modules {
		sel[m.Name] = make([]bool, m.Rows*m.SrcCols)
	}
	return sel
}

// Count reports the number of selected edges.
func (s Selection) Count() int {
	n := 0
	for _, flags := range s {
		for _, f := range flags {
			if f {
				n++
			}
		}
	}
	return n
}

// Edges resolves the selection to edge names in the graph's stable
// enumeration order.
func (s Selection) Edges(g *graph.Graph) []string {
	var names []string
	for _, m := range g.Modules {
		flags := s[m.Name]
		for i, f := range flags {
			if !f {
				continue
			}
			if e, ok := g.EdgeFor(m.Name, i/m.SrcCols, i%m.SrcCols); ok {
				names = append(names, e.Name())
			}
		}
	}
	return names
}

// MaskState owns one learnable value per edge, laid out as a
// [rows, srcCols] tensor per destination module.
type MaskState struct {
	Graph   *graph.Graph
	Tensors map[string]*tape.Tensor
}

// NewMaskState allocates mask tensors for every destination module,
// filled with init.
func NewMaskState(g *graph.Graph, init float32) *MaskState {
	ms := &MaskState{Graph: g, Tensors: make(map[string]*tape.Tensor, len(g.Modules))}
	for _, m := range g.Modules {
		t := tape.New(m.Rows, m.SrcCols)
		t.Fill(init)
		ms.Tensors[m.Name] = t
	}
	return ms
}

// Params returns the mask tensors in stable module order, for the
// optimizer.
func (ms *MaskState) Params() []*tape.Tensor {
	out := make([]*tape.Tensor, 0, len(ms.Graph.Modules))
	for _, m := range ms.Graph.Modules {
		out = append(out, ms.Tensors[m.Name])
	}
	return out
}

// Module returns one module's mask tensor.
func (ms *MaskState) Module(name string) (*tape.Tensor, bool) {
	t, ok := ms.Tensors[name]
	return t, ok
}

// SetAll overwrites every mask value.
func (ms *MaskState) SetAll(v float32) {
	for _, t := range ms.Tensors {
		t.Fill(v)
	}
}

// ZeroGrads clears accumulated mask gradients.
func (ms *MaskState) ZeroGrads() {
	for _, t := range ms.Tensors {
		t.ZeroGrad()
	}
}

// Set writes one edge's mask value by (module, row, col).
func (ms *MaskState) Set(module string, row, col int, v float32) error {
	t, ok := ms.Tensors[module]
	if !ok {
		return fmt.Errorf("unknown mask module %q", module)
	}
	if row < 0 || row*t.Cols+col >= len(t.Data) || col < 0 || col >= t.Cols {
		return fmt.Errorf("mask index out of range: %s[%d,%d]", module, row, col)
	}
	t.Data[row*t.Cols+col] = v
	return nil
}

// Force overwrites the selected entries with logit and returns a restore
// closure that puts the prior values back. Callers pair it with defer so
// the state survives panics; restore must run before any backward pass
// that should see the unforced values.
func (ms *MaskState) Force(sel Selection, logit float32) func() {
	saved := make(map[string][]float32, len(sel))
	for module, flags := range sel {
		t, ok := ms.Tensors[module]
		if !ok {
			continue
		}
		saved[module] = t.CloneData()
		for i, f := range flags {
			if f && i < len(t.Data) {
				t.Data[i] = logit
			}
		}
	}
	return func() {
		for module, vals := range saved {
			copy(ms.Tensors[module].Data, vals)
		}
	}
}

// OpenFraction reports the mean hard-concrete open probability across all
// edges, the quantity the sparsity penalty pushes down.
func (ms *MaskState) OpenFraction() float64 {
	var sum float64
	var n int
	for _, t := range ms.Tensors {
		for _, v := range t.Data {
			sum += tape.HardConcreteOpenProb(float64(v))
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
