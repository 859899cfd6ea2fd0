// Package tape implements the reverse-mode autodiff substrate the mask
// training loops run on. Tensors are flat float32 matrices. Every op
// appends its backward closure to the tape in execution order, and
// Backward replays the closures in reverse. Gradients propagate only into
// tensors that carry a Grad buffer; constants keep Grad nil and cost
// nothing.
package tape

import "fmt"

// Tensor is a dense row-major matrix. Grad is nil for constants.
type Tensor struct {
	Data []float32
	Grad []float32
	Rows int
	Cols int
}

// New allocates a zeroed gradient-carrying tensor.
func New(rows, cols int) *Tensor {
	return &Tensor{
		Data: make([]float32, rows*cols),
		Grad: make([]float32, rows*cols),
		Rows: rows,
		Cols: cols,
	}
}

// NewConst allocates a zeroed tensor with no gradient buffer.
func NewConst(rows, cols int) *Tensor {
	return &Tensor{
		Data: make([]float32, rows*cols),
		Rows: rows,
		Cols: cols,
	}
}

// FromSlice wraps data (copied) as a constant tensor.
func FromSlice(rows, cols int, data []float32) *Tensor {
	if len(data) != rows*cols {
		panic(fmt.Sprintf("tape: FromSlice %dx%d given %d values", rows, cols, len(data)))
	}
	t := NewConst(rows, cols)
	copy(t.Data, data)
	return t
}

func (t *Tensor) NumEl() int { return t.Rows * t.Cols }

func (t *Tensor) At(r, c int) float32 { return t.Data[r*t.Cols+c] }

func (t *Tensor) Set(r, c int, v float32) { t.Data[r*t.Cols+c] = v }

// Fill sets every element to v.
func (t *Tensor) Fill(v float32) {
	for i := range t.Data {
		t.Data[i] = v
	}
}

// ZeroGrad clears the gradient buffer if present.
func (t *Tensor) ZeroGrad() {
	for i := range t.Grad {
		t.Grad[i] = 0
	}
}

// CloneData returns a detached copy of the values.
func (t *Tensor) CloneData() []float32 {
	out := make([]float32, len(t.Data))
	copy(out, t.Data)
	return out
}

// Tape records backward closures. A tape built with NewEval skips closure
// recording entirely and its ops produce constant outputs, which is the
// no-grad path used by evaluation sweeps.
type Tape struct {
	steps []func()
	grad  bool
}

func NewTape() *Tape { return &Tape{grad: true} }

func NewEval() *Tape { return &Tape{grad: false} }

// Recording reports whether ops on this tape track gradients.
func (tp *Tape) Recording() bool { return tp.grad }

func (tp *Tape) push(fn func()) {
	if tp.grad {
		tp.steps = append(tp.steps, fn)
	}
}

// out allocates the result tensor for an op on this tape.
func (tp *Tape) out(rows, cols int) *Tensor {
	if tp.grad {
		return New(rows, cols)
	}
	return NewConst(rows, cols)
}

// Backward seeds the scalar loss gradient with 1 and replays the recorded
// closures in reverse. The append order of ops is already topological, so
// no explicit sort is needed.
func (tp *Tape) Backward(loss *Tensor) {
	if loss.NumEl() != 1 {
		panic(fmt.Sprintf("tape: Backward needs a scalar loss, got %dx%d", loss.Rows, loss.Cols))
	}
	if loss.Grad == nil {
		panic("tape: Backward on a constant loss")
	}
	loss.Grad[0] = 1
	for i := len(tp.steps) - 1; i >= 0; i-- {
		tp.steps[i]()
	}
}

// Reset drops the recorded closures so the tape can back a fresh step.
func (tp *Tape) Reset() {
	tp.steps = tp.steps[:0]
}

// Steps reports how many backward closures are currently recorded.
func (tp *Tape) Steps() int { return len(tp.steps) }
