package tape

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/blas/blas32"
)

func rowVec(data []float32) blas32.Vector {
	return blas32.Vector{N: len(data), Inc: 1, Data: data}
}

// Linear computes y = x * w^T for x [r, in] and w [out, in], the same
// row-major A*B^T layout the rest of the module uses for weights.
func (tp *Tape) Linear(x, w *Tensor) *Tensor {
	if x.Cols != w.Cols {
		panic(fmt.Sprintf("tape: Linear shape mismatch %dx%d vs %dx%d", x.Rows, x.Cols, w.Rows, w.Cols))
	}
	y := tp.out(x.Rows, w.Rows)
	for r := 0; r < x.Rows; r++ {
		xr := x.Data[r*x.Cols : (r+1)*x.Cols]
		for o := 0; o < w.Rows; o++ {
			wo := w.Data[o*w.Cols : (o+1)*w.Cols]
			y.Data[r*y.Cols+o] = blas32.Dot(rowVec(xr), rowVec(wo))
		}
	}
	tp.push(func() {
		for r := 0; r < x.Rows; r++ {
			for o := 0; o < w.Rows; o++ {
				g := y.Grad[r*y.Cols+o]
				if g == 0 {
					continue
				}
				if x.Grad != nil {
					for i := 0; i < x.Cols; i++ {
						x.Grad[r*x.Cols+i] += g * w.Data[o*w.Cols+i]
					}
				}
				if w.Grad != nil {
					for i := 0; i < w.Cols; i++ {
						w.Grad[o*w.Cols+i] += g * x.Data[r*x.Cols+i]
					}
				}
			}
		}
	})
	return y
}

// Add computes the elementwise sum of two same-shape tensors.
func (tp *Tape) Add(a, b *Tensor) *Tensor {
	if a.Rows != b.Rows || a.Cols != b.Cols {
		panic("tape: Add shape mismatch")
	}
	y := tp.out(a.Rows, a.Cols)
	for i := range y.Data {
		y.Data[i] = a.Data[i] + b.Data[i]
	}
	tp.push(func() {
		for i, g := range y.Grad {
			if a.Grad != nil {
				a.Grad[i] += g
			}
			if b.Grad != nil {
				b.Grad[i] += g
			}
		}
	})
	return y
}

// SumSources adds any number of same-shape tensors, the unmasked form of a
// destination's residual-stream input.
func (tp *Tape) SumSources(srcs []*Tensor) *Tensor {
	if len(srcs) == 0 {
		panic("tape: SumSources of nothing")
	}
	y := tp.out(srcs[0].Rows, srcs[0].Cols)
	for _, s := range srcs {
		for i := range y.Data {
			y.Data[i] += s.Data[i]
		}
	}
	tp.push(func() {
		for _, s := range srcs {
			if s.Grad == nil {
				continue
			}
			for i, g := range y.Grad {
				s.Grad[i] += g
			}
		}
	})
	return y
}

// MixSources assembles a destination input from per-source interpolations:
// out = sum_s (1-g_s)*src_s + g_s*patch_s. gates is [1, S] (shared across
// the batch) or [B, S] (one gate row per batch element); each src is
// [B*seq, C] and patches[s] is a recorded constant slab of the same size.
func (tp *Tape) MixSources(gates *Tensor, srcs []*Tensor, patches [][]float32, batch, seq int) *Tensor {
	nSrc := len(srcs)
	if gates.Cols != nSrc {
		panic(fmt.Sprintf("tape: MixSources %d srcs with %d gate cols", nSrc, gates.Cols))
	}
	if gates.Rows != 1 && gates.Rows != batch {
		panic(fmt.Sprintf("tape: MixSources gate rows %d (want 1 or %d)", gates.Rows, batch))
	}
	rows, cols := srcs[0].Rows, srcs[0].Cols
	if rows != batch*seq {
		panic("tape: MixSources source rows != batch*seq")
	}
	y := tp.out(rows, cols)
	for s, src := range srcs {
		patch := patches[s]
		if len(patch) != rows*cols {
			panic(fmt.Sprintf("tape: MixSources patch %d has %d values, want %d", s, len(patch), rows*cols))
		}
		for b := 0; b < batch; b++ {
			gr := 0
			if gates.Rows > 1 {
				gr = b
			}
			g := gates.Data[gr*nSrc+s]
			base := b * seq * cols
			for i := base; i < base+seq*cols; i++ {
				y.Data[i] += (1-g)*src.Data[i] + g*patch[i]
			}
		}
	}
	tp.push(func() {
		for s, src := range srcs {
			patch := patches[s]
			for b := 0; b < batch; b++ {
				gr := 0
				if gates.Rows > 1 {
					gr = b
				}
				g := gates.Data[gr*nSrc+s]
				base := b * seq * cols
				var gateGrad float32
				for i := base; i < base+seq*cols; i++ {
					dy := y.Grad[i]
					if src.Grad != nil {
						src.Grad[i] += (1 - g) * dy
					}
					gateGrad += (patch[i] - src.Data[i]) * dy
				}
				if gates.Grad != nil {
					gates.Grad[gr*nSrc+s] += gateGrad
				}
			}
		}
	})
	return y
}

// EmbedRows gathers embedding rows for a flat id sequence.
func (tp *Tape) EmbedRows(we *Tensor, ids []int) *Tensor {
	y := tp.out(len(ids), we.Cols)
	for r, id := range ids {
		copy(y.Data[r*we.Cols:(r+1)*we.Cols], we.Data[id*we.Cols:(id+1)*we.Cols])
	}
	tp.push(func() {
		if we.Grad == nil {
			return
		}
		for r, id := range ids {
			for c := 0; c < we.Cols; c++ {
				we.Grad[id*we.Cols+c] += y.Grad[r*we.Cols+c]
			}
		}
	})
	return y
}

// AddPositional adds a [seq, C] positional table to x [B*seq, C].
func (tp *Tape) AddPositional(x, pos *Tensor, seq int) *Tensor {
	if pos.Rows != seq || pos.Cols != x.Cols {
		panic("tape: AddPositional shape mismatch")
	}
	y := tp.out(x.Rows, x.Cols)
	for r := 0; r < x.Rows; r++ {
		t := r % seq
		for c := 0; c < x.Cols; c++ {
			y.Data[r*x.Cols+c] = x.Data[r*x.Cols+c] + pos.Data[t*x.Cols+c]
		}
	}
	tp.push(func() {
		for r := 0; r < x.Rows; r++ {
			t := r % seq
			for c := 0; c < x.Cols; c++ {
				g := y.Grad[r*x.Cols+c]
				if x.Grad != nil {
					x.Grad[r*x.Cols+c] += g
				}
				if pos.Grad != nil {
					pos.Grad[t*x.Cols+c] += g
				}
			}
		}
	})
	return y
}

// GatherRows selects rows of x by index (used to slice the final sequence
// position per batch element before the unembedding).
func (tp *Tape) GatherRows(x *Tensor, idx []int) *Tensor {
	y := tp.out(len(idx), x.Cols)
	for r, i := range idx {
		copy(y.Data[r*x.Cols:(r+1)*x.Cols], x.Data[i*x.Cols:(i+1)*x.Cols])
	}
	tp.push(func() {
		if x.Grad == nil {
			return
		}
		for r, i := range idx {
			for c := 0; c < x.Cols; c++ {
				x.Grad[i*x.Cols+c] += y.Grad[r*x.Cols+c]
			}
		}
	})
	return y
}

// RMSNorm normalizes each row by its root-mean-square and scales by gain
// [1, C].
func (tp *Tape) RMSNorm(x, gain *Tensor, eps float32) *Tensor {
	if gain.Cols != x.Cols || gain.Rows != 1 {
		panic("tape: RMSNorm gain shape mismatch")
	}
	n := x.Cols
	y := tp.out(x.Rows, n)
	inv := make([]float32, x.Rows)
	for r := 0; r < x.Rows; r++ {
		var ms float64
		for c := 0; c < n; c++ {
			v := float64(x.Data[r*n+c])
			ms += v * v
		}
		ms = ms/float64(n) + float64(eps)
		inv[r] = float32(1.0 / math.Sqrt(ms))
		for c := 0; c < n; c++ {
			y.Data[r*n+c] = x.Data[r*n+c] * inv[r] * gain.Data[c]
		}
	}
	tp.push(func() {
		for r := 0; r < x.Rows; r++ {
			ir := inv[r]
			var dot float32
			for c := 0; c < n; c++ {
				dot += gain.Data[c] * x.Data[r*n+c] * y.Grad[r*n+c]
			}
			for c := 0; c < n; c++ {
				g := y.Grad[r*n+c]
				if x.Grad != nil {
					x.Grad[r*n+c] += gain.Data[c]*ir*g - x.Data[r*n+c]*ir*ir*ir*dot/float32(n)
				}
				if gain.Grad != nil {
					gain.Grad[c] += x.Data[r*n+c] * ir * g
				}
			}
		}
	})
	return y
}

// GELU applies the tanh-approximated gaussian error linear unit.
func (tp *Tape) GELU(x *Tensor) *Tensor {
	const k = 0.7978845608028654 // sqrt(2/pi)
	y := tp.out(x.Rows, x.Cols)
	for i, v := range x.Data {
		u := float64(v)
		y.Data[i] = float32(0.5 * u * (1 + math.Tanh(k*(u+0.044715*u*u*u))))
	}
	tp.push(func() {
		if x.Grad == nil {
			return
		}
		for i, v := range x.Data {
			u := float64(v)
			t := math.Tanh(k * (u + 0.044715*u*u*u))
			d := 0.5*(1+t) + 0.5*u*(1-t*t)*k*(1+3*0.044715*u*u)
			x.Grad[i] += float32(d) * y.Grad[i]
		}
	})
	return y
}

// CausalAttend runs scaled dot-product attention with a causal mask over
// q, k, v laid out as [B*seq, headDim].
func (tp *Tape) CausalAttend(q, k, v *Tensor, batch, seq int) *Tensor {
	hd := q.Cols
	if q.Rows != batch*seq || k.Rows != q.Rows || v.Rows != q.Rows {
		panic("tape: CausalAttend row mismatch")
	}
	scale := float32(1.0 / math.Sqrt(float64(hd)))
	y := tp.out(q.Rows, hd)
	// attention weights kept for the backward pass, indexed [b*seq+t][t']
	alpha := make([][]float32, q.Rows)
	for b := 0; b < batch; b++ {
		for t := 0; t < seq; t++ {
			qi := b*seq + t
			qr := q.Data[qi*hd : (qi+1)*hd]
			scores := make([]float32, t+1)
			maxS := float32(math.Inf(-1))
			for tp2 := 0; tp2 <= t; tp2++ {
				ki := b*seq + tp2
				s := blas32.Dot(rowVec(qr), rowVec(k.Data[ki*hd:(ki+1)*hd])) * scale
				scores[tp2] = s
				if s > maxS {
					maxS = s
				}
			}
			var sum float64
			for tp2 := range scores {
				e := math.Exp(float64(scores[tp2] - maxS))
				scores[tp2] = float32(e)
				sum += e
			}
			for tp2 := range scores {
				scores[tp2] = float32(float64(scores[tp2]) / sum)
			}
			alpha[qi] = scores
			for tp2 := 0; tp2 <= t; tp2++ {
				vi := b*seq + tp2
				a := scores[tp2]
				for c := 0; c < hd; c++ {
					y.Data[qi*hd+c] += a * v.Data[vi*hd+c]
				}
			}
		}
	}
	tp.push(func() {
		for b := 0; b < batch; b++ {
			for t := 0; t < seq; t++ {
				qi := b*seq + t
				a := alpha[qi]
				dy := y.Grad[qi*hd : (qi+1)*hd]
				// dAlpha and the softmax jacobian
				dAlpha := make([]float32, t+1)
				var inner float32
				for tp2 := 0; tp2 <= t; tp2++ {
					vi := b*seq + tp2
					var d float32
					for c := 0; c < hd; c++ {
						d += dy[c] * v.Data[vi*hd+c]
					}
					dAlpha[tp2] = d
					inner += d * a[tp2]
					if v.Grad != nil {
						for c := 0; c < hd; c++ {
							v.Grad[vi*hd+c] += a[tp2] * dy[c]
						}
					}
				}
				for tp2 := 0; tp2 <= t; tp2++ {
					ds := a[tp2] * (dAlpha[tp2] - inner) * scale
					if ds == 0 {
						continue
					}
					ki := b*seq + tp2
					for c := 0; c < hd; c++ {
						if q.Grad != nil {
							q.Grad[qi*hd+c] += ds * k.Data[ki*hd+c]
						}
						if k.Grad != nil {
							k.Grad[ki*hd+c] += ds * q.Data[qi*hd+c]
						}
					}
				}
			}
		}
	})
	return y
}

// LogSoftmax applies a numerically stable log-softmax per row.
func (tp *Tape) LogSoftmax(x *Tensor) *Tensor {
	n := x.Cols
	y := tp.out(x.Rows, n)
	for r := 0; r < x.Rows; r++ {
		row := x.Data[r*n : (r+1)*n]
		maxV := row[0]
		for _, v := range row[1:] {
			if v > maxV {
				maxV = v
			}
		}
		var sum float64
		for c := 0; c < n; c++ {
			sum += math.Exp(float64(row[c] - maxV))
		}
		lse := float32(math.Log(sum)) + maxV
		for c := 0; c < n; c++ {
			y.Data[r*n+c] = row[c] - lse
		}
	}
	tp.push(func() {
		if x.Grad == nil {
			return
		}
		for r := 0; r < x.Rows; r++ {
			var gsum float32
			for c := 0; c < n; c++ {
				gsum += y.Grad[r*n+c]
			}
			for c := 0; c < n; c++ {
				p := float32(math.Exp(float64(y.Data[r*n+c])))
				x.Grad[r*n+c] += y.Grad[r*n+c] - p*gsum
			}
		}
	})
	return y
}

// KLDiv computes KL(ref || x) averaged over rows, for two log-probability
// tensors. Either side may be a constant.
func (tp *Tape) KLDiv(ref, x *Tensor) *Tensor {
	if ref.Rows != x.Rows || ref.Cols != x.Cols {
		panic("tape: KLDiv shape mismatch")
	}
	rows := ref.Rows
	y := tp.out(1, 1)
	var acc float64
	for i := range ref.Data {
		p := math.Exp(float64(ref.Data[i]))
		acc += p * float64(ref.Data[i]-x.Data[i])
	}
	y.Data[0] = float32(acc / float64(rows))
	tp.push(func() {
		g := y.Grad[0] / float32(rows)
		for i := range ref.Data {
			p := float32(math.Exp(float64(ref.Data[i])))
			if x.Grad != nil {
				x.Grad[i] -= p * g
			}
			if ref.Grad != nil {
				ref.Grad[i] += (ref.Data[i] - x.Data[i] + 1) * p * g
			}
		}
	})
	return y
}

// MSE computes the mean squared difference against a constant target slab.
func (tp *Tape) MSE(x *Tensor, target []float32) *Tensor {
	if len(target) != x.NumEl() {
		panic("tape: MSE target length mismatch")
	}
	y := tp.out(1, 1)
	var acc float64
	for i, v := range x.Data {
		d := float64(v - target[i])
		acc += d * d
	}
	n := float64(x.NumEl())
	y.Data[0] = float32(acc / n)
	tp.push(func() {
		if x.Grad == nil {
			return
		}
		g := y.Grad[0]
		for i, v := range x.Data {
			x.Grad[i] += 2 * (v - target[i]) / float32(n) * g
		}
	})
	return y
}

// Margin computes mean(logits[b, answer] - logits[b, wrong]) over the batch.
func (tp *Tape) Margin(logits *Tensor, answers, wrongs []int) *Tensor {
	if len(answers) != logits.Rows || len(wrongs) != logits.Rows {
		panic("tape: Margin answer count mismatch")
	}
	y := tp.out(1, 1)
	var acc float64
	for b := 0; b < logits.Rows; b++ {
		acc += float64(logits.At(b, answers[b]) - logits.At(b, wrongs[b]))
	}
	n := float32(logits.Rows)
	y.Data[0] = float32(acc) / n
	tp.push(func() {
		if logits.Grad == nil {
			return
		}
		g := y.Grad[0] / n
		for b := 0; b < logits.Rows; b++ {
			logits.Grad[b*logits.Cols+answers[b]] += g
			logits.Grad[b*logits.Cols+wrongs[b]] -= g
		}
	})
	return y
}

// SumAll reduces a set of tensors to the scalar sum of every element.
func (tp *Tape) SumAll(xs []*Tensor) *Tensor {
	y := tp.out(1, 1)
	var acc float64
	for _, x := range xs {
		for _, v := range x.Data {
			acc += float64(v)
		}
	}
	y.Data[0] = float32(acc)
	tp.push(func() {
		g := y.Grad[0]
		for _, x := range xs {
			if x.Grad == nil {
				continue
			}
			for i := range x.Grad {
				x.Grad[i] += g
			}
		}
	})
	return y
}

// OneMinus maps every element to 1-x, the complement view of a gate row.
func (tp *Tape) OneMinus(x *Tensor) *Tensor {
	y := tp.out(x.Rows, x.Cols)
	for i, v := range x.Data {
		y.Data[i] = 1 - v
	}
	tp.push(func() {
		if x.Grad == nil {
			return
		}
		for i, g := range y.Grad {
			x.Grad[i] -= g
		}
	})
	return y
}

// SelectSum reduces the flagged entries of x to a scalar; nil flags sum
// everything.
func (tp *Tape) SelectSum(x *Tensor, flags []bool) *Tensor {
	y := tp.out(1, 1)
	var acc float64
	for i, v := range x.Data {
		if flags == nil || flags[i] {
			acc += float64(v)
		}
	}
	y.Data[0] = float32(acc)
	tp.push(func() {
		if x.Grad == nil {
			return
		}
		g := y.Grad[0]
		for i := range x.Data {
			if flags == nil || flags[i] {
				x.Grad[i] += g
			}
		}
	})
	return y
}

// AddConst shifts every element by c.
func (tp *Tape) AddConst(x *Tensor, c float32) *Tensor {
	y := tp.out(x.Rows, x.Cols)
	for i, v := range x.Data {
		y.Data[i] = v + c
	}
	tp.push(func() {
		if x.Grad == nil {
			return
		}
		for i, g := range y.Grad {
			x.Grad[i] += g
		}
	})
	return y
}

// Scale multiplies every element by c.
func (tp *Tape) Scale(x *Tensor, c float32) *Tensor {
	y := tp.out(x.Rows, x.Cols)
	for i, v := range x.Data {
		y.Data[i] = v * c
	}
	tp.push(func() {
		if x.Grad == nil {
			return
		}
		for i, g := range y.Grad {
			x.Grad[i] += c * g
		}
	})
	return y
}

// ReLU clamps negatives to zero.
func (tp *Tape) ReLU(x *Tensor) *Tensor {
	y := tp.out(x.Rows, x.Cols)
	for i, v := range x.Data {
		if v > 0 {
			y.Data[i] = v
		}
	}
	tp.push(func() {
		if x.Grad == nil {
			return
		}
		for i, v := range x.Data {
			if v > 0 {
				x.Grad[i] += y.Grad[i]
			}
		}
	})
	return y
}
