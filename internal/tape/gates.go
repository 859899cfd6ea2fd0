package tape

import (
	"math"
	"math/rand"
)

// Hard-concrete stretch interval and temperature. Samples of the gate are
// drawn as clamp(sigmoid((logit + logistic noise)/temp)*(right-left)+left,
// 0, 1), which keeps a nonzero probability of landing exactly on 0 or 1
// while staying differentiable in between.
const (
	hcLeft  = -0.1
	hcRight = 1.1
	hcTemp  = 2.0 / 3.0
)

// InitMaskLogit returns the logit whose initial open probability matches
// the given prior in the stretched space: ln(p/(1-p)) with
// p = (prior-left)/(right-left).
func InitMaskLogit(prior float64) float32 {
	p := (prior - hcLeft) / (hcRight - hcLeft)
	return float32(math.Log(p / (1 - p)))
}

// HardConcreteOpenProb is the closed-form probability that a sampled gate
// exceeds zero: sigmoid(logit - temp*ln(-left/right)).
func HardConcreteOpenProb(logit float64) float64 {
	return 1.0 / (1.0 + math.Exp(-(logit-hcTemp*math.Log(-hcLeft/hcRight))))
}

// gateSlice resolves a row of a [rows, cols] logit tensor; row -1 selects
// the whole tensor flattened.
func gateSlice(logits *Tensor, row int) (offset, n int) {
	if row < 0 {
		return 0, logits.NumEl()
	}
	return row * logits.Cols, logits.Cols
}

// HardConcreteGates draws `samples` stretched-and-clamped noisy-sigmoid
// gate rows from one row of mask logits (row -1 samples the whole tensor).
// The clamp passes zero gradient outside (0, 1), matching the straight
// truncation of the relaxation.
func (tp *Tape) HardConcreteGates(logits *Tensor, row, samples int, rng *rand.Rand) *Tensor {
	offset, n := gateSlice(logits, row)
	y := tp.out(samples, n)
	slope := make([]float32, samples*n)
	for b := 0; b < samples; b++ {
		for i := 0; i < n; i++ {
			u := rng.Float64()
			if u < 1e-4 {
				u = 1e-4
			} else if u > 1-1e-4 {
				u = 1 - 1e-4
			}
			noise := math.Log(u) - math.Log(1-u)
			s := 1.0 / (1.0 + math.Exp(-(float64(logits.Data[offset+i])+noise)/hcTemp))
			pre := s*(hcRight-hcLeft) + hcLeft
			switch {
			case pre <= 0:
				y.Data[b*n+i] = 0
			case pre >= 1:
				y.Data[b*n+i] = 1
			default:
				y.Data[b*n+i] = float32(pre)
				slope[b*n+i] = float32(s * (1 - s) * (hcRight - hcLeft) / hcTemp)
			}
		}
	}
	tp.push(func() {
		if logits.Grad == nil {
			return
		}
		for b := 0; b < samples; b++ {
			for i := 0; i < n; i++ {
				logits.Grad[offset+i] += slope[b*n+i] * y.Grad[b*n+i]
			}
		}
	})
	return y
}

// SigmoidGates is the deterministic no-noise gate view: sigmoid of the
// logits, identical on every call.
func (tp *Tape) SigmoidGates(logits *Tensor, row int) *Tensor {
	offset, n := gateSlice(logits, row)
	y := tp.out(1, n)
	for i := 0; i < n; i++ {
		y.Data[i] = float32(1.0 / (1.0 + math.Exp(-float64(logits.Data[offset+i]))))
	}
	tp.push(func() {
		if logits.Grad == nil {
			return
		}
		for i := 0; i < n; i++ {
			s := y.Data[i]
			logits.Grad[offset+i] += s * (1 - s) * y.Grad[i]
		}
	})
	return y
}

// OpenProbs maps a whole logit tensor to its per-entry open
// probabilities, the differentiable expectation the sparsity penalty
// sums over.
func (tp *Tape) OpenProbs(logits *Tensor) *Tensor {
	shift := hcTemp * math.Log(-hcLeft/hcRight)
	y := tp.out(logits.Rows, logits.Cols)
	for i := range logits.Data {
		y.Data[i] = float32(1.0 / (1.0 + math.Exp(-(float64(logits.Data[i]) - shift))))
	}
	tp.push(func() {
		if logits.Grad == nil {
			return
		}
		for i := range logits.Data {
			p := y.Data[i]
			logits.Grad[i] += p * (1 - p) * y.Grad[i]
		}
	})
	return y
}

// CopyGates passes raw mask values through as gates, snapshotting them so
// later in-place mask mutation cannot disturb an already-built pass.
func (tp *Tape) CopyGates(logits *Tensor, row int) *Tensor {
	offset, n := gateSlice(logits, row)
	y := tp.out(1, n)
	copy(y.Data, logits.Data[offset:offset+n])
	tp.push(func() {
		if logits.Grad == nil {
			return
		}
		for i := 0; i < n; i++ {
			logits.Grad[offset+i] += y.Grad[i]
		}
	})
	return y
}
