package tape

import "math"

// Adam optimizes a fixed set of gradient-carrying tensors. Moments are
// kept in float64 so the bias-corrected updates stay stable for the tiny
// gradients mask logits produce late in training. Gradients are clipped
// per component and zeroed after each step.
type Adam struct {
	Params []*Tensor
	LR     float64

	beta1 float64
	beta2 float64
	eps   float64
	clip  float64

	m [][]float64
	v [][]float64
	t int
}

func NewAdam(params []*Tensor, lr float64) *Adam {
	a := &Adam{
		Params: params,
		LR:     lr,
		beta1:  0.9,
		beta2:  0.999,
		eps:    1e-8,
		clip:   1.0,
	}
	for _, p := range params {
		a.m = append(a.m, make([]float64, p.NumEl()))
		a.v = append(a.v, make([]float64, p.NumEl()))
	}
	return a
}

func (a *Adam) Step() {
	a.t++
	b1c := 1 - math.Pow(a.beta1, float64(a.t))
	b2c := 1 - math.Pow(a.beta2, float64(a.t))
	for pi, p := range a.Params {
		for j := range p.Data {
			g := float64(p.Grad[j])
			if g > a.clip {
				g = a.clip
			} else if g < -a.clip {
				g = -a.clip
			}
			a.m[pi][j] = a.beta1*a.m[pi][j] + (1-a.beta1)*g
			a.v[pi][j] = a.beta2*a.v[pi][j] + (1-a.beta2)*g*g
			mhat := a.m[pi][j] / b1c
			vhat := a.v[pi][j] / b2c
			p.Data[j] -= float32(a.LR * mhat / (math.Sqrt(vhat) + a.eps))
			p.Grad[j] = 0
		}
	}
}

// ZeroGrad clears gradients without stepping, used when a pass is being
// discarded.
func (a *Adam) ZeroGrad() {
	for _, p := range a.Params {
		p.ZeroGrad()
	}
}
