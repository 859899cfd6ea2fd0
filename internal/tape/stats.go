package tape

import "math"

// Stats summarizes a value slab for debug logging and instability checks.
type Stats struct {
	Name     string
	Min      float32
	Max      float32
	Mean     float32
	NaNCount int
	InfCount int
}

func (s Stats) Healthy() bool { return s.NaNCount == 0 && s.InfCount == 0 }

// CountNaNInf scans a slab for non-finite values.
func CountNaNInf(data []float32) (nans, infs int) {
	for _, v := range data {
		f := float64(v)
		if math.IsNaN(f) {
			nans++
		} else if math.IsInf(f, 0) {
			infs++
		}
	}
	return nans, infs
}

// ComputeStats computes min/max/mean over the finite values of a slab.
func ComputeStats(name string, data []float32) Stats {
	st := Stats{Name: name, Min: float32(math.Inf(1)), Max: float32(math.Inf(-1))}
	var sum float64
	var n int
	for _, v := range data {
		f := float64(v)
		if math.IsNaN(f) {
			st.NaNCount++
			continue
		}
		if math.IsInf(f, 0) {
			st.InfCount++
			continue
		}
		if v < st.Min {
			st.Min = v
		}
		if v > st.Max {
			st.Max = v
		}
		sum += f
		n++
	}
	if n > 0 {
		st.Mean = float32(sum / float64(n))
	} else {
		st.Min, st.Max = 0, 0
	}
	return st
}
