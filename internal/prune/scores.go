// Package prune hosts the circuit discovery algorithms and the score
// plumbing they share: per-edge attribution tensors, the size-to-
// threshold rule, and the algorithm registry.
package prune

import (
	"fmt"
	"math"
	"sort"

	"github.com/23skdu/longbow-whittle/internal/graph"
	"github.com/23skdu/longbow-whittle/internal/patch"
	"github.com/23skdu/longbow-whittle/internal/tape"
)

// Scores holds one attribution value per edge, shaped like the mask
// state, together with an explicit record of which entries were actually
// scored. A zero value with the scored flag set is a real score; an
// unscored entry never enters threshold selection.
type Scores struct {
	g       *graph.Graph
	tensors map[string]*tape.Tensor
	scored  map[string][]bool
}

// NewScores allocates an all-unscored score set over the graph.
func NewScores(g *graph.Graph) *Scores {
	s := &Scores{
		g:       g,
		tensors: make(map[string]*tape.Tensor, len(g.Modules)),
		scored:  make(map[string][]bool, len(g.Modules)),
	}
	for _, m := range g.Modules {
		s.tensors[m.Name] = tape.NewConst(m.Rows, m.SrcCols)
		s.scored[m.Name] = make([]bool, m.Rows*m.SrcCols)
	}
	return s
}

// Graph returns the graph the scores are laid out over.
func (s *Scores) Graph() *graph.Graph { return s.g }

// Tensor returns one module's score tensor.
func (s *Scores) Tensor(module string) (*tape.Tensor, bool) {
	t, ok := s.tensors[module]
	return t, ok
}

// ScoredFlags returns one module's scored bitmap.
func (s *Scores) ScoredFlags(module string) []bool { return s.scored[module] }

// Set writes one score by flat index and marks it scored.
func (s *Scores) Set(module string, idx int, v float32) error {
	t, ok := s.tensors[module]
	if !ok {
		return fmt.Errorf("unknown score module %q", module)
	}
	if idx < 0 || idx >= len(t.Data) {
		return fmt.Errorf("score index out of range: %s[%d]", module, idx)
	}
	t.Data[idx] = v
	s.scored[module][idx] = true
	return nil
}

// Get reads one score; the second return is false for unscored entries.
func (s *Scores) Get(module string, idx int) (float32, bool) {
	t, ok := s.tensors[module]
	if !ok || idx < 0 || idx >= len(t.Data) {
		return 0, false
	}
	return t.Data[idx], s.scored[module][idx]
}

// ScoredCount reports how many edges carry a score.
func (s *Scores) ScoredCount() int {
	n := 0
	for _, flags := range s.scored {
		for _, f := range flags {
			if f {
				n++
			}
		}
	}
	return n
}

// Merge adopts the other set's scored entries wherever the receiver has
// none, so earlier results keep precedence across a sweep.
func (s *Scores) Merge(other *Scores) {
	for module, flags := range other.scored {
		dst, ok := s.tensors[module]
		if !ok {
			continue
		}
		src := other.tensors[module]
		for i, f := range flags {
			if f && !s.scored[module][i] {
				dst.Data[i] = src.Data[i]
				s.scored[module][i] = true
			}
		}
	}
}

// CheckFinite rejects score sets containing NaN or Inf.
func (s *Scores) CheckFinite() error {
	for _, m := range s.g.Modules {
		nan, inf := tape.CountNaNInf(s.tensors[m.Name].Data)
		if nan > 0 || inf > 0 {
			return fmt.Errorf("non-finite scores in %s: %d NaN, %d Inf", m.Name, nan, inf)
		}
	}
	return nil
}

type rankedEntry struct {
	module string
	mi     int
	idx    int
	abs    float64
}

// ranked returns the scored entries ordered by descending magnitude,
// with ties broken by the graph's stable module and index order.
func (s *Scores) ranked() []rankedEntry {
	var entries []rankedEntry
	for mi, m := range s.g.Modules {
		t := s.tensors[m.Name]
		for i, f := range s.scored[m.Name] {
			if f {
				entries = append(entries, rankedEntry{
					module: m.Name,
					mi:     mi,
					idx:    i,
					abs:    math.Abs(float64(t.Data[i])),
				})
			}
		}
	}
	sort.Slice(entries, func(a, b int) bool {
		if entries[a].abs != entries[b].abs {
			return entries[a].abs > entries[b].abs
		}
		if entries[a].mi != entries[b].mi {
			return entries[a].mi < entries[b].mi
		}
		return entries[a].idx < entries[b].idx
	})
	return entries
}

// TopK selects the size highest-magnitude scored edges and returns the
// selection with the magnitude of the last admitted edge. A size beyond
// the scored count selects everything scored.
func (s *Scores) TopK(size int) (patch.Selection, float32) {
	sel := patch.NewSelection(s.g)
	if size <= 0 {
		return sel, 0
	}
	entries := s.ranked()
	if size > len(entries) {
		size = len(entries)
	}
	if size == 0 {
		return sel, 0
	}
	for _, e := range entries[:size] {
		sel[e.module][e.idx] = true
	}
	return sel, float32(entries[size-1].abs)
}

// Threshold reports the magnitude cut that yields a circuit of the given
// size.
func (s *Scores) Threshold(size int) float32 {
	_, th := s.TopK(size)
	return th
}
