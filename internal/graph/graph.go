// Package graph derives the factorized node/edge universe from a model
// shape. Sources write into the residual stream (embedding, attention
// heads, MLPs); destinations read from it (per-head Q/K/V inputs, MLP
// inputs, the final residual readout). An edge exists wherever a source's
// layer strictly precedes a destination's, and edges are grouped by
// destination module so one mask tensor per module covers them.
package graph

import (
	"fmt"

	"github.com/23skdu/longbow-whittle/internal/config"
)

// SrcNode produces an output consumed by later edges. SrcIdx is the node's
// slot in a run's source-output table and doubles as the column index of
// every mask row that can see it.
type SrcNode struct {
	Name       string
	Module     string
	Layer      int
	SrcIdx     int
	WeightName string
	WeightIdx  int
}

// DestNode consumes an assembled input. Row is the node's row inside its
// module's mask tensor (the head index for attention inputs, 0 otherwise).
type DestNode struct {
	Name       string
	Module     string
	Layer      int
	Row        int
	WeightName string
	WeightIdx  int
}

type Edge struct {
	Src  SrcNode
	Dest DestNode
}

func (e Edge) Name() string { return e.Src.Name + "->" + e.Dest.Name }

// Module describes one destination interception point: its mask tensor is
// [Rows, SrcCols], one scalar per incoming edge.
type Module struct {
	Name    string
	Layer   int
	Rows    int
	SrcCols int
}

type Graph struct {
	Shape   config.ModelShape
	Srcs    []SrcNode
	Dests   []DestNode
	Modules []Module

	moduleIdx map[string]int
	destIdx   map[string]int // "module\x00row"
}

// Build derives the fixed universe for a model shape. Node sets never
// change afterwards.
func Build(shape config.ModelShape) *Graph {
	g := &Graph{
		Shape:     shape,
		moduleIdx: make(map[string]int),
		destIdx:   make(map[string]int),
	}

	g.addSrc(SrcNode{
		Name:       "Embed",
		Module:     "embed",
		Layer:      0,
		WeightName: "token_embd.weight",
		WeightIdx:  -1,
	})
	for l := 0; l < shape.Layers; l++ {
		attnLayer := 2*l + 1
		for h := 0; h < shape.Heads; h++ {
			g.addSrc(SrcNode{
				Name:       fmt.Sprintf("A%d.%d", l, h),
				Module:     fmt.Sprintf("blk.%d.attn_out.%d", l, h),
				Layer:      attnLayer,
				WeightName: fmt.Sprintf("blk.%d.attn_output.weight", l),
				WeightIdx:  h,
			})
		}
		g.addSrc(SrcNode{
			Name:       fmt.Sprintf("MLP%d", l),
			Module:     fmt.Sprintf("blk.%d.mlp_out", l),
			Layer:      attnLayer + 1,
			WeightName: fmt.Sprintf("blk.%d.ffn_down.weight", l),
			WeightIdx:  -1,
		})
	}

	for l := 0; l < shape.Layers; l++ {
		attnLayer := 2*l + 1
		for _, stream := range []struct {
			letter string
			module string
			weight string
		}{
			{"Q", "q_in", "attn_q"},
			{"K", "k_in", "attn_k"},
			{"V", "v_in", "attn_v"},
		} {
			moduleName := fmt.Sprintf("blk.%d.%s", l, stream.module)
			for h := 0; h < shape.Heads; h++ {
				g.addDest(DestNode{
					Name:       fmt.Sprintf("A%d.%d.%s", l, h, stream.letter),
					Module:     moduleName,
					Layer:      attnLayer,
					Row:        h,
					WeightName: fmt.Sprintf("blk.%d.%s.weight", l, stream.weight),
					WeightIdx:  h,
				})
			}
		}
		g.addDest(DestNode{
			Name:       fmt.Sprintf("MLP%d", l),
			Module:     fmt.Sprintf("blk.%d.mlp_in", l),
			Layer:      attnLayer + 1,
			Row:        0,
			WeightName: fmt.Sprintf("blk.%d.ffn_up.weight", l),
			WeightIdx:  -1,
		})
	}
	g.addDest(DestNode{
		Name:       "ResidEnd",
		Module:     "resid_end",
		Layer:      2*shape.Layers + 1,
		Row:        0,
		WeightName: "output.weight",
		WeightIdx:  -1,
	})

	return g
}

func (g *Graph) addSrc(s SrcNode) {
	s.SrcIdx = len(g.Srcs)
	g.Srcs = append(g.Srcs, s)
}

func (g *Graph) addDest(d DestNode) {
	g.Dests = append(g.Dests, d)
	g.destIdx[destKey(d.Module, d.Row)] = len(g.Dests) - 1
	if idx, ok := g.moduleIdx[d.Module]; ok {
		if d.Row+1 > g.Modules[idx].Rows {
			g.Modules[idx].Rows = d.Row + 1
		}
		return
	}
	g.moduleIdx[d.Module] = len(g.Modules)
	g.Modules = append(g.Modules, Module{
		Name:    d.Module,
		Layer:   d.Layer,
		Rows:    d.Row + 1,
		SrcCols: g.SrcsBefore(d.Layer),
	})
}

func destKey(module string, row int) string {
	return fmt.Sprintf("%s\x00%d", module, row)
}

// SrcsBefore counts sources with layer strictly below the given layer.
// Sources are appended in ascending layer order, so the count is also the
// length of the visible prefix of Srcs.
func (g *Graph) SrcsBefore(layer int) int {
	n := 0
	for _, s := range g.Srcs {
		if s.Layer < layer {
			n++
		}
	}
	return n
}

// Module returns the descriptor for a destination module name.
func (g *Graph) Module(name string) (Module, bool) {
	idx, ok := g.moduleIdx[name]
	if !ok {
		return Module{}, false
	}
	return g.Modules[idx], true
}

// Dest resolves a destination node by module name and mask row.
func (g *Graph) Dest(module string, row int) (DestNode, bool) {
	idx, ok := g.destIdx[destKey(module, row)]
	if !ok {
		return DestNode{}, false
	}
	return g.Dests[idx], true
}

// EdgeFor resolves the edge at one mask-tensor position.
func (g *Graph) EdgeFor(module string, row, col int) (Edge, bool) {
	m, ok := g.Module(module)
	if !ok || row >= m.Rows || col >= m.SrcCols {
		return Edge{}, false
	}
	d, ok := g.Dest(module, row)
	if !ok {
		return Edge{}, false
	}
	return Edge{Src: g.Srcs[col], Dest: d}, true
}

// EdgeCount is the size of the full universe.
func (g *Graph) EdgeCount() int {
	n := 0
	for _, m := range g.Modules {
		n += m.Rows * m.SrcCols
	}
	return n
}

// Edges enumerates the universe in the stable global order: modules in
// topological order, then mask row, then source column.
func (g *Graph) Edges() []Edge {
	edges := make([]Edge, 0, g.EdgeCount())
	for _, m := range g.Modules {
		for row := 0; row < m.Rows; row++ {
			d, _ := g.Dest(m.Name, row)
			for col := 0; col < m.SrcCols; col++ {
				edges = append(edges, Edge{Src: g.Srcs[col], Dest: d})
			}
		}
	}
	return edges
}
