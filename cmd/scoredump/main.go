package main

import (
	"flag"
	"fmt"
	"log"
	"math"
	"sort"

	"github.com/23skdu/longbow-whittle/internal/artifact"
)

var (
	inPath = flag.String("in", "scores.arrow", "Score artifact to read")
	topK   = flag.Int("top", 10, "How many top edges to print")
)

type scoredEdge struct {
	name  string
	value float32
}

func main() {
	flag.Parse()

	scores, meta, err := artifact.Read(*inPath)
	if err != nil {
		log.Fatalf("Failed to read scores: %v", err)
	}

	g := scores.Graph()
	fmt.Printf("algorithm: %s\n", meta.Algorithm)
	fmt.Printf("task:      %s\n", meta.Task)
	fmt.Printf("model:     %d layers, %d heads, dim %d, vocab %d\n",
		meta.Shape.Layers, meta.Shape.Heads, meta.Shape.Dim, meta.Shape.VocabSize)
	fmt.Printf("scored:    %d / %d edges\n\n", scores.ScoredCount(), g.EdgeCount())

	fmt.Printf("%-20s %-6s %-6s %-8s\n", "module", "rows", "cols", "scored")
	var edges []scoredEdge
	for _, m := range g.Modules {
		flags := scores.ScoredFlags(m.Name)
		n := 0
		for i, f := range flags {
			if !f {
				continue
			}
			n++
			e, ok := g.EdgeFor(m.Name, i/m.SrcCols, i%m.SrcCols)
			if !ok {
				log.Fatalf("Score entry %s[%d] has no edge", m.Name, i)
			}
			v, _ := scores.Get(m.Name, i)
			edges = append(edges, scoredEdge{name: e.Name(), value: v})
		}
		fmt.Printf("%-20s %-6d %-6d %-8d\n", m.Name, m.Rows, m.SrcCols, n)
	}

	sort.SliceStable(edges, func(a, b int) bool {
		return math.Abs(float64(edges[a].value)) > math.Abs(float64(edges[b].value))
	})
	if *topK > len(edges) {
		*topK = len(edges)
	}
	fmt.Printf("\ntop %d edges by magnitude:\n", *topK)
	for _, e := range edges[:*topK] {
		fmt.Printf("  %-24s %12.6f\n", e.name, e.value)
	}
}
