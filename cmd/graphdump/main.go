package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/23skdu/longbow-whittle/internal/config"
	"github.com/23skdu/longbow-whittle/internal/graph"
)

var (
	configPath = flag.String("config", "", "Path to experiment yaml (built-in defaults when empty)")
	listEdges  = flag.Bool("edges", false, "Also list every edge in the universe")
)

func main() {
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	}
	if err := cfg.Model.Validate(); err != nil {
		log.Fatalf("Invalid model shape: %v", err)
	}

	g := graph.Build(cfg.Model)

	fmt.Printf("Model: %d layers, %d heads, dim %d, vocab %d, seq %d\n",
		cfg.Model.Layers, cfg.Model.Heads, cfg.Model.Dim, cfg.Model.VocabSize, cfg.Model.SeqLen)
	fmt.Printf("Universe: %d sources, %d destinations, %d edges\n", len(g.Srcs), len(g.Dests), g.EdgeCount())

	fmt.Println("\n=== Mask modules ===")
	fmt.Printf("%-16s %-6s %-6s %-8s %-6s\n", "module", "layer", "rows", "srccols", "edges")
	for _, m := range g.Modules {
		fmt.Printf("%-16s %-6d %-6d %-8d %-6d\n", m.Name, m.Layer, m.Rows, m.SrcCols, m.Rows*m.SrcCols)
	}

	fmt.Println("\n=== Sources ===")
	for _, s := range g.Srcs {
		fmt.Printf("%-4d %s\n", s.SrcIdx, s.Name)
	}

	if *listEdges {
		fmt.Println("\n=== Edges ===")
		for _, e := range g.Edges() {
			fmt.Println(e.Name())
		}
	}
}
