package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/23skdu/longbow-whittle/internal/artifact"
	"github.com/23skdu/longbow-whittle/internal/config"
	"github.com/23skdu/longbow-whittle/internal/eval"
	"github.com/23skdu/longbow-whittle/internal/flightexport"
	"github.com/23skdu/longbow-whittle/internal/logger"
	"github.com/23skdu/longbow-whittle/internal/monitoring"
	"github.com/23skdu/longbow-whittle/internal/patch"
	"github.com/23skdu/longbow-whittle/internal/prune"
	"github.com/23skdu/longbow-whittle/internal/task"
)

var (
	configPath  = flag.String("config", "", "Path to experiment yaml (built-in defaults when empty)")
	algorithm   = flag.String("algorithm", "", "Override the configured prune algorithm")
	objective   = flag.String("objective", "", "Override the configured objective")
	seed        = flag.Int64("seed", -1, "Override the configured seed (negative keeps config)")
	outPath     = flag.String("out", "scores.arrow", "Where to write the score artifact")
	historyPath = flag.String("history", "", "Optional JSON training-curve output path")
	sweepPath   = flag.String("sweep", "", "Optional JSON evaluation-sweep output path")
	flightAddr  = flag.String("flight", "", "Optional Arrow Flight endpoint to export scores to")
	metricsAddr = flag.String("metrics", "", "Optional address to serve Prometheus metrics")
	logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	logFormat   = flag.String("log-format", "console", "Log format (console or json)")
)

func main() {
	flag.Parse()
	logger.Setup(*logLevel, *logFormat)

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	}
	if *algorithm != "" {
		cfg.Algorithm = *algorithm
	}
	if *objective != "" {
		cfg.Objective = *objective
	}
	if *seed >= 0 {
		cfg.Seed = *seed
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid experiment: %v", err)
	}

	var mon *monitoring.Monitor
	if *metricsAddr != "" {
		mon = monitoring.NewMonitor()
		go func() {
			if err := mon.Start(*metricsAddr); err != nil && err != http.ErrServerClosed {
				log.Printf("Status server error: %v", err)
			}
		}()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			mon.Stop(ctx)
		}()
	}

	tk, err := task.Planted(cfg.Model, cfg.BatchCount, cfg.BatchCount, cfg.BatchSize, cfg.Seed)
	if err != nil {
		log.Fatalf("Failed to build task: %v", err)
	}

	alg, err := prune.Lookup(cfg.Algorithm)
	if err != nil {
		log.Fatalf("Failed to resolve algorithm: %v", err)
	}

	st := patch.NewStore()
	defer st.ReleaseAll()

	stopPoll := make(chan struct{})
	if mon != nil {
		mon.SetRun(cfg.Algorithm, tk.Name, tk.Model.Graph().EdgeCount())
		go func() {
			tick := time.NewTicker(2 * time.Second)
			defer tick.Stop()
			for {
				select {
				case <-stopPoll:
					return
				case <-tick.C:
					mon.RecordCacheStats(st.Bytes(), st.Entries())
				}
			}
		}()
	}

	log.Printf("Running %s on %s (%d edges)...", cfg.Algorithm, tk.Name, tk.Model.Graph().EdgeCount())
	start := time.Now()
	scores, hist, err := alg.Run(cfg, tk, st)
	close(stopPoll)
	if err != nil {
		log.Fatalf("Discovery run failed: %v", err)
	}
	log.Printf("Scored %d edges in %v", scores.ScoredCount(), time.Since(start).Round(time.Millisecond))

	if mon != nil {
		mon.RecordCacheStats(st.Bytes(), st.Entries())
		if hist != nil {
			mon.RecordHistory(hist)
		}
	}

	meta := artifact.Meta{Algorithm: cfg.Algorithm, Task: tk.Name, Shape: cfg.Model}
	if err := artifact.Write(*outPath, scores, meta); err != nil {
		log.Fatalf("Failed to write scores: %v", err)
	}
	log.Printf("Scores written to %s", *outPath)

	if *historyPath != "" && hist != nil {
		if err := hist.SaveToFile(*historyPath); err != nil {
			log.Fatalf("Failed to write history: %v", err)
		}
	}

	points, err := eval.Sweep(cfg, tk, st, scores)
	if err != nil {
		log.Fatalf("Evaluation sweep failed: %v", err)
	}
	fmt.Printf("%-6s %-6s %-12s %-12s %-12s\n", "size", "edges", "threshold", cfg.Objective, "kl")
	for _, p := range points {
		fmt.Printf("%-6d %-6d %-12.6f %-12.6f %-12.6f\n", p.Size, p.Edges, p.Threshold, p.Mean, p.KL)
	}
	if *sweepPath != "" {
		if err := eval.Save(points, *sweepPath); err != nil {
			log.Fatalf("Failed to write sweep: %v", err)
		}
	}

	if *flightAddr != "" {
		exp := flightexport.New(*flightAddr)
		ctx := context.Background()
		if err := exp.Connect(ctx); err != nil {
			log.Fatalf("Failed to connect to Flight endpoint: %v", err)
		}
		defer exp.Close()
		if err := exp.Export(ctx, scores, meta); err != nil {
			log.Fatalf("Failed to export scores: %v", err)
		}
		log.Printf("Scores exported to %s", *flightAddr)
	}
}
