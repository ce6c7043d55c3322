// consolidate runs one compaction pass over the context store:
// cluster unconsolidated contexts, generalize each cluster through the
// configured Ollama model, and write the abstractions one level up.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/contextwave/engine/internal/config"
	"github.com/contextwave/engine/internal/consolidate"
	"github.com/contextwave/engine/internal/ctxstore"
	"github.com/contextwave/engine/internal/engine"
)

func main() {
	statePath := flag.String("state", "state", "Path to state directory")
	configPath := flag.String("config", "engine.yaml", "Path to config file")
	budget := flag.Int("budget", 0, "Max clusters this pass (0 = unlimited)")
	dryRun := flag.Bool("dry-run", false, "Print stats without consolidating")
	timeout := flag.Duration("timeout", 10*time.Minute, "Pass deadline")
	flag.Parse()

	godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *budget > 0 {
		cfg.Consolidate.MaxClusters = *budget
	}

	eng, err := engine.Open(*statePath, cfg, engine.Options{})
	if err != nil {
		log.Fatalf("Failed to open engine: %v", err)
	}
	defer eng.Close()

	stats := eng.Stats()
	log.Printf("Current state:")
	log.Printf("  Contexts: %d", stats["contexts"])
	for level := ctxstore.LevelEpisode; level <= ctxstore.MaxLevel; level++ {
		unc := len(eng.Store().Unconsolidated(level))
		log.Printf("  L%d unconsolidated: %d", level, unc)
	}

	if *dryRun {
		log.Println("Dry run - exiting")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Println("Starting consolidation...")
	start := time.Now()

	result, err := eng.Consolidate(ctx)
	switch {
	case errors.Is(err, consolidate.ErrBudgetExhausted):
		log.Printf("Budget exhausted after %d clusters - rerun to resume", result.ClustersSeen)
	case err != nil:
		log.Printf("Consolidation stopped: %v", err)
	}

	log.Printf("Pass complete in %v", time.Since(start).Round(time.Second))
	log.Printf("  Clusters seen: %d", result.ClustersSeen)
	log.Printf("  Contexts written: %d", result.ContextsWritten)
	log.Printf("  Absorbed into existing: %d", result.ContextsAbsorbed)
	log.Printf("  Failures: %d", result.Failures)
}
