// wave is the operational CLI for the context-wave memory engine:
// retrieve against an ad-hoc situation, write a draft from stdin, or
// print store statistics.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/contextwave/engine/internal/config"
	"github.com/contextwave/engine/internal/ctxstore"
	"github.com/contextwave/engine/internal/engine"
	"github.com/contextwave/engine/internal/signal"
)

func main() {
	statePath := flag.String("state", "state", "Path to state directory")
	configPath := flag.String("config", "engine.yaml", "Path to config file")
	event := flag.String("event", "", "Free-text event description")
	thought := flag.String("thought", "", "Free-text inner state")
	focusList := flag.String("focus", "", "Comma-separated explicit focus tokens")
	emotionStr := flag.String("emotion", "", "Current emotion label")
	drivesStr := flag.String("drives", "", "Drive levels, e.g. connection=0.2,creation=0.8")
	pain := flag.Float64("pain", 0, "Pain intensity in [0,1]")
	k := flag.Int("k", 0, "Slate size (0 = configured default)")
	rMin := flag.Float64("r-min", 0, "Resonance floor")
	maxLevel := flag.Int("max-level", 0, "Candidate level cap (0 = all levels)")
	write := flag.Bool("write", false, "Read a JSON context draft from stdin and store it")
	noEmbed := flag.Bool("no-embed", false, "Skip the embedder (semantic channel inactive)")
	stats := flag.Bool("stats", false, "Print store statistics and exit")
	timeout := flag.Duration("timeout", 30*time.Second, "Operation deadline")
	flag.Parse()

	godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	var opts engine.Options
	if *noEmbed {
		opts.Embedder = noopEmbedder{}
	}
	eng, err := engine.Open(*statePath, cfg, opts)
	if err != nil {
		log.Fatalf("Failed to open engine: %v", err)
	}
	defer eng.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	switch {
	case *stats:
		printStats(eng.Stats())
	case *write:
		writeDraft(ctx, eng)
	default:
		retrieve(ctx, eng, signal.Situation{
			Focus:         splitList(*focusList),
			Event:         *event,
			Thought:       *thought,
			Emotion:       *emotionStr,
			Drives:        parseDrives(*drivesStr),
			PainIntensity: *pain,
			MaxLevel:      *maxLevel,
		}, engine.RetrieveOptions{K: *k, RMin: *rMin})
	}
}

func retrieve(ctx context.Context, eng *engine.Engine, sit signal.Situation, opts engine.RetrieveOptions) {
	start := time.Now()
	result, err := eng.Retrieve(ctx, sit, opts)
	if err != nil {
		log.Fatalf("Retrieval failed: %v", err)
	}

	sig := result.Signal
	log.Printf("Signal: nodes=%v relations=%v emotion=%s result=%s",
		sig.Nodes, sig.Relations, sig.Emotion, sig.Result)
	for _, msg := range result.Diagnostics.CollaboratorErrors {
		log.Printf("Recovered: %s", msg)
	}

	if len(result.Slate) == 0 {
		fmt.Println("No resonant contexts.")
		return
	}
	for i, sc := range result.Slate {
		c := sc.Context
		fmt.Printf("%d. [%.3f] L%d #%d %s\n", i+1, sc.Resonance, c.Level, c.ID, c.Description)
		fmt.Printf("   emotion=%s result=%s nodes=%s\n",
			c.DisplayEmotion(), c.Result, strings.Join(nodeNames(c), ","))
		if c.Rule != "" {
			fmt.Printf("   rule: %s\n", c.Rule)
		}
	}
	log.Printf("Retrieved %d contexts in %v", len(result.Slate), time.Since(start).Round(time.Millisecond))
}

func writeDraft(ctx context.Context, eng *engine.Engine) {
	var draft ctxstore.Draft
	if err := json.NewDecoder(os.Stdin).Decode(&draft); err != nil {
		log.Fatalf("Failed to decode draft: %v", err)
	}
	id, err := eng.Write(ctx, draft)
	if err != nil {
		log.Fatalf("Write rejected: %v", err)
	}
	fmt.Printf("Stored context %d\n", id)
}

func printStats(stats map[string]int) {
	keys := make([]string, 0, len(stats))
	for k := range stats {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("%-24s %d\n", k, stats[k])
	}
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseDrives(s string) map[string]float64 {
	if s == "" {
		return nil
	}
	drives := make(map[string]float64)
	for _, pair := range strings.Split(s, ",") {
		name, val, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			continue
		}
		level, err := strconv.ParseFloat(val, 64)
		if err != nil {
			log.Fatalf("Invalid drive level %q: %v", pair, err)
		}
		drives[name] = level
	}
	return drives
}

func nodeNames(c *ctxstore.Context) []string {
	names := make([]string, len(c.Nodes))
	for i, n := range c.Nodes {
		names[i] = n.Name
	}
	return names
}

// noopEmbedder disables the semantic channel without touching Ollama.
type noopEmbedder struct{}

func (noopEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	return nil, fmt.Errorf("embedder disabled")
}
