// wave-mcp exposes the context-wave memory engine over MCP stdio so an
// LLM brain can retrieve, write, and consolidate memory as tools.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/contextwave/engine/internal/config"
	"github.com/contextwave/engine/internal/ctxstore"
	"github.com/contextwave/engine/internal/engine"
	"github.com/contextwave/engine/internal/signal"
)

var eng *engine.Engine

func main() {
	// Log to stderr so stdout is clean for JSON-RPC
	log.SetOutput(os.Stderr)
	log.SetPrefix("[wave-mcp] ")

	if err := godotenv.Load(); err == nil {
		log.Println("Loaded .env file")
	}

	statePath := os.Getenv("WAVE_STATE_PATH")
	if statePath == "" {
		statePath = "state"
	}
	configPath := os.Getenv("WAVE_CONFIG")
	if configPath == "" {
		configPath = "engine.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	eng, err = engine.Open(statePath, cfg, engine.Options{})
	if err != nil {
		log.Fatalf("Failed to open engine: %v", err)
	}
	defer eng.Close()

	s := server.NewMCPServer(
		"wave-mcp",
		"1.0.0",
		server.WithToolCapabilities(true),
	)

	s.AddTool(retrieveTool(), handleRetrieve)
	s.AddTool(writeTool(), handleWrite)
	s.AddTool(consolidateTool(), handleConsolidate)
	s.AddTool(statsTool(), handleStats)

	log.Println("Starting wave MCP server...")
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
		os.Exit(1)
	}
}

func retrieveTool() mcp.Tool {
	return mcp.NewTool("wave_retrieve",
		mcp.WithDescription("Retrieve resonant memory contexts for the current situation. Returns a small diverse slate ranked by resonance."),
		mcp.WithString("event",
			mcp.Description("Free-text description of what is happening"),
		),
		mcp.WithString("focus",
			mcp.Description("Comma-separated explicit focus tokens"),
		),
		mcp.WithString("emotion",
			mcp.Description("Current emotion label (free-form, normalized internally)"),
		),
		mcp.WithNumber("pain",
			mcp.Description("Pain intensity in [0,1]"),
		),
		mcp.WithNumber("k",
			mcp.Description("Slate size (default 7)"),
		),
		mcp.WithNumber("max_level",
			mcp.Description("Highest abstraction level to consider (0-2)"),
		),
	)
}

func handleRetrieve(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := req.Params.Arguments.(map[string]any)
	event, _ := args["event"].(string)
	focus, _ := args["focus"].(string)
	emotionStr, _ := args["emotion"].(string)
	pain, _ := args["pain"].(float64)
	kFloat, _ := args["k"].(float64)
	maxLevel, _ := args["max_level"].(float64)

	sit := signal.Situation{
		Event:         event,
		Emotion:       emotionStr,
		PainIntensity: pain,
		MaxLevel:      int(maxLevel),
	}
	if focus != "" {
		sit.Focus = splitCSV(focus)
	}

	result, err := eng.Retrieve(ctx, sit, engine.RetrieveOptions{K: int(kFloat)})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("retrieval failed: %v", err)), nil
	}

	type entry struct {
		ID          int64    `json:"id"`
		Resonance   float64  `json:"resonance"`
		Level       int      `json:"level"`
		Description string   `json:"description"`
		Emotion     string   `json:"emotion"`
		Result      string   `json:"result"`
		Rule        string   `json:"rule,omitempty"`
		Nodes       []string `json:"nodes"`
	}
	out := make([]entry, 0, len(result.Slate))
	for _, sc := range result.Slate {
		c := sc.Context
		names := make([]string, len(c.Nodes))
		for i, n := range c.Nodes {
			names[i] = n.Name
		}
		out = append(out, entry{
			ID:          c.ID,
			Resonance:   sc.Resonance,
			Level:       c.Level,
			Description: c.Description,
			Emotion:     c.DisplayEmotion(),
			Result:      string(c.Result),
			Rule:        c.Rule,
			Nodes:       names,
		})
	}

	data, _ := json.MarshalIndent(map[string]any{
		"contexts":  out,
		"recovered": result.Diagnostics.CollaboratorErrors,
	}, "", "  ")
	return mcp.NewToolResultText(string(data)), nil
}

func writeTool() mcp.Tool {
	return mcp.NewTool("wave_write",
		mcp.WithDescription("Store a new memory context: a small scene graph with emotion, result, and an optional rule."),
		mcp.WithString("description",
			mcp.Required(),
			mcp.Description("What happened, one or two sentences (max 300 chars)"),
		),
		mcp.WithString("nodes",
			mcp.Required(),
			mcp.Description("Comma-separated entity names involved"),
		),
		mcp.WithString("edges",
			mcp.Description("Relations as source:relation:target triples, comma-separated"),
		),
		mcp.WithString("emotion",
			mcp.Description("Emotion label (free-form, normalized internally)"),
		),
		mcp.WithNumber("intensity",
			mcp.Description("Emotional intensity in [0,1]"),
		),
		mcp.WithString("result",
			mcp.Description("Outcome: positive, negative, complex, neutral, or uncertain"),
		),
		mcp.WithString("rule",
			mcp.Description("Optional lesson in the form 'When X, do Y'"),
		),
	)
}

func handleWrite(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := req.Params.Arguments.(map[string]any)
	description, _ := args["description"].(string)
	nodesStr, _ := args["nodes"].(string)
	edgesStr, _ := args["edges"].(string)
	emotionStr, _ := args["emotion"].(string)
	intensity, _ := args["intensity"].(float64)
	resultStr, _ := args["result"].(string)
	rule, _ := args["rule"].(string)

	if description == "" {
		return mcp.NewToolResultError("description is required"), nil
	}
	if nodesStr == "" {
		return mcp.NewToolResultError("nodes is required"), nil
	}

	draft := ctxstore.Draft{
		Description: description,
		Emotion:     emotionStr,
		Intensity:   intensity,
		Result:      ctxstore.Result(resultStr),
		Rule:        rule,
	}
	for _, name := range splitCSV(nodesStr) {
		draft.Nodes = append(draft.Nodes, ctxstore.Node{Name: name})
	}
	edges, err := parseEdges(edgesStr)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	draft.Edges = edges

	id, err := eng.Write(ctx, draft)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("write rejected: %v", err)), nil
	}

	log.Printf("Stored context %d: %s", id, truncate(description, 50))
	return mcp.NewToolResultText(fmt.Sprintf("Stored context %d", id)), nil
}

func consolidateTool() mcp.Tool {
	return mcp.NewTool("wave_consolidate",
		mcp.WithDescription("Run one memory consolidation pass: cluster related episodes and distill them into general rules."),
	)
}

func handleConsolidate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stats, err := eng.Consolidate(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("consolidation failed: %v (partial: %+v)", err, stats)), nil
	}
	data, _ := json.MarshalIndent(map[string]int{
		"clusters_seen":     stats.ClustersSeen,
		"contexts_written":  stats.ContextsWritten,
		"contexts_absorbed": stats.ContextsAbsorbed,
		"failures":          stats.Failures,
	}, "", "  ")
	return mcp.NewToolResultText(string(data)), nil
}

func statsTool() mcp.Tool {
	return mcp.NewTool("wave_stats",
		mcp.WithDescription("Get memory store statistics: context counts per level and emotion."),
	)
}

func handleStats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	data, _ := json.MarshalIndent(eng.Stats(), "", "  ")
	return mcp.NewToolResultText(string(data)), nil
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseEdges(s string) ([]ctxstore.Edge, error) {
	if s == "" {
		return nil, nil
	}
	var edges []ctxstore.Edge
	for _, triple := range splitCSV(s) {
		parts := strings.Split(triple, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("invalid edge %q: want source:relation:target", triple)
		}
		edges = append(edges, ctxstore.Edge{
			Source:   strings.TrimSpace(parts[0]),
			Relation: strings.TrimSpace(parts[1]),
			Target:   strings.TrimSpace(parts[2]),
		})
	}
	return edges, nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
