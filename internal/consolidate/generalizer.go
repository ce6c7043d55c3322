package consolidate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/contextwave/engine/internal/ctxstore"
	"github.com/contextwave/engine/internal/embedding"
)

// OllamaGeneralizer distills clusters through a local Ollama model.
type OllamaGeneralizer struct {
	client *embedding.Client
}

// NewOllamaGeneralizer wraps an Ollama client as a Generalizer.
func NewOllamaGeneralizer(client *embedding.Client) *OllamaGeneralizer {
	return &OllamaGeneralizer{client: client}
}

const generalizePrompt = `You are distilling related experiences into one general lesson.

Experiences:
%s

Respond with ONLY a JSON object, no other text:
{
  "description": "one sentence summarizing the common pattern",
  "rule": "one actionable rule in the form 'When X, do Y'",
  "nodes": ["the", "shared", "entities"],
  "emotion": "one word naming the dominant feeling",
  "intensity": 0.5
}`

// Generalize asks the model for a cluster summary and parses the JSON
// it returns. Malformed output is an error; the cluster stays pending.
func (g *OllamaGeneralizer) Generalize(ctx context.Context, cluster []*ctxstore.Context) (*Draft, error) {
	var sb strings.Builder
	for i, c := range cluster {
		fmt.Fprintf(&sb, "%d. %s", i+1, c.Description)
		if c.Rule != "" {
			fmt.Fprintf(&sb, " (rule: %s)", c.Rule)
		}
		sb.WriteString("\n")
	}

	raw, err := g.client.Generate(ctx, fmt.Sprintf(generalizePrompt, sb.String()))
	if err != nil {
		return nil, fmt.Errorf("generalize: %w", err)
	}

	jsonStr := extractJSON(raw)
	if jsonStr == "" {
		return nil, fmt.Errorf("no JSON object in generalizer output: %s", firstLine(raw))
	}

	var draft Draft
	if err := json.Unmarshal([]byte(jsonStr), &draft); err != nil {
		return nil, fmt.Errorf("malformed generalizer output: %w", err)
	}
	if draft.Description == "" || draft.Rule == "" {
		return nil, fmt.Errorf("generalizer output missing description or rule")
	}
	return &draft, nil
}

// extractJSON finds the first balanced JSON object in text. Models often
// wrap the object in prose or code fences.
func extractJSON(text string) string {
	start := strings.Index(text, "{")
	if start == -1 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if escaped {
			escaped = false
			continue
		}
		switch ch {
		case '\\':
			escaped = inString
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return text[start : i+1]
				}
			}
		}
	}
	return ""
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 120 {
		s = s[:120]
	}
	return s
}
