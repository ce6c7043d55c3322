package ctxstore

import (
	"time"

	"github.com/contextwave/engine/internal/emotion"
)

// Result classifies how an experience ended.
type Result string

const (
	ResultPositive  Result = "positive"
	ResultNegative  Result = "negative"
	ResultComplex   Result = "complex"
	ResultNeutral   Result = "neutral"
	ResultUncertain Result = "uncertain"
)

// ValidResult reports whether r is a member of the closed result set.
func ValidResult(r Result) bool {
	switch r {
	case ResultPositive, ResultNegative, ResultComplex, ResultNeutral, ResultUncertain:
		return true
	}
	return false
}

// Abstraction levels. The cap at 2 is deliberate: higher levels turn into
// attractor basins that dominate every retrieval.
const (
	LevelEpisode        = 0
	LevelGeneralization = 1
	LevelPrinciple      = 2
	MaxLevel            = 2
)

// MaxDescription is the description bound in code points.
const MaxDescription = 300

// Node is an object in a context mini-graph. Role is a free tag
// (agent, target, tool, concept, ...) and does not affect scoring.
type Node struct {
	Name string `json:"name"`
	Role string `json:"role,omitempty"`
}

// Edge is a relation between two nodes of the same context. Both
// endpoints must name members of the context's node set.
type Edge struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	Relation string `json:"relation"`
}

// Context is the unit of memory: a small scene graph with emotion,
// result, and an optional extracted rule. Once persisted a context is
// immutable except for lazy embedding fill-in and bounded certainty
// updates during consolidation.
type Context struct {
	ID          int64           `json:"id"`
	Description string          `json:"description"`
	Nodes       []Node          `json:"nodes"`
	Edges       []Edge          `json:"edges"`
	Emotion     emotion.Emotion `json:"emotion"`
	// EmotionLabel keeps the caller's original label for display and for
	// first-word diversity grouping. Emotion is always canonical.
	EmotionLabel   string    `json:"emotion_label,omitempty"`
	Intensity      float64   `json:"intensity"`
	Result         Result    `json:"result"`
	Rule           string    `json:"rule,omitempty"`
	RuleConditions []string  `json:"rule_conditions,omitempty"`
	Certainty      float64   `json:"certainty"`
	Level          int       `json:"level"`
	Sources        []int64   `json:"sources,omitempty"`
	Embedding      []float64 `json:"embedding,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	WhenDay        int       `json:"when_day,omitempty"`
	WhenCycle      int       `json:"when_cycle,omitempty"`
}

// NodeNames returns the context's node names as a set.
func (c *Context) NodeNames() map[string]bool {
	names := make(map[string]bool, len(c.Nodes))
	for _, n := range c.Nodes {
		names[n.Name] = true
	}
	return names
}

// EdgeRelations returns the context's relation labels as a set.
func (c *Context) EdgeRelations() map[string]bool {
	rels := make(map[string]bool, len(c.Edges))
	for _, e := range c.Edges {
		rels[e.Relation] = true
	}
	return rels
}

// DisplayEmotion is what diagnostics and the diversity selector see:
// the original label when one was supplied, else the canonical emotion.
func (c *Context) DisplayEmotion() string {
	if c.EmotionLabel != "" {
		return c.EmotionLabel
	}
	return string(c.Emotion)
}

// Draft is a context as submitted by a writer, before validation,
// normalization, and id assignment.
type Draft struct {
	Description string
	Nodes       []Node
	Edges       []Edge
	Emotion     string // raw or canonical; normalized on put
	Intensity   float64
	Result      Result
	Rule        string
	// Certainty 0 means unset and defaults to 1.0 on put; an exactly
	// zero certainty is not expressible. Callers who mean "no
	// confidence" write a small positive value instead.
	Certainty float64
	Level     int
	Sources   []int64
	Embedding []float64
	WhenDay   int
	WhenCycle int
	// DedupKey is an optional caller-supplied idempotency key. A second
	// put with the same key fails with ErrConflict.
	DedupKey string
}
