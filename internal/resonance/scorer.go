// Package resonance scores candidate contexts against a wave signal.
// Each channel is evaluated only when both sides carry input for it;
// the raw score is the arithmetic mean of the active channels, modified
// by recency suppression, level weighting, and drive alignment.
package resonance

import (
	"sort"
	"time"

	"github.com/contextwave/engine/internal/ctxstore"
	"github.com/contextwave/engine/internal/emotion"
	"github.com/contextwave/engine/internal/signal"
)

// Breakdown records per-channel values for diagnostics. A channel that
// was inactive for the pair is reported as -1.
type Breakdown struct {
	Node     float64
	Relation float64
	Emotion  float64
	Result   float64
	Semantic float64
	RuleCond float64

	Raw     float64 // mean of active channels, before modifiers
	Recency float64 // recency multiplier applied
	Level   float64 // level multiplier applied
	Drive   float64 // drive-alignment bonus applied
}

// Inactive is the breakdown value of a channel that did not fire.
const Inactive = -1.0

// MaxResonance bounds the final score after the drive bonus.
const MaxResonance = 1.2

// Scored pairs a context with its final resonance and breakdown.
type Scored struct {
	Context   *ctxstore.Context
	Resonance float64
	Breakdown Breakdown
}

// Scorer evaluates signal-context resonance. The clock is injected so a
// single retrieval sees one consistent notion of "now".
type Scorer struct {
	now func() time.Time
}

// NewScorer creates a scorer on the real clock.
func NewScorer() *Scorer {
	return &Scorer{now: time.Now}
}

// NewScorerAt creates a scorer with an injected clock.
func NewScorerAt(now func() time.Time) *Scorer {
	if now == nil {
		now = time.Now
	}
	return &Scorer{now: now}
}

// ScoreAll scores every candidate and returns the list sorted by
// resonance descending, id ascending on ties.
func (s *Scorer) ScoreAll(sig *signal.WaveSignal, candidates []*ctxstore.Context) []Scored {
	now := s.now()
	out := make([]Scored, 0, len(candidates))
	for _, c := range candidates {
		if c.Level > sig.MaxLevel {
			continue
		}
		r, bd := s.score(sig, c, now)
		out = append(out, Scored{Context: c, Resonance: r, Breakdown: bd})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Resonance != out[j].Resonance {
			return out[i].Resonance > out[j].Resonance
		}
		return out[i].Context.ID < out[j].Context.ID
	})
	return out
}

// Score evaluates a single pair at the scorer's current time.
func (s *Scorer) Score(sig *signal.WaveSignal, c *ctxstore.Context) (float64, Breakdown) {
	return s.score(sig, c, s.now())
}

func (s *Scorer) score(sig *signal.WaveSignal, c *ctxstore.Context, now time.Time) (float64, Breakdown) {
	bd := Breakdown{
		Node: Inactive, Relation: Inactive, Emotion: Inactive,
		Result: Inactive, Semantic: Inactive, RuleCond: Inactive,
	}

	var sum float64
	active := 0
	add := func(v float64) float64 {
		sum += v
		active++
		return v
	}

	ctxNodes := nameSet(c.Nodes)
	if len(sig.Nodes) > 0 && len(ctxNodes) > 0 {
		bd.Node = add(overlapFraction(sig.Nodes, ctxNodes, len(sig.Nodes)))
	}

	if len(sig.Relations) > 0 && len(c.Edges) > 0 {
		rels := make(map[string]bool, len(c.Edges))
		for _, e := range c.Edges {
			rels[e.Relation] = true
		}
		bd.Relation = add(overlapFraction(sig.Relations, rels, len(sig.Relations)))
	}

	if sig.Emotion != "" && c.Emotion != "" {
		bd.Emotion = add(emotionMatch(sig.Emotion, c.Emotion))
	}

	if sig.Result != "" && c.Result != "" {
		v := 0.0
		if sig.Result == c.Result {
			v = 1.0
		}
		bd.Result = add(v)
	}

	if len(sig.Embedding) > 0 && len(c.Embedding) > 0 {
		cos := ctxstore.CosineSim(sig.Embedding, c.Embedding)
		if cos < 0 {
			cos = 0
		}
		bd.Semantic = add(cos)
	}

	if len(sig.Nodes) > 0 && len(c.RuleConditions) > 0 {
		conds := make(map[string]bool, len(c.RuleConditions))
		for _, cond := range c.RuleConditions {
			conds[cond] = true
		}
		bd.RuleCond = add(overlapFraction(sig.Nodes, conds, len(c.RuleConditions)))
	}

	if active == 0 {
		return 0, bd
	}
	bd.Raw = sum / float64(active)

	bd.Recency = recencyFactor(now.Sub(c.CreatedAt))
	r := bd.Raw * bd.Recency

	bd.Level = 1 + 0.05*float64(minInt(c.Level, 3))
	r *= bd.Level

	if len(sig.DriveBias) > 0 && driveAligned(sig.DriveBias, ctxNodes) {
		bd.Drive = 0.05
		r += 0.05
	}
	if r > MaxResonance {
		r = MaxResonance
	}
	return r, bd
}

// recencyFactor suppresses contexts written in the last 24 hours down to
// a 0.2 floor at zero age, so retrieval does not echo the immediate past.
func recencyFactor(age time.Duration) float64 {
	h := age.Hours()
	if h < 0 {
		h = 0
	}
	frac := h / 24
	if frac > 1 {
		frac = 1
	}
	f := 0.2 + 0.8*frac
	if f > 1 {
		f = 1
	}
	return f
}

func emotionMatch(a, b emotion.Emotion) float64 {
	if a == b {
		return 1.0
	}
	if emotion.SameValence(a, b) {
		return 0.5
	}
	return 0
}

func driveAligned(bias map[string][]string, ctxNodes map[string]bool) bool {
	for _, seeds := range bias {
		for _, seed := range seeds {
			if ctxNodes[seed] {
				return true
			}
		}
	}
	return false
}

func overlapFraction(items []string, set map[string]bool, denom int) float64 {
	if denom == 0 {
		return 0
	}
	hits := 0
	for _, it := range items {
		if set[it] {
			hits++
		}
	}
	return float64(hits) / float64(denom)
}

func nameSet(nodes []ctxstore.Node) map[string]bool {
	set := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		set[n.Name] = true
	}
	return set
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
