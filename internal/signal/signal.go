// Package signal turns a situation snapshot into a canonical wave signal.
// The builder is pure: the same snapshot always yields the same signal.
// Embeddings are attached by the engine afterwards, so collaborator
// failures never make signal construction nondeterministic.
package signal

import (
	"sort"
	"strings"
	"unicode"

	"github.com/tsawler/prose/v3"

	"github.com/contextwave/engine/internal/config"
	"github.com/contextwave/engine/internal/ctxstore"
	"github.com/contextwave/engine/internal/emotion"
)

// Situation is the external snapshot a caller assembles before a
// retrieval: what is in focus, what is happening, and the body state.
type Situation struct {
	Focus   []string // explicit focus tokens, taken verbatim
	Event   string   // free text describing the current event
	Thought string   // optional free-text inner state

	Emotion       string             // raw emotion report, normalized here
	Drives        map[string]float64 // drive name → level in [0,1]
	PainIntensity float64            // reported pain in [0,1]

	MaxLevel int // candidate level cap; 0 means the default of 2
}

// WaveSignal is the canonical query shape the scorer understands.
type WaveSignal struct {
	Nodes     []string
	Relations []string
	Emotion   emotion.Emotion
	Result    ctxstore.Result
	MaxLevel  int
	// DriveBias maps each hungry drive to its seed node set, retained
	// for the scorer's drive-alignment bonus.
	DriveBias map[string][]string
	Embedding []float64
}

// HasStructure reports whether the signal carries any node or relation.
func (w *WaveSignal) HasStructure() bool {
	return len(w.Nodes) > 0 || len(w.Relations) > 0
}

// Builder constructs wave signals from situations using the configured
// relation table and drive seed map.
type Builder struct {
	cfg *config.Config
}

// NewBuilder creates a signal builder.
func NewBuilder(cfg *config.Config) *Builder {
	if cfg == nil {
		cfg = config.Default()
	}
	return &Builder{cfg: cfg}
}

// Build produces the canonical signal for a situation.
func (b *Builder) Build(sit Situation) WaveSignal {
	sig := WaveSignal{
		Emotion:  emotion.Normalize(sit.Emotion),
		Result:   ctxstore.ResultNeutral,
		MaxLevel: sit.MaxLevel,
	}
	if sig.MaxLevel == 0 {
		sig.MaxLevel = ctxstore.MaxLevel
	}
	if sit.Emotion == "" {
		sig.Emotion = emotion.Neutral
	}
	if sit.PainIntensity > b.cfg.Signal.PainNegative {
		sig.Result = ctxstore.ResultNegative
	}

	freeText := strings.TrimSpace(sit.Event + " " + sit.Thought)

	// Node assembly order is part of the contract: explicit focus first,
	// then capitalized tokens from free text, then hungry-drive seeds.
	// Overflow beyond the bound drops in stable insertion order.
	seen := make(map[string]bool)
	push := func(name string) {
		if name == "" || seen[name] || len(sig.Nodes) >= b.cfg.Signal.MaxNodes {
			return
		}
		seen[name] = true
		sig.Nodes = append(sig.Nodes, name)
	}

	for _, f := range sit.Focus {
		push(strings.TrimSpace(f))
	}
	for _, tok := range capitalizedTokens(freeText) {
		push(tok)
	}

	for _, drive := range hungryDrives(sit.Drives, b.cfg.Signal.HungerThreshold) {
		seeds, ok := b.cfg.DriveSeeds[drive]
		if !ok {
			continue
		}
		if sig.DriveBias == nil {
			sig.DriveBias = make(map[string][]string)
		}
		sig.DriveBias[drive] = seeds
		for _, seed := range seeds {
			push(seed)
		}
	}

	sig.Relations = b.scanRelations(freeText)

	return sig
}

// scanRelations maps verb tokens in the text to canonical relation
// labels via the configured keyword table. Labels are returned in first-
// appearance order, deduplicated.
func (b *Builder) scanRelations(text string) []string {
	if text == "" {
		return nil
	}
	seen := make(map[string]bool)
	var relations []string
	for _, tok := range tokenize(text) {
		label, ok := b.cfg.Relations[strings.ToLower(tok)]
		if !ok || seen[label] {
			continue
		}
		seen[label] = true
		relations = append(relations, label)
	}
	return relations
}

// hungryDrives returns drives below the hunger threshold in sorted name
// order, keeping the builder deterministic over the input map.
func hungryDrives(drives map[string]float64, threshold float64) []string {
	var hungry []string
	for name, level := range drives {
		if level < threshold {
			hungry = append(hungry, name)
		}
	}
	sort.Strings(hungry)
	return hungry
}

// capitalizedTokens extracts capitalized single-word tokens from free
// text in order of appearance. Sentence-initial common words are skipped
// the way named entities are told apart from sentence case.
func capitalizedTokens(text string) []string {
	if text == "" {
		return nil
	}

	tokens := tokenize(text)
	var out []string
	for i, tok := range tokens {
		runes := []rune(tok)
		if len(runes) < 2 || !unicode.IsUpper(runes[0]) || !unicode.IsLower(runes[1]) {
			continue
		}
		if skipWords[tok] {
			continue
		}
		// First token of the text is sentence case, not a name, unless
		// it recurs capitalized later.
		if i == 0 && !recursLater(tokens, tok) {
			continue
		}
		out = append(out, tok)
	}
	return out
}

func recursLater(tokens []string, tok string) bool {
	count := 0
	for _, t := range tokens {
		if t == tok {
			count++
		}
	}
	return count > 1
}

// tokenize splits text into word tokens. prose handles clitics and
// punctuation better than a Fields split; if the document fails to
// build, fall back to a rune-class split.
func tokenize(text string) []string {
	doc, err := prose.NewDocument(text,
		prose.WithTagging(false),
		prose.WithExtraction(false),
		prose.WithSegmentation(false))
	if err == nil {
		toks := doc.Tokens()
		out := make([]string, 0, len(toks))
		for _, t := range toks {
			cleaned := strings.TrimFunc(t.Text, func(r rune) bool {
				return !unicode.IsLetter(r) && !unicode.IsNumber(r)
			})
			if cleaned != "" {
				out = append(out, cleaned)
			}
		}
		return out
	}
	return strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

// skipWords are capitalized tokens that are almost never entity names.
var skipWords = map[string]bool{
	"The": true, "A": true, "An": true, "This": true, "That": true,
	"It": true, "Is": true, "Are": true, "Was": true, "Were": true,
	"He": true, "She": true, "They": true, "We": true, "You": true,
	"My": true, "Your": true, "His": true, "Her": true, "Its": true,
	"What": true, "When": true, "Where": true, "Who": true, "Why": true,
	"How": true, "But": true, "And": true, "Or": true, "So": true,
	"If": true, "Then": true, "Yes": true, "No": true, "Ok": true,
	"Hello": true, "Hi": true, "Hey": true,
}
