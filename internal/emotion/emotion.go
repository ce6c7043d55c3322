// Package emotion defines the canonical emotion vocabulary and the
// normalization pipeline that collapses free-form emotion strings into it.
// Free-form phrases never persist: every stored context and every signal
// carries exactly one canonical label.
package emotion

import (
	"strings"
	"unicode"
)

// Emotion is a canonical emotion label.
type Emotion string

const (
	Joy         Emotion = "joy"
	Pride       Emotion = "pride"
	Curiosity   Emotion = "curiosity"
	Warmth      Emotion = "warmth"
	Relief      Emotion = "relief"
	Awe         Emotion = "awe"
	Flow        Emotion = "flow"
	Neutral     Emotion = "neutral"
	Frustration Emotion = "frustration"
	Loneliness  Emotion = "loneliness"
	Hurt        Emotion = "hurt"
	Fear        Emotion = "fear"
	Sadness     Emotion = "sadness"
	Anger       Emotion = "anger"
	Disgust     Emotion = "disgust"
	Surprise    Emotion = "surprise"
	Resolve     Emotion = "resolve"
	Longing     Emotion = "longing"
)

// Valence groups emotions by affective direction. Neutral and surprise
// form their own classes and never partially match anything else.
type Valence int

const (
	ValenceNeutral Valence = iota
	ValencePositive
	ValenceNegative
	ValenceSurprise
)

var canonical = map[Emotion]Valence{
	Joy:         ValencePositive,
	Pride:       ValencePositive,
	Curiosity:   ValencePositive,
	Warmth:      ValencePositive,
	Relief:      ValencePositive,
	Awe:         ValencePositive,
	Flow:        ValencePositive,
	Resolve:     ValencePositive,
	Longing:     ValencePositive,
	Frustration: ValenceNegative,
	Loneliness:  ValenceNegative,
	Hurt:        ValenceNegative,
	Fear:        ValenceNegative,
	Sadness:     ValenceNegative,
	Anger:       ValenceNegative,
	Disgust:     ValenceNegative,
	Neutral:     ValenceNeutral,
	Surprise:    ValenceSurprise,
}

// aliases maps common non-canonical labels to canonical ones.
var aliases = map[string]Emotion{
	"happiness":     Joy,
	"happy":         Joy,
	"delight":       Joy,
	"gratitude":     Warmth,
	"grateful":      Warmth,
	"love":          Warmth,
	"tenderness":    Warmth,
	"interest":      Curiosity,
	"curious":       Curiosity,
	"wonder":        Awe,
	"calm":          Neutral,
	"shame":         Hurt,
	"guilt":         Hurt,
	"embarrassment": Hurt,
	"grief":         Sadness,
	"sorrow":        Sadness,
	"melancholy":    Sadness,
	"sad":           Sadness,
	"panic":         Fear,
	"anxiety":       Fear,
	"dread":         Fear,
	"worry":         Fear,
	"afraid":        Fear,
	"rage":          Anger,
	"irritation":    Frustration,
	"annoyance":     Frustration,
	"annoyed":       Frustration,
	"isolation":     Loneliness,
	"lonely":        Loneliness,
	"determination": Resolve,
	"determined":    Resolve,
	"yearning":      Longing,
	"nostalgia":     Longing,
	"missing":       Longing,
	"shock":         Surprise,
	"surprised":     Surprise,
	"astonishment":  Surprise,
	"disgusted":     Disgust,
	"revulsion":     Disgust,
	"contentment":   Relief,
	"relieved":      Relief,
	"proud":         Pride,
	"absorbed":      Flow,
	"focused":       Flow,
}

// keywords are scanned as substrings when token-level matching fails.
// Ordered: the first hit wins, so more specific stems come first.
var keywords = []struct {
	stem string
	emo  Emotion
}{
	{"frustrat", Frustration},
	{"lone", Loneliness},
	{"hurt", Hurt},
	{"afraid", Fear},
	{"dread", Fear},
	{"scar", Fear},
	{"fear", Fear},
	{"sad", Sadness},
	{"angr", Anger},
	{"mad", Anger},
	{"disgust", Disgust},
	{"surpris", Surprise},
	{"joy", Joy},
	{"proud", Pride},
	{"curio", Curiosity},
	{"warm", Warmth},
	{"reliev", Relief},
	{"awe", Awe},
	{"flow", Flow},
	{"resolv", Resolve},
	{"long", Longing},
}

// IsCanonical reports whether e is a member of the canonical set.
func IsCanonical(e Emotion) bool {
	_, ok := canonical[e]
	return ok
}

// ValenceOf returns the valence class of a canonical emotion.
// Unknown labels are treated as neutral.
func ValenceOf(e Emotion) Valence {
	if v, ok := canonical[e]; ok {
		return v
	}
	return ValenceNeutral
}

// SameValence reports whether two emotions share the positive or negative
// class. Neutral and surprise never partially match.
func SameValence(a, b Emotion) bool {
	va, vb := ValenceOf(a), ValenceOf(b)
	if va != vb {
		return false
	}
	return va == ValencePositive || va == ValenceNegative
}

// Normalize collapses a free-form emotion string into the canonical set.
// Pipeline: exact match, alias table, per-token scan of compound strings,
// keyword scan, then neutral.
func Normalize(raw string) Emotion {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return Neutral
	}

	if IsCanonical(Emotion(s)) {
		return Emotion(s)
	}
	if e, ok := aliases[s]; ok {
		return e
	}

	// Compound strings like "existential dread" or "hurt-but-grateful":
	// first recognized canonical token wins, then aliases.
	tokens := splitTokens(s)
	for _, tok := range tokens {
		if IsCanonical(Emotion(tok)) {
			return Emotion(tok)
		}
	}
	for _, tok := range tokens {
		if e, ok := aliases[tok]; ok {
			return e
		}
	}

	// Last resort: substring keyword scan over the whole string.
	for _, kw := range keywords {
		if strings.Contains(s, kw.stem) {
			return kw.emo
		}
	}

	return Neutral
}

// FirstWord returns the first whitespace-separated word of an emotion
// string, lowercased. The diversity selector groups slate entries by it,
// so "existential dread" and "existential fear" fall in the same bucket.
func FirstWord(raw string) string {
	fields := strings.Fields(strings.ToLower(strings.TrimSpace(raw)))
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// splitTokens splits on whitespace and punctuation.
func splitTokens(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}
