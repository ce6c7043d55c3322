package ctxstore

import (
	"strings"
	"unicode"
)

// Tokenize splits text into case-folded tokens of length >= 3 with
// punctuation stripped. Used for semantic dedup and MMR overlap; no
// stemming.
func Tokenize(text string) map[string]bool {
	tokens := make(map[string]bool)
	for _, tok := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	}) {
		if len([]rune(tok)) >= 3 {
			tokens[tok] = true
		}
	}
	return tokens
}

// Jaccard computes set overlap |a∩b| / |a∪b|. Two empty sets overlap 0.
func Jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for tok := range a {
		if b[tok] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// JaccardNames computes Jaccard overlap over two name sets.
func JaccardNames(a, b map[string]bool) float64 {
	return Jaccard(a, b)
}

// dedupText is the text the semantic dedup invariant compares:
// rule and description concatenated.
func dedupText(rule, description string) map[string]bool {
	return Tokenize(rule + " " + description)
}

// deriveRuleConditions extracts the condition token set from a rule:
// capitalized words plus known-entity matches, kept only when the token
// names a context node or a canonical entity. Recomputed whenever the
// rule is written.
func deriveRuleConditions(rule string, nodes []Node, entities map[string]bool) []string {
	if rule == "" {
		return nil
	}

	allowed := make(map[string]bool, len(nodes)+len(entities))
	for _, n := range nodes {
		allowed[n.Name] = true
	}
	for e := range entities {
		allowed[e] = true
	}

	seen := make(map[string]bool)
	var conds []string
	for _, raw := range strings.FieldsFunc(rule, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	}) {
		runes := []rune(raw)
		capitalized := len(runes) > 0 && unicode.IsUpper(runes[0])
		if !capitalized && !entities[raw] {
			continue
		}
		if !allowed[raw] || seen[raw] {
			continue
		}
		seen[raw] = true
		conds = append(conds, raw)
	}
	return conds
}
