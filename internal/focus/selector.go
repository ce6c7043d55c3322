// Package focus reduces a scored candidate list to a small, diverse
// slate. Selection is deterministic: resonance descending, id ascending
// on ties, with an emotion cap and MMR-style node diversity on top.
package focus

import (
	"sort"

	"github.com/contextwave/engine/internal/ctxstore"
	"github.com/contextwave/engine/internal/emotion"
	"github.com/contextwave/engine/internal/resonance"
)

// Options tunes selection.
type Options struct {
	K            int     // slate size bound, default 7
	RMin         float64 // resonance floor, default 0
	MMRThreshold float64 // Jaccard node-overlap bound, default 0.6
	EmotionCap   int     // survivors per emotion first word, default 2
	LevelFair    bool    // guarantee one episode when abstractions dominate
}

// DefaultOptions returns the shipped selection bounds.
func DefaultOptions() Options {
	return Options{K: 7, RMin: 0, MMRThreshold: 0.6, EmotionCap: 2, LevelFair: true}
}

// Select reduces scored candidates to at most K diverse contexts.
// Input order does not matter; output order is resonance descending,
// id ascending on ties.
func Select(scored []resonance.Scored, opts Options) []resonance.Scored {
	if opts.K <= 0 {
		opts.K = 7
	}
	if opts.MMRThreshold == 0 {
		opts.MMRThreshold = 0.6
	}
	if opts.EmotionCap <= 0 {
		opts.EmotionCap = 2
	}

	pool := make([]resonance.Scored, 0, len(scored))
	for _, sc := range scored {
		if sc.Resonance >= opts.RMin {
			pool = append(pool, sc)
		}
	}
	sortScored(pool)

	pool = capEmotions(pool, opts.EmotionCap)
	slate := mmrPick(pool, opts.K, opts.MMRThreshold)

	if opts.LevelFair {
		slate = ensureEpisode(slate, pool, opts.K)
	}

	sortScored(slate)
	return slate
}

func sortScored(list []resonance.Scored) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].Resonance != list[j].Resonance {
			return list[i].Resonance > list[j].Resonance
		}
		return list[i].Context.ID < list[j].Context.ID
	})
}

// capEmotions keeps at most cap candidates per emotion first word.
// Within a group the strongest stay; exact resonance ties keep the later
// created context.
func capEmotions(pool []resonance.Scored, cap int) []resonance.Scored {
	groups := make(map[string][]resonance.Scored)
	var order []string
	for _, sc := range pool {
		key := emotion.FirstWord(sc.Context.DisplayEmotion())
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], sc)
	}

	keep := make(map[int64]bool)
	for _, key := range order {
		group := groups[key]
		sort.Slice(group, func(i, j int) bool {
			if group[i].Resonance != group[j].Resonance {
				return group[i].Resonance > group[j].Resonance
			}
			return group[i].Context.CreatedAt.After(group[j].Context.CreatedAt)
		})
		for i, sc := range group {
			if i >= cap {
				break
			}
			keep[sc.Context.ID] = true
		}
	}

	out := pool[:0]
	for _, sc := range pool {
		if keep[sc.Context.ID] {
			out = append(out, sc)
		}
	}
	return out
}

// mmrPick greedily picks the strongest remaining candidate whose node
// overlap with everything already picked stays within tau. When nothing
// qualifies, the requirement relaxes in 0.1 steps down to zero; once
// fully relaxed it stops constraining, so the slate still fills.
func mmrPick(pool []resonance.Scored, k int, tau float64) []resonance.Scored {
	var slate []resonance.Scored
	picked := make(map[int64]bool)

	for len(slate) < k && len(picked) < len(pool) {
		found := false
		for t := tau; t >= -1e-9 && !found; t -= 0.1 {
			for _, sc := range pool {
				if picked[sc.Context.ID] {
					continue
				}
				if maxOverlap(sc.Context, slate) <= t+1e-9 {
					slate = append(slate, sc)
					picked[sc.Context.ID] = true
					found = true
					break
				}
			}
		}
		if !found {
			for _, sc := range pool {
				if !picked[sc.Context.ID] {
					slate = append(slate, sc)
					picked[sc.Context.ID] = true
					found = true
					break
				}
			}
		}
		if !found {
			break
		}
	}
	return slate
}

func maxOverlap(c *ctxstore.Context, slate []resonance.Scored) float64 {
	max := 0.0
	names := c.NodeNames()
	for _, sc := range slate {
		if j := ctxstore.JaccardNames(names, sc.Context.NodeNames()); j > max {
			max = j
		}
	}
	return max
}

// ensureEpisode guarantees an episode slot when abstractions fill the
// slate but an episode cleared the floor.
func ensureEpisode(slate, pool []resonance.Scored, k int) []resonance.Scored {
	hasEpisode := false
	nonZero := false
	for _, sc := range slate {
		if sc.Context.Level == ctxstore.LevelEpisode {
			hasEpisode = true
		} else {
			nonZero = true
		}
	}
	if hasEpisode || !nonZero {
		return slate
	}

	var best *resonance.Scored
	for i := range pool {
		sc := &pool[i]
		if sc.Context.Level != ctxstore.LevelEpisode {
			continue
		}
		if best == nil || sc.Resonance > best.Resonance ||
			(sc.Resonance == best.Resonance && sc.Context.ID < best.Context.ID) {
			best = sc
		}
	}
	if best == nil {
		return slate
	}

	if len(slate) < k {
		return append(slate, *best)
	}
	// Evict the weakest abstraction to make room.
	weakest := -1
	for i, sc := range slate {
		if sc.Context.Level == ctxstore.LevelEpisode {
			continue
		}
		if weakest == -1 || sc.Resonance < slate[weakest].Resonance ||
			(sc.Resonance == slate[weakest].Resonance && sc.Context.ID > slate[weakest].Context.ID) {
			weakest = i
		}
	}
	if weakest >= 0 {
		slate[weakest] = *best
	}
	return slate
}
