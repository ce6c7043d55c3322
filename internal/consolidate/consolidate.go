// Package consolidate compacts the context store. It clusters
// unconsolidated episodes by node overlap, asks an external generalizer
// to distill each cluster into a rule, and writes the result one level
// up through the normal put path, so every invariant the store enforces
// applies to consolidation output too.
package consolidate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/contextwave/engine/internal/ctxstore"
	"github.com/contextwave/engine/internal/embedding"
	"github.com/contextwave/engine/internal/logging"
)

// Draft is the generalizer's proposal for a cluster.
type Draft struct {
	Description string          `json:"description"`
	Rule        string          `json:"rule"`
	Nodes       []string        `json:"nodes"`
	Edges       []ctxstore.Edge `json:"edges,omitempty"`
	Emotion     string          `json:"emotion"`
	Intensity   float64         `json:"intensity"`
}

// Generalizer distills a cluster of contexts into one abstraction. It is
// a possibly-failing collaborator; errors leave the cluster untouched.
type Generalizer interface {
	Generalize(ctx context.Context, cluster []*ctxstore.Context) (*Draft, error)
}

// Options tunes clustering and write bounds.
type Options struct {
	MinOverlap int // shared nodes needed to link two contexts, default 4
	MinCluster int // smallest cluster worth generalizing, default 3
	MaxCluster int // largest cluster; bigger components re-split, default 15
	// MaxClusters bounds how many clusters one pass processes.
	// 0 means unlimited. Exceeding it returns partial stats and the
	// next pass resumes with whatever is still unconsolidated.
	MaxClusters int
}

// DefaultOptions returns the shipped clustering bounds.
func DefaultOptions() Options {
	return Options{MinOverlap: 4, MinCluster: 3, MaxCluster: 15}
}

// Stats summarizes one consolidation pass.
type Stats struct {
	ClustersSeen     int
	ContextsWritten  int
	ContextsAbsorbed int
	Failures         int
}

// ErrBudgetExhausted reports that a pass stopped early on its cluster
// budget. The returned stats are valid and the pass is resumable.
var ErrBudgetExhausted = errors.New("consolidation budget exhausted")

// quarantineAfter is the consecutive-failure count that stops retries
// for a cluster until its membership changes.
const quarantineAfter = 3

// Consolidator runs compaction passes over a store.
type Consolidator struct {
	store *ctxstore.Store
	gen   Generalizer
	opts  Options

	// failures counts consecutive generalizer failures per cluster
	// signature. A changed cluster has a new signature and starts clean.
	failures map[string]int
}

// New creates a consolidator.
func New(store *ctxstore.Store, gen Generalizer, opts Options) *Consolidator {
	def := DefaultOptions()
	if opts.MinOverlap <= 0 {
		opts.MinOverlap = def.MinOverlap
	}
	if opts.MinCluster <= 0 {
		opts.MinCluster = def.MinCluster
	}
	if opts.MaxCluster <= 0 {
		opts.MaxCluster = def.MaxCluster
	}
	return &Consolidator{
		store:    store,
		gen:      gen,
		opts:     opts,
		failures: make(map[string]int),
	}
}

// Run executes one pass: gather unconsolidated contexts at levels 0 and
// 1, cluster each level, generalize, and write one level up. Returns
// partial stats with ErrBudgetExhausted when the cluster budget runs
// out, and with ctx.Err() on cancellation. Writes are atomic per
// cluster, so a cancelled pass never leaves dangling sources.
func (c *Consolidator) Run(ctx context.Context) (Stats, error) {
	var stats Stats
	for level := ctxstore.LevelEpisode; level < ctxstore.MaxLevel; level++ {
		if err := c.runLevel(ctx, level, &stats); err != nil {
			return stats, err
		}
	}
	return stats, nil
}

func (c *Consolidator) runLevel(ctx context.Context, level int, stats *Stats) error {
	pool := c.store.Unconsolidated(level)
	if len(pool) < c.opts.MinCluster {
		return nil
	}

	clusters := cluster(pool, c.opts.MinOverlap, c.opts.MinCluster, c.opts.MaxCluster)
	logging.Debug("consolidate", "level %d: %d unconsolidated, %d clusters", level, len(pool), len(clusters))

	for _, members := range clusters {
		if err := ctx.Err(); err != nil {
			return err
		}
		if c.opts.MaxClusters > 0 && stats.ClustersSeen >= c.opts.MaxClusters {
			return ErrBudgetExhausted
		}
		stats.ClustersSeen++

		sigKey := signature(members)
		if c.failures[sigKey] >= quarantineAfter {
			continue
		}

		draft, err := c.gen.Generalize(ctx, members)
		if err != nil {
			stats.Failures++
			c.failures[sigKey]++
			logging.Warn("consolidate", "generalizer failed for cluster %s (%d/%d): %v",
				logging.Truncate(sigKey, 60), c.failures[sigKey], quarantineAfter, err)
			continue
		}

		target := level + 1
		if existing, dup := c.store.FindDuplicate(target, draft.Rule, draft.Description); dup {
			stats.ContextsAbsorbed++
			delete(c.failures, sigKey)
			logging.Debug("consolidate", "cluster absorbed into existing context %d", existing)
			continue
		}

		id, err := c.store.Put(c.buildDraft(draft, members, target))
		if err != nil {
			var dupErr *ctxstore.DuplicateError
			if errors.As(err, &dupErr) {
				stats.ContextsAbsorbed++
				delete(c.failures, sigKey)
				continue
			}
			stats.Failures++
			c.failures[sigKey]++
			logging.Warn("consolidate", "write failed for cluster %s: %v", logging.Truncate(sigKey, 60), err)
			continue
		}

		delete(c.failures, sigKey)
		stats.ContextsWritten++
		logging.Info("consolidate", "wrote L%d context %d from %d sources", target, id, len(members))
	}
	return nil
}

// buildDraft converts a generalizer proposal into a store draft.
// Intensity is capped regardless of what the generalizer suggested, and
// certainty starts lower the higher the abstraction.
func (c *Consolidator) buildDraft(d *Draft, members []*ctxstore.Context, target int) ctxstore.Draft {
	intensity := d.Intensity
	if intensity > 0.8 {
		intensity = 0.8
	}
	if intensity < 0 {
		intensity = 0
	}

	certainty := 0.6
	if target >= ctxstore.LevelPrinciple {
		certainty = 0.5
	}

	nodes := mergeNodes(d.Nodes, members)
	sources := make([]int64, len(members))
	var embs [][]float64
	for i, m := range members {
		sources[i] = m.ID
		if len(m.Embedding) > 0 {
			embs = append(embs, m.Embedding)
		}
	}

	return ctxstore.Draft{
		Description: d.Description,
		Nodes:       nodes,
		Edges:       filterEdges(d.Edges, nodes),
		Emotion:     d.Emotion,
		Intensity:   intensity,
		Result:      dominantResult(members),
		Rule:        d.Rule,
		Certainty:   certainty,
		Level:       target,
		Sources:     sources,
		// The centroid of the member embeddings keeps the semantic
		// channel live for abstractions without another embedder call.
		Embedding: embedding.AverageEmbeddings(embs),
	}
}

// mergeNodes keeps the generalizer's proposed nodes that actually occur
// in the cluster, then fills with the most frequent member nodes. The
// store enforces the hard cap; ordering by frequency keeps the common
// ones when the store trims.
func mergeNodes(proposed []string, members []*ctxstore.Context) []ctxstore.Node {
	freq := make(map[string]int)
	var order []string
	for _, m := range members {
		for _, n := range m.Nodes {
			if freq[n.Name] == 0 {
				order = append(order, n.Name)
			}
			freq[n.Name]++
		}
	}

	seen := make(map[string]bool)
	var names []string
	for _, name := range proposed {
		if freq[name] > 0 && !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}

	sort.SliceStable(order, func(i, j int) bool {
		return freq[order[i]] > freq[order[j]]
	})
	for _, name := range order {
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}

	nodes := make([]ctxstore.Node, 0, len(names))
	for _, name := range names {
		nodes = append(nodes, ctxstore.Node{Name: name})
	}
	return nodes
}

// filterEdges drops proposed edges whose endpoints did not survive the
// node merge, so the write never trips the endpoint invariant.
func filterEdges(edges []ctxstore.Edge, nodes []ctxstore.Node) []ctxstore.Edge {
	names := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		names[n.Name] = true
	}
	var out []ctxstore.Edge
	for _, e := range edges {
		if names[e.Source] && names[e.Target] {
			out = append(out, e)
		}
	}
	return out
}

// dominantResult is the most common member result, ties to complex.
func dominantResult(members []*ctxstore.Context) ctxstore.Result {
	counts := make(map[ctxstore.Result]int)
	for _, m := range members {
		counts[m.Result]++
	}
	best := ctxstore.ResultNeutral
	bestN := 0
	tied := false
	for r, n := range counts {
		switch {
		case n > bestN:
			best, bestN, tied = r, n, false
		case n == bestN && r != best:
			tied = true
		}
	}
	if tied {
		return ctxstore.ResultComplex
	}
	return best
}

// signature identifies a cluster by its sorted member ids.
func signature(members []*ctxstore.Context) string {
	ids := make([]int64, len(members))
	for i, m := range members {
		ids[i] = m.ID
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("%d", id)
	}
	return strings.Join(parts, ",")
}
