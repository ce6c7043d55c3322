package consolidate

import (
	"sort"

	"github.com/contextwave/engine/internal/ctxstore"
)

// cluster groups contexts into connected components where two contexts
// are linked when their node sets share at least minOverlap names.
// Components larger than maxCluster are re-split with a stricter
// overlap until they fit; components smaller than minCluster are
// discarded. Output is deterministic: members ordered by id, clusters
// ordered by their smallest member id.
func cluster(pool []*ctxstore.Context, minOverlap, minCluster, maxCluster int) [][]*ctxstore.Context {
	sorted := make([]*ctxstore.Context, len(pool))
	copy(sorted, pool)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	var out [][]*ctxstore.Context
	for _, comp := range components(sorted, minOverlap) {
		out = append(out, fit(comp, minOverlap, minCluster, maxCluster)...)
	}

	sort.Slice(out, func(i, j int) bool { return out[i][0].ID < out[j][0].ID })
	return out
}

// fit recursively tightens the overlap requirement until the component
// is within maxCluster. Tightening beyond the largest node set yields
// singletons, which are discarded, so the recursion terminates.
func fit(comp []*ctxstore.Context, minOverlap, minCluster, maxCluster int) [][]*ctxstore.Context {
	if len(comp) < minCluster {
		return nil
	}
	if len(comp) <= maxCluster {
		return [][]*ctxstore.Context{comp}
	}

	// Once the requirement exceeds every node set, components degrade
	// to discarded singletons, so the recursion terminates.
	var out [][]*ctxstore.Context
	for _, sub := range components(comp, minOverlap+1) {
		out = append(out, fit(sub, minOverlap+1, minCluster, maxCluster)...)
	}
	return out
}

// components computes connected components under the shared-node
// relation via breadth-first walks over a pairwise link table.
func components(pool []*ctxstore.Context, minOverlap int) [][]*ctxstore.Context {
	n := len(pool)
	names := make([]map[string]bool, n)
	for i, c := range pool {
		names[i] = c.NodeNames()
	}

	adj := make([][]int, n)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if sharedAtLeast(names[i], names[j], minOverlap) {
				adj[i] = append(adj[i], j)
				adj[j] = append(adj[j], i)
			}
		}
	}

	visited := make([]bool, n)
	var comps [][]*ctxstore.Context
	for i := 0; i < n; i++ {
		if visited[i] {
			continue
		}
		var comp []*ctxstore.Context
		queue := []int{i}
		visited[i] = true
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			comp = append(comp, pool[cur])
			for _, next := range adj[cur] {
				if !visited[next] {
					visited[next] = true
					queue = append(queue, next)
				}
			}
		}
		sort.Slice(comp, func(a, b int) bool { return comp[a].ID < comp[b].ID })
		comps = append(comps, comp)
	}
	return comps
}

// sharedAtLeast reports whether two node sets share at least k names,
// stopping the count early once k is reached.
func sharedAtLeast(a, b map[string]bool, k int) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	shared := 0
	for name := range a {
		if b[name] {
			shared++
			if shared >= k {
				return true
			}
		}
	}
	return false
}
