package engine

import (
	"math/rand"
	"time"

	"flowstudio/internal/workflow/models"
)

// topoOrder returns the node ids of an acyclic graph in Kahn order. Ties are
// broken by node insertion order so schedules are reproducible.
func topoOrder(g *models.Graph) []string {
	indeg := make(map[string]int, g.NodeCount())
	out := make(map[string][]string, g.NodeCount())
	var q []string

	for _, n := range g.Nodes() {
		indeg[n.ID] = len(g.Predecessors(n.ID))
		out[n.ID] = g.Successors(n.ID)
	}
	for _, n := range g.Nodes() {
		if indeg[n.ID] == 0 {
			q = append(q, n.ID)
		}
	}

	order := make([]string, 0, g.NodeCount())
	for len(q) > 0 {
		v := q[0]
		q = q[1:]
		order = append(order, v)
		for _, u := range out[v] {
			indeg[u]--
			if indeg[u] == 0 {
				q = append(q, u)
			}
		}
	}
	return order
}

// descendants returns every node reachable from id, excluding id.
func descendants(g *models.Graph, id string) map[string]bool {
	seen := make(map[string]bool)
	stack := g.Successors(id)
	for len(stack) > 0 {
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[v] {
			continue
		}
		seen[v] = true
		stack = append(stack, g.Successors(v)...)
	}
	return seen
}

// backoff returns base * 2^attempt capped at max, jittered into [d/2, d).
func backoff(attempt int, base, max time.Duration) time.Duration {
	d := base << attempt
	if d <= 0 || d > max {
		d = max
	}
	half := d / 2
	if half <= 0 {
		return d
	}
	delta := time.Duration(rand.Int63n(int64(half))) // #nosec G404 non-crypto
	return half + delta
}
