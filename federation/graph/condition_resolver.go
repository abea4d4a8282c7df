package graph

import (
	"fmt"
	"sync"
)

// ConditionResult caches the outcome of resolving whether a field (or entity
// boundary) can be reached from a given entry node, and at what cost.
type ConditionResult struct {
	Satisfiable bool
	Cost        int
	Path        []string
}

// ConditionResolver memoizes Dijkstra-based satisfiability/cost resolution over
// a WeightedDirectedGraph. The planner calls Resolve once per (entry, target)
// pair it considers; the same pair recurs constantly across sibling selections
// in a single operation, and across operations sharing a supergraph, so the
// memo avoids rerunning Dijkstra from scratch every time.
type ConditionResolver struct {
	graph *WeightedDirectedGraph

	mu    sync.Mutex
	memo  map[string]*DijkstraResult // entry-set fingerprint -> Dijkstra result
}

// NewConditionResolver builds a resolver bound to a single query graph.
func NewConditionResolver(g *WeightedDirectedGraph) *ConditionResolver {
	return &ConditionResolver{
		graph: g,
		memo:  make(map[string]*DijkstraResult),
	}
}

func fingerprint(entryPoints []string) string {
	s := ""
	for _, e := range entryPoints {
		s += e + "|"
	}
	return s
}

// resultFor returns the memoized Dijkstra run for the given entry points,
// computing and caching it on first use.
func (r *ConditionResolver) resultFor(entryPoints []string) *DijkstraResult {
	key := fingerprint(entryPoints)

	r.mu.Lock()
	if cached, ok := r.memo[key]; ok {
		r.mu.Unlock()
		return cached
	}
	r.mu.Unlock()

	result := r.graph.Dijkstra(entryPoints)

	r.mu.Lock()
	r.memo[key] = result
	r.mu.Unlock()

	return result
}

// Resolve reports whether targetID is reachable from any of entryPoints, its
// cost, and the reconstructed path (entry -> ... -> target).
func (r *ConditionResolver) Resolve(entryPoints []string, targetID string) ConditionResult {
	result := r.resultFor(entryPoints)

	const inf = int(^uint(0) >> 1)
	cost, ok := result.Dist[targetID]
	if !ok || cost == inf {
		return ConditionResult{Satisfiable: false}
	}

	return ConditionResult{
		Satisfiable: true,
		Cost:        cost,
		Path:        result.ReconstructPath(targetID),
	}
}

// RequiresEntityJump reports whether the cheapest path found by Resolve crosses
// a subgraph boundary, i.e. its cost is at least EntityJumpCost. The planner
// uses this to decide whether a boundary field needs an _entities fetch.
func (r ConditionResult) RequiresEntityJump() bool {
	return r.Satisfiable && r.Cost >= EntityJumpCost
}

// Invalidate drops every memoized entry. The gateway does not call it: a hot
// reload builds a new engine with its own ConditionResolver.
func (r *ConditionResolver) Invalidate() {
	r.mu.Lock()
	r.memo = make(map[string]*DijkstraResult)
	r.mu.Unlock()
}

// String renders a condition result for debug/log output.
func (cr ConditionResult) String() string {
	if !cr.Satisfiable {
		return "unsatisfiable"
	}
	return fmt.Sprintf("cost=%d path=%v", cr.Cost, cr.Path)
}
