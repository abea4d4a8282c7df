package gateway

import (
	"fmt"
	"net/http"

	"github.com/n9te9/fedgraph-router/federation/cache"
	"github.com/n9te9/fedgraph-router/federation/executor"
	"github.com/n9te9/fedgraph-router/federation/graph"
	"github.com/n9te9/fedgraph-router/federation/planner"
	"github.com/n9te9/fedgraph-router/federation/subgraph"
)

// executionEngine bundles all read-only components required to serve GraphQL requests.
// A new one is built whenever the set of subgraphs changes and swapped in atomically, so
// in-flight requests always see a internally-consistent (planner, executor, superGraph, cache)
// tuple.
type executionEngine struct {
	planner    *planner.PlannerV2
	executor   *executor.ExecutorV2
	superGraph *graph.SuperGraphV2
	planCache  *cache.Cache
	resolver   *graph.ConditionResolver
	version    string // schema fingerprint, used in plan cache keys
}

// schemaStore holds the current set of raw SDLs, host URLs, and the pre-built engine.
// It is stored in atomic.Value, so every value must be read-only after it is constructed.
type schemaStore struct {
	sdls   map[string]string // subgraph name → SDL string
	hosts  map[string]string // subgraph name → base URL
	engine *executionEngine
}

// buildEngine composes a new SuperGraph from the given SDLs and host map, then wraps it
// in an executionEngine together with a PlannerV2, ExecutorV2, query graph and plan cache.
// The order that subgraphs are processed follows the iteration order of sdls, which is
// non-deterministic in Go maps; SuperGraphV2 is expected to be order-independent.
func buildEngine(sdls, hosts map[string]string, httpClient *http.Client, limits subgraph.Limits, cacheCapacity int, cacheTTLSeconds int) (*executionEngine, error) {
	subGraphs := make([]*graph.SubGraphV2, 0, len(sdls))
	for name, sdl := range sdls {
		sg, err := graph.NewSubGraphV2(name, []byte(sdl), hosts[name])
		if err != nil {
			return nil, fmt.Errorf("failed to build subgraph %q: %w", name, err)
		}
		subGraphs = append(subGraphs, sg)
	}

	superGraph, err := graph.NewSuperGraphV2(subGraphs)
	if err != nil {
		return nil, fmt.Errorf("composition failed: %w", err)
	}

	queryGraph := superGraph.Graph

	return &executionEngine{
		planner:    planner.NewPlannerV2(superGraph),
		executor:   executor.NewExecutorV2WithLimits(httpClient, superGraph, limits),
		superGraph: superGraph,
		planCache:  cache.New(cacheCapacity, secondsToDuration(cacheTTLSeconds)),
		resolver:   graph.NewConditionResolver(queryGraph),
		version:    schemaVersion(sdls),
	}, nil
}

// copyMap returns a shallow copy of a string map.
func copyMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
