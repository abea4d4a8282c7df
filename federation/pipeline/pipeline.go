// Package pipeline implements the request pipeline: a fixed sequence of five
// layers (router, supergraph, execution, subgraph, connectors) that a
// request passes through, each able to inspect/rewrite the request or short
// circuit with a response, with cross-cutting plugins attached at any layer
// boundary. Grounded on the layering implied by the gateway's HTTP handler
// plus entity-resolution split, and on the Rust router's per-layer request
// types (RouterRequest -> PlannedRequest -> SubgraphRequest).
package pipeline

import (
	"context"
	"fmt"

	"github.com/n9te9/fedgraph-router/federation/reqcontext"
)

// Layer names the five fixed stages a request passes through.
type Layer int

const (
	LayerRouter Layer = iota
	LayerSupergraph
	LayerExecution
	LayerSubgraph
	LayerConnectors
)

func (l Layer) String() string {
	switch l {
	case LayerRouter:
		return "router"
	case LayerSupergraph:
		return "supergraph"
	case LayerExecution:
		return "execution"
	case LayerSubgraph:
		return "subgraph"
	case LayerConnectors:
		return "connectors"
	default:
		return "unknown"
	}
}

// Request flows forward through the pipeline. Body holds the layer-specific
// payload (raw HTTP bytes at LayerRouter, a parsed operation at
// LayerSupergraph, a planned operation at LayerExecution, a subgraph.Request at
// LayerSubgraph) — callers type-assert Body to what their layer expects,
// mirroring the Rust router's distinct RouterRequest/PlannedRequest/
// SubgraphRequest structs collapsed into one Go type via an `any` payload.
type Request struct {
	Context *reqcontext.Context
	Layer   Layer
	Body    any
}

// Response is the corresponding reply, or an error that short-circuits the
// remaining layers.
type Response struct {
	Body any
	Err  error
}

// Handler processes a Request at one layer and returns a Response, a
// possibly-rewritten Request to hand to the next layer, and whether to
// continue (false means the Handler has produced a final Response and the
// remaining chain should not run).
type Handler func(ctx context.Context, req *Request) (resp *Response, next *Request, cont bool)

// Plugin wraps a Handler, e.g. to add tracing spans, logging, or metrics
// around it without the layer itself knowing about cross-cutting concerns.
type Plugin func(next Handler) Handler

// Pipeline is an ordered chain of per-layer handlers with optional plugins
// wrapping each one.
type Pipeline struct {
	stages  []stage
}

type stage struct {
	layer   Layer
	handler Handler
}

// New creates an empty Pipeline.
func New() *Pipeline {
	return &Pipeline{}
}

// Use appends a layer handler. Plugins are not registered here: Run wraps
// every stage's handler with the plugins passed to it (plugins apply
// uniformly across all layers, matching the teacher's otelhttp-style
// blanket middleware).
func (p *Pipeline) Use(layer Layer, h Handler) *Pipeline {
	p.stages = append(p.stages, stage{layer: layer, handler: h})
	return p
}

// Run drives req through every registered layer in order, stopping early if
// a Handler returns cont=false.
func (p *Pipeline) Run(ctx context.Context, req *Request, plugins ...Plugin) (*Response, error) {
	for _, s := range p.stages {
		h := s.handler
		for i := len(plugins) - 1; i >= 0; i-- {
			h = plugins[i](h)
		}

		req.Layer = s.layer
		resp, next, cont := h(ctx, req)
		if resp != nil && resp.Err != nil {
			return resp, fmt.Errorf("pipeline layer %s: %w", s.layer, resp.Err)
		}
		if !cont {
			return resp, nil
		}
		if next != nil {
			req = next
		}
	}
	return &Response{Body: req.Body}, nil
}
