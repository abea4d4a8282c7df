package planner

import (
	"github.com/n9te9/fedgraph-router/federation/plan"
)

// ToPlanTree converts the flat, dependency-annotated StepV2 list produced by
// Plan into the tagged plan.Node tree the executor and plan cache operate on.
// Steps with no unresolved dependency are grouped into one Sequence level;
// at each level, steps that can run concurrently are grouped under Parallel.
// Entity steps (which resolve representations gathered from their parent)
// are wrapped in Flatten over their InsertionPath, since a representation
// list can hold more than one element.
func ToPlanTree(p *PlanV2) *plan.Node {
	if p == nil || len(p.Steps) == 0 {
		return nil
	}

	resolved := make(map[int]bool, len(p.Steps))
	byID := make(map[int]*StepV2, len(p.Steps))
	for _, s := range p.Steps {
		byID[s.ID] = s
	}

	var levels [][]*StepV2
	remaining := len(p.Steps)
	for remaining > 0 {
		var level []*StepV2
		for _, s := range p.Steps {
			if resolved[s.ID] {
				continue
			}
			ready := true
			for _, dep := range s.DependsOn {
				if !resolved[dep] {
					ready = false
					break
				}
			}
			if ready {
				level = append(level, s)
			}
		}
		if len(level) == 0 {
			// Dependency cycle or dangling reference; bail out with whatever
			// remains flattened into one last level rather than looping forever.
			for _, s := range p.Steps {
				if !resolved[s.ID] {
					level = append(level, s)
				}
			}
		}
		for _, s := range level {
			resolved[s.ID] = true
		}
		levels = append(levels, level)
		remaining -= len(level)
	}

	var sequence []*plan.Node
	for _, level := range levels {
		sequence = append(sequence, levelToNode(level, p.OperationType))
	}

	tree := plan.Sequence(sequence...)

	if len(p.DeferredSteps) > 0 {
		patches := make([]*plan.DeferPatch, 0, len(p.DeferredSteps))
		for _, ds := range p.DeferredSteps {
			patches = append(patches, &plan.DeferPatch{
				Label: ds.Label,
				Path:  stripRootPrefix(ds.InsertionPath),
				Node:  deferredStepToNode(ds),
			})
		}
		tree = plan.Defer(tree, patches...)
	}

	if p.OperationType == "subscription" {
		return plan.Subscription(tree)
	}
	return tree
}

func levelToNode(level []*StepV2, operationType string) *plan.Node {
	var nodes []*plan.Node
	for _, s := range level {
		nodes = append(nodes, stepToNode(s, operationType))
	}
	return plan.Parallel(nodes...)
}

// stepToNode converts one StepV2 to a Fetch (wrapped in Flatten for entity
// steps with a non-empty InsertionPath). Root steps carry the operation's
// actual kind (query/mutation/subscription) rather than a hardcoded "query",
// so a mutation's root fetch is sent as `mutation { ... }`.
func stepToNode(s *StepV2, operationType string) *plan.Node {
	opKind := operationType
	if s.StepType == StepTypeEntity {
		opKind = "_entities"
	} else if opKind == "" {
		opKind = "query"
	}

	fetch := plan.Fetch(s.SubGraph, opKind, s.ParentType, s.SelectionSet, s.InsertionPath)

	if s.StepType == StepTypeEntity && len(s.InsertionPath) > 0 {
		return plan.Flatten(s.InsertionPath, fetch)
	}
	return fetch
}

// deferredStepToNode converts a DeferredStepV2 into the Fetch a DeferPatch
// runs once the primary response it depends on has resolved.
func deferredStepToNode(ds *DeferredStepV2) *plan.Node {
	return plan.Fetch(ds.SubGraph, "_entities", ds.ParentType, ds.SelectionSet, ds.InsertionPath)
}

// stripRootPrefix removes a leading Query/Mutation/Subscription segment, so
// a path collected against the root type can be used to navigate an actual
// response object (which has no such top-level key).
func stripRootPrefix(path []string) []string {
	if len(path) > 0 && (path[0] == "Query" || path[0] == "Mutation" || path[0] == "Subscription") {
		return path[1:]
	}
	return path
}
