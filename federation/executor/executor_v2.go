package executor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/goccy/go-json"
	"github.com/n9te9/fedgraph-router/federation/graph"
	"github.com/n9te9/fedgraph-router/federation/plan"
	"github.com/n9te9/fedgraph-router/federation/planner"
	"github.com/n9te9/fedgraph-router/federation/subgraph"
	"github.com/n9te9/graphql-parser/ast"
	"golang.org/x/sync/errgroup"
)

// GraphQLError represents a GraphQL error with path information.
type GraphQLError struct {
	Message    string                 `json:"message"`
	Path       []interface{}          `json:"path,omitempty"`
	Extensions map[string]interface{} `json:"extensions,omitempty"`
}

// IncrementalPatch is one @defer payload delivered after the primary
// response, following the `{ label?, path, data?, errors? }` shape of the
// GraphQL-over-HTTP incremental delivery draft.
type IncrementalPatch struct {
	Label  string                 `json:"label,omitempty"`
	Path   []interface{}          `json:"path"`
	Data   map[string]interface{} `json:"data,omitempty"`
	Errors []GraphQLError         `json:"errors,omitempty"`
}

// ExecutorV2 executes a query plan by orchestrating requests to subgraphs.
type ExecutorV2 struct {
	httpClient   *http.Client
	queryBuilder *QueryBuilderV2
	superGraph   *graph.SuperGraphV2

	limits    subgraph.Limits
	clientsMu sync.Mutex
	clients   map[string]*subgraph.Client // subgraph name -> wire client, built lazily
}

// NewExecutorV2 creates a new ExecutorV2 instance using default subgraph call limits.
func NewExecutorV2(httpClient *http.Client, superGraph *graph.SuperGraphV2) *ExecutorV2 {
	return NewExecutorV2WithLimits(httpClient, superGraph, subgraph.Limits{})
}

// NewExecutorV2WithLimits creates an ExecutorV2 whose subgraph calls are all
// bound by the same Limits (timeout, rate limit, burst).
func NewExecutorV2WithLimits(httpClient *http.Client, superGraph *graph.SuperGraphV2, limits subgraph.Limits) *ExecutorV2 {
	return &ExecutorV2{
		httpClient:   httpClient,
		queryBuilder: NewQueryBuilderV2(superGraph),
		superGraph:   superGraph,
		limits:       limits,
		clients:      make(map[string]*subgraph.Client),
	}
}

// clientFor returns the memoized subgraph.Client for a given name/host,
// creating it on first use. One Client per subgraph keeps rate limiting and
// APQ registration state scoped correctly instead of shared across subgraphs.
func (e *ExecutorV2) clientFor(name, host string) *subgraph.Client {
	e.clientsMu.Lock()
	defer e.clientsMu.Unlock()

	if c, ok := e.clients[name]; ok {
		return c
	}
	c := subgraph.New(name, host, e.httpClient, e.limits)
	e.clients[name] = c
	return c
}

// execState accumulates response data and errors as the plan tree is
// walked. Every fetch merges directly into the same shared data map, so a
// Flatten over a representation list simply means more than one fetch
// writes into it before the tree finishes.
type execState struct {
	mu     sync.Mutex
	data   map[string]interface{}
	errors []GraphQLError
}

func newExecState() *execState {
	return &execState{data: make(map[string]interface{})}
}

// Execute executes a query plan and returns the merged result. It converts
// the flat StepV2 list into the tagged plan.Node tree (federation/plan) and
// walks it, so Sequence/Parallel/Flatten/Condition/Defer all run through the
// same recursive walker the plan cache and debug CLI describe. A plan with
// @defer fragments still resolves every field here (Defer's Patches run
// synchronously after Primary); callers that want the incremental wire
// format use ExecuteIncremental instead.
func (e *ExecutorV2) Execute(
	ctx context.Context,
	p *planner.PlanV2,
	variables map[string]interface{},
) (map[string]interface{}, error) {
	if p.DegenerateTypename != "" {
		return map[string]interface{}{"data": map[string]interface{}{"__typename": p.DegenerateTypename}}, nil
	}

	if err := e.validateDAG(p); err != nil {
		return nil, fmt.Errorf("invalid plan: %w", err)
	}

	st := newExecState()
	e.walk(ctx, st, planner.ToPlanTree(p), variables)

	response := map[string]interface{}{"data": st.data}
	if len(st.errors) > 0 {
		response["errors"] = st.errors
	}

	return e.pruneResponse(response, p), nil
}

// ExecuteIncremental executes a plan that may contain @defer, returning the
// primary response to send immediately and the ordered patches to deliver
// afterward. When the plan has no deferred selections, patches is empty and
// primary is identical to what Execute would return.
func (e *ExecutorV2) ExecuteIncremental(
	ctx context.Context,
	p *planner.PlanV2,
	variables map[string]interface{},
) (primary map[string]interface{}, patches []IncrementalPatch, err error) {
	if p.DegenerateTypename != "" {
		return map[string]interface{}{"data": map[string]interface{}{"__typename": p.DegenerateTypename}}, nil, nil
	}

	if err := e.validateDAG(p); err != nil {
		return nil, nil, fmt.Errorf("invalid plan: %w", err)
	}

	tree := planner.ToPlanTree(p)
	deferNode := findDeferNode(tree)

	st := newExecState()
	if deferNode == nil {
		e.walk(ctx, st, tree, variables)
		response := map[string]interface{}{"data": st.data}
		if len(st.errors) > 0 {
			response["errors"] = st.errors
		}
		return e.pruneResponse(response, p), nil, nil
	}

	e.walk(ctx, st, deferNode.Primary, variables)
	response := map[string]interface{}{"data": st.data}
	if len(st.errors) > 0 {
		response["errors"] = st.errors
	}
	primary = e.pruneResponse(response, p)

	for _, dp := range deferNode.Patches {
		patchData, patchErrors := e.executeDeferPatch(ctx, st.data, dp.Node, variables)
		patchPath := make([]interface{}, len(dp.Path))
		for i, seg := range dp.Path {
			patchPath[i] = seg
		}
		patches = append(patches, IncrementalPatch{
			Label:  dp.Label,
			Path:   patchPath,
			Data:   patchData,
			Errors: patchErrors,
		})
	}

	return primary, patches, nil
}

// findDeferNode locates the Defer node at (or behind a Subscription wrapper
// at) the root of a plan tree, since ToPlanTree only ever places one there.
func findDeferNode(n *plan.Node) *plan.Node {
	if n == nil {
		return nil
	}
	switch n.Kind {
	case plan.KindDefer:
		return n
	case plan.KindSubscription:
		return findDeferNode(n.Stream)
	default:
		return nil
	}
}

// validateDAG validates that the plan is a directed acyclic graph (no cycles)
// before it is converted to a tree, so a malformed plan fails fast with a
// clear error instead of ToPlanTree silently flattening the cycle into one
// level (see ToPlanTree's dangling-reference fallback).
func (e *ExecutorV2) validateDAG(p *planner.PlanV2) error {
	inDegree := make(map[int]int)
	for _, step := range p.Steps {
		if _, exists := inDegree[step.ID]; !exists {
			inDegree[step.ID] = 0
		}
		for range step.DependsOn {
			inDegree[step.ID]++
		}
	}

	queue := make([]int, 0)
	for stepID, degree := range inDegree {
		if degree == 0 {
			queue = append(queue, stepID)
		}
	}

	visited := 0
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		visited++

		for _, step := range p.Steps {
			for _, dep := range step.DependsOn {
				if dep == current {
					inDegree[step.ID]--
					if inDegree[step.ID] == 0 {
						queue = append(queue, step.ID)
					}
				}
			}
		}
	}

	if visited != len(p.Steps) {
		return fmt.Errorf("plan contains circular dependencies")
	}

	return nil
}

// walk dispatches on a plan node's Kind, running fetches and recursing into
// control structures. Parallel fans its children out with errgroup; every
// other kind of control node runs its children in order since their own
// ordering constraint (sequencing, flattening over representations) is
// already encoded in which fetch each child wraps.
func (e *ExecutorV2) walk(ctx context.Context, st *execState, n *plan.Node, variables map[string]interface{}) {
	if n == nil {
		return
	}

	switch n.Kind {
	case plan.KindFetch:
		e.execFetch(ctx, st, n, variables)

	case plan.KindSequence, plan.KindFlatten:
		for _, c := range n.Children {
			e.walk(ctx, st, c, variables)
		}

	case plan.KindParallel:
		eg, gctx := errgroup.WithContext(ctx)
		for _, c := range n.Children {
			c := c
			eg.Go(func() error {
				e.walk(gctx, st, c, variables)
				return nil
			})
		}
		_ = eg.Wait()

	case plan.KindCondition:
		if n.If != nil {
			e.walk(ctx, st, n.If, variables)
		} else if n.Else != nil {
			e.walk(ctx, st, n.Else, variables)
		}

	case plan.KindDefer:
		e.walk(ctx, st, n.Primary, variables)
		for _, patch := range n.Patches {
			e.walk(ctx, st, patch.Node, variables)
		}

	case plan.KindSubscription:
		e.walk(ctx, st, n.Stream, variables)
	}
}

// execFetch runs one Fetch node: builds its query, sends it, and merges the
// result (or the errors/nulls from a failure) into the shared response data.
func (e *ExecutorV2) execFetch(ctx context.Context, st *execState, n *plan.Node, variables map[string]interface{}) {
	if n.SubGraph == nil {
		e.recordError(st, n, fmt.Errorf("fetch node has nil subgraph"), "FETCH_FAILED")
		return
	}

	var representations []map[string]interface{}
	if n.OperationKind == "_entities" {
		st.mu.Lock()
		representations = e.extractRepresentations(st.data, n)
		st.mu.Unlock()
		if len(representations) == 0 {
			return
		}
	}

	query, queryVars, err := e.queryBuilder.Build(n, representations, variables)
	if err != nil {
		e.recordError(st, n, fmt.Errorf("failed to build query: %w", err), "FETCH_FAILED")
		return
	}

	result, err := e.sendRequest(ctx, n.SubGraph.Name, n.SubGraph.Host, query, queryVars)
	if err != nil {
		e.recordError(st, n, err, "FETCH_FAILED")
		st.mu.Lock()
		e.setNullForFailedFetch(st.data, n)
		st.mu.Unlock()
		return
	}

	if subErrs, hasErrors := result["errors"]; hasErrors && subErrs != nil {
		e.recordSubgraphErrors(st, n, subErrs)
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if n.OperationKind != "_entities" {
		if resultData, ok := result["data"].(map[string]interface{}); ok {
			for k, v := range resultData {
				st.data[k] = v
			}
		}
		return
	}

	if err := e.mergeEntityResult(st.data, n, result); err != nil {
		code := "FETCH_FAILED"
		var mergeErr *MergeError
		if errors.As(err, &mergeErr) {
			code = mergeErr.Code
		}
		st.errors = append(st.errors, GraphQLError{
			Message: fmt.Sprintf("failed to merge entity results: %v", err),
			Path:    buildErrorPath(n),
			Extensions: map[string]interface{}{
				"service": serviceName(n),
				"code":    code,
			},
		})
		e.setNullForFailedFetch(st.data, n)
	}
}

// executeDeferPatch resolves one @defer fragment's entity fetch against the
// already-resolved primary data and returns just the deferred fields,
// without touching the shared response (a patch's data is merged by the
// client at its own path, not folded back into the gateway's view).
func (e *ExecutorV2) executeDeferPatch(ctx context.Context, primaryData map[string]interface{}, n *plan.Node, variables map[string]interface{}) (map[string]interface{}, []GraphQLError) {
	representations := e.extractRepresentations(primaryData, n)
	if len(representations) == 0 {
		return map[string]interface{}{}, nil
	}

	query, queryVars, err := e.queryBuilder.Build(n, representations, variables)
	if err != nil {
		return map[string]interface{}{}, []GraphQLError{{
			Message:    fmt.Sprintf("failed to build deferred query: %v", err),
			Path:       buildErrorPath(n),
			Extensions: map[string]interface{}{"service": serviceName(n), "code": "FETCH_FAILED"},
		}}
	}

	result, err := e.sendRequest(ctx, n.SubGraph.Name, n.SubGraph.Host, query, queryVars)
	if err != nil {
		return map[string]interface{}{}, []GraphQLError{{
			Message:    err.Error(),
			Path:       buildErrorPath(n),
			Extensions: map[string]interface{}{"service": serviceName(n), "code": "FETCH_FAILED"},
		}}
	}

	var patchErrors []GraphQLError
	if rawErrs, hasErrors := result["errors"]; hasErrors && rawErrs != nil {
		tmp := newExecState()
		e.recordSubgraphErrors(tmp, n, rawErrs)
		patchErrors = tmp.errors
	}

	resultData, _ := result["data"].(map[string]interface{})
	entities, _ := resultData["_entities"].([]interface{})
	if len(entities) == 0 {
		return map[string]interface{}{}, patchErrors
	}
	entity, ok := entities[0].(map[string]interface{})
	if !ok {
		return map[string]interface{}{}, patchErrors
	}

	patchData := make(map[string]interface{})
	for _, sel := range n.SelectionSet {
		field, ok := sel.(*ast.Field)
		if !ok {
			continue
		}
		fieldName := field.Name.String()
		if fieldName == "__typename" || fieldName == "id" || fieldName == "_id" {
			continue
		}
		responseName := fieldName
		if field.Alias != nil && field.Alias.String() != "" {
			responseName = field.Alias.String()
		}
		if v, exists := entity[responseName]; exists {
			patchData[responseName] = v
		}
	}

	return patchData, patchErrors
}

// stripRootPrefix removes a leading Query/Mutation/Subscription segment from
// an InsertionPath collected against the root type, mirroring what
// planner.ToPlanTree strips when building a DeferPatch's Path.
func stripRootPrefix(path []string) []string {
	if len(path) > 0 && (path[0] == "Query" || path[0] == "Mutation" || path[0] == "Subscription") {
		return path[1:]
	}
	return path
}

// serviceName returns a fetch node's subgraph name, or "unknown" when the
// node has no subgraph (so error recording never dereferences a nil one).
func serviceName(n *plan.Node) string {
	if n.SubGraph == nil {
		return "unknown"
	}
	return n.SubGraph.Name
}

// buildErrorPath builds the error path for a fetch node's InsertionPath,
// skipping the leading root type name (Query/Mutation/Subscription): root
// fetches carry no InsertionPath at all, so their error path is empty.
func buildErrorPath(n *plan.Node) []interface{} {
	path := make([]interface{}, 0, len(n.InsertionPath))
	for i, segment := range n.InsertionPath {
		if i == 0 && (segment == "Query" || segment == "Mutation" || segment == "Subscription") {
			continue
		}
		path = append(path, segment)
	}
	return path
}

// recordError records a fetch failure, tagging extensions.service with the
// subgraph that was being called and extensions.code with the given stable
// code so clients can branch on failure kind without message sniffing. An
// entity fetch records one error per requested field (excluding key fields),
// matching how a partial _entities failure is reported per-field.
func (e *ExecutorV2) recordError(st *execState, n *plan.Node, err error, code string) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if n.OperationKind == "_entities" && len(n.SelectionSet) > 0 {
		basePath := buildErrorPath(n)
		for _, sel := range n.SelectionSet {
			field, ok := sel.(*ast.Field)
			if !ok {
				continue
			}
			fieldName := field.Name.String()
			if field.Alias != nil && field.Alias.String() != "" {
				fieldName = field.Alias.String()
			}
			if fieldName == "__typename" || fieldName == "id" || fieldName == "_id" {
				continue
			}

			fieldPath := make([]interface{}, len(basePath), len(basePath)+1)
			copy(fieldPath, basePath)
			fieldPath = append(fieldPath, fieldName)

			st.errors = append(st.errors, GraphQLError{
				Message: err.Error(),
				Path:    fieldPath,
				Extensions: map[string]interface{}{
					"service": serviceName(n),
					"code":    code,
				},
			})
		}
		return
	}

	st.errors = append(st.errors, GraphQLError{
		Message: err.Error(),
		Path:    buildErrorPath(n),
		Extensions: map[string]interface{}{
			"service": serviceName(n),
			"code":    code,
		},
	})
}

// recordSubgraphErrors records GraphQL errors returned in a subgraph
// response body, tagging each with extensions.service and preserving
// whatever extensions (including its own code) the subgraph supplied.
func (e *ExecutorV2) recordSubgraphErrors(st *execState, n *plan.Node, subErrors interface{}) {
	errorList, ok := subErrors.([]interface{})
	if !ok {
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	for _, errItem := range errorList {
		errMap, ok := errItem.(map[string]interface{})
		if !ok {
			continue
		}

		message, _ := errMap["message"].(string)
		if message == "" {
			message = "Unknown error from subgraph"
		}

		path := buildErrorPath(n)
		if errPath, hasPath := errMap["path"].([]interface{}); hasPath {
			path = append(path, errPath...)
		}

		graphqlErr := GraphQLError{
			Message: message,
			Path:    path,
			Extensions: map[string]interface{}{
				"service": serviceName(n),
			},
		}

		if extensions, hasExt := errMap["extensions"].(map[string]interface{}); hasExt {
			for k, v := range extensions {
				graphqlErr.Extensions[k] = v
			}
		}

		st.errors = append(st.errors, graphqlErr)
	}
}

// setNullForFailedFetch nulls out the fields a failed fetch was responsible
// for, directly in the shared response data. Caller must hold st.mu.
func (e *ExecutorV2) setNullForFailedFetch(data map[string]interface{}, n *plan.Node) {
	if n.OperationKind != "_entities" {
		for _, sel := range n.SelectionSet {
			if field, ok := sel.(*ast.Field); ok {
				fieldName := field.Name.String()
				if field.Alias != nil && field.Alias.String() != "" {
					fieldName = field.Alias.String()
				}
				data[fieldName] = nil
			}
		}
		return
	}

	mergePath := stripRootPrefix(n.InsertionPath)
	if len(mergePath) == 0 {
		return
	}

	var current interface{} = data
	for _, segment := range mergePath {
		currentMap, ok := current.(map[string]interface{})
		if !ok {
			return
		}
		next, exists := currentMap[segment]
		if !exists {
			return
		}
		if arr, ok := next.([]interface{}); ok {
			for _, item := range arr {
				if itemMap, ok := item.(map[string]interface{}); ok {
					setNullFieldsInEntity(itemMap, n.SelectionSet)
				}
			}
			return
		}
		current = next
	}

	if entityMap, ok := current.(map[string]interface{}); ok {
		setNullFieldsInEntity(entityMap, n.SelectionSet)
	}
}

// setNullFieldsInEntity sets null for every non-key field an entity fetch
// requested, leaving __typename and id/_id alone.
func setNullFieldsInEntity(entityMap map[string]interface{}, selectionSet []ast.Selection) {
	for _, sel := range selectionSet {
		if field, ok := sel.(*ast.Field); ok {
			fieldName := field.Name.String()
			if field.Alias != nil && field.Alias.String() != "" {
				fieldName = field.Alias.String()
			}
			if fieldName == "__typename" || fieldName == "id" || fieldName == "_id" {
				continue
			}
			entityMap[fieldName] = nil
		}
	}
}

// extractRepresentations walks data along a fetch node's InsertionPath and
// builds one _Any representation per entity found there (object, list, or
// nested lists), using the @key fields of the subgraph that owns ParentType.
// Caller must hold st.mu when data is the live execState map.
func (e *ExecutorV2) extractRepresentations(data map[string]interface{}, n *plan.Node) []map[string]interface{} {
	representations := make([]map[string]interface{}, 0)

	var current interface{} = data
	path := stripRootPrefix(n.InsertionPath)

	for i, pathSegment := range path {
		currentMap, ok := current.(map[string]interface{})
		if !ok {
			return representations
		}

		next, exists := currentMap[pathSegment]
		if !exists {
			return representations
		}

		if arr, isArray := next.([]interface{}); isArray {
			remainingPath := path[i+1:]
			for _, elem := range arr {
				elemMap, ok := elem.(map[string]interface{})
				if !ok {
					continue
				}
				representations = append(representations, e.navigatePathWithArrays(elemMap, remainingPath, n)...)
			}
			return representations
		}

		current = next
	}

	ownerSubGraph := e.superGraph.GetEntityOwnerSubGraph(n.ParentType)
	if ownerSubGraph == nil {
		return representations
	}

	entity, exists := ownerSubGraph.GetEntity(n.ParentType)
	if !exists || len(entity.Keys) == 0 {
		return representations
	}

	keyField := entity.Keys[0].FieldSet

	switch v := current.(type) {
	case map[string]interface{}:
		if rep := e.buildRepresentation(v, n.ParentType, keyField); rep != nil {
			representations = append(representations, rep)
		}
	case []interface{}:
		for _, item := range v {
			if itemMap, ok := item.(map[string]interface{}); ok {
				if rep := e.buildRepresentation(itemMap, n.ParentType, keyField); rep != nil {
					representations = append(representations, rep)
				}
			}
		}
	}

	return representations
}

// navigatePathWithArrays continues extractRepresentations' walk from inside
// an array element, recursing through any further nested arrays in path.
func (e *ExecutorV2) navigatePathWithArrays(current map[string]interface{}, path []string, n *plan.Node) []map[string]interface{} {
	representations := make([]map[string]interface{}, 0)

	if len(path) == 0 {
		if ownerSubGraph := e.superGraph.GetEntityOwnerSubGraph(n.ParentType); ownerSubGraph != nil {
			if entity, exists := ownerSubGraph.GetEntity(n.ParentType); exists && len(entity.Keys) > 0 {
				keyField := entity.Keys[0].FieldSet
				if rep := e.buildRepresentation(current, n.ParentType, keyField); rep != nil {
					representations = append(representations, rep)
				}
			}
		}
		return representations
	}

	segment := path[0]
	remainingPath := path[1:]

	next, exists := current[segment]
	if !exists {
		return representations
	}

	if arr, isArray := next.([]interface{}); isArray {
		for _, elem := range arr {
			if elemMap, ok := elem.(map[string]interface{}); ok {
				representations = append(representations, e.navigatePathWithArrays(elemMap, remainingPath, n)...)
			}
		}
	} else if nextMap, ok := next.(map[string]interface{}); ok {
		representations = append(representations, e.navigatePathWithArrays(nextMap, remainingPath, n)...)
	}

	return representations
}

// buildRepresentation builds an _Any representation for an entity.
// keyField can be a single field or composite keys separated by space (e.g., "number departureDate").
func (e *ExecutorV2) buildRepresentation(entity map[string]interface{}, typeName string, keyField string) map[string]interface{} {
	representation := map[string]interface{}{
		"__typename": typeName,
	}

	for _, fieldName := range strings.Fields(keyField) {
		keyValue, exists := entity[fieldName]
		if !exists {
			return nil
		}
		representation[fieldName] = keyValue
	}

	return representation
}

// mergeEntityResult merges one entity fetch's _entities response back into
// the shared response data at the fetch node's InsertionPath. Caller must
// hold st.mu.
func (e *ExecutorV2) mergeEntityResult(data map[string]interface{}, n *plan.Node, result map[string]interface{}) error {
	resultData, ok := result["data"].(map[string]interface{})
	if !ok {
		return nil
	}

	entitiesData, ok := resultData["_entities"]
	if !ok {
		return nil
	}

	mergePath := stripRootPrefix(n.InsertionPath)

	var current interface{} = data
	firstArrayIndex := -1

	for i, segment := range mergePath {
		currentMap, ok := current.(map[string]interface{})
		if !ok {
			current = nil
			break
		}
		next, exists := currentMap[segment]
		if !exists {
			current = nil
			break
		}
		current = next
		if _, isArray := current.([]interface{}); isArray {
			firstArrayIndex = i
			break
		}
	}

	switch {
	case firstArrayIndex >= 0:
		entities, ok := entitiesData.([]interface{})
		if !ok {
			return fmt.Errorf("entities data is not an array")
		}

		var arrayContainer interface{} = data
		arrayPath := mergePath[:firstArrayIndex+1]
		for _, segment := range arrayPath {
			if containerMap, ok := arrayContainer.(map[string]interface{}); ok {
				arrayContainer = containerMap[segment]
			}
		}

		arrayData, ok := arrayContainer.([]interface{})
		if !ok {
			return fmt.Errorf("expected array at merge path %v", arrayPath)
		}

		remainingPath := mergePath[firstArrayIndex+1:]
		entityIndex := 0
		for _, elem := range arrayData {
			elemMap, ok := elem.(map[string]interface{})
			if !ok {
				continue
			}
			entityIndex = mergeIntoNestedArrays(elemMap, entities, remainingPath, entityIndex)
		}
		return nil

	case current == nil:
		entities, ok := entitiesData.([]interface{})
		if !ok || len(entities) == 0 {
			return nil
		}
		firstEntity, ok := entities[0].(map[string]interface{})
		if !ok {
			return fmt.Errorf("first entity is not a map")
		}
		return Merge(data, firstEntity, mergePath)

	default:
		if _, isArray := current.([]interface{}); isArray {
			return Merge(data, entitiesData, mergePath)
		}

		entities, ok := entitiesData.([]interface{})
		if !ok || len(entities) == 0 {
			return nil
		}
		firstEntity, ok := entities[0].(map[string]interface{})
		if !ok {
			return fmt.Errorf("first entity is not a map")
		}
		return Merge(data, firstEntity, mergePath)
	}
}

// mergeIntoNestedArrays recursively merges entities into potentially nested
// array structures, returning the next entity index to consume.
func mergeIntoNestedArrays(current map[string]interface{}, entities []interface{}, path []string, entityIndex int) int {
	if len(path) == 0 {
		if entityIndex < len(entities) {
			if entityMap, ok := entities[entityIndex].(map[string]interface{}); ok {
				Merge(current, entityMap, []string{})
			}
			return entityIndex + 1
		}
		return entityIndex
	}

	segment := path[0]
	remainingPath := path[1:]

	next, exists := current[segment]
	if !exists {
		return entityIndex
	}

	if arr, isArray := next.([]interface{}); isArray {
		for _, elem := range arr {
			if elemMap, ok := elem.(map[string]interface{}); ok {
				entityIndex = mergeIntoNestedArrays(elemMap, entities, remainingPath, entityIndex)
			}
		}
	} else if nextMap, ok := next.(map[string]interface{}); ok {
		entityIndex = mergeIntoNestedArrays(nextMap, entities, remainingPath, entityIndex)
	}

	return entityIndex
}

// sendRequest sends a GraphQL request to a subgraph via its memoized wire
// client, which applies per-subgraph timeout, rate limiting and APQ.
func (e *ExecutorV2) sendRequest(
	ctx context.Context,
	subGraphName string,
	host string,
	query string,
	variables map[string]interface{},
) (map[string]interface{}, error) {
	client := e.clientFor(subGraphName, host)

	resp, err := client.Call(ctx, subgraph.Request{Query: query, Variables: variables})
	if err != nil {
		return nil, fmt.Errorf("failed to call subgraph %s: %w", subGraphName, err)
	}

	result := map[string]interface{}{}
	if len(resp.Data) > 0 {
		var data interface{}
		if err := json.Unmarshal(resp.Data, &data); err != nil {
			return nil, fmt.Errorf("failed to unmarshal data from subgraph %s: %w", subGraphName, err)
		}
		result["data"] = data
	}
	if len(resp.Errors) > 0 {
		errs := make([]map[string]interface{}, len(resp.Errors))
		for i, respErr := range resp.Errors {
			errs[i] = map[string]interface{}{
				"message":    respErr.Message,
				"path":       respErr.Path,
				"extensions": respErr.Extensions,
			}
		}
		result["errors"] = errs
	}

	return result, nil
}

// pruneResponse removes fields from response that were not in the original
// query, stripping __typename and key fields the planner injected for
// entity resolution.
func (e *ExecutorV2) pruneResponse(resp map[string]interface{}, p *planner.PlanV2) map[string]interface{} {
	data, ok := resp["data"].(map[string]interface{})
	if !ok {
		return resp
	}

	if p.OriginalDocument == nil {
		return resp
	}

	op := getOperationFromDocument(p.OriginalDocument)
	if op == nil || len(op.SelectionSet) == 0 {
		return resp
	}

	result := map[string]interface{}{"data": e.pruneObject(data, op.SelectionSet)}
	if errs, ok := resp["errors"]; ok {
		result["errors"] = errs
	}

	return result
}

// pruneObject recursively prunes an object based on the selection set.
func (e *ExecutorV2) pruneObject(obj interface{}, selections []ast.Selection) interface{} {
	if obj == nil {
		return nil
	}

	switch v := obj.(type) {
	case map[string]interface{}:
		result := make(map[string]interface{})
		for _, sel := range selections {
			field, ok := sel.(*ast.Field)
			if !ok {
				continue
			}

			fieldName := field.Name.String()
			lookupKey := fieldName
			if field.Alias != nil {
				lookupKey = field.Alias.String()
			}

			value, exists := v[fieldName]
			if !exists && lookupKey != fieldName {
				value, exists = v[lookupKey]
			}
			if !exists {
				continue
			}

			if len(field.SelectionSet) > 0 {
				result[lookupKey] = e.pruneObject(value, field.SelectionSet)
			} else {
				result[lookupKey] = value
			}
		}
		return result

	case []interface{}:
		result := make([]interface{}, len(v))
		for i, item := range v {
			result[i] = e.pruneObject(item, selections)
		}
		return result

	default:
		return v
	}
}

// getOperationFromDocument extracts the operation from a document.
func getOperationFromDocument(doc *ast.Document) *ast.OperationDefinition {
	if doc == nil {
		return nil
	}

	for _, def := range doc.Definitions {
		if op, ok := def.(*ast.OperationDefinition); ok {
			return op
		}
	}

	return nil
}
