package operation

import (
	"fmt"

	"github.com/n9te9/graphql-parser/ast"
)

// Limits bounds the shape of an incoming operation before it reaches the
// planner, mirroring the router's limits.{max_depth,max_height,max_aliases,
// max_root_fields} configuration. A zero value for any field disables that
// particular check.
type Limits struct {
	MaxDepth      int
	MaxHeight     int
	MaxAliases    int
	MaxRootFields int
}

// Violation is a rejected operation, carrying the stable extensions.code the
// gateway's error response surfaces to the client.
type Violation struct {
	Code    string
	Message string
}

func (v *Violation) Error() string {
	return v.Message
}

// CheckDocument normalizes doc's single operation and fragments, then
// evaluates every configured limit against it, returning the first
// violation found (root fields, then depth, then height, then aliases).
func (l Limits) CheckDocument(doc *ast.Document, variables map[string]any) *Violation {
	op := findOperation(doc)
	if op == nil {
		return nil
	}

	fragments := make(map[string]*ast.FragmentDefinition)
	for _, def := range doc.Definitions {
		if f, ok := def.(*ast.FragmentDefinition); ok {
			fragments[f.Name.String()] = f
		}
	}

	fields := Normalize(op.SelectionSet, fragments, variables)
	return l.Check(fields)
}

// Check evaluates every configured limit against an already-normalized field
// tree (e.g. the root selections of an operation).
func (l Limits) Check(fields []*Field) *Violation {
	if l.MaxRootFields > 0 && len(fields) > l.MaxRootFields {
		return &Violation{
			Code:    "MAX_ROOT_FIELDS_LIMIT",
			Message: fmt.Sprintf("operation selects %d root fields, exceeding the limit of %d", len(fields), l.MaxRootFields),
		}
	}

	if l.MaxDepth > 0 {
		if depth := maxDepth(fields); depth > l.MaxDepth {
			return &Violation{
				Code:    "MAX_DEPTH_LIMIT",
				Message: fmt.Sprintf("operation nests %d levels deep, exceeding the limit of %d", depth, l.MaxDepth),
			}
		}
	}

	if l.MaxHeight > 0 {
		if height := totalHeight(fields); height > l.MaxHeight {
			return &Violation{
				Code:    "MAX_HEIGHT_LIMIT",
				Message: fmt.Sprintf("operation selects %d fields in total, exceeding the limit of %d", height, l.MaxHeight),
			}
		}
	}

	if l.MaxAliases > 0 {
		if aliases := countAliases(fields); aliases > l.MaxAliases {
			return &Violation{
				Code:    "MAX_ALIASES_LIMIT",
				Message: fmt.Sprintf("operation uses %d aliases, exceeding the limit of %d", aliases, l.MaxAliases),
			}
		}
	}

	return nil
}

func findOperation(doc *ast.Document) *ast.OperationDefinition {
	for _, def := range doc.Definitions {
		if op, ok := def.(*ast.OperationDefinition); ok {
			return op
		}
	}
	return nil
}

// maxDepth returns the deepest selection-set nesting, counting the root
// selection set as depth 1.
func maxDepth(fields []*Field) int {
	if len(fields) == 0 {
		return 0
	}
	best := 1
	for _, f := range fields {
		if d := 1 + maxDepth(f.Children); d > best {
			best = d
		}
	}
	return best
}

// totalHeight counts every field in the selection tree, at every level.
func totalHeight(fields []*Field) int {
	total := 0
	for _, f := range fields {
		total++
		total += totalHeight(f.Children)
	}
	return total
}

// countAliases counts fields whose response name differs from their field
// name, i.e. was explicitly aliased in the operation text.
func countAliases(fields []*Field) int {
	count := 0
	for _, f := range fields {
		if f.ResponseName != f.Name {
			count++
		}
		count += countAliases(f.Children)
	}
	return count
}
