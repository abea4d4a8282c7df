// Package operation normalizes a parsed GraphQL operation ahead of planning:
// fragments inlined, selections keyed by response name, @skip/@include
// folded away when their argument is a constant, and a field's own @defer
// directive recorded on its Field. @defer on an inline fragment or fragment
// spread is not recorded; that fragment's selections are inlined like any
// other.
package operation

import (
	"fmt"
	"strings"

	"github.com/n9te9/graphql-parser/ast"
)

// Field is one normalized selection: a field plus its already-expanded
// children, keyed by response name (alias if present, else the field name).
type Field struct {
	ResponseName string
	Name         string
	Arguments    []*ast.Argument
	Directives   []*ast.Directive
	Children     []*Field
	Defer        *DeferInfo
	raw          *ast.Field
}

// DeferInfo captures a @defer directive's arguments lifted from the AST.
type DeferInfo struct {
	Label string
	If    bool // resolved value of the `if` argument when constant; true if absent
}

// Raw returns the original AST field this normalized Field was built from,
// for callers (e.g. the query builder) that still need alias/argument nodes.
func (f *Field) Raw() *ast.Field {
	return f.raw
}

// Normalize expands fragment spreads and inline fragments in selections,
// folds @skip/@include directives whose argument is a literal boolean, and
// records a field's own @defer directive in Field.Defer (@defer on a
// fragment is not recorded). variables is used to fold @skip/@include when
// their argument is a variable reference with a known value; a nil map
// leaves variable-conditioned selections un-folded (kept, since the
// executor must still honor them based on actual request variables — see
// Non-goals: this package only folds *constant* conditions).
func Normalize(selections []ast.Selection, fragments map[string]*ast.FragmentDefinition, variables map[string]any) []*Field {
	var out []*Field

	for _, sel := range selections {
		switch s := sel.(type) {
		case *ast.Field:
			if skip, ok := resolveSkipInclude(s.Directives, variables); ok && skip {
				continue
			}

			responseName := s.Name.String()
			if s.Alias != nil && s.Alias.String() != "" {
				responseName = s.Alias.String()
			}

			f := &Field{
				ResponseName: responseName,
				Name:         s.Name.String(),
				Arguments:    s.Arguments,
				Directives:   s.Directives,
				Children:     Normalize(s.SelectionSet, fragments, variables),
				raw:          s,
			}
			if d := deferInfo(s.Directives); d != nil {
				f.Defer = d
			}
			out = append(out, f)

		case *ast.InlineFragment:
			if skip, ok := resolveSkipInclude(s.Directives, variables); ok && skip {
				continue
			}
			out = append(out, Normalize(s.SelectionSet, fragments, variables)...)

		case *ast.FragmentSpread:
			if skip, ok := resolveSkipInclude(s.Directives, variables); ok && skip {
				continue
			}
			frag, ok := fragments[s.Name.String()]
			if !ok {
				continue
			}
			out = append(out, Normalize(frag.SelectionSet, fragments, variables)...)
		}
	}

	return MergeSameResponseName(out)
}

// MergeSameResponseName combines sibling fields that share a response name
// (the common "same field selected twice, once bare and once under a
// fragment" shape) by unioning their children, per the GraphQL field-merging
// rule. Order of first appearance is preserved.
func MergeSameResponseName(fields []*Field) []*Field {
	index := make(map[string]int)
	var out []*Field

	for _, f := range fields {
		if i, ok := index[f.ResponseName]; ok {
			out[i].Children = append(out[i].Children, f.Children...)
			continue
		}
		index[f.ResponseName] = len(out)
		out = append(out, f)
	}

	return out
}

// resolveSkipInclude evaluates @skip/@include directives whose `if` argument
// is a literal true/false or a variable present in variables. ok is false
// when the condition depends on a variable not supplied (left un-folded).
func resolveSkipInclude(directives []*ast.Directive, variables map[string]any) (skip bool, ok bool) {
	for _, d := range directives {
		switch d.Name {
		case "skip", "include":
			val, resolved := resolveBoolArg(d, variables)
			if !resolved {
				continue
			}
			if d.Name == "skip" {
				return val, true
			}
			return !val, true
		}
	}
	return false, false
}

func resolveBoolArg(d *ast.Directive, variables map[string]any) (bool, bool) {
	for _, arg := range d.Arguments {
		if arg.Name.String() != "if" {
			continue
		}
		raw := arg.Value.String()
		switch raw {
		case "true":
			return true, true
		case "false":
			return false, true
		}
		if strings.HasPrefix(raw, "$") && variables != nil {
			if v, ok := variables[strings.TrimPrefix(raw, "$")]; ok {
				if b, ok := v.(bool); ok {
					return b, true
				}
			}
		}
	}
	return false, false
}

// DeferDirective extracts a @defer directive's arguments from a directive
// list, or nil if none is present. Exported for callers outside this package
// that need to detect @defer ahead of Normalize (the planner, which inlines
// fragments through its own pass and must pull @defer out first).
func DeferDirective(directives []*ast.Directive) *DeferInfo {
	return deferInfo(directives)
}

func deferInfo(directives []*ast.Directive) *DeferInfo {
	for _, d := range directives {
		if d.Name != "defer" {
			continue
		}
		info := &DeferInfo{If: true}
		for _, arg := range d.Arguments {
			switch arg.Name.String() {
			case "label":
				info.Label = strings.Trim(arg.Value.String(), "\"")
			case "if":
				if arg.Value.String() == "false" {
					info.If = false
				}
			}
		}
		return info
	}
	return nil
}

// Path renders a dotted response-name path, used for error reporting and
// cache-key construction over a normalized selection subtree.
func Path(parts ...string) string {
	return strings.Join(parts, ".")
}

// Find looks up the child field with the given response name.
func (f *Field) Find(responseName string) (*Field, bool) {
	for _, c := range f.Children {
		if c.ResponseName == responseName {
			return c, true
		}
	}
	return nil, false
}

// String renders a field for debug output.
func (f *Field) String() string {
	if len(f.Children) == 0 {
		return f.ResponseName
	}
	names := make([]string, len(f.Children))
	for i, c := range f.Children {
		names[i] = c.String()
	}
	return fmt.Sprintf("%s { %s }", f.ResponseName, strings.Join(names, " "))
}
