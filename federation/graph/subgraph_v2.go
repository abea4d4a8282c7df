package graph

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/n9te9/graphql-parser/ast"
	"github.com/n9te9/graphql-parser/lexer"
	"github.com/n9te9/graphql-parser/parser"
)

// EntityKey represents the @key directive information of an Entity.
type EntityKey struct {
	FieldSet   string // Field set specified in @key (e.g., "id")
	Resolvable bool   // Resolvable parameter of @key directive
}

// ContextLink represents a @fromContext(field: "...") reference to a value
// set earlier in the operation by a sibling @context directive.
type ContextLink struct {
	Context string // name of the @context this field reads from
	Field   string // the field selector expression within that context
}

// Field represents field information of an Entity.
type Field struct {
	Name           string        // Field name
	Type           ast.Type      // Field type
	Requires       []string      // Fields specified in @requires directive
	Provides       []string      // Fields specified in @provides directive
	isShareable    bool          // Whether @shareable directive is present
	isExternal     bool          // Whether @external directive is present
	isInaccessible bool          // Whether @inaccessible directive is present
	overrideFrom   string        // Subgraph named in @override(from: "...")
	authenticated  bool          // Whether @authenticated directive is present
	requiresScopes [][]string    // Scope sets from @requiresScopes directive (OR of ANDs)
	tags           []string      // Names from @tag(name: "...") directives
	cost           int           // Weight from @cost(weight: N), 0 if absent
	fromContext    *ContextLink  // Populated when the field carries @fromContext
}

// Entity represents an ObjectType with @key directive.
type Entity struct {
	Keys              []EntityKey       // Key information of the Entity
	isExtension       bool              // Whether defined as an extension
	Fields            map[string]*Field // Field map with field name as key
	isInterfaceObject bool              // Whether @interfaceObject directive is present
	contextName       string            // Name given by a @context directive on this type, if any
}

// SubGraphV2 represents a subgraph information.
type SubGraphV2 struct {
	Name     string             // Subgraph name (e.g., "product")
	Host     string             // Host (e.g., "product.example.com")
	Schema   *ast.Document      // Schema AST
	entities map[string]*Entity // Entity map with entity name as key
}

// NewSubGraphV2 initializes a SubGraphV2 by parsing the schema and extracting entities.
// It analyzes @key, @requires, @provides, @shareable, and @external directives.
func NewSubGraphV2(name string, src []byte, host string) (*SubGraphV2, error) {
	// Parse schema and obtain AST
	l := lexer.New(string(src))
	p := parser.New(l)
	doc := p.ParseDocument()
	if len(p.Errors()) > 0 {
		return nil, fmt.Errorf("parse error: %v", p.Errors())
	}

	// Initialize SubGraph structure
	sg := &SubGraphV2{
		Name:     name,
		Host:     host,
		Schema:   doc,
		entities: make(map[string]*Entity),
	}

	// Traverse all type definitions
	for _, def := range doc.Definitions {
		// Process ObjectTypeDefinition
		if objType, ok := def.(*ast.ObjectTypeDefinition); ok {
			if isEntity(objType.Directives) {
				entity := &Entity{
					Keys:              parseEntityKeys(objType.Directives),
					isExtension:       false,
					Fields:            make(map[string]*Field),
					isInterfaceObject: hasDirectiveNamed(objType.Directives, "interfaceObject"),
					contextName:       contextName(objType.Directives),
				}

				// Traverse all fields
				for _, field := range objType.Fields {
					entity.Fields[field.Name.String()] = parseField(field)
				}

				sg.entities[objType.Name.String()] = entity
			}
		}

		// Process ObjectTypeExtension
		if objExt, ok := def.(*ast.ObjectTypeExtension); ok {
			if isEntity(objExt.Directives) {
				entity := &Entity{
					Keys:              parseEntityKeys(objExt.Directives),
					isExtension:       true,
					Fields:            make(map[string]*Field),
					isInterfaceObject: hasDirectiveNamed(objExt.Directives, "interfaceObject"),
					contextName:       contextName(objExt.Directives),
				}

				// Traverse all fields
				for _, field := range objExt.Fields {
					entity.Fields[field.Name.String()] = parseField(field)
				}

				sg.entities[objExt.Name.String()] = entity
			}
		}
	}

	return sg, nil
}

// GetEntities returns the entities map.
func (sg *SubGraphV2) GetEntities() map[string]*Entity {
	return sg.entities
}

// GetEntity returns the Entity with the specified name.
func (sg *SubGraphV2) GetEntity(name string) (*Entity, bool) {
	entity, ok := sg.entities[name]
	return entity, ok
}

// isEntity checks if @key directive exists.
func isEntity(directives []*ast.Directive) bool {
	for _, d := range directives {
		if d.Name == "key" {
			return true
		}
	}
	return false
}

// parseEntityKeys parses EntityKey list from @key directives.
func parseEntityKeys(directives []*ast.Directive) []EntityKey {
	var keys []EntityKey

	for _, d := range directives {
		if d.Name == "key" {
			key := EntityKey{
				Resolvable: true, // Default is true
			}

			// Parse arguments
			for _, arg := range d.Arguments {
				switch arg.Name.String() {
				case "fields":
					// Get fields value (remove quotes)
					fieldSet := strings.Trim(arg.Value.String(), "\"")
					key.FieldSet = fieldSet
				case "resolvable":
					// Get resolvable value
					if arg.Value.String() == "false" {
						key.Resolvable = false
					}
				}
			}

			keys = append(keys, key)
		}
	}

	return keys
}

// parseField creates a Field structure from field definition.
func parseField(field *ast.FieldDefinition) *Field {
	f := &Field{
		Name:     field.Name.String(),
		Type:     field.Type,
		Requires: []string{},
		Provides: []string{},
	}

	// Parse directives
	for _, d := range field.Directives {
		switch d.Name {
		case "requires":
			// Parse fields argument of @requires directive
			if len(d.Arguments) > 0 {
				fieldsVal := strings.Trim(d.Arguments[0].Value.String(), "\"")
				f.Requires = strings.Fields(fieldsVal)
			}
		case "provides":
			// Parse fields argument of @provides directive
			if len(d.Arguments) > 0 {
				fieldsVal := strings.Trim(d.Arguments[0].Value.String(), "\"")
				f.Provides = strings.Fields(fieldsVal)
			}
		case "shareable":
			f.isShareable = true
		case "external":
			f.isExternal = true
		case "inaccessible":
			f.isInaccessible = true
		case "authenticated":
			f.authenticated = true
		case "override":
			for _, arg := range d.Arguments {
				if arg.Name.String() == "from" {
					f.overrideFrom = strings.Trim(arg.Value.String(), "\"")
				}
			}
		case "requiresScopes":
			if len(d.Arguments) > 0 {
				f.requiresScopes = parseScopes(d.Arguments[0].Value.String())
			}
		case "tag":
			for _, arg := range d.Arguments {
				if arg.Name.String() == "name" {
					f.tags = append(f.tags, strings.Trim(arg.Value.String(), "\""))
				}
			}
		case "cost":
			for _, arg := range d.Arguments {
				if arg.Name.String() == "weight" {
					if n, err := strconv.Atoi(strings.Trim(arg.Value.String(), "\"")); err == nil {
						f.cost = n
					}
				}
			}
		case "fromContext":
			for _, arg := range d.Arguments {
				if arg.Name.String() == "field" {
					f.fromContext = parseFromContext(strings.Trim(arg.Value.String(), "\""))
				}
			}
		}
	}

	return f
}

// parseScopes parses the nested-list literal of a @requiresScopes(scopes: [["a","b"],["c"]])
// directive into an OR-of-ANDs scope matrix. The parser's AST renders list values back as their
// source text, so this is a small bracket/quote scanner rather than a full value walk.
func parseScopes(raw string) [][]string {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "[")
	raw = strings.TrimSuffix(raw, "]")

	var out [][]string
	depth := 0
	start := -1
	for i, r := range raw {
		switch r {
		case '[':
			if depth == 0 {
				start = i + 1
			}
			depth++
		case ']':
			depth--
			if depth == 0 && start >= 0 {
				group := raw[start:i]
				var scopes []string
				for _, tok := range strings.Split(group, ",") {
					tok = strings.Trim(strings.TrimSpace(tok), "\"")
					if tok != "" {
						scopes = append(scopes, tok)
					}
				}
				if len(scopes) > 0 {
					out = append(out, scopes)
				}
				start = -1
			}
		}
	}
	return out
}

// parseFromContext parses the "$contextName field.path" selector used by @fromContext(field:).
func parseFromContext(selector string) *ContextLink {
	selector = strings.TrimSpace(selector)
	if !strings.HasPrefix(selector, "$") {
		return &ContextLink{Field: selector}
	}
	rest := selector[1:]
	fields := strings.SplitN(rest, " ", 2)
	link := &ContextLink{Context: fields[0]}
	if len(fields) > 1 {
		link.Field = strings.TrimSpace(fields[1])
	}
	return link
}

// hasDirectiveNamed reports whether directives contains one with the given name.
func hasDirectiveNamed(directives []*ast.Directive, name string) bool {
	for _, d := range directives {
		if d.Name == name {
			return true
		}
	}
	return false
}

// contextName returns the name argument of a @context directive, if present.
func contextName(directives []*ast.Directive) string {
	for _, d := range directives {
		if d.Name == "context" {
			for _, arg := range d.Arguments {
				if arg.Name.String() == "name" {
					return strings.Trim(arg.Value.String(), "\"")
				}
			}
		}
	}
	return ""
}

// IsShareable returns whether the field has @shareable directive.
func (f *Field) IsShareable() bool {
	return f.isShareable
}

// IsExternal returns whether the field has @external directive.
func (f *Field) IsExternal() bool {
	return f.isExternal
}

// IsInaccessible returns whether the field has @inaccessible directive.
func (f *Field) IsInaccessible() bool {
	return f.isInaccessible
}

// GetOverride returns the subgraph name this field overrides from, and
// whether an @override directive was present at all.
func (f *Field) GetOverride() (string, bool) {
	return f.overrideFrom, f.overrideFrom != ""
}

// Authenticated returns whether the field requires an authenticated request.
func (f *Field) Authenticated() bool {
	return f.authenticated
}

// RequiresScopes returns the OR-of-ANDs scope sets from @requiresScopes.
func (f *Field) RequiresScopes() [][]string {
	return f.requiresScopes
}

// Tags returns the @tag names attached to this field.
func (f *Field) Tags() []string {
	return f.tags
}

// Cost returns the @cost weight for this field, or 0 if unset.
func (f *Field) Cost() int {
	return f.cost
}

// FromContext returns the @fromContext selector for this field, if present.
func (f *Field) FromContext() (*ContextLink, bool) {
	return f.fromContext, f.fromContext != nil
}

// IsExtension returns whether the Entity is defined as an extension.
func (e *Entity) IsExtension() bool {
	return e.isExtension
}

// IsInterfaceObject returns whether the Entity carries @interfaceObject.
func (e *Entity) IsInterfaceObject() bool {
	return e.isInterfaceObject
}

// ContextName returns the name this type exposes via @context, if any.
func (e *Entity) ContextName() (string, bool) {
	return e.contextName, e.contextName != ""
}

// IsResolvable returns whether the Entity has at least one resolvable key.
// If all keys have resolvable: false, this returns false.
func (e *Entity) IsResolvable() bool {
	for _, key := range e.Keys {
		if key.Resolvable {
			return true
		}
	}
	return false
}
