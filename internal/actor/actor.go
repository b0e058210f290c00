// Package actor defines the influence-tree data model: actors, their
// analysis parameters, and the traversal helpers the generation pipeline
// relies on. An Actor owns its children exclusively; the tree is acyclic by
// construction because children are only ever created from an existing
// parent.
package actor

import (
	"fmt"
	"strings"
)

// ValueType enumerates the parameter value kinds the validator accepts.
type ValueType string

const (
	ValueFloat  ValueType = "float"
	ValueInt    ValueType = "int"
	ValueBool   ValueType = "bool"
	ValueString ValueType = "string"
)

// NormalizeValueType maps the loose type strings LLMs emit ("integer",
// "boolean", "number", "document", ...) onto the fixed ValueType set.
// Unrecognized kinds degrade to string rather than failing the whole node.
func NormalizeValueType(s string) ValueType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "float", "number", "double", "decimal":
		return ValueFloat
	case "int", "integer", "count":
		return ValueInt
	case "bool", "boolean":
		return ValueBool
	default:
		return ValueString
	}
}

// Parameter is one analysis parameter attached to an actor at leaf-analysis
// time. CodeName is snake_case and suitable for downstream simulation code.
type Parameter struct {
	CodeName      string    `json:"code_name"`
	DisplayName   string    `json:"name"`
	Description   string    `json:"description"`
	ValueType     ValueType `json:"type"`
	ExpectedValue string    `json:"expected_value"`
}

// Actor is a node in the influence tree.
//
// Children is the only ownership edge; ParentName is a denormalized
// provenance string kept for display and never dereferenced. A node that
// failed expansion and was skipped keeps zero children and ErrorFlag set.
type Actor struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Type        string      `json:"type"`
	Depth       int         `json:"depth"`
	ParentName  string      `json:"parent_actor,omitempty"`
	Parameters  []Parameter `json:"parameters,omitempty"`
	Children    []Actor     `json:"children,omitempty"`
	ErrorFlag   bool        `json:"error_flag,omitempty"`
}

// Count returns the number of actors in the subtree rooted at a, including
// a itself.
func (a *Actor) Count() int {
	n := 1
	for i := range a.Children {
		n += a.Children[i].Count()
	}
	return n
}

// Walk visits a and every descendant in depth-first order. The visitor
// receives a pointer so passes like parameter attachment can mutate nodes
// in place. Walk stops at the first error.
func (a *Actor) Walk(fn func(*Actor) error) error {
	if err := fn(a); err != nil {
		return err
	}
	for i := range a.Children {
		if err := a.Children[i].Walk(fn); err != nil {
			return err
		}
	}
	return nil
}

// LeavesAt collects pointers to every node at exactly depth d that has no
// children yet. These are the expansion frontier for level d+1.
func LeavesAt(roots []Actor, d int) []*Actor {
	var leaves []*Actor
	for i := range roots {
		roots[i].Walk(func(n *Actor) error { //nolint:errcheck
			if n.Depth == d && len(n.Children) == 0 {
				leaves = append(leaves, n)
			}
			return nil
		})
	}
	return leaves
}

// CountAll returns the total number of actors across all roots.
func CountAll(roots []Actor) int {
	n := 0
	for i := range roots {
		n += roots[i].Count()
	}
	return n
}

// Validate checks the structural invariants of the subtree rooted at a:
// non-empty identity fields, depth(child) == depth(parent)+1, and no node
// deeper than maxDepth.
func (a *Actor) Validate(maxDepth int) error {
	if strings.TrimSpace(a.Name) == "" {
		return fmt.Errorf("actor at depth %d has empty name", a.Depth)
	}
	if a.Depth > maxDepth {
		return fmt.Errorf("actor %q at depth %d exceeds max depth %d", a.Name, a.Depth, maxDepth)
	}
	for i := range a.Children {
		c := &a.Children[i]
		if c.Depth != a.Depth+1 {
			return fmt.Errorf("actor %q depth %d has child %q at depth %d, want %d",
				a.Name, a.Depth, c.Name, c.Depth, a.Depth+1)
		}
		if err := c.Validate(maxDepth); err != nil {
			return err
		}
	}
	return nil
}
