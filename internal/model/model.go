// Package model holds the in-memory form schema tree consumed by the export
// core. The tree is built once by the form loader (or by tests) and read-only
// afterwards.
package model

import "strings"

// Kind classifies a schema node.
type Kind string

const (
	KindGroup  Kind = "group"
	KindRepeat Kind = "repeat"
	KindField  Kind = "field"
)

// FieldType is the primitive type of a field node.
type FieldType string

const (
	TypeString      FieldType = "string"
	TypeInt         FieldType = "int"
	TypeDecimal     FieldType = "decimal"
	TypeBoolean     FieldType = "boolean"
	TypeDate        FieldType = "date"
	TypeTime        FieldType = "time"
	TypeDateTime    FieldType = "dateTime"
	TypeGeopoint    FieldType = "geopoint"
	TypeGeotrace    FieldType = "geotrace"
	TypeGeoshape    FieldType = "geoshape"
	TypeBinary      FieldType = "binary"
	TypeSelectOne   FieldType = "select1"
	TypeSelectMulti FieldType = "select"
)

// Node is one schema node: the root, a group, a repeat group, or a field.
//
// Child order mirrors form declaration order. Parent and repeat-ancestor
// links are resolved by Seal and are plain references, not owning links.
type Node struct {
	Name     string
	Kind     Kind
	Type     FieldType
	Children []*Node

	parent         *Node
	repeatAncestor *Node // nearest enclosing repeat, or the root
}

// NewRoot returns a sealed-later root node. The root behaves like a group.
func NewRoot(name string) *Node {
	return &Node{Name: name, Kind: KindGroup}
}

// NewGroup returns a non-repeating group node.
func NewGroup(name string, children ...*Node) *Node {
	return &Node{Name: name, Kind: KindGroup, Children: children}
}

// NewRepeat returns a repeat group node.
func NewRepeat(name string, children ...*Node) *Node {
	return &Node{Name: name, Kind: KindRepeat, Children: children}
}

// NewField returns a leaf field node.
func NewField(name string, t FieldType) *Node {
	return &Node{Name: name, Kind: KindField, Type: t}
}

// Add appends children in declaration order and returns n for chaining.
func (n *Node) Add(children ...*Node) *Node {
	n.Children = append(n.Children, children...)
	return n
}

// Seal resolves parent and repeat-ancestor links for the whole tree rooted at
// n. Call exactly once after construction, on the root.
func (n *Node) Seal() *Node {
	n.seal(nil, n)
	return n
}

func (n *Node) seal(parent, nearestRepeat *Node) {
	n.parent = parent
	n.repeatAncestor = nearestRepeat
	next := nearestRepeat
	if n.Kind == KindRepeat {
		next = n
	}
	for _, c := range n.Children {
		c.seal(n, next)
	}
}

// Parent returns the parent node, or nil on the root.
func (n *Node) Parent() *Node { return n.parent }

// RepeatAncestor returns the nearest enclosing repeat node, or the root when
// the node is not nested inside any repeat.
func (n *Node) RepeatAncestor() *Node { return n.repeatAncestor }

// IsRoot reports whether the node has no parent.
func (n *Node) IsRoot() bool { return n.parent == nil }

// FQN is the slash-joined path of local names below the root. The root's FQN
// is the empty string.
func (n *Node) FQN() string {
	if n.parent == nil {
		return ""
	}
	parts := make([]string, 0, 4)
	for cur := n; cur != nil && cur.parent != nil; cur = cur.parent {
		parts = append(parts, cur.Name)
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, "/")
}

// DirectRepeats returns the repeats reachable from n without crossing another
// repeat boundary, in declaration order.
func (n *Node) DirectRepeats() []*Node {
	var out []*Node
	var walk func(*Node)
	walk = func(cur *Node) {
		for _, c := range cur.Children {
			if c.Kind == KindRepeat {
				out = append(out, c)
				continue
			}
			walk(c)
		}
	}
	walk(n)
	return out
}

// PathFrom returns the local-name steps from ancestor down to n, excluding
// ancestor itself. ancestor must actually be an ancestor of n.
func (n *Node) PathFrom(ancestor *Node) []string {
	var parts []string
	for cur := n; cur != nil && cur != ancestor; cur = cur.parent {
		parts = append(parts, cur.Name)
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return parts
}

// RepeatableFields returns every descendant repeat node in depth-first
// pre-order, mirroring form declaration order.
func (n *Node) RepeatableFields() []*Node {
	var out []*Node
	var walk func(*Node)
	walk = func(cur *Node) {
		for _, c := range cur.Children {
			if c.Kind == KindRepeat {
				out = append(out, c)
			}
			walk(c)
		}
	}
	walk(n)
	return out
}
