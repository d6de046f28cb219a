package booleanlogic

import (
	"fmt"
	"strings"

	"shardscan/internal/fieldindex"
	"shardscan/internal/merge"
)

// Kind is the type of a tree node.
type Kind uint8

const (
	KindHead Kind = iota
	KindAnd
	KindOr
	KindEq
	KindRegex
	KindRange
)

func (k Kind) String() string {
	switch k {
	case KindHead:
		return "HEAD"
	case KindAnd:
		return "AND"
	case KindOr:
		return "OR"
	case KindEq:
		return "EQ"
	case KindRegex:
		return "ER"
	case KindRange:
		return "RANGE"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// treeNode is the mutable tree built from the query and rewritten before
// evaluation. It is frozen into a plan once rewriting is done.
//
// Invariant after build: no node is a NOT; negation lives on leaves only.
type treeNode struct {
	kind   Kind
	field  string
	value  string // equality value or regex pattern
	bounds fieldindex.Bounds

	// negated is the effective negation after push-down. queryNegated
	// records a negation written on the comparison itself (!= or !~).
	negated      bool
	queryNegated bool

	// A rolled-up AND or OR is evaluated by a single merge iterator over
	// the absorbed equality leaves; it has no children of its own.
	rolledUp bool
	absorbed []*treeNode

	allNegated bool
	children   []*treeNode
}

// internal reports whether n is evaluated from its children.
func (n *treeNode) internal() bool {
	switch n.kind {
	case KindHead, KindAnd, KindOr:
		return !n.rolledUp
	}
	return false
}

// plainEq reports whether n is an equality leaf a merge iterator can take.
func (n *treeNode) plainEq() bool {
	return n.kind == KindEq && !strings.Contains(n.value, "*")
}

// pure reports whether n can only ever be satisfied by absence: a negated
// leaf, or an internal node whose children are all pure.
func (n *treeNode) pure() bool {
	if !n.internal() {
		return n.negated
	}
	if len(n.children) == 0 {
		return false
	}
	for _, c := range n.children {
		if !c.pure() {
			return false
		}
	}
	return true
}

func (n *treeNode) String() string {
	var s string
	switch n.kind {
	case KindHead:
		if len(n.children) == 1 {
			return n.children[0].String()
		}
		return "HEAD"
	case KindAnd, KindOr:
		op, members := " && ", n.children
		if n.kind == KindOr {
			op = " || "
		}
		if n.rolledUp {
			members = n.absorbed
		}
		parts := make([]string, len(members))
		for i, c := range members {
			parts[i] = c.String()
		}
		switch {
		case n.rolledUp && n.kind == KindAnd:
			return "intersect{" + strings.Join(parts, op) + "}"
		case n.rolledUp:
			return "union{" + strings.Join(parts, op) + "}"
		}
		return "(" + strings.Join(parts, op) + ")"
	case KindEq:
		s = fmt.Sprintf("%s == %q", n.field, n.value)
	case KindRegex:
		s = fmt.Sprintf("%s =~ %q", n.field, n.value)
	case KindRange:
		s = n.field + " in " + n.bounds.String()
	}
	if n.negated {
		return "!(" + s + ")"
	}
	return s
}

// clone deep-copies the tree rooted at n.
func (n *treeNode) clone() *treeNode {
	c := *n
	c.children = make([]*treeNode, len(n.children))
	for i, ch := range n.children {
		c.children[i] = ch.clone()
	}
	c.absorbed = make([]*treeNode, len(n.absorbed))
	for i, a := range n.absorbed {
		c.absorbed[i] = a.clone()
	}
	return &c
}

// node is the frozen form of a tree node. Nodes live in one slice shared by
// every clone of an evaluator and are never written after freeze.
type node struct {
	kind       Kind
	field      string
	value      string
	bounds     fieldindex.Bounds
	negated    bool
	allNegated bool
	rolledUp   bool
	// terms are the members of a rolled-up AND or OR.
	terms    []merge.Term
	label    string
	children []int
}

// leaf reports whether the node is backed by an iterator.
func (n *node) leaf() bool {
	return n.kind != KindHead && len(n.children) == 0
}

// plan is a rewritten query tree ready for evaluation.
type plan struct {
	nodes []node
	// post lists node indexes children first, root last.
	post []int
	root int
	// iterators lists the indexes of the leaf nodes.
	iterators []int
	text      string
}

// freeze flattens the tree rooted at head into a plan.
func freeze(head *treeNode) *plan {
	p := &plan{text: explainTree(head)}
	var walk func(n *treeNode) int
	walk = func(n *treeNode) int {
		children := make([]int, 0, len(n.children))
		for _, c := range n.children {
			children = append(children, walk(c))
		}
		fn := node{
			kind:       n.kind,
			field:      n.field,
			value:      n.value,
			bounds:     n.bounds,
			negated:    n.negated,
			allNegated: n.allNegated,
			rolledUp:   n.rolledUp,
			label:      n.String(),
			children:   children,
		}
		for _, a := range n.absorbed {
			fn.terms = append(fn.terms, merge.Term{Field: a.field, Value: a.value, Negated: a.negated})
		}
		idx := len(p.nodes)
		p.nodes = append(p.nodes, fn)
		p.post = append(p.post, idx)
		if fn.leaf() {
			p.iterators = append(p.iterators, idx)
		}
		return idx
	}
	p.root = walk(head)
	return p
}
