package booleanlogic

import "fmt"

type rewriteOptions struct {
	// rollupNegations lets negated equality leaves join an AND roll-up as
	// masked intersect terms.
	rollupNegations bool
}

// rewrite prepares a built tree for evaluation. Applying it to its own
// output changes nothing.
func rewrite(head *treeNode, opts rewriteOptions) error {
	if err := collapse(head); err != nil {
		return err
	}
	rollUp(head, opts)
	markAllNegated(head)
	return nil
}

// collapse prunes AND and OR nodes without children and replaces those with
// a single child by the child, bottom-up.
func collapse(head *treeNode) error {
	var walk func(n *treeNode) *treeNode
	walk = func(n *treeNode) *treeNode {
		if !n.internal() {
			return n
		}
		kept := n.children[:0]
		for _, c := range n.children {
			if r := walk(c); r != nil {
				kept = append(kept, r)
			}
		}
		n.children = kept
		if n.kind == KindHead {
			return n
		}
		switch len(n.children) {
		case 0:
			return nil
		case 1:
			return n.children[0]
		}
		return n
	}
	walk(head)
	switch len(head.children) {
	case 0:
		return ErrEmptyQueryTree
	case 1:
		return nil
	}
	return fmt.Errorf("%w: head has %d children", ErrInconsistentState, len(head.children))
}

// rollUp replaces groups of plain equality leaves by merge iterators. An
// AND or OR made only of such leaves becomes one iterator; an AND with two
// or more of them among other children gets a nested rolled AND holding
// them.
func rollUp(n *treeNode, opts rewriteOptions) {
	for _, c := range n.children {
		if c.internal() {
			rollUp(c, opts)
		}
	}
	if n.kind == KindHead {
		return
	}
	if canRollUp(n, opts) {
		n.rolledUp = true
		n.absorbed, n.children = n.children, nil
		return
	}
	if n.kind != KindAnd {
		return
	}
	var group, rest []*treeNode
	positives := 0
	for _, c := range n.children {
		switch {
		case c.plainEq() && !c.negated:
			positives++
			group = append(group, c)
		case c.plainEq() && opts.rollupNegations:
			group = append(group, c)
		default:
			rest = append(rest, c)
		}
	}
	if positives == 0 || len(group) < 2 {
		return
	}
	n.children = append(rest, &treeNode{kind: KindAnd, rolledUp: true, absorbed: group})
}

func canRollUp(n *treeNode, opts rewriteOptions) bool {
	if len(n.children) < 2 {
		return false
	}
	positives := 0
	for _, c := range n.children {
		if !c.plainEq() {
			return false
		}
		if !c.negated {
			positives++
			continue
		}
		if n.kind != KindAnd || !opts.rollupNegations {
			return false
		}
	}
	return positives > 0
}

// markAllNegated flags every AND and OR node that can only be satisfied by
// absence. Such nodes never steer a jump. The head jumps with its child and
// is never flagged.
func markAllNegated(n *treeNode) {
	for _, c := range n.children {
		markAllNegated(c)
	}
	if n.internal() && n.kind != KindHead {
		n.allNegated = n.pure()
	}
}
