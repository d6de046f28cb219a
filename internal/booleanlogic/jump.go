package booleanlogic

import (
	"container/heap"

	"shardscan/internal/key"
)

// bestJumpKey computes a lower bound for the next match. An AND cannot
// match before all of its children can, so it takes the largest bound of
// its children; an OR takes the smallest. Pure negations never bound
// anything and are skipped. A nil result means nothing can match any more.
func (e *Evaluator) bestJumpKey() *key.Key {
	for _, i := range e.plan.post {
		n, st := &e.plan.nodes[i], &e.state[i]
		st.advance = nil
		switch {
		case n.leaf():
			if !n.negated {
				st.advance = st.top
			}
		case n.kind == KindHead:
			st.advance = e.state[n.children[0]].advance
		case n.allNegated:
		case n.kind == KindAnd:
			st.advance = e.maxAdvance(n)
		case n.kind == KindOr:
			st.advance = e.minAdvance(n)
		}
	}
	return e.state[e.plan.root].advance
}

func (e *Evaluator) maxAdvance(n *node) *key.Key {
	var best *key.Key
	for _, c := range n.children {
		if e.plan.nodes[c].pure() {
			continue
		}
		a := e.state[c].advance
		if a == nil {
			return nil
		}
		if best == nil || a.ComparePartial(*best, key.RowFamily) > 0 {
			best = a
		}
	}
	return best
}

func (e *Evaluator) minAdvance(n *node) *key.Key {
	var best *key.Key
	for _, c := range n.children {
		if e.plan.nodes[c].pure() {
			continue
		}
		if a := e.state[c].advance; compareTops(a, best) < 0 {
			best = a
		}
	}
	return best
}

// jump moves every positive iterator that is behind k up to k.
func (e *Evaluator) jump(k key.Key) error {
	for _, i := range e.positives.ids {
		if t := e.state[i].top; t != nil && t.ComparePartial(k, key.RowFamily) < 0 {
			if err := e.jumpNode(i, k); err != nil {
				return err
			}
		}
	}
	heap.Init(&e.positives)
	return nil
}
