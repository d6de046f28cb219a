package booleanlogic

import (
	"maps"

	"shardscan/internal/key"
	"shardscan/internal/shardkey"
)

// keySet holds event keys by (partition, datatype\x00uid).
type keySet map[string]key.Key

func (s keySet) add(k key.Key) { s[shardkey.EventKeyRowAndID(k)] = k }

func (s keySet) has(k key.Key) bool {
	_, ok := s[shardkey.EventKeyRowAndID(k)]
	return ok
}

func (s keySet) min() *key.Key {
	var m *key.Key
	for _, k := range s {
		if m == nil || k.ComparePartial(*m, key.RowFamily) < 0 {
			c := k
			m = &c
		}
	}
	return m
}

// nodeState is the per-pass state of one node. Every evaluator clone owns
// its own slice of them.
type nodeState struct {
	// top is the iterator position of a leaf, or the smallest matched key
	// of an internal node.
	top     *key.Key
	advance *key.Key
	valid   bool
	done    bool
	// matched is the set of current candidates the node holds for.
	matched keySet
}

// pure reports whether the node can only hold through absence.
func (n *node) pure() bool {
	if n.leaf() {
		return n.negated
	}
	return n.allNegated
}

// testTree evaluates every node bottom-up against the candidates, which
// are the current tops of the positive iterators.
//
// A positive leaf holds for its top. A negated leaf holds for every
// candidate except the record it was located on. AND intersects its
// children. OR unites the children that are not pure negations, or all of
// them when every child is one.
func (e *Evaluator) testTree() {
	candidates := e.candidates
	clear(candidates)
	for _, i := range e.positives.ids {
		if t := e.state[i].top; t != nil {
			candidates.add(*t)
		}
	}
	for _, i := range e.plan.post {
		n, st := &e.plan.nodes[i], &e.state[i]
		if st.matched == nil {
			st.matched = make(keySet)
		} else {
			clear(st.matched)
		}
		switch {
		case n.leaf() && n.negated:
			maps.Copy(st.matched, candidates)
			if st.top != nil {
				delete(st.matched, shardkey.EventKeyRowAndID(*st.top))
			}
		case n.leaf():
			if st.top != nil {
				st.matched.add(*st.top)
			}
		case n.kind == KindHead:
			maps.Copy(st.matched, e.state[n.children[0]].matched)
			st.top = st.matched.min()
		case n.kind == KindAnd:
			e.evalAnd(n, st)
			st.top = st.matched.min()
		case n.kind == KindOr:
			e.evalOr(n, st)
			st.top = st.matched.min()
		}
		st.valid = len(st.matched) > 0
	}
}

func (e *Evaluator) evalAnd(n *node, st *nodeState) {
	maps.Copy(st.matched, e.state[n.children[0]].matched)
	for _, c := range n.children[1:] {
		child := e.state[c].matched
		maps.DeleteFunc(st.matched, func(id string, _ key.Key) bool {
			_, ok := child[id]
			return !ok
		})
	}
}

func (e *Evaluator) evalOr(n *node, st *nodeState) {
	for _, c := range n.children {
		if !n.allNegated && e.plan.nodes[c].pure() {
			continue
		}
		maps.Copy(st.matched, e.state[c].matched)
	}
}

// resetNegatives forgets where the negated leaves were last located.
func (e *Evaluator) resetNegatives() {
	for _, i := range e.negatives {
		e.state[i].top = nil
		e.state[i].valid = true
	}
}

// checkNegatives locates every negated leaf on cand and re-evaluates the
// tree. It reports whether cand still holds at the root.
func (e *Evaluator) checkNegatives(cand key.Key) (bool, error) {
	if len(e.negatives) == 0 {
		return true, nil
	}
	for _, i := range e.negatives {
		leaf := e.ops[i].leaf
		if err := leaf.LocateEvent(cand); err != nil {
			return false, err
		}
		st := &e.state[i]
		st.top = nil
		if leaf.HasTop() {
			st.top = cand.Ptr()
		}
	}
	e.testTree()
	return e.state[e.plan.root].matched.has(cand), nil
}
