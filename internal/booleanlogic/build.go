package booleanlogic

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"shardscan/internal/fieldindex"
	"shardscan/internal/querylang"
)

type builder struct {
	logger *slog.Logger
}

// build maps a parsed query to a tree under a HEAD node, pushing NOT down
// to the leaves with De Morgan's laws. Subtrees the field index cannot
// answer are logged and dropped; the result may therefore be a childless
// HEAD, which collapse reports.
func build(expr querylang.Expr, logger *slog.Logger) (*treeNode, error) {
	b := builder{logger: logger}
	head := &treeNode{kind: KindHead}
	child, err := b.node(expr, false)
	switch {
	case errors.Is(err, ErrUnsupportedNode):
		b.drop(expr, err)
	case err != nil:
		return nil, err
	default:
		head.children = []*treeNode{child}
	}
	return head, nil
}

func (b *builder) drop(expr querylang.Expr, err error) {
	b.logger.Warn("dropping query node", "node", expr.String(), "error", err)
}

func (b *builder) node(expr querylang.Expr, negate bool) (*treeNode, error) {
	switch e := expr.(type) {
	case *querylang.AndExpr:
		return b.group(e.Terms, KindAnd, negate)
	case *querylang.OrExpr:
		return b.group(e.Terms, KindOr, negate)
	case *querylang.NotExpr:
		return b.node(e.Term, !negate)
	case *querylang.CompareExpr:
		return compare(e, negate), nil
	case *querylang.RangeExpr:
		return &treeNode{
			kind:  KindRange,
			field: strings.ToUpper(e.Field),
			bounds: fieldindex.Bounds{
				Lower: e.Lower, HasLower: true, LowerInclusive: e.LowerInclusive,
				Upper: e.Upper, HasUpper: true, UpperInclusive: e.UpperInclusive,
			},
			negated: negate,
		}, nil
	case *querylang.FuncExpr:
		return nil, fmt.Errorf("%w: function %s", ErrUnsupportedNode, e)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedNode, expr)
	}
}

// group builds an AND or OR over terms. Under negation the operator flips.
func (b *builder) group(terms []querylang.Expr, kind Kind, negate bool) (*treeNode, error) {
	if negate {
		if kind == KindAnd {
			kind = KindOr
		} else {
			kind = KindAnd
		}
	}
	g := &treeNode{kind: kind}
	for _, t := range terms {
		c, err := b.node(t, negate)
		if errors.Is(err, ErrUnsupportedNode) {
			b.drop(t, err)
			continue
		}
		if err != nil {
			return nil, err
		}
		g.children = append(g.children, c)
	}
	if kind == KindAnd {
		g.children = coalesceRanges(g.children)
	}
	return g, nil
}

func compare(e *querylang.CompareExpr, negate bool) *treeNode {
	n := &treeNode{field: strings.ToUpper(e.Field), negated: negate}
	switch e.Op {
	case querylang.OpEq:
		n.kind, n.value = KindEq, e.Value
	case querylang.OpNe:
		n.kind, n.value = KindEq, e.Value
		n.negated, n.queryNegated = !negate, true
	case querylang.OpRegex:
		n.kind, n.value = KindRegex, e.Value
	case querylang.OpNotRegex:
		n.kind, n.value = KindRegex, e.Value
		n.negated, n.queryNegated = !negate, true
	case querylang.OpLt:
		n.kind = KindRange
		n.bounds = fieldindex.Bounds{Upper: e.Value, HasUpper: true}
	case querylang.OpLe:
		n.kind = KindRange
		n.bounds = fieldindex.Bounds{Upper: e.Value, HasUpper: true, UpperInclusive: true}
	case querylang.OpGt:
		n.kind = KindRange
		n.bounds = fieldindex.Bounds{Lower: e.Value, HasLower: true}
	case querylang.OpGe:
		n.kind = KindRange
		n.bounds = fieldindex.Bounds{Lower: e.Value, HasLower: true, LowerInclusive: true}
	}
	return n
}

// coalesceRanges merges a lower-only and an upper-only positive range on
// the same field into one bounded range. The merged leaf takes the place of
// whichever came first.
func coalesceRanges(children []*treeNode) []*treeNode {
	out := make([]*treeNode, 0, len(children))
	lowers := make(map[string]*treeNode)
	uppers := make(map[string]*treeNode)
	for _, c := range children {
		if c.kind != KindRange || c.negated || c.bounds.HasLower == c.bounds.HasUpper {
			out = append(out, c)
			continue
		}
		if c.bounds.HasLower {
			if u, ok := uppers[c.field]; ok {
				u.bounds.Lower, u.bounds.HasLower, u.bounds.LowerInclusive = c.bounds.Lower, true, c.bounds.LowerInclusive
				delete(uppers, c.field)
				continue
			}
			lowers[c.field] = c
		} else {
			if l, ok := lowers[c.field]; ok {
				l.bounds.Upper, l.bounds.HasUpper, l.bounds.UpperInclusive = c.bounds.Upper, true, c.bounds.UpperInclusive
				delete(lowers, c.field)
				continue
			}
			uppers[c.field] = c
		}
		out = append(out, c)
	}
	return out
}
