// Package querylang parses field-index query strings into an AST.
//
// The language is a small JEXL-like boolean expression syntax:
//
//	NAME == 'bob' && (AGE >= 21 || !(CITY =~ 'par.*'))
//
// This package is a frontend parsing layer only. It does not know about
// indexes, partitions or storage.
package querylang

import (
	"fmt"
	"strconv"
	"strings"
)

// Expr is the interface for all AST nodes.
// The marker method prevents external types from implementing Expr.
type Expr interface {
	expr()
	// String returns a human-readable representation of the expression.
	String() string
}

// AndExpr represents logical AND of multiple expressions.
// Invariant: len(Terms) >= 2
type AndExpr struct {
	Terms []Expr
}

func (AndExpr) expr() {}

func (a *AndExpr) String() string {
	parts := make([]string, len(a.Terms))
	for i, t := range a.Terms {
		parts[i] = t.String()
	}
	return "(" + strings.Join(parts, " && ") + ")"
}

// OrExpr represents logical OR of multiple expressions.
// Invariant: len(Terms) >= 2
type OrExpr struct {
	Terms []Expr
}

func (OrExpr) expr() {}

func (o *OrExpr) String() string {
	parts := make([]string, len(o.Terms))
	for i, t := range o.Terms {
		parts[i] = t.String()
	}
	return "(" + strings.Join(parts, " || ") + ")"
}

// NotExpr represents logical negation.
type NotExpr struct {
	Term Expr
}

func (NotExpr) expr() {}

func (n *NotExpr) String() string {
	return "!" + n.Term.String()
}

// CompareOp is a field comparison operator.
type CompareOp int

const (
	OpEq       CompareOp = iota // ==
	OpNe                        // !=
	OpRegex                     // =~
	OpNotRegex                  // !~
	OpLt                        // <
	OpLe                        // <=
	OpGt                        // >
	OpGe                        // >=
)

func (op CompareOp) String() string {
	switch op {
	case OpEq:
		return "=="
	case OpNe:
		return "!="
	case OpRegex:
		return "=~"
	case OpNotRegex:
		return "!~"
	case OpLt:
		return "<"
	case OpLe:
		return "<="
	case OpGt:
		return ">"
	case OpGe:
		return ">="
	default:
		return "?"
	}
}

// CompareExpr compares a field against a literal.
type CompareExpr struct {
	Field string
	Op    CompareOp
	Value string
}

func (CompareExpr) expr() {}

func (c *CompareExpr) String() string {
	return fmt.Sprintf("%s %s %s", c.Field, c.Op, strconv.Quote(c.Value))
}

// RangeExpr is a bounded interval test: Field in [Lower, Upper].
type RangeExpr struct {
	Field          string
	Lower          string
	LowerInclusive bool
	Upper          string
	UpperInclusive bool
}

func (RangeExpr) expr() {}

func (r *RangeExpr) String() string {
	open, closing := "(", ")"
	if r.LowerInclusive {
		open = "["
	}
	if r.UpperInclusive {
		closing = "]"
	}
	return fmt.Sprintf("%s in %s%s, %s%s", r.Field, open, strconv.Quote(r.Lower), strconv.Quote(r.Upper), closing)
}

// FuncExpr is a function call such as filter:includeRegex(NAME, 'b.*').
// Functions are informational for the field index and are evaluated later
// against the full record.
type FuncExpr struct {
	Namespace string
	Name      string
	Args      []string
}

func (FuncExpr) expr() {}

func (f *FuncExpr) String() string {
	args := make([]string, len(f.Args))
	for i, a := range f.Args {
		args[i] = strconv.Quote(a)
	}
	name := f.Name
	if f.Namespace != "" {
		name = f.Namespace + ":" + f.Name
	}
	return name + "(" + strings.Join(args, ", ") + ")"
}

// flattenAnd combines two expressions into an AndExpr, flattening nested AndExprs.
func flattenAnd(left, right Expr) Expr {
	var terms []Expr

	if a, ok := left.(*AndExpr); ok {
		terms = append(terms, a.Terms...)
	} else {
		terms = append(terms, left)
	}

	if a, ok := right.(*AndExpr); ok {
		terms = append(terms, a.Terms...)
	} else {
		terms = append(terms, right)
	}

	return &AndExpr{Terms: terms}
}

// flattenOr combines two expressions into an OrExpr, flattening nested OrExprs.
func flattenOr(left, right Expr) Expr {
	var terms []Expr

	if o, ok := left.(*OrExpr); ok {
		terms = append(terms, o.Terms...)
	} else {
		terms = append(terms, left)
	}

	if o, ok := right.(*OrExpr); ok {
		terms = append(terms, o.Terms...)
	} else {
		terms = append(terms, right)
	}

	return &OrExpr{Terms: terms}
}

// Fields returns the distinct field names referenced by comparisons and
// ranges in expr, in first-seen order.
func Fields(expr Expr) []string {
	seen := make(map[string]bool)
	var out []string
	var walk func(Expr)
	walk = func(e Expr) {
		switch n := e.(type) {
		case *AndExpr:
			for _, t := range n.Terms {
				walk(t)
			}
		case *OrExpr:
			for _, t := range n.Terms {
				walk(t)
			}
		case *NotExpr:
			walk(n.Term)
		case *CompareExpr:
			if !seen[n.Field] {
				seen[n.Field] = true
				out = append(out, n.Field)
			}
		case *RangeExpr:
			if !seen[n.Field] {
				seen[n.Field] = true
				out = append(out, n.Field)
			}
		}
	}
	walk(expr)
	return out
}
