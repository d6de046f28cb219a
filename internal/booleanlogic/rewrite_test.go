package booleanlogic

import (
	"errors"
	"testing"

	"shardscan/internal/logging"
	"shardscan/internal/querylang"
)

func TestExplain(t *testing.T) {
	tests := []struct {
		name    string
		query   string
		negRoll bool
		want    string
	}{
		{
			name:  "single term",
			query: "name == 'bob'",
			want:  "HEAD\n  NAME == \"bob\"\n",
		},
		{
			name:  "and of terms becomes intersect",
			query: "A == '1' && B == '2'",
			want:  "HEAD\n  intersect{A == \"1\" && B == \"2\"}\n",
		},
		{
			name:  "or of terms becomes union",
			query: "A == '1' || B == '2'",
			want:  "HEAD\n  union{A == \"1\" || B == \"2\"}\n",
		},
		{
			name:  "partial roll-up",
			query: "A == '1' && B == '2' && C =~ 'x.*'",
			want:  "HEAD\n  AND\n    C =~ \"x.*\"\n    intersect{A == \"1\" && B == \"2\"}\n",
		},
		{
			name:  "wildcard values stay leaves",
			query: "A == 'a*' && B == '2'",
			want:  "HEAD\n  AND\n    A == \"a*\"\n    B == \"2\"\n",
		},
		{
			name:  "negations not rolled by default",
			query: "A == '1' && B != '2'",
			want:  "HEAD\n  AND\n    A == \"1\"\n    !(B == \"2\")\n",
		},
		{
			name:    "negations rolled on request",
			query:   "A == '1' && B != '2'",
			negRoll: true,
			want:    "HEAD\n  intersect{A == \"1\" && !(B == \"2\")}\n",
		},
		{
			name:    "negations alone never roll",
			query:   "A != '1' && B != '2'",
			negRoll: true,
			want:    "HEAD\n  AND [all negated]\n    !(A == \"1\")\n    !(B == \"2\")\n",
		},
		{
			name:  "not pushed down",
			query: "A == '1' && !(B == '2' || C == '3')",
			want:  "HEAD\n  AND\n    A == \"1\"\n    AND [all negated]\n      !(B == \"2\")\n      !(C == \"3\")\n",
		},
		{
			name:  "negated and becomes or",
			query: "!(A == '1' && B =~ 'x')",
			want:  "HEAD\n  OR [all negated]\n    !(A == \"1\")\n    !(B =~ \"x\")\n",
		},
		{
			name:  "double negation",
			query: "!(A != '1')",
			want:  "HEAD\n  A == \"1\"\n",
		},
		{
			name:  "mixed or is not all negated",
			query: "A != '1' || B == '2'",
			want:  "HEAD\n  OR\n    !(A == \"1\")\n    B == \"2\"\n",
		},
		{
			name:  "half ranges coalesce",
			query: "N > '2' && N <= '4'",
			want:  "HEAD\n  N in (\"2\", \"4\"]\n",
		},
		{
			name:  "half ranges on different fields",
			query: "N > '2' && M <= '4'",
			want:  "HEAD\n  AND\n    N in (\"2\", +inf)\n    M in (-inf, \"4\"]\n",
		},
		{
			name:  "open range",
			query: "N >= '3'",
			want:  "HEAD\n  N in [\"3\", +inf)\n",
		},
		{
			name:  "negated interval",
			query: "!(N in ['2', '4'])",
			want:  "HEAD\n  !(N in [\"2\", \"4\"])\n",
		},
		{
			name:  "function dropped and parent collapsed",
			query: "A == '1' && filter:isNull(B)",
			want:  "HEAD\n  A == \"1\"\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Explain(Config{Query: tt.query, RollupNegations: tt.negRoll}, logging.Discard())
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("got:\n%s\nwant:\n%s", got, tt.want)
			}
		})
	}
}

func TestExplainErrors(t *testing.T) {
	tests := []struct {
		query string
		want  error
	}{
		{"   ", ErrMissingQuery},
		{"A == '1' &&", ErrParse},
		{"filter:isNull(B)", ErrEmptyQueryTree},
		{"filter:isNull(B) || filter:isNull(C)", ErrEmptyQueryTree},
	}
	for _, tt := range tests {
		if _, err := Explain(Config{Query: tt.query}, nil); !errors.Is(err, tt.want) {
			t.Errorf("%q: err = %v, want %v", tt.query, err, tt.want)
		}
	}
}

func TestRewriteIdempotent(t *testing.T) {
	queries := []string{
		"A == '1' && B == '2' && C =~ 'x.*'",
		"(A == '1' || B == '2') && !(C == '3' || D == '4')",
		"A == '1' && B != '2' && (N > '1' || M < '2')",
		"(A == 'x' && B == 'x') || (C == 'y' && A == 'y')",
	}
	for _, q := range queries {
		for _, negRoll := range []bool{false, true} {
			head, err := build(querylang.MustParse(q), logging.Discard())
			if err != nil {
				t.Fatal(err)
			}
			opts := rewriteOptions{rollupNegations: negRoll}
			if err := rewrite(head, opts); err != nil {
				t.Fatal(err)
			}
			once := explainTree(head)
			again := head.clone()
			if err := rewrite(again, opts); err != nil {
				t.Fatal(err)
			}
			if twice := explainTree(again); twice != once {
				t.Errorf("%q: second rewrite changed the tree:\n%s\nto:\n%s", q, once, twice)
			}
		}
	}
}

func TestRewriteInconsistentHead(t *testing.T) {
	head := &treeNode{kind: KindHead, children: []*treeNode{
		{kind: KindEq, field: "A", value: "1"},
		{kind: KindEq, field: "B", value: "2"},
	}}
	if err := rewrite(head, rewriteOptions{}); !errors.Is(err, ErrInconsistentState) {
		t.Errorf("err = %v, want ErrInconsistentState", err)
	}
}

func TestQueryNegated(t *testing.T) {
	head, err := build(querylang.MustParse("A != '1' && !(B == '2') && !(C !~ 'x')"), logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	and := head.children[0]
	want := []struct{ negated, queryNegated bool }{{true, true}, {true, false}, {false, true}}
	for i, c := range and.children {
		if c.negated != want[i].negated || c.queryNegated != want[i].queryNegated {
			t.Errorf("%s: negated=%v queryNegated=%v, want %v", c, c.negated, c.queryNegated, want[i])
		}
	}
}

func TestHeadNeverAllNegated(t *testing.T) {
	p, err := compile(Config{Query: "A != '1' && B != '2'"}, logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	head := p.nodes[p.root]
	if head.allNegated {
		t.Error("head flagged all negated")
	}
	if child := p.nodes[head.children[0]]; !child.allNegated {
		t.Errorf("%v child not flagged all negated", child.kind)
	}
}

func TestFreeze(t *testing.T) {
	p, err := compile(Config{Query: "A == '1' && (B == '2' || C =~ 'x') && D != '3'"}, logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	if p.post[len(p.post)-1] != p.root || p.nodes[p.root].kind != KindHead {
		t.Fatalf("root %d is not last in post order", p.root)
	}
	seen := make(map[int]bool)
	for _, i := range p.post {
		for _, c := range p.nodes[i].children {
			if !seen[c] {
				t.Errorf("node %d visited before child %d", i, c)
			}
		}
		seen[i] = true
	}
	// A, B, C and D are leaves; nothing rolls because the terms are split
	// across an OR and a negation.
	if got := len(p.iterators); got != 4 {
		t.Errorf("iterators = %d, want 4", got)
	}
	for _, i := range p.iterators {
		if !p.nodes[i].leaf() {
			t.Errorf("iterator node %d is not a leaf", i)
		}
	}
}
