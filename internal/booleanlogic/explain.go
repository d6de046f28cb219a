package booleanlogic

import (
	"fmt"
	"log/slog"
	"strings"

	"shardscan/internal/logging"
	"shardscan/internal/querylang"
)

// Explain parses and rewrites the configured query as an evaluator would and
// renders the resulting tree, one node per line.
func Explain(cfg Config, logger *slog.Logger) (string, error) {
	p, err := compile(cfg, logging.Default(logger))
	if err != nil {
		return "", err
	}
	return p.text, nil
}

// compile turns the query of cfg into an evaluation plan.
func compile(cfg Config, logger *slog.Logger) (*plan, error) {
	if strings.TrimSpace(cfg.Query) == "" {
		return nil, ErrMissingQuery
	}
	expr, err := querylang.Parse(cfg.Query)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrParse, err)
	}
	head, err := build(expr, logger)
	if err != nil {
		return nil, err
	}
	if err := rewrite(head, rewriteOptions{rollupNegations: cfg.RollupNegations}); err != nil {
		return nil, fmt.Errorf("rewrite %q: %w", cfg.Query, err)
	}
	p := freeze(head)
	logger.Debug("query tree built", "query", cfg.Query, "tree", head.String(), "nodes", len(p.nodes))
	return p, nil
}

func explainTree(head *treeNode) string {
	var b strings.Builder
	var walk func(n *treeNode, depth int)
	walk = func(n *treeNode, depth int) {
		b.WriteString(strings.Repeat("  ", depth))
		if n.internal() {
			b.WriteString(n.kind.String())
			if n.allNegated {
				b.WriteString(" [all negated]")
			}
		} else {
			b.WriteString(n.String())
		}
		b.WriteByte('\n')
		for _, c := range n.children {
			walk(c, depth+1)
		}
	}
	walk(head, 0)
	return b.String()
}
