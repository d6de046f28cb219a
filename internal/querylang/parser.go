package querylang

import (
	"errors"

	"github.com/grafana/regexp"
)

// Parser parses a query string into an AST.
//
// Grammar (EBNF):
//
//	query      = or_expr EOF
//	or_expr    = and_expr ( ( "||" | "OR" ) and_expr )*
//	and_expr   = unary_expr ( ( "&&" | "AND" ) unary_expr )*
//	unary_expr = ( "!" | "NOT" ) unary_expr | primary
//	primary    = "(" or_expr ")" | function | comparison
//	comparison = WORD op value | WORD "IN" interval
//	op         = "==" | "!=" | "=~" | "!~" | "<" | "<=" | ">" | ">="
//	interval   = ( "[" | "(" ) value "," value ( "]" | ")" )
//	function   = WORD [ ":" WORD ] "(" [ value ( "," value )* ] ")"
//	value      = WORD | STRING
//
// Precedence (highest to lowest):
//  1. Parentheses
//  2. NOT (prefix, right-associative)
//  3. AND
//  4. OR
type parser struct {
	lex *Lexer
	cur Token
}

// Parse parses a query string into an AST. Syntax errors are *ParseError
// values quoting input.
func Parse(input string) (Expr, error) {
	expr, err := parse(input)
	var pe *ParseError
	if errors.As(err, &pe) {
		pe.Query = input
	}
	return expr, err
}

func parse(input string) (Expr, error) {
	p := &parser{lex: NewLexer(input)}

	// Prime the parser with the first token.
	if err := p.advance(); err != nil {
		return nil, err
	}

	// Check for empty query.
	if p.cur.Kind == TokEOF {
		return nil, newParseError(0, ErrEmptyQuery, "empty query")
	}

	expr, err := p.parseOrExpr()
	if err != nil {
		return nil, err
	}

	// Ensure we consumed all input.
	if p.cur.Kind != TokEOF {
		if p.cur.Kind == TokRParen {
			return nil, newParseError(p.cur.Pos, ErrUnmatchedParen, "unmatched closing parenthesis")
		}
		return nil, newParseError(p.cur.Pos, ErrUnexpectedToken, "unexpected token: %s", p.cur.Lit)
	}

	return expr, nil
}

// MustParse is Parse for queries known to be valid; it panics on error.
func MustParse(input string) Expr {
	e, err := Parse(input)
	if err != nil {
		panic(err)
	}
	return e
}

// advance moves to the next token.
func (p *parser) advance() error {
	tok, err := p.lex.Next()
	if err != nil {
		return err
	}
	p.cur = tok
	return nil
}

// expect consumes a token of the given kind.
func (p *parser) expect(kind TokenKind, sentinel error) (Token, error) {
	if p.cur.Kind != kind {
		if p.cur.Kind == TokEOF {
			return Token{}, newParseError(p.cur.Pos, ErrUnexpectedEOF, "expected %s, got end of query", kind)
		}
		return Token{}, newParseError(p.cur.Pos, sentinel, "expected %s, got %s", kind, p.describe())
	}
	tok := p.cur
	return tok, p.advance()
}

func (p *parser) describe() string {
	if p.cur.Lit != "" {
		return p.cur.Lit
	}
	return p.cur.Kind.String()
}

// parseOrExpr parses: or_expr = and_expr ( "||" and_expr )*
func (p *parser) parseOrExpr() (Expr, error) {
	left, err := p.parseAndExpr()
	if err != nil {
		return nil, err
	}

	for p.cur.Kind == TokOr {
		if err := p.advance(); err != nil {
			return nil, err
		}

		right, err := p.parseAndExpr()
		if err != nil {
			return nil, err
		}

		left = flattenOr(left, right)
	}

	return left, nil
}

// parseAndExpr parses: and_expr = unary_expr ( "&&" unary_expr )*
func (p *parser) parseAndExpr() (Expr, error) {
	left, err := p.parseUnaryExpr()
	if err != nil {
		return nil, err
	}

	for p.cur.Kind == TokAnd {
		if err := p.advance(); err != nil {
			return nil, err
		}

		right, err := p.parseUnaryExpr()
		if err != nil {
			return nil, err
		}

		left = flattenAnd(left, right)
	}

	return left, nil
}

// parseUnaryExpr parses: unary_expr = "!" unary_expr | primary
func (p *parser) parseUnaryExpr() (Expr, error) {
	if p.cur.Kind == TokNot {
		if err := p.advance(); err != nil {
			return nil, err
		}
		term, err := p.parseUnaryExpr()
		if err != nil {
			return nil, err
		}
		return &NotExpr{Term: term}, nil
	}
	return p.parsePrimary()
}

// parsePrimary parses a parenthesized expression, a function call or a
// comparison.
func (p *parser) parsePrimary() (Expr, error) {
	switch p.cur.Kind {
	case TokLParen:
		openPos := p.cur.Pos
		if err := p.advance(); err != nil {
			return nil, err
		}
		expr, err := p.parseOrExpr()
		if err != nil {
			return nil, err
		}
		if p.cur.Kind != TokRParen {
			return nil, newParseError(openPos, ErrUnmatchedParen, "unmatched parenthesis opened at position %d", openPos)
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		return expr, nil

	case TokWord:
		name := p.cur
		if err := p.advance(); err != nil {
			return nil, err
		}
		if p.cur.Kind == TokColon || p.cur.Kind == TokLParen {
			return p.parseFunction(name)
		}
		return p.parseComparison(name)

	case TokEOF:
		return nil, newParseError(p.cur.Pos, ErrUnexpectedEOF, "unexpected end of query")

	default:
		return nil, newParseError(p.cur.Pos, ErrUnexpectedToken, "unexpected token: %s", p.describe())
	}
}

// parseComparison parses the operator and operand after a field name.
func (p *parser) parseComparison(field Token) (Expr, error) {
	var op CompareOp
	switch p.cur.Kind {
	case TokEq:
		op = OpEq
	case TokNe:
		op = OpNe
	case TokMatch:
		op = OpRegex
	case TokNotMatch:
		op = OpNotRegex
	case TokLt:
		op = OpLt
	case TokLe:
		op = OpLe
	case TokGt:
		op = OpGt
	case TokGe:
		op = OpGe
	case TokIn:
		if err := p.advance(); err != nil {
			return nil, err
		}
		return p.parseInterval(field)
	case TokEOF:
		return nil, newParseError(p.cur.Pos, ErrUnexpectedEOF, "expected operator after %s", field.Lit)
	default:
		return nil, newParseError(p.cur.Pos, ErrUnexpectedToken, "expected operator after %s, got %s", field.Lit, p.describe())
	}
	if err := p.advance(); err != nil {
		return nil, err
	}

	value, err := p.parseValue()
	if err != nil {
		return nil, err
	}

	if op == OpRegex || op == OpNotRegex {
		if _, err := regexp.Compile(value.Lit); err != nil {
			return nil, newParseError(value.Pos, ErrInvalidRegex, "invalid regex %q: %v", value.Lit, err)
		}
	}

	return &CompareExpr{Field: field.Lit, Op: op, Value: value.Lit}, nil
}

// parseInterval parses: interval = ( "[" | "(" ) value "," value ( "]" | ")" )
func (p *parser) parseInterval(field Token) (Expr, error) {
	r := &RangeExpr{Field: field.Lit}
	switch p.cur.Kind {
	case TokLBracket:
		r.LowerInclusive = true
	case TokLParen:
	default:
		return nil, newParseError(p.cur.Pos, ErrInvalidInterval, "expected [ or ( after in, got %s", p.describe())
	}
	openPos := p.cur.Pos
	if err := p.advance(); err != nil {
		return nil, err
	}

	lower, err := p.parseValue()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(TokComma, ErrInvalidInterval); err != nil {
		return nil, err
	}
	upper, err := p.parseValue()
	if err != nil {
		return nil, err
	}

	switch p.cur.Kind {
	case TokRBracket:
		r.UpperInclusive = true
	case TokRParen:
	default:
		return nil, newParseError(p.cur.Pos, ErrInvalidInterval, "expected ] or ) to close interval, got %s", p.describe())
	}
	if err := p.advance(); err != nil {
		return nil, err
	}

	r.Lower, r.Upper = lower.Lit, upper.Lit
	if r.Lower > r.Upper {
		return nil, newParseError(openPos, ErrInvalidInterval, "interval lower bound %q is above upper bound %q", r.Lower, r.Upper)
	}
	return r, nil
}

// parseFunction parses the remainder of a function call after its first
// identifier.
func (p *parser) parseFunction(first Token) (Expr, error) {
	f := &FuncExpr{Name: first.Lit}
	if p.cur.Kind == TokColon {
		if err := p.advance(); err != nil {
			return nil, err
		}
		name, err := p.expect(TokWord, ErrUnexpectedToken)
		if err != nil {
			return nil, err
		}
		f.Namespace, f.Name = first.Lit, name.Lit
	}
	openPos := p.cur.Pos
	if _, err := p.expect(TokLParen, ErrUnexpectedToken); err != nil {
		return nil, err
	}
	for p.cur.Kind != TokRParen {
		if p.cur.Kind == TokEOF {
			return nil, newParseError(openPos, ErrUnmatchedParen, "unmatched parenthesis opened at position %d", openPos)
		}
		if len(f.Args) > 0 {
			if _, err := p.expect(TokComma, ErrUnexpectedToken); err != nil {
				return nil, err
			}
		}
		arg, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		f.Args = append(f.Args, arg.Lit)
	}
	if err := p.advance(); err != nil {
		return nil, err
	}
	return f, nil
}

// parseValue consumes a bareword or quoted string.
func (p *parser) parseValue() (Token, error) {
	switch p.cur.Kind {
	case TokWord, TokString:
		tok := p.cur
		return tok, p.advance()
	case TokEOF:
		return Token{}, newParseError(p.cur.Pos, ErrUnexpectedEOF, "expected value, got end of query")
	default:
		return Token{}, newParseError(p.cur.Pos, ErrUnexpectedToken, "expected value, got %s", p.describe())
	}
}
