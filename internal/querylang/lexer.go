package querylang

import (
	"strings"
)

// TokenKind identifies the type of lexical token.
type TokenKind int

const (
	TokEOF      TokenKind = iota
	TokWord               // bareword
	TokString             // quoted string (quotes stripped, escapes processed)
	TokOr                 // || or OR (case-insensitive)
	TokAnd                // && or AND (case-insensitive)
	TokNot                // ! or NOT (case-insensitive)
	TokIn                 // IN (case-insensitive)
	TokLParen             // (
	TokRParen             // )
	TokLBracket           // [
	TokRBracket           // ]
	TokComma              // ,
	TokColon              // :
	TokEq                 // ==
	TokNe                 // !=
	TokMatch              // =~
	TokNotMatch           // !~
	TokLt                 // <
	TokLe                 // <=
	TokGt                 // >
	TokGe                 // >=
)

var tokenNames = map[TokenKind]string{
	TokEOF:      "EOF",
	TokWord:     "WORD",
	TokString:   "STRING",
	TokOr:       "OR",
	TokAnd:      "AND",
	TokNot:      "NOT",
	TokIn:       "IN",
	TokLParen:   "(",
	TokRParen:   ")",
	TokLBracket: "[",
	TokRBracket: "]",
	TokComma:    ",",
	TokColon:    ":",
	TokEq:       "==",
	TokNe:       "!=",
	TokMatch:    "=~",
	TokNotMatch: "!~",
	TokLt:       "<",
	TokLe:       "<=",
	TokGt:       ">",
	TokGe:       ">=",
}

var singleCharTokens = map[byte]TokenKind{
	'(': TokLParen, ')': TokRParen,
	'[': TokLBracket, ']': TokRBracket,
	',': TokComma, ':': TokColon,
	'!': TokNot, '<': TokLt, '>': TokGt,
}

func (k TokenKind) String() string {
	if s, ok := tokenNames[k]; ok {
		return s
	}
	return "UNKNOWN"
}

// Token represents a lexical token.
type Token struct {
	Kind TokenKind
	Lit  string // for quoted strings: unescaped content without quotes
	Pos  int    // byte offset in input for error reporting
}

// Lexer tokenizes a query string.
type Lexer struct {
	input string
	pos   int // current position in input
}

// NewLexer creates a new lexer for the given input.
func NewLexer(input string) *Lexer {
	return &Lexer{input: input}
}

// Next returns the next token.
func (l *Lexer) Next() (Token, error) {
	l.skipWhitespace()

	if l.pos >= len(l.input) {
		return Token{Kind: TokEOF, Pos: l.pos}, nil
	}

	startPos := l.pos
	ch := l.input[l.pos]

	// Two-character operators first.
	if l.pos+1 < len(l.input) {
		pair := l.input[l.pos : l.pos+2]
		var kind TokenKind
		switch pair {
		case "&&":
			kind = TokAnd
		case "||":
			kind = TokOr
		case "==":
			kind = TokEq
		case "!=":
			kind = TokNe
		case "=~":
			kind = TokMatch
		case "!~":
			kind = TokNotMatch
		case "<=":
			kind = TokLe
		case ">=":
			kind = TokGe
		}
		if kind != TokEOF {
			l.pos += 2
			return Token{Kind: kind, Lit: pair, Pos: startPos}, nil
		}
	}

	if kind, ok := singleCharTokens[ch]; ok {
		l.pos++
		return Token{Kind: kind, Lit: string(ch), Pos: startPos}, nil
	}

	switch ch {
	case '"', '\'':
		return l.scanQuotedString(ch)
	case '=', '&', '|', '~':
		return Token{}, newParseError(startPos, ErrUnexpectedChar, "unexpected character %q", ch)
	}

	return l.scanBareword()
}

// Peek returns the next token without consuming it.
func (l *Lexer) Peek() (Token, error) {
	savedPos := l.pos
	tok, err := l.Next()
	l.pos = savedPos
	return tok, err
}

// skipWhitespace advances past whitespace characters.
func (l *Lexer) skipWhitespace() {
	for l.pos < len(l.input) {
		ch := l.input[l.pos]
		if ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r' {
			l.pos++
		} else {
			break
		}
	}
}

// scanQuotedString scans a quoted string, processing escape sequences.
// Backslashes before characters other than the listed escapes are kept so
// regex patterns can be written without doubling them.
func (l *Lexer) scanQuotedString(quote byte) (Token, error) {
	startPos := l.pos
	l.pos++ // skip opening quote

	var sb strings.Builder
	for l.pos < len(l.input) {
		ch := l.input[l.pos]

		if ch == quote {
			l.pos++ // skip closing quote
			return Token{Kind: TokString, Lit: sb.String(), Pos: startPos}, nil
		}

		if ch == '\\' {
			l.pos++
			if l.pos >= len(l.input) {
				return Token{}, newParseError(l.pos-1, ErrUnterminatedString, "unterminated string: escape at end of input")
			}

			escaped := l.input[l.pos]
			switch escaped {
			case '\\':
				sb.WriteByte('\\')
			case '"':
				sb.WriteByte('"')
			case '\'':
				sb.WriteByte('\'')
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			case 'r':
				sb.WriteByte('\r')
			case '0':
				return Token{}, newParseError(l.pos-1, ErrInvalidEscape, "invalid escape sequence: \\0")
			default:
				sb.WriteByte('\\')
				sb.WriteByte(escaped)
			}
			l.pos++
			continue
		}

		sb.WriteByte(ch)
		l.pos++
	}

	return Token{}, newParseError(startPos, ErrUnterminatedString, "unterminated string starting at position %d", startPos)
}

// scanBareword scans a bareword token, which may be a keyword.
func (l *Lexer) scanBareword() (Token, error) {
	startPos := l.pos
	for l.pos < len(l.input) && isBarewordChar(l.input[l.pos]) {
		l.pos++
	}
	lit := l.input[startPos:l.pos]
	return Token{Kind: classifyWord(lit), Lit: lit, Pos: startPos}, nil
}

// isBarewordChar returns true if ch can be part of a bareword.
func isBarewordChar(ch byte) bool {
	switch ch {
	case ' ', '\t', '\n', '\r':
		return false
	case '(', ')', '[', ']', ',', ':', '=', '!', '~', '<', '>', '&', '|', '"', '\'':
		return false
	default:
		return true
	}
}

// classifyWord checks if a word is a keyword (case-insensitive).
func classifyWord(word string) TokenKind {
	switch strings.ToUpper(word) {
	case "OR":
		return TokOr
	case "AND":
		return TokAnd
	case "NOT":
		return TokNot
	case "IN":
		return TokIn
	default:
		return TokWord
	}
}
