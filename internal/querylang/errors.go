package querylang

import (
	"errors"
	"fmt"
)

// Sentinels carried by ParseError. Match them with errors.Is.
var (
	ErrEmptyQuery         = errors.New("empty query")
	ErrUnexpectedChar     = errors.New("unexpected character")
	ErrUnterminatedString = errors.New("unterminated string")
	ErrInvalidEscape      = errors.New("invalid escape sequence")
	ErrUnmatchedParen     = errors.New("unmatched parenthesis")
	ErrUnexpectedToken    = errors.New("unexpected token")
	ErrUnexpectedEOF      = errors.New("unexpected end of query")
	ErrInvalidRegex       = errors.New("invalid regex")
	ErrInvalidInterval    = errors.New("invalid interval")
)

// excerptLen is how much of the query after Pos an error quotes.
const excerptLen = 16

// ParseError locates a syntax error in a query.
type ParseError struct {
	Query   string
	Pos     int // byte offset into Query
	Message string
	Err     error
}

func (e *ParseError) Error() string {
	if e.Query == "" {
		return fmt.Sprintf("query offset %d: %s", e.Pos, e.Message)
	}
	return fmt.Sprintf("query offset %d near %q: %s", e.Pos, e.near(), e.Message)
}

func (e *ParseError) Unwrap() error { return e.Err }

// near is the text of Query from Pos, cut to excerptLen bytes.
func (e *ParseError) near() string {
	rest := e.Query[min(max(e.Pos, 0), len(e.Query)):]
	if len(rest) > excerptLen {
		return rest[:excerptLen] + "..."
	}
	return rest
}

func newParseError(pos int, err error, msgFmt string, args ...any) *ParseError {
	return &ParseError{Pos: pos, Message: fmt.Sprintf(msgFmt, args...), Err: err}
}
