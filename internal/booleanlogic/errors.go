package booleanlogic

import "errors"

var (
	// ErrEmptyQueryTree is returned when nothing evaluable is left of the
	// query after unsupported nodes are dropped and branches collapsed.
	ErrEmptyQueryTree = errors.New("query tree is empty")
	// ErrUnsupportedNode marks a query node with no field-index mapping.
	// The builder logs it and drops the subtree.
	ErrUnsupportedNode = errors.New("unsupported query node")
	// ErrInconsistentState is returned when the evaluation tree and its
	// iterators disagree.
	ErrInconsistentState = errors.New("inconsistent evaluator state")
	// ErrMissingQuery is returned when FIELD_INDEX_QUERY is absent or blank.
	ErrMissingQuery = errors.New("missing field index query")
	// ErrInvalidOption is returned for an option value that does not parse.
	ErrInvalidOption = errors.New("invalid option")
	// ErrParse wraps a querylang.ParseError.
	ErrParse = errors.New("query parse failed")
)
