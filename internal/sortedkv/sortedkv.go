// Package sortedkv defines the sorted key-value iterator contract that every
// layer of the scan stack implements, from storage cursors up to the boolean
// evaluator.
//
// Iterators are single-goroutine. DeepCopy returns an independent iterator
// over the same data that can be driven from another goroutine.
package sortedkv

import (
	"bytes"
	"errors"
	"fmt"

	"shardscan/internal/key"
)

// ErrInterrupted signals voluntary cancellation of a scan. It is returned
// as is through every layer and is never wrapped.
var ErrInterrupted = errors.New("iteration interrupted")

// Iterator is a positioned cursor over sorted key-value pairs.
type Iterator interface {
	// Seek positions the iterator at the first entry within r whose column
	// family passes the filter. With inclusive set only the listed families
	// pass; otherwise the listed families are excluded. An empty exclusion
	// list passes everything.
	Seek(r key.Range, columnFamilies [][]byte, inclusive bool) error
	// Next advances past the current entry.
	Next() error
	HasTop() bool
	// TopKey and TopValue are only meaningful while HasTop is true. The
	// returned slices must not be modified.
	TopKey() key.Key
	TopValue() []byte
	// DeepCopy returns an independent iterator over the same source.
	DeepCopy() Iterator
}

// JumpingIterator can skip forward without a full reseek.
type JumpingIterator interface {
	Iterator
	// Jump moves the iterator to the first entry at or after k when its
	// current entry is behind k. It reports whether the iterator has a top.
	Jump(k key.Key) (bool, error)
}

// Entry is one key-value pair.
type Entry struct {
	Key   key.Key
	Value []byte
}

// Writer accepts entries in any order.
type Writer interface {
	Write(entries []Entry) error
}

// Source opens iterators over a store.
type Source interface {
	NewIterator() Iterator
}

// Annotate wraps err with a stage description. ErrInterrupted passes
// through untouched so callers can tell cancellation from faults.
func Annotate(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrInterrupted) {
		return err
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// FamilyFilter implements the column-family filter of Seek.
type FamilyFilter struct {
	families  [][]byte
	inclusive bool
}

// NewFamilyFilter copies the family list.
func NewFamilyFilter(families [][]byte, inclusive bool) FamilyFilter {
	f := FamilyFilter{inclusive: inclusive}
	for _, cf := range families {
		f.families = append(f.families, bytes.Clone(cf))
	}
	return f
}

// Accept reports whether cf passes the filter.
func (f FamilyFilter) Accept(cf []byte) bool {
	if len(f.families) == 0 {
		return !f.inclusive
	}
	for _, want := range f.families {
		if bytes.Equal(want, cf) {
			return f.inclusive
		}
	}
	return !f.inclusive
}

// Collect seeks it to r and returns every entry it yields.
func Collect(it Iterator, r key.Range) ([]Entry, error) {
	if err := it.Seek(r, nil, false); err != nil {
		return nil, err
	}
	var out []Entry
	for it.HasTop() {
		out = append(out, Entry{Key: it.TopKey().Clone(), Value: bytes.Clone(it.TopValue())})
		if err := it.Next(); err != nil {
			return out, err
		}
	}
	return out, nil
}

// Rows returns the distinct rows of it within r in order, jumping from one
// row to the next.
func Rows(it Iterator, r key.Range) ([][]byte, error) {
	if err := it.Seek(r, nil, false); err != nil {
		return nil, err
	}
	var rows [][]byte
	for it.HasTop() {
		row := bytes.Clone(it.TopKey().Row)
		rows = append(rows, row)
		next := key.NewBytes(row, nil, nil).Following(key.Row)
		if r.AfterEnd(next) {
			break
		}
		if err := it.Seek(key.Range{Start: &next, StartInclusive: true, End: r.End, EndInclusive: r.EndInclusive}, nil, false); err != nil {
			return rows, err
		}
	}
	return rows, nil
}
