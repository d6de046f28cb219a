// Package merge combines several field-index scans of a partition into one
// ordered stream of event keys.
//
// Intersect walks raw storage cursors, one per term, and emits the records
// present under every positive term and absent under every negated one.
// Union merges term leaves and emits each record once.
package merge

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"shardscan/internal/key"
	"shardscan/internal/logging"
	"shardscan/internal/metrics"
	"shardscan/internal/shardkey"
	"shardscan/internal/sortedkv"
)

var (
	// ErrAllSourcesNegated is returned when an intersect has no positive term
	// to anchor it.
	ErrAllSourcesNegated = errors.New("intersect requires at least one non-negated term")
	// ErrTooFewSources is returned for an intersect of fewer than two terms.
	ErrTooFewSources = errors.New("intersect requires two or more terms")
)

// Term is one field equality of an intersect.
type Term struct {
	Field   string
	Value   string
	Negated bool
}

func (t Term) String() string {
	s := fmt.Sprintf("%s == %q", t.Field, t.Value)
	if t.Negated {
		return "!(" + s + ")"
	}
	return s
}

// Options configures a merge iterator.
type Options struct {
	// Filter, when set, rejects field-index entries before they take part
	// in the merge.
	Filter  func(k key.Key) bool
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

type termSource struct {
	it       sortedkv.Iterator
	term     Term
	fiName   []byte
	value    []byte
	families [][]byte
}

func newTermSource(it sortedkv.Iterator, t Term) *termSource {
	fiName := shardkey.IndexColumn(t.Field)
	return &termSource{it: it, term: t, fiName: fiName, value: []byte(t.Value), families: [][]byte{fiName}}
}

// Intersect is a seek-the-laggard merge over the index slots of several
// terms within each partition. Every source is a private copy of the
// storage iterator, seeked with its own index column as the family filter.
//
// The cursor is the (partition, datatype\x00uid) pair all sources must agree
// on. Each round moves the first source that disagrees: behind sources are
// seeked forward, a source ahead moves the cursor. A round without any move
// is a match.
type Intersect struct {
	sources []*termSource
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Metrics

	overall      key.Range
	parentEndRow []byte

	hasRow bool
	row    []byte
	docID  []byte
	top    *key.Key
}

var _ sortedkv.JumpingIterator = (*Intersect)(nil)

// NewIntersect builds an intersect of terms over copies of src. The first
// positive term is moved to the front; it drives Next.
func NewIntersect(src sortedkv.Iterator, terms []Term, opts Options) (*Intersect, error) {
	if len(terms) < 2 {
		return nil, ErrTooFewSources
	}
	ordered := append([]Term(nil), terms...)
	if ordered[0].Negated {
		for i := 1; i < len(ordered); i++ {
			if !ordered[i].Negated {
				ordered[0], ordered[i] = ordered[i], ordered[0]
				break
			}
		}
		if ordered[0].Negated {
			return nil, ErrAllSourcesNegated
		}
	}
	in := &Intersect{
		opts:    opts,
		logger:  logging.Default(opts.Logger).With("component", "intersect"),
		metrics: opts.Metrics,
	}
	for _, t := range ordered {
		in.sources = append(in.sources, newTermSource(src.DeepCopy(), t))
	}
	return in, nil
}

// Terms returns the terms in source order.
func (in *Intersect) Terms() []Term {
	out := make([]Term, len(in.sources))
	for i, s := range in.sources {
		out[i] = s.term
	}
	return out
}

func (in *Intersect) String() string {
	parts := make([]string, len(in.sources))
	for i, s := range in.sources {
		parts[i] = s.term.String()
	}
	return "intersect{" + strings.Join(parts, " && ") + "}"
}

func (in *Intersect) HasTop() bool { return in.top != nil }

func (in *Intersect) TopKey() key.Key {
	if in.top == nil {
		return key.Key{}
	}
	return *in.top
}

func (in *Intersect) TopValue() []byte { return nil }

// DeepCopy returns an unpositioned intersect over copies of the sources.
func (in *Intersect) DeepCopy() sortedkv.Iterator {
	c := &Intersect{opts: in.opts, logger: in.logger, metrics: in.metrics}
	for _, s := range in.sources {
		c.sources = append(c.sources, newTermSource(s.it.DeepCopy(), s.term))
	}
	return c
}

// Seek positions the intersect on the first match within r. The family
// arguments are ignored in favour of each source's index column.
func (in *Intersect) Seek(r key.Range, _ [][]byte, _ bool) error {
	in.metrics.LeafSeek("intersect")
	in.hasRow = true
	in.row = nil
	if r.Start != nil {
		in.row = bytes.Clone(r.Start.Row)
	}
	in.docID = nil
	return in.doSeek(r)
}

func (in *Intersect) Next() error {
	if !in.hasRow {
		return nil
	}
	if err := in.sources[0].it.Next(); err != nil {
		return in.fail(sortedkv.Annotate(err, "next %s", in))
	}
	if err := in.advanceToIntersection(); err != nil {
		return in.fail(err)
	}
	in.checkRange()
	return nil
}

// Jump moves the intersect to the first match at or after the event key k.
// A jump into a later partition reseeks; a jump within the current
// partition reseeks from k's datatype\x00uid; an intersect already past k
// stays put.
func (in *Intersect) Jump(k key.Key) (bool, error) {
	if in.parentEndRow != nil && bytes.Compare(in.parentEndRow, k.Row) < 0 {
		in.clear()
		return false, nil
	}
	if in.top == nil {
		return false, nil
	}
	to := k.Clone()
	rest := key.Range{Start: &to, StartInclusive: true, End: in.overall.End, EndInclusive: in.overall.EndInclusive}
	switch c := bytes.Compare(in.top.Row, k.Row); {
	case c > 0:
		return true, nil
	case c < 0:
		if err := in.Seek(rest, nil, true); err != nil {
			return false, err
		}
		return in.HasTop(), nil
	}
	if len(k.ColumnFamily) > 0 && bytes.Compare(in.top.ColumnFamily, k.ColumnFamily) < 0 {
		in.hasRow = true
		in.row = bytes.Clone(k.Row)
		in.docID = bytes.Clone(k.ColumnFamily)
		if err := in.doSeek(rest); err != nil {
			return false, err
		}
	}
	if in.top != nil && in.parentEndRow != nil && bytes.Compare(in.top.Row, in.parentEndRow) > 0 {
		in.clear()
	}
	return in.HasTop(), nil
}

func (in *Intersect) clear() {
	in.hasRow = false
	in.top = nil
}

func (in *Intersect) fail(err error) error {
	in.clear()
	return err
}

// checkRange drops a top that lies past the caller's range. Tops only move
// forward, so nothing later can match either.
func (in *Intersect) checkRange() {
	if in.top != nil && !in.overall.Contains(*in.top) {
		in.clear()
	}
}

// endOfRange reports a range whose exclusive start leaves no record before
// its end.
func endOfRange(r key.Range) bool {
	if r.Start == nil || r.End == nil || r.StartInclusive {
		return false
	}
	return bytes.Equal(r.Start.Following(key.RowFamily).ColumnFamily, r.End.ColumnFamily)
}

func (in *Intersect) doSeek(r key.Range) error {
	in.overall = r
	in.parentEndRow = nil
	if r.End != nil {
		in.parentEndRow = bytes.Clone(r.End.Row)
	}
	if endOfRange(r) {
		in.clear()
		return nil
	}
	for _, s := range in.sources {
		if err := s.it.Seek(s.localRange(r), s.families, true); err != nil {
			return in.fail(sortedkv.Annotate(err, "seek %s of %s", s.term, in))
		}
	}
	if err := in.advanceToIntersection(); err != nil {
		return in.fail(err)
	}
	in.checkRange()
	return nil
}

// localRange maps an event-key range onto the index slots of the source:
// (row, cf) becomes (row, fi\x00FIELD, value\x00cf).
func (s *termSource) localRange(r key.Range) key.Range {
	if r.Start == nil {
		return r
	}
	suffix := r.Start.ColumnFamily
	if !r.StartInclusive {
		suffix = append(bytes.Clone(suffix), shardkey.Null)
	}
	start := key.NewBytes(r.Start.Row, s.fiName, s.slot(suffix))
	out := key.Range{Start: &start, StartInclusive: r.StartInclusive, EndInclusive: r.EndInclusive}
	if r.End != nil {
		end := key.NewBytes(r.End.Row, s.fiName, s.slot(r.End.ColumnFamily))
		if r.EndInclusive && len(r.End.ColumnFamily) > 0 {
			// Index slots of the end record sort after its bare slot key.
			end = end.Following(key.RowFamilyQualifier)
			out.EndInclusive = false
		}
		out.End = &end
	}
	return out
}

// slot builds value\x00suffix.
func (s *termSource) slot(suffix []byte) []byte {
	q := make([]byte, 0, len(s.value)+1+len(suffix))
	q = append(q, s.value...)
	q = append(q, shardkey.Null)
	return append(q, suffix...)
}

func (in *Intersect) advanceToIntersection() error {
	for changed := true; changed; {
		changed = false
		for _, s := range in.sources {
			if !in.hasRow {
				in.top = nil
				return nil
			}
			moved, err := in.seekOneSource(s)
			if err != nil {
				return err
			}
			if moved {
				changed = true
				break
			}
		}
	}
	top := key.NewBytes(in.row, in.docID, nil)
	in.top = &top
	return nil
}

// reseek moves s to the first entry at or after from with no end bound; the
// partition checks of seekOneSource stop it.
func (in *Intersect) reseek(s *termSource, from key.Key) error {
	r := key.Range{Start: &from, StartInclusive: true}
	return sortedkv.Annotate(s.it.Seek(r, s.families, true), "seek %s of %s", s.term, in)
}

// seekOneSource aligns s with the cursor. It reports whether the cursor moved
// or was exhausted, which restarts the round. A negated source that is past
// the cursor, or has run dry, is satisfied.
func (in *Intersect) seekOneSource(s *termSource) (bool, error) {
	moved := false
	done := func() (bool, error) {
		in.hasRow = false
		return true, nil
	}
	for {
		if !s.it.HasTop() {
			if s.term.Negated {
				return moved, nil
			}
			return done()
		}
		k := s.it.TopKey()

		endCompare := -1
		if in.overall.End != nil {
			endCompare = bytes.Compare(in.overall.End.Row, k.Row)
			if endCompare < 0 {
				if s.term.Negated {
					return moved, nil
				}
				return done()
			}
		}

		switch c := bytes.Compare(in.row, k.Row); {
		case c > 0:
			if err := in.reseek(s, key.NewBytes(in.row, s.fiName, nil)); err != nil {
				return false, err
			}
			continue
		case c < 0:
			if s.term.Negated {
				return moved, nil
			}
			in.row = bytes.Clone(k.Row)
			in.docID = nil
			moved = true
			continue
		}

		// The family filter keeps sources in their own column; a source
		// outside it is past the column or before it.
		switch c := bytes.Compare(s.fiName, k.ColumnFamily); {
		case c > 0:
			if err := in.reseek(s, key.NewBytes(in.row, s.fiName, nil)); err != nil {
				return false, err
			}
			continue
		case c < 0:
			if s.term.Negated {
				return moved, nil
			}
			if endCompare == 0 {
				return done()
			}
			if err := in.reseek(s, k.Following(key.Row)); err != nil {
				return false, err
			}
			continue
		}

		switch c := bytes.Compare(s.value, shardkey.ValueOf(k.ColumnQualifier)); {
		case c > 0:
			if err := in.reseek(s, key.NewBytes(in.row, s.fiName, s.slot(nil))); err != nil {
				return false, err
			}
			continue
		case c < 0:
			if s.term.Negated {
				return moved, nil
			}
			if endCompare == 0 {
				return done()
			}
			if err := in.reseek(s, k.Following(key.Row)); err != nil {
				return false, err
			}
			continue
		}

		if in.opts.Filter != nil && !in.opts.Filter(k) {
			if err := s.it.Next(); err != nil {
				return false, sortedkv.Annotate(err, "next %s of %s", s.term, in)
			}
			continue
		}

		docID := shardkey.IDOf(k.ColumnQualifier)
		switch c := bytes.Compare(in.docID, docID); {
		case c > 0:
			if err := in.reseek(s, key.NewBytes(in.row, s.fiName, s.slot(in.docID))); err != nil {
				return false, err
			}
			continue
		case c < 0:
			if s.term.Negated {
				return moved, nil
			}
			in.docID = bytes.Clone(docID)
			return true, nil
		}

		// The record carries a negated term: move the anchor past it.
		if s.term.Negated {
			in.logger.Debug("negated term present", "term", s.term.String(), "partition", string(in.row))
			if err := in.sources[0].it.Next(); err != nil {
				return false, sortedkv.Annotate(err, "next %s of %s", in.sources[0].term, in)
			}
			moved = true
		}
		return moved, nil
	}
}
