package fieldindex

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/grafana/regexp"

	"shardscan/internal/key"
	"shardscan/internal/logging"
	"shardscan/internal/metrics"
	"shardscan/internal/shardkey"
	"shardscan/internal/sortedkv"
)

// Bounds is a value interval. A side without Has* set is unbounded.
type Bounds struct {
	Lower          string
	HasLower       bool
	LowerInclusive bool
	Upper          string
	HasUpper       bool
	UpperInclusive bool
}

func (b Bounds) contains(v string) bool {
	if b.HasLower && (v < b.Lower || (v == b.Lower && !b.LowerInclusive)) {
		return false
	}
	if b.HasUpper && (v > b.Upper || (v == b.Upper && !b.UpperInclusive)) {
		return false
	}
	return true
}

func (b Bounds) String() string {
	open, closing := "(", ")"
	if b.HasLower && b.LowerInclusive {
		open = "["
	}
	if b.HasUpper && b.UpperInclusive {
		closing = "]"
	}
	lower, upper := "-inf", "+inf"
	if b.HasLower {
		lower = fmt.Sprintf("%q", b.Lower)
	}
	if b.HasUpper {
		upper = fmt.Sprintf("%q", b.Upper)
	}
	return open + lower + ", " + upper + closing
}

// Ranged yields the records carrying a value of FIELD inside a range or
// matching an anchored regex.
//
// A value test can match many distinct values, so the index order of a
// partition is not record order. Each partition's matching ids are collected
// into a sorted result set first and served from it. Large sets spill to
// BASE_CACHE_DIR.
type Ranged struct {
	src      sortedkv.Iterator
	field    string
	fiName   []byte
	families [][]byte
	kind     string
	bounds   Bounds
	pattern  string
	re       *regexp.Regexp
	lowCQ    []byte
	highCQ   []byte // nil runs to the end of the index column
	opts     Options
	logger   *slog.Logger
	metrics  *metrics.Metrics

	cacheDir string
	seq      int

	initial   key.Range
	partition []byte
	results   *resultSet
	cur       *cursor
	top       *key.Key
	value     string
}

var _ Leaf = (*Ranged)(nil)

// NewRange builds a leaf for values of field inside b.
func NewRange(src sortedkv.Iterator, field string, b Bounds, opts Options) *Ranged {
	r := newRanged(src, field, "range", opts)
	r.bounds = b
	switch {
	case !b.HasLower:
		r.lowCQ = nil
	case b.LowerInclusive:
		r.lowCQ = append([]byte(b.Lower), shardkey.Null)
	default:
		r.lowCQ = append([]byte(b.Lower), shardkey.One)
	}
	switch {
	case !b.HasUpper:
		r.highCQ = nil
	case b.UpperInclusive:
		r.highCQ = append([]byte(b.Upper), shardkey.One)
	default:
		r.highCQ = append([]byte(b.Upper), shardkey.Null)
	}
	r.initCacheDir()
	return r
}

// NewRegex builds a leaf for values of field fully matching pattern. The
// scan of each partition is narrowed to the literal prefix of the pattern.
func NewRegex(src sortedkv.Iterator, field, pattern string, opts Options) (*Ranged, error) {
	re, err := regexp.Compile("^(?:" + pattern + ")$")
	if err != nil {
		return nil, fmt.Errorf("compile regex %q: %w", pattern, err)
	}
	unanchored, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compile regex %q: %w", pattern, err)
	}
	r := newRanged(src, field, "regex", opts)
	r.pattern, r.re = pattern, re
	prefix, _ := unanchored.LiteralPrefix()
	r.lowCQ = []byte(prefix)
	r.highCQ = prefixSuccessor([]byte(prefix))
	r.initCacheDir()
	return r, nil
}

func newRanged(src sortedkv.Iterator, field, kind string, opts Options) *Ranged {
	fiName := shardkey.IndexColumn(field)
	return &Ranged{
		src:      src,
		field:    field,
		fiName:   fiName,
		families: [][]byte{fiName},
		kind:     kind,
		opts:     opts,
		logger:   logging.Default(opts.Logger).With("component", kind, "field", field),
		metrics:  opts.Metrics,
	}
}

// initCacheDir picks a private spill directory below
// BASE_CACHE_DIR/<md5 of the leaf description>/.
func (r *Ranged) initCacheDir() {
	if r.opts.CacheDir == "" {
		return
	}
	group := uuid.NewMD5(uuid.NameSpaceOID, []byte(r.String())).String()
	r.cacheDir = filepath.Join(r.opts.CacheDir, group, uuid.NewString())
}

// prefixSuccessor returns the smallest byte string greater than every string
// starting with prefix, or nil when there is none.
func prefixSuccessor(prefix []byte) []byte {
	out := bytes.Clone(prefix)
	for len(out) > 0 {
		last := len(out) - 1
		if out[last] < 0xff {
			out[last]++
			return out
		}
		out = out[:last]
	}
	return nil
}

func (r *Ranged) Field() string { return r.field }
func (r *Ranged) Value() string { return r.value }
func (r *Ranged) Negated() bool { return r.opts.Negated }
func (r *Ranged) HasTop() bool { return r.top != nil }

func (r *Ranged) String() string {
	if r.kind == "regex" {
		return describe("regex", r.field, "=~", r.pattern, r.opts.Negated)
	}
	s := fmt.Sprintf("%s in %s", r.field, r.bounds)
	if r.opts.Negated {
		s = "!(" + s + ")"
	}
	return "range{" + s + "}"
}

func (r *Ranged) TopKey() key.Key {
	if r.top == nil {
		return key.Key{}
	}
	return *r.top
}

// TopValue is always empty; the matched value is available from Value.
func (r *Ranged) TopValue() []byte { return nil }

func (r *Ranged) matches(value []byte) bool {
	if r.re != nil {
		return r.re.Match(value)
	}
	return r.bounds.contains(string(value))
}

func (r *Ranged) DeepCopy() sortedkv.Iterator { return r.CopyLeaf() }

// CopyLeaf returns an unpositioned copy with its own source and spill
// directory.
func (r *Ranged) CopyLeaf() Leaf {
	c := &Ranged{
		src:      r.src.DeepCopy(),
		field:    r.field,
		fiName:   r.fiName,
		families: r.families,
		kind:     r.kind,
		bounds:   r.bounds,
		pattern:  r.pattern,
		re:       r.re,
		lowCQ:    r.lowCQ,
		highCQ:   r.highCQ,
		opts:     r.opts,
		logger:   r.logger,
		metrics:  r.metrics,
	}
	c.initCacheDir()
	return c
}

// Seek positions the leaf on the first matching record within rng. Negated
// ranged leaves seek like positive ones; the evaluator checks them with
// LocateEvent.
func (r *Ranged) Seek(rng key.Range, _ [][]byte, _ bool) error {
	r.metrics.LeafSeek(r.kind)
	r.initial = rng
	r.top, r.value = nil, ""

	if rng.Start == nil || len(rng.Start.Row) == 0 {
		if err := r.src.Seek(r.rowsFrom(rng.Start, rng.StartInclusive), r.families, true); err != nil {
			return sortedkv.Annotate(err, "seek %s", r)
		}
		if !r.src.HasTop() {
			return nil
		}
		return r.position(bytes.Clone(r.src.TopKey().Row), "")
	}
	return r.position(rng.Start.Row, string(rng.Start.ColumnFamily))
}

func (r *Ranged) Next() error {
	if r.top == nil {
		return nil
	}
	if err := r.cur.advance(); err != nil {
		return err
	}
	return r.findTop()
}

// Jump moves to the first record at or after the event key k without
// rewinding.
func (r *Ranged) Jump(k key.Key) (bool, error) {
	if r.top == nil || k.Compare(*r.top) <= 0 {
		return r.top != nil, nil
	}
	if bytes.Equal(k.Row, r.partition) {
		if err := r.cur.seekGE(string(k.ColumnFamily)); err != nil {
			return false, err
		}
		if err := r.findTop(); err != nil {
			return false, err
		}
		return r.top != nil, nil
	}
	start := key.NewBytes(k.Row, nil, nil)
	if r.initial.AfterEnd(start) {
		r.top, r.value = nil, ""
		return false, nil
	}
	if err := r.src.Seek(r.rowsFrom(&start, true), r.families, true); err != nil {
		return false, sortedkv.Annotate(err, "jump %s", r)
	}
	if !r.src.HasTop() {
		r.top, r.value = nil, ""
		return false, nil
	}
	row := bytes.Clone(r.src.TopKey().Row)
	fromID := ""
	if bytes.Equal(row, k.Row) {
		fromID = string(k.ColumnFamily)
	}
	if err := r.position(row, fromID); err != nil {
		return false, err
	}
	return r.top != nil, nil
}

// LocateEvent reports through HasTop whether the record of eventKey carries
// a matching value.
func (r *Ranged) LocateEvent(eventKey key.Key) error {
	r.top, r.value = nil, ""
	if err := r.load(eventKey.Row); err != nil {
		return err
	}
	id := string(eventKey.ColumnFamily)
	if r.cur == nil || !r.cur.valid || r.cur.cur.ID > id {
		if err := r.rewind(); err != nil {
			return err
		}
	}
	if err := r.cur.seekGE(id); err != nil {
		return err
	}
	if r.cur.valid && r.cur.cur.ID == id {
		ek := key.NewBytes(eventKey.Row, eventKey.ColumnFamily, nil)
		r.top, r.value = &ek, r.cur.cur.Value
	}
	return nil
}

// Close releases the partition result set and the spill directory.
func (r *Ranged) Close() error {
	var errs []error
	if r.cur != nil {
		r.cur.close()
		r.cur = nil
	}
	if r.results != nil {
		errs = append(errs, r.results.remove())
		r.results = nil
	}
	r.partition = nil
	if r.cacheDir != "" {
		if err := os.RemoveAll(r.cacheDir); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// position loads row and moves to its first id >= fromID that lies in the
// caller's range, continuing into later partitions as needed.
func (r *Ranged) position(row []byte, fromID string) error {
	if err := r.load(row); err != nil {
		return err
	}
	if err := r.rewind(); err != nil {
		return err
	}
	if err := r.cur.seekGE(fromID); err != nil {
		return err
	}
	return r.findTop()
}

func (r *Ranged) findTop() error {
	for {
		for r.cur.valid {
			ek := key.NewBytes(r.partition, []byte(r.cur.cur.ID), nil)
			if r.initial.AfterEnd(ek) {
				r.top, r.value = nil, ""
				return nil
			}
			if r.initial.Contains(ek) {
				r.top, r.value = &ek, r.cur.cur.Value
				return nil
			}
			if err := r.cur.advance(); err != nil {
				return err
			}
		}
		next, ok, err := r.nextRow()
		if err != nil {
			return err
		}
		if !ok {
			r.top, r.value = nil, ""
			return nil
		}
		if err := r.load(next); err != nil {
			return err
		}
		if err := r.rewind(); err != nil {
			return err
		}
	}
}

// nextRow finds the next partition after the current one holding entries
// of the field.
func (r *Ranged) nextRow() ([]byte, bool, error) {
	following := key.NewBytes(r.partition, nil, nil).Following(key.Row)
	if r.initial.AfterEnd(following) {
		return nil, false, nil
	}
	if err := r.src.Seek(r.rowsFrom(&following, true), r.families, true); err != nil {
		return nil, false, sortedkv.Annotate(err, "seek next partition of %s", r)
	}
	if !r.src.HasTop() {
		return nil, false, nil
	}
	return bytes.Clone(r.src.TopKey().Row), true, nil
}

// rowsFrom is the storage range searched for partitions holding the field,
// from start to the end of the caller's range. An end key naming a family
// may cut into the index section of its row, so the end is widened to the
// whole row; findTop applies the exact bound to event keys.
func (r *Ranged) rowsFrom(start *key.Key, inclusive bool) key.Range {
	rng := key.Range{Start: start, StartInclusive: inclusive, End: r.initial.End, EndInclusive: r.initial.EndInclusive}
	if rng.End != nil && len(rng.End.ColumnFamily) > 0 {
		end := rng.End.Following(key.Row)
		rng.End, rng.EndInclusive = &end, false
	}
	return rng
}

// load builds the result set of row unless it is already loaded. Callers
// rewind before reading.
func (r *Ranged) load(row []byte) error {
	if r.results != nil && bytes.Equal(r.partition, row) {
		return nil
	}
	if r.cur != nil {
		r.cur.close()
		r.cur = nil
	}
	if r.results != nil {
		if err := r.results.remove(); err != nil {
			r.logger.Warn("removing spilled results", "error", err)
		}
	}
	r.partition = bytes.Clone(row)
	r.results = newResultSet(r.cacheDir, r.opts.MaxCachedResults, &r.seq, r.metrics)

	start := key.NewBytes(row, r.fiName, r.lowCQ)
	var end key.Key
	if r.highCQ == nil {
		end = key.NewBytes(row, r.fiName, nil).Following(key.RowFamily)
	} else {
		end = key.NewBytes(row, r.fiName, r.highCQ)
	}
	scan := key.Range{Start: &start, StartInclusive: true, End: &end, EndInclusive: false}
	if err := r.src.Seek(scan, r.families, true); err != nil {
		return sortedkv.Annotate(err, "scan partition %s of %s", row, r)
	}
	for r.src.HasTop() {
		k := r.src.TopKey()
		value := shardkey.ValueOf(k.ColumnQualifier)
		if r.matches(value) && r.opts.accept(k) {
			if err := r.results.add(string(shardkey.IDOf(k.ColumnQualifier)), string(value)); err != nil {
				return fmt.Errorf("collect %s: %w", r, err)
			}
		}
		if err := r.src.Next(); err != nil {
			return sortedkv.Annotate(err, "scan partition %s of %s", row, r)
		}
	}
	if err := r.results.seal(); err != nil {
		return fmt.Errorf("seal %s: %w", r, err)
	}
	r.logger.Debug("partition loaded", "partition", string(row), "spilled", r.results.Len() < 0)
	return nil
}

// rewind reopens the cursor at the first id of the partition.
func (r *Ranged) rewind() error {
	if r.cur != nil {
		r.cur.close()
	}
	c, err := r.results.open()
	if err != nil {
		return fmt.Errorf("open results of %s: %w", r, err)
	}
	r.cur = c
	return nil
}
