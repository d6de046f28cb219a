package fieldindex

import (
	"bytes"
	"log/slog"

	"shardscan/internal/key"
	"shardscan/internal/logging"
	"shardscan/internal/metrics"
	"shardscan/internal/shardkey"
	"shardscan/internal/sortedkv"
)

// Term yields the records carrying FIELD == value.
//
// A positive term bounds each partition scan to the index slots of its
// value, [value\x00, value\x01), and walks partitions in order. A negated
// term is seeked directly to the slot it is asked about.
type Term struct {
	src      sortedkv.Iterator
	field    string
	fiName   []byte
	value    []byte
	families [][]byte
	opts     Options
	logger   *slog.Logger
	metrics  *metrics.Metrics

	// initial is the caller's range, parent the part still ahead of the scan,
	// bounds the value slots of the current partition.
	initial key.Range
	parent  key.Range
	bounds  key.Range

	// datatype is a datatype-only start hint kept across partitions.
	datatype []byte

	top      *key.Key
	topValue []byte
}

var _ Leaf = (*Term)(nil)

// NewTerm builds a term leaf over src. The field name is used as given; the
// evaluator upper-cases names before building leaves.
func NewTerm(src sortedkv.Iterator, field, value string, opts Options) *Term {
	fiName := shardkey.IndexColumn(field)
	return &Term{
		src:      src,
		field:    field,
		fiName:   fiName,
		value:    []byte(value),
		families: [][]byte{fiName},
		opts:     opts,
		logger:   logging.Default(opts.Logger).With("component", "term", "field", field),
		metrics:  opts.Metrics,
	}
}

func (t *Term) Field() string { return t.field }
func (t *Term) Value() string { return string(t.value) }
func (t *Term) Negated() bool { return t.opts.Negated }
func (t *Term) HasTop() bool { return t.top != nil }
func (t *Term) Close() error { return nil }
func (t *Term) String() string { return describe("term", t.field, "==", string(t.value), t.opts.Negated) }

func (t *Term) TopKey() key.Key {
	if t.top == nil {
		return key.Key{}
	}
	return *t.top
}

func (t *Term) TopValue() []byte { return t.topValue }

// DeepCopy returns an unpositioned term over a copy of the source.
func (t *Term) DeepCopy() sortedkv.Iterator { return t.CopyLeaf() }

func (t *Term) CopyLeaf() Leaf {
	return &Term{
		src:      t.src.DeepCopy(),
		field:    t.field,
		fiName:   t.fiName,
		value:    t.value,
		families: t.families,
		opts:     t.opts,
		logger:   t.logger,
		metrics:  t.metrics,
	}
}

// Seek positions the term on the first matching record within r. The
// column-family arguments are ignored; a term always restricts the source to
// its own index column.
//
// A start key whose family holds only a datatype is remembered as a hint for
// every partition. A family holding datatype\x00uid is honoured for the first
// partition only.
func (t *Term) Seek(r key.Range, _ [][]byte, _ bool) error {
	t.metrics.LeafSeek("term")
	t.initial, t.parent = r, r
	t.top, t.topValue = nil, nil
	t.bounds = key.Range{}
	t.datatype = nil

	if t.opts.Negated {
		return t.seekDirect(r)
	}

	// An end key naming a family may cut into the index section of its row.
	if r.End != nil && len(r.End.ColumnFamily) > 0 {
		end := r.End.Following(key.Row)
		t.parent = key.Range{Start: r.Start, StartInclusive: r.StartInclusive, End: &end, EndInclusive: false}
	}

	var row, hint []byte
	if r.Start == nil || len(r.Start.Row) == 0 {
		if err := t.src.Seek(t.parent, t.families, true); err != nil {
			return sortedkv.Annotate(err, "seek %s", t)
		}
		if !t.src.HasTop() {
			return nil
		}
		row = bytes.Clone(t.src.TopKey().Row)
	} else {
		row = r.Start.Row
		if cf := r.Start.ColumnFamily; len(cf) > 0 {
			parts := bytes.Split(cf, []byte{shardkey.Null})
			hasUID := len(parts) > 1 && len(bytes.TrimSpace(parts[1])) > 0
			hint = bytes.Clone(cf)
			if !hasUID {
				t.datatype = hint
			} else if !r.StartInclusive {
				hint = append(hint, shardkey.Null)
			}
		}
	}
	t.bounds = t.boundingRange(row, hint)
	if t.boundsPastParent() {
		return nil
	}

	t.parent = key.Range{Start: t.bounds.Start, StartInclusive: true, End: t.parent.End, EndInclusive: t.parent.EndInclusive}
	if err := t.src.Seek(t.parent, t.families, true); err != nil {
		return sortedkv.Annotate(err, "seek %s", t)
	}
	return t.findTop()
}

// seekDirect seeks the source to r and takes its first entry as the top
// when it lies in r and passes the filters.
func (t *Term) seekDirect(r key.Range) error {
	t.bounds = r
	if err := t.src.Seek(r, t.families, true); err != nil {
		return sortedkv.Annotate(err, "seek %s", t)
	}
	if t.src.HasTop() && r.Contains(t.src.TopKey()) && t.opts.accept(t.src.TopKey()) {
		ek := shardkey.IndexKeyToEventKey(t.src.TopKey(), ReturnShape)
		t.top, t.topValue = &ek, bytes.Clone(t.src.TopValue())
	}
	return nil
}

func (t *Term) Next() error {
	if t.top == nil {
		return nil
	}
	if !t.src.HasTop() {
		t.top, t.topValue = nil, nil
		return nil
	}
	if t.opts.Negated {
		// A negated term holds at most one slot.
		t.top, t.topValue = nil, nil
		return nil
	}
	if err := t.src.Next(); err != nil {
		return sortedkv.Annotate(err, "next %s", t)
	}
	return t.findTop()
}

// Jump moves the term to the first record at or after the event key k.
// It never rewinds: a term already at or past k stays put.
func (t *Term) Jump(k key.Key) (bool, error) {
	if t.top == nil || k.Compare(*t.top) <= 0 {
		return t.top != nil, nil
	}
	local := key.NewBytes(k.Row, t.fiName, qualifier(t.value, k.ColumnFamily))
	if !t.parent.Contains(local) {
		t.top, t.topValue = nil, nil
		return false, nil
	}
	t.bounds = t.boundingRange(k.Row, t.datatype)
	start := local
	if t.bounds.Start.Compare(local) > 0 {
		start = *t.bounds.Start
	}
	t.parent = key.Range{Start: &start, StartInclusive: true, End: t.parent.End, EndInclusive: t.parent.EndInclusive}
	if err := t.src.Seek(t.parent, t.families, true); err != nil {
		return false, sortedkv.Annotate(err, "jump %s", t)
	}
	if err := t.findTop(); err != nil {
		return false, err
	}
	return t.top != nil, nil
}

// LocateEvent looks up the exact index slot of eventKey.
func (t *Term) LocateEvent(eventKey key.Key) error {
	t.top, t.topValue = nil, nil
	r := locateRange(eventKey, t.fiName, t.value)
	t.initial, t.parent = r, r
	return t.seekDirect(r)
}

// boundingRange covers the slots of the term value in row, starting after
// the optional datatype or datatype\x00uid hint.
func (t *Term) boundingRange(row, hint []byte) key.Range {
	startCQ := qualifier(t.value, hint)
	if len(hint) > 0 && bytes.IndexByte(hint, shardkey.Null) < 0 {
		startCQ = append(startCQ, shardkey.Null)
	}
	endCQ := append(bytes.Clone(t.value), shardkey.One)
	start := key.NewBytes(row, t.fiName, startCQ)
	end := key.NewBytes(row, t.fiName, endCQ)
	return key.Range{Start: &start, StartInclusive: true, End: &end, EndInclusive: false}
}

func (t *Term) boundsPastParent() bool {
	return t.parent.End != nil && t.bounds.Start.Compare(*t.parent.End) > 0
}

// findTop walks the source to the next accepted entry inside the bounds,
// moving to later partitions as each one runs out.
func (t *Term) findTop() error {
	for t.src.HasTop() {
		k := t.src.TopKey()
		if !t.parent.Contains(k) {
			break
		}
		if !t.bounds.Contains(k) {
			ok, err := t.moveToNextRow(k)
			if err != nil {
				return err
			}
			if !ok {
				break
			}
			continue
		}
		if t.opts.accept(k) {
			ek := shardkey.IndexKeyToEventKey(k, ReturnShape)
			// Entries translated out of the caller's range are skipped.
			if t.initial.Contains(ek) {
				t.top, t.topValue = &ek, bytes.Clone(t.src.TopValue())
				return nil
			}
		}
		if err := t.src.Next(); err != nil {
			return sortedkv.Annotate(err, "next %s", t)
		}
	}
	t.top, t.topValue = nil, nil
	return nil
}

// moveToNextRow positions the source at the value slots of the partition
// after the one k belongs to. It reports false once no partition within the
// parent range remains.
func (t *Term) moveToNextRow(k key.Key) (bool, error) {
	nextRow := k.Row
	if bytes.Equal(nextRow, t.bounds.Start.Row) {
		following := k.Following(key.Row)
		if t.parent.End != nil && !t.parent.Contains(following) {
			return false, nil
		}
		r := key.Range{Start: &following, StartInclusive: true, End: t.parent.End, EndInclusive: t.parent.EndInclusive}
		if err := t.src.Seek(r, t.families, true); err != nil {
			return false, sortedkv.Annotate(err, "seek next partition of %s", t)
		}
		if !t.src.HasTop() {
			return false, nil
		}
		nextRow = bytes.Clone(t.src.TopKey().Row)
	}

	t.bounds = t.boundingRange(nextRow, t.datatype)
	if t.boundsPastParent() {
		return false, nil
	}
	seekRange := key.Range{Start: t.bounds.Start, StartInclusive: true, End: t.parent.End, EndInclusive: t.parent.EndInclusive}
	t.parent = seekRange
	t.logger.Debug("moving to partition", "partition", string(nextRow))
	if !t.src.HasTop() || !seekRange.Contains(t.src.TopKey()) {
		if err := t.src.Seek(seekRange, t.families, true); err != nil {
			return false, sortedkv.Annotate(err, "seek partition %s of %s", nextRow, t)
		}
	}
	return true, nil
}
