package key

import "strings"

// Range is a key interval. A nil Start or End is unbounded on that side.
type Range struct {
	Start          *Key
	StartInclusive bool
	End            *Key
	EndInclusive   bool
}

// NewRange builds a range; the bound keys are copied.
func NewRange(start *Key, startInclusive bool, end *Key, endInclusive bool) Range {
	r := Range{StartInclusive: startInclusive, EndInclusive: endInclusive}
	if start != nil {
		r.Start = start.Ptr()
	}
	if end != nil {
		r.End = end.Ptr()
	}
	return r
}

// All returns the unbounded range.
func All() Range {
	return Range{StartInclusive: true, EndInclusive: true}
}

// RowRange returns the range covering every key of one row.
func RowRange(row []byte) Range {
	start := NewBytes(row, nil, nil)
	end := start.Following(Row)
	return Range{Start: &start, StartInclusive: true, End: &end, EndInclusive: false}
}

// PrefixRange returns the range covering every key whose row, family and
// qualifier prefixes match k up to p.
func PrefixRange(k Key, p PartialKey) Range {
	var start Key
	switch p {
	case Row:
		start = NewBytes(k.Row, nil, nil)
	case RowFamily:
		start = NewBytes(k.Row, k.ColumnFamily, nil)
	default:
		start = NewBytes(k.Row, k.ColumnFamily, k.ColumnQualifier)
	}
	end := k.Following(p)
	return Range{Start: &start, StartInclusive: true, End: &end, EndInclusive: false}
}

// BeforeStart reports whether k sorts before the start of r.
func (r Range) BeforeStart(k Key) bool {
	if r.Start == nil {
		return false
	}
	c := k.Compare(*r.Start)
	if r.StartInclusive {
		return c < 0
	}
	return c <= 0
}

// AfterEnd reports whether k sorts after the end of r.
func (r Range) AfterEnd(k Key) bool {
	if r.End == nil {
		return false
	}
	c := k.Compare(*r.End)
	if r.EndInclusive {
		return c > 0
	}
	return c >= 0
}

// Contains reports whether k lies within r.
func (r Range) Contains(k Key) bool {
	return !r.BeforeStart(k) && !r.AfterEnd(k)
}

// ContainsPtr is Contains for an optional key; nil is never contained.
func (r Range) ContainsPtr(k *Key) bool {
	return k != nil && r.Contains(*k)
}

// IsInfiniteStart reports whether r has no lower bound.
func (r Range) IsInfiniteStart() bool { return r.Start == nil }

// IsInfiniteEnd reports whether r has no upper bound.
func (r Range) IsInfiniteEnd() bool { return r.End == nil }

func (r Range) String() string {
	var b strings.Builder
	if r.StartInclusive && r.Start != nil {
		b.WriteByte('[')
	} else {
		b.WriteByte('(')
	}
	if r.Start == nil {
		b.WriteString("-inf")
	} else {
		b.WriteString(r.Start.String())
	}
	b.WriteString(", ")
	if r.End == nil {
		b.WriteString("+inf")
	} else {
		b.WriteString(r.End.String())
	}
	if r.EndInclusive && r.End != nil {
		b.WriteByte(']')
	} else {
		b.WriteByte(')')
	}
	return b.String()
}
