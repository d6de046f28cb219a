// Package key defines the multi-part sorted key and the key ranges used
// throughout the shard table.
//
// A key is (row, column family, column qualifier, timestamp). Keys sort by
// row, family and qualifier ascending (bytewise) and by timestamp descending,
// so the newest version of a coordinate comes first. A key constructed without
// a timestamp carries math.MaxInt64 and therefore sorts before every stored
// version of the same coordinate.
package key

import (
	"bytes"
	"encoding/binary"
	"math"
	"strconv"
	"strings"
)

// PartialKey selects a key prefix for comparisons and Following.
type PartialKey int

const (
	Row PartialKey = iota
	RowFamily
	RowFamilyQualifier
	RowFamilyQualifierTime
)

func (p PartialKey) String() string {
	switch p {
	case Row:
		return "row"
	case RowFamily:
		return "row_family"
	case RowFamilyQualifier:
		return "row_family_qualifier"
	case RowFamilyQualifierTime:
		return "row_family_qualifier_time"
	default:
		return "unknown"
	}
}

// Key is a sorted key in the shard table.
type Key struct {
	Row             []byte
	ColumnFamily    []byte
	ColumnQualifier []byte
	Timestamp       int64
}

// New builds a key from string components with the maximum timestamp.
func New(row, family, qualifier string) Key {
	return Key{
		Row:             []byte(row),
		ColumnFamily:    []byte(family),
		ColumnQualifier: []byte(qualifier),
		Timestamp:       math.MaxInt64,
	}
}

// NewBytes builds a key from byte components with the maximum timestamp.
// The slices are copied.
func NewBytes(row, family, qualifier []byte) Key {
	return Key{
		Row:             clone(row),
		ColumnFamily:    clone(family),
		ColumnQualifier: clone(qualifier),
		Timestamp:       math.MaxInt64,
	}
}

// Compare returns -1, 0 or +1 comparing k with o in full key order.
func (k Key) Compare(o Key) int {
	return k.ComparePartial(o, RowFamilyQualifierTime)
}

// ComparePartial compares k and o up to and including the components named by p.
func (k Key) ComparePartial(o Key, p PartialKey) int {
	if c := bytes.Compare(k.Row, o.Row); c != 0 || p == Row {
		return c
	}
	if c := bytes.Compare(k.ColumnFamily, o.ColumnFamily); c != 0 || p == RowFamily {
		return c
	}
	if c := bytes.Compare(k.ColumnQualifier, o.ColumnQualifier); c != 0 || p == RowFamilyQualifier {
		return c
	}
	switch {
	case k.Timestamp > o.Timestamp:
		return -1
	case k.Timestamp < o.Timestamp:
		return 1
	default:
		return 0
	}
}

// Equal reports whether k and o are the same full key.
func (k Key) Equal(o Key) bool {
	return k.Compare(o) == 0
}

// EqualPartial reports whether k and o agree on the components named by p.
func (k Key) EqualPartial(o Key, p PartialKey) bool {
	return k.ComparePartial(o, p) == 0
}

// Following returns the smallest key that sorts after every key sharing k's
// prefix up to p.
func (k Key) Following(p PartialKey) Key {
	switch p {
	case Row:
		return Key{Row: followingBytes(k.Row), Timestamp: math.MaxInt64}
	case RowFamily:
		return Key{Row: clone(k.Row), ColumnFamily: followingBytes(k.ColumnFamily), Timestamp: math.MaxInt64}
	case RowFamilyQualifier:
		return Key{
			Row:             clone(k.Row),
			ColumnFamily:    clone(k.ColumnFamily),
			ColumnQualifier: followingBytes(k.ColumnQualifier),
			Timestamp:       math.MaxInt64,
		}
	default:
		if k.Timestamp == math.MinInt64 {
			return k.Following(RowFamilyQualifier)
		}
		n := k.Clone()
		n.Timestamp--
		return n
	}
}

// Clone returns a deep copy of k.
func (k Key) Clone() Key {
	return Key{
		Row:             clone(k.Row),
		ColumnFamily:    clone(k.ColumnFamily),
		ColumnQualifier: clone(k.ColumnQualifier),
		Timestamp:       k.Timestamp,
	}
}

// Ptr returns a pointer to a deep copy of k.
func (k Key) Ptr() *Key {
	c := k.Clone()
	return &c
}

// MapKey returns an unambiguous string encoding of the full key, suitable as
// a map key.
func (k Key) MapKey() string {
	buf := make([]byte, 0, len(k.Row)+len(k.ColumnFamily)+len(k.ColumnQualifier)+3*binary.MaxVarintLen32+8)
	buf = binary.AppendUvarint(buf, uint64(len(k.Row)))
	buf = append(buf, k.Row...)
	buf = binary.AppendUvarint(buf, uint64(len(k.ColumnFamily)))
	buf = append(buf, k.ColumnFamily...)
	buf = binary.AppendUvarint(buf, uint64(len(k.ColumnQualifier)))
	buf = append(buf, k.ColumnQualifier...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(k.Timestamp))
	return string(buf)
}

// String renders the key as "row family:qualifier [ts]" with NUL bytes
// shown as \x00.
func (k Key) String() string {
	var b strings.Builder
	b.WriteString(escape(k.Row))
	b.WriteByte(' ')
	b.WriteString(escape(k.ColumnFamily))
	b.WriteByte(':')
	b.WriteString(escape(k.ColumnQualifier))
	if k.Timestamp != math.MaxInt64 {
		b.WriteString(" [")
		b.WriteString(strconv.FormatInt(k.Timestamp, 10))
		b.WriteByte(']')
	}
	return b.String()
}

// Compare compares two optional keys. A nil key sorts after every real key.
func Compare(a, b *Key) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	default:
		return a.Compare(*b)
	}
}

func followingBytes(b []byte) []byte {
	out := make([]byte, len(b)+1)
	copy(out, b)
	return out
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func escape(b []byte) string {
	var s strings.Builder
	for _, c := range b {
		switch {
		case c == 0:
			s.WriteString(`\x00`)
		case c < 0x20 || c >= 0x7f:
			const hex = "0123456789abcdef"
			s.WriteString(`\x`)
			s.WriteByte(hex[c>>4])
			s.WriteByte(hex[c&0x0f])
		default:
			s.WriteByte(c)
		}
	}
	return s.String()
}
