// Package shardkey converts between the field-index section and the event
// section of the shard table.
//
// Field-index entry:
//
//	row = partition
//	cf  = "fi\x00" + FIELD
//	cq  = value + "\x00" + datatype + "\x00" + uid
//
// Event entry:
//
//	row = partition
//	cf  = datatype + "\x00" + uid
//	cq  = FIELD + "\x00" + value
//
// An event key is the (row, cf) prefix of an event entry and identifies one
// record. All functions are pure.
package shardkey

import (
	"bytes"
	"errors"
	"fmt"
	"math"

	"shardscan/internal/key"
)

const (
	// Null separates the parts of families and qualifiers.
	Null = '\x00'
	// One is the byte directly after Null; value+One bounds every qualifier
	// that starts with value+Null.
	One = '\x01'
)

// IndexPrefix is the column-family prefix of field-index entries.
const IndexPrefix = "fi\x00"

var (
	// ErrNotIndexKey is returned when a key is not a field-index entry.
	ErrNotIndexKey = errors.New("not a field index key")
	// ErrNotEventEntry is returned when a key is not an event entry.
	ErrNotEventEntry = errors.New("not an event entry")
)

// IndexColumn returns the field-index column family for field. A field that
// already carries the prefix is returned unchanged.
func IndexColumn(field string) []byte {
	if len(field) >= len(IndexPrefix) && field[:len(IndexPrefix)] == IndexPrefix {
		return []byte(field)
	}
	out := make([]byte, 0, len(IndexPrefix)+len(field))
	out = append(out, IndexPrefix...)
	return append(out, field...)
}

// FieldFromColumn strips the field-index prefix from a column family.
func FieldFromColumn(cf []byte) (string, bool) {
	if !bytes.HasPrefix(cf, []byte(IndexPrefix)) {
		return "", false
	}
	return string(cf[len(IndexPrefix):]), true
}

// ID joins datatype and uid into the event column family.
func ID(datatype, uid string) []byte {
	out := make([]byte, 0, len(datatype)+1+len(uid))
	out = append(out, datatype...)
	out = append(out, Null)
	return append(out, uid...)
}

// IndexKey builds a field-index key.
func IndexKey(partition, field, value, datatype, uid string, ts int64) key.Key {
	cq := make([]byte, 0, len(value)+len(datatype)+len(uid)+2)
	cq = append(cq, value...)
	cq = append(cq, Null)
	cq = append(cq, ID(datatype, uid)...)
	return key.Key{
		Row:             []byte(partition),
		ColumnFamily:    IndexColumn(field),
		ColumnQualifier: cq,
		Timestamp:       ts,
	}
}

// EventEntryKey builds the event-section key of one field value.
func EventEntryKey(partition, datatype, uid, field, value string, ts int64) key.Key {
	cq := make([]byte, 0, len(field)+1+len(value))
	cq = append(cq, field...)
	cq = append(cq, Null)
	cq = append(cq, value...)
	return key.Key{
		Row:             []byte(partition),
		ColumnFamily:    ID(datatype, uid),
		ColumnQualifier: cq,
		Timestamp:       ts,
	}
}

// EventKey builds the (row, cf) event key of one record.
func EventKey(partition, datatype, uid string) key.Key {
	return key.Key{Row: []byte(partition), ColumnFamily: ID(datatype, uid), Timestamp: math.MaxInt64}
}

// IndexKeyToEventKey rebuilds a field-index key as an event key of the
// given shape. Row keeps only the partition; RowFamily adds datatype\x00uid;
// RowFamilyQualifier adds FIELD\x00value; the full shape keeps the timestamp.
func IndexKeyToEventKey(k key.Key, shape key.PartialKey) key.Key {
	cq := k.ColumnQualifier
	idx := bytes.IndexByte(cq, Null)
	if idx < 0 {
		idx = len(cq)
	}
	out := key.Key{Row: clone(k.Row), Timestamp: math.MaxInt64}
	if shape == key.Row {
		return out
	}
	if idx < len(cq) {
		out.ColumnFamily = clone(cq[idx+1:])
	} else {
		out.ColumnFamily = []byte{}
	}
	if shape == key.RowFamily {
		return out
	}
	field, _ := FieldFromColumn(k.ColumnFamily)
	q := make([]byte, 0, len(field)+1+idx)
	q = append(q, field...)
	q = append(q, Null)
	out.ColumnQualifier = append(q, cq[:idx]...)
	if shape == key.RowFamilyQualifierTime {
		out.Timestamp = k.Timestamp
	}
	return out
}

// EventKeyRowAndID returns partition\x00datatype\x00uid for an event key.
func EventKeyRowAndID(k key.Key) string {
	buf := make([]byte, 0, len(k.Row)+1+len(k.ColumnFamily))
	buf = append(buf, k.Row...)
	buf = append(buf, Null)
	buf = append(buf, k.ColumnFamily...)
	return string(buf)
}

// EventKeyID returns datatype\x00uid for an event key.
func EventKeyID(k key.Key) string {
	return string(k.ColumnFamily)
}

// SameEvent reports whether two event keys name the same record.
func SameEvent(a, b key.Key) bool {
	return bytes.Equal(a.Row, b.Row) && bytes.Equal(a.ColumnFamily, b.ColumnFamily)
}

// SplitID splits datatype\x00uid.
func SplitID(id []byte) (datatype, uid string, ok bool) {
	i := bytes.IndexByte(id, Null)
	if i < 0 {
		return "", "", false
	}
	return string(id[:i]), string(id[i+1:]), true
}

// IndexEntry is a decoded field-index key.
type IndexEntry struct {
	Partition string
	Field     string
	Value     string
	Datatype  string
	UID       string
	Timestamp int64
}

// ParseIndexKey decodes a field-index key. The value is everything before the
// first NUL; the uid is everything after the second.
func ParseIndexKey(k key.Key) (IndexEntry, error) {
	field, ok := FieldFromColumn(k.ColumnFamily)
	if !ok {
		return IndexEntry{}, fmt.Errorf("%w: family %q", ErrNotIndexKey, k.ColumnFamily)
	}
	cq := k.ColumnQualifier
	i := bytes.IndexByte(cq, Null)
	if i < 0 {
		return IndexEntry{}, fmt.Errorf("%w: qualifier %q has no value separator", ErrNotIndexKey, cq)
	}
	dt, uid, ok := SplitID(cq[i+1:])
	if !ok {
		return IndexEntry{}, fmt.Errorf("%w: qualifier %q has no datatype separator", ErrNotIndexKey, cq)
	}
	return IndexEntry{
		Partition: string(k.Row),
		Field:     field,
		Value:     string(cq[:i]),
		Datatype:  dt,
		UID:       uid,
		Timestamp: k.Timestamp,
	}, nil
}

// ValueOf returns the value prefix of a field-index qualifier.
func ValueOf(cq []byte) []byte {
	if i := bytes.IndexByte(cq, Null); i >= 0 {
		return cq[:i]
	}
	return cq
}

// IDOf returns the datatype\x00uid suffix of a field-index qualifier.
func IDOf(cq []byte) []byte {
	if i := bytes.IndexByte(cq, Null); i >= 0 {
		return cq[i+1:]
	}
	return nil
}

// ParseEventEntry decodes the FIELD\x00value qualifier of an event entry.
func ParseEventEntry(k key.Key) (field, value string, err error) {
	if bytes.HasPrefix(k.ColumnFamily, []byte(IndexPrefix)) {
		return "", "", fmt.Errorf("%w: family %q is a field index", ErrNotEventEntry, k.ColumnFamily)
	}
	i := bytes.IndexByte(k.ColumnQualifier, Null)
	if i < 0 {
		return "", "", fmt.Errorf("%w: qualifier %q", ErrNotEventEntry, k.ColumnQualifier)
	}
	return string(k.ColumnQualifier[:i]), string(k.ColumnQualifier[i+1:]), nil
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
