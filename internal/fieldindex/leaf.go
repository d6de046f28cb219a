// Package fieldindex implements the leaf iterators of the boolean evaluator.
//
// A leaf scans the field-index section of each partition for one comparison
// (an equality term, a bounded range or a regex) and yields event keys,
// (partition, datatype\x00uid), in key order. Leaves are driven by the
// evaluator through Seek, Next and Jump; negated leaves are only ever checked
// with LocateEvent.
package fieldindex

import (
	"fmt"
	"log/slog"

	"shardscan/internal/key"
	"shardscan/internal/metrics"
	"shardscan/internal/shardkey"
	"shardscan/internal/sortedkv"
)

// ReturnShape is the shape of every key a leaf yields.
const ReturnShape = key.RowFamily

// DefaultMaxCachedResults is the number of matching ids a ranged leaf keeps
// in memory per partition before spilling to disk.
const DefaultMaxCachedResults = 10000

// Leaf is a field-index iterator bound to one field comparison.
type Leaf interface {
	sortedkv.JumpingIterator
	fmt.Stringer
	// Field is the upper-cased field name.
	Field() string
	// Value is the value matched at the current top. For term leaves this is
	// the term itself.
	Value() string
	Negated() bool
	// LocateEvent positions the leaf on the exact index slot of eventKey.
	// HasTop reports afterwards whether the record carries a matching value.
	LocateEvent(eventKey key.Key) error
	// CopyLeaf is DeepCopy with the concrete leaf type preserved.
	CopyLeaf() Leaf
	Close() error
}

// Predicate accepts or rejects a field-index key.
type Predicate func(k key.Key) bool

// TimeFilter accepts index entries whose timestamp (ms since epoch) lies in
// [start, end].
func TimeFilter(start, end int64) Predicate {
	return func(k key.Key) bool {
		return k.Timestamp >= start && k.Timestamp <= end
	}
}

// DatatypeFilter accepts index entries of the listed datatypes.
func DatatypeFilter(datatypes ...string) Predicate {
	allowed := make(map[string]struct{}, len(datatypes))
	for _, dt := range datatypes {
		allowed[dt] = struct{}{}
	}
	return func(k key.Key) bool {
		dt, _, ok := shardkey.SplitID(shardkey.IDOf(k.ColumnQualifier))
		if !ok {
			return false
		}
		_, found := allowed[dt]
		return found
	}
}

// Options configures a leaf.
type Options struct {
	TimeFilter     Predicate
	DatatypeFilter Predicate
	Negated        bool

	// CacheDir is where ranged leaves spill partition result sets. Empty
	// keeps everything in memory.
	CacheDir         string
	MaxCachedResults int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func (o Options) accept(k key.Key) bool {
	if o.TimeFilter != nil && !o.TimeFilter(k) {
		return false
	}
	if o.DatatypeFilter != nil && !o.DatatypeFilter(k) {
		return false
	}
	return true
}

// locateRange is the exact index slot of eventKey for field value within
// column fiName.
func locateRange(eventKey key.Key, fiName, value []byte) key.Range {
	start := key.NewBytes(eventKey.Row, fiName, qualifier(value, eventKey.ColumnFamily))
	end := start.Following(key.RowFamilyQualifier)
	return key.Range{Start: &start, StartInclusive: true, End: &end, EndInclusive: false}
}

// qualifier builds value\x00suffix.
func qualifier(value, suffix []byte) []byte {
	q := make([]byte, 0, len(value)+1+len(suffix))
	q = append(q, value...)
	q = append(q, shardkey.Null)
	return append(q, suffix...)
}

func describe(kind, field, op, value string, negated bool) string {
	s := fmt.Sprintf("%s %s %q", field, op, value)
	if negated {
		s = "!(" + s + ")"
	}
	return kind + "{" + s + "}"
}
