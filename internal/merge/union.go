package merge

import (
	"container/heap"
	"errors"
	"log/slog"
	"strings"

	"shardscan/internal/fieldindex"
	"shardscan/internal/key"
	"shardscan/internal/logging"
	"shardscan/internal/metrics"
	"shardscan/internal/sortedkv"
)

// leafHeap is a min-heap of positioned leaves ordered by (partition,
// datatype\x00uid). Exhausted leaves sort last.
type leafHeap []fieldindex.Leaf

func (h leafHeap) Len() int { return len(h) }

func (h leafHeap) Less(i, j int) bool {
	return compareTops(h[i], h[j]) < 0
}

func (h leafHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
}

func (h *leafHeap) Push(x any) {
	*h = append(*h, x.(fieldindex.Leaf))
}

func (h *leafHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil // avoid memory leak
	*h = old[0 : n-1]
	return x
}

func compareTops(a, b fieldindex.Leaf) int {
	switch {
	case !a.HasTop() && !b.HasTop():
		return 0
	case !a.HasTop():
		return 1
	case !b.HasTop():
		return -1
	}
	return a.TopKey().ComparePartial(b.TopKey(), key.RowFamily)
}

// Union yields every record matched by at least one of its leaves, once.
//
// The leaf that produced the current top is held outside the heap; Next
// advances it, puts it back and pops the new minimum, repeating while the
// minimum equals the record just returned.
type Union struct {
	leaves []fieldindex.Leaf
	heap   leafHeap
	cur    fieldindex.Leaf
	top     *key.Key
	logger  *slog.Logger
	metrics *metrics.Metrics
}

var _ sortedkv.JumpingIterator = (*Union)(nil)

// NewUnion merges leaves. The union owns them and closes them on Close.
// opts.Filter is not consulted: each leaf applies its own filters.
func NewUnion(leaves []fieldindex.Leaf, opts Options) *Union {
	return &Union{
		leaves:  leaves,
		logger:  logging.Default(opts.Logger).With("component", "union"),
		metrics: opts.Metrics,
	}
}

// Leaves returns the member leaves.
func (u *Union) Leaves() []fieldindex.Leaf { return u.leaves }

func (u *Union) String() string {
	parts := make([]string, len(u.leaves))
	for i, l := range u.leaves {
		parts[i] = l.String()
	}
	return "union{" + strings.Join(parts, " || ") + "}"
}

func (u *Union) HasTop() bool { return u.top != nil }

func (u *Union) TopKey() key.Key {
	if u.top == nil {
		return key.Key{}
	}
	return *u.top
}

func (u *Union) TopValue() []byte { return nil }

// CurrentField is the field of the leaf holding the current top.
func (u *Union) CurrentField() string {
	if u.cur == nil {
		return ""
	}
	return u.cur.Field()
}

// CurrentValue is the value of the leaf holding the current top.
func (u *Union) CurrentValue() string {
	if u.cur == nil {
		return ""
	}
	return u.cur.Value()
}

// DeepCopy returns an unpositioned union over copies of the leaves.
func (u *Union) DeepCopy() sortedkv.Iterator {
	leaves := make([]fieldindex.Leaf, len(u.leaves))
	for i, l := range u.leaves {
		leaves[i] = l.CopyLeaf()
	}
	return &Union{leaves: leaves, logger: u.logger, metrics: u.metrics}
}

func (u *Union) Seek(r key.Range, columnFamilies [][]byte, inclusive bool) error {
	u.metrics.LeafSeek("union")
	u.heap = u.heap[:0]
	u.cur, u.top = nil, nil
	for _, l := range u.leaves {
		if err := l.Seek(r, columnFamilies, inclusive); err != nil {
			return err
		}
		if l.HasTop() {
			u.heap = append(u.heap, l)
		}
	}
	heap.Init(&u.heap)
	u.pop()
	return nil
}

// pop takes the minimum leaf off the heap as the current one.
func (u *Union) pop() {
	if u.heap.Len() == 0 {
		u.cur, u.top = nil, nil
		return
	}
	u.cur = heap.Pop(&u.heap).(fieldindex.Leaf)
	top := u.cur.TopKey()
	top = key.NewBytes(top.Row, top.ColumnFamily, nil)
	u.top = &top
}

func (u *Union) Next() error {
	if u.cur == nil {
		return nil
	}
	prev := *u.top
	for {
		if err := u.cur.Next(); err != nil {
			u.cur, u.top = nil, nil
			return err
		}
		if u.cur.HasTop() {
			heap.Push(&u.heap, u.cur)
		}
		u.pop()
		if u.top == nil || !u.top.EqualPartial(prev, key.RowFamily) {
			return nil
		}
	}
}

// Jump moves every leaf behind k forward to k and rebuilds the heap.
func (u *Union) Jump(k key.Key) (bool, error) {
	if u.cur == nil {
		return false, nil
	}
	live := append(u.heap[:0:0], u.heap...)
	live = append(live, u.cur)
	u.heap = u.heap[:0]
	for _, l := range live {
		if l.TopKey().ComparePartial(k, key.RowFamily) < 0 {
			if _, err := l.Jump(k); err != nil {
				u.cur, u.top = nil, nil
				return false, err
			}
		}
		if l.HasTop() {
			u.heap = append(u.heap, l)
		}
	}
	heap.Init(&u.heap)
	u.pop()
	return u.HasTop(), nil
}

// Close closes every leaf.
func (u *Union) Close() error {
	var errs []error
	for _, l := range u.leaves {
		errs = append(errs, l.Close())
	}
	return errors.Join(errs...)
}
