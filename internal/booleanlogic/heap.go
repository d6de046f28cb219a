package booleanlogic

import "shardscan/internal/key"

// positiveHeap orders the non-negated iterator nodes by their current top.
// Exhausted nodes sort last.
type positiveHeap struct {
	ids   []int
	state []nodeState
}

func (h positiveHeap) Len() int { return len(h.ids) }

func (h positiveHeap) Less(i, j int) bool {
	return compareTops(h.state[h.ids[i]].top, h.state[h.ids[j]].top) < 0
}

func (h positiveHeap) Swap(i, j int) {
	h.ids[i], h.ids[j] = h.ids[j], h.ids[i]
}

func (h *positiveHeap) Push(x any) {
	h.ids = append(h.ids, x.(int))
}

func (h *positiveHeap) Pop() any {
	old := h.ids
	n := len(old)
	x := old[n-1]
	h.ids = old[:n-1]
	return x
}

// compareTops compares event keys by (partition, datatype\x00uid). A nil
// key sorts after every real key.
func compareTops(a, b *key.Key) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	}
	return a.ComparePartial(*b, key.RowFamily)
}
