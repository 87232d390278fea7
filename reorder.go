package vdec

import "container/heap"

// timestampHeap is a min-heap of input timestamps.
type timestampHeap []int64

func (h timestampHeap) Len() int           { return len(h) }
func (h timestampHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h timestampHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *timestampHeap) Push(x any)        { *h = append(*h, x.(int64)) }
func (h *timestampHeap) Pop() any {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}

// timestampReorder hands decoded frames the smallest outstanding input
// timestamp, so output timestamps increase even when the driver reports
// frames in decode order.
type timestampReorder struct {
	pending timestampHeap
}

func (r *timestampReorder) push(ts int64) {
	heap.Push(&r.pending, ts)
}

// next returns the smallest outstanding timestamp, or fallback when none is left.
func (r *timestampReorder) next(fallback int64) int64 {
	if len(r.pending) == 0 {
		return fallback
	}
	return heap.Pop(&r.pending).(int64)
}

func (r *timestampReorder) reset() {
	r.pending = r.pending[:0]
}
